package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Clients    ClientsConfig    `koanf:"clients"`
	History    HistoryConfig    `koanf:"history"`
	Cleanup    CleanupConfig    `koanf:"cleanup"`
	Names      NamesConfig      `koanf:"names"`
	Network    NetworkConfig    `koanf:"network"`
	Moderation ModerationConfig `koanf:"moderation"`
}

type ServiceConfig struct {
	WSListen               string `koanf:"ws_listen"`
	AdminListen            string `koanf:"admin_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type TelemetryConfig struct {
	LogPath string `koanf:"log_path"`
	// ReplayRotated also replays rotated siblings (<path>.1, <path>.*.gz)
	// during warm start before the live file.
	ReplayRotated bool `koanf:"replay_rotated"`
}

type ClientsConfig struct {
	MaxClients       int `koanf:"max_clients"`
	PriorityReserved int `koanf:"priority_reserved"`
	QueueCapacity    int `koanf:"queue_capacity"`
	FlushIntervalMs  int `koanf:"flush_interval_ms"`
}

type HistoryConfig struct {
	MaxEvents           int `koanf:"max_events"`
	MaxAgeMinutes       int `koanf:"max_age_minutes"`
	InitialEvents       int `koanf:"initial_events"`
	MaxTransactions     int `koanf:"max_transactions"`
	InitialTransactions int `koanf:"initial_transactions"`
	MaxTransferEvents   int `koanf:"max_transfer_events"`
}

type CleanupConfig struct {
	IntervalSeconds       int `koanf:"interval_seconds"`
	StalePeerMinutes      int `koanf:"stale_peer_minutes"`
	StalePendingOpMinutes int `koanf:"stale_pending_op_minutes"`
}

type NamesConfig struct {
	FilePath           string `koanf:"file_path"`
	ChangeLimit        int    `koanf:"change_limit"`
	ChangeWindowMinute int    `koanf:"change_window_minutes"`
}

type NetworkConfig struct {
	// GatewayIPs tags topology peers as gateways when their lifecycle record
	// is absent from telemetry. The first entry is the primary gateway
	// advertised to clients.
	GatewayIPs []string `koanf:"gateway_ips"`
}

type ModerationConfig struct {
	// Endpoint of the external name classifier. Empty disables remote
	// classification and falls back to the local sanitizer.
	Endpoint       string `koanf:"endpoint"`
	APIKey         string `koanf:"api_key"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TELEMETRY_HUB_SERVICE__WS_LISTEN → service.ws_listen
	if err := k.Load(env.Provider("TELEMETRY_HUB_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TELEMETRY_HUB_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			WSListen:               ":3134",
			AdminListen:            ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Telemetry: TelemetryConfig{
			LogPath:       "/var/lib/telemetry-hub/logs.jsonl",
			ReplayRotated: true,
		},
		Clients: ClientsConfig{
			MaxClients:       300,
			PriorityReserved: 50,
			QueueCapacity:    100,
			FlushIntervalMs:  200,
		},
		History: HistoryConfig{
			MaxEvents:           50000,
			MaxAgeMinutes:       120,
			InitialEvents:       20000,
			MaxTransactions:     10000,
			InitialTransactions: 2000,
			MaxTransferEvents:   1000,
		},
		Cleanup: CleanupConfig{
			IntervalSeconds:       60,
			StalePeerMinutes:      30,
			StalePendingOpMinutes: 5,
		},
		Names: NamesConfig{
			FilePath:           "/var/lib/telemetry-hub/peer_names.json",
			ChangeLimit:        5,
			ChangeWindowMinute: 60,
		},
		Network: NetworkConfig{
			GatewayIPs: []string{"5.9.111.215", "100.27.151.80"},
		},
		Moderation: ModerationConfig{
			TimeoutSeconds: 10,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Network.GatewayIPs) == 1 && strings.Contains(cfg.Network.GatewayIPs[0], ",") {
		cfg.Network.GatewayIPs = strings.Split(cfg.Network.GatewayIPs[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Telemetry.LogPath == "" {
		return fmt.Errorf("config: telemetry.log_path is required")
	}
	if c.Service.WSListen == "" {
		return fmt.Errorf("config: service.ws_listen is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Clients.MaxClients <= 0 {
		return fmt.Errorf("config: clients.max_clients must be > 0 (got %d)", c.Clients.MaxClients)
	}
	if c.Clients.PriorityReserved < 0 || c.Clients.PriorityReserved >= c.Clients.MaxClients {
		return fmt.Errorf("config: clients.priority_reserved must be in [0, max_clients) (got %d)", c.Clients.PriorityReserved)
	}
	if c.Clients.QueueCapacity <= 0 {
		return fmt.Errorf("config: clients.queue_capacity must be > 0 (got %d)", c.Clients.QueueCapacity)
	}
	if c.Clients.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: clients.flush_interval_ms must be > 0 (got %d)", c.Clients.FlushIntervalMs)
	}
	if c.History.MaxEvents <= 0 {
		return fmt.Errorf("config: history.max_events must be > 0 (got %d)", c.History.MaxEvents)
	}
	if c.History.InitialEvents > c.History.MaxEvents {
		return fmt.Errorf("config: history.initial_events (%d) exceeds history.max_events (%d)", c.History.InitialEvents, c.History.MaxEvents)
	}
	if c.History.MaxAgeMinutes <= 0 {
		return fmt.Errorf("config: history.max_age_minutes must be > 0 (got %d)", c.History.MaxAgeMinutes)
	}
	if c.History.MaxTransactions <= 0 {
		return fmt.Errorf("config: history.max_transactions must be > 0 (got %d)", c.History.MaxTransactions)
	}
	if c.History.InitialTransactions > c.History.MaxTransactions {
		return fmt.Errorf("config: history.initial_transactions (%d) exceeds history.max_transactions (%d)", c.History.InitialTransactions, c.History.MaxTransactions)
	}
	if c.History.MaxTransferEvents <= 0 {
		return fmt.Errorf("config: history.max_transfer_events must be > 0 (got %d)", c.History.MaxTransferEvents)
	}
	if c.Cleanup.IntervalSeconds <= 0 {
		return fmt.Errorf("config: cleanup.interval_seconds must be > 0 (got %d)", c.Cleanup.IntervalSeconds)
	}
	if c.Cleanup.StalePeerMinutes <= 0 {
		return fmt.Errorf("config: cleanup.stale_peer_minutes must be > 0 (got %d)", c.Cleanup.StalePeerMinutes)
	}
	if c.Cleanup.StalePendingOpMinutes <= 0 {
		return fmt.Errorf("config: cleanup.stale_pending_op_minutes must be > 0 (got %d)", c.Cleanup.StalePendingOpMinutes)
	}
	if c.Names.FilePath == "" {
		return fmt.Errorf("config: names.file_path is required")
	}
	if c.Names.ChangeLimit <= 0 {
		return fmt.Errorf("config: names.change_limit must be > 0 (got %d)", c.Names.ChangeLimit)
	}
	if c.Names.ChangeWindowMinute <= 0 {
		return fmt.Errorf("config: names.change_window_minutes must be > 0 (got %d)", c.Names.ChangeWindowMinute)
	}
	if c.Moderation.Endpoint != "" && c.Moderation.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: moderation.timeout_seconds must be > 0 (got %d)", c.Moderation.TimeoutSeconds)
	}
	return nil
}

// FlushInterval returns the batch flush interval as a duration.
func (c *ClientsConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// Interval returns the cleanup sweep interval as a duration.
func (c *CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StalePeerThreshold returns the peer staleness cutoff as a duration.
func (c *CleanupConfig) StalePeerThreshold() time.Duration {
	return time.Duration(c.StalePeerMinutes) * time.Minute
}

// StalePendingOpThreshold returns the pending-op cutoff as a duration.
func (c *CleanupConfig) StalePendingOpThreshold() time.Duration {
	return time.Duration(c.StalePendingOpMinutes) * time.Minute
}

// MaxAge returns the history window as a duration.
func (c *HistoryConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// ChangeWindow returns the name rate-limit window as a duration.
func (c *NamesConfig) ChangeWindow() time.Duration {
	return time.Duration(c.ChangeWindowMinute) * time.Minute
}

// Timeout returns the moderation call timeout as a duration.
func (c *ModerationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
