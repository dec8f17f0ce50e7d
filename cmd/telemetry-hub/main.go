package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-observer/telemetry-hub/internal/admin"
	"github.com/mesh-observer/telemetry-hub/internal/config"
	"github.com/mesh-observer/telemetry-hub/internal/hub"
	"github.com/mesh-observer/telemetry-hub/internal/interpret"
	"github.com/mesh-observer/telemetry-hub/internal/metrics"
	"github.com/mesh-observer/telemetry-hub/internal/model"
	"github.com/mesh-observer/telemetry-hub/internal/names"
	"github.com/mesh-observer/telemetry-hub/internal/server"
	"github.com/mesh-observer/telemetry-hub/internal/sweep"
	"github.com/mesh-observer/telemetry-hub/internal/tail"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "replay":
		runReplay()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: telemetry-hub <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the telemetry hub")
	fmt.Println("  replay        Replay existing telemetry and print a state summary")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func modelLimits(cfg *config.Config) model.Limits {
	return model.Limits{
		MaxHistoryEvents:    cfg.History.MaxEvents,
		MaxHistoryAge:       cfg.History.MaxAge(),
		InitialEvents:       cfg.History.InitialEvents,
		MaxTransactions:     cfg.History.MaxTransactions,
		InitialTransactions: cfg.History.InitialTransactions,
		MaxTransferEvents:   cfg.History.MaxTransferEvents,
		StalePeerThreshold:  cfg.Cleanup.StalePeerThreshold(),
		StalePendingOp:      cfg.Cleanup.StalePendingOpThreshold(),
		GatewayIPs:          cfg.Network.GatewayIPs,
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting telemetry-hub",
		zap.String("ws_listen", cfg.Service.WSListen),
		zap.String("admin_listen", cfg.Service.AdminListen),
		zap.String("log_path", cfg.Telemetry.LogPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store := names.NewStore(cfg.Names.FilePath, cfg.Names.ChangeLimit,
		cfg.Names.ChangeWindow(), logger.Named("names"))
	if err := store.Load(); err != nil {
		logger.Fatal("failed to load peer names", zap.Error(err))
	}

	var sanitizer names.Sanitizer = names.LocalSanitizer{}
	if cfg.Moderation.Endpoint != "" {
		sanitizer = names.NewRemoteSanitizer(cfg.Moderation.Endpoint, cfg.Moderation.APIKey,
			cfg.Moderation.Timeout(), logger.Named("moderation"))
	}

	m := model.New(modelLimits(cfg))
	broadcastHub := hub.New(cfg.Clients.FlushInterval(), cfg.Clients.QueueCapacity, logger.Named("hub"))
	interp := interpret.New(m, logger.Named("interpret"))
	tailer := tail.New(cfg.Telemetry.LogPath, interp, broadcastHub.BufferEvent, logger.Named("tail"))

	// Warm start: rebuild state from existing telemetry before serving.
	loadStart := time.Now()
	stats, err := tailer.LoadInitial(ctx, cfg.Telemetry.ReplayRotated, cfg.History.MaxAge())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("failed to load initial state", zap.Error(err))
	}
	m.Read(func(s *model.State) {
		logger.Info("initial state loaded",
			zap.Int("files", stats.Files),
			zap.Int("lines", stats.Records),
			zap.Int("peers", len(s.Peers)),
			zap.Int("connections", len(s.Connections)),
			zap.Int("contracts", len(s.ContractStates)),
			zap.Int("history_events", s.HistoryLen()),
			zap.Duration("elapsed", time.Since(loadStart)))
	})

	wsServer := server.New(cfg, m, broadcastHub, store, sanitizer, logger.Named("server"))
	sweeper := sweep.New(m, broadcastHub, cfg.Cleanup.Interval(), logger.Named("sweep"))

	adminServer := admin.NewServer(cfg.Service.AdminListen, tailer, broadcastHub, logger.Named("admin"))
	if err := adminServer.Start(); err != nil {
		logger.Fatal("failed to start admin server", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tailer.Run(gctx) })
	g.Go(func() error { return broadcastHub.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return wsServer.Run(gctx) })

	logger.Info("telemetry-hub started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", zap.Error(err))
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}

	logger.Info("telemetry-hub stopped")
}

// runReplay rebuilds state from the telemetry log and prints a summary.
// Useful for checking what a warm start would recover without serving.
func runReplay() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	m := model.New(modelLimits(cfg))
	interp := interpret.New(m, logger.Named("interpret"))
	tailer := tail.New(cfg.Telemetry.LogPath, interp, nil, logger.Named("tail"))

	start := time.Now()
	stats, err := tailer.LoadInitial(ctx, cfg.Telemetry.ReplayRotated, cfg.History.MaxAge())
	if err != nil {
		logger.Fatal("replay failed", zap.Error(err))
	}

	m.Read(func(s *model.State) {
		fmt.Printf("Replayed %d lines from %d files in %s\n", stats.Records, stats.Files, time.Since(start).Round(time.Millisecond))
		fmt.Printf("  peers:          %d\n", len(s.Peers))
		fmt.Printf("  connections:    %d\n", len(s.Connections))
		fmt.Printf("  contracts:      %d\n", len(s.ContractStates))
		fmt.Printf("  subscriptions:  %d\n", len(s.Subscriptions))
		fmt.Printf("  transactions:   %d\n", len(s.Transactions))
		fmt.Printf("  history events: %d\n", s.HistoryLen())
		fmt.Printf("  transfers:      %d\n", len(s.Transfers))
		fmt.Printf("  lifecycle:      %d\n", len(s.Lifecycle))
	})
}
