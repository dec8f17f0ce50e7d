// Package names manages user-chosen peer display names: persistence,
// rate limiting and moderation.
package names

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Store maps IP hashes to display names, persisted as a JSON file. Name
// changes are rate limited per IP hash over a rolling window.
type Store struct {
	path   string
	limit  int
	window time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	names   map[string]string
	changes map[string][]time.Time
}

// NewStore creates a store backed by the given file. The file is loaded
// lazily via Load.
func NewStore(path string, limit int, window time.Duration, log *zap.Logger) *Store {
	return &Store{
		path:    path,
		limit:   limit,
		window:  window,
		log:     log,
		now:     time.Now,
		names:   make(map[string]string),
		changes: make(map[string][]time.Time),
	}
}

// SetNow overrides the store clock. Test hook.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// Load reads the name file. A missing file is an empty store; a corrupt file
// is logged and treated as empty rather than failing startup.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	loaded := make(map[string]string)
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Error("peer names file corrupt, starting empty", zap.Error(err))
		return nil
	}
	s.mu.Lock()
	s.names = loaded
	s.mu.Unlock()
	s.log.Info("loaded peer names", zap.Int("count", len(loaded)))
	return nil
}

// save writes the map atomically: temp file in the same directory, then
// rename. Caller holds the lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.names, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding peer names: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".peer_names-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Get returns the name for an IP hash, if any.
func (s *Store) Get(ipHash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[ipHash]
	return name, ok
}

// All returns a copy of the full name map.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

// Set stores a name, persists the file and records the change against the
// rate limit. Persistence failure keeps the in-memory name and is logged.
func (s *Store) Set(ipHash, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[ipHash] = name
	s.changes[ipHash] = append(s.pruned(ipHash), s.now())
	if err := s.save(); err != nil {
		s.log.Error("persisting peer names", zap.Error(err))
	}
}

// CheckRateLimit reports whether ipHash may change its name now, and if not,
// how long until the oldest recorded change ages out.
func (s *Store) CheckRateLimit(ipHash string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.pruned(ipHash)
	s.changes[ipHash] = recent
	if len(recent) < s.limit {
		return true, 0
	}

	oldest := recent[0]
	for _, t := range recent[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	wait := s.window - s.now().Sub(oldest) + time.Second
	return false, wait
}

// pruned returns the change timestamps still inside the window. Caller holds
// the lock.
func (s *Store) pruned(ipHash string) []time.Time {
	cutoff := s.now().Add(-s.window)
	var recent []time.Time
	for _, t := range s.changes[ipHash] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
