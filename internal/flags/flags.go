// Package flags implements the persisted feature-flag store: a JSON file
// on disk, environment-variable overrides of the form FEATURE_<NAME>, and
// live reload when the file changes.
package flags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Flag is one persisted feature flag.
type Flag struct {
	Name        string         `json:"name"`
	Enabled     bool           `json:"enabled"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EnvPrefix is the prefix for override variables (FEATURE_<NAME>).
const EnvPrefix = "FEATURE_"

// Store manages flags persisted at a single JSON path. Environment
// overrides are consulted on every read so operators can flip a flag
// without touching the file.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	flags   map[string]*Flag
	watcher *fsnotify.Watcher
}

// NewStore loads (or initializes) the flag file at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger, flags: make(map[string]*Flag)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading flag file: %w", err)
	}
	loaded := make(map[string]*Flag)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing flag file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.flags = loaded
	s.mu.Unlock()
	return nil
}

func (s *Store) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.flags, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating flag dir: %w", err)
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Enabled reports whether the named flag is on. Precedence: environment
// override, then stored value, then false.
func (s *Store) Enabled(name string) bool {
	name = normalize(name)
	if v, ok := envOverride(name); ok {
		return v
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.flags[name]; ok {
		return f.Enabled
	}
	return false
}

// Get returns the stored flag, with any env override applied to Enabled.
func (s *Store) Get(name string) (*Flag, bool) {
	name = normalize(name)
	s.mu.RLock()
	f, ok := s.flags[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := *f
	if v, overridden := envOverride(name); overridden {
		out.Enabled = v
	}
	return &out, true
}

// Set creates or updates a flag and persists the file.
func (s *Store) Set(name string, enabled bool, description string, metadata map[string]any) (*Flag, error) {
	name = normalize(name)
	now := time.Now()

	s.mu.Lock()
	f, ok := s.flags[name]
	if !ok {
		f = &Flag{Name: name, CreatedAt: now}
		s.flags[name] = f
	}
	f.Enabled = enabled
	if description != "" {
		f.Description = description
	}
	if metadata != nil {
		f.Metadata = metadata
	}
	f.UpdatedAt = now
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, err
	}
	out := *f
	return &out, nil
}

// All returns every stored flag with env overrides applied, keyed by name.
func (s *Store) All() map[string]*Flag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Flag, len(s.flags))
	for name, f := range s.flags {
		c := *f
		if v, ok := envOverride(name); ok {
			c.Enabled = v
		}
		out[name] = &c
	}
	return out
}

// Watch reloads the store whenever the backing file changes. Returns a
// stop function.
func (s *Store) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.load(); err != nil {
						s.logger.Warn("failed to reload feature flags", "error", err)
					} else {
						s.logger.Info("feature flags reloaded", "path", s.path)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("flag watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// normalize upper-snake-cases a flag name: "auth.enabled" -> "AUTH_ENABLED".
func normalize(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return name
}

// envOverride consults FEATURE_<NAME>. Accepted truthy/falsy spellings
// match the controllers' boolean coercion set.
func envOverride(name string) (bool, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}
