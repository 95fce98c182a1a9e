package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
)

// FactoryConfig selects the persistence backend. Values come from the
// environment; see FactoryConfigFromEnv.
type FactoryConfig struct {
	Environment  string // "test" forces the in-memory backend
	DatabaseType string // sqlite | postgresql | supabase
	DatabasePath string // sqlite file path, ":memory:" allowed
	CacheEnabled bool
	CacheTTL     time.Duration
}

// FactoryConfigFromEnv reads the backend selection from the environment.
func FactoryConfigFromEnv() FactoryConfig {
	cfg := FactoryConfig{
		Environment:  envOr("ENVIRONMENT", "production"),
		DatabaseType: envOr("DATABASE_TYPE", "sqlite"),
		DatabasePath: envOr("DATABASE_PATH", "taskmesh.db"),
		CacheEnabled: true,
		CacheTTL:     5 * time.Minute,
	}
	switch strings.ToLower(os.Getenv("CACHE_ENABLED")) {
	case "false", "0", "no", "off":
		cfg.CacheEnabled = false
	}
	if raw := os.Getenv("CACHE_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.CacheTTL = d
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Factory builds user-bound repository bundles over a single backend.
// The backend is chosen once at startup; For is called per request.
type Factory struct {
	base   *Repositories
	cache  *cache.MultiLevel
	ttl    time.Duration
	closer func() error
	pinger func(context.Context) error
	kind   string
}

// NewFactory selects and opens the backend per cfg. The test environment
// always gets the in-memory store regardless of DatabaseType.
func NewFactory(cfg FactoryConfig, bus *events.Bus, auditor *Auditor, mc *cache.MultiLevel, logger *slog.Logger) (*Factory, error) {
	hooks := &mutationHooks{bus: bus, auditor: auditor}

	f := &Factory{ttl: cfg.CacheTTL}
	if cfg.CacheEnabled {
		f.cache = mc
	}

	if strings.EqualFold(cfg.Environment, "test") {
		f.base = NewMemoryStore(hooks).Repositories()
		f.kind = "memory"
		logger.Info("storage backend selected", "backend", "memory", "reason", "test environment")
		return f, nil
	}

	switch strings.ToLower(cfg.DatabaseType) {
	case "sqlite", "":
		store, err := OpenSQLite(cfg.DatabasePath, hooks)
		if err != nil {
			return nil, err
		}
		f.base = store.Repositories()
		f.closer = store.Close
		f.pinger = store.Ping
		f.kind = "sqlite"
	case "postgresql", "supabase":
		// Server-backed engines are not wired in this build; sqlite covers
		// the same contract for single-node deployments.
		return nil, fmt.Errorf("database type %q not supported in this build", cfg.DatabaseType)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.DatabaseType)
	}
	logger.Info("storage backend selected", "backend", f.kind, "path", cfg.DatabasePath, "cache_enabled", cfg.CacheEnabled)
	return f, nil
}

// Kind reports the selected backend ("memory" or "sqlite").
func (f *Factory) Kind() string { return f.kind }

// Ping checks backend liveness. The in-memory backend is always live.
func (f *Factory) Ping(ctx context.Context) error {
	if f.pinger != nil {
		return f.pinger(ctx)
	}
	return nil
}

// Close releases the backend.
func (f *Factory) Close() error {
	if f.closer != nil {
		return f.closer()
	}
	return nil
}

// Base returns the unscoped bundle, for bootstrap paths like token
// resolution that run before a user is known.
func (f *Factory) Base() *Repositories { return f.base }

// For returns the repository bundle bound to userID. When caching is
// enabled the hot read paths (tasks, projects, branches) go through the
// multi-level cache.
func (f *Factory) For(userID string) *Repositories {
	scoped := f.base.WithUser(userID)
	if f.cache == nil {
		return scoped
	}
	return &Repositories{
		Projects: &cachedProjects{inner: scoped.Projects, cache: f.cache, ttl: f.ttl, user: userID},
		Branches: scoped.Branches,
		Tasks:    &cachedTasks{inner: scoped.Tasks, cache: f.cache, ttl: f.ttl, user: userID},
		Subtasks: scoped.Subtasks,
		Contexts: scoped.Contexts,
		Tokens:   scoped.Tokens,
	}
}

// cachedTasks layers the multi-level cache over single-entity task
// reads. Writes pass through; invalidation arrives via the event bus,
// not inline, so a cached read can briefly lag a concurrent write.
type cachedTasks struct {
	inner TaskRepository
	cache *cache.MultiLevel
	ttl   time.Duration
	user  string
}

func (c *cachedTasks) WithUser(userID string) TaskRepository {
	return &cachedTasks{inner: c.inner.WithUser(userID), cache: c.cache, ttl: c.ttl, user: userID}
}

func (c *cachedTasks) Get(ctx context.Context, id string) (*domain.Task, error) {
	key := cache.Key("task", c.user, id)
	if v, ok := c.cache.Get(key); ok {
		if t, ok := v.(*domain.Task); ok {
			return t, nil
		}
	}
	t, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, t, c.ttl)
	return t, nil
}

func (c *cachedTasks) Create(ctx context.Context, t *domain.Task) error { return c.inner.Create(ctx, t) }
func (c *cachedTasks) List(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	return c.inner.List(ctx, f)
}
func (c *cachedTasks) Search(ctx context.Context, q string, limit int) ([]*domain.Task, error) {
	return c.inner.Search(ctx, q, limit)
}
func (c *cachedTasks) Update(ctx context.Context, t *domain.Task) error { return c.inner.Update(ctx, t) }
func (c *cachedTasks) Delete(ctx context.Context, id string) error     { return c.inner.Delete(ctx, id) }
func (c *cachedTasks) AddDependency(ctx context.Context, from, to string) error {
	return c.inner.AddDependency(ctx, from, to)
}
func (c *cachedTasks) RemoveDependency(ctx context.Context, from, to string) error {
	return c.inner.RemoveDependency(ctx, from, to)
}
func (c *cachedTasks) Dependencies(ctx context.Context) ([]domain.Dependency, error) {
	return c.inner.Dependencies(ctx)
}

type cachedProjects struct {
	inner ProjectRepository
	cache *cache.MultiLevel
	ttl   time.Duration
	user  string
}

func (c *cachedProjects) WithUser(userID string) ProjectRepository {
	return &cachedProjects{inner: c.inner.WithUser(userID), cache: c.cache, ttl: c.ttl, user: userID}
}

func (c *cachedProjects) Get(ctx context.Context, id string) (*domain.Project, error) {
	key := cache.Key("project", c.user, id)
	if v, ok := c.cache.Get(key); ok {
		if p, ok := v.(*domain.Project); ok {
			return p, nil
		}
	}
	p, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, p, c.ttl)
	return p, nil
}

func (c *cachedProjects) Create(ctx context.Context, p *domain.Project) error {
	return c.inner.Create(ctx, p)
}
func (c *cachedProjects) GetByName(ctx context.Context, name string) (*domain.Project, error) {
	return c.inner.GetByName(ctx, name)
}
func (c *cachedProjects) List(ctx context.Context) ([]*domain.Project, error) {
	return c.inner.List(ctx)
}
func (c *cachedProjects) Update(ctx context.Context, p *domain.Project) error {
	return c.inner.Update(ctx, p)
}
func (c *cachedProjects) Delete(ctx context.Context, id string) error { return c.inner.Delete(ctx, id) }
