// Command taskmesh runs the taskmesh MCP server.
//
// It speaks JSON-RPC 2.0 (MCP protocol) over stdio or Streamable HTTP
// and persists all state through the selected storage backend.
//
// Optional environment variables:
//
//	TASKMESH_TRANSPORT    - stdio or http (default: stdio)
//	TASKMESH_LISTEN_ADDR  - HTTP listen address (default: :8080)
//	TASKMESH_USER_ID      - identity for stdio sessions (default: local-user)
//	AUTH_ENABLED          - require bearer tokens over HTTP (default: true)
//	JWT_SECRET            - HS256 secret for JWT validation (required for HTTP auth)
//	DATABASE_TYPE         - sqlite (default) or memory via ENVIRONMENT=test
//	DATABASE_PATH         - sqlite file path (default: taskmesh.db)
//	ENFORCEMENT_LEVEL     - disabled, soft, warning, or strict (default: warning)
//	TASKMESH_LOG_LEVEL    - debug, info, warn, error (default: info)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/auth"
	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/enforce"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/flags"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/response"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/storage"
	"github.com/taskmesh/taskmesh/internal/tools"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Set up structured logging to stderr (stdout is for MCP protocol)
	logLevel := parseLogLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	version := cfg.Server.Version
	if Version != "dev" {
		version = Version
	}

	logger.Info("starting taskmesh",
		"version", version,
		"transport", cfg.Server.Transport,
	)

	// Set up signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Event bus: everything downstream (cache invalidation, audit,
	// notifications) subscribes to it, so it starts first and stops last.
	bus := events.NewBus(events.Options{}, logger)
	bus.Start(ctx)
	defer bus.Stop(5 * time.Second)

	// Multi-level cache plus the invalidation fan-out from the bus.
	storeCfg := storage.FactoryConfigFromEnv()
	mc := cache.New(cache.NewMemoryLevel(storeCfg.CacheTTL), storeCfg.CacheTTL, logger)
	cache.WireInvalidation(bus, mc, logger)

	// Storage backend and the audit trail fed by mutation hooks.
	auditor := storage.NewAuditor(0, logger)
	store, err := storage.NewFactory(storeCfg, bus, auditor, mc, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	// Notifications ride the same bus as everything else.
	notifier := notify.NewService(bus, 0, logger)

	// Feature flags with live reload.
	flagStore, err := flags.NewStore(cfg.Flags.Path, logger)
	if err != nil {
		return fmt.Errorf("loading feature flags: %w", err)
	}
	stopWatch, err := flagStore.Watch()
	if err != nil {
		logger.Warn("feature flag watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	// Shared controller infrastructure.
	enforcer := enforce.New(enforce.LevelFromEnv())
	optimizer := response.NewOptimizer()
	facades := app.NewFacadeFactory(store, bus, mc, logger)
	deps := &tools.Deps{
		Facades:   facades,
		Enforcer:  enforcer,
		Optimizer: optimizer,
		Flags:     flagStore,
	}

	// Create tool registry and register tools
	registry := mcp.NewRegistry()

	// Register entity controllers
	registry.Register(tools.NewManageProject(deps))
	registry.Register(tools.NewManageGitBranch(deps))
	registry.Register(tools.NewManageTask(deps))
	registry.Register(tools.NewManageSubtask(deps))
	registry.Register(tools.NewManageContext(deps))

	// Register agent and diagnostics controllers
	registry.Register(tools.NewCallAgent(deps))
	registry.Register(tools.NewManageConnection(deps, tools.ConnectionConfig{
		Version: version,
		Backend: func(ctx context.Context) string {
			if err := store.Ping(ctx); err != nil {
				return err.Error()
			}
			return "ok"
		},
		Bus:      bus,
		Cache:    mc,
		Notifier: notifier,
		Flags:    flagStore,
		ToolNames: func() []string {
			defs := registry.List()
			names := make([]string, len(defs))
			for i, d := range defs {
				names[i] = d.Name
			}
			return names
		},
	}))

	// Register prompts
	registry.RegisterPrompt(&tools.QuickstartPrompt{})

	// Register resources
	registry.RegisterResource(&tools.AgentCatalogResource{})

	server := mcp.NewServer(registry, mcp.ServerInfo{
		Name:    cfg.Server.Name,
		Version: version,
	}, logger)

	// Background maintenance: cache health sampling and expired-token
	// sweeping. The HTTP transport adds its own session cleanup job.
	sched := scheduler.NewScheduler(logger)
	sched.AddJob(cache.NewMonitor(mc, cache.DefaultThresholds(), 0, logger), time.Minute)
	sched.AddJobAtStart(storage.NewTokenSweeper(store.Base().Tokens, logger), time.Hour, 30*time.Second)

	if cfg.Server.Transport == "stdio" {
		sched.Start(ctx)
		defer sched.Stop()

		// stdio carries no bearer tokens; the whole session runs as the
		// configured local user.
		ctx = auth.WithAuth(ctx, &auth.AuthInfo{
			UserID: cfg.Auth.StdioUserID,
			Sub:    cfg.Auth.StdioUserID,
		})
		return server.Run(ctx)
	}

	return runHTTP(ctx, cfg, server, store, registry, sched, logger)
}

// runHTTP serves the Streamable HTTP transport with bearer-token
// authentication and graceful shutdown.
func runHTTP(ctx context.Context, cfg *config.Config, server *mcp.Server, store *storage.Factory, registry *mcp.Registry, sched *scheduler.Scheduler, logger *slog.Logger) error {
	var validator auth.Validator
	if cfg.Auth.Enabled {
		validators := []auth.Validator{
			auth.NewJWTValidator(cfg.Auth.JWTSecret, logger),
			auth.NewAPITokenValidator(store.Base().Tokens, logger),
		}
		validator = auth.NewChainValidator(validators...)
	}
	middleware := auth.NewMiddleware(validator, cfg.Auth.Enabled, logger)
	if !cfg.Auth.Enabled {
		middleware.LocalUser = cfg.Auth.StdioUserID
		logger.Warn("authentication disabled; all requests run as one user", "user_id", middleware.LocalUser)
	}

	probe := func(ctx context.Context) mcp.HealthStatus {
		st := mcp.HealthStatus{
			Status:   "ok",
			Database: map[string]string{"backend": store.Kind(), "status": "ok"},
			Auth:     map[string]any{"enabled": cfg.Auth.Enabled},
			MCPTools: registry.HasTools(),
		}
		if err := store.Ping(ctx); err != nil {
			st.Status = "degraded"
			st.Database["status"] = err.Error()
		}
		return st
	}

	httpServer := mcp.NewHTTPServer(server, middleware, probe, cfg.Server.CORS, cfg.Server.SessionTTL, logger)
	sched.AddJob(httpServer, 5*time.Minute)
	sched.Start(ctx)
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("http transport stopped")
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
