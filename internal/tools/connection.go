package tools

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/flags"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/response"
)

var connectionActions = []string{"health_check", "server_capabilities", "connection_health", "status", "register_updates"}

// ManageConnection reports server diagnostics: health, capabilities,
// bus and cache metrics, and client update registration.
type ManageConnection struct {
	deps      *Deps
	started   time.Time
	version   string
	backend   func(ctx context.Context) string
	bus       *events.Bus
	cache     *cache.MultiLevel
	notifier  *notify.Service
	flags     *flags.Store
	toolNames func() []string
}

// ConnectionConfig wires the diagnostics sources.
type ConnectionConfig struct {
	Version   string
	Backend   func(ctx context.Context) string // "ok" or an error string
	Bus       *events.Bus
	Cache     *cache.MultiLevel
	Notifier  *notify.Service
	Flags     *flags.Store
	ToolNames func() []string
}

// NewManageConnection creates the manage_connection tool.
func NewManageConnection(deps *Deps, cfg ConnectionConfig) *ManageConnection {
	return &ManageConnection{
		deps:      deps,
		started:   time.Now(),
		version:   cfg.Version,
		backend:   cfg.Backend,
		bus:       cfg.Bus,
		cache:     cfg.Cache,
		notifier:  cfg.Notifier,
		flags:     cfg.Flags,
		toolNames: cfg.ToolNames,
	}
}

func (t *ManageConnection) Name() string { return "manage_connection" }

func (t *ManageConnection) Description() string {
	return "Server diagnostics: health_check, server_capabilities, connection_health, status, and register_updates for clients that want change notifications."
}

func (t *ManageConnection) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["health_check", "server_capabilities", "connection_health", "status", "register_updates"],
      "description": "Operation to perform"
    },
    "session_id": {"type": "string", "description": "Session to register for updates (default: default_session)"},
    "client_info": {
      "description": "Client metadata, as an object or a JSON-encoded string",
      "type": ["object", "string"]
    },
    "include_details": {"type": "boolean"},
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]}
  },
  "required": ["action"]
}`)
}

func (t *ManageConnection) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return fail(err)
	}
	action, err := requireString(p, "action")
	if err != nil {
		return fail(err)
	}

	switch action {
	case "health_check":
		return t.healthCheck(ctx, p)
	case "server_capabilities":
		return t.capabilities(ctx, p)
	case "connection_health":
		return t.connectionHealth(ctx, p)
	case "status":
		return t.status(ctx, p)
	case "register_updates":
		return t.registerUpdates(ctx, p)
	default:
		return fail(unknownAction("manage_connection", action, connectionActions))
	}
}

func (t *ManageConnection) healthCheck(ctx context.Context, p map[string]any) (*mcp.ToolsCallResult, error) {
	dbStatus := "ok"
	if t.backend != nil {
		dbStatus = t.backend(ctx)
	}
	status := "ok"
	if dbStatus != "ok" {
		status = "degraded"
	}
	envelope := map[string]any{
		"success":        true,
		"status":         status,
		"version":        t.version,
		"uptime_seconds": int(time.Since(t.started).Seconds()),
		"database":       map[string]any{"status": dbStatus},
	}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "health_check", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageConnection) capabilities(ctx context.Context, p map[string]any) (*mcp.ToolsCallResult, error) {
	var names []string
	if t.toolNames != nil {
		names = t.toolNames()
	}
	envelope := map[string]any{
		"success": true,
		"capabilities": map[string]any{
			"tools":              names,
			"agents":             domain.AgentNames(),
			"context_levels":     []string{"global", "project", "branch", "task"},
			"response_profiles":  []string{"MINIMAL", "STANDARD", "DETAILED", "DEBUG"},
			"enforcement_level":  t.deps.Enforcer.Level().String(),
			"protocol_transport": []string{"stdio", "http"},
		},
	}
	if t.flags != nil {
		enabled := []string{}
		for name, f := range t.flags.All() {
			if f.Enabled {
				enabled = append(enabled, name)
			}
		}
		sort.Strings(enabled)
		envelope["feature_flags"] = enabled
	}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "server_capabilities", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageConnection) connectionHealth(ctx context.Context, p map[string]any) (*mcp.ToolsCallResult, error) {
	envelope := map[string]any{
		"success":        true,
		"status":         "ok",
		"uptime_seconds": int(time.Since(t.started).Seconds()),
	}
	if t.bus != nil {
		envelope["event_bus"] = t.bus.Snapshot()
	}
	if t.cache != nil {
		envelope["cache"] = t.cache.Snapshot()
	}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "connection_health", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageConnection) status(ctx context.Context, p map[string]any) (*mcp.ToolsCallResult, error) {
	dbStatus := "ok"
	if t.backend != nil {
		dbStatus = t.backend(ctx)
	}
	envelope := map[string]any{
		"success":        true,
		"version":        t.version,
		"uptime_seconds": int(time.Since(t.started).Seconds()),
		"database":       map[string]any{"status": dbStatus},
		"optimizer":      t.deps.Optimizer.Metrics(),
	}
	if t.bus != nil {
		envelope["event_bus"] = t.bus.Snapshot()
	}
	if t.cache != nil {
		envelope["cache"] = t.cache.Snapshot()
	}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "get_status", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageConnection) registerUpdates(ctx context.Context, p map[string]any) (*mcp.ToolsCallResult, error) {
	sessionID := stringParam(p, "session_id")
	if sessionID == "" {
		sessionID = "default_session"
	}

	// client_info may arrive as an object or a JSON-encoded string.
	clientInfo := map[string]any{}
	switch v := p["client_info"].(type) {
	case map[string]any:
		clientInfo = v
	case string:
		if v != "" {
			if err := json.Unmarshal([]byte(v), &clientInfo); err != nil {
				return fail(&domain.ToolError{
					Code:    domain.CodeInvalidParameterFormat,
					Message: "client_info string must be valid JSON: " + err.Error(),
					Field:   "client_info",
				})
			}
		}
	}

	if t.notifier != nil {
		userID := ""
		if f, err := t.deps.facadesFor(ctx); err == nil {
			userID = f.UserID
		}
		_, _ = t.notifier.Notify("client.registered", map[string]any{
			"session_id":  sessionID,
			"client_info": clientInfo,
		}, 3, userID, nil)
	}

	envelope := map[string]any{
		"success":     true,
		"session_id":  sessionID,
		"registered":  true,
		"client_info": clientInfo,
	}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "register_updates", ExplicitProfile: stringParam(p, "profile")})
}
