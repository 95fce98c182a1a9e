package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/params"
	"github.com/taskmesh/taskmesh/internal/response"
)

var contextActions = []string{"create", "get", "update", "delete", "list", "resolve", "delegate", "add_progress", "add_insight"}

// ManageContext is the controller over the four-level context hierarchy.
type ManageContext struct {
	deps *Deps
}

// NewManageContext creates the manage_context tool.
func NewManageContext(deps *Deps) *ManageContext {
	return &ManageContext{deps: deps}
}

func (t *ManageContext) Name() string { return "manage_context" }

func (t *ManageContext) Description() string {
	return "Manage the global/project/branch/task context hierarchy: create, get (optionally with inheritance), update, delete, list, resolve, delegate upward, and record progress or insights. Missing ancestors are created automatically."
}

func (t *ManageContext) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["create", "get", "update", "delete", "list", "resolve", "delegate", "add_progress", "add_insight"],
      "description": "Operation to perform"
    },
    "level": {"type": "string", "enum": ["global", "project", "branch", "task"]},
    "context_id": {"type": "string", "description": "Entity id at that level; ignored for global"},
    "project_id": {"type": "string", "description": "Hint for ancestor resolution"},
    "data": {"type": "object", "description": "Context payload (create/update/delegate)"},
    "include_inherited": {"type": "boolean", "description": "Merge ancestor settings into get"},
    "replace": {"type": "boolean", "description": "Replace settings instead of merging on update"},
    "propagate_changes": {"type": "boolean", "description": "Fan out cache invalidation to descendants"},
    "delegate_to": {"type": "string", "enum": ["global", "project", "branch"], "description": "Target level for delegate"},
    "content": {"type": "string", "description": "Progress or insight text"},
    "category": {"type": "string"},
    "importance": {"type": "string"},
    "agent": {"type": "string"},
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]}
  },
  "required": ["action"]
}`)
}

func (t *ManageContext) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return fail(err)
	}
	action, err := requireString(p, "action")
	if err != nil {
		return fail(err)
	}
	f, err := t.deps.facadesFor(ctx)
	if err != nil {
		return fail(err)
	}

	switch action {
	case "create":
		return t.create(ctx, f, p)
	case "get":
		return t.get(ctx, f, p, false)
	case "resolve":
		return t.get(ctx, f, p, true)
	case "update":
		return t.update(ctx, f, p)
	case "delete":
		return t.delete(ctx, f, p)
	case "list":
		return t.list(ctx, f, p)
	case "delegate":
		return t.delegate(ctx, f, p)
	case "add_progress":
		return t.addProgress(ctx, f, p)
	case "add_insight":
		return t.addInsight(ctx, f, p)
	default:
		return fail(unknownAction("manage_context", action, contextActions))
	}
}

func (t *ManageContext) level(p map[string]any) (domain.ContextLevel, error) {
	s, err := requireString(p, "level")
	if err != nil {
		return "", err
	}
	level := domain.ContextLevel(s)
	if !domain.ValidContextLevel(level) {
		return "", &domain.ToolError{
			Code:     domain.CodeValidationError,
			Message:  "unknown context level " + s,
			Field:    "level",
			Expected: "global | project | branch | task",
		}
	}
	return level, nil
}

func dataParam(p map[string]any) map[string]any {
	if m, ok := p["data"].(map[string]any); ok {
		return m
	}
	return nil
}

func (t *ManageContext) create(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	level, err := t.level(p)
	if err != nil {
		return fail(err)
	}
	c, err := f.Contexts.Create(ctx, level, stringParam(p, "context_id"), dataParam(p), stringParam(p, "project_id"))
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "context": c}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "create", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageContext) get(ctx context.Context, f *app.Facades, p map[string]any, forceInherit bool) (*mcp.ToolsCallResult, error) {
	level, err := t.level(p)
	if err != nil {
		return fail(err)
	}
	inherit := forceInherit
	if v, ok := p["include_inherited"]; ok && !forceInherit {
		inherit, err = params.Bool("include_inherited", v)
		if err != nil {
			return fail(err)
		}
	}
	c, err := f.Contexts.Get(ctx, level, stringParam(p, "context_id"), inherit)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "context": c}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "get", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageContext) update(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	level, err := t.level(p)
	if err != nil {
		return fail(err)
	}
	replace := false
	if v, ok := p["replace"]; ok {
		replace, err = params.Bool("replace", v)
		if err != nil {
			return fail(err)
		}
	}
	propagate := false
	if v, ok := p["propagate_changes"]; ok {
		propagate, err = params.Bool("propagate_changes", v)
		if err != nil {
			return fail(err)
		}
	}
	c, err := f.Contexts.Update(ctx, level, stringParam(p, "context_id"), dataParam(p), replace, propagate)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "context": c}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "update", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageContext) delete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	level, err := t.level(p)
	if err != nil {
		return fail(err)
	}
	if err := f.Contexts.Delete(ctx, level, stringParam(p, "context_id")); err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "deleted": stringParam(p, "context_id"), "level": string(level)}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "delete", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageContext) list(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	level := domain.ContextLevel(stringParam(p, "level")) // empty lists all levels
	if level != "" && !domain.ValidContextLevel(level) {
		return fail(&domain.ToolError{
			Code:     domain.CodeValidationError,
			Message:  "unknown context level " + string(level),
			Field:    "level",
			Expected: "global | project | branch | task",
		})
	}
	contexts, err := f.Contexts.List(ctx, level)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "contexts": contexts, "count": len(contexts)}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "list",
		ItemCount:       len(contexts),
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageContext) delegate(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	level, err := t.level(p)
	if err != nil {
		return fail(err)
	}
	target, err := requireString(p, "delegate_to")
	if err != nil {
		return fail(err)
	}
	data := dataParam(p)
	if len(data) == 0 {
		return fail(&domain.ToolError{
			Code:    domain.CodeMissingField,
			Message: "data is required for delegate",
			Field:   "data",
		})
	}
	src, tgt, err := f.Contexts.Delegate(ctx, level, stringParam(p, "context_id"), domain.ContextLevel(target), data)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "source": src, "target": tgt, "delegated_to": target}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "delegate", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageContext) addProgress(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "context_id")
	if err != nil {
		return fail(err)
	}
	content, err := requireString(p, "content")
	if err != nil {
		return fail(err)
	}
	c, err := f.Contexts.AddProgress(ctx, id, content, agentOf(p))
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "context": c}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "add_progress", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageContext) addInsight(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "context_id")
	if err != nil {
		return fail(err)
	}
	content, err := requireString(p, "content")
	if err != nil {
		return fail(err)
	}
	c, err := f.Contexts.AddInsight(ctx, id, content, stringParam(p, "category"), stringParam(p, "importance"), agentOf(p))
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "context": c}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "add_insight", ExplicitProfile: stringParam(p, "profile")})
}
