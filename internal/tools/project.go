package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/response"
)

var projectActions = []string{"create", "get", "list", "update", "delete", "health_check"}

// ManageProject is the project lifecycle controller.
type ManageProject struct {
	deps *Deps
}

// NewManageProject creates the manage_project tool.
func NewManageProject(deps *Deps) *ManageProject {
	return &ManageProject{deps: deps}
}

func (t *ManageProject) Name() string { return "manage_project" }

func (t *ManageProject) Description() string {
	return "Manage projects: create, get, list, update, delete, health_check. Project names are unique per user; deleting requires the project to have no branches."
}

func (t *ManageProject) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["create", "get", "list", "update", "delete", "health_check"],
      "description": "Operation to perform"
    },
    "project_id": {"type": "string"},
    "name": {"type": "string", "description": "Project name; also accepted for get"},
    "description": {"type": "string"},
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]}
  },
  "required": ["action"]
}`)
}

func (t *ManageProject) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
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
		return t.get(ctx, f, p)
	case "list":
		return t.list(ctx, f, p)
	case "update":
		return t.update(ctx, f, p)
	case "delete":
		return t.delete(ctx, f, p)
	case "health_check":
		return t.healthCheck(ctx, f, p)
	default:
		return fail(unknownAction("manage_project", action, projectActions))
	}
}

func (t *ManageProject) create(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	name, err := requireString(p, "name")
	if err != nil {
		return fail(err)
	}
	project, err := f.Projects.Create(ctx, name, stringParam(p, "description"))
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "project": project}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "create", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageProject) get(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	var project any
	var err error
	if id := stringParam(p, "project_id"); id != "" {
		project, err = f.Projects.Get(ctx, id)
	} else if name := stringParam(p, "name"); name != "" {
		project, err = f.Projects.GetByName(ctx, name)
	} else {
		return fail(missingEither("project_id", "name"))
	}
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "project": project}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "get", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageProject) list(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	projects, err := f.Projects.List(ctx)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "projects": projects, "count": len(projects)}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "list",
		ItemCount:       len(projects),
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageProject) update(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "project_id")
	if err != nil {
		return fail(err)
	}
	var name, description *string
	if s, ok := p["name"].(string); ok {
		name = &s
	}
	if s, ok := p["description"].(string); ok {
		description = &s
	}
	project, err := f.Projects.Update(ctx, id, name, description)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "project": project}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "update", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageProject) delete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "project_id")
	if err != nil {
		return fail(err)
	}
	if err := f.Projects.Delete(ctx, id); err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "deleted": id}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "delete", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageProject) healthCheck(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "project_id")
	if err != nil {
		return fail(err)
	}
	health, err := f.Projects.HealthCheck(ctx, id, f.Repos.Tasks)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "health": health}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "health_check", ExplicitProfile: stringParam(p, "profile")})
}
