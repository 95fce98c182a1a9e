package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/response"
)

var branchActions = []string{"create", "get", "list", "update", "delete", "statistics"}

// ManageGitBranch is the branch lifecycle controller.
type ManageGitBranch struct {
	deps *Deps
}

// NewManageGitBranch creates the manage_git_branch tool.
func NewManageGitBranch(deps *Deps) *ManageGitBranch {
	return &ManageGitBranch{deps: deps}
}

func (t *ManageGitBranch) Name() string { return "manage_git_branch" }

func (t *ManageGitBranch) Description() string {
	return "Manage git branches within a project: create, get, list, update, delete, statistics. Branch names are unique per project; deleting requires the branch to have no tasks."
}

func (t *ManageGitBranch) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["create", "get", "list", "update", "delete", "statistics"],
      "description": "Operation to perform"
    },
    "project_id": {"type": "string", "description": "Owning project (create/list)"},
    "git_branch_id": {"type": "string", "description": "Branch id (get/update/delete/statistics)"},
    "name": {"type": "string", "description": "Branch name, e.g. feature/user-auth"},
    "description": {"type": "string"},
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]}
  },
  "required": ["action"]
}`)
}

func (t *ManageGitBranch) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
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
	case "statistics":
		return t.statistics(ctx, f, p)
	default:
		return fail(unknownAction("manage_git_branch", action, branchActions))
	}
}

func (t *ManageGitBranch) create(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	projectID, err := requireString(p, "project_id")
	if err != nil {
		return fail(err)
	}
	name, err := requireString(p, "name")
	if err != nil {
		return fail(err)
	}
	branch, err := f.Branches.Create(ctx, projectID, name, stringParam(p, "description"))
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "git_branch": branch}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "create", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageGitBranch) get(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "git_branch_id")
	if err != nil {
		return fail(err)
	}
	branch, err := f.Branches.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "git_branch": branch}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "get", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageGitBranch) list(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	branches, err := f.Branches.List(ctx, stringParam(p, "project_id"))
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "git_branches": branches, "count": len(branches)}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "list",
		ItemCount:       len(branches),
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageGitBranch) update(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "git_branch_id")
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
	branch, err := f.Branches.Update(ctx, id, name, description)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "git_branch": branch}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "update", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageGitBranch) delete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "git_branch_id")
	if err != nil {
		return fail(err)
	}
	if err := f.Branches.Delete(ctx, id); err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "deleted": id}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "delete", ExplicitProfile: stringParam(p, "profile")})
}

func (t *ManageGitBranch) statistics(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "git_branch_id")
	if err != nil {
		return fail(err)
	}
	stats, err := f.Branches.Statistics(ctx, id)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "statistics": stats}
	return t.deps.finish(ctx, p, envelope, response.Request{Action: "statistics", ExplicitProfile: stringParam(p, "profile")})
}
