package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/enforce"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/params"
	"github.com/taskmesh/taskmesh/internal/response"
)

var subtaskActions = []string{"create", "update", "get", "list", "complete", "delete"}

// ManageSubtask is the subtask lifecycle controller. Subtasks are always
// addressed through their parent task.
type ManageSubtask struct {
	deps *Deps
}

// NewManageSubtask creates the manage_subtask tool.
func NewManageSubtask(deps *Deps) *ManageSubtask {
	return &ManageSubtask{deps: deps}
}

func (t *ManageSubtask) Name() string { return "manage_subtask" }

func (t *ManageSubtask) Description() string {
	return "Manage subtasks under a parent task: create, update, get, list, complete, delete. Subtasks inherit the parent's assignees when none are given; completing at 100% progress requires a completion_summary."
}

func (t *ManageSubtask) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["create", "update", "get", "list", "complete", "delete"],
      "description": "Operation to perform"
    },
    "task_id": {"type": "string", "description": "Parent task id. Required for create/list; on the other actions it is verified against the subtask's parent when given"},
    "subtask_id": {"type": "string", "description": "Subtask id (update/get/complete/delete)"},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "status": {"type": "string", "enum": ["todo", "in_progress", "blocked", "review", "done", "cancelled"]},
    "progress_percentage": {"type": "integer", "minimum": 0, "maximum": 100, "description": "100 completes the subtask"},
    "assignees": {"type": "array", "items": {"type": "string"}},
    "progress_notes": {"type": "string", "description": "What was done in this update"},
    "blockers": {"type": "string"},
    "insights_found": {"type": "array", "items": {"type": "string"}},
    "completion_summary": {"type": "string", "description": "Required on complete"},
    "agent": {"type": "string"},
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]}
  },
  "required": ["action"]
}`)
}

func (t *ManageSubtask) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
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

	out := t.deps.Enforcer.Check("manage_subtask", action, agentOf(p), p)
	if out.Blocked {
		return enforcementBlocked("manage_subtask", action, out)
	}

	switch action {
	case "create":
		return t.create(ctx, f, p)
	case "update":
		return t.update(ctx, f, p, out)
	case "get":
		return t.get(ctx, f, p)
	case "list":
		return t.list(ctx, f, p)
	case "complete":
		return t.complete(ctx, f, p)
	case "delete":
		return t.delete(ctx, f, p)
	default:
		return fail(unknownAction("manage_subtask", action, subtaskActions))
	}
}

func (t *ManageSubtask) create(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	taskID, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	title, err := requireString(p, "title")
	if err != nil {
		return fail(err)
	}
	assignees, err := listParam(p, "assignees")
	if err != nil {
		return fail(err)
	}
	s, err := f.Subtasks.Create(ctx, app.CreateSubtaskInput{
		TaskID:      taskID,
		Title:       title,
		Description: stringParam(p, "description"),
		Assignees:   assignees,
	})
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "subtask": s}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "create",
		HasAgentContext: len(s.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

// verifyParent checks an optional task_id against the subtask's actual
// parent. A mismatched parent is reported as not found so callers cannot
// use the guard to confirm ids across tasks.
func verifyParent(ctx context.Context, f *app.Facades, p map[string]any, subtaskID string) error {
	taskID := stringParam(p, "task_id")
	if taskID == "" {
		return nil
	}
	s, err := f.Subtasks.Get(ctx, subtaskID)
	if err != nil {
		return err
	}
	if s.TaskID != taskID {
		return fmt.Errorf("%w: subtask %s does not belong to task %s", domain.ErrNotFound, subtaskID, taskID)
	}
	return nil
}

func (t *ManageSubtask) update(ctx context.Context, f *app.Facades, p map[string]any, out enforce.Outcome) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "subtask_id")
	if err != nil {
		return fail(err)
	}
	if err := verifyParent(ctx, f, p, id); err != nil {
		return fail(err)
	}
	in := app.UpdateSubtaskInput{
		ProgressNotes:     stringParam(p, "progress_notes"),
		Blockers:          stringParam(p, "blockers"),
		CompletionSummary: stringParam(p, "completion_summary"),
	}
	if v, ok := p["title"]; ok {
		s, err := params.String("title", v)
		if err != nil {
			return fail(err)
		}
		in.Title = &s
	}
	if v, ok := p["description"]; ok {
		s, err := params.String("description", v)
		if err != nil {
			return fail(err)
		}
		in.Description = &s
	}
	if v, ok := p["status"]; ok {
		s, err := params.String("status", v)
		if err != nil {
			return fail(err)
		}
		status := domain.Status(s)
		in.Status = &status
	}
	if v, ok := p["progress_percentage"]; ok {
		n, err := params.Progress("progress_percentage", v)
		if err != nil {
			return fail(err)
		}
		// Completing via progress=100 still requires a summary.
		if n >= 100 && in.CompletionSummary == "" {
			return fail(&domain.ToolError{
				Code:    domain.CodeMissingField,
				Message: "completion_summary is required when progress_percentage reaches 100",
				Field:   "completion_summary",
			})
		}
		in.ProgressPercentage = &n
	}
	if _, ok := p["assignees"]; ok {
		in.Assignees, err = listParam(p, "assignees")
		if err != nil {
			return fail(err)
		}
	}
	if insights, err := listParam(p, "insights_found"); err != nil {
		return fail(err)
	} else {
		in.InsightsFound = insights
	}
	s, err := f.Subtasks.Update(ctx, id, in)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "subtask": s}
	attachEnforcement(envelope, out)
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "update",
		HasAgentContext: len(s.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageSubtask) get(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "subtask_id")
	if err != nil {
		return fail(err)
	}
	s, err := f.Subtasks.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	if want := stringParam(p, "task_id"); want != "" && s.TaskID != want {
		return fail(fmt.Errorf("%w: subtask %s does not belong to task %s", domain.ErrNotFound, id, want))
	}
	envelope := map[string]any{"success": true, "subtask": s}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "get",
		HasAgentContext: len(s.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageSubtask) list(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	taskID, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	subtasks, err := f.Subtasks.List(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "subtasks": subtasks, "count": len(subtasks)}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "list",
		ItemCount:       len(subtasks),
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageSubtask) complete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "subtask_id")
	if err != nil {
		return fail(err)
	}
	if err := verifyParent(ctx, f, p, id); err != nil {
		return fail(err)
	}
	insights, err := listParam(p, "insights_found")
	if err != nil {
		return fail(err)
	}
	s, err := f.Subtasks.Complete(ctx, id, stringParam(p, "completion_summary"), insights)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "subtask": s}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "complete",
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageSubtask) delete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "subtask_id")
	if err != nil {
		return fail(err)
	}
	if err := verifyParent(ctx, f, p, id); err != nil {
		return fail(err)
	}
	if err := f.Subtasks.Delete(ctx, id); err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "deleted": id}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "delete",
		ExplicitProfile: stringParam(p, "profile"),
	})
}
