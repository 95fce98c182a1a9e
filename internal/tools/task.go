package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/enforce"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/params"
	"github.com/taskmesh/taskmesh/internal/response"
)

var taskActions = []string{"create", "update", "get", "list", "search", "next", "complete", "delete", "add_dependency", "remove_dependency"}

// ManageTask is the task lifecycle controller.
type ManageTask struct {
	deps *Deps
}

// NewManageTask creates the manage_task tool.
func NewManageTask(deps *Deps) *ManageTask {
	return &ManageTask{deps: deps}
}

func (t *ManageTask) Name() string { return "manage_task" }

func (t *ManageTask) Description() string {
	return "Manage tasks on a git branch: create, update, get, list, search, next, complete, delete, and dependency edges. Updates expect work_notes and progress_made; completion requires completion_summary."
}

func (t *ManageTask) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": ["create", "update", "get", "list", "search", "next", "complete", "delete", "add_dependency", "remove_dependency"],
      "description": "Operation to perform"
    },
    "task_id": {"type": "string", "description": "Task id (update/get/complete/delete/dependencies)"},
    "include_context": {"type": "boolean", "description": "On get, attach the task context with inherited settings merged in"},
    "git_branch_id": {"type": "string", "description": "Branch id (create/list/next)"},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "status": {"type": "string", "enum": ["todo", "in_progress", "blocked", "review", "done", "cancelled"]},
    "priority": {"type": "string", "enum": ["low", "medium", "high", "urgent", "critical"]},
    "assignees": {"type": "array", "items": {"type": "string"}, "description": "Agent names from the catalog, e.g. @coding-agent"},
    "labels": {"type": "array", "items": {"type": "string"}},
    "progress_percentage": {"type": "integer", "minimum": 0, "maximum": 100},
    "estimated_effort": {"type": "string"},
    "work_notes": {"type": "string", "description": "What was done in this update"},
    "progress_made": {"type": "string", "description": "Progress since the last update"},
    "completion_summary": {"type": "string", "description": "Required on complete"},
    "testing_notes": {"type": "string"},
    "force": {"type": "boolean", "description": "Auto-complete open subtasks on complete"},
    "dependency_id": {"type": "string", "description": "Other task id for dependency actions"},
    "query": {"type": "string", "description": "Search query"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 1000},
    "agent": {"type": "string", "description": "Calling agent, for compliance attribution"},
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]},
    "debug": {"type": "boolean", "description": "Shape the response with the DEBUG profile"}
  },
  "required": ["action"]
}`)
}

func (t *ManageTask) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
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

	out := t.deps.Enforcer.Check("manage_task", action, agentOf(p), p)
	if out.Blocked {
		return enforcementBlocked("manage_task", action, out)
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
	case "search":
		return t.search(ctx, f, p)
	case "next":
		return t.next(ctx, f, p)
	case "complete":
		return t.complete(ctx, f, p)
	case "delete":
		return t.delete(ctx, f, p)
	case "add_dependency":
		return t.dependency(ctx, f, p, true)
	case "remove_dependency":
		return t.dependency(ctx, f, p, false)
	default:
		return fail(unknownAction("manage_task", action, taskActions))
	}
}

func (t *ManageTask) create(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	branchID, err := requireString(p, "git_branch_id")
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
	labels, err := listParam(p, "labels")
	if err != nil {
		return fail(err)
	}
	task, err := f.Tasks.Create(ctx, app.CreateTaskInput{
		GitBranchID:     branchID,
		Title:           title,
		Description:     stringParam(p, "description"),
		Priority:        domain.Priority(stringParam(p, "priority")),
		Assignees:       assignees,
		Labels:          labels,
		EstimatedEffort: stringParam(p, "estimated_effort"),
	})
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "task": task}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "create",
		HasAgentContext: len(task.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) update(ctx context.Context, f *app.Facades, p map[string]any, out enforce.Outcome) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	in := app.UpdateTaskInput{
		WorkNotes:    stringParam(p, "work_notes"),
		ProgressMade: stringParam(p, "progress_made"),
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
	if v, ok := p["priority"]; ok {
		s, err := params.String("priority", v)
		if err != nil {
			return fail(err)
		}
		priority := domain.Priority(s)
		in.Priority = &priority
	}
	if v, ok := p["progress_percentage"]; ok {
		n, err := params.Progress("progress_percentage", v)
		if err != nil {
			return fail(err)
		}
		in.ProgressPercentage = &n
	}
	if v, ok := p["estimated_effort"]; ok {
		s, err := params.String("estimated_effort", v)
		if err != nil {
			return fail(err)
		}
		in.EstimatedEffort = &s
	}
	if _, ok := p["assignees"]; ok {
		in.Assignees, err = listParam(p, "assignees")
		if err != nil {
			return fail(err)
		}
	}
	if _, ok := p["labels"]; ok {
		in.Labels, err = listParam(p, "labels")
		if err != nil {
			return fail(err)
		}
	}
	task, err := f.Tasks.Update(ctx, id, in)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "task": task}
	attachEnforcement(envelope, out)
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "update",
		HasAgentContext: len(task.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) get(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	task, subtasks, err := f.Tasks.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	done := 0
	for _, s := range subtasks {
		if s.Status == domain.StatusDone {
			done++
		}
	}
	envelope := map[string]any{
		"success": true,
		"task":    task,
		"subtask_summary": map[string]any{
			"total": len(subtasks),
			"done":  done,
		},
	}
	if v, ok := p["include_context"]; ok {
		include, err := params.Bool("include_context", v)
		if err != nil {
			return fail(err)
		}
		if include {
			c, err := f.Contexts.Get(ctx, domain.LevelTask, id, true)
			switch {
			case err == nil:
				envelope["context"] = c
			case !errors.Is(err, domain.ErrNotFound):
				return fail(err)
			}
		}
	}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "get",
		HasAgentContext: len(task.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) list(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	// Filters accept the singular key and the plural list form. The
	// first list entry rides the repository filter; further entries
	// narrow the result here.
	assignees, err := listParam(p, "assignees")
	if err != nil {
		return fail(err)
	}
	labels, err := listParam(p, "labels")
	if err != nil {
		return fail(err)
	}
	filter := domain.TaskFilter{
		GitBranchID: stringParam(p, "git_branch_id"),
		Status:      domain.Status(stringParam(p, "status")),
		Priority:    domain.Priority(stringParam(p, "priority")),
		Assignee:    stringParam(p, "assignee"),
		Label:       stringParam(p, "label"),
	}
	if filter.Assignee == "" && len(assignees) > 0 {
		filter.Assignee = assignees[0]
	}
	if filter.Label == "" && len(labels) > 0 {
		filter.Label = labels[0]
	}
	if v, ok := p["limit"]; ok {
		n, err := params.Limit("limit", v)
		if err != nil {
			return fail(err)
		}
		filter.Limit = n
	}
	tasks, err := f.Tasks.List(ctx, filter)
	if err != nil {
		return fail(err)
	}
	if len(assignees) > 1 {
		tasks = withAllAssignees(tasks, assignees[1:])
	}
	if len(labels) > 1 {
		tasks = withAllLabels(tasks, labels[1:])
	}
	envelope := map[string]any{"success": true, "tasks": tasks, "count": len(tasks)}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "list",
		ItemCount:       len(tasks),
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) search(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	query, err := requireString(p, "query")
	if err != nil {
		return fail(err)
	}
	limit := 50
	if v, ok := p["limit"]; ok {
		limit, err = params.Limit("limit", v)
		if err != nil {
			return fail(err)
		}
	}
	// Search is capped lower than list; scans get expensive fast.
	if limit > 100 {
		limit = 100
	}
	tasks, err := f.Tasks.Search(ctx, query, limit)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "tasks": tasks, "count": len(tasks)}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "search",
		ItemCount:       len(tasks),
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) next(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	branchID, err := requireString(p, "git_branch_id")
	if err != nil {
		return fail(err)
	}
	task, err := f.Tasks.Next(ctx, branchID)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true}
	if task == nil {
		envelope["message"] = "no actionable tasks on this branch"
	} else {
		envelope["task"] = task
	}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "next",
		HasAgentContext: task != nil && len(task.Assignees) > 0,
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) complete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	force := false
	if v, ok := p["force"]; ok {
		force, err = params.Bool("force", v)
		if err != nil {
			return fail(err)
		}
	}
	task, err := f.Tasks.Complete(ctx, id, stringParam(p, "completion_summary"), stringParam(p, "testing_notes"), force)
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "task": task}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "complete",
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) delete(ctx context.Context, f *app.Facades, p map[string]any) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	if err := f.Tasks.Delete(ctx, id); err != nil {
		return fail(err)
	}
	envelope := map[string]any{"success": true, "deleted": id}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "delete",
		ExplicitProfile: stringParam(p, "profile"),
	})
}

func (t *ManageTask) dependency(ctx context.Context, f *app.Facades, p map[string]any, add bool) (*mcp.ToolsCallResult, error) {
	id, err := requireString(p, "task_id")
	if err != nil {
		return fail(err)
	}
	depID, err := requireString(p, "dependency_id")
	if err != nil {
		return fail(err)
	}
	if add {
		err = f.Tasks.AddDependency(ctx, id, depID)
	} else {
		err = f.Tasks.RemoveDependency(ctx, id, depID)
	}
	if err != nil {
		return fail(err)
	}
	envelope := map[string]any{
		"success":       true,
		"task_id":       id,
		"dependency_id": depID,
		"added":         add,
	}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "dependency",
		ExplicitProfile: stringParam(p, "profile"),
	})
}

// listParam reads an optional string-list parameter.
func listParam(p map[string]any, key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	return params.StringList(key, v)
}

// withAllAssignees keeps tasks that carry every named assignee, matching
// any accepted agent spelling.
func withAllAssignees(tasks []*domain.Task, names []string) []*domain.Task {
	out := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		have := make(map[string]bool, len(t.Assignees))
		for _, a := range t.Assignees {
			have[a] = true
		}
		all := true
		for _, n := range names {
			if !have[domain.NormalizeAgentName(n)] {
				all = false
				break
			}
		}
		if all {
			out = append(out, t)
		}
	}
	return out
}

// withAllLabels keeps tasks that carry every named label.
func withAllLabels(tasks []*domain.Task, labels []string) []*domain.Task {
	out := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		have := make(map[string]bool, len(t.Labels))
		for _, l := range t.Labels {
			have[l] = true
		}
		all := true
		for _, l := range labels {
			if !have[l] {
				all = false
				break
			}
		}
		if all {
			out = append(out, t)
		}
	}
	return out
}
