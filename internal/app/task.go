package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/taskmesh/taskmesh/internal/contexts"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// TaskFacade orchestrates task operations for one user scope.
type TaskFacade struct {
	userID   string
	tasks    storage.TaskRepository
	subtasks storage.SubtaskRepository
	ctxsvc   *contexts.Service
	bus      *events.Bus
	logger   *slog.Logger
}

// NewTaskFacade binds a task facade to the scoped repositories.
func NewTaskFacade(userID string, repos *storage.Repositories, ctxsvc *contexts.Service, bus *events.Bus, logger *slog.Logger) *TaskFacade {
	return &TaskFacade{
		userID:   userID,
		tasks:    repos.Tasks,
		subtasks: repos.Subtasks,
		ctxsvc:   ctxsvc,
		bus:      bus,
		logger:   logger,
	}
}

// CreateTaskInput carries the caller-supplied fields for task creation.
type CreateTaskInput struct {
	GitBranchID     string
	Title           string
	Description     string
	Priority        domain.Priority
	Assignees       []string
	Labels          []string
	EstimatedEffort string
}

// Create creates a task in todo state and its task context alongside.
func (f *TaskFacade) Create(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	assignees, err := domain.ValidateAssignees(in.Assignees)
	if err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	t := &domain.Task{
		GitBranchID:     in.GitBranchID,
		Title:           in.Title,
		Description:     in.Description,
		Status:          domain.StatusTodo,
		Priority:        in.Priority,
		Assignees:       assignees,
		Labels:          in.Labels,
		EstimatedEffort: in.EstimatedEffort,
	}
	if err := f.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	// Context creation is best effort; the task row is the source of truth.
	if c, err := f.ctxsvc.Create(ctx, domain.LevelTask, t.ID, nil, ""); err == nil {
		t.ContextID = c.ID
		_ = f.tasks.Update(ctx, t)
	} else {
		f.logger.Warn("task context creation failed", "task_id", t.ID, "error", err)
	}
	emit(f.bus, f.userID, EventTaskCreated, map[string]any{"task_id": t.ID, "git_branch_id": t.GitBranchID})
	return t, nil
}

// UpdateTaskInput carries optional field updates. Nil pointers mean
// "leave unchanged".
type UpdateTaskInput struct {
	Title              *string
	Description        *string
	Status             *domain.Status
	Priority           *domain.Priority
	Assignees          []string
	Labels             []string
	ProgressPercentage *int
	EstimatedEffort    *string
	WorkNotes          string
	ProgressMade       string
}

// Update applies a partial update. Work notes and progress are recorded
// on the task context so later agents inherit them.
func (f *TaskFacade) Update(ctx context.Context, id string, in UpdateTaskInput) (*domain.Task, error) {
	t, err := f.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	becameBlocked := false
	if in.Status != nil {
		if err := checkTransition(t.Status, *in.Status); err != nil {
			return nil, err
		}
		becameBlocked = *in.Status == domain.StatusBlocked && t.Status != domain.StatusBlocked
		t.Status = *in.Status
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.Assignees != nil {
		assignees, err := domain.ValidateAssignees(in.Assignees)
		if err != nil {
			return nil, err
		}
		t.Assignees = assignees
	}
	if in.Labels != nil {
		t.Labels = in.Labels
	}
	if in.ProgressPercentage != nil {
		t.ProgressPercentage = *in.ProgressPercentage
		if t.ProgressPercentage > 0 && t.Status == domain.StatusTodo {
			t.Status = domain.StatusInProgress
		}
	}
	if in.EstimatedEffort != nil {
		t.EstimatedEffort = *in.EstimatedEffort
	}
	if err := f.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	if in.WorkNotes != "" || in.ProgressMade != "" {
		note := strings.TrimSpace(strings.Join([]string{in.ProgressMade, in.WorkNotes}, " "))
		if _, err := f.ctxsvc.AddProgress(ctx, t.ID, note, firstAssignee(t.Assignees)); err != nil {
			f.logger.Warn("recording task progress failed", "task_id", t.ID, "error", err)
		}
	}
	emit(f.bus, f.userID, EventTaskUpdated, map[string]any{"task_id": t.ID, "status": string(t.Status)})
	if becameBlocked {
		emit(f.bus, f.userID, EventTaskBlocked, map[string]any{"task_id": t.ID})
	}
	return t, nil
}

// Get returns one task with its subtask rollup counts.
func (f *TaskFacade) Get(ctx context.Context, id string) (*domain.Task, []*domain.Subtask, error) {
	t, err := f.tasks.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	subs, err := f.subtasks.ListByTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, subs, nil
}

// List returns tasks matching the filter.
func (f *TaskFacade) List(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	return f.tasks.List(ctx, filter)
}

// Search runs a case-insensitive substring search over title and
// description.
func (f *TaskFacade) Search(ctx context.Context, query string, limit int) ([]*domain.Task, error) {
	return f.tasks.Search(ctx, query, limit)
}

// Next returns the highest-priority actionable task on the branch:
// todo or in_progress, priority rank descending, oldest first on ties.
// A nil task with nil error means the branch has no actionable work.
func (f *TaskFacade) Next(ctx context.Context, gitBranchID string) (*domain.Task, error) {
	all, err := f.tasks.List(ctx, domain.TaskFilter{GitBranchID: gitBranchID})
	if err != nil {
		return nil, err
	}
	var candidates []*domain.Task
	for _, t := range all {
		if t.Status == domain.StatusTodo || t.Status == domain.StatusInProgress {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := domain.PriorityRank(candidates[i].Priority), domain.PriorityRank(candidates[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// IncompleteSubtasksError reports a completion attempt blocked by open
// subtasks. It lists them so the caller can show exactly what remains.
type IncompleteSubtasksError struct {
	TaskID   string
	Subtasks []*domain.Subtask
}

func (e *IncompleteSubtasksError) Error() string {
	titles := make([]string, len(e.Subtasks))
	for i, s := range e.Subtasks {
		titles[i] = s.Title
	}
	return fmt.Sprintf("task %s has %d incomplete subtasks: %s", e.TaskID, len(e.Subtasks), strings.Join(titles, ", "))
}

// Complete marks the task done. Incomplete subtasks block completion
// unless force is set, in which case they are auto-completed first.
func (f *TaskFacade) Complete(ctx context.Context, id, completionSummary, testingNotes string, force bool) (*domain.Task, error) {
	t, err := f.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if completionSummary == "" {
		return nil, &domain.ToolError{
			Code:    domain.CodeMissingField,
			Message: "completion_summary is required to complete a task",
			Field:   "completion_summary",
		}
	}
	subs, err := f.subtasks.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	var open []*domain.Subtask
	for _, s := range subs {
		if s.Status != domain.StatusDone && s.Status != domain.StatusCancelled {
			open = append(open, s)
		}
	}
	if len(open) > 0 {
		if !force {
			return nil, &IncompleteSubtasksError{TaskID: id, Subtasks: open}
		}
		for _, s := range open {
			s.Status = domain.StatusDone
			s.ProgressPercentage = 100
			if s.CompletionSummary == "" {
				s.CompletionSummary = "auto-completed with parent task"
			}
			if err := f.subtasks.Update(ctx, s); err != nil {
				return nil, fmt.Errorf("auto-completing subtask %s: %w", s.ID, err)
			}
		}
	}

	t.Status = domain.StatusDone
	t.ProgressPercentage = 100
	t.CompletionSummary = completionSummary
	if err := f.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	note := completionSummary
	if testingNotes != "" {
		note += " | testing: " + testingNotes
	}
	if _, err := f.ctxsvc.AddProgress(ctx, t.ID, note, firstAssignee(t.Assignees)); err != nil {
		f.logger.Warn("recording completion on context failed", "task_id", t.ID, "error", err)
	}
	emit(f.bus, f.userID, EventTaskCompleted, map[string]any{"task_id": t.ID})
	return t, nil
}

// Delete removes the task, its subtasks, and its context.
func (f *TaskFacade) Delete(ctx context.Context, id string) error {
	if _, err := f.tasks.Get(ctx, id); err != nil {
		return err
	}
	if err := f.subtasks.DeleteByTask(ctx, id); err != nil {
		return err
	}
	if err := f.tasks.Delete(ctx, id); err != nil {
		return err
	}
	if err := f.ctxsvc.Delete(ctx, domain.LevelTask, id); err != nil && !isNotFound(err) {
		f.logger.Warn("deleting task context failed", "task_id", id, "error", err)
	}
	emit(f.bus, f.userID, EventTaskDeleted, map[string]any{"task_id": id})
	return nil
}

// AddDependency records that fromTaskID depends on toTaskID, rejecting
// self-edges and anything that would close a cycle.
func (f *TaskFacade) AddDependency(ctx context.Context, fromTaskID, toTaskID string) error {
	if fromTaskID == toTaskID {
		return fmt.Errorf("%w: a task cannot depend on itself", domain.ErrDependencyCycle)
	}
	deps, err := f.tasks.Dependencies(ctx)
	if err != nil {
		return err
	}
	// Adding from->to closes a cycle iff from is already reachable from to.
	if reachable(deps, toTaskID, fromTaskID) {
		return fmt.Errorf("%w: %s is already reachable from %s", domain.ErrDependencyCycle, fromTaskID, toTaskID)
	}
	if err := f.tasks.AddDependency(ctx, fromTaskID, toTaskID); err != nil {
		return err
	}
	emit(f.bus, f.userID, EventTaskUpdated, map[string]any{"task_id": fromTaskID, "dependency": toTaskID})
	return nil
}

// RemoveDependency deletes the edge if present.
func (f *TaskFacade) RemoveDependency(ctx context.Context, fromTaskID, toTaskID string) error {
	return f.tasks.RemoveDependency(ctx, fromTaskID, toTaskID)
}

// reachable runs a breadth-first walk over the dependency edges.
func reachable(deps []domain.Dependency, from, to string) bool {
	adj := make(map[string][]string, len(deps))
	for _, d := range deps {
		adj[d.FromTaskID] = append(adj[d.FromTaskID], d.ToTaskID)
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// checkTransition gates status changes. Terminal states only reopen to
// todo; everything else may move freely between active states.
func checkTransition(from, to domain.Status) error {
	if from == to {
		return nil
	}
	if (from == domain.StatusDone || from == domain.StatusCancelled) && to != domain.StatusTodo {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

func firstAssignee(assignees []string) string {
	if len(assignees) > 0 {
		return assignees[0]
	}
	return ""
}
