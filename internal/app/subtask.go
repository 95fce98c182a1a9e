package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/internal/contexts"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// SubtaskFacade orchestrates subtask operations. Subtasks always hang
// off a parent task; the parent supplies the branch linkage and, when a
// subtask arrives without assignees, the inherited agent list.
type SubtaskFacade struct {
	userID   string
	tasks    storage.TaskRepository
	subtasks storage.SubtaskRepository
	ctxsvc   *contexts.Service
	bus      *events.Bus
	logger   *slog.Logger
}

// NewSubtaskFacade binds a subtask facade to the scoped repositories.
func NewSubtaskFacade(userID string, repos *storage.Repositories, ctxsvc *contexts.Service, bus *events.Bus, logger *slog.Logger) *SubtaskFacade {
	return &SubtaskFacade{
		userID:   userID,
		tasks:    repos.Tasks,
		subtasks: repos.Subtasks,
		ctxsvc:   ctxsvc,
		bus:      bus,
		logger:   logger,
	}
}

// CreateSubtaskInput carries the caller-supplied subtask fields.
type CreateSubtaskInput struct {
	TaskID      string
	Title       string
	Description string
	Assignees   []string
}

// Create creates a subtask under its parent task. Without explicit
// assignees the parent's are inherited.
func (f *SubtaskFacade) Create(ctx context.Context, in CreateSubtaskInput) (*domain.Subtask, error) {
	parent, err := f.tasks.Get(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	assignees := in.Assignees
	if len(assignees) == 0 {
		assignees = parent.Assignees
	} else {
		assignees, err = domain.ValidateAssignees(assignees)
		if err != nil {
			return nil, err
		}
	}
	s := &domain.Subtask{
		TaskID:      parent.ID,
		Title:       in.Title,
		Description: in.Description,
		Status:      domain.StatusTodo,
		Assignees:   assignees,
	}
	if err := f.subtasks.Create(ctx, s); err != nil {
		return nil, err
	}
	emit(f.bus, f.userID, EventSubtaskCreated, map[string]any{"subtask_id": s.ID, "task_id": parent.ID})
	return s, nil
}

// UpdateSubtaskInput carries optional updates; nil means unchanged.
// Setting progress to 100 completes the subtask.
type UpdateSubtaskInput struct {
	Title              *string
	Description        *string
	Status             *domain.Status
	ProgressPercentage *int
	Assignees          []string
	ProgressNotes      string
	Blockers           string
	InsightsFound      []string
	CompletionSummary  string
}

// Update applies a partial update. Progress notes land on the parent
// task's context so sibling agents see them.
func (f *SubtaskFacade) Update(ctx context.Context, id string, in UpdateSubtaskInput) (*domain.Subtask, error) {
	s, err := f.subtasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		s.Title = *in.Title
	}
	if in.Description != nil {
		s.Description = *in.Description
	}
	if in.Status != nil {
		if err := checkTransition(s.Status, *in.Status); err != nil {
			return nil, err
		}
		s.Status = *in.Status
	}
	if in.Assignees != nil {
		assignees, err := domain.ValidateAssignees(in.Assignees)
		if err != nil {
			return nil, err
		}
		s.Assignees = assignees
	}
	if len(in.InsightsFound) > 0 {
		s.InsightsFound = append(s.InsightsFound, in.InsightsFound...)
	}
	if in.CompletionSummary != "" {
		s.CompletionSummary = in.CompletionSummary
	}
	if in.ProgressPercentage != nil {
		s.ProgressPercentage = *in.ProgressPercentage
		switch {
		case s.ProgressPercentage >= 100:
			// Full progress is a completion, same invariants as complete.
			return f.complete(ctx, s, s.CompletionSummary, nil)
		case s.ProgressPercentage > 0 && s.Status == domain.StatusTodo:
			s.Status = domain.StatusInProgress
		}
	}
	if err := f.subtasks.Update(ctx, s); err != nil {
		return nil, err
	}
	f.recordProgress(ctx, s, in.ProgressNotes, in.Blockers)
	emit(f.bus, f.userID, EventSubtaskUpdated, map[string]any{"subtask_id": s.ID, "task_id": s.TaskID})
	return s, nil
}

// Get returns one subtask.
func (f *SubtaskFacade) Get(ctx context.Context, id string) (*domain.Subtask, error) {
	return f.subtasks.Get(ctx, id)
}

// List returns the subtasks of a parent task.
func (f *SubtaskFacade) List(ctx context.Context, taskID string) ([]*domain.Subtask, error) {
	if _, err := f.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return f.subtasks.ListByTask(ctx, taskID)
}

// Complete marks the subtask done and folds its insights into the
// parent task context.
func (f *SubtaskFacade) Complete(ctx context.Context, id, completionSummary string, insights []string) (*domain.Subtask, error) {
	s, err := f.subtasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if completionSummary == "" {
		return nil, &domain.ToolError{
			Code:    domain.CodeMissingField,
			Message: "completion_summary is required to complete a subtask",
			Field:   "completion_summary",
		}
	}
	return f.complete(ctx, s, completionSummary, insights)
}

func (f *SubtaskFacade) complete(ctx context.Context, s *domain.Subtask, completionSummary string, insights []string) (*domain.Subtask, error) {
	now := time.Now()
	s.Status = domain.StatusDone
	s.ProgressPercentage = 100
	s.CompletedAt = &now
	if completionSummary != "" {
		s.CompletionSummary = completionSummary
	}
	if len(insights) > 0 {
		s.InsightsFound = append(s.InsightsFound, insights...)
	}
	if err := f.subtasks.Update(ctx, s); err != nil {
		return nil, err
	}
	for _, insight := range s.InsightsFound {
		if _, err := f.ctxsvc.AddInsight(ctx, s.TaskID, insight, "subtask", "medium", firstAssignee(s.Assignees)); err != nil {
			f.logger.Warn("recording subtask insight failed", "subtask_id", s.ID, "error", err)
			break
		}
	}
	emit(f.bus, f.userID, EventSubtaskCompleted, map[string]any{"subtask_id": s.ID, "task_id": s.TaskID})
	return s, nil
}

// Delete removes one subtask.
func (f *SubtaskFacade) Delete(ctx context.Context, id string) error {
	s, err := f.subtasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := f.subtasks.Delete(ctx, id); err != nil {
		return err
	}
	emit(f.bus, f.userID, EventSubtaskDeleted, map[string]any{"subtask_id": id, "task_id": s.TaskID})
	return nil
}

func (f *SubtaskFacade) recordProgress(ctx context.Context, s *domain.Subtask, notes, blockers string) {
	if notes == "" && blockers == "" {
		return
	}
	note := notes
	if blockers != "" {
		note += " | blockers: " + blockers
	}
	if _, err := f.ctxsvc.AddProgress(ctx, s.TaskID, "["+s.Title+"] "+note, firstAssignee(s.Assignees)); err != nil {
		f.logger.Warn("recording subtask progress failed", "subtask_id", s.ID, "error", err)
	}
}
