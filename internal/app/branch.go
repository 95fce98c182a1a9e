package app

import (
	"context"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/contexts"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// BranchFacade orchestrates git branch operations for one user scope.
type BranchFacade struct {
	userID   string
	branches storage.BranchRepository
	tasks    storage.TaskRepository
	ctxsvc   *contexts.Service
	bus      *events.Bus
	logger   *slog.Logger
}

// NewBranchFacade binds a branch facade to the scoped repositories.
func NewBranchFacade(userID string, repos *storage.Repositories, ctxsvc *contexts.Service, bus *events.Bus, logger *slog.Logger) *BranchFacade {
	return &BranchFacade{
		userID:   userID,
		branches: repos.Branches,
		tasks:    repos.Tasks,
		ctxsvc:   ctxsvc,
		bus:      bus,
		logger:   logger,
	}
}

// Create creates a branch under projectID and its branch context.
func (f *BranchFacade) Create(ctx context.Context, projectID, name, description string) (*domain.GitBranch, error) {
	b := &domain.GitBranch{ProjectID: projectID, Name: name, Description: description}
	if err := f.branches.Create(ctx, b); err != nil {
		return nil, err
	}
	if _, err := f.ctxsvc.Create(ctx, domain.LevelBranch, b.ID, nil, projectID); err != nil {
		f.logger.Warn("branch context creation failed", "git_branch_id", b.ID, "error", err)
	}
	emit(f.bus, f.userID, EventBranchCreated, map[string]any{"git_branch_id": b.ID, "project_id": projectID})
	return b, nil
}

// Get returns one branch by id.
func (f *BranchFacade) Get(ctx context.Context, id string) (*domain.GitBranch, error) {
	return f.branches.Get(ctx, id)
}

// List returns the branches of a project (all of the user's branches
// when projectID is empty).
func (f *BranchFacade) List(ctx context.Context, projectID string) ([]*domain.GitBranch, error) {
	return f.branches.List(ctx, projectID)
}

// Update renames or re-describes the branch.
func (f *BranchFacade) Update(ctx context.Context, id string, name, description *string) (*domain.GitBranch, error) {
	b, err := f.branches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		b.Name = *name
	}
	if description != nil {
		b.Description = *description
	}
	if err := f.branches.Update(ctx, b); err != nil {
		return nil, err
	}
	emit(f.bus, f.userID, EventBranchUpdated, map[string]any{"git_branch_id": b.ID})
	return b, nil
}

// Delete removes a branch with no remaining tasks.
func (f *BranchFacade) Delete(ctx context.Context, id string) error {
	if _, err := f.branches.Get(ctx, id); err != nil {
		return err
	}
	tasks, err := f.tasks.List(ctx, domain.TaskFilter{GitBranchID: id})
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		return &domain.ToolError{
			Code:    domain.CodeConflict,
			Message: "branch still has tasks; delete or complete them first",
			Hint:    "list tasks with manage_task(action=\"list\")",
		}
	}
	if err := f.branches.Delete(ctx, id); err != nil {
		return err
	}
	if err := f.ctxsvc.Delete(ctx, domain.LevelBranch, id); err != nil && !isNotFound(err) {
		f.logger.Warn("deleting branch context failed", "git_branch_id", id, "error", err)
	}
	emit(f.bus, f.userID, EventBranchDeleted, map[string]any{"git_branch_id": id})
	return nil
}

// Statistics returns per-status task counts for the branch.
func (f *BranchFacade) Statistics(ctx context.Context, id string) (map[string]any, error) {
	b, err := f.branches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := f.tasks.List(ctx, domain.TaskFilter{GitBranchID: id})
	if err != nil {
		return nil, err
	}
	byStatus := map[string]int{}
	progress := 0
	for _, t := range tasks {
		byStatus[string(t.Status)]++
		progress += t.ProgressPercentage
	}
	avg := 0
	if len(tasks) > 0 {
		avg = progress / len(tasks)
	}
	return map[string]any{
		"git_branch_id":    b.ID,
		"name":             b.Name,
		"task_count":       len(tasks),
		"tasks_by_status":  byStatus,
		"average_progress": avg,
	}, nil
}
