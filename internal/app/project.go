package app

import (
	"context"
	"log/slog"

	"github.com/taskmesh/taskmesh/internal/contexts"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

// ProjectFacade orchestrates project operations for one user scope.
type ProjectFacade struct {
	userID   string
	projects storage.ProjectRepository
	branches storage.BranchRepository
	ctxsvc   *contexts.Service
	bus      *events.Bus
	logger   *slog.Logger
}

// NewProjectFacade binds a project facade to the scoped repositories.
func NewProjectFacade(userID string, repos *storage.Repositories, ctxsvc *contexts.Service, bus *events.Bus, logger *slog.Logger) *ProjectFacade {
	return &ProjectFacade{
		userID:   userID,
		projects: repos.Projects,
		branches: repos.Branches,
		ctxsvc:   ctxsvc,
		bus:      bus,
		logger:   logger,
	}
}

// Create creates a project and its project context.
func (f *ProjectFacade) Create(ctx context.Context, name, description string) (*domain.Project, error) {
	p := &domain.Project{Name: name, Description: description}
	if err := f.projects.Create(ctx, p); err != nil {
		return nil, err
	}
	if _, err := f.ctxsvc.Create(ctx, domain.LevelProject, p.ID, nil, ""); err != nil {
		f.logger.Warn("project context creation failed", "project_id", p.ID, "error", err)
	}
	emit(f.bus, f.userID, EventProjectCreated, map[string]any{"project_id": p.ID, "name": name})
	return p, nil
}

// Get returns one project by id.
func (f *ProjectFacade) Get(ctx context.Context, id string) (*domain.Project, error) {
	return f.projects.Get(ctx, id)
}

// GetByName returns one project by its unique name.
func (f *ProjectFacade) GetByName(ctx context.Context, name string) (*domain.Project, error) {
	return f.projects.GetByName(ctx, name)
}

// List returns the user's projects.
func (f *ProjectFacade) List(ctx context.Context) ([]*domain.Project, error) {
	return f.projects.List(ctx)
}

// Update renames or re-describes the project.
func (f *ProjectFacade) Update(ctx context.Context, id string, name, description *string) (*domain.Project, error) {
	p, err := f.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	if err := f.projects.Update(ctx, p); err != nil {
		return nil, err
	}
	emit(f.bus, f.userID, EventProjectUpdated, map[string]any{"project_id": p.ID})
	return p, nil
}

// Delete removes an empty project. Projects with branches are rejected
// with a conflict so work is never cascaded away silently.
func (f *ProjectFacade) Delete(ctx context.Context, id string) error {
	if _, err := f.projects.Get(ctx, id); err != nil {
		return err
	}
	branches, err := f.branches.List(ctx, id)
	if err != nil {
		return err
	}
	if len(branches) > 0 {
		return &domain.ToolError{
			Code:    domain.CodeConflict,
			Message: "project still has git branches; delete them first",
			Hint:    "list branches with manage_git_branch(action=\"list\")",
		}
	}
	if err := f.projects.Delete(ctx, id); err != nil {
		return err
	}
	if err := f.ctxsvc.Delete(ctx, domain.LevelProject, id); err != nil && !isNotFound(err) {
		f.logger.Warn("deleting project context failed", "project_id", id, "error", err)
	}
	emit(f.bus, f.userID, EventProjectDeleted, map[string]any{"project_id": id})
	return nil
}

// HealthCheck summarizes one project's branch and task counts.
func (f *ProjectFacade) HealthCheck(ctx context.Context, id string, tasks storage.TaskRepository) (map[string]any, error) {
	p, err := f.projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	branches, err := f.branches.List(ctx, id)
	if err != nil {
		return nil, err
	}
	total, done := 0, 0
	for _, b := range branches {
		ts, err := tasks.List(ctx, domain.TaskFilter{GitBranchID: b.ID})
		if err != nil {
			return nil, err
		}
		total += len(ts)
		for _, t := range ts {
			if t.Status == domain.StatusDone {
				done++
			}
		}
	}
	return map[string]any{
		"project_id":   p.ID,
		"name":         p.Name,
		"branch_count": len(branches),
		"task_count":   total,
		"done_count":   done,
		"healthy":      true,
	}, nil
}
