// Package storage defines the repository contracts of the control plane
// and provides the sqlite and in-memory implementations. Every repository
// is user-scoped: reads filter on the owning user, writes stamp it, and
// ownership failures surface as not-found so ids cannot be probed.
package storage

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// ProjectRepository persists projects for one user scope.
type ProjectRepository interface {
	WithUser(userID string) ProjectRepository
	Create(ctx context.Context, p *domain.Project) error
	Get(ctx context.Context, id string) (*domain.Project, error)
	GetByName(ctx context.Context, name string) (*domain.Project, error)
	List(ctx context.Context) ([]*domain.Project, error)
	Update(ctx context.Context, p *domain.Project) error
	Delete(ctx context.Context, id string) error
}

// BranchRepository persists git branches for one user scope.
type BranchRepository interface {
	WithUser(userID string) BranchRepository
	Create(ctx context.Context, b *domain.GitBranch) error
	Get(ctx context.Context, id string) (*domain.GitBranch, error)
	List(ctx context.Context, projectID string) ([]*domain.GitBranch, error)
	Update(ctx context.Context, b *domain.GitBranch) error
	Delete(ctx context.Context, id string) error
}

// TaskRepository persists tasks and their dependency edges.
type TaskRepository interface {
	WithUser(userID string) TaskRepository
	Create(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)
	Search(ctx context.Context, query string, limit int) ([]*domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	Delete(ctx context.Context, id string) error

	AddDependency(ctx context.Context, fromTaskID, toTaskID string) error
	RemoveDependency(ctx context.Context, fromTaskID, toTaskID string) error
	Dependencies(ctx context.Context) ([]domain.Dependency, error)
}

// SubtaskRepository persists subtasks under their parent tasks.
type SubtaskRepository interface {
	WithUser(userID string) SubtaskRepository
	Create(ctx context.Context, s *domain.Subtask) error
	Get(ctx context.Context, id string) (*domain.Subtask, error)
	ListByTask(ctx context.Context, taskID string) ([]*domain.Subtask, error)
	Update(ctx context.Context, s *domain.Subtask) error
	Delete(ctx context.Context, id string) error
	DeleteByTask(ctx context.Context, taskID string) error
}

// ContextRepository persists context rows for all four levels. Callers
// outside internal/contexts must go through the unified context service,
// which owns auto-creation and invalidation.
type ContextRepository interface {
	WithUser(userID string) ContextRepository
	Create(ctx context.Context, c *domain.Context) error
	// EnsureChain creates every missing row of an ancestor chain, root
	// first, atomically. Existing rows are left untouched; when any
	// insert fails, none of the chain is created.
	EnsureChain(ctx context.Context, chain []*domain.Context) error
	Get(ctx context.Context, level domain.ContextLevel, id string) (*domain.Context, error)
	List(ctx context.Context, level domain.ContextLevel) ([]*domain.Context, error)
	Update(ctx context.Context, c *domain.Context) error
	Delete(ctx context.Context, level domain.ContextLevel, id string) error
}

// TokenRepository persists API tokens. FindByHash is deliberately
// unscoped: it is how a bearer token resolves to its owning user.
type TokenRepository interface {
	WithUser(userID string) TokenRepository
	Create(ctx context.Context, t *domain.ApiToken) error
	FindByHash(ctx context.Context, hash string) (*domain.ApiToken, error)
	TouchUsage(ctx context.Context, id string, usedAt time.Time) error
	List(ctx context.Context) ([]*domain.ApiToken, error)
	Deactivate(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Repositories bundles every repository bound to the same user scope.
type Repositories struct {
	Projects ProjectRepository
	Branches BranchRepository
	Tasks    TaskRepository
	Subtasks SubtaskRepository
	Contexts ContextRepository
	Tokens   TokenRepository
}

// WithUser rebinds the whole bundle to a user scope. Cheap: each
// repository returns a lightweight wrapper over shared state.
func (r *Repositories) WithUser(userID string) *Repositories {
	return &Repositories{
		Projects: r.Projects.WithUser(userID),
		Branches: r.Branches.WithUser(userID),
		Tasks:    r.Tasks.WithUser(userID),
		Subtasks: r.Subtasks.WithUser(userID),
		Contexts: r.Contexts.WithUser(userID),
		Tokens:   r.Tokens.WithUser(userID),
	}
}
