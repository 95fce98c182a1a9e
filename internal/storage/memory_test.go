package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// seedBranch creates a project and branch for userID and returns the
// branch id.
func seedBranch(t *testing.T, repos *Repositories, name string) string {
	t.Helper()
	ctx := context.Background()
	p := &domain.Project{Name: name}
	require.NoError(t, repos.Projects.Create(ctx, p))
	b := &domain.GitBranch{ProjectID: p.ID, Name: "main"}
	require.NoError(t, repos.Branches.Create(ctx, b))
	return b.ID
}

func TestUnscopedRepositoriesReject(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories()
	ctx := context.Background()

	err := repos.Projects.Create(ctx, &domain.Project{Name: "p"})
	assert.ErrorIs(t, err, domain.ErrMissingUserScope)

	_, err = repos.Tasks.List(ctx, domain.TaskFilter{})
	assert.ErrorIs(t, err, domain.ErrMissingUserScope)
}

func TestUserIsolation(t *testing.T) {
	base := NewMemoryStore(nil).Repositories()
	alice := base.WithUser("alice")
	bob := base.WithUser("bob")
	ctx := context.Background()

	branchID := seedBranch(t, alice, "alpha")
	task := &domain.Task{GitBranchID: branchID, Title: "secret", Status: domain.StatusTodo, Priority: domain.PriorityHigh}
	require.NoError(t, alice.Tasks.Create(ctx, task))

	// A foreign id reads as missing, never as forbidden.
	_, err := bob.Tasks.Get(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = bob.Tasks.Update(ctx, &domain.Task{ID: task.ID, GitBranchID: branchID, Title: "stolen", Status: domain.StatusTodo, Priority: domain.PriorityLow})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = bob.Tasks.Delete(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Listings never leak across users.
	tasks, err := bob.Tasks.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	got, err := alice.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Title)
}

func TestProjectNameUniquePerUser(t *testing.T) {
	base := NewMemoryStore(nil).Repositories()
	alice := base.WithUser("alice")
	bob := base.WithUser("bob")
	ctx := context.Background()

	require.NoError(t, alice.Projects.Create(ctx, &domain.Project{Name: "shared-name"}))
	err := alice.Projects.Create(ctx, &domain.Project{Name: "shared-name"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// A different user may reuse the name.
	assert.NoError(t, bob.Projects.Create(ctx, &domain.Project{Name: "shared-name"}))
}

func TestBranchNameUniquePerProject(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	p1 := &domain.Project{Name: "one"}
	p2 := &domain.Project{Name: "two"}
	require.NoError(t, repos.Projects.Create(ctx, p1))
	require.NoError(t, repos.Projects.Create(ctx, p2))

	require.NoError(t, repos.Branches.Create(ctx, &domain.GitBranch{ProjectID: p1.ID, Name: "main"}))
	err := repos.Branches.Create(ctx, &domain.GitBranch{ProjectID: p1.ID, Name: "main"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Same name under another project is fine.
	assert.NoError(t, repos.Branches.Create(ctx, &domain.GitBranch{ProjectID: p2.ID, Name: "main"}))
}

func TestTaskRequiresExistingBranch(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	err := repos.Tasks.Create(ctx, &domain.Task{GitBranchID: "ghost", Title: "t", Status: domain.StatusTodo, Priority: domain.PriorityLow})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskListFilters(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()
	b1 := seedBranch(t, repos, "one")

	p2 := &domain.Project{Name: "two"}
	require.NoError(t, repos.Projects.Create(ctx, p2))
	b2 := &domain.GitBranch{ProjectID: p2.ID, Name: "main"}
	require.NoError(t, repos.Branches.Create(ctx, b2))

	mk := func(branch, title string, status domain.Status, assignees, labels []string) {
		require.NoError(t, repos.Tasks.Create(ctx, &domain.Task{
			GitBranchID: branch, Title: title, Status: status,
			Priority: domain.PriorityMedium, Assignees: assignees, Labels: labels,
		}))
	}
	mk(b1, "a", domain.StatusTodo, []string{"@coding-agent"}, []string{"backend"})
	mk(b1, "b", domain.StatusDone, nil, nil)
	mk(b2.ID, "c", domain.StatusTodo, nil, []string{"backend"})

	byBranch, err := repos.Tasks.List(ctx, domain.TaskFilter{GitBranchID: b1})
	require.NoError(t, err)
	assert.Len(t, byBranch, 2, "branch filter must not leak other branches' tasks")

	byStatus, err := repos.Tasks.List(ctx, domain.TaskFilter{Status: domain.StatusTodo})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byAssignee, err := repos.Tasks.List(ctx, domain.TaskFilter{Assignee: "coding_agent"})
	require.NoError(t, err)
	require.Len(t, byAssignee, 1)
	assert.Equal(t, "a", byAssignee[0].Title)

	byLabel, err := repos.Tasks.List(ctx, domain.TaskFilter{Label: "backend"})
	require.NoError(t, err)
	assert.Len(t, byLabel, 2)

	limited, err := repos.Tasks.List(ctx, domain.TaskFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTaskSearch(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()
	b := seedBranch(t, repos, "alpha")

	require.NoError(t, repos.Tasks.Create(ctx, &domain.Task{GitBranchID: b, Title: "Fix login flow", Status: domain.StatusTodo, Priority: domain.PriorityLow}))
	require.NoError(t, repos.Tasks.Create(ctx, &domain.Task{GitBranchID: b, Title: "Other", Description: "touches the LOGIN page", Status: domain.StatusTodo, Priority: domain.PriorityLow}))
	require.NoError(t, repos.Tasks.Create(ctx, &domain.Task{GitBranchID: b, Title: "Unrelated", Status: domain.StatusTodo, Priority: domain.PriorityLow}))

	got, err := repos.Tasks.Search(ctx, "login", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2, "search is case-insensitive over title and description")
}

func TestTaskDeleteCascadesDependencyEdges(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()
	b := seedBranch(t, repos, "alpha")

	t1 := &domain.Task{GitBranchID: b, Title: "one", Status: domain.StatusTodo, Priority: domain.PriorityLow}
	t2 := &domain.Task{GitBranchID: b, Title: "two", Status: domain.StatusTodo, Priority: domain.PriorityLow}
	require.NoError(t, repos.Tasks.Create(ctx, t1))
	require.NoError(t, repos.Tasks.Create(ctx, t2))
	require.NoError(t, repos.Tasks.AddDependency(ctx, t1.ID, t2.ID))

	require.NoError(t, repos.Tasks.Delete(ctx, t2.ID))
	deps, err := repos.Tasks.Dependencies(ctx)
	require.NoError(t, err)
	assert.Empty(t, deps, "deleting a task removes edges in both directions")
}

func TestContextVersionBumpsOnUpdate(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	c := &domain.Context{ID: "ctx-1", Level: domain.LevelProject, Settings: map[string]any{"a": 1}}
	require.NoError(t, repos.Contexts.Create(ctx, c))
	assert.Equal(t, 1, c.Version)

	c.Settings = map[string]any{"a": 2}
	require.NoError(t, repos.Contexts.Update(ctx, c))

	got, err := repos.Contexts.Get(ctx, domain.LevelProject, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestContextDuplicateCreateConflicts(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	require.NoError(t, repos.Contexts.Create(ctx, &domain.Context{ID: "x", Level: domain.LevelBranch}))
	err := repos.Contexts.Create(ctx, &domain.Context{ID: "x", Level: domain.LevelBranch})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Same id at another level is a distinct row.
	assert.NoError(t, repos.Contexts.Create(ctx, &domain.Context{ID: "x", Level: domain.LevelTask}))
}

func TestContextEnsureChain(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	auto := func(id string, level domain.ContextLevel, parent string) *domain.Context {
		return &domain.Context{
			ID: id, Level: level, ParentID: parent,
			Settings: map[string]any{},
			Metadata: map[string]any{"auto_created": true},
		}
	}

	chain := []*domain.Context{
		auto("g", domain.LevelGlobal, ""),
		auto("p", domain.LevelProject, "g"),
		auto("b", domain.LevelBranch, "p"),
	}
	require.NoError(t, repos.Contexts.EnsureChain(ctx, chain))

	for _, c := range chain {
		got, err := repos.Contexts.Get(ctx, c.Level, c.ID)
		require.NoError(t, err, "%s %s", c.Level, c.ID)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, true, got.Metadata["auto_created"])
	}
}

func TestContextEnsureChainSkipsExisting(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	existing := &domain.Context{
		ID: "p", Level: domain.LevelProject,
		Settings: map[string]any{"project_settings": map[string]any{"ci": true}},
	}
	require.NoError(t, repos.Contexts.Create(ctx, existing))

	chain := []*domain.Context{
		{ID: "g", Level: domain.LevelGlobal, Settings: map[string]any{}, Metadata: map[string]any{"auto_created": true}},
		{ID: "p", Level: domain.LevelProject, ParentID: "g", Settings: map[string]any{}, Metadata: map[string]any{"auto_created": true}},
	}
	require.NoError(t, repos.Contexts.EnsureChain(ctx, chain))

	// Existing rows keep their payload and version.
	got, err := repos.Contexts.Get(ctx, domain.LevelProject, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	settings := got.Settings["project_settings"].(map[string]any)
	assert.Equal(t, true, settings["ci"])

	// Missing rows were still created.
	_, err = repos.Contexts.Get(ctx, domain.LevelGlobal, "g")
	assert.NoError(t, err)
}

func TestContextEnsureChainAllOrNothing(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()

	err := repos.Contexts.EnsureChain(ctx, []*domain.Context{
		{ID: "g", Level: domain.LevelGlobal, Settings: map[string]any{}},
		{ID: "p", Level: "galaxy", Settings: map[string]any{}},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = repos.Contexts.Get(ctx, domain.LevelGlobal, "g")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a failed chain leaves nothing behind")
}

func TestTokenFindByHashIsUnscoped(t *testing.T) {
	base := NewMemoryStore(nil).Repositories()
	alice := base.WithUser("alice")
	ctx := context.Background()

	plain := domain.NewPlaintextToken()
	tok := &domain.ApiToken{
		Name:      "ci",
		TokenHash: domain.HashToken(plain),
		ExpiresAt: time.Now().Add(time.Hour),
		IsActive:  true,
	}
	require.NoError(t, alice.Tokens.Create(ctx, tok))

	// Bootstrap path: no user bound yet.
	found, err := base.Tokens.FindByHash(ctx, domain.HashToken(plain))
	require.NoError(t, err)
	assert.Equal(t, "alice", found.UserID)

	_, err = base.Tokens.FindByHash(ctx, domain.HashToken("tmk_wrong"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenDeleteExpired(t *testing.T) {
	base := NewMemoryStore(nil).Repositories()
	alice := base.WithUser("alice")
	ctx := context.Background()
	now := time.Now()

	expired := &domain.ApiToken{Name: "old", TokenHash: "h1", ExpiresAt: now.Add(-time.Hour), IsActive: true}
	live := &domain.ApiToken{Name: "new", TokenHash: "h2", ExpiresAt: now.Add(time.Hour), IsActive: true}
	require.NoError(t, alice.Tokens.Create(ctx, expired))
	require.NoError(t, alice.Tokens.Create(ctx, live))

	removed, err := base.Tokens.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = base.Tokens.FindByHash(ctx, "h1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = base.Tokens.FindByHash(ctx, "h2")
	assert.NoError(t, err)
}

func TestTokenTouchUsage(t *testing.T) {
	base := NewMemoryStore(nil).Repositories()
	alice := base.WithUser("alice")
	ctx := context.Background()

	tok := &domain.ApiToken{Name: "ci", TokenHash: "h", ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	require.NoError(t, alice.Tokens.Create(ctx, tok))

	used := time.Now()
	require.NoError(t, base.Tokens.TouchUsage(ctx, tok.ID, used))
	require.NoError(t, base.Tokens.TouchUsage(ctx, tok.ID, used))

	found, err := base.Tokens.FindByHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, 2, found.UsageCount)
	require.NotNil(t, found.LastUsedAt)
}

func TestUpdatePreservesImmutableFields(t *testing.T) {
	repos := NewMemoryStore(nil).Repositories().WithUser("alice")
	ctx := context.Background()
	b := seedBranch(t, repos, "alpha")

	task := &domain.Task{GitBranchID: b, Title: "t", Status: domain.StatusTodo, Priority: domain.PriorityLow}
	require.NoError(t, repos.Tasks.Create(ctx, task))

	// An update cannot move the task to another branch.
	task.GitBranchID = "elsewhere"
	task.Title = "renamed"
	require.NoError(t, repos.Tasks.Update(ctx, task))

	got, err := repos.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got.GitBranchID)
	assert.Equal(t, "renamed", got.Title)
}
