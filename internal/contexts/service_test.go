package contexts

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/storage"
)

func newTestService(t *testing.T, userID string) (*Service, *storage.Repositories) {
	t.Helper()
	repos := storage.NewMemoryStore(nil).Repositories().WithUser(userID)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(userID, repos, nil, nil, logger), repos
}

// seedTask builds project -> branch -> task and returns their ids.
func seedTask(t *testing.T, repos *storage.Repositories) (projectID, branchID, taskID string) {
	t.Helper()
	ctx := context.Background()
	p := &domain.Project{Name: "proj"}
	require.NoError(t, repos.Projects.Create(ctx, p))
	b := &domain.GitBranch{ProjectID: p.ID, Name: "main"}
	require.NoError(t, repos.Branches.Create(ctx, b))
	task := &domain.Task{GitBranchID: b.ID, Title: "t", Status: domain.StatusTodo, Priority: domain.PriorityMedium}
	require.NoError(t, repos.Tasks.Create(ctx, task))
	return p.ID, b.ID, task.ID
}

func TestGlobalAliasResolution(t *testing.T) {
	svc, _ := newTestService(t, "alice")
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.LevelGlobal, "global_singleton", map[string]any{
		"organization_name": "acme",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.GlobalContextID("alice"), created.ID)

	// Any alias reads the same row.
	for _, alias := range []string{"", "global", "global_singleton", "whatever"} {
		got, err := svc.Get(ctx, domain.LevelGlobal, alias, false)
		require.NoError(t, err, "alias %q", alias)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "acme", got.Settings["organization_name"])
	}
}

func TestTaskContextAutoCreatesAncestors(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, branchID, taskID := seedTask(t, repos)

	created, err := svc.Create(ctx, domain.LevelTask, taskID, map[string]any{
		"task_data": map[string]any{"title": "t"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, branchID, created.ParentID)

	// The whole chain exists now, each ancestor marked auto-created.
	global, err := repos.Contexts.Get(ctx, domain.LevelGlobal, domain.GlobalContextID("alice"))
	require.NoError(t, err)
	assert.Equal(t, true, global.Metadata["auto_created"])

	project, err := repos.Contexts.Get(ctx, domain.LevelProject, projectID)
	require.NoError(t, err)
	assert.Equal(t, true, project.Metadata["auto_created"])
	assert.Equal(t, domain.GlobalContextID("alice"), project.ParentID)

	branch, err := repos.Contexts.Get(ctx, domain.LevelBranch, branchID)
	require.NoError(t, err)
	assert.Equal(t, true, branch.Metadata["auto_created"])
	assert.Equal(t, projectID, branch.ParentID)

	// The explicitly created row is not marked auto-created.
	assert.NotEqual(t, true, created.Metadata["auto_created"])
}

func TestCreateExistingAncestorsUntouched(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, branchID, _ := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelProject, projectID, map[string]any{
		"project_settings": map[string]any{"ci": true},
	}, "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, domain.LevelBranch, branchID, nil, "")
	require.NoError(t, err)

	// The explicit project settings survived the branch creation.
	p, err := svc.Get(ctx, domain.LevelProject, projectID, false)
	require.NoError(t, err)
	settings := p.Settings["project_settings"].(map[string]any)
	assert.Equal(t, true, settings["ci"])
}

func TestCreateUnresolvableProjectFails(t *testing.T) {
	svc, _ := newTestService(t, "alice")
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.LevelBranch, "no-such-branch", nil, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInheritanceMergesRootFirst(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, branchID, taskID := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelGlobal, "", map[string]any{
		"coding_standards": map[string]any{"linter": "on", "line_length": 80},
	}, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.LevelProject, projectID, map[string]any{
		"coding_standards": map[string]any{"line_length": 120},
	}, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.LevelBranch, branchID, nil, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.LevelTask, taskID, map[string]any{
		"task_data": map[string]any{"title": "t"},
	}, "")
	require.NoError(t, err)

	got, err := svc.Get(ctx, domain.LevelTask, taskID, true)
	require.NoError(t, err)

	standards := got.Settings["coding_standards"].(map[string]any)
	assert.Equal(t, "on", standards["linter"], "global value inherited")
	assert.Equal(t, 120, standards["line_length"], "closer level wins")
	assert.Equal(t, true, got.Metadata["inheritance_resolved"])
	assert.Equal(t, 4, got.Metadata["inheritance_depth"])
}

func TestGetWithoutInheritStaysLocal(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, _, _ := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelGlobal, "", map[string]any{
		"organization_name": "acme",
	}, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.LevelProject, projectID, nil, "")
	require.NoError(t, err)

	got, err := svc.Get(ctx, domain.LevelProject, projectID, false)
	require.NoError(t, err)
	assert.NotContains(t, got.Settings, "organization_name")
	assert.NotContains(t, got.Metadata, "inheritance_resolved")
}

func TestCustomKeysRoundTrip(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, _, _ := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelProject, projectID, map[string]any{
		"free_form_key": "survives",
	}, "")
	require.NoError(t, err)

	// Stored under the custom slot.
	raw, err := repos.Contexts.Get(ctx, domain.LevelProject, projectID)
	require.NoError(t, err)
	custom := raw.Settings[domain.CustomKey].(map[string]any)
	assert.Equal(t, "survives", custom["free_form_key"])

	// Lifted back in the caller-facing view.
	got, err := svc.Get(ctx, domain.LevelProject, projectID, false)
	require.NoError(t, err)
	assert.Equal(t, "survives", got.Settings["free_form_key"])
}

func TestUpdateMergeAndReplace(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, _, _ := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelProject, projectID, map[string]any{
		"project_settings": map[string]any{"a": 1, "b": 2},
	}, "")
	require.NoError(t, err)

	merged, err := svc.Update(ctx, domain.LevelProject, projectID, map[string]any{
		"project_settings": map[string]any{"b": 3},
	}, false, false)
	require.NoError(t, err)
	settings := merged.Settings["project_settings"].(map[string]any)
	assert.Equal(t, 1, settings["a"])
	assert.Equal(t, 3, settings["b"])

	replaced, err := svc.Update(ctx, domain.LevelProject, projectID, map[string]any{
		"project_settings": map[string]any{"c": 4},
	}, true, false)
	require.NoError(t, err)
	settings = replaced.Settings["project_settings"].(map[string]any)
	assert.NotContains(t, settings, "a")
	assert.Equal(t, 4, settings["c"])
}

func TestUpdateMissingContext(t *testing.T) {
	svc, _ := newTestService(t, "alice")
	_, err := svc.Update(context.Background(), domain.LevelTask, "ghost", map[string]any{"x": 1}, false, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelegateUpward(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, _, taskID := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelTask, taskID, nil, "")
	require.NoError(t, err)

	src, tgt, err := svc.Delegate(ctx, domain.LevelTask, taskID, domain.LevelProject, map[string]any{
		"shared_pattern": "use worker pools",
	})
	require.NoError(t, err)
	assert.Equal(t, projectID, tgt.ID)
	assert.Equal(t, "use worker pools", tgt.Settings["shared_pattern"])

	// The source records the delegation in its metadata.
	require.Equal(t, taskID, src.ID)
	delegations, ok := src.Metadata["delegations"].([]any)
	require.True(t, ok)
	require.Len(t, delegations, 1)
	record := delegations[0].(map[string]any)
	assert.Equal(t, "project", record["delegated_to"])
	assert.Equal(t, projectID, record["target_id"])
	assert.Equal(t, []string{"shared_pattern"}, record["fields"])
	assert.NotEmpty(t, record["timestamp"])

	// The record is persisted, not just reflected in the return value.
	stored, err := svc.Get(ctx, domain.LevelTask, taskID, false)
	require.NoError(t, err)
	assert.Len(t, stored.Metadata["delegations"].([]any), 1)
}

func TestDelegateToGlobal(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	_, _, taskID := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelTask, taskID, nil, "")
	require.NoError(t, err)

	_, tgt, err := svc.Delegate(ctx, domain.LevelTask, taskID, domain.LevelGlobal, map[string]any{
		"org_wide": true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GlobalContextID("alice"), tgt.ID)
	assert.Equal(t, true, tgt.Settings["org_wide"])
}

func TestDelegateRejectsNonAncestors(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	projectID, _, taskID := seedTask(t, repos)

	_, err := svc.Create(ctx, domain.LevelProject, projectID, nil, "")
	require.NoError(t, err)

	// Downward.
	_, _, err = svc.Delegate(ctx, domain.LevelProject, projectID, domain.LevelTask, map[string]any{"x": 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Same level.
	_, _, err = svc.Delegate(ctx, domain.LevelTask, taskID, domain.LevelTask, map[string]any{"x": 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAddProgressAutoCreates(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	_, _, taskID := seedTask(t, repos)

	got, err := svc.AddProgress(ctx, taskID, "implemented the parser", "@coding-agent")
	require.NoError(t, err)

	progress, ok := got.Settings["progress"].([]any)
	require.True(t, ok)
	require.Len(t, progress, 1)
	entry := progress[0].(map[string]any)
	assert.Equal(t, "implemented the parser", entry["content"])
	assert.Equal(t, "@coding-agent", entry["agent"])
	assert.NotEmpty(t, entry["timestamp"])

	// Appending keeps earlier entries.
	got, err = svc.AddProgress(ctx, taskID, "wrote tests", "@test-orchestrator-agent")
	require.NoError(t, err)
	assert.Len(t, got.Settings["progress"].([]any), 2)
}

func TestAddInsight(t *testing.T) {
	svc, repos := newTestService(t, "alice")
	ctx := context.Background()
	_, _, taskID := seedTask(t, repos)

	got, err := svc.AddInsight(ctx, taskID, "connection pool exhaustion under load", "performance", "high", "@debugger-agent")
	require.NoError(t, err)

	patterns, ok := got.Settings["discovered_patterns"].([]any)
	require.True(t, ok)
	require.Len(t, patterns, 1)
	entry := patterns[0].(map[string]any)
	assert.Equal(t, "performance", entry["category"])
	assert.Equal(t, "high", entry["importance"])
}

func TestUsersGetDistinctGlobalContexts(t *testing.T) {
	base := storage.NewMemoryStore(nil).Repositories()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alice := NewService("alice", base.WithUser("alice"), nil, nil, logger)
	bob := NewService("bob", base.WithUser("bob"), nil, nil, logger)
	ctx := context.Background()

	a, err := alice.Create(ctx, domain.LevelGlobal, "", map[string]any{"organization_name": "a-corp"}, "")
	require.NoError(t, err)
	b, err := bob.Create(ctx, domain.LevelGlobal, "", map[string]any{"organization_name": "b-corp"}, "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)

	got, err := alice.Get(ctx, domain.LevelGlobal, "", false)
	require.NoError(t, err)
	assert.Equal(t, "a-corp", got.Settings["organization_name"])
}
