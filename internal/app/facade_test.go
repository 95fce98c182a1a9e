package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFactory(t *testing.T, bus *events.Bus) *FacadeFactory {
	t.Helper()
	store, err := storage.NewFactory(storage.FactoryConfig{Environment: "test"}, bus, nil, nil, testLogger())
	require.NoError(t, err)
	return NewFacadeFactory(store, bus, nil, testLogger())
}

func newTestFacades(t *testing.T, userID string) *Facades {
	t.Helper()
	f, err := newTestFactory(t, nil).For(userID)
	require.NoError(t, err)
	return f
}

// seedBranch creates a project and branch, returning the branch id.
func seedBranch(t *testing.T, f *Facades) string {
	t.Helper()
	ctx := context.Background()
	p, err := f.Projects.Create(ctx, "proj", "")
	require.NoError(t, err)
	b, err := f.Branches.Create(ctx, p.ID, "feature/alpha", "")
	require.NoError(t, err)
	return b.ID
}

func TestFacadeFactoryCachesBundles(t *testing.T) {
	ff := newTestFactory(t, nil)

	alice1, err := ff.For("alice")
	require.NoError(t, err)
	alice2, err := ff.For("alice")
	require.NoError(t, err)
	assert.Same(t, alice1, alice2, "same user reuses the bundle")

	bob, err := ff.For("bob")
	require.NoError(t, err)
	assert.NotSame(t, alice1, bob)
	assert.Equal(t, 2, ff.Size())

	_, err = ff.For("")
	assert.Error(t, err)

	ff.Evict("alice")
	alice3, err := ff.For("alice")
	require.NoError(t, err)
	assert.NotSame(t, alice1, alice3, "eviction forces a rebuild")
}

func TestTaskCreateDefaults(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{
		GitBranchID: branchID,
		Title:       "implement transport",
		Assignees:   []string{"coding_agent", "@coding-agent", "devops-agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, task.Status)
	assert.Equal(t, domain.PriorityMedium, task.Priority, "priority defaults to medium")
	assert.Equal(t, []string{"@coding-agent", "@devops-agent"}, task.Assignees, "assignees normalized, deduped, sorted")
	assert.Equal(t, task.ID, task.ContextID, "task context created alongside")

	c, err := f.Contexts.Get(ctx, domain.LevelTask, task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelTask, c.Level)
}

func TestTaskCreateRejectsUnknownAssignee(t *testing.T) {
	f := newTestFacades(t, "alice")
	branchID := seedBranch(t, f)

	_, err := f.Tasks.Create(context.Background(), CreateTaskInput{
		GitBranchID: branchID,
		Title:       "t",
		Assignees:   []string{"@nonexistent-agent"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTaskUpdatePartial(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "orig", Description: "keep me"})
	require.NoError(t, err)

	title := "renamed"
	got, err := f.Tasks.Update(ctx, task.ID, UpdateTaskInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "keep me", got.Description, "unset fields stay untouched")

	progress := 30
	got, err = f.Tasks.Update(ctx, task.ID, UpdateTaskInput{ProgressPercentage: &progress})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status, "progress moves todo to in_progress")
}

func TestTaskUpdateRejectsReopeningExceptToTodo(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "t"})
	require.NoError(t, err)
	_, err = f.Tasks.Complete(ctx, task.ID, "done", "", false)
	require.NoError(t, err)

	inProgress := domain.StatusInProgress
	_, err = f.Tasks.Update(ctx, task.ID, UpdateTaskInput{Status: &inProgress})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	todo := domain.StatusTodo
	got, err := f.Tasks.Update(ctx, task.ID, UpdateTaskInput{Status: &todo})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, got.Status, "terminal states reopen to todo only")
}

func TestTaskUpdateRecordsWorkNotes(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "t", Assignees: []string{"@coding-agent"}})
	require.NoError(t, err)

	_, err = f.Tasks.Update(ctx, task.ID, UpdateTaskInput{
		ProgressMade: "wired the handler",
		WorkNotes:    "needs a retry path",
	})
	require.NoError(t, err)

	c, err := f.Contexts.Get(ctx, domain.LevelTask, task.ID, false)
	require.NoError(t, err)
	progress, _ := c.Settings["progress"].([]any)
	require.Len(t, progress, 1)
	entry := progress[0].(map[string]any)
	assert.Equal(t, "wired the handler needs a retry path", entry["content"])
	assert.Equal(t, "@coding-agent", entry["agent"])
}

func TestTaskCompleteRequiresSummary(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "t"})
	require.NoError(t, err)

	_, err = f.Tasks.Complete(ctx, task.ID, "", "", false)
	var toolErr *domain.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, domain.CodeMissingField, toolErr.Code)
	assert.Equal(t, "completion_summary", toolErr.Field)
}

func TestTaskCompleteBlockedByOpenSubtasks(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "parent"})
	require.NoError(t, err)
	sub, err := f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "open child"})
	require.NoError(t, err)

	_, err = f.Tasks.Complete(ctx, task.ID, "all wired", "", false)
	var incomplete *IncompleteSubtasksError
	require.ErrorAs(t, err, &incomplete)
	require.Len(t, incomplete.Subtasks, 1)
	assert.Equal(t, "open child", incomplete.Subtasks[0].Title)
	assert.Contains(t, incomplete.Error(), "open child")

	got, err := f.Tasks.Complete(ctx, task.ID, "all wired", "", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)

	sub, err = f.Subtasks.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, sub.Status)
	assert.Equal(t, "auto-completed with parent task", sub.CompletionSummary)
}

func TestTaskNext(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	next, err := f.Tasks.Next(ctx, branchID)
	require.NoError(t, err)
	assert.Nil(t, next, "empty branch has no actionable work")

	low, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "low", Priority: domain.PriorityLow})
	require.NoError(t, err)
	urgent, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "urgent", Priority: domain.PriorityUrgent})
	require.NoError(t, err)
	done, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "done", Priority: domain.PriorityCritical})
	require.NoError(t, err)
	_, err = f.Tasks.Complete(ctx, done.ID, "shipped", "", false)
	require.NoError(t, err)

	next, err = f.Tasks.Next(ctx, branchID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, urgent.ID, next.ID, "highest priority actionable task wins")

	_, err = f.Tasks.Complete(ctx, urgent.ID, "shipped", "", false)
	require.NoError(t, err)
	next, err = f.Tasks.Next(ctx, branchID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, low.ID, next.ID)
}

func TestTaskDependencyCycleRejected(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	mk := func(title string) string {
		task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: title})
		require.NoError(t, err)
		return task.ID
	}
	a, b, c := mk("a"), mk("b"), mk("c")

	assert.ErrorIs(t, f.Tasks.AddDependency(ctx, a, a), domain.ErrDependencyCycle)

	require.NoError(t, f.Tasks.AddDependency(ctx, a, b))
	require.NoError(t, f.Tasks.AddDependency(ctx, b, c))
	assert.ErrorIs(t, f.Tasks.AddDependency(ctx, c, a), domain.ErrDependencyCycle)

	// The forward edge is still fine.
	require.NoError(t, f.Tasks.AddDependency(ctx, a, c))
	require.NoError(t, f.Tasks.RemoveDependency(ctx, a, c))
}

func TestTaskDeleteCascades(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "t"})
	require.NoError(t, err)
	_, err = f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "child"})
	require.NoError(t, err)

	require.NoError(t, f.Tasks.Delete(ctx, task.ID))

	_, _, err = f.Tasks.Get(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	subs, err := f.Repos.Subtasks.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
	_, err = f.Repos.Contexts.Get(ctx, domain.LevelTask, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubtaskInheritsParentAssignees(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{
		GitBranchID: branchID,
		Title:       "parent",
		Assignees:   []string{"@coding-agent", "@debugger-agent"},
	})
	require.NoError(t, err)

	inherited, err := f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "inherits"})
	require.NoError(t, err)
	assert.Equal(t, task.Assignees, inherited.Assignees)

	explicit, err := f.Subtasks.Create(ctx, CreateSubtaskInput{
		TaskID:    task.ID,
		Title:     "own crew",
		Assignees: []string{"documentation_agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"@documentation-agent"}, explicit.Assignees)

	_, err = f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: "missing", Title: "orphan"})
	assert.ErrorIs(t, err, domain.ErrNotFound, "subtasks require an existing parent")
}

func TestSubtaskFullProgressCompletes(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "parent"})
	require.NoError(t, err)
	sub, err := f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "child"})
	require.NoError(t, err)

	hundred := 100
	got, err := f.Subtasks.Update(ctx, sub.ID, UpdateSubtaskInput{
		ProgressPercentage: &hundred,
		CompletionSummary:  "finished inline",
		InsightsFound:      []string{"the parser chokes on empty payloads"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "finished inline", got.CompletionSummary)

	// Insights fold into the parent task context.
	c, err := f.Contexts.Get(ctx, domain.LevelTask, task.ID, false)
	require.NoError(t, err)
	patterns, _ := c.Settings["discovered_patterns"].([]any)
	require.Len(t, patterns, 1)
	assert.Equal(t, "the parser chokes on empty payloads", patterns[0].(map[string]any)["content"])
}

func TestSubtaskCompleteRequiresSummary(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "parent"})
	require.NoError(t, err)
	sub, err := f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "child"})
	require.NoError(t, err)

	_, err = f.Subtasks.Complete(ctx, sub.ID, "", nil)
	var toolErr *domain.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, domain.CodeMissingField, toolErr.Code)

	got, err := f.Subtasks.Complete(ctx, sub.ID, "verified by hand", []string{"flag parsing is case sensitive"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Contains(t, got.InsightsFound, "flag parsing is case sensitive")
}

func TestSubtaskProgressNotesLandOnParentContext(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "parent"})
	require.NoError(t, err)
	sub, err := f.Subtasks.Create(ctx, CreateSubtaskInput{TaskID: task.ID, Title: "child"})
	require.NoError(t, err)

	_, err = f.Subtasks.Update(ctx, sub.ID, UpdateSubtaskInput{
		ProgressNotes: "half done",
		Blockers:      "waiting on schema",
	})
	require.NoError(t, err)

	c, err := f.Contexts.Get(ctx, domain.LevelTask, task.ID, false)
	require.NoError(t, err)
	progress, _ := c.Settings["progress"].([]any)
	require.Len(t, progress, 1)
	content := progress[0].(map[string]any)["content"].(string)
	assert.Contains(t, content, "[child]")
	assert.Contains(t, content, "blockers: waiting on schema")
}

func TestProjectDeleteGuardedByBranches(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()

	p, err := f.Projects.Create(ctx, "guarded", "")
	require.NoError(t, err)
	b, err := f.Branches.Create(ctx, p.ID, "main", "")
	require.NoError(t, err)

	err = f.Projects.Delete(ctx, p.ID)
	var toolErr *domain.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, domain.CodeConflict, toolErr.Code)

	require.NoError(t, f.Branches.Delete(ctx, b.ID))
	require.NoError(t, f.Projects.Delete(ctx, p.ID))
	_, err = f.Projects.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBranchDeleteGuardedByTasks(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "t"})
	require.NoError(t, err)

	err = f.Branches.Delete(ctx, branchID)
	var toolErr *domain.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, domain.CodeConflict, toolErr.Code)

	require.NoError(t, f.Tasks.Delete(ctx, task.ID))
	require.NoError(t, f.Branches.Delete(ctx, branchID))
}

func TestBranchStatistics(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()
	branchID := seedBranch(t, f)

	_, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "a"})
	require.NoError(t, err)
	b, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "b"})
	require.NoError(t, err)
	_, err = f.Tasks.Complete(ctx, b.ID, "done", "", false)
	require.NoError(t, err)

	stats, err := f.Branches.Statistics(ctx, branchID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["task_count"])
	byStatus := stats["tasks_by_status"].(map[string]int)
	assert.Equal(t, 1, byStatus["todo"])
	assert.Equal(t, 1, byStatus["done"])
	assert.Equal(t, 50, stats["average_progress"])
}

func TestProjectHealthCheck(t *testing.T) {
	f := newTestFacades(t, "alice")
	ctx := context.Background()

	p, err := f.Projects.Create(ctx, "health", "")
	require.NoError(t, err)
	b, err := f.Branches.Create(ctx, p.ID, "main", "")
	require.NoError(t, err)
	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: b.ID, Title: "t"})
	require.NoError(t, err)
	_, err = f.Tasks.Complete(ctx, task.ID, "done", "", false)
	require.NoError(t, err)

	health, err := f.Projects.HealthCheck(ctx, p.ID, f.Repos.Tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, health["branch_count"])
	assert.Equal(t, 1, health["task_count"])
	assert.Equal(t, 1, health["done_count"])
}

func TestBlockedTransitionEmitsEvent(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 1}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus.Start(ctx)
	t.Cleanup(func() { bus.Stop(2 * time.Second) })

	var mu sync.Mutex
	blocked := 0
	bus.Subscribe(EventTaskBlocked, func(context.Context, *events.Event) error {
		mu.Lock()
		blocked++
		mu.Unlock()
		return nil
	}, 0, nil)

	f, err := newTestFactory(t, bus).For("alice")
	require.NoError(t, err)
	branchID := seedBranch(t, f)
	task, err := f.Tasks.Create(ctx, CreateTaskInput{GitBranchID: branchID, Title: "t"})
	require.NoError(t, err)

	st := domain.StatusBlocked
	_, err = f.Tasks.Update(ctx, task.ID, UpdateTaskInput{Status: &st})
	require.NoError(t, err)
	// Re-asserting blocked is not a transition and must not re-emit.
	_, err = f.Tasks.Update(ctx, task.ID, UpdateTaskInput{Status: &st})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := blocked
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, blocked)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.Status
		to      domain.Status
		wantErr bool
	}{
		{"same status", domain.StatusDone, domain.StatusDone, false},
		{"active to active", domain.StatusTodo, domain.StatusBlocked, false},
		{"active to terminal", domain.StatusInProgress, domain.StatusCancelled, false},
		{"done reopens to todo", domain.StatusDone, domain.StatusTodo, false},
		{"cancelled reopens to todo", domain.StatusCancelled, domain.StatusTodo, false},
		{"done to in_progress", domain.StatusDone, domain.StatusInProgress, true},
		{"cancelled to blocked", domain.StatusCancelled, domain.StatusBlocked, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkTransition(tc.from, tc.to)
			if tc.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
