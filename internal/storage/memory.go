package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// MemoryStore is the deterministic in-memory backend used when
// ENVIRONMENT=test. All repositories returned by it share one store;
// WithUser returns cheap wrappers over it.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*domain.Project
	branches map[string]*domain.GitBranch
	tasks    map[string]*domain.Task
	subtasks map[string]*domain.Subtask
	contexts map[string]*domain.Context // key: level|user|id
	deps     map[string]map[string]bool // from task id -> to task ids
	tokens   map[string]*domain.ApiToken
	byHash   map[string]string // token hash -> id

	hooks *mutationHooks
}

// NewMemoryStore creates an empty in-memory store. hooks may be nil.
func NewMemoryStore(hooks *mutationHooks) *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*domain.Project),
		branches: make(map[string]*domain.GitBranch),
		tasks:    make(map[string]*domain.Task),
		subtasks: make(map[string]*domain.Subtask),
		contexts: make(map[string]*domain.Context),
		deps:     make(map[string]map[string]bool),
		tokens:   make(map[string]*domain.ApiToken),
		byHash:   make(map[string]string),
		hooks:    hooks,
	}
}

// Repositories returns the unscoped repository bundle over this store.
func (m *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Projects: &memProjects{store: m},
		Branches: &memBranches{store: m},
		Tasks:    &memTasks{store: m},
		Subtasks: &memSubtasks{store: m},
		Contexts: &memContexts{store: m},
		Tokens:   &memTokens{store: m},
	}
}

func contextRowKey(level domain.ContextLevel, userID, id string) string {
	return string(level) + "|" + userID + "|" + id
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func touchTimes(created *time.Time, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

// --- projects ---

type memProjects struct {
	userScope
	store *MemoryStore
}

func (r *memProjects) WithUser(userID string) ProjectRepository {
	return &memProjects{userScope: userScope{userID: userID}, store: r.store}
}

func (r *memProjects) Create(_ context.Context, p *domain.Project) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.projects {
		if existing.UserID == r.userID && existing.Name == p.Name {
			return wrapConflict(fmt.Sprintf("project %q already exists", p.Name))
		}
	}
	ensureID(&p.ID)
	p.UserID = r.userID
	touchTimes(&p.CreatedAt, &p.UpdatedAt)
	cp := *p
	r.store.projects[p.ID] = &cp
	r.store.hooks.afterMutation("project", p.ID, "create", r.userID, "", false)
	return nil
}

func (r *memProjects) Get(_ context.Context, id string) (*domain.Project, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.projects[id]
	if !ok || p.UserID != r.userID {
		return nil, domain.ErrNotFound
	}
	cp := *p
	r.store.hooks.afterRead("project", id, "read", r.userID)
	return &cp, nil
}

func (r *memProjects) GetByName(_ context.Context, name string) (*domain.Project, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, p := range r.store.projects {
		if p.UserID == r.userID && p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memProjects) List(_ context.Context) ([]*domain.Project, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Project
	for _, p := range r.store.projects {
		if p.UserID == r.userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	r.store.hooks.afterRead("project", "", "list", r.userID)
	return out, nil
}

func (r *memProjects) Update(_ context.Context, p *domain.Project) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.projects[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	p.UserID = r.userID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	cp := *p
	r.store.projects[p.ID] = &cp
	r.store.hooks.afterMutation("project", p.ID, "update", r.userID, "", false)
	return nil
}

func (r *memProjects) Delete(_ context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	delete(r.store.projects, id)
	r.store.hooks.afterMutation("project", id, "delete", r.userID, "", false)
	return nil
}

// --- branches ---

type memBranches struct {
	userScope
	store *MemoryStore
}

func (r *memBranches) WithUser(userID string) BranchRepository {
	return &memBranches{userScope: userScope{userID: userID}, store: r.store}
}

func (r *memBranches) Create(_ context.Context, b *domain.GitBranch) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	parent, ok := r.store.projects[b.ProjectID]
	if !ok || parent.UserID != r.userID {
		return fmt.Errorf("project %s: %w", b.ProjectID, domain.ErrNotFound)
	}
	for _, existing := range r.store.branches {
		if existing.UserID == r.userID && existing.ProjectID == b.ProjectID && existing.Name == b.Name {
			return wrapConflict(fmt.Sprintf("branch %q already exists in project", b.Name))
		}
	}
	ensureID(&b.ID)
	b.UserID = r.userID
	touchTimes(&b.CreatedAt, &b.UpdatedAt)
	cp := *b
	r.store.branches[b.ID] = &cp
	r.store.hooks.afterMutation("branch", b.ID, "create", r.userID, "", false)
	return nil
}

func (r *memBranches) Get(_ context.Context, id string) (*domain.GitBranch, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.branches[id]
	if !ok || b.UserID != r.userID {
		return nil, domain.ErrNotFound
	}
	cp := *b
	r.store.hooks.afterRead("branch", id, "read", r.userID)
	return &cp, nil
}

func (r *memBranches) List(_ context.Context, projectID string) ([]*domain.GitBranch, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.GitBranch
	for _, b := range r.store.branches {
		if b.UserID != r.userID {
			continue
		}
		if projectID != "" && b.ProjectID != projectID {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	r.store.hooks.afterRead("branch", "", "list", r.userID)
	return out, nil
}

func (r *memBranches) Update(_ context.Context, b *domain.GitBranch) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.branches[b.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	b.UserID = r.userID
	b.ProjectID = existing.ProjectID
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now()
	cp := *b
	r.store.branches[b.ID] = &cp
	r.store.hooks.afterMutation("branch", b.ID, "update", r.userID, "", false)
	return nil
}

func (r *memBranches) Delete(_ context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.branches[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	delete(r.store.branches, id)
	r.store.hooks.afterMutation("branch", id, "delete", r.userID, "", false)
	return nil
}

// --- tasks ---

type memTasks struct {
	userScope
	store *MemoryStore
}

func (r *memTasks) WithUser(userID string) TaskRepository {
	return &memTasks{userScope: userScope{userID: userID}, store: r.store}
}

func (r *memTasks) Create(_ context.Context, t *domain.Task) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	branch, ok := r.store.branches[t.GitBranchID]
	if !ok || branch.UserID != r.userID {
		return fmt.Errorf("branch %s: %w", t.GitBranchID, domain.ErrNotFound)
	}
	ensureID(&t.ID)
	t.UserID = r.userID
	touchTimes(&t.CreatedAt, &t.UpdatedAt)
	cp := *t
	r.store.tasks[t.ID] = &cp
	r.store.hooks.afterMutation("task", t.ID, "create", r.userID, "", false)
	return nil
}

func (r *memTasks) Get(_ context.Context, id string) (*domain.Task, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.tasks[id]
	if !ok || t.UserID != r.userID {
		return nil, domain.ErrNotFound
	}
	cp := *t
	r.store.hooks.afterRead("task", id, "read", r.userID)
	return &cp, nil
}

func matchesFilter(t *domain.Task, f domain.TaskFilter) bool {
	if f.GitBranchID != "" && t.GitBranchID != f.GitBranchID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Assignee != "" {
		found := false
		for _, a := range t.Assignees {
			if a == domain.NormalizeAgentName(f.Assignee) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Label != "" {
		found := false
		for _, l := range t.Labels {
			if l == f.Label {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *memTasks) List(_ context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Task
	for _, t := range r.store.tasks {
		if t.UserID != r.userID || !matchesFilter(t, filter) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	r.store.hooks.afterRead("task", "", "list", r.userID)
	return out, nil
}

func (r *memTasks) Search(_ context.Context, query string, limit int) ([]*domain.Task, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Task
	for _, t := range r.store.tasks {
		if t.UserID != r.userID {
			continue
		}
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.Description), q) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	r.store.hooks.afterRead("task", "", "list", r.userID)
	return out, nil
}

func (r *memTasks) Update(_ context.Context, t *domain.Task) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	t.UserID = r.userID
	t.GitBranchID = existing.GitBranchID
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()
	if err := t.Validate(); err != nil {
		return err
	}
	cp := *t
	r.store.tasks[t.ID] = &cp
	r.store.hooks.afterMutation("task", t.ID, "update", r.userID, "", false)
	return nil
}

func (r *memTasks) Delete(_ context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	delete(r.store.tasks, id)
	delete(r.store.deps, id)
	for _, tos := range r.store.deps {
		delete(tos, id)
	}
	r.store.hooks.afterMutation("task", id, "delete", r.userID, "", false)
	return nil
}

func (r *memTasks) AddDependency(_ context.Context, fromTaskID, toTaskID string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, id := range []string{fromTaskID, toTaskID} {
		t, ok := r.store.tasks[id]
		if !ok || t.UserID != r.userID {
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
	}
	if r.store.deps[fromTaskID] == nil {
		r.store.deps[fromTaskID] = make(map[string]bool)
	}
	r.store.deps[fromTaskID][toTaskID] = true
	r.store.hooks.afterMutation("task", fromTaskID, "update", r.userID, "", false)
	return nil
}

func (r *memTasks) RemoveDependency(_ context.Context, fromTaskID, toTaskID string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[fromTaskID]
	if !ok || t.UserID != r.userID {
		return fmt.Errorf("task %s: %w", fromTaskID, domain.ErrNotFound)
	}
	if tos, ok := r.store.deps[fromTaskID]; ok {
		delete(tos, toTaskID)
	}
	r.store.hooks.afterMutation("task", fromTaskID, "update", r.userID, "", false)
	return nil
}

func (r *memTasks) Dependencies(_ context.Context) ([]domain.Dependency, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.Dependency
	for from, tos := range r.store.deps {
		t, ok := r.store.tasks[from]
		if !ok || t.UserID != r.userID {
			continue
		}
		for to := range tos {
			out = append(out, domain.Dependency{FromTaskID: from, ToTaskID: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromTaskID != out[j].FromTaskID {
			return out[i].FromTaskID < out[j].FromTaskID
		}
		return out[i].ToTaskID < out[j].ToTaskID
	})
	return out, nil
}

// --- subtasks ---

type memSubtasks struct {
	userScope
	store *MemoryStore
}

func (r *memSubtasks) WithUser(userID string) SubtaskRepository {
	return &memSubtasks{userScope: userScope{userID: userID}, store: r.store}
}

func (r *memSubtasks) Create(_ context.Context, s *domain.Subtask) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	parent, ok := r.store.tasks[s.TaskID]
	if !ok || parent.UserID != r.userID {
		return fmt.Errorf("parent task %s: %w", s.TaskID, domain.ErrNotFound)
	}
	ensureID(&s.ID)
	s.UserID = r.userID
	touchTimes(&s.CreatedAt, &s.UpdatedAt)
	cp := *s
	r.store.subtasks[s.ID] = &cp
	r.store.hooks.afterMutation("subtask", s.ID, "create", r.userID, "", false)
	return nil
}

func (r *memSubtasks) Get(_ context.Context, id string) (*domain.Subtask, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.subtasks[id]
	if !ok || s.UserID != r.userID {
		return nil, domain.ErrNotFound
	}
	cp := *s
	r.store.hooks.afterRead("subtask", id, "read", r.userID)
	return &cp, nil
}

func (r *memSubtasks) ListByTask(_ context.Context, taskID string) ([]*domain.Subtask, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Subtask
	for _, s := range r.store.subtasks {
		if s.UserID == r.userID && s.TaskID == taskID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	r.store.hooks.afterRead("subtask", "", "list", r.userID)
	return out, nil
}

func (r *memSubtasks) Update(_ context.Context, s *domain.Subtask) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.subtasks[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	s.UserID = r.userID
	s.TaskID = existing.TaskID
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = time.Now()
	if err := s.Validate(); err != nil {
		return err
	}
	cp := *s
	r.store.subtasks[s.ID] = &cp
	r.store.hooks.afterMutation("subtask", s.ID, "update", r.userID, "", false)
	return nil
}

func (r *memSubtasks) Delete(_ context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.subtasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	delete(r.store.subtasks, id)
	r.store.hooks.afterMutation("subtask", id, "delete", r.userID, "", false)
	return nil
}

func (r *memSubtasks) DeleteByTask(_ context.Context, taskID string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for id, s := range r.store.subtasks {
		if s.UserID == r.userID && s.TaskID == taskID {
			delete(r.store.subtasks, id)
		}
	}
	r.store.hooks.afterMutation("subtask", "", "delete", r.userID, "", false)
	return nil
}

// --- contexts ---

type memContexts struct {
	userScope
	store *MemoryStore
}

func (r *memContexts) WithUser(userID string) ContextRepository {
	return &memContexts{userScope: userScope{userID: userID}, store: r.store}
}

func (r *memContexts) Create(_ context.Context, c *domain.Context) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if !domain.ValidContextLevel(c.Level) {
		return fmt.Errorf("%w: unknown context level %q", domain.ErrValidation, c.Level)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := contextRowKey(c.Level, r.userID, c.ID)
	if _, exists := r.store.contexts[key]; exists {
		return wrapConflict(fmt.Sprintf("%s context %s already exists", c.Level, c.ID))
	}
	c.UserID = r.userID
	c.Version = 1
	touchTimes(&c.CreatedAt, &c.UpdatedAt)
	cp := *c
	r.store.contexts[key] = &cp
	r.store.hooks.afterMutation("context", c.ID, "create", r.userID, string(c.Level), false)
	return nil
}

// EnsureChain inserts the missing rows of an ancestor chain under one
// lock, so concurrent readers observe the whole chain or none of it.
func (r *memContexts) EnsureChain(_ context.Context, chain []*domain.Context) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	for _, c := range chain {
		if !domain.ValidContextLevel(c.Level) {
			return fmt.Errorf("%w: unknown context level %q", domain.ErrValidation, c.Level)
		}
	}
	r.store.mu.Lock()
	var created []*domain.Context
	for _, c := range chain {
		key := contextRowKey(c.Level, r.userID, c.ID)
		if _, exists := r.store.contexts[key]; exists {
			continue
		}
		c.UserID = r.userID
		c.Version = 1
		touchTimes(&c.CreatedAt, &c.UpdatedAt)
		cp := *c
		r.store.contexts[key] = &cp
		created = append(created, c)
	}
	r.store.mu.Unlock()
	for _, c := range created {
		r.store.hooks.afterMutation("context", c.ID, "create", r.userID, string(c.Level), false)
	}
	return nil
}

func (r *memContexts) Get(_ context.Context, level domain.ContextLevel, id string) (*domain.Context, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.contexts[contextRowKey(level, r.userID, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	r.store.hooks.afterRead("context", id, "read", r.userID)
	return &cp, nil
}

func (r *memContexts) List(_ context.Context, level domain.ContextLevel) ([]*domain.Context, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Context
	for _, c := range r.store.contexts {
		if c.UserID == r.userID && (level == "" || c.Level == level) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	r.store.hooks.afterRead("context", "", "list", r.userID)
	return out, nil
}

func (r *memContexts) Update(_ context.Context, c *domain.Context) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := contextRowKey(c.Level, r.userID, c.ID)
	existing, ok := r.store.contexts[key]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(existing.UserID); err != nil {
		return err
	}
	c.UserID = r.userID
	c.CreatedAt = existing.CreatedAt
	c.Version = existing.Version + 1
	c.UpdatedAt = time.Now()
	cp := *c
	r.store.contexts[key] = &cp
	r.store.hooks.afterMutation("context", c.ID, "update", r.userID, string(c.Level), false)
	return nil
}

func (r *memContexts) Delete(_ context.Context, level domain.ContextLevel, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := contextRowKey(level, r.userID, id)
	if _, ok := r.store.contexts[key]; !ok {
		return domain.ErrNotFound
	}
	delete(r.store.contexts, key)
	r.store.hooks.afterMutation("context", id, "delete", r.userID, string(level), false)
	return nil
}

// --- tokens ---

type memTokens struct {
	userScope
	store *MemoryStore
}

func (r *memTokens) WithUser(userID string) TokenRepository {
	return &memTokens{userScope: userScope{userID: userID}, store: r.store}
}

func (r *memTokens) Create(_ context.Context, t *domain.ApiToken) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, exists := r.store.byHash[t.TokenHash]; exists {
		return wrapConflict("token hash already exists")
	}
	ensureID(&t.ID)
	t.UserID = r.userID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	r.store.tokens[t.ID] = &cp
	r.store.byHash[t.TokenHash] = t.ID
	r.store.hooks.afterMutation("api_token", t.ID, "create", r.userID, "", false)
	return nil
}

func (r *memTokens) FindByHash(_ context.Context, hash string) (*domain.ApiToken, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.byHash[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r.store.tokens[id]
	return &cp, nil
}

func (r *memTokens) TouchUsage(_ context.Context, id string, usedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.LastUsedAt = &usedAt
	t.UsageCount++
	return nil
}

func (r *memTokens) List(_ context.Context) ([]*domain.ApiToken, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.ApiToken
	for _, t := range r.store.tokens {
		if t.UserID == r.userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	r.store.hooks.afterRead("api_token", "", "list", r.userID)
	return out, nil
}

func (r *memTokens) Deactivate(_ context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := r.owns(t.UserID); err != nil {
		return err
	}
	t.IsActive = false
	r.store.hooks.afterMutation("api_token", id, "update", r.userID, "", false)
	return nil
}

func (r *memTokens) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	removed := 0
	for id, t := range r.store.tokens {
		if t.Expired(before) {
			delete(r.store.byHash, t.TokenHash)
			delete(r.store.tokens, id)
			removed++
		}
	}
	return removed, nil
}
