package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// SQLiteStore is the sqlite-backed persistence layer. One *sql.DB is
// shared by every scoped repository wrapper; WithUser never opens a new
// connection.
type SQLiteStore struct {
	db    *sql.DB
	hooks *mutationHooks
}

// OpenSQLite opens (creating if needed) the database at dsn and applies
// the schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(dsn string, hooks *mutationHooks) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// sqlite tolerates a single writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, hooks: hooks}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id);

	CREATE TABLE IF NOT EXISTS git_branches (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, project_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_branches_user ON git_branches(user_id);
	CREATE INDEX IF NOT EXISTS idx_branches_project ON git_branches(project_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		git_branch_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		assignees_json TEXT,
		labels_json TEXT,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		due_date TEXT,
		estimated_effort TEXT NOT NULL DEFAULT '',
		completion_summary TEXT NOT NULL DEFAULT '',
		context_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_branch ON tasks(git_branch_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		from_task_id TEXT NOT NULL,
		to_task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (from_task_id, to_task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_deps_user ON task_dependencies(user_id);

	CREATE TABLE IF NOT EXISTS subtasks (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		assignees_json TEXT,
		insights_json TEXT,
		completion_summary TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subtasks_user ON subtasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id);

	CREATE TABLE IF NOT EXISTS contexts (
		level TEXT NOT NULL,
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		settings_json TEXT,
		metadata_json TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (level, user_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_user ON contexts(user_id);

	CREATE TABLE IF NOT EXISTS api_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		scopes_json TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		last_used_at TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		rate_limit INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_user ON api_tokens(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Repositories returns the unscoped repository bundle over this store.
func (s *SQLiteStore) Repositories() *Repositories {
	return &Repositories{
		Projects: &sqlProjects{store: s},
		Branches: &sqlBranches{store: s},
		Tasks:    &sqlTasks{store: s},
		Subtasks: &sqlSubtasks{store: s},
		Contexts: &sqlContexts{store: s},
		Tokens:   &sqlTokens{store: s},
	}
}

// --- column helpers ---

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalList(v []string) any {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func marshalMap(v map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- projects ---

type sqlProjects struct {
	userScope
	store *SQLiteStore
}

func (r *sqlProjects) WithUser(userID string) ProjectRepository {
	return &sqlProjects{userScope: userScope{userID: userID}, store: r.store}
}

func (r *sqlProjects) Create(ctx context.Context, p *domain.Project) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	ensureID(&p.ID)
	p.UserID = r.userID
	touchTimes(&p.CreatedAt, &p.UpdatedAt)
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Description, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return wrapConflict(fmt.Sprintf("project %q already exists", p.Name))
	}
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	r.store.hooks.afterMutation("project", p.ID, "create", r.userID, "", false)
	return nil
}

func (r *sqlProjects) scan(row *sql.Row) (*domain.Project, error) {
	var p domain.Project
	var created, updated string
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return &p, nil
}

func (r *sqlProjects) Get(ctx context.Context, id string) (*domain.Project, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	p, err := r.scan(r.store.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, created_at, updated_at FROM projects WHERE id = ? AND user_id = ?`,
		id, r.userID))
	if err != nil {
		return nil, err
	}
	r.store.hooks.afterRead("project", id, "read", r.userID)
	return p, nil
}

func (r *sqlProjects) GetByName(ctx context.Context, name string) (*domain.Project, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	return r.scan(r.store.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, created_at, updated_at FROM projects WHERE name = ? AND user_id = ?`,
		name, r.userID))
}

func (r *sqlProjects) List(ctx context.Context) ([]*domain.Project, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, created_at, updated_at FROM projects WHERE user_id = ? ORDER BY created_at`,
		r.userID)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()
	var out []*domain.Project
	for rows.Next() {
		var p domain.Project
		var created, updated string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &created, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &p)
	}
	r.store.hooks.afterRead("project", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlProjects) Update(ctx context.Context, p *domain.Project) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	// Ownership check precedes the write so a foreign id reads as missing.
	if _, err := r.Get(ctx, p.ID); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		p.Name, p.Description, fmtTime(p.UpdatedAt), p.ID, r.userID)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	r.store.hooks.afterMutation("project", p.ID, "update", r.userID, "", false)
	return nil
}

func (r *sqlProjects) Delete(ctx context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM projects WHERE id = ? AND user_id = ?`, id, r.userID)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	r.store.hooks.afterMutation("project", id, "delete", r.userID, "", false)
	return nil
}

// --- branches ---

type sqlBranches struct {
	userScope
	store *SQLiteStore
}

func (r *sqlBranches) WithUser(userID string) BranchRepository {
	return &sqlBranches{userScope: userScope{userID: userID}, store: r.store}
}

func (r *sqlBranches) Create(ctx context.Context, b *domain.GitBranch) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	var exists int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM projects WHERE id = ? AND user_id = ?`, b.ProjectID, r.userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("project %s: %w", b.ProjectID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking project: %w", err)
	}
	ensureID(&b.ID)
	b.UserID = r.userID
	touchTimes(&b.CreatedAt, &b.UpdatedAt)
	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO git_branches (id, project_id, user_id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.UserID, b.Name, b.Description, fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt))
	if isUniqueViolation(err) {
		return wrapConflict(fmt.Sprintf("branch %q already exists in project", b.Name))
	}
	if err != nil {
		return fmt.Errorf("inserting branch: %w", err)
	}
	r.store.hooks.afterMutation("branch", b.ID, "create", r.userID, "", false)
	return nil
}

func (r *sqlBranches) Get(ctx context.Context, id string) (*domain.GitBranch, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	var b domain.GitBranch
	var created, updated string
	err := r.store.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, name, description, created_at, updated_at FROM git_branches WHERE id = ? AND user_id = ?`,
		id, r.userID).Scan(&b.ID, &b.ProjectID, &b.UserID, &b.Name, &b.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning branch: %w", err)
	}
	b.CreatedAt, b.UpdatedAt = parseTime(created), parseTime(updated)
	r.store.hooks.afterRead("branch", id, "read", r.userID)
	return &b, nil
}

func (r *sqlBranches) List(ctx context.Context, projectID string) ([]*domain.GitBranch, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	query := `SELECT id, project_id, user_id, name, description, created_at, updated_at FROM git_branches WHERE user_id = ?`
	args := []any{r.userID}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()
	var out []*domain.GitBranch
	for rows.Next() {
		var b domain.GitBranch
		var created, updated string
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.UserID, &b.Name, &b.Description, &created, &updated); err != nil {
			return nil, err
		}
		b.CreatedAt, b.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &b)
	}
	r.store.hooks.afterRead("branch", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlBranches) Update(ctx context.Context, b *domain.GitBranch) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if _, err := r.Get(ctx, b.ID); err != nil {
		return err
	}
	b.UpdatedAt = time.Now()
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE git_branches SET name = ?, description = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		b.Name, b.Description, fmtTime(b.UpdatedAt), b.ID, r.userID)
	if err != nil {
		return fmt.Errorf("updating branch: %w", err)
	}
	r.store.hooks.afterMutation("branch", b.ID, "update", r.userID, "", false)
	return nil
}

func (r *sqlBranches) Delete(ctx context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM git_branches WHERE id = ? AND user_id = ?`, id, r.userID)
	if err != nil {
		return fmt.Errorf("deleting branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	r.store.hooks.afterMutation("branch", id, "delete", r.userID, "", false)
	return nil
}

// --- tasks ---

type sqlTasks struct {
	userScope
	store *SQLiteStore
}

func (r *sqlTasks) WithUser(userID string) TaskRepository {
	return &sqlTasks{userScope: userScope{userID: userID}, store: r.store}
}

const taskColumns = `id, git_branch_id, user_id, title, description, status, priority,
	assignees_json, labels_json, progress_percentage, due_date, estimated_effort,
	completion_summary, context_id, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*domain.Task, error) {
	var t domain.Task
	var status, priority, created, updated string
	var assignees, labels, due sql.NullString
	err := scan(&t.ID, &t.GitBranchID, &t.UserID, &t.Title, &t.Description, &status, &priority,
		&assignees, &labels, &t.ProgressPercentage, &due, &t.EstimatedEffort,
		&t.CompletionSummary, &t.ContextID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Status, t.Priority = domain.Status(status), domain.Priority(priority)
	t.Assignees = unmarshalList(assignees)
	t.Labels = unmarshalList(labels)
	t.DueDate = parseTimePtr(due)
	t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
	return &t, nil
}

func (r *sqlTasks) Create(ctx context.Context, t *domain.Task) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	var exists int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM git_branches WHERE id = ? AND user_id = ?`, t.GitBranchID, r.userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("branch %s: %w", t.GitBranchID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking branch: %w", err)
	}
	ensureID(&t.ID)
	t.UserID = r.userID
	touchTimes(&t.CreatedAt, &t.UpdatedAt)
	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GitBranchID, t.UserID, t.Title, t.Description, string(t.Status), string(t.Priority),
		marshalList(t.Assignees), marshalList(t.Labels), t.ProgressPercentage, fmtTimePtr(t.DueDate),
		t.EstimatedEffort, t.CompletionSummary, t.ContextID, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	r.store.hooks.afterMutation("task", t.ID, "create", r.userID, "", false)
	return nil
}

func (r *sqlTasks) Get(ctx context.Context, id string) (*domain.Task, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, r.userID)
	t, err := scanTask(row.Scan)
	if err != nil {
		return nil, err
	}
	r.store.hooks.afterRead("task", id, "read", r.userID)
	return t, nil
}

func (r *sqlTasks) List(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`
	args := []any{r.userID}
	if filter.GitBranchID != "" {
		query += ` AND git_branch_id = ?`
		args = append(args, filter.GitBranchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}
	query += ` ORDER BY created_at`
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		// Assignee and label filters operate on the JSON columns; cheaper
		// in process than in sqlite.
		if matchesFilter(t, domain.TaskFilter{Assignee: filter.Assignee, Label: filter.Label}) {
			out = append(out, t)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	r.store.hooks.afterRead("task", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlTasks) Search(ctx context.Context, query string, limit int) ([]*domain.Task, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	like := "%" + strings.ToLower(query) + "%"
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE user_id = ? AND (LOWER(title) LIKE ? OR LOWER(description) LIKE ?) ORDER BY created_at`
	args := []any{r.userID, like, like}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching tasks: %w", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	r.store.hooks.afterRead("task", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlTasks) Update(ctx context.Context, t *domain.Task) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	existing, err := r.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	t.UserID = r.userID
	t.GitBranchID = existing.GitBranchID
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	_, err = r.store.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, assignees_json = ?,
			labels_json = ?, progress_percentage = ?, due_date = ?, estimated_effort = ?,
			completion_summary = ?, context_id = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), marshalList(t.Assignees),
		marshalList(t.Labels), t.ProgressPercentage, fmtTimePtr(t.DueDate), t.EstimatedEffort,
		t.CompletionSummary, t.ContextID, fmtTime(t.UpdatedAt), t.ID, r.userID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	r.store.hooks.afterMutation("task", t.ID, "update", r.userID, "", false)
	return nil
}

func (r *sqlTasks) Delete(ctx context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, r.userID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	_, _ = r.store.db.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE (from_task_id = ? OR to_task_id = ?) AND user_id = ?`,
		id, id, r.userID)
	r.store.hooks.afterMutation("task", id, "delete", r.userID, "", false)
	return nil
}

func (r *sqlTasks) AddDependency(ctx context.Context, fromTaskID, toTaskID string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	for _, id := range []string{fromTaskID, toTaskID} {
		if _, err := r.Get(ctx, id); err != nil {
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
	}
	_, err := r.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_dependencies (from_task_id, to_task_id, user_id) VALUES (?, ?, ?)`,
		fromTaskID, toTaskID, r.userID)
	if err != nil {
		return fmt.Errorf("inserting dependency: %w", err)
	}
	r.store.hooks.afterMutation("task", fromTaskID, "update", r.userID, "", false)
	return nil
}

func (r *sqlTasks) RemoveDependency(ctx context.Context, fromTaskID, toTaskID string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if _, err := r.Get(ctx, fromTaskID); err != nil {
		return err
	}
	_, err := r.store.db.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE from_task_id = ? AND to_task_id = ? AND user_id = ?`,
		fromTaskID, toTaskID, r.userID)
	if err != nil {
		return fmt.Errorf("deleting dependency: %w", err)
	}
	r.store.hooks.afterMutation("task", fromTaskID, "update", r.userID, "", false)
	return nil
}

func (r *sqlTasks) Dependencies(ctx context.Context) ([]domain.Dependency, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT from_task_id, to_task_id FROM task_dependencies WHERE user_id = ? ORDER BY from_task_id, to_task_id`,
		r.userID)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}
	defer rows.Close()
	var out []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.FromTaskID, &d.ToTaskID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- subtasks ---

type sqlSubtasks struct {
	userScope
	store *SQLiteStore
}

func (r *sqlSubtasks) WithUser(userID string) SubtaskRepository {
	return &sqlSubtasks{userScope: userScope{userID: userID}, store: r.store}
}

const subtaskColumns = `id, task_id, user_id, title, description, status, progress_percentage,
	assignees_json, insights_json, completion_summary, completed_at, created_at, updated_at`

func scanSubtask(scan func(dest ...any) error) (*domain.Subtask, error) {
	var s domain.Subtask
	var status, created, updated string
	var assignees, insights, completed sql.NullString
	err := scan(&s.ID, &s.TaskID, &s.UserID, &s.Title, &s.Description, &status, &s.ProgressPercentage,
		&assignees, &insights, &s.CompletionSummary, &completed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning subtask: %w", err)
	}
	s.Status = domain.Status(status)
	s.Assignees = unmarshalList(assignees)
	s.InsightsFound = unmarshalList(insights)
	s.CompletedAt = parseTimePtr(completed)
	s.CreatedAt, s.UpdatedAt = parseTime(created), parseTime(updated)
	return &s, nil
}

func (r *sqlSubtasks) Create(ctx context.Context, s *domain.Subtask) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	var exists int
	err := r.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM tasks WHERE id = ? AND user_id = ?`, s.TaskID, r.userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("parent task %s: %w", s.TaskID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking parent task: %w", err)
	}
	ensureID(&s.ID)
	s.UserID = r.userID
	touchTimes(&s.CreatedAt, &s.UpdatedAt)
	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO subtasks (`+subtaskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TaskID, s.UserID, s.Title, s.Description, string(s.Status), s.ProgressPercentage,
		marshalList(s.Assignees), marshalList(s.InsightsFound), s.CompletionSummary,
		fmtTimePtr(s.CompletedAt), fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting subtask: %w", err)
	}
	r.store.hooks.afterMutation("subtask", s.ID, "create", r.userID, "", false)
	return nil
}

func (r *sqlSubtasks) Get(ctx context.Context, id string) (*domain.Subtask, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = ? AND user_id = ?`, id, r.userID)
	s, err := scanSubtask(row.Scan)
	if err != nil {
		return nil, err
	}
	r.store.hooks.afterRead("subtask", id, "read", r.userID)
	return s, nil
}

func (r *sqlSubtasks) ListByTask(ctx context.Context, taskID string) ([]*domain.Subtask, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? AND user_id = ? ORDER BY created_at`,
		taskID, r.userID)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks: %w", err)
	}
	defer rows.Close()
	var out []*domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	r.store.hooks.afterRead("subtask", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlSubtasks) Update(ctx context.Context, s *domain.Subtask) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	existing, err := r.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	s.UserID = r.userID
	s.TaskID = existing.TaskID
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	_, err = r.store.db.ExecContext(ctx,
		`UPDATE subtasks SET title = ?, description = ?, status = ?, progress_percentage = ?,
			assignees_json = ?, insights_json = ?, completion_summary = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		s.Title, s.Description, string(s.Status), s.ProgressPercentage,
		marshalList(s.Assignees), marshalList(s.InsightsFound), s.CompletionSummary,
		fmtTimePtr(s.CompletedAt), fmtTime(s.UpdatedAt), s.ID, r.userID)
	if err != nil {
		return fmt.Errorf("updating subtask: %w", err)
	}
	r.store.hooks.afterMutation("subtask", s.ID, "update", r.userID, "", false)
	return nil
}

func (r *sqlSubtasks) Delete(ctx context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM subtasks WHERE id = ? AND user_id = ?`, id, r.userID)
	if err != nil {
		return fmt.Errorf("deleting subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	r.store.hooks.afterMutation("subtask", id, "delete", r.userID, "", false)
	return nil
}

func (r *sqlSubtasks) DeleteByTask(ctx context.Context, taskID string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	_, err := r.store.db.ExecContext(ctx,
		`DELETE FROM subtasks WHERE task_id = ? AND user_id = ?`, taskID, r.userID)
	if err != nil {
		return fmt.Errorf("deleting subtasks: %w", err)
	}
	r.store.hooks.afterMutation("subtask", "", "delete", r.userID, "", false)
	return nil
}

// --- contexts ---

type sqlContexts struct {
	userScope
	store *SQLiteStore
}

func (r *sqlContexts) WithUser(userID string) ContextRepository {
	return &sqlContexts{userScope: userScope{userID: userID}, store: r.store}
}

func (r *sqlContexts) Create(ctx context.Context, c *domain.Context) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	if !domain.ValidContextLevel(c.Level) {
		return fmt.Errorf("%w: unknown context level %q", domain.ErrValidation, c.Level)
	}
	c.UserID = r.userID
	c.Version = 1
	touchTimes(&c.CreatedAt, &c.UpdatedAt)
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO contexts (level, user_id, id, parent_id, settings_json, metadata_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.Level), c.UserID, c.ID, c.ParentID, marshalMap(c.Settings), marshalMap(c.Metadata),
		c.Version, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if isUniqueViolation(err) {
		return wrapConflict(fmt.Sprintf("%s context %s already exists", c.Level, c.ID))
	}
	if err != nil {
		return fmt.Errorf("inserting context: %w", err)
	}
	r.store.hooks.afterMutation("context", c.ID, "create", r.userID, string(c.Level), false)
	return nil
}

// EnsureChain inserts the missing rows of an ancestor chain in one
// transaction. Any failure rolls the whole chain back.
func (r *sqlContexts) EnsureChain(ctx context.Context, chain []*domain.Context) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning context chain transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created []*domain.Context
	for _, c := range chain {
		if !domain.ValidContextLevel(c.Level) {
			return fmt.Errorf("%w: unknown context level %q", domain.ErrValidation, c.Level)
		}
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM contexts WHERE level = ? AND user_id = ? AND id = ?`,
			string(c.Level), r.userID, c.ID).Scan(&one)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking context: %w", err)
		}
		c.UserID = r.userID
		c.Version = 1
		touchTimes(&c.CreatedAt, &c.UpdatedAt)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contexts (level, user_id, id, parent_id, settings_json, metadata_json, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(c.Level), c.UserID, c.ID, c.ParentID, marshalMap(c.Settings), marshalMap(c.Metadata),
			c.Version, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
		if isUniqueViolation(err) {
			return wrapConflict(fmt.Sprintf("%s context %s already exists", c.Level, c.ID))
		}
		if err != nil {
			return fmt.Errorf("inserting context: %w", err)
		}
		created = append(created, c)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing context chain: %w", err)
	}
	for _, c := range created {
		r.store.hooks.afterMutation("context", c.ID, "create", r.userID, string(c.Level), false)
	}
	return nil
}

func (r *sqlContexts) Get(ctx context.Context, level domain.ContextLevel, id string) (*domain.Context, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	var c domain.Context
	var lvl, created, updated string
	var settings, metadata sql.NullString
	err := r.store.db.QueryRowContext(ctx,
		`SELECT level, user_id, id, parent_id, settings_json, metadata_json, version, created_at, updated_at
		FROM contexts WHERE level = ? AND user_id = ? AND id = ?`,
		string(level), r.userID, id).
		Scan(&lvl, &c.UserID, &c.ID, &c.ParentID, &settings, &metadata, &c.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning context: %w", err)
	}
	c.Level = domain.ContextLevel(lvl)
	c.Settings = unmarshalMap(settings)
	c.Metadata = unmarshalMap(metadata)
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
	r.store.hooks.afterRead("context", id, "read", r.userID)
	return &c, nil
}

func (r *sqlContexts) List(ctx context.Context, level domain.ContextLevel) ([]*domain.Context, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	query := `SELECT level, user_id, id, parent_id, settings_json, metadata_json, version, created_at, updated_at
		FROM contexts WHERE user_id = ?`
	args := []any{r.userID}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, string(level))
	}
	query += ` ORDER BY created_at`
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	defer rows.Close()
	var out []*domain.Context
	for rows.Next() {
		var c domain.Context
		var lvl, created, updated string
		var settings, metadata sql.NullString
		if err := rows.Scan(&lvl, &c.UserID, &c.ID, &c.ParentID, &settings, &metadata, &c.Version, &created, &updated); err != nil {
			return nil, err
		}
		c.Level = domain.ContextLevel(lvl)
		c.Settings = unmarshalMap(settings)
		c.Metadata = unmarshalMap(metadata)
		c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &c)
	}
	r.store.hooks.afterRead("context", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlContexts) Update(ctx context.Context, c *domain.Context) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	existing, err := r.Get(ctx, c.Level, c.ID)
	if err != nil {
		return err
	}
	c.UserID = r.userID
	c.Version = existing.Version + 1
	c.UpdatedAt = time.Now()
	_, err = r.store.db.ExecContext(ctx,
		`UPDATE contexts SET parent_id = ?, settings_json = ?, metadata_json = ?, version = ?, updated_at = ?
		WHERE level = ? AND user_id = ? AND id = ?`,
		c.ParentID, marshalMap(c.Settings), marshalMap(c.Metadata), c.Version, fmtTime(c.UpdatedAt),
		string(c.Level), r.userID, c.ID)
	if err != nil {
		return fmt.Errorf("updating context: %w", err)
	}
	r.store.hooks.afterMutation("context", c.ID, "update", r.userID, string(c.Level), false)
	return nil
}

func (r *sqlContexts) Delete(ctx context.Context, level domain.ContextLevel, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM contexts WHERE level = ? AND user_id = ? AND id = ?`,
		string(level), r.userID, id)
	if err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	r.store.hooks.afterMutation("context", id, "delete", r.userID, string(level), false)
	return nil
}

// --- tokens ---

type sqlTokens struct {
	userScope
	store *SQLiteStore
}

func (r *sqlTokens) WithUser(userID string) TokenRepository {
	return &sqlTokens{userScope: userScope{userID: userID}, store: r.store}
}

const tokenColumns = `id, user_id, name, token_hash, scopes_json, created_at, expires_at,
	last_used_at, usage_count, rate_limit, is_active`

func scanToken(scan func(dest ...any) error) (*domain.ApiToken, error) {
	var t domain.ApiToken
	var created string
	var scopes, expires, lastUsed sql.NullString
	var active int
	err := scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &scopes, &created, &expires,
		&lastUsed, &t.UsageCount, &t.RateLimit, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	t.Scopes = unmarshalList(scopes)
	t.CreatedAt = parseTime(created)
	if expires.Valid && expires.String != "" {
		t.ExpiresAt = parseTime(expires.String)
	}
	t.LastUsedAt = parseTimePtr(lastUsed)
	t.IsActive = active != 0
	return &t, nil
}

func (r *sqlTokens) Create(ctx context.Context, t *domain.ApiToken) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	ensureID(&t.ID)
	t.UserID = r.userID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	var expires any
	if !t.ExpiresAt.IsZero() {
		expires = fmtTime(t.ExpiresAt)
	}
	active := 0
	if t.IsActive {
		active = 1
	}
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO api_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.TokenHash, marshalList(t.Scopes), fmtTime(t.CreatedAt),
		expires, fmtTimePtr(t.LastUsedAt), t.UsageCount, t.RateLimit, active)
	if isUniqueViolation(err) {
		return wrapConflict("token hash already exists")
	}
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	r.store.hooks.afterMutation("api_token", t.ID, "create", r.userID, "", false)
	return nil
}

func (r *sqlTokens) FindByHash(ctx context.Context, hash string) (*domain.ApiToken, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = ?`, hash)
	return scanToken(row.Scan)
}

func (r *sqlTokens) TouchUsage(ctx context.Context, id string, usedAt time.Time) error {
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ?, usage_count = usage_count + 1 WHERE id = ?`,
		fmtTime(usedAt), id)
	if err != nil {
		return fmt.Errorf("touching token usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqlTokens) List(ctx context.Context) ([]*domain.ApiToken, error) {
	if err := r.requireUser(); err != nil {
		return nil, err
	}
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE user_id = ? ORDER BY created_at`, r.userID)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()
	var out []*domain.ApiToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	r.store.hooks.afterRead("api_token", "", "list", r.userID)
	return out, rows.Err()
}

func (r *sqlTokens) Deactivate(ctx context.Context, id string) error {
	if err := r.requireUser(); err != nil {
		return err
	}
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE api_tokens SET is_active = 0 WHERE id = ? AND user_id = ?`, id, r.userID)
	if err != nil {
		return fmt.Errorf("deactivating token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	r.store.hooks.afterMutation("api_token", id, "update", r.userID, "", false)
	return nil
}

func (r *sqlTokens) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at != '' AND expires_at < ?`,
		fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
