// Package domain defines the entities and invariants of the task
// orchestration control plane: projects, branches, tasks, subtasks, the
// four-level context hierarchy, and the agent catalog.
package domain

import (
	"fmt"
	"time"
)

// Status is a task or subtask lifecycle state.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// ValidStatus reports whether s is a recognized status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusBlocked, StatusReview, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Priority orders tasks for scheduling decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a recognized priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// priorityRank orders priorities for "next task" selection. Higher wins.
var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityUrgent:   4,
	PriorityCritical: 5,
}

// PriorityRank returns a sortable rank for p (unknown priorities rank lowest).
func PriorityRank(p Priority) int {
	return priorityRank[p]
}

// Task is the central aggregate. It always belongs to a git branch and a user.
type Task struct {
	ID                 string     `json:"id"`
	GitBranchID        string     `json:"git_branch_id"`
	UserID             string     `json:"user_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Status             Status     `json:"status"`
	Priority           Priority   `json:"priority"`
	Assignees          []string   `json:"assignees,omitempty"`
	Labels             []string   `json:"labels,omitempty"`
	ProgressPercentage int        `json:"progress_percentage"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	EstimatedEffort    string     `json:"estimated_effort,omitempty"`
	CompletionSummary  string     `json:"completion_summary,omitempty"`
	ContextID          string     `json:"context_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Validate checks the task's intrinsic invariants.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if t.GitBranchID == "" {
		return fmt.Errorf("%w: git_branch_id is required", ErrValidation)
	}
	if !ValidStatus(t.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, t.Status)
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, t.Priority)
	}
	if t.ProgressPercentage < 0 || t.ProgressPercentage > 100 {
		return fmt.Errorf("%w: progress_percentage must be within [0,100]", ErrValidation)
	}
	return nil
}

// Dependency is a directed edge between two tasks of the same user.
// The task identified by FromTaskID depends on ToTaskID.
type Dependency struct {
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
}

// Subtask belongs to a parent task, never directly to a branch.
type Subtask struct {
	ID                 string     `json:"id"`
	TaskID             string     `json:"task_id"`
	UserID             string     `json:"user_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Status             Status     `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	Assignees          []string   `json:"assignees,omitempty"`
	InsightsFound      []string   `json:"insights_found,omitempty"`
	CompletionSummary  string     `json:"completion_summary,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Validate checks the subtask's intrinsic invariants.
func (s *Subtask) Validate() error {
	if s.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if s.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrValidation)
	}
	if !ValidStatus(s.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, s.Status)
	}
	if s.ProgressPercentage < 0 || s.ProgressPercentage > 100 {
		return fmt.Errorf("%w: progress_percentage must be within [0,100]", ErrValidation)
	}
	return nil
}

// TaskFilter narrows task list queries. Zero values mean "no filter".
type TaskFilter struct {
	GitBranchID string
	Status      Status
	Priority    Priority
	Assignee    string
	Label       string
	Limit       int
}
