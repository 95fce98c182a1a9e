package domain

import (
	"fmt"
	"time"
)

// Project owns git branches. Name is unique per user.
type Project struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the project's intrinsic invariants.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	return nil
}

// GitBranch owns tasks. Name is unique per (user, project).
type GitBranch struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the branch's intrinsic invariants.
func (b *GitBranch) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if b.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	return nil
}
