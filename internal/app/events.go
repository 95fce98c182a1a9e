// Package app holds the application facades: the orchestration layer
// between the MCP controllers and the repositories. Facades own the
// business rules (status transitions, completion gates, dependency
// cycles, agent inheritance) and emit domain events after each mutation.
package app

import (
	"errors"
	"time"

	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/events"
)

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

// Domain event types emitted by the facades.
const (
	EventTaskCreated      = "task.created"
	EventTaskUpdated      = "task.updated"
	EventTaskBlocked      = "task.blocked"
	EventTaskCompleted    = "task.completed"
	EventTaskDeleted      = "task.deleted"
	EventSubtaskCreated   = "subtask.created"
	EventSubtaskUpdated   = "subtask.updated"
	EventSubtaskCompleted = "subtask.completed"
	EventSubtaskDeleted   = "subtask.deleted"
	EventProjectCreated   = "project.created"
	EventProjectUpdated   = "project.updated"
	EventProjectDeleted   = "project.deleted"
	EventBranchCreated    = "branch.created"
	EventBranchUpdated    = "branch.updated"
	EventBranchDeleted    = "branch.deleted"
)

// emit publishes a domain event, swallowing queue-full: the mutation
// already committed and must not be failed retroactively.
func emit(bus *events.Bus, userID, eventType string, payload map[string]any) {
	if bus == nil {
		return
	}
	_ = bus.Publish(&events.Event{
		Type:      eventType,
		Payload:   payload,
		UserID:    userID,
		Priority:  5,
		Timestamp: time.Now(),
	})
}
