package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"not found", ErrNotFound, CodeNotFound},
		{"wrapped not found", fmt.Errorf("task x: %w", ErrNotFound), CodeNotFound},
		{"conflict", ErrConflict, CodeConflict},
		{"cycle", ErrDependencyCycle, CodeDependencyCycle},
		{"queue full", ErrQueueFull, CodeQueueFull},
		{"validation", ErrValidation, CodeValidationError},
		{"transition", ErrInvalidTransition, CodeValidationError},
		{"tool error keeps its code", &ToolError{Code: CodeMissingField, Message: "m"}, CodeMissingField},
		{"unknown", fmt.Errorf("boom"), CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeForError(tt.err))
		})
	}
}

func TestToolErrorMessage(t *testing.T) {
	e := &ToolError{Code: CodeMissingField, Message: "title is required", Field: "title"}
	assert.Contains(t, e.Error(), "MISSING_FIELD")
	assert.Contains(t, e.Error(), `"title"`)
}

func TestTaskValidate(t *testing.T) {
	valid := &Task{Title: "t", GitBranchID: "b", Status: StatusTodo, Priority: PriorityMedium}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		task Task
	}{
		{"missing title", Task{GitBranchID: "b", Status: StatusTodo, Priority: PriorityLow}},
		{"missing branch", Task{Title: "t", Status: StatusTodo, Priority: PriorityLow}},
		{"bad status", Task{Title: "t", GitBranchID: "b", Status: "paused", Priority: PriorityLow}},
		{"bad priority", Task{Title: "t", GitBranchID: "b", Status: StatusTodo, Priority: "asap"}},
		{"progress out of range", Task{Title: "t", GitBranchID: "b", Status: StatusTodo, Priority: PriorityLow, ProgressPercentage: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.task.Validate(), ErrValidation)
		})
	}
}

func TestTokenHashing(t *testing.T) {
	plain := NewPlaintextToken()
	assert.Contains(t, plain, "tmk_")
	assert.Equal(t, HashToken(plain), HashToken(plain))
	assert.NotEqual(t, HashToken(plain), HashToken(NewPlaintextToken()))
}
