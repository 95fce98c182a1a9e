package enforce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"disabled", Disabled},
		{"off", Disabled},
		{"soft", Soft},
		{"warning", Warning},
		{"STRICT", Strict},
		{"", Warning},
		{"nonsense", Warning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestCheckDisabledSkipsEverything(t *testing.T) {
	e := New(Disabled)
	out := e.Check("manage_task", "complete", "@coding-agent", map[string]any{})
	assert.False(t, out.Blocked)
	assert.Empty(t, out.MissingRequired)
	assert.Nil(t, e.Compliance("@coding-agent"), "disabled level must not record compliance")
}

func TestCheckUnguardedAction(t *testing.T) {
	e := New(Strict)
	out := e.Check("manage_task", "list", "@coding-agent", map[string]any{})
	assert.False(t, out.Blocked)
	assert.Empty(t, out.MissingRequired)
}

func TestCheckStrictBlocks(t *testing.T) {
	e := New(Strict)
	out := e.Check("manage_task", "update", "@coding-agent", map[string]any{
		"task_id": "t1",
	})
	assert.True(t, out.Blocked)
	assert.Equal(t, []string{"progress_made", "work_notes"}, out.MissingRequired)
	assert.Contains(t, out.ExampleCommand, `manage_task(action="update"`)
	assert.Contains(t, out.ExampleCommand, "work_notes")
}

func TestCheckWarningNeverBlocks(t *testing.T) {
	e := New(Warning)
	out := e.Check("manage_task", "complete", "@coding-agent", map[string]any{})
	assert.False(t, out.Blocked)
	assert.Equal(t, []string{"completion_summary"}, out.MissingRequired)
	require.NotEmpty(t, out.Hints)
	assert.Contains(t, out.Hints[0], "missing required parameters")
}

func TestCheckSoftHintsOnly(t *testing.T) {
	e := New(Soft)
	out := e.Check("manage_subtask", "update", "@coding-agent", map[string]any{})
	assert.False(t, out.Blocked)
	assert.Equal(t, []string{"progress_notes"}, out.MissingRequired)
	// Soft never prepends the prominent warning; only recommended hints.
	for _, h := range out.Hints {
		assert.NotContains(t, h, "missing required parameters")
	}
}

func TestCheckWhitespaceCountsAsMissing(t *testing.T) {
	e := New(Strict)
	out := e.Check("manage_task", "complete", "@coding-agent", map[string]any{
		"completion_summary": "   ",
	})
	assert.True(t, out.Blocked)
}

func TestCheckCompliantPass(t *testing.T) {
	e := New(Strict)
	out := e.Check("manage_task", "update", "@coding-agent", map[string]any{
		"work_notes":    "refactored parser",
		"progress_made": "half done",
	})
	assert.False(t, out.Blocked)
	assert.Empty(t, out.MissingRequired)
	// Recommended hints still surface.
	assert.Contains(t, out.Hints[0], "details")
}

func TestComplianceTracking(t *testing.T) {
	e := New(Strict)
	ok := map[string]any{"work_notes": "n", "progress_made": "p"}

	e.Check("manage_task", "update", "@coding-agent", map[string]any{})
	e.Check("manage_task", "update", "@coding-agent", map[string]any{})
	e.Check("manage_task", "update", "@coding-agent", ok)

	c := e.Compliance("@coding-agent")
	require.NotNil(t, c)
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, 1, c.Compliant)
	assert.Equal(t, 2, c.Blocked)
	assert.Equal(t, 0, c.ConsecutiveFailures, "compliant call resets the streak")
	assert.InDelta(t, 1.0/3.0, c.ComplianceRate, 1e-9)
}

func TestLowCompliance(t *testing.T) {
	e := New(Warning)
	for i := 0; i < 10; i++ {
		e.Check("manage_task", "update", "@debugger-agent", map[string]any{})
	}
	for i := 0; i < 10; i++ {
		e.Check("manage_task", "update", "@coding-agent", map[string]any{
			"work_notes": "n", "progress_made": "p",
		})
	}

	low := e.LowCompliance(0.5, 10)
	require.Len(t, low, 1)
	assert.Equal(t, "@debugger-agent", low[0].Agent)

	// Below the minimum operation count nothing is reported.
	e2 := New(Warning)
	e2.Check("manage_task", "update", "@debugger-agent", map[string]any{})
	assert.Empty(t, e2.LowCompliance(0.5, 10))
}
