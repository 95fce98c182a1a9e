package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain"
)

func TestInt(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int
		wantErr bool
	}{
		{"int", 5, 5, false},
		{"int64", int64(9), 9, false},
		{"whole float", float64(42), 42, false},
		{"fractional float", 4.2, 0, true},
		{"digit string", "17", 17, false},
		{"negative string", "-3", -3, false},
		{"padded string", " 8 ", 8, false},
		{"empty string", "", 0, true},
		{"word", "five", 0, true},
		{"bool", true, 0, true},
		{"nil", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Int("limit", tt.in)
			if tt.wantErr {
				require.Error(t, err)
				var te *domain.ToolError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, domain.CodeInvalidParameterFormat, te.Code)
				assert.Equal(t, "limit", te.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntInRange(t *testing.T) {
	got, err := IntInRange("progress", "50", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 50, got)

	_, err = IntInRange("progress", 101, 0, 100)
	require.Error(t, err)

	_, err = IntInRange("progress", -1, 0, 100)
	require.Error(t, err)
}

func TestProgressAndLimitBounds(t *testing.T) {
	_, err := Progress("progress_percentage", 100)
	assert.NoError(t, err)
	_, err = Progress("progress_percentage", 101)
	assert.Error(t, err)

	_, err = Limit("limit", 1000)
	assert.NoError(t, err)
	_, err = Limit("limit", 0)
	assert.Error(t, err)
}

func TestBool(t *testing.T) {
	truthy := []any{true, "true", "TRUE", "1", "yes", "on", " Yes "}
	for _, v := range truthy {
		got, err := Bool("force", v)
		require.NoError(t, err, "input %v", v)
		assert.True(t, got, "input %v", v)
	}

	falsy := []any{false, "false", "0", "no", "off", "OFF"}
	for _, v := range falsy {
		got, err := Bool("force", v)
		require.NoError(t, err, "input %v", v)
		assert.False(t, got, "input %v", v)
	}

	for _, v := range []any{"maybe", "", 1, nil} {
		_, err := Bool("force", v)
		assert.Error(t, err, "input %v", v)
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    []string
		wantErr bool
	}{
		{"string slice", []string{"a", "b"}, []string{"a", "b"}, false},
		{"any slice", []any{"a", "b"}, []string{"a", "b"}, false},
		{"comma separated", "a, b , c", []string{"a", "b", "c"}, false},
		{"empty segments dropped", "a,,b", []string{"a", "b"}, false},
		{"mixed slice", []any{"a", 1}, nil, true},
		{"number", 7, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StringList("labels", tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
