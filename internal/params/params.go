// Package params normalizes loosely-typed tool parameters. MCP clients
// routinely send integers and booleans as strings; coercion happens
// before any validation so the rest of the stack sees real types.
package params

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/taskmesh/taskmesh/internal/domain"
)

var intPattern = regexp.MustCompile(`^-?[0-9]+$`)

// Int coerces v to an int. Accepted forms: any integer number, or a
// string of digits with optional leading minus. Anything else is an
// INVALID_PARAMETER_FORMAT error naming the field.
func Int(field string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, formatErr(field, v, "integer")
		}
		return int(n), nil
	case string:
		if !intPattern.MatchString(strings.TrimSpace(n)) {
			return 0, formatErr(field, v, "integer")
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, formatErr(field, v, "integer")
		}
		return parsed, nil
	}
	return 0, formatErr(field, v, "integer")
}

// IntInRange coerces and range-checks in one step.
func IntInRange(field string, v any, min, max int) (int, error) {
	n, err := Int(field, v)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, &domain.ToolError{
			Code:     domain.CodeInvalidParameterFormat,
			Message:  fmt.Sprintf("%s must be between %d and %d, got %d", field, min, max, n),
			Field:    field,
			Expected: fmt.Sprintf("integer in [%d, %d]", min, max),
		}
	}
	return n, nil
}

// Progress coerces a progress percentage, bounded to [0, 100].
func Progress(field string, v any) (int, error) { return IntInRange(field, v, 0, 100) }

// Limit coerces a result limit, bounded to [1, 1000].
func Limit(field string, v any) (int, error) { return IntInRange(field, v, 1, 1000) }

// Bool coerces v to a bool. Accepted strings, case-insensitive:
// true/false, 1/0, yes/no, on/off.
func Bool(field string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
	}
	return false, formatErr(field, v, "boolean")
}

// String coerces v to a string, accepting only actual strings.
func String(field string, v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", formatErr(field, v, "string")
}

// StringList accepts a JSON array of strings or a comma-separated
// string, returning trimmed non-empty entries.
func StringList(field string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, formatErr(field, v, "list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		var out []string
		for _, part := range strings.Split(list, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	}
	return nil, formatErr(field, v, "list of strings")
}

func formatErr(field string, got any, want string) error {
	return &domain.ToolError{
		Code:     domain.CodeInvalidParameterFormat,
		Message:  fmt.Sprintf("%s: cannot interpret %v (%T) as %s", field, got, got, want),
		Field:    field,
		Expected: want,
	}
}
