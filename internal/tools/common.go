// Package tools implements the MCP tool controllers. Every controller
// follows the same pipeline: decode parameters, coerce loose types,
// validate the action, run enforcement, call the facade bound to the
// authenticated user, and shape the response through the optimizer.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/app"
	"github.com/taskmesh/taskmesh/internal/auth"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/enforce"
	"github.com/taskmesh/taskmesh/internal/flags"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/params"
	"github.com/taskmesh/taskmesh/internal/response"
)

// Deps bundles the shared infrastructure every controller needs.
type Deps struct {
	Facades   *app.FacadeFactory
	Enforcer  *enforce.Enforcer
	Optimizer *response.Optimizer
	Flags     *flags.Store
}

// decodeParams unmarshals raw tool arguments into a generic map.
func decodeParams(raw json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &domain.ToolError{
			Code:    domain.CodeInvalidParameterFormat,
			Message: fmt.Sprintf("arguments must be a JSON object: %v", err),
		}
	}
	return params, nil
}

// stringParam returns params[key] as a string ("" when absent).
func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// requireString returns params[key] or a MISSING_FIELD error.
func requireString(params map[string]any, key string) (string, error) {
	s := stringParam(params, key)
	if s == "" {
		return "", &domain.ToolError{
			Code:    domain.CodeMissingField,
			Message: fmt.Sprintf("%s is required", key),
			Field:   key,
		}
	}
	return s, nil
}

// missingEither reports that neither of two alternative identifying
// parameters was supplied.
func missingEither(a, b string) error {
	return &domain.ToolError{
		Code:    domain.CodeMissingField,
		Message: fmt.Sprintf("either %s or %s is required", a, b),
		Field:   a,
	}
}

// unknownAction builds the error for an unrecognized action, listing
// the valid ones.
func unknownAction(tool, action string, valid []string) error {
	return &domain.ToolError{
		Code:     domain.CodeUnknownAction,
		Message:  fmt.Sprintf("unknown action %q for %s", action, tool),
		Field:    "action",
		Expected: fmt.Sprintf("one of %v", valid),
	}
}

// facadesFor resolves the authenticated user's facade bundle.
func (d *Deps) facadesFor(ctx context.Context) (*app.Facades, error) {
	userID, err := auth.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	return d.Facades.For(userID)
}

// agentOf extracts the calling agent's name from params for compliance
// attribution.
func agentOf(params map[string]any) string {
	return domain.NormalizeAgentName(stringParam(params, "agent"))
}

// finish renders a success envelope through the optimizer. The
// RAW_RESPONSES flag bypasses optimization entirely, for debugging
// clients that want the unshaped envelope. A debug=true parameter or an
// X-Debug transport header (surfaced through ctx) selects the debug
// profile unless the call pinned an explicit one.
func (d *Deps) finish(ctx context.Context, p map[string]any, envelope map[string]any, req response.Request) (*mcp.ToolsCallResult, error) {
	if d.Flags != nil && d.Flags.Enabled("RAW_RESPONSES") {
		return mcp.JSONResult(envelope)
	}
	req.DebugRequested = req.DebugRequested || debugRequested(ctx, p)
	profile := d.Optimizer.SelectProfile(req)
	return mcp.JSONResult(d.Optimizer.Optimize(envelope, profile))
}

// debugRequested reports whether this call asked for debug output.
func debugRequested(ctx context.Context, p map[string]any) bool {
	if response.DebugFromContext(ctx) {
		return true
	}
	if v, ok := p["debug"]; ok {
		if b, err := params.Bool("debug", v); err == nil {
			return b
		}
	}
	return false
}

// fail renders err as a structured error result. Internal errors are
// surfaced as opaque INTERNAL_ERROR envelopes; everything else keeps
// its code, message, and hint.
func fail(err error) (*mcp.ToolsCallResult, error) {
	var te *domain.ToolError
	if errors.As(err, &te) {
		return mcp.ToolErrorResult(te), nil
	}
	var incomplete *app.IncompleteSubtasksError
	if errors.As(err, &incomplete) {
		titles := make([]string, len(incomplete.Subtasks))
		for i, s := range incomplete.Subtasks {
			titles[i] = s.Title
		}
		return mcp.ToolErrorResult(&domain.ToolError{
			Code:    domain.CodeValidationError,
			Message: incomplete.Error(),
			Hint:    "complete the listed subtasks or pass force=true to auto-complete them",
		}), nil
	}
	code := domain.CodeForError(err)
	msg := err.Error()
	if code == domain.CodeInternalError {
		msg = "internal error"
	}
	return mcp.ToolErrorResult(&domain.ToolError{Code: code, Message: msg}), nil
}

// enforcementBlocked renders a blocked enforcement outcome. The error
// carries the missing parameters as a structured list so callers can
// repair the call programmatically.
func enforcementBlocked(tool, action string, out enforce.Outcome) (*mcp.ToolsCallResult, error) {
	return mcp.ToolErrorResult(&domain.ToolError{
		Code:            domain.CodeEnforcementBlocked,
		Message:         fmt.Sprintf("%s.%s blocked: missing required context parameters %v", tool, action, out.MissingRequired),
		Hint:            out.ExampleCommand,
		Expected:        fmt.Sprintf("required: %v", out.MissingRequired),
		MissingRequired: out.MissingRequired,
		Hints:           out.Hints,
		ExampleCommand:  out.ExampleCommand,
	}), nil
}

// attachEnforcement folds a non-blocking outcome's hints into the
// envelope.
func attachEnforcement(envelope map[string]any, out enforce.Outcome) {
	if len(out.Hints) > 0 {
		envelope["hints"] = out.Hints
	}
}
