package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/response"
)

// CallAgent resolves an agent name from the closed catalog and returns
// its role card, plus the caller's compliance record when one exists.
type CallAgent struct {
	deps *Deps
}

// NewCallAgent creates the call_agent tool.
func NewCallAgent(deps *Deps) *CallAgent {
	return &CallAgent{deps: deps}
}

func (t *CallAgent) Name() string { return "call_agent" }

func (t *CallAgent) Description() string {
	return "Load an agent definition from the catalog by name (e.g. @coding-agent, coding_agent). Use name_agent=list to enumerate available agents."
}

func (t *CallAgent) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "name_agent": {
      "type": "string",
      "description": "Agent name in any accepted spelling, or 'list' for the full catalog"
    },
    "profile": {"type": "string", "enum": ["MINIMAL", "STANDARD", "DETAILED", "DEBUG"]}
  },
  "required": ["name_agent"]
}`)
}

func (t *CallAgent) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
	p, err := decodeParams(raw)
	if err != nil {
		return fail(err)
	}
	name, err := requireString(p, "name_agent")
	if err != nil {
		return fail(err)
	}
	if _, err := t.deps.facadesFor(ctx); err != nil {
		return fail(err)
	}

	if name == "list" {
		names := domain.AgentNames()
		agents := make([]domain.AgentInfo, 0, len(names))
		for _, n := range names {
			info, _ := domain.LookupAgent(n)
			agents = append(agents, info)
		}
		envelope := map[string]any{"success": true, "agents": agents, "count": len(agents)}
		return t.deps.finish(ctx, p, envelope, response.Request{
			Action:          "list",
			ItemCount:       len(agents),
			ExplicitProfile: stringParam(p, "profile"),
		})
	}

	info, ok := domain.LookupAgent(name)
	if !ok {
		return fail(&domain.ToolError{
			Code:     domain.CodeNotFound,
			Message:  fmt.Sprintf("unknown agent %q", name),
			Field:    "name_agent",
			Hint:     "call_agent(name_agent=\"list\") enumerates the catalog",
			Expected: "a catalog agent name",
		})
	}

	envelope := map[string]any{"success": true, "agent": info}
	if c := t.deps.Enforcer.Compliance(info.Name); c != nil {
		envelope["compliance"] = c
	}
	return t.deps.finish(ctx, p, envelope, response.Request{
		Action:          "get",
		HasAgentContext: true,
		ExplicitProfile: stringParam(p, "profile"),
	})
}
