package tools

import (
	"encoding/json"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/mcp"
)

// AgentCatalogResource exposes the agent catalog as a readable MCP
// resource so clients can browse it without a tool call.
type AgentCatalogResource struct{}

func (r *AgentCatalogResource) Definition() mcp.ResourceDefinition {
	return mcp.ResourceDefinition{
		URI:         "taskmesh://agents",
		Name:        "Agent catalog",
		Description: "The closed set of agents assignable to tasks and subtasks",
		MimeType:    "application/json",
	}
}

func (r *AgentCatalogResource) Read() (*mcp.ResourcesReadResult, error) {
	names := domain.AgentNames()
	agents := make([]domain.AgentInfo, 0, len(names))
	for _, n := range names {
		info, _ := domain.LookupAgent(n)
		agents = append(agents, info)
	}
	b, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling agent catalog: %w", err)
	}
	return &mcp.ResourcesReadResult{
		Contents: []mcp.ResourceContent{{
			URI:      "taskmesh://agents",
			MimeType: "application/json",
			Text:     string(b),
		}},
	}, nil
}

// QuickstartPrompt walks a new client through the standard project ->
// branch -> task flow.
type QuickstartPrompt struct{}

func (p *QuickstartPrompt) Definition() mcp.PromptDefinition {
	return mcp.PromptDefinition{
		Name:        "taskmesh_quickstart",
		Description: "How to set up a project, branch, and first task",
		Arguments: []mcp.PromptArgument{
			{Name: "project_name", Description: "Name for the new project", Required: false},
		},
	}
}

func (p *QuickstartPrompt) Get(arguments map[string]string) (*mcp.PromptsGetResult, error) {
	name := arguments["project_name"]
	if name == "" {
		name = "my-project"
	}
	text := fmt.Sprintf(`Set up a workspace in three calls:

1. manage_project(action="create", name=%q)
2. manage_git_branch(action="create", project_id=<id from step 1>, name="main")
3. manage_task(action="create", git_branch_id=<id from step 2>, title="First task", assignees=["@coding-agent"])

Then manage_task(action="next", git_branch_id=...) returns the highest-priority open task.
Record progress on every update (work_notes, progress_made) and finish with
manage_task(action="complete", task_id=..., completion_summary="...").`, name)

	return &mcp.PromptsGetResult{
		Description: "Quickstart flow",
		Messages: []mcp.PromptMessage{
			{Role: "user", Content: mcp.TextContent(text)},
		},
	}, nil
}
