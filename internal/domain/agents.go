package domain

import (
	"fmt"
	"sort"
	"strings"
)

// AgentInfo describes one entry in the closed agent catalog.
type AgentInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// agentCatalog is the closed set of assignable agents, keyed by the
// normalized "@name" form.
var agentCatalog = map[string]AgentInfo{
	"@coding-agent":              {Name: "@coding-agent", Description: "Implements features and fixes defects", Capabilities: []string{"code", "refactor"}},
	"@test-orchestrator-agent":   {Name: "@test-orchestrator-agent", Description: "Plans and runs test suites", Capabilities: []string{"test", "verify"}},
	"@debugger-agent":            {Name: "@debugger-agent", Description: "Investigates and isolates failures", Capabilities: []string{"debug"}},
	"@code-reviewer-agent":       {Name: "@code-reviewer-agent", Description: "Reviews changes for quality and risk", Capabilities: []string{"review"}},
	"@documentation-agent":       {Name: "@documentation-agent", Description: "Writes and maintains documentation", Capabilities: []string{"docs"}},
	"@security-auditor-agent":    {Name: "@security-auditor-agent", Description: "Audits code and configuration for vulnerabilities", Capabilities: []string{"audit"}},
	"@devops-agent":              {Name: "@devops-agent", Description: "Owns build, deploy, and infrastructure automation", Capabilities: []string{"deploy", "infra"}},
	"@deep-research-agent":       {Name: "@deep-research-agent", Description: "Researches approaches and prior art", Capabilities: []string{"research"}},
	"@system-architect-agent":    {Name: "@system-architect-agent", Description: "Designs system structure and interfaces", Capabilities: []string{"design"}},
	"@task-planning-agent":       {Name: "@task-planning-agent", Description: "Breaks work down into tasks and subtasks", Capabilities: []string{"plan"}},
	"@ui-designer-agent":         {Name: "@ui-designer-agent", Description: "Designs user-facing interfaces", Capabilities: []string{"ui"}},
	"@performance-tester-agent":  {Name: "@performance-tester-agent", Description: "Benchmarks and profiles the system", Capabilities: []string{"benchmark"}},
	"@integration-agent":         {Name: "@integration-agent", Description: "Wires external services and APIs", Capabilities: []string{"integrate"}},
	"@data-migration-agent":      {Name: "@data-migration-agent", Description: "Plans and executes data migrations", Capabilities: []string{"migrate"}},
	"@release-coordinator-agent": {Name: "@release-coordinator-agent", Description: "Coordinates release trains and changelogs", Capabilities: []string{"release"}},
}

// NormalizeAgentName converts any accepted spelling ("coding-agent",
// "coding_agent", "@coding-agent") to the canonical "@name" form.
func NormalizeAgentName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, "_", "-")
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return name
}

// LookupAgent returns the catalog entry for name (any accepted spelling).
func LookupAgent(name string) (AgentInfo, bool) {
	info, ok := agentCatalog[NormalizeAgentName(name)]
	return info, ok
}

// ValidateAssignees normalizes each assignee and rejects anything not in
// the catalog. Returns the normalized, de-duplicated list in sorted order.
func ValidateAssignees(assignees []string) ([]string, error) {
	seen := make(map[string]bool, len(assignees))
	out := make([]string, 0, len(assignees))
	for _, a := range assignees {
		n := NormalizeAgentName(a)
		if _, ok := agentCatalog[n]; !ok {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrValidation, a)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// AgentNames returns all catalog names in sorted order.
func AgentNames() []string {
	names := make([]string, 0, len(agentCatalog))
	for n := range agentCatalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
