// Package enforce implements context-parameter enforcement for task
// mutations. Each guarded action declares required and recommended
// parameters; the active level decides whether a violation blocks the
// call, warns, or passes silently.
package enforce

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level is the enforcement strictness, lowest to highest.
type Level int

const (
	Disabled Level = iota // no checks at all
	Soft                  // hints only, buried in the response
	Warning               // prominent warnings, never blocks
	Strict                // missing required parameters block the call
)

func (l Level) String() string {
	switch l {
	case Disabled:
		return "disabled"
	case Soft:
		return "soft"
	case Warning:
		return "warning"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a configuration string to a Level. Unknown values fall
// back to Warning, the safe middle ground.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return Disabled
	case "soft":
		return Soft
	case "warning", "":
		return Warning
	case "strict":
		return Strict
	}
	return Warning
}

// LevelFromEnv reads ENFORCEMENT_LEVEL.
func LevelFromEnv() Level { return ParseLevel(os.Getenv("ENFORCEMENT_LEVEL")) }

// requirement declares the parameters an action expects.
type requirement struct {
	required    []string
	recommended []string
}

// requirements keys are "tool.action". Task completion hard-requires a
// completion summary; updates require progress context so downstream
// agents inherit state instead of rediscovering it.
var requirements = map[string]requirement{
	"manage_task.update": {
		required:    []string{"work_notes", "progress_made"},
		recommended: []string{"details"},
	},
	"manage_task.complete": {
		required:    []string{"completion_summary"},
		recommended: []string{"testing_notes"},
	},
	"manage_subtask.update": {
		required:    []string{"progress_notes"},
		recommended: []string{"blockers"},
	},
	"manage_subtask.complete": {
		required:    []string{"completion_summary"},
		recommended: []string{"insights_found"},
	},
}

// Outcome is the result of checking one call against its requirements.
type Outcome struct {
	Blocked         bool     `json:"blocked"`
	MissingRequired []string `json:"missing_required,omitempty"`
	Hints           []string `json:"hints,omitempty"`
	ExampleCommand  string   `json:"example_command,omitempty"`
}

// Enforcer checks calls and tracks per-agent compliance. Safe for
// concurrent use.
type Enforcer struct {
	level Level

	mu     sync.Mutex
	agents map[string]*AgentCompliance
}

// AgentCompliance accumulates one agent's enforcement history.
type AgentCompliance struct {
	Agent               string  `json:"agent"`
	Total               int     `json:"total"`
	Compliant           int     `json:"compliant"`
	Warnings            int     `json:"warnings"`
	Blocked             int     `json:"blocked"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	ComplianceRate      float64 `json:"compliance_rate"`
}

// New creates an enforcer at the given level.
func New(level Level) *Enforcer {
	return &Enforcer{level: level, agents: make(map[string]*AgentCompliance)}
}

// Level returns the active enforcement level.
func (e *Enforcer) Level() Level { return e.level }

// Check evaluates params for tool.action attributed to agent. A blocked
// outcome means the caller must refuse the operation. Present means the
// parameter was supplied and non-empty.
func (e *Enforcer) Check(tool, action, agent string, params map[string]any) Outcome {
	if e.level == Disabled {
		return Outcome{}
	}
	req, ok := requirements[tool+"."+action]
	if !ok {
		return Outcome{}
	}

	var missing, hints []string
	for _, p := range req.required {
		if !present(params, p) {
			missing = append(missing, p)
		}
	}
	for _, p := range req.recommended {
		if !present(params, p) {
			hints = append(hints, fmt.Sprintf("consider providing %q", p))
		}
	}
	sort.Strings(missing)

	out := Outcome{MissingRequired: missing, Hints: hints}
	if len(missing) > 0 {
		out.ExampleCommand = exampleCommand(tool, action, missing)
		switch e.level {
		case Strict:
			out.Blocked = true
		case Warning:
			out.Hints = append([]string{
				fmt.Sprintf("missing required parameters for %s.%s: %s", tool, action, strings.Join(missing, ", ")),
			}, out.Hints...)
		}
	}

	e.record(agent, out)
	return out
}

func present(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func exampleCommand(tool, action string, missing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(action=%q", tool, action)
	for _, p := range missing {
		fmt.Fprintf(&b, ", %s=%q", p, "...")
	}
	b.WriteString(")")
	return b.String()
}

func (e *Enforcer) record(agent string, out Outcome) {
	if agent == "" {
		agent = "unknown"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.agents[agent]
	if c == nil {
		c = &AgentCompliance{Agent: agent}
		e.agents[agent] = c
	}
	c.Total++
	switch {
	case out.Blocked:
		c.Blocked++
		c.ConsecutiveFailures++
	case len(out.MissingRequired) > 0:
		c.Warnings++
		c.ConsecutiveFailures++
	default:
		c.Compliant++
		c.ConsecutiveFailures = 0
	}
	c.ComplianceRate = float64(c.Compliant) / float64(c.Total)
}

// Compliance returns a snapshot of one agent's record, or nil if the
// agent has no history.
func (e *Enforcer) Compliance(agent string) *AgentCompliance {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.agents[agent]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

// LowCompliance lists agents whose rate fell below threshold after at
// least minOps operations. Used to surface repeat offenders.
func (e *Enforcer) LowCompliance(threshold float64, minOps int) []AgentCompliance {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []AgentCompliance
	for _, c := range e.agents {
		if c.Total >= minOps && c.ComplianceRate < threshold {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
