package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContextLevel identifies one of the four levels of the context hierarchy.
type ContextLevel string

const (
	LevelGlobal  ContextLevel = "global"
	LevelProject ContextLevel = "project"
	LevelBranch  ContextLevel = "branch"
	LevelTask    ContextLevel = "task"
)

// ValidContextLevel reports whether l is a recognized level.
func ValidContextLevel(l ContextLevel) bool {
	switch l {
	case LevelGlobal, LevelProject, LevelBranch, LevelTask:
		return true
	}
	return false
}

// ParentLevel returns the next level up, or empty for global.
func ParentLevel(l ContextLevel) ContextLevel {
	switch l {
	case LevelTask:
		return LevelBranch
	case LevelBranch:
		return LevelProject
	case LevelProject:
		return LevelGlobal
	}
	return ""
}

// globalContextNamespace is the UUIDv5 namespace for per-user global context ids.
var globalContextNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// GlobalContextID derives the deterministic global-context id for a user.
// The same user always maps to the same id; distinct users map to distinct
// ids. There is deliberately no process-wide singleton id: each user owns
// their own global context row.
func GlobalContextID(userID string) string {
	return uuid.NewSHA1(globalContextNamespace, []byte("global-context:"+userID)).String()
}

// CustomKey is the payload slot where keys outside the known schema are
// stored so arbitrary payloads round-trip losslessly.
const CustomKey = "_custom"

// Context is one row of the four-level hierarchy. ID conventions:
// global uses GlobalContextID(user), project uses the project id, branch
// the branch id, task the task id. ParentID is the id of the next level up
// (empty for global).
type Context struct {
	ID        string         `json:"id"`
	Level     ContextLevel   `json:"level"`
	UserID    string         `json:"user_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Settings  map[string]any `json:"settings"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// knownSettingKeys are the typed top-level keys per level. Anything else
// is tucked under CustomKey on write and restored on read.
var knownSettingKeys = map[ContextLevel][]string{
	LevelGlobal:  {"organization_name", "autonomous_rules", "security_policies", "coding_standards", "workflow_templates", "delegation_rules"},
	LevelProject: {"project_settings", "team_preferences", "technology_stack", "workflow_templates"},
	LevelBranch:  {"branch_settings", "workflow_state", "feature_flags"},
	LevelTask:    {"task_data", "progress", "execution_context", "discovered_patterns"},
}

// SplitSettings partitions a raw payload into known keys and a _custom
// slot holding the rest. Known keys already present win over the slot.
func SplitSettings(level ContextLevel, payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	known := make(map[string]bool, len(knownSettingKeys[level]))
	for _, k := range knownSettingKeys[level] {
		known[k] = true
	}
	out := make(map[string]any, len(payload))
	var custom map[string]any
	for k, v := range payload {
		if known[k] || k == CustomKey {
			out[k] = v
			continue
		}
		if custom == nil {
			custom = make(map[string]any)
		}
		custom[k] = v
	}
	if custom != nil {
		if existing, ok := out[CustomKey].(map[string]any); ok {
			for k, v := range custom {
				existing[k] = v
			}
		} else {
			out[CustomKey] = custom
		}
	}
	return out
}

// MergeSettings restores a stored settings map into the caller-facing
// view: _custom keys are lifted back to the top level.
func MergeSettings(stored map[string]any) map[string]any {
	if stored == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(stored))
	for k, v := range stored {
		if k == CustomKey {
			continue
		}
		out[k] = v
	}
	if custom, ok := stored[CustomKey].(map[string]any); ok {
		for k, v := range custom {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out
}

// DeepMerge overlays child onto parent, recursing into nested maps.
// Child values win on conflict. Neither input is mutated.
func DeepMerge(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		pv, ok := out[k]
		if ok {
			pm, pok := pv.(map[string]any)
			cm, cok := cv.(map[string]any)
			if pok && cok {
				out[k] = DeepMerge(pm, cm)
				continue
			}
		}
		out[k] = cv
	}
	return out
}
