// Package response shapes tool responses before they cross the wire.
// A profile decides how aggressively the envelope is trimmed; the
// optimizer applies the profile's transformations and tracks usage.
package response

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Profile is a response verbosity tier, smallest to largest.
type Profile string

const (
	Minimal  Profile = "MINIMAL"
	Standard Profile = "STANDARD"
	Detailed Profile = "DETAILED"
	Debug    Profile = "DEBUG"
)

// ParseProfile maps a caller-supplied string to a Profile; unknown
// values return false.
func ParseProfile(s string) (Profile, bool) {
	switch Profile(strings.ToUpper(strings.TrimSpace(s))) {
	case Minimal:
		return Minimal, true
	case Standard:
		return Standard, true
	case Detailed:
		return Detailed, true
	case Debug:
		return Debug, true
	}
	return "", false
}

// Request carries the profile-selection signals for one call.
type Request struct {
	Action          string
	ItemCount       int
	HasAgentContext bool
	ExplicitProfile string
	DebugRequested  bool
}

// debugCtxKey marks a request whose transport asked for the debug
// profile (X-Debug header or a debug flag in the call).
type debugCtxKey struct{}

// WithDebug marks ctx as a debug-requested call.
func WithDebug(ctx context.Context) context.Context {
	return context.WithValue(ctx, debugCtxKey{}, true)
}

// DebugFromContext reports whether the transport requested debug output.
func DebugFromContext(ctx context.Context) bool {
	v, _ := ctx.Value(debugCtxKey{}).(bool)
	return v
}

// Optimizer selects profiles and rewrites response envelopes. Safe for
// concurrent use.
type Optimizer struct {
	mu           sync.Mutex
	profileUsage map[Profile]int64
	optimized    int64
	bytesSaved   int64
	ratioSum     float64
}

// NewOptimizer creates an optimizer with zeroed metrics.
func NewOptimizer() *Optimizer {
	return &Optimizer{profileUsage: make(map[Profile]int64)}
}

// SelectProfile picks the profile for a call. An explicit valid profile
// always wins; otherwise list-shaped or large responses go minimal,
// agent-context responses detailed, debug requests debug, and the rest
// standard.
func (o *Optimizer) SelectProfile(req Request) Profile {
	if p, ok := ParseProfile(req.ExplicitProfile); ok {
		return p
	}
	switch {
	case req.DebugRequested:
		return Debug
	case req.Action == "list" || req.Action == "get_status" || req.ItemCount > 15:
		return Minimal
	case req.HasAgentContext:
		return Detailed
	default:
		return Standard
	}
}

// Optimize rewrites the envelope per profile. Error envelopes pass
// through unshaped except for null scrubbing, and success=false is
// never touched.
func (o *Optimizer) Optimize(envelope map[string]any, profile Profile) map[string]any {
	before := encodedSize(envelope)

	if success, ok := envelope["success"].(bool); ok && !success {
		out := stripEmpty(envelope).(map[string]any)
		o.recordOptimization(profile, before, encodedSize(out))
		return out
	}

	out := envelope
	steps := []string{}
	switch profile {
	case Debug:
		// Everything, untouched, plus the optimizer's own trace.
		out["debug_info"] = map[string]any{
			"optimization_steps": steps,
			"original_bytes":     before,
		}
	case Detailed:
		out = stripEmpty(out).(map[string]any)
		steps = append(steps, "strip_empty")
	case Standard:
		out = stripEmpty(out).(map[string]any)
		out = dedupeConfirmation(out)
		out = consolidateMeta(out)
		steps = append(steps, "strip_empty", "dedupe_confirmation", "consolidate_meta")
	case Minimal:
		out = stripEmpty(out).(map[string]any)
		out = dedupeConfirmation(out)
		out = consolidateMeta(out)
		out = flattenSingletons(out)
		delete(out, "hints")
		delete(out, "workflow_guidance")
		steps = append(steps, "strip_empty", "dedupe_confirmation", "consolidate_meta", "flatten_singletons", "drop_hints")
	}
	out["profile"] = string(profile)
	o.recordOptimization(profile, before, encodedSize(out))
	return out
}

func (o *Optimizer) recordOptimization(profile Profile, before, after int) {
	saved := int64(before - after)
	if saved < 0 {
		saved = 0
	}
	ratio := 1.0
	if before > 0 {
		ratio = float64(after) / float64(before)
	}
	o.mu.Lock()
	o.profileUsage[profile]++
	o.optimized++
	o.bytesSaved += saved
	o.ratioSum += ratio
	o.mu.Unlock()
}

// encodedSize is the serialized length of the envelope, the unit the
// compression metrics are accounted in.
func encodedSize(envelope map[string]any) int {
	b, err := json.Marshal(envelope)
	if err != nil {
		return 0
	}
	return len(b)
}

// Metrics reports usage counts and compression accounting.
func (o *Optimizer) Metrics() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	usage := make(map[string]int64, len(o.profileUsage))
	for p, n := range o.profileUsage {
		usage[string(p)] = n
	}
	avg := 1.0
	if o.optimized > 0 {
		avg = o.ratioSum / float64(o.optimized)
	}
	return map[string]any{
		"total_optimized":           o.optimized,
		"total_bytes_saved":         o.bytesSaved,
		"average_compression_ratio": avg,
		"profile_usage":             usage,
	}
}

// stripEmpty removes nils, empty strings, empty maps and empty slices,
// recursing into nested structures. success=false survives because only
// nil-like values are dropped, never false booleans.
func stripEmpty(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			cleaned := stripEmpty(item)
			if isEmpty(cleaned) {
				continue
			}
			out[k] = cleaned
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			cleaned := stripEmpty(item)
			if isEmpty(cleaned) {
				continue
			}
			out = append(out, cleaned)
		}
		return out
	}
	return v
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}

// dedupeConfirmation drops confirmation.operation_details when it
// restates the top-level data payload.
func dedupeConfirmation(envelope map[string]any) map[string]any {
	conf, ok := envelope["confirmation"].(map[string]any)
	if !ok {
		return envelope
	}
	delete(conf, "operation_details")
	if len(conf) == 0 {
		delete(envelope, "confirmation")
	}
	return envelope
}

// consolidateMeta folds scattered meta-ish keys into one meta map.
func consolidateMeta(envelope map[string]any) map[string]any {
	meta, _ := envelope["meta"].(map[string]any)
	for _, key := range []string{"operation", "operation_id", "timestamp"} {
		if v, ok := envelope[key]; ok {
			if meta == nil {
				meta = make(map[string]any)
			}
			meta[key] = v
			delete(envelope, key)
		}
	}
	if meta != nil {
		envelope["meta"] = meta
	}
	return envelope
}

// flattenSingletons replaces single-item arrays with the item itself.
func flattenSingletons(envelope map[string]any) map[string]any {
	for k, v := range envelope {
		if list, ok := v.([]any); ok && len(list) == 1 {
			envelope[k] = list[0]
		}
		if m, ok := envelope[k].(map[string]any); ok {
			envelope[k] = flattenSingletons(m)
		}
	}
	return envelope
}
