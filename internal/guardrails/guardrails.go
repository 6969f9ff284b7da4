// Package guardrails holds the mutable, bounded runtime limits shared by
// admission checks across the server.
//
// Limits are published as an immutable snapshot behind an atomic pointer:
// every admission check reads one consistent snapshot, and setters validate
// against the option bounds before publishing a new one.
package guardrails

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixed limits that are not runtime-tunable.
const (
	// MaxMessages bounds the message bus; oldest messages are evicted.
	MaxMessages = 500
	// StallTimeout is how long an agent may produce no output before it
	// is marked stalled.
	StallTimeout = 10 * time.Minute
)

// DefaultModel is used when an agent spec names no model.
const DefaultModel = "claude-sonnet-4-5"

// AllowedModels are the models an agent spec may request.
var AllowedModels = []string{
	"claude-sonnet-4-5",
	"claude-opus-4-1",
	"claude-haiku-4-5",
}

// BlockedCommandPatterns are rejected by downstream command validation.
var BlockedCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-z]*\s+)*/(\s|$)`),
	regexp.MustCompile(`rm\s+-[a-z]*rf?\s+[~/]`),
	regexp.MustCompile(`mkfs`),
	regexp.MustCompile(`dd\s+if=.*of=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`shutdown|reboot|halt\b`),
}

// Limits is one immutable snapshot of the tunable limits.
type Limits struct {
	MaxPromptLength     int   `json:"maxPromptLength" yaml:"maxPromptLength"`
	MaxTurns            int   `json:"maxTurns" yaml:"maxTurns"`
	MaxAgents           int   `json:"maxAgents" yaml:"maxAgents"`
	MaxBatchSize        int   `json:"maxBatchSize" yaml:"maxBatchSize"`
	MaxAgentDepth       int   `json:"maxAgentDepth" yaml:"maxAgentDepth"`
	MaxChildrenPerAgent int   `json:"maxChildrenPerAgent" yaml:"maxChildrenPerAgent"`
	SessionTTLMs        int64 `json:"sessionTtlMs" yaml:"sessionTtlMs"`
}

// SessionTTL returns the session TTL as a duration.
func (l Limits) SessionTTL() time.Duration {
	return time.Duration(l.SessionTTLMs) * time.Millisecond
}

// Option names accepted by Registry.Set.
const (
	OptMaxPromptLength     = "maxPromptLength"
	OptMaxTurns            = "maxTurns"
	OptMaxAgents           = "maxAgents"
	OptMaxBatchSize        = "maxBatchSize"
	OptMaxAgentDepth       = "maxAgentDepth"
	OptMaxChildrenPerAgent = "maxChildrenPerAgent"
	OptSessionTTLMs        = "sessionTtlMs"
)

// Bound describes the valid range for one option.
type Bound struct {
	Min int64 `json:"min" yaml:"min"`
	Max int64 `json:"max" yaml:"max"`
}

var bounds = map[string]Bound{
	OptMaxPromptLength:     {Min: 1_000, Max: 1_000_000},
	OptMaxTurns:            {Min: 1, Max: 10_000},
	OptMaxAgents:           {Min: 1, Max: 100},
	OptMaxBatchSize:        {Min: 1, Max: 50},
	OptMaxAgentDepth:       {Min: 1, Max: 10},
	OptMaxChildrenPerAgent: {Min: 1, Max: 20},
	OptSessionTTLMs:        {Min: 60_000, Max: 86_400_000},
}

// Defaults returns the compiled-in default limits.
func Defaults() Limits {
	return Limits{
		MaxPromptLength:     100_000,
		MaxTurns:            500,
		MaxAgents:           100,
		MaxBatchSize:        10,
		MaxAgentDepth:       3,
		MaxChildrenPerAgent: 20,
		SessionTTLMs:        14_400_000,
	}
}

// Bounds returns the option bounds, keyed by option name.
func Bounds() map[string]Bound {
	out := make(map[string]Bound, len(bounds))
	for k, v := range bounds {
		out[k] = v
	}
	return out
}

// Registry is the process-wide guardrails registry.
type Registry struct {
	current atomic.Pointer[Limits]
}

// NewRegistry creates a registry seeded with the default limits.
func NewRegistry() *Registry {
	r := &Registry{}
	defaults := Defaults()
	r.current.Store(&defaults)
	return r
}

// NewRegistryFromFile creates a registry seeded from a YAML limits file,
// validating each value against its bounds. Missing file falls back to
// defaults; out-of-bounds values are an error.
func NewRegistryFromFile(path string) (*Registry, error) {
	r := NewRegistry()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	limits := Defaults()
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("failed to parse limits file %s: %w", path, err)
	}
	if err := validate(limits); err != nil {
		return nil, err
	}
	r.current.Store(&limits)
	return r, nil
}

// Limits returns the current snapshot. The returned value is a copy.
func (r *Registry) Limits() Limits {
	return *r.current.Load()
}

// Set updates a single option, validating it against the option bounds,
// and publishes a new snapshot.
func (r *Registry) Set(option string, value int64) error {
	b, ok := bounds[option]
	if !ok {
		return fmt.Errorf("unknown guardrail option %q", option)
	}
	if value < b.Min || value > b.Max {
		return fmt.Errorf("guardrail %s=%d out of bounds [%d, %d]", option, value, b.Min, b.Max)
	}

	for {
		old := r.current.Load()
		next := *old
		switch option {
		case OptMaxPromptLength:
			next.MaxPromptLength = int(value)
		case OptMaxTurns:
			next.MaxTurns = int(value)
		case OptMaxAgents:
			next.MaxAgents = int(value)
		case OptMaxBatchSize:
			next.MaxBatchSize = int(value)
		case OptMaxAgentDepth:
			next.MaxAgentDepth = int(value)
		case OptMaxChildrenPerAgent:
			next.MaxChildrenPerAgent = int(value)
		case OptSessionTTLMs:
			next.SessionTTLMs = value
		}
		if r.current.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// ModelAllowed reports whether the given model may be requested.
// The empty model resolves to DefaultModel and is always allowed.
func ModelAllowed(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func validate(l Limits) error {
	checks := []struct {
		option string
		value  int64
	}{
		{OptMaxPromptLength, int64(l.MaxPromptLength)},
		{OptMaxTurns, int64(l.MaxTurns)},
		{OptMaxAgents, int64(l.MaxAgents)},
		{OptMaxBatchSize, int64(l.MaxBatchSize)},
		{OptMaxAgentDepth, int64(l.MaxAgentDepth)},
		{OptMaxChildrenPerAgent, int64(l.MaxChildrenPerAgent)},
		{OptSessionTTLMs, l.SessionTTLMs},
	}
	for _, c := range checks {
		b := bounds[c.option]
		if c.value < b.Min || c.value > b.Max {
			return fmt.Errorf("guardrail %s=%d out of bounds [%d, %d]", c.option, c.value, b.Min, b.Max)
		}
	}
	return nil
}
