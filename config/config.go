// Package config loads the loop driver's RunOptions defaults from a
// YAML-based profile, matching how the teacher's feature packages read
// environment-driven defaults into typed option structs. RunOptions itself
// is still assembled programmatically per run; this package only supplies
// the baseline a caller overrides with per-run specifics.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CheckpointFrequency controls how often the loop driver persists a
// LoopState snapshot.
type CheckpointFrequency string

const (
	CheckpointOff              CheckpointFrequency = "off"
	CheckpointPerIteration     CheckpointFrequency = "per_iteration"
	CheckpointOnToolCompletion CheckpointFrequency = "on_tool_completion"
	CheckpointFullHistory      CheckpointFrequency = "full_history"
)

// HistoryReductionPolicy selects which reduction.Strategy the loop driver
// triggers between iterations.
type HistoryReductionPolicy string

const (
	ReductionOff          HistoryReductionPolicy = "off"
	ReductionMessageCount HistoryReductionPolicy = "message_count"
	ReductionSummarizing  HistoryReductionPolicy = "summarizing"
	ReductionTokenBudget  HistoryReductionPolicy = "token_budget"
)

// ToolSelectionMode controls how the tool catalog is offered to the model
// for a request.
type ToolSelectionMode string

const (
	ToolSelectionAuto            ToolSelectionMode = "auto"
	ToolSelectionNone            ToolSelectionMode = "none"
	ToolSelectionRequireAny      ToolSelectionMode = "require_any"
	ToolSelectionRequireSpecific ToolSelectionMode = "require_specific"
)

// MessagesConfig carries the localized strings the loop driver appends to
// the thread on each distinct termination condition.
type MessagesConfig struct {
	MaxIterations      string `yaml:"max_iterations"`
	MaxConsecutiveErr  string `yaml:"max_consecutive_errors"`
	CircuitBreaker     string `yaml:"circuit_breaker"`
	PermissionDenied   string `yaml:"permission_denied"`
	UnknownFunction    string `yaml:"unknown_function"`
	ClarificationTimed string `yaml:"clarification_timeout"`
}

// RunOptions is the full set of configuration recognized by the loop
// driver (spec §6's enumerated option table). A caller builds one per run,
// typically starting from a Profile's Defaults and overriding per-run
// specifics (e.g. ToolSelectionMode's specific tool name).
type RunOptions struct {
	IterationCap            int                     `yaml:"iteration_cap"`
	ExtensionAmount         int                     `yaml:"extension_amount"`
	PerCallTimeout          time.Duration           `yaml:"per_call_timeout"`
	MaxRetries              int                     `yaml:"max_retries"`
	RetryBaseDelay          time.Duration           `yaml:"retry_base_delay"`
	MaxConsecutiveErrors    int                     `yaml:"max_consecutive_errors"`
	CircuitBreakerThreshold int                     `yaml:"circuit_breaker_threshold"`
	ParallelToolCap         int                     `yaml:"parallel_tool_cap"`
	CheckpointFrequency     CheckpointFrequency     `yaml:"checkpoint_frequency"`
	HistoryReductionPolicy  HistoryReductionPolicy  `yaml:"history_reduction_policy"`
	ReductionTarget         int                     `yaml:"reduction_target"`
	ReductionThreshold      int                     `yaml:"reduction_threshold"`
	ToolSelectionMode       ToolSelectionMode       `yaml:"tool_selection_mode"`
	RequiredToolName        string                  `yaml:"required_tool_name"`
	TerminateOnUnknownCall  bool                    `yaml:"terminate_on_unknown_call"`
	Messages                MessagesConfig          `yaml:"messages_config"`
}

// Defaults returns the built-in baseline profile used when no YAML profile
// is loaded: conservative caps suitable for interactive use.
func Defaults() RunOptions {
	return RunOptions{
		IterationCap:            10,
		ExtensionAmount:         5,
		PerCallTimeout:          30 * time.Second,
		MaxRetries:              3,
		RetryBaseDelay:          200 * time.Millisecond,
		MaxConsecutiveErrors:    3,
		CircuitBreakerThreshold: 5,
		ParallelToolCap:         4,
		CheckpointFrequency:     CheckpointPerIteration,
		HistoryReductionPolicy:  ReductionOff,
		ReductionTarget:         20,
		ReductionThreshold:      10,
		ToolSelectionMode:       ToolSelectionAuto,
		TerminateOnUnknownCall:  false,
		Messages: MessagesConfig{
			MaxIterations:      "The run reached its maximum number of iterations.",
			MaxConsecutiveErr:  "The run stopped after too many consecutive tool errors.",
			CircuitBreaker:     "The run stopped because the same tool call was repeated too many times.",
			PermissionDenied:   "Permission denied by user.",
			UnknownFunction:    "Function %q not found",
			ClarificationTimed: "The clarification request timed out.",
		},
	}
}

// Profile is the YAML document shape a deployment loads: a named baseline
// RunOptions plus optional override profiles keyed by name (e.g. "strict",
// "permissive") a caller can layer on top of Defaults.
type Profile struct {
	Defaults RunOptions            `yaml:"defaults"`
	Profiles map[string]RunOptions `yaml:"profiles"`
}

// Load reads a YAML-encoded Profile from r. Fields absent from the document
// keep Defaults()' values, since Load starts from the built-in baseline
// before decoding over it.
func Load(r io.Reader) (Profile, error) {
	p := Profile{Defaults: Defaults()}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return Profile{}, fmt.Errorf("config: decode profile: %w", err)
	}
	return p, nil
}

// LoadFile reads and parses a YAML profile from path.
func LoadFile(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Resolve returns the named override profile exactly as declared, or
// Defaults itself when name is empty or unknown. The override replaces
// Defaults wholesale (an override profile is expected to specify every field
// it cares about; zero-valued fields in the override are left as the
// override declared them, not back-filled from Defaults), matching how a
// deployment typically defines complete named profiles rather than sparse
// diffs.
func (p Profile) Resolve(name string) RunOptions {
	if name == "" {
		return p.Defaults
	}
	if opts, ok := p.Profiles[name]; ok {
		return opts
	}
	return p.Defaults
}
