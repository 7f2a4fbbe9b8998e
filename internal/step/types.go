package step

import (
	"fmt"
	"strings"
)

// Kind is the handler category a step is routed to.
//
// Plugin kinds carry the plugin name after a "PLUGIN:" prefix so the
// closed built-in set stays extensible without new enum values.
type Kind string

const (
	// KindUnclassified means the classifier has not run for this step yet.
	KindUnclassified Kind = "UNCLASSIFIED"
	// KindCmd routes to shell command execution.
	KindCmd Kind = "CMD"
	// KindCode routes to the code-generation + review loop.
	KindCode Kind = "CODE"
	// KindTest routes to the test-generation + run loop.
	KindTest Kind = "TEST"
	// KindIgnore marks a step that is not actionable by a program.
	KindIgnore Kind = "IGNORE"
)

const pluginKindPrefix = "PLUGIN:"

// PluginKind returns the kind for a registered plugin handler.
func PluginKind(name string) Kind {
	return Kind(pluginKindPrefix + name)
}

// IsPlugin reports whether the kind dispatches to a plugin handler.
func (k Kind) IsPlugin() bool {
	return strings.HasPrefix(string(k), pluginKindPrefix)
}

// PluginName returns the plugin name for a plugin kind, or "" otherwise.
func (k Kind) PluginName() string {
	if !k.IsPlugin() {
		return ""
	}
	return strings.TrimPrefix(string(k), pluginKindPrefix)
}

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	switch k {
	case KindUnclassified, KindCmd, KindCode, KindTest, KindIgnore:
		return true
	}
	return k.IsPlugin() && k.PluginName() != ""
}

// Status is the lifecycle state of a step within one run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Step is one unit of plan work.
//
// Ordinal is unique, 1-based, assigned at plan time, and immutable.
// DependsOn may only reference earlier ordinals. Kind is assigned once
// by the classifier and never recomputed for the same step.
type Step struct {
	Ordinal   int    `json:"ordinal" yaml:"ordinal"`
	Text      string `json:"text" yaml:"text"`
	DependsOn []int  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Kind      Kind   `json:"kind" yaml:"kind,omitempty"`
	Status    Status `json:"status" yaml:"status,omitempty"`
}

// Outcome is the uniform result every handler produces for a step.
// A cache hit short-circuits production but yields the same shape.
type Outcome struct {
	Step         int      `json:"step"`
	Success      bool     `json:"success"`
	Output       string   `json:"output"`
	FilesTouched []string `json:"files_touched,omitempty"`
	Diagnostic   string   `json:"diagnostic,omitempty"`
	RetriesUsed  int      `json:"retries_used"`
}

// NewPlan builds a plan from bare step texts, assigning ordinals and
// the zero states. Dependencies are left empty for the caller to fill.
func NewPlan(texts []string) []Step {
	steps := make([]Step, 0, len(texts))
	for i, text := range texts {
		steps = append(steps, Step{
			Ordinal: i + 1,
			Text:    text,
			Kind:    KindUnclassified,
			Status:  StatusPending,
		})
	}
	return steps
}

// ValidatePlan checks ordinal assignment and dependency references.
// A violation is a malformed plan and must abort the run before any
// execution begins.
func ValidatePlan(steps []Step) error {
	for i := range steps {
		st := &steps[i]
		if st.Ordinal != i+1 {
			return fmt.Errorf("%w: step at position %d has ordinal %d, want %d",
				ErrMalformedPlan, i, st.Ordinal, i+1)
		}
		for _, d := range st.DependsOn {
			if d < 1 {
				return fmt.Errorf("%w: step %d depends on invalid ordinal %d",
					ErrMalformedPlan, st.Ordinal, d)
			}
			if d >= st.Ordinal {
				return fmt.Errorf("%w: step %d depends on later-or-equal ordinal %d",
					ErrMalformedPlan, st.Ordinal, d)
			}
		}
	}
	return nil
}
