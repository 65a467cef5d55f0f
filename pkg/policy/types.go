package policy

import (
	"time"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Policy is one named rego admission policy. The rego module decides through
// two rule names: entries of `deny` block the chunk, entries of `warn` are
// attached to its result as comments.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the rego module source.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is consulted during admission.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document handed to every policy evaluation.
type Input struct {
	// Chunk is the compiled declaration about to dispatch, marshaled with
	// its wire field names (`__id__`, `state`, `fun`, `params`, ...).
	Chunk *engine.Chunk `json:"chunk"`

	// Operation is the function that will actually run. It differs from the
	// chunk's declared function on inverted runs.
	Operation string `json:"operation"`

	// Test marks a dry run. Policies usually relax destructive-operation
	// guards when it is set.
	Test bool `json:"test"`

	// RunName identifies the run being admitted.
	RunName string `json:"run_name"`
}

// Verdict is the aggregate outcome of evaluating every enabled policy
// against one chunk.
type Verdict struct {
	// Denials lists the reasons the chunk must not execute, one entry per
	// firing deny rule, prefixed with the policy name.
	Denials []string `json:"denials,omitempty"`

	// Warnings lists advisory notes that do not block the chunk.
	Warnings []string `json:"warnings,omitempty"`

	// Evaluated lists the names of the policies that were consulted.
	Evaluated []string `json:"evaluated"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocked reports whether the verdict denies the chunk.
func (v *Verdict) Blocked() bool {
	return len(v.Denials) > 0
}

// Bundle is a versioned collection of policies shipped as one JSON file.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
