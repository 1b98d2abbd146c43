package harness

import (
	"github.com/roach88/taskpilot/internal/engine"
	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// TraceEvent is one entry in a scenario's deterministic trace: either a
// step marker or an engine effect observed while draining that step.
type TraceEvent struct {
	Type        string      `json:"type"` // "mutation", "task_completion", or "effect"
	Seq         int64       `json:"seq,omitempty"`
	Kind        string      `json:"kind,omitempty"`
	Model       string      `json:"model,omitempty"`
	EntityID    string      `json:"entity_id,omitempty"`
	RuleID      string      `json:"rule_id,omitempty"`
	LinkID      string      `json:"link_id,omitempty"`
	InstanceKey string      `json:"instance_key,omitempty"`
	TaskStatus  string      `json:"task_status,omitempty"`
	DueAt       string      `json:"due_at,omitempty"`
	FieldName   string      `json:"field_name,omitempty"`
	FieldValue  field.Value `json:"field_value,omitempty"`
	Depth       int         `json:"depth,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists step markers and effects in processing order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed assertions. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`

	store    *taskstore.Store
	entities *engine.MemoryEntityStore
}

// NewResult creates an empty passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed assertion and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
