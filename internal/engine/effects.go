package engine

import (
	"context"
	"time"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/rule"
)

// EntityStore is the engine's contract with the external entity
// persistence layer. The engine never reads entities ad hoc - snapshots
// arrive on mutation events - but write-backs go through here.
type EntityStore interface {
	// WriteField sets one field and returns the previous value plus a
	// snapshot reflecting the write. The write is attributed to the
	// system, not a user.
	WriteField(ctx context.Context, tenantID, model, entityID, fieldName string, value field.Value) (old field.Value, snapshot field.Object, err error)
}

// EffectKind classifies an observable engine effect.
type EffectKind string

const (
	EffectTaskCreated     EffectKind = "task_created"
	EffectTaskRescheduled EffectKind = "task_rescheduled"
	EffectTaskCompleted   EffectKind = "task_completed"
	EffectFieldWritten    EffectKind = "field_written"
	EffectCascadeDropped  EffectKind = "cascade_dropped"
)

// Effect is one observable consequence of event processing. The
// harness collects effects into golden traces; production wiring can
// forward them to notifications.
type Effect struct {
	Kind       EffectKind  `json:"kind"`
	Seq        int64       `json:"seq"`
	RootID     string      `json:"root_id"`
	Depth      int         `json:"depth"`
	RuleID     string      `json:"rule_id,omitempty"`
	LinkID     string      `json:"link_id,omitempty"`
	Task       *rule.Task  `json:"task,omitempty"`
	Model      string      `json:"model,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	FieldName  string      `json:"field_name,omitempty"`
	FieldValue field.Value `json:"field_value,omitempty"`
	DueAt      *time.Time  `json:"due_at,omitempty"`
}

// EffectObserver receives effects as they are applied. Observe is
// called from entity loops, potentially concurrently; implementations
// synchronize internally. Observers must not block.
type EffectObserver interface {
	Observe(Effect)
}

// effectFunc adapts a function to EffectObserver.
type effectFunc func(Effect)

func (f effectFunc) Observe(e Effect) { f(e) }

// ObserverFunc wraps a function as an EffectObserver.
func ObserverFunc(f func(Effect)) EffectObserver {
	return effectFunc(f)
}
