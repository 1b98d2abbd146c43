package engine

import (
	"time"

	"github.com/roach88/taskpilot/internal/field"
)

// Origin distinguishes user mutations from engine-generated ones.
type Origin string

const (
	// OriginUser marks a mutation received from the entity store.
	OriginUser Origin = "user"
	// OriginSystem marks a synthetic mutation emitted by a write-back.
	OriginSystem Origin = "system"
)

// FieldChange carries one field's old and new value.
type FieldChange struct {
	Old field.Value `json:"old"`
	New field.Value `json:"new"`
}

// StatusChange carries an entity status transition.
type StatusChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Mutation is one change event for an entity.
//
// RootID identifies the user event a cascade descends from; a user
// mutation is its own root at depth 0. Synthetic mutations inherit the
// root and carry the parent's depth plus one.
type Mutation struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	Model         string                 `json:"model"`
	EntityID      string                 `json:"entity_id"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
	StatusChange  *StatusChange          `json:"status_change,omitempty"`
	Snapshot      field.Object           `json:"snapshot"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Origin        Origin                 `json:"origin"`
	RootID        string                 `json:"root_id"`
	Depth         int                    `json:"depth"`
	Seq           int64                  `json:"seq"`
}

// TaskCompletion is a user-initiated completion routed onto the related
// entity's loop so the resulting write-back is serialized with that
// entity's mutations.
type TaskCompletion struct {
	TaskID      string
	TenantID    string
	Model       string // task's related type
	EntityID    string // task's related ID
	CompletedAt time.Time
	RootID      string
	Depth       int
	Seq         int64
}

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeMutation represents an entity mutation to process.
	EventTypeMutation EventType = iota + 1
	// EventTypeCompletion represents a user task completion to process.
	EventTypeCompletion
)

// Event wraps mutations and completions for the per-entity queues.
type Event struct {
	Type       EventType
	Mutation   *Mutation
	Completion *TaskCompletion
}

// entityKey identifies one serialization scope.
func entityKey(tenantID, model, entityID string) string {
	return tenantID + "/" + model + "/" + entityID
}
