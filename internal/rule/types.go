package rule

import (
	"github.com/roach88/taskpilot/internal/field"
)

// TriggerType selects the event class a rule reacts to.
type TriggerType string

const (
	// TriggerFieldUpdated fires when a named field appears in the
	// mutation's changed-field set.
	TriggerFieldUpdated TriggerType = "FIELD_UPDATED"
	// TriggerStatusChanged fires when the mutation carries a status
	// transition for the entity.
	TriggerStatusChanged TriggerType = "STATUS_CHANGED"
)

// Trigger describes what makes a rule eligible to evaluate.
type Trigger struct {
	Type      TriggerType `json:"type"`
	Model     string      `json:"model"`
	FieldName string      `json:"field_name,omitempty"` // required for FIELD_UPDATED
}

// Condition is one AND-ed predicate over an entity snapshot field.
// The operand Value is compared under the registry's declared type for
// Field, never by raw string equality.
type Condition struct {
	Field    string         `json:"field"`
	Operator field.Operator `json:"operator"`
	Value    field.Value    `json:"value"`
}

// DueAtType selects how a task's due date is computed.
type DueAtType string

const (
	// DueRelativeToField anchors the due date to a date field on the
	// entity snapshot.
	DueRelativeToField DueAtType = "RELATIVE_TO_FIELD"
	// DueFixedOffset anchors the due date to the triggering event's
	// timestamp.
	DueFixedOffset DueAtType = "FIXED_OFFSET"
)

// DueAtCalculation describes due-date computation for a task action.
// OffsetDays may be negative ("N days before the anchor").
type DueAtCalculation struct {
	Type       DueAtType `json:"type"`
	FieldName  string    `json:"field_name,omitempty"` // required for RELATIVE_TO_FIELD
	OffsetDays int       `json:"offset_days"`
}

// CreateTaskAction is the single action kind a rule can carry.
//
// TaskInstanceKey is a template with {placeholder} substitution against
// the entity snapshot; the resolved key makes task creation idempotent
// per (relatedType, relatedID, instanceKey).
type CreateTaskAction struct {
	TaskTitle                 string           `json:"task_title"`
	TaskDescription           string           `json:"task_description,omitempty"`
	TaskType                  string           `json:"task_type"`
	Priority                  Priority         `json:"priority"`
	AssignToUserID            string           `json:"assign_to_user_id,omitempty"`
	DueAt                     DueAtCalculation `json:"due_at"`
	RescheduleOnTriggerChange bool             `json:"reschedule_on_trigger_change"`
	TaskInstanceKey           string           `json:"task_instance_key"`
	LinkedFieldID             string           `json:"linked_field_id,omitempty"`
}

// AutomationRule is a declaratively configured trigger/conditions/actions
// unit. Rules are evaluated in stable order by ID so that multiple rules
// firing from one event are reproducible.
type AutomationRule struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Enabled    bool               `json:"enabled"`
	Trigger    Trigger            `json:"trigger"`
	Conditions []Condition        `json:"conditions,omitempty"`
	Actions    []CreateTaskAction `json:"actions"`
}

// CompletionKind selects how a field value is tested for link
// auto-completion.
type CompletionKind string

const (
	CompletionNonNull CompletionKind = "NON_NULL"
	CompletionEquals  CompletionKind = "EQUALS"
	CompletionDateSet CompletionKind = "DATE_SET"
)

// CompletionCondition is the field→task half of a FieldLink.
type CompletionCondition struct {
	Kind  CompletionKind `json:"kind"`
	Value field.Value    `json:"value,omitempty"` // operand for EQUALS
}

// WriteBackKind selects what is written to the linked field when the
// task completes.
type WriteBackKind string

const (
	WriteSetNow   WriteBackKind = "SET_NOW"
	WriteSetValue WriteBackKind = "SET_VALUE"
	WriteSetTrue  WriteBackKind = "SET_TRUE"
)

// WriteBack is the task→field half of a FieldLink.
type WriteBack struct {
	Kind  WriteBackKind `json:"kind"`
	Value field.Value   `json:"value,omitempty"` // literal for SET_VALUE
}

// FieldLink is a declarative two-way binding between an entity field
// and task completion state.
type FieldLink struct {
	ID                  string              `json:"id"`
	Model               string              `json:"model"`
	FieldPath           string              `json:"field_path"`
	Label               string              `json:"label,omitempty"`
	CompletionCondition CompletionCondition `json:"completion_condition"`
	OnTaskComplete      WriteBack           `json:"on_task_complete"`
}
