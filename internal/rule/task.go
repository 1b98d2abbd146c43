package rule

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "OPEN"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusBlocked    TaskStatus = "BLOCKED"
	StatusDone       TaskStatus = "DONE"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the status ends the task's lifecycle.
// Terminal tasks are immutable to rescheduling.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Reschedulable reports whether a task in this status may have its due
// date moved by a rule with reschedule_on_trigger_change.
func (s TaskStatus) Reschedulable() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked:
		return true
	}
	return false
}

// Priority orders tasks for assignment and sweep reporting.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ValidPriorities defines the allowed task priorities.
var ValidPriorities = map[Priority]bool{
	PriorityLow:    true,
	PriorityMedium: true,
	PriorityHigh:   true,
	PriorityUrgent: true,
}

// Task is the materialized effect of a fired rule action.
//
// Within a tenant, (RelatedType, RelatedID, InstanceKey) identifies at
// most one non-cancelled task. DueAt and CompletedAt are UTC; a nil
// DueAt means the task is unscheduled (missing anchor field).
type Task struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	TaskType        string     `json:"task_type"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	RelatedType     string     `json:"related_type"`
	RelatedID       string     `json:"related_id"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	InstanceKey     string     `json:"instance_key"`
	LinkedFieldID   string     `json:"linked_field_id,omitempty"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	CreatedByRuleID string     `json:"created_by_rule_id,omitempty"`
}
