package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/taskpilot/internal/engine"
	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/rule"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// AssertionError is returned when an assertion fails, with enough
// context to debug from test output alone.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			switch ev.Type {
			case "effect":
				fmt.Fprintf(&buf, "  [%d] effect %s rule=%s link=%s key=%s status=%s\n",
					i+1, ev.Kind, ev.RuleID, ev.LinkID, ev.InstanceKey, ev.TaskStatus)
			default:
				fmt.Fprintf(&buf, "  [%d] %s %s/%s %s\n", i+1, ev.Type, ev.Model, ev.EntityID, ev.InstanceKey)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides store and entity access for assertions.
type AssertionContext struct {
	Ctx      context.Context
	Store    *taskstore.Store
	Entities *engine.MemoryEntityStore
	Tenant   string
}

// EvaluateAssertions evaluates all assertions against the result and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTaskState:
			err = assertTaskState(actx, a, result.Trace)
		case AssertTaskCount:
			err = assertTaskCount(actx, a, result.Trace)
		case AssertEffectCount:
			err = assertEffectCount(result.Trace, a)
		case AssertEffectOrder:
			err = assertEffectOrder(result.Trace, a)
		case AssertEntityField:
			err = assertEntityField(actx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

// assertTaskState loads the task at the instance key and checks each
// expected column. Subset semantics: only the listed keys are compared.
func assertTaskState(actx *AssertionContext, a Assertion, trace []TraceEvent) error {
	task, found, err := actx.Store.GetByInstanceKey(actx.Ctx, actx.Tenant, a.Model, a.Entity, a.InstanceKey)
	if err != nil {
		return fmt.Errorf("task_state: %w", err)
	}
	if !found {
		return &AssertionError{
			Type:     AssertTaskState,
			Expected: fmt.Sprintf("task with instance key %q on %s/%s", a.InstanceKey, a.Model, a.Entity),
			Actual:   "no such task",
			Trace:    trace,
		}
	}

	for key, want := range a.Expect {
		got, ok := taskField(task, key)
		if !ok {
			return &AssertionError{
				Type:     AssertTaskState,
				Expected: fmt.Sprintf("known task field %q", key),
				Actual:   "field is not assertable",
				Trace:    trace,
			}
		}
		if fmt.Sprintf("%v", want) != got {
			return &AssertionError{
				Type:     AssertTaskState,
				Expected: fmt.Sprintf("%s = %v", key, want),
				Actual:   fmt.Sprintf("%s = %s", key, got),
				Trace:    trace,
			}
		}
	}
	return nil
}

// taskField renders one task column as a comparable string.
func taskField(t rule.Task, key string) (string, bool) {
	switch key {
	case "status":
		return string(t.Status), true
	case "title":
		return t.Title, true
	case "description":
		return t.Description, true
	case "task_type":
		return t.TaskType, true
	case "priority":
		return string(t.Priority), true
	case "assignee":
		return t.AssigneeID, true
	case "linked_field":
		return t.LinkedFieldID, true
	case "created_by_rule":
		return t.CreatedByRuleID, true
	case "due_at":
		if t.DueAt == nil {
			return "", true
		}
		return t.DueAt.UTC().Format(time.RFC3339), true
	case "completed_at":
		if t.CompletedAt == nil {
			return "", true
		}
		return t.CompletedAt.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}

func assertTaskCount(actx *AssertionContext, a Assertion, trace []TraceEvent) error {
	tasks, err := actx.Store.ListTasks(actx.Ctx, taskstore.Filter{
		TenantID:    actx.Tenant,
		RelatedType: a.Model,
		RelatedID:   a.Entity,
	})
	if err != nil {
		return fmt.Errorf("task_count: %w", err)
	}
	if len(tasks) != a.Count {
		return &AssertionError{
			Type:     AssertTaskCount,
			Expected: fmt.Sprintf("%d tasks", a.Count),
			Actual:   fmt.Sprintf("%d tasks", len(tasks)),
			Trace:    trace,
		}
	}
	return nil
}

func assertEffectCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == "effect" && ev.Kind == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEffectCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEffectOrder checks the kinds appear as a subsequence of the
// effect trace. Intervening effects are allowed.
func assertEffectOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next >= len(a.Kinds) {
			break
		}
		if ev.Type == "effect" && ev.Kind == a.Kinds[next] {
			next++
		}
	}
	if next < len(a.Kinds) {
		return &AssertionError{
			Type:     AssertEffectOrder,
			Expected: fmt.Sprintf("effects in order: %v", a.Kinds),
			Actual:   fmt.Sprintf("missing %s at position %d", a.Kinds[next], next),
			Trace:    trace,
		}
	}
	return nil
}

func assertEntityField(actx *AssertionContext, a Assertion) error {
	snapshot, ok := actx.Entities.Snapshot(actx.Tenant, a.Model, a.Entity)
	if !ok {
		return &AssertionError{
			Type:     AssertEntityField,
			Expected: fmt.Sprintf("entity %s/%s", a.Model, a.Entity),
			Actual:   "entity not found",
		}
	}

	want, err := field.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("entity_field: expected value: %w", err)
	}
	got, present := snapshot[a.Field]
	if !present {
		got = field.Null{}
	}

	wantJSON, err := field.MarshalCanonical(want)
	if err != nil {
		return fmt.Errorf("entity_field: %w", err)
	}
	gotJSON, err := field.MarshalCanonical(got)
	if err != nil {
		return fmt.Errorf("entity_field: %w", err)
	}
	if string(wantJSON) != string(gotJSON) {
		return &AssertionError{
			Type:     AssertEntityField,
			Expected: fmt.Sprintf("%s.%s = %s", a.Entity, a.Field, wantJSON),
			Actual:   string(gotJSON),
		}
	}
	return nil
}
