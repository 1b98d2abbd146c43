package engine

import (
	"fmt"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/registry"
	"github.com/roach88/taskpilot/internal/rule"
)

// matchTrigger checks whether a mutation makes a rule eligible.
//
// FIELD_UPDATED matches iff the trigger's field is in the changed set.
// STATUS_CHANGED matches iff the mutation carries a status transition.
// Model mismatch never reaches here - rules are pre-filtered per model.
func matchTrigger(t rule.Trigger, m *Mutation) bool {
	switch t.Type {
	case rule.TriggerFieldUpdated:
		_, changed := m.ChangedFields[t.FieldName]
		return changed
	case rule.TriggerStatusChanged:
		return m.StatusChange != nil
	default:
		return false
	}
}

// evalConditions applies AND semantics over a rule's conditions against
// the snapshot, with each comparison dispatched on the registry's
// declared type for the field.
//
// A false condition is a non-match (nil error); a condition that cannot
// be evaluated - unknown field, operand incoherent with the type - is
// an error the caller logs against the rule.
func evalConditions(conds []rule.Condition, model string, snapshot field.Object, reg *registry.Registry) (bool, error) {
	for _, cond := range conds {
		t, err := reg.FieldType(model, cond.Field)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", cond.Field, err)
		}

		v, ok := snapshot[cond.Field]
		if !ok {
			v = field.Null{}
		}

		matched, err := field.Compare(t, cond.Operator, v, cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", cond.Field, err)
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}
