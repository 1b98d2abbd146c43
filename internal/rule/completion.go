package rule

import (
	"fmt"

	"github.com/roach88/taskpilot/internal/field"
)

// Eval tests a new field value against the completion condition under
// the field's declared type.
//
// Returns an error when the condition kind is incoherent with the
// declared type (DATE_SET on a non-date field, EQUALS against an
// incomparable operand). The engine logs such links as ambiguous and
// skips them rather than failing the event.
func (c CompletionCondition) Eval(t field.Type, v field.Value) (bool, error) {
	switch c.Kind {
	case CompletionNonNull:
		return !field.IsNull(v), nil

	case CompletionEquals:
		if field.IsNull(v) {
			return false, nil
		}
		ok, err := field.Compare(t, field.OpEquals, v, c.Value)
		if err != nil {
			return false, fmt.Errorf("ambiguous EQUALS condition: %w", err)
		}
		return ok, nil

	case CompletionDateSet:
		if t != field.TypeDate {
			return false, fmt.Errorf("ambiguous DATE_SET condition on %s field", t)
		}
		if field.IsNull(v) {
			return false, nil
		}
		return field.IsDate(v), nil

	default:
		return false, fmt.Errorf("unknown completion condition kind %q", c.Kind)
	}
}
