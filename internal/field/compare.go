package field

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is the declared type of a field in the registry.
// Comparison semantics dispatch on it, never on the runtime shape of
// the value, so "5" in a number field compares numerically.
type Type string

const (
	TypeString Type = "string"
	TypeNumber Type = "number"
	TypeBool   Type = "bool"
	TypeDate   Type = "date"
)

// ValidTypes defines the allowed field types.
var ValidTypes = map[Type]bool{
	TypeString: true,
	TypeNumber: true,
	TypeBool:   true,
	TypeDate:   true,
}

// Operator is a condition operator from the fixed set.
type Operator string

const (
	OpEquals    Operator = "EQUALS"
	OpNotEquals Operator = "NOT_EQUALS"
	OpGT        Operator = "GT"
	OpLT        Operator = "LT"
	OpIn        Operator = "IN"
	OpContains  Operator = "CONTAINS"
)

// ValidOperators defines the allowed condition operators.
var ValidOperators = map[Operator]bool{
	OpEquals:    true,
	OpNotEquals: true,
	OpGT:        true,
	OpLT:        true,
	OpIn:        true,
	OpContains:  true,
}

// dateLayouts are the accepted anchor/date encodings, tried in order.
// Entity stores emit either bare calendar dates or RFC 3339 timestamps.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseDate parses a field value as a date. Accepts bare calendar
// dates and RFC 3339 timestamps; the result is normalized to UTC.
func ParseDate(v Value) (time.Time, error) {
	s, ok := v.(String)
	if !ok {
		return time.Time{}, fmt.Errorf("date value must be a string, got %T", v)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, string(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", string(s))
}

// IsDate reports whether v parses as a date.
func IsDate(v Value) bool {
	_, err := ParseDate(v)
	return err == nil
}

// Compare evaluates `fieldValue op operand` under the declared type t.
//
// EQUALS and NOT_EQUALS use typed equality. GT/LT are defined for
// number and date fields only. IN requires a List operand and applies
// typed equality per element. CONTAINS is substring match for string
// fields and typed membership for list-valued fields.
//
// A null field value matches nothing except NOT_EQUALS, mirroring how
// the upstream entity store treats unset fields.
func Compare(t Type, op Operator, fieldValue, operand Value) (bool, error) {
	if IsNull(fieldValue) {
		return op == OpNotEquals, nil
	}

	switch op {
	case OpEquals:
		return typedEqual(t, fieldValue, operand)

	case OpNotEquals:
		eq, err := typedEqual(t, fieldValue, operand)
		if err != nil {
			return false, err
		}
		return !eq, nil

	case OpGT, OpLT:
		return typedOrder(t, op, fieldValue, operand)

	case OpIn:
		list, ok := operand.(List)
		if !ok {
			return false, fmt.Errorf("IN operand must be a list, got %T", operand)
		}
		for _, elem := range list {
			eq, err := typedEqual(t, fieldValue, elem)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil

	case OpContains:
		return contains(t, fieldValue, operand)

	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// typedEqual compares two values for equality under the declared type.
func typedEqual(t Type, a, b Value) (bool, error) {
	switch t {
	case TypeString:
		as, err := asString(a)
		if err != nil {
			return false, err
		}
		bs, err := asString(b)
		if err != nil {
			return false, err
		}
		return as == bs, nil

	case TypeNumber:
		af, err := asNumber(a)
		if err != nil {
			return false, err
		}
		bf, err := asNumber(b)
		if err != nil {
			return false, err
		}
		return af == bf, nil

	case TypeBool:
		ab, err := asBool(a)
		if err != nil {
			return false, err
		}
		bb, err := asBool(b)
		if err != nil {
			return false, err
		}
		return ab == bb, nil

	case TypeDate:
		at, err := ParseDate(a)
		if err != nil {
			return false, err
		}
		bt, err := ParseDate(b)
		if err != nil {
			return false, err
		}
		return at.Equal(bt), nil

	default:
		return false, fmt.Errorf("unknown field type %q", t)
	}
}

// typedOrder evaluates GT/LT for number and date fields.
func typedOrder(t Type, op Operator, a, b Value) (bool, error) {
	switch t {
	case TypeNumber:
		af, err := asNumber(a)
		if err != nil {
			return false, err
		}
		bf, err := asNumber(b)
		if err != nil {
			return false, err
		}
		if op == OpGT {
			return af > bf, nil
		}
		return af < bf, nil

	case TypeDate:
		at, err := ParseDate(a)
		if err != nil {
			return false, err
		}
		bt, err := ParseDate(b)
		if err != nil {
			return false, err
		}
		if op == OpGT {
			return at.After(bt), nil
		}
		return at.Before(bt), nil

	default:
		return false, fmt.Errorf("operator %s not defined for field type %q", op, t)
	}
}

// contains evaluates CONTAINS: substring match for string fields,
// typed membership when the field value is itself a list.
func contains(t Type, fieldValue, operand Value) (bool, error) {
	if list, ok := fieldValue.(List); ok {
		for _, elem := range list {
			eq, err := typedEqual(t, elem, operand)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	}

	if t != TypeString {
		return false, fmt.Errorf("CONTAINS not defined for scalar field type %q", t)
	}
	fs, err := asString(fieldValue)
	if err != nil {
		return false, err
	}
	os, err := asString(operand)
	if err != nil {
		return false, err
	}
	return strings.Contains(fs, os), nil
}

// asString coerces a scalar Value to a string.
func asString(v Value) (string, error) {
	switch val := v.(type) {
	case String:
		return string(val), nil
	case Number:
		return strconv.FormatFloat(float64(val), 'g', -1, 64), nil
	case Bool:
		return strconv.FormatBool(bool(val)), nil
	default:
		return "", fmt.Errorf("cannot use %T as string", v)
	}
}

// asNumber coerces a Value to a number. Numeric strings are accepted
// because upstream stores persist numbers as text columns.
func asNumber(v Value) (float64, error) {
	switch val := v.(type) {
	case Number:
		return float64(val), nil
	case String:
		f, err := strconv.ParseFloat(string(val), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q in number comparison", string(val))
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot use %T as number", v)
	}
}

// asBool coerces a Value to a bool. Accepts the literal strings
// "true"/"false" from text-backed boolean columns.
func asBool(v Value) (bool, error) {
	switch val := v.(type) {
	case Bool:
		return bool(val), nil
	case String:
		b, err := strconv.ParseBool(string(val))
		if err != nil {
			return false, fmt.Errorf("non-boolean value %q in bool comparison", string(val))
		}
		return b, nil
	default:
		return false, fmt.Errorf("cannot use %T as bool", v)
	}
}
