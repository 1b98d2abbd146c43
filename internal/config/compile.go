package config

import (
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/registry"
	"github.com/roach88/taskpilot/internal/rule"
)

// CompileError is a configuration compile error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileRegistry parses the `registry` struct: model name labels mapped
// to field-name/type-name structs.
func CompileRegistry(v cue.Value) (map[string][]registry.FieldSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	models := make(map[string][]registry.FieldSpec)
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		model := iter.Selector().Unquoted()
		fieldIter, err := iter.Value().Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var specs []registry.FieldSpec
		for fieldIter.Next() {
			typeName, err := fieldIter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			t := field.Type(typeName)
			if !field.ValidTypes[t] {
				return nil, &CompileError{
					Field:   fmt.Sprintf("registry.%s.%s", model, fieldIter.Selector().Unquoted()),
					Message: fmt.Sprintf("unknown field type %q", typeName),
					Pos:     fieldIter.Value().Pos(),
				}
			}
			specs = append(specs, registry.FieldSpec{
				Name: fieldIter.Selector().Unquoted(),
				Type: t,
			})
		}
		models[model] = specs
	}
	return models, nil
}

// CompileRule parses one automation rule. The rule ID comes from the
// struct label:
//
//	rule: "order-blanks": { ... }
func CompileRule(v cue.Value) (*rule.AutomationRule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	r := &rule.AutomationRule{ID: lastLabel(v)}

	name, err := optionalString(v, "name")
	if err != nil {
		return nil, err
	}
	r.Name = name

	enabledVal := v.LookupPath(cue.ParsePath("enabled"))
	if enabledVal.Exists() {
		enabled, err := enabledVal.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		r.Enabled = enabled
	} else {
		r.Enabled = true
	}

	trigVal := v.LookupPath(cue.ParsePath("trigger"))
	if !trigVal.Exists() {
		return nil, &CompileError{
			Field:   fmt.Sprintf("rule.%s.trigger", r.ID),
			Message: "trigger is required",
			Pos:     v.Pos(),
		}
	}
	if r.Trigger, err = compileTrigger(trigVal); err != nil {
		return nil, err
	}

	condsVal := v.LookupPath(cue.ParsePath("conditions"))
	if condsVal.Exists() {
		condIter, err := condsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for condIter.Next() {
			cond, err := compileCondition(condIter.Value())
			if err != nil {
				return nil, err
			}
			r.Conditions = append(r.Conditions, cond)
		}
	}

	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return nil, &CompileError{
			Field:   fmt.Sprintf("rule.%s.actions", r.ID),
			Message: "at least one action is required",
			Pos:     v.Pos(),
		}
	}
	actIter, err := actionsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for actIter.Next() {
		action, err := compileAction(actIter.Value())
		if err != nil {
			return nil, err
		}
		r.Actions = append(r.Actions, action)
	}

	return r, nil
}

// CompileLink parses one field link. The link ID comes from the struct
// label:
//
//	link: "lead-blanks-ordered": { ... }
func CompileLink(v cue.Value) (*rule.FieldLink, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	l := &rule.FieldLink{ID: lastLabel(v)}

	var err error
	if l.Model, err = requiredString(v, "model", "link."+l.ID); err != nil {
		return nil, err
	}
	if l.FieldPath, err = requiredString(v, "field", "link."+l.ID); err != nil {
		return nil, err
	}
	if l.Label, err = optionalString(v, "label"); err != nil {
		return nil, err
	}

	compVal := v.LookupPath(cue.ParsePath("completion"))
	if !compVal.Exists() {
		return nil, &CompileError{
			Field:   fmt.Sprintf("link.%s.completion", l.ID),
			Message: "completion condition is required",
			Pos:     v.Pos(),
		}
	}
	kind, err := requiredString(compVal, "kind", "link."+l.ID+".completion")
	if err != nil {
		return nil, err
	}
	l.CompletionCondition.Kind = rule.CompletionKind(kind)
	if opVal := compVal.LookupPath(cue.ParsePath("value")); opVal.Exists() {
		operand, err := cueToFieldValue(opVal)
		if err != nil {
			return nil, err
		}
		l.CompletionCondition.Value = operand
	}

	wbVal := v.LookupPath(cue.ParsePath("on_complete"))
	if !wbVal.Exists() {
		return nil, &CompileError{
			Field:   fmt.Sprintf("link.%s.on_complete", l.ID),
			Message: "on_complete write-back is required",
			Pos:     v.Pos(),
		}
	}
	wbKind, err := requiredString(wbVal, "kind", "link."+l.ID+".on_complete")
	if err != nil {
		return nil, err
	}
	l.OnTaskComplete.Kind = rule.WriteBackKind(wbKind)
	if litVal := wbVal.LookupPath(cue.ParsePath("value")); litVal.Exists() {
		lit, err := cueToFieldValue(litVal)
		if err != nil {
			return nil, err
		}
		l.OnTaskComplete.Value = lit
	}

	return l, nil
}

func compileTrigger(v cue.Value) (rule.Trigger, error) {
	var t rule.Trigger

	typeName, err := requiredString(v, "type", "trigger")
	if err != nil {
		return t, err
	}
	t.Type = rule.TriggerType(typeName)

	if t.Model, err = requiredString(v, "model", "trigger"); err != nil {
		return t, err
	}
	if t.FieldName, err = optionalString(v, "field"); err != nil {
		return t, err
	}
	return t, nil
}

func compileCondition(v cue.Value) (rule.Condition, error) {
	var c rule.Condition

	fieldName, err := requiredString(v, "field", "condition")
	if err != nil {
		return c, err
	}
	c.Field = fieldName

	op, err := requiredString(v, "operator", "condition")
	if err != nil {
		return c, err
	}
	c.Operator = field.Operator(op)

	opVal := v.LookupPath(cue.ParsePath("value"))
	if opVal.Exists() {
		if c.Value, err = cueToFieldValue(opVal); err != nil {
			return c, err
		}
	} else {
		c.Value = field.Null{}
	}
	return c, nil
}

func compileAction(v cue.Value) (rule.CreateTaskAction, error) {
	var a rule.CreateTaskAction
	var err error

	if a.TaskTitle, err = requiredString(v, "title", "action"); err != nil {
		return a, err
	}
	if a.TaskDescription, err = optionalString(v, "description"); err != nil {
		return a, err
	}
	if a.TaskType, err = optionalString(v, "task_type"); err != nil {
		return a, err
	}
	priority, err := optionalString(v, "priority")
	if err != nil {
		return a, err
	}
	a.Priority = rule.Priority(priority)
	if a.AssignToUserID, err = optionalString(v, "assign_to"); err != nil {
		return a, err
	}
	if a.TaskInstanceKey, err = requiredString(v, "instance_key", "action"); err != nil {
		return a, err
	}
	if a.LinkedFieldID, err = optionalString(v, "linked_field"); err != nil {
		return a, err
	}

	reschedVal := v.LookupPath(cue.ParsePath("reschedule"))
	if reschedVal.Exists() {
		if a.RescheduleOnTriggerChange, err = reschedVal.Bool(); err != nil {
			return a, formatCUEError(err)
		}
	}

	dueVal := v.LookupPath(cue.ParsePath("due"))
	if !dueVal.Exists() {
		return a, &CompileError{
			Field:   "action.due",
			Message: "due calculation is required",
			Pos:     v.Pos(),
		}
	}
	dueType, err := requiredString(dueVal, "type", "action.due")
	if err != nil {
		return a, err
	}
	a.DueAt.Type = rule.DueAtType(dueType)
	if a.DueAt.FieldName, err = optionalString(dueVal, "field"); err != nil {
		return a, err
	}
	offsetVal := dueVal.LookupPath(cue.ParsePath("offset_days"))
	if offsetVal.Exists() {
		offset, err := offsetVal.Int64()
		if err != nil {
			return a, formatCUEError(err)
		}
		a.DueAt.OffsetDays = int(offset)
	}

	return a, nil
}

// cueToFieldValue converts a concrete CUE scalar or list into a field
// value. Condition operands and write-back literals come through here.
func cueToFieldValue(v cue.Value) (field.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return field.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return field.String(s), nil
	case cue.IntKind, cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return field.Number(f), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return field.Bool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var list field.List
		for iter.Next() {
			elem, err := cueToFieldValue(iter.Value())
			if err != nil {
				return nil, err
			}
			list = append(list, elem)
		}
		return list, nil
	default:
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("unsupported value kind: %v", v.Kind()),
			Pos:     v.Pos(),
		}
	}
}

func lastLabel(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return sels[len(sels)-1].Unquoted()
}

func requiredString(v cue.Value, path, context string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   context + "." + path,
			Message: path + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE SDK errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
