package rule

import (
	"fmt"
	"strings"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/registry"
)

// Validation error codes (E100-E199)
const (
	// AutomationRule errors (E100-E119)
	ErrRuleIDEmpty           = "E100" // rule id is required
	ErrRuleNoActions         = "E101" // at least one action required
	ErrUnknownTriggerType    = "E102" // trigger type not in fixed set
	ErrUnknownModel          = "E103" // model not declared in registry
	ErrUnknownTriggerField   = "E104" // trigger field not in registry
	ErrTriggerFieldRequired  = "E105" // FIELD_UPDATED needs a field name
	ErrUnknownConditionField = "E106" // condition field not in registry
	ErrUnknownOperator       = "E107" // operator not in fixed set
	ErrActionTitleEmpty      = "E108" // task title is required
	ErrInstanceKeyEmpty      = "E109" // instance key template is required
	ErrUnknownPriority       = "E110" // priority not in fixed set
	ErrUnknownDueAtType      = "E111" // due-at calculation type invalid
	ErrAnchorFieldRequired   = "E112" // RELATIVE_TO_FIELD needs a field name
	ErrAnchorFieldNotDate    = "E113" // anchor field must be a date field
	ErrDuplicateInstanceKey  = "E114" // two actions share an instance key template

	// FieldLink errors (E120-E139)
	ErrLinkIDEmpty           = "E120" // link id is required
	ErrUnknownLinkField      = "E121" // field path not in registry
	ErrUnknownCompletionKind = "E122" // completion kind not in fixed set
	ErrCompletionValueNeeded = "E123" // EQUALS needs an operand value
	ErrCompletionKindsClash  = "E124" // completion kind incoherent with field type
	ErrUnknownWriteBackKind  = "E125" // write-back kind not in fixed set
	ErrWriteBackValueNeeded  = "E126" // SET_VALUE needs a literal
	ErrWriteBackKindsClash   = "E127" // write-back kind incoherent with field type
)

// DefinitionError is an authoring-time validation failure. Definitions
// with errors are rejected synchronously and never reach the evaluator.
type DefinitionError struct {
	Kind    string `json:"kind"` // "rule" or "link"
	ID      string `json:"id"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e DefinitionError) Error() string {
	return fmt.Sprintf("[%s] %s %q: %s: %s", e.Code, e.Kind, e.ID, e.Field, e.Message)
}

// ValidateRule validates an automation rule against the field registry.
// Returns all errors found (does not fail fast).
func ValidateRule(r AutomationRule, reg *registry.Registry) []DefinitionError {
	var errs []DefinitionError
	add := func(code, fieldName, msg string) {
		errs = append(errs, DefinitionError{Kind: "rule", ID: r.ID, Field: fieldName, Message: msg, Code: code})
	}

	if strings.TrimSpace(r.ID) == "" {
		add(ErrRuleIDEmpty, "id", "rule id is required")
	}
	if len(r.Actions) == 0 {
		add(ErrRuleNoActions, "actions", "at least one action is required")
	}

	switch r.Trigger.Type {
	case TriggerFieldUpdated, TriggerStatusChanged:
	default:
		add(ErrUnknownTriggerType, "trigger.type", fmt.Sprintf("unknown trigger type %q", r.Trigger.Type))
	}

	if !reg.HasModel(r.Trigger.Model) {
		add(ErrUnknownModel, "trigger.model", fmt.Sprintf("model %q not declared in field registry", r.Trigger.Model))
	} else {
		if r.Trigger.Type == TriggerFieldUpdated {
			if r.Trigger.FieldName == "" {
				add(ErrTriggerFieldRequired, "trigger.field_name", "FIELD_UPDATED trigger requires a field name")
			} else if _, ok := reg.Lookup(r.Trigger.Model, r.Trigger.FieldName); !ok {
				add(ErrUnknownTriggerField, "trigger.field_name",
					fmt.Sprintf("field %q not declared for model %q", r.Trigger.FieldName, r.Trigger.Model))
			}
		}

		for i, cond := range r.Conditions {
			prefix := fmt.Sprintf("conditions[%d]", i)
			if _, ok := reg.Lookup(r.Trigger.Model, cond.Field); !ok {
				add(ErrUnknownConditionField, prefix+".field",
					fmt.Sprintf("field %q not declared for model %q", cond.Field, r.Trigger.Model))
			}
			if !field.ValidOperators[cond.Operator] {
				add(ErrUnknownOperator, prefix+".operator", fmt.Sprintf("unknown operator %q", cond.Operator))
			}
		}
	}

	seenKeys := make(map[string]bool, len(r.Actions))
	for i, action := range r.Actions {
		prefix := fmt.Sprintf("actions[%d]", i)
		if strings.TrimSpace(action.TaskTitle) == "" {
			add(ErrActionTitleEmpty, prefix+".task_title", "task title is required")
		}
		if strings.TrimSpace(action.TaskInstanceKey) == "" {
			add(ErrInstanceKeyEmpty, prefix+".task_instance_key", "instance key template is required")
		} else if seenKeys[action.TaskInstanceKey] {
			add(ErrDuplicateInstanceKey, prefix+".task_instance_key",
				fmt.Sprintf("instance key template %q used by an earlier action", action.TaskInstanceKey))
		} else {
			seenKeys[action.TaskInstanceKey] = true
		}
		if action.Priority != "" && !ValidPriorities[action.Priority] {
			add(ErrUnknownPriority, prefix+".priority", fmt.Sprintf("unknown priority %q", action.Priority))
		}

		switch action.DueAt.Type {
		case DueRelativeToField:
			if action.DueAt.FieldName == "" {
				add(ErrAnchorFieldRequired, prefix+".due_at.field_name", "RELATIVE_TO_FIELD requires an anchor field name")
			} else if reg.HasModel(r.Trigger.Model) {
				t, err := reg.FieldType(r.Trigger.Model, action.DueAt.FieldName)
				if err != nil {
					add(ErrUnknownTriggerField, prefix+".due_at.field_name", err.Error())
				} else if t != field.TypeDate {
					add(ErrAnchorFieldNotDate, prefix+".due_at.field_name",
						fmt.Sprintf("anchor field %q is %s, want date", action.DueAt.FieldName, t))
				}
			}
		case DueFixedOffset:
			// OffsetDays of zero means "due the day it fires" - allowed
		default:
			add(ErrUnknownDueAtType, prefix+".due_at.type", fmt.Sprintf("unknown due-at type %q", action.DueAt.Type))
		}
	}

	return errs
}

// ValidateLink validates a field link against the field registry.
// Returns all errors found (does not fail fast).
func ValidateLink(l FieldLink, reg *registry.Registry) []DefinitionError {
	var errs []DefinitionError
	add := func(code, fieldName, msg string) {
		errs = append(errs, DefinitionError{Kind: "link", ID: l.ID, Field: fieldName, Message: msg, Code: code})
	}

	if strings.TrimSpace(l.ID) == "" {
		add(ErrLinkIDEmpty, "id", "link id is required")
	}
	if !reg.HasModel(l.Model) {
		add(ErrUnknownModel, "model", fmt.Sprintf("model %q not declared in field registry", l.Model))
		return errs
	}

	spec, ok := reg.Lookup(l.Model, l.FieldPath)
	if !ok {
		add(ErrUnknownLinkField, "field_path",
			fmt.Sprintf("field %q not declared for model %q", l.FieldPath, l.Model))
		return errs
	}

	switch l.CompletionCondition.Kind {
	case CompletionNonNull:
	case CompletionEquals:
		if l.CompletionCondition.Value == nil {
			add(ErrCompletionValueNeeded, "completion_condition.value", "EQUALS condition requires an operand value")
		}
	case CompletionDateSet:
		if spec.Type != field.TypeDate {
			add(ErrCompletionKindsClash, "completion_condition.kind",
				fmt.Sprintf("DATE_SET condition on %s field %q", spec.Type, l.FieldPath))
		}
	default:
		add(ErrUnknownCompletionKind, "completion_condition.kind",
			fmt.Sprintf("unknown completion condition kind %q", l.CompletionCondition.Kind))
	}

	switch l.OnTaskComplete.Kind {
	case WriteSetNow:
		if spec.Type != field.TypeDate {
			add(ErrWriteBackKindsClash, "on_task_complete.kind",
				fmt.Sprintf("SET_NOW write-back on %s field %q", spec.Type, l.FieldPath))
		}
	case WriteSetTrue:
		if spec.Type != field.TypeBool {
			add(ErrWriteBackKindsClash, "on_task_complete.kind",
				fmt.Sprintf("SET_TRUE write-back on %s field %q", spec.Type, l.FieldPath))
		}
	case WriteSetValue:
		if l.OnTaskComplete.Value == nil {
			add(ErrWriteBackValueNeeded, "on_task_complete.value", "SET_VALUE write-back requires a literal")
		}
	default:
		add(ErrUnknownWriteBackKind, "on_task_complete.kind",
			fmt.Sprintf("unknown write-back kind %q", l.OnTaskComplete.Kind))
	}

	return errs
}
