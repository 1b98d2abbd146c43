package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/registry"
	"github.com/roach88/taskpilot/internal/rule"
)

// LeadRegistry builds the registry used across engine and rule tests:
// a "lead" model resembling a sales pipeline entity.
func LeadRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(1, map[string][]registry.FieldSpec{
		"lead": {
			{Name: "status", Type: field.TypeString},
			{Name: "dealValue", Type: field.TypeNumber},
			{Name: "contractSignedDate", Type: field.TypeDate},
			{Name: "installDate", Type: field.TypeDate},
			{Name: "blanksOrderedDate", Type: field.TypeDate},
			{Name: "depositPaid", Type: field.TypeBool},
			{Name: "region", Type: field.TypeString},
			{Name: "tags", Type: field.TypeString},
		},
	})
	require.NoError(t, err)
	return reg
}

// Ruleset builds a validated snapshot over LeadRegistry or fails the test.
func Ruleset(t *testing.T, reg *registry.Registry, rules []rule.AutomationRule, links []rule.FieldLink) *rule.Ruleset {
	t.Helper()
	rs, err := rule.NewRuleset(reg.Version(), reg, rules, links)
	require.NoError(t, err)
	return rs
}

// OrderBlanksRule is a representative rule: when installDate is set on a
// won lead, create a procurement task due 20 days before install.
func OrderBlanksRule() rule.AutomationRule {
	return rule.AutomationRule{
		ID:      "order-blanks",
		Name:    "Order blanks after install scheduled",
		Enabled: true,
		Trigger: rule.Trigger{
			Type:      rule.TriggerFieldUpdated,
			Model:     "lead",
			FieldName: "installDate",
		},
		Conditions: []rule.Condition{
			{Field: "status", Operator: field.OpEquals, Value: field.String("won")},
		},
		Actions: []rule.CreateTaskAction{{
			TaskTitle: "Order blanks",
			TaskType:  "procurement",
			Priority:  rule.PriorityHigh,
			DueAt: rule.DueAtCalculation{
				Type:       rule.DueRelativeToField,
				FieldName:  "installDate",
				OffsetDays: -20,
			},
			RescheduleOnTriggerChange: true,
			TaskInstanceKey:           "order-blanks:{entityId}",
			LinkedFieldID:             "lead-blanks-ordered",
		}},
	}
}

// BlanksOrderedLink pairs with OrderBlanksRule: setting blanksOrderedDate
// completes the task; completing the task stamps blanksOrderedDate.
func BlanksOrderedLink() rule.FieldLink {
	return rule.FieldLink{
		ID:        "lead-blanks-ordered",
		Model:     "lead",
		FieldPath: "blanksOrderedDate",
		CompletionCondition: rule.CompletionCondition{
			Kind: rule.CompletionDateSet,
		},
		OnTaskComplete: rule.WriteBack{
			Kind: rule.WriteSetNow,
		},
	}
}
