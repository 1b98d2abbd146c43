package rule

import (
	"log/slog"
	"regexp"

	"github.com/roach88/taskpilot/internal/field"
)

// placeholderPattern matches {name} segments in instance key templates.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// ResolveInstanceKey expands an instance key template against an entity
// snapshot. Recognized placeholders:
//
//	{model}    the entity model
//	{entityId} the entity's ID
//	{ruleId}   the firing rule's ID
//	{<field>}  any snapshot field, rendered as its string form
//
// A placeholder naming a missing field resolves to the empty string so
// the key stays deterministic for the same snapshot; the omission is
// logged at Debug.
func ResolveInstanceKey(template, model, entityID, ruleID string, snapshot field.Object) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		switch name {
		case "model":
			return model
		case "entityId":
			return entityID
		case "ruleId":
			return ruleID
		}
		v, ok := snapshot[name]
		if !ok || field.IsNull(v) {
			slog.Debug("instance key placeholder unresolved",
				"template", template,
				"placeholder", name,
				"model", model,
				"entity_id", entityID,
			)
			return ""
		}
		return renderValue(v)
	})
}

// renderValue produces the string form of a scalar snapshot value for
// key substitution. Lists and objects render as canonical JSON so keys
// remain stable across runs.
func renderValue(v field.Value) string {
	if s, ok := v.(field.String); ok {
		return string(s)
	}
	b, err := field.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(b)
}
