// Package config loads automation configuration - the field registry,
// automation rules, and field links - from CUE files into immutable
// rule.Ruleset snapshots.
//
// Configuration lives in a directory of .cue files:
//
//	registry: lead: {
//		installDate:       "date"
//		blanksDateOrdered: "date"
//		dealValue:         "number"
//	}
//
//	rule: "order-blanks": {
//		name:    "Order blanks after contract"
//		enabled: true
//		trigger: {type: "FIELD_UPDATED", model: "lead", field: "installDate"}
//		actions: [{
//			title:        "Order blanks"
//			due:          {type: "RELATIVE_TO_FIELD", field: "installDate", offset_days: -20}
//			instance_key: "order-blanks:{entityId}"
//		}]
//	}
//
//	link: "lead-blanks-ordered": {
//		model:       "lead"
//		field:       "blanksDateOrdered"
//		completion:  {kind: "DATE_SET"}
//		on_complete: {kind: "SET_NOW"}
//	}
//
// Definitions failing registry validation are rejected at load time and
// never reach the evaluator. The Watcher recompiles on file change and
// hands the new snapshot to a swap callback; a snapshot is swapped
// whole or not at all.
package config
