// Package rule defines the automation data model: AutomationRule,
// FieldLink, and Task, plus the authoring-time validation that keeps
// malformed definitions out of the evaluator entirely.
//
// Values here are plain data. Definitions are compiled by the config
// package into immutable snapshots and never mutated after load; the
// engine package owns all evaluation.
package rule
