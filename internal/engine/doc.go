// Package engine processes entity mutation events against a rule
// snapshot: it matches automation rules, materializes tasks, applies
// field-link completion, and writes task completions back into entity
// fields as depth-guarded synthetic mutations.
//
// Concurrency model: events are sharded by (tenant, model, entityID)
// onto per-entity serialized loops. Different entities run in parallel;
// events for one entity are strictly FIFO, so the materializer's
// check-then-act and the synthetic-write cascade always observe a
// consistent snapshot for that entity. A synthetic mutation re-enters
// its own entity's loop behind whatever is already queued there.
//
// Failure isolation: one rule or link failing is logged and written to
// the audit trail; it never aborts the rest of the event.
package engine
