// Package taskstore provides durable SQLite storage for tasks, the
// mutation audit log, and rule firing records.
//
// The store owns the idempotency invariant: a partial unique index on
// (tenant_id, related_type, related_id, instance_key) over non-cancelled
// tasks makes the materializer's check-then-act a single atomic upsert.
// A concurrent duplicate insert surfaces as a conflict, is re-read, and
// resolves as the update path - never as a user-visible error.
package taskstore
