package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/taskpilot/internal/rule"
)

// Outcome classifies what an upsert did.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeUnchanged   Outcome = "unchanged"
)

// UpsertParams carries everything needed to materialize one task.
// NewID is the caller-generated ID used only when a task is created.
type UpsertParams struct {
	NewID           string
	TenantID        string
	Title           string
	Description     string
	TaskType        string
	Priority        rule.Priority
	RelatedType     string
	RelatedID       string
	DueAt           *time.Time
	InstanceKey     string
	LinkedFieldID   string
	AssigneeID      string
	CreatedByRuleID string
	Reschedule      bool
	Seq             int64
}

// UpsertTask materializes a task action idempotently in one transaction:
//
//  1. Look up the non-cancelled task keyed by
//     (tenant, related_type, related_id, instance_key).
//  2. None: insert with the computed due date (possibly unscheduled).
//  3. OPEN/IN_PROGRESS/BLOCKED with Reschedule and a changed due date:
//     update due_at in place.
//  4. DONE or CANCELLED-with-live-sibling: no mutation. Terminal tasks
//     are immutable to rescheduling.
//
// A unique-index conflict from a concurrent create is re-read and
// resolved as the update path; it never surfaces to the caller.
func (s *Store) UpsertTask(ctx context.Context, p UpsertParams) (rule.Task, Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rule.Task{}, "", fmt.Errorf("upsert task: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, found, err := lookupByInstanceKey(ctx, tx, p.TenantID, p.RelatedType, p.RelatedID, p.InstanceKey)
	if err != nil {
		return rule.Task{}, "", fmt.Errorf("upsert task: %w", err)
	}

	if !found {
		task := rule.Task{
			ID:              p.NewID,
			TenantID:        p.TenantID,
			Title:           p.Title,
			Description:     p.Description,
			TaskType:        p.TaskType,
			Status:          rule.StatusOpen,
			Priority:        p.Priority,
			RelatedType:     p.RelatedType,
			RelatedID:       p.RelatedID,
			DueAt:           p.DueAt,
			InstanceKey:     p.InstanceKey,
			LinkedFieldID:   p.LinkedFieldID,
			AssigneeID:      p.AssigneeID,
			CreatedByRuleID: p.CreatedByRuleID,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks
			(id, tenant_id, title, description, task_type, status, priority,
			 related_type, related_id, due_at, completed_at, instance_key,
			 linked_field_id, assignee_id, created_by_rule_id, created_seq, updated_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?)
		`,
			task.ID, task.TenantID, task.Title, task.Description, task.TaskType,
			string(task.Status), string(task.Priority), task.RelatedType, task.RelatedID,
			timeToDB(task.DueAt), task.InstanceKey, task.LinkedFieldID,
			task.AssigneeID, task.CreatedByRuleID, p.Seq, p.Seq,
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Concurrent create for the same instance key: the row
				// exists now, so fall through to the update path.
				existing, found, err = lookupByInstanceKey(ctx, tx, p.TenantID, p.RelatedType, p.RelatedID, p.InstanceKey)
				if err != nil {
					return rule.Task{}, "", fmt.Errorf("upsert task: re-read after conflict: %w", err)
				}
				if !found {
					return rule.Task{}, "", fmt.Errorf("upsert task: conflict but no row for instance key %q", p.InstanceKey)
				}
			} else {
				return rule.Task{}, "", fmt.Errorf("upsert task: insert: %w", err)
			}
		} else {
			if err := tx.Commit(); err != nil {
				return rule.Task{}, "", fmt.Errorf("upsert task: commit: %w", err)
			}
			return task, OutcomeCreated, nil
		}
	}

	// Terminal tasks never move.
	if existing.Status.Terminal() {
		if err := tx.Commit(); err != nil {
			return rule.Task{}, "", fmt.Errorf("upsert task: commit: %w", err)
		}
		return existing, OutcomeUnchanged, nil
	}

	if p.Reschedule && existing.Status.Reschedulable() && !sameDue(existing.DueAt, p.DueAt) {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET due_at = ?, updated_seq = ? WHERE id = ?
		`, timeToDB(p.DueAt), p.Seq, existing.ID)
		if err != nil {
			return rule.Task{}, "", fmt.Errorf("upsert task: reschedule: %w", err)
		}
		existing.DueAt = p.DueAt
		if err := tx.Commit(); err != nil {
			return rule.Task{}, "", fmt.Errorf("upsert task: commit: %w", err)
		}
		return existing, OutcomeRescheduled, nil
	}

	if err := tx.Commit(); err != nil {
		return rule.Task{}, "", fmt.Errorf("upsert task: commit: %w", err)
	}
	return existing, OutcomeUnchanged, nil
}

// CompleteTask transitions a task to DONE with the given completion
// time. Returns the updated task and whether a transition happened;
// completing an already-terminal task is a no-op, not an error.
func (s *Store) CompleteTask(ctx context.Context, taskID string, completedAt time.Time, seq int64) (rule.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rule.Task{}, false, fmt.Errorf("complete task: begin tx: %w", err)
	}
	defer tx.Rollback()

	task, found, err := getTask(ctx, tx, taskID)
	if err != nil {
		return rule.Task{}, false, fmt.Errorf("complete task: %w", err)
	}
	if !found {
		return rule.Task{}, false, fmt.Errorf("complete task: no task with id %q", taskID)
	}
	if task.Status.Terminal() {
		if err := tx.Commit(); err != nil {
			return rule.Task{}, false, fmt.Errorf("complete task: commit: %w", err)
		}
		return task, false, nil
	}

	done := completedAt.UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, updated_seq = ? WHERE id = ?
	`, string(rule.StatusDone), timeToDB(&done), seq, taskID)
	if err != nil {
		return rule.Task{}, false, fmt.Errorf("complete task: update: %w", err)
	}

	task.Status = rule.StatusDone
	task.CompletedAt = &done
	if err := tx.Commit(); err != nil {
		return rule.Task{}, false, fmt.Errorf("complete task: commit: %w", err)
	}
	return task, true, nil
}

// CancelTask transitions a task to CANCELLED. Cancelling a terminal
// task is a no-op.
func (s *Store) CancelTask(ctx context.Context, taskID string, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_seq = ?
		WHERE id = ? AND status NOT IN ('DONE', 'CANCELLED')
	`, string(rule.StatusCancelled), seq, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel task: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (rule.Task, bool, error) {
	return getTask(ctx, s.db, taskID)
}

// GetByInstanceKey returns the non-cancelled task for an idempotency key.
func (s *Store) GetByInstanceKey(ctx context.Context, tenantID, relatedType, relatedID, instanceKey string) (rule.Task, bool, error) {
	return lookupByInstanceKey(ctx, s.db, tenantID, relatedType, relatedID, instanceKey)
}

// FindOpenLinkedTask returns the non-terminal task bound to a field
// link for one entity. At most one can exist because linked tasks carry
// link-scoped instance keys.
func (s *Store) FindOpenLinkedTask(ctx context.Context, tenantID, relatedType, relatedID, linkID string) (rule.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+`
		FROM tasks
		WHERE tenant_id = ? AND related_type = ? AND related_id = ?
		  AND linked_field_id = ? AND status NOT IN ('DONE', 'CANCELLED')
		ORDER BY created_seq ASC, id ASC
		LIMIT 1
	`, tenantID, relatedType, relatedID, linkID)
	return scanTaskRow(row)
}

// querier lets the scan helpers run against *sql.DB and *sql.Tx alike.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `
	SELECT id, tenant_id, title, description, task_type, status, priority,
	       related_type, related_id, due_at, completed_at, instance_key,
	       linked_field_id, assignee_id, created_by_rule_id`

func getTask(ctx context.Context, q querier, taskID string) (rule.Task, bool, error) {
	row := q.QueryRowContext(ctx, taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return scanTaskRow(row)
}

func lookupByInstanceKey(ctx context.Context, q querier, tenantID, relatedType, relatedID, instanceKey string) (rule.Task, bool, error) {
	row := q.QueryRowContext(ctx, taskColumns+`
		FROM tasks
		WHERE tenant_id = ? AND related_type = ? AND related_id = ?
		  AND instance_key = ? AND status != 'CANCELLED'
	`, tenantID, relatedType, relatedID, instanceKey)
	return scanTaskRow(row)
}

// rowScanner abstracts *sql.Row and *sql.Rows for task scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row *sql.Row) (rule.Task, bool, error) {
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rule.Task{}, false, nil
	}
	if err != nil {
		return rule.Task{}, false, err
	}
	return task, true, nil
}

func scanTask(row rowScanner) (rule.Task, error) {
	var (
		task               rule.Task
		status, priority   string
		dueAt, completedAt sql.NullString
	)
	err := row.Scan(
		&task.ID, &task.TenantID, &task.Title, &task.Description, &task.TaskType,
		&status, &priority, &task.RelatedType, &task.RelatedID,
		&dueAt, &completedAt, &task.InstanceKey,
		&task.LinkedFieldID, &task.AssigneeID, &task.CreatedByRuleID,
	)
	if err != nil {
		return rule.Task{}, err
	}
	task.Status = rule.TaskStatus(status)
	task.Priority = rule.Priority(priority)
	if task.DueAt, err = timeFromDB(dueAt); err != nil {
		return rule.Task{}, err
	}
	if task.CompletedAt, err = timeFromDB(completedAt); err != nil {
		return rule.Task{}, err
	}
	return task, nil
}

// sameDue compares optional due timestamps.
func sameDue(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure (the IdempotencyRace case).
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
