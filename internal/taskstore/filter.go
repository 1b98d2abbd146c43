package taskstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/taskpilot/internal/rule"
)

// Filter narrows task listings. Zero-valued fields are ignored.
// All values are parameterized, never interpolated, and every compiled
// query carries a stable ORDER BY so listings are reproducible.
type Filter struct {
	TenantID      string
	RelatedType   string
	RelatedID     string
	Status        []rule.TaskStatus
	LinkedFieldID string
	DueBefore     *time.Time
	OverdueAsOf   *time.Time // open-ish tasks with due_at < this instant
	Limit         int
}

// compile renders the filter as a WHERE clause and parameter list.
func (f Filter) compile() (string, []any) {
	var (
		clauses []string
		params  []any
	)

	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		params = append(params, f.TenantID)
	}
	if f.RelatedType != "" {
		clauses = append(clauses, "related_type = ?")
		params = append(params, f.RelatedType)
	}
	if f.RelatedID != "" {
		clauses = append(clauses, "related_id = ?")
		params = append(params, f.RelatedID)
	}
	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, s := range f.Status {
			placeholders[i] = "?"
			params = append(params, string(s))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.LinkedFieldID != "" {
		clauses = append(clauses, "linked_field_id = ?")
		params = append(params, f.LinkedFieldID)
	}
	if f.DueBefore != nil {
		clauses = append(clauses, "due_at IS NOT NULL AND due_at < ?")
		params = append(params, f.DueBefore.UTC().Format(time.RFC3339Nano))
	}
	if f.OverdueAsOf != nil {
		clauses = append(clauses, "status IN ('OPEN', 'IN_PROGRESS', 'BLOCKED') AND due_at IS NOT NULL AND due_at < ?")
		params = append(params, f.OverdueAsOf.UTC().Format(time.RFC3339Nano))
	}

	if len(clauses) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}

// ListTasks returns tasks matching the filter in deterministic order:
// created_seq ASC with the ID as tiebreaker.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]rule.Task, error) {
	where, params := f.compile()

	query := taskColumns + " FROM tasks" + where + " ORDER BY created_seq ASC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []rule.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: scan: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	if tasks == nil {
		tasks = []rule.Task{}
	}
	return tasks, nil
}
