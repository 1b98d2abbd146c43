package taskstore

import (
	"context"
	"fmt"
	"time"
)

// MutationRecord is the persisted form of one processed mutation event.
// Payload is canonical JSON (changed fields plus snapshot) so replaying
// or diffing the log is byte-stable.
type MutationRecord struct {
	ID         string
	TenantID   string
	Model      string
	EntityID   string
	Origin     string // "user" or "system"
	RootID     string
	Depth      int
	OccurredAt time.Time
	Payload    []byte
	Seq        int64
}

// FiringRecord is one (mutation, rule, instance key) firing.
type FiringRecord struct {
	MutationID  string
	RuleID      string
	InstanceKey string
	TaskID      string
	Outcome     Outcome
	Seq         int64
}

// AuditRecord is an isolated runtime error attributed to a root event.
type AuditRecord struct {
	RootID string
	Code   string
	Detail string
	Seq    int64
}

// WriteMutation appends a mutation to the audit log.
// ON CONFLICT(id) DO NOTHING makes redelivery idempotent.
func (s *Store) WriteMutation(ctx context.Context, m MutationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations
		(id, tenant_id, model, entity_id, origin, root_id, depth, occurred_at, payload, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID, m.TenantID, m.Model, m.EntityID, m.Origin, m.RootID,
		m.Depth, m.OccurredAt.UTC().Format(time.RFC3339Nano), string(m.Payload), m.Seq,
	)
	if err != nil {
		return fmt.Errorf("write mutation: %w", err)
	}
	return nil
}

// WriteFiring records a rule firing. Returns whether a new row was
// inserted; a duplicate (mutation, rule, instance key) is the firing
// that already happened, so inserted=false means "skip, already done".
func (s *Store) WriteFiring(ctx context.Context, f FiringRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_firings
		(mutation_id, rule_id, instance_key, task_id, outcome, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mutation_id, rule_id, instance_key) DO NOTHING
	`,
		f.MutationID, f.RuleID, f.InstanceKey, f.TaskID, string(f.Outcome), f.Seq,
	)
	if err != nil {
		return false, fmt.Errorf("write firing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write firing: rows affected: %w", err)
	}
	return n > 0, nil
}

// WriteAudit appends an isolated runtime error to the audit trail.
func (s *Store) WriteAudit(ctx context.Context, a AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (root_id, code, detail, seq)
		VALUES (?, ?, ?, ?)
	`, a.RootID, a.Code, a.Detail, a.Seq)
	if err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

// ReadCascade returns all mutations for a root event in deterministic
// order: seq ASC with the ID as tiebreaker.
func (s *Store) ReadCascade(ctx context.Context, rootID string) ([]MutationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, model, entity_id, origin, root_id, depth, occurred_at, payload, seq
		FROM mutations
		WHERE root_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("read cascade: %w", err)
	}
	defer rows.Close()

	var records []MutationRecord
	for rows.Next() {
		var (
			m          MutationRecord
			occurredAt string
			payload    string
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Model, &m.EntityID, &m.Origin,
			&m.RootID, &m.Depth, &occurredAt, &payload, &m.Seq); err != nil {
			return nil, fmt.Errorf("read cascade: scan: %w", err)
		}
		m.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("read cascade: parse occurred_at: %w", err)
		}
		m.OccurredAt = m.OccurredAt.UTC()
		m.Payload = []byte(payload)
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read cascade: iterate: %w", err)
	}
	if records == nil {
		records = []MutationRecord{}
	}
	return records, nil
}

// ReadFirings returns the firings for a mutation in deterministic order.
func (s *Store) ReadFirings(ctx context.Context, mutationID string) ([]FiringRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mutation_id, rule_id, instance_key, task_id, outcome, seq
		FROM rule_firings
		WHERE mutation_id = ?
		ORDER BY seq ASC, rule_id COLLATE BINARY ASC
	`, mutationID)
	if err != nil {
		return nil, fmt.Errorf("read firings: %w", err)
	}
	defer rows.Close()

	var firings []FiringRecord
	for rows.Next() {
		var (
			f       FiringRecord
			outcome string
		)
		if err := rows.Scan(&f.MutationID, &f.RuleID, &f.InstanceKey, &f.TaskID, &outcome, &f.Seq); err != nil {
			return nil, fmt.Errorf("read firings: scan: %w", err)
		}
		f.Outcome = Outcome(outcome)
		firings = append(firings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read firings: iterate: %w", err)
	}
	if firings == nil {
		firings = []FiringRecord{}
	}
	return firings, nil
}

// ReadAudit returns the audit entries for a root event in seq order.
func (s *Store) ReadAudit(ctx context.Context, rootID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT root_id, code, detail, seq
		FROM audit_log
		WHERE root_id = ?
		ORDER BY seq ASC, id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.RootID, &a.Code, &a.Detail, &a.Seq); err != nil {
			return nil, fmt.Errorf("read audit: scan: %w", err)
		}
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit: iterate: %w", err)
	}
	if records == nil {
		records = []AuditRecord{}
	}
	return records, nil
}
