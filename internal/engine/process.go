package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/taskpilot/internal/duedate"
	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/rule"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// processMutation is the full pipeline for one mutation event:
// audit-log it, evaluate rules in stable ID order, then run the
// field-link completion pass. Per-rule and per-link failures are
// isolated; only infrastructure failures (the audit write) escape.
func (e *Engine) processMutation(ctx context.Context, m *Mutation) error {
	m.Seq = e.clock.Next()

	slog.Debug("processing mutation",
		"mutation_id", m.ID,
		"model", m.Model,
		"entity_id", m.EntityID,
		"origin", m.Origin,
		"root_id", m.RootID,
		"depth", m.Depth,
		"seq", m.Seq,
	)

	if err := e.recordMutation(ctx, m); err != nil {
		return fmt.Errorf("record mutation %s: %w", m.ID, err)
	}

	rs := e.ruleset.Load()

	// Rules fire in stable ID order so multi-rule events reproduce.
	for _, r := range rs.RulesFor(m.Model) {
		if !matchTrigger(r.Trigger, m) {
			continue
		}

		matched, err := evalConditions(r.Conditions, m.Model, m.Snapshot, rs.Registry())
		if err != nil {
			slog.Error("rule condition evaluation failed",
				"rule_id", r.ID, "mutation_id", m.ID, "error", err)
			e.audit(ctx, m.RootID, ErrCodeRuleFailed,
				fmt.Sprintf("rule %s: %v", r.ID, err))
			continue
		}
		if !matched {
			// A rule failing its conditions simply does not fire.
			continue
		}

		slog.Debug("rule matched", "rule_id", r.ID, "mutation_id", m.ID)

		for _, action := range r.Actions {
			if err := e.applyAction(ctx, m, r, action); err != nil {
				slog.Error("rule action failed",
					"rule_id", r.ID, "mutation_id", m.ID, "error", err)
				e.audit(ctx, m.RootID, ErrCodeRuleFailed,
					fmt.Sprintf("rule %s: %v", r.ID, err))
				// Isolated: remaining actions and rules still run.
			}
		}
	}

	e.evaluateLinks(ctx, rs, m)
	return nil
}

// applyAction materializes one task action: compute the due date,
// resolve the instance key, upsert, and record the firing.
func (e *Engine) applyAction(ctx context.Context, m *Mutation, r rule.AutomationRule, action rule.CreateTaskAction) error {
	dueAt, err := duedate.Calc(action.DueAt, m.Snapshot, m.OccurredAt)
	if err != nil {
		// Unparseable anchor: the task is created unscheduled rather
		// than lost; the anchor problem lands in the audit trail.
		slog.Warn("due date anchor unusable, task left unscheduled",
			"rule_id", r.ID, "anchor", action.DueAt.FieldName, "error", err)
		e.audit(ctx, m.RootID, ErrCodeMissingAnchor,
			fmt.Sprintf("rule %s anchor %s: %v", r.ID, action.DueAt.FieldName, err))
		dueAt = nil
	}

	instanceKey := rule.ResolveInstanceKey(action.TaskInstanceKey, m.Model, m.EntityID, r.ID, m.Snapshot)

	priority := action.Priority
	if priority == "" {
		priority = rule.PriorityMedium
	}

	task, outcome, err := e.store.UpsertTask(ctx, taskstore.UpsertParams{
		NewID:           e.ids.Generate(),
		TenantID:        m.TenantID,
		Title:           action.TaskTitle,
		Description:     action.TaskDescription,
		TaskType:        action.TaskType,
		Priority:        priority,
		RelatedType:     m.Model,
		RelatedID:       m.EntityID,
		DueAt:           dueAt,
		InstanceKey:     instanceKey,
		LinkedFieldID:   action.LinkedFieldID,
		AssigneeID:      action.AssignToUserID,
		CreatedByRuleID: r.ID,
		Reschedule:      action.RescheduleOnTriggerChange,
		Seq:             e.clock.Next(),
	})
	if err != nil {
		return fmt.Errorf("upsert task for instance key %q: %w", instanceKey, err)
	}

	if _, err := e.store.WriteFiring(ctx, taskstore.FiringRecord{
		MutationID:  m.ID,
		RuleID:      r.ID,
		InstanceKey: instanceKey,
		TaskID:      task.ID,
		Outcome:     outcome,
		Seq:         e.clock.Next(),
	}); err != nil {
		return fmt.Errorf("record firing: %w", err)
	}

	switch outcome {
	case taskstore.OutcomeCreated:
		slog.Info("task created",
			"task_id", task.ID, "rule_id", r.ID, "instance_key", instanceKey,
			"due_at", task.DueAt, "root_id", m.RootID)
		e.observe(Effect{
			Kind: EffectTaskCreated, Seq: e.clock.Next(), RootID: m.RootID, Depth: m.Depth,
			RuleID: r.ID, Task: &task, DueAt: task.DueAt,
		})
	case taskstore.OutcomeRescheduled:
		slog.Info("task rescheduled",
			"task_id", task.ID, "rule_id", r.ID, "due_at", task.DueAt, "root_id", m.RootID)
		e.observe(Effect{
			Kind: EffectTaskRescheduled, Seq: e.clock.Next(), RootID: m.RootID, Depth: m.Depth,
			RuleID: r.ID, Task: &task, DueAt: task.DueAt,
		})
	}
	return nil
}

// recordMutation appends the mutation to the audit log as canonical
// JSON so replays and golden traces are byte-stable.
func (e *Engine) recordMutation(ctx context.Context, m *Mutation) error {
	payload, err := marshalMutationPayload(m)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	return e.store.WriteMutation(ctx, taskstore.MutationRecord{
		ID:         m.ID,
		TenantID:   m.TenantID,
		Model:      m.Model,
		EntityID:   m.EntityID,
		Origin:     string(m.Origin),
		RootID:     m.RootID,
		Depth:      m.Depth,
		OccurredAt: m.OccurredAt,
		Payload:    payload,
		Seq:        m.Seq,
	})
}

// marshalMutationPayload renders changed fields, status change, and
// snapshot as one canonical JSON object.
func marshalMutationPayload(m *Mutation) ([]byte, error) {
	changed := make(field.Object, len(m.ChangedFields))
	for name, ch := range m.ChangedFields {
		changed[name] = field.Object{
			"old": orNull(ch.Old),
			"new": orNull(ch.New),
		}
	}

	payload := field.Object{
		"changed_fields": changed,
		"snapshot":       m.Snapshot,
	}
	if m.StatusChange != nil {
		payload["status_change"] = field.Object{
			"old": field.String(m.StatusChange.Old),
			"new": field.String(m.StatusChange.New),
		}
	}
	return field.MarshalCanonical(payload)
}

// orNull lifts a nil Value to an explicit Null for serialization.
func orNull(v field.Value) field.Value {
	if v == nil {
		return field.Null{}
	}
	return v
}
