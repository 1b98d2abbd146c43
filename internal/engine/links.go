package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/rule"
)

// evaluateLinks runs the field→task completion pass for one mutation:
// every link whose field changed has its completion condition tested
// against the new value, and a matching condition auto-completes the
// open task bound to the link. Auto-completion goes through the same
// path as user completion, so the task→field write-back still fires.
func (e *Engine) evaluateLinks(ctx context.Context, rs *rule.Ruleset, m *Mutation) {
	// One write-back conflict scope per mutation: two links writing
	// the same field within this pass is logged, last write wins.
	written := make(map[string]string)

	for _, link := range rs.LinksFor(m.Model) {
		change, changed := m.ChangedFields[link.FieldPath]
		if !changed {
			continue
		}

		t, err := rs.Registry().FieldType(link.Model, link.FieldPath)
		if err != nil {
			slog.Warn("link field missing from registry, link skipped",
				"link_id", link.ID, "field", link.FieldPath, "error", err)
			e.audit(ctx, m.RootID, ErrCodeAmbiguousCondition,
				fmt.Sprintf("link %s: %v", link.ID, err))
			continue
		}

		matched, err := link.CompletionCondition.Eval(t, change.New)
		if err != nil {
			slog.Warn("link completion condition ambiguous, link skipped",
				"link_id", link.ID, "field", link.FieldPath, "error", err)
			e.audit(ctx, m.RootID, ErrCodeAmbiguousCondition,
				fmt.Sprintf("link %s: %v", link.ID, err))
			continue
		}
		if !matched {
			continue
		}

		task, found, err := e.store.FindOpenLinkedTask(ctx, m.TenantID, m.Model, m.EntityID, link.ID)
		if err != nil {
			slog.Error("linked task lookup failed", "link_id", link.ID, "error", err)
			e.audit(ctx, m.RootID, ErrCodeLinkFailed,
				fmt.Sprintf("link %s: lookup: %v", link.ID, err))
			continue
		}
		if !found {
			continue
		}

		slog.Debug("link condition satisfied, auto-completing task",
			"link_id", link.ID, "task_id", task.ID, "field", link.FieldPath)

		e.completeAndSync(ctx, rs, task, m.RootID, m.Depth, written)
	}
}

// processCompletion handles a user-initiated task completion on the
// related entity's loop.
func (e *Engine) processCompletion(ctx context.Context, c *TaskCompletion) error {
	c.Seq = e.clock.Next()

	task, found, err := e.store.GetTask(ctx, c.TaskID)
	if err != nil {
		return fmt.Errorf("completion of %s: %w", c.TaskID, err)
	}
	if !found {
		return fmt.Errorf("completion of %s: task not found", c.TaskID)
	}

	e.completeAndSync(ctx, e.ruleset.Load(), task, c.RootID, c.Depth, make(map[string]string))
	return nil
}

// completeAndSync transitions a task to DONE and, when the task is
// bound to a field link, applies the link's write-back. Both the user
// and auto-complete paths land here, which is what keeps write-back
// behavior identical between them.
func (e *Engine) completeAndSync(ctx context.Context, rs *rule.Ruleset, task rule.Task, rootID string, depth int, written map[string]string) {
	now := e.now()
	updated, changed, err := e.store.CompleteTask(ctx, task.ID, now, e.clock.Next())
	if err != nil {
		slog.Error("task completion failed", "task_id", task.ID, "error", err)
		e.audit(ctx, rootID, ErrCodeLinkFailed,
			fmt.Sprintf("complete task %s: %v", task.ID, err))
		return
	}
	if !changed {
		// Already terminal; completing twice is a no-op, not an error.
		return
	}

	slog.Info("task completed",
		"task_id", updated.ID, "root_id", rootID, "depth", depth,
		"linked_field_id", updated.LinkedFieldID)
	e.observe(Effect{
		Kind: EffectTaskCompleted, Seq: e.clock.Next(), RootID: rootID, Depth: depth,
		LinkID: updated.LinkedFieldID, Task: &updated,
	})

	if updated.LinkedFieldID == "" {
		return
	}

	link, ok := rs.LinkByID(updated.LinkedFieldID)
	if !ok {
		// The link was removed after the task was created. The task is
		// done either way; only the write-back is lost.
		slog.Warn("completed task references unknown link",
			"task_id", updated.ID, "link_id", updated.LinkedFieldID)
		return
	}

	e.writeBack(ctx, link, updated, rootID, depth, written)
}

// writeBack applies a link's on-complete action to the entity field
// and emits the result as a synthetic mutation one hop deeper in the
// cascade.
func (e *Engine) writeBack(ctx context.Context, link rule.FieldLink, task rule.Task, rootID string, depth int, written map[string]string) {
	nextDepth := depth + 1
	if nextDepth > e.maxDepth {
		guardErr := NewCascadeDepthError(rootID, link.ID, nextDepth, e.maxDepth)
		slog.Warn("cascade depth guard tripped, dropping write-back",
			"root_id", rootID, "link_id", link.ID, "task_id", task.ID,
			"depth", nextDepth, "max_depth", e.maxDepth)
		e.audit(ctx, rootID, ErrCodeCascadeDepth, guardErr.Message)
		e.observe(Effect{
			Kind: EffectCascadeDropped, Seq: e.clock.Next(), RootID: rootID, Depth: nextDepth,
			LinkID: link.ID, Model: link.Model, EntityID: task.RelatedID, FieldName: link.FieldPath,
		})
		return
	}

	if e.ledger.WouldRepeat(rootID, link.ID, task.ID) {
		slog.Debug("write-back already applied in this cascade, skipping",
			"root_id", rootID, "link_id", link.ID, "task_id", task.ID)
		return
	}
	e.ledger.Record(rootID, link.ID, task.ID)

	if priorLink, conflict := written[link.FieldPath]; conflict {
		slog.Warn("conflicting write-backs to one field, last write wins",
			"field", link.FieldPath, "first_link", priorLink, "second_link", link.ID,
			"root_id", rootID)
		e.audit(ctx, rootID, ErrCodeWriteBackConflict,
			fmt.Sprintf("links %s and %s both wrote %s.%s", priorLink, link.ID, link.Model, link.FieldPath))
	}

	value, err := e.writeBackValue(link.OnTaskComplete)
	if err != nil {
		slog.Error("write-back value resolution failed", "link_id", link.ID, "error", err)
		e.audit(ctx, rootID, ErrCodeLinkFailed,
			fmt.Sprintf("link %s: %v", link.ID, err))
		return
	}

	old, snapshot, err := e.entities.WriteField(ctx, task.TenantID, link.Model, task.RelatedID, link.FieldPath, value)
	if err != nil {
		slog.Error("write-back failed", "link_id", link.ID, "task_id", task.ID,
			"field", link.FieldPath, "error", err)
		e.audit(ctx, rootID, ErrCodeLinkFailed,
			fmt.Sprintf("link %s: write %s.%s: %v", link.ID, link.Model, link.FieldPath, err))
		return
	}
	// Only a landed write claims the field: a failed write must not
	// make a later link in the same pass audit a phantom conflict.
	written[link.FieldPath] = link.ID

	slog.Info("field written back",
		"link_id", link.ID, "task_id", task.ID, "model", link.Model,
		"entity_id", task.RelatedID, "field", link.FieldPath,
		"root_id", rootID, "depth", nextDepth)
	e.observe(Effect{
		Kind: EffectFieldWritten, Seq: e.clock.Next(), RootID: rootID, Depth: nextDepth,
		LinkID: link.ID, Model: link.Model, EntityID: task.RelatedID,
		FieldName: link.FieldPath, FieldValue: value,
	})

	// The write re-enters the pipeline as a tagged synthetic mutation
	// so other rules and links can legitimately react to it.
	synthetic := Mutation{
		ID:       e.ids.Generate(),
		TenantID: task.TenantID,
		Model:    link.Model,
		EntityID: task.RelatedID,
		ChangedFields: map[string]FieldChange{
			link.FieldPath: {Old: old, New: value},
		},
		Snapshot:   snapshot,
		OccurredAt: e.now(),
		Origin:     OriginSystem,
		RootID:     rootID,
		Depth:      nextDepth,
	}
	e.enqueue(entityKey(synthetic.TenantID, synthetic.Model, synthetic.EntityID), Event{
		Type:     EventTypeMutation,
		Mutation: &synthetic,
	})
}

// writeBackValue resolves the value a completed task writes to its
// linked field.
func (e *Engine) writeBackValue(wb rule.WriteBack) (field.Value, error) {
	switch wb.Kind {
	case rule.WriteSetNow:
		return field.String(e.now().UTC().Format(time.RFC3339)), nil
	case rule.WriteSetTrue:
		return field.Bool(true), nil
	case rule.WriteSetValue:
		if wb.Value == nil {
			return nil, fmt.Errorf("SET_VALUE write-back has no literal")
		}
		return wb.Value, nil
	default:
		return nil, fmt.Errorf("unknown write-back kind %q", wb.Kind)
	}
}
