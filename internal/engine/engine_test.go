package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/rule"
	"github.com/roach88/taskpilot/internal/taskstore"
	"github.com/roach88/taskpilot/internal/testutil"
)

// effectRecorder collects effects across entity loops.
type effectRecorder struct {
	mu      sync.Mutex
	effects []Effect
}

func (r *effectRecorder) Observe(e Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, e)
}

func (r *effectRecorder) kinds() []EffectKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EffectKind, len(r.effects))
	for i, e := range r.effects {
		out[i] = e.Kind
	}
	return out
}

func (r *effectRecorder) count(kind EffectKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.effects {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, rs *rule.Ruleset, opts ...Option) (*Engine, *taskstore.Store, *MemoryEntityStore) {
	t.Helper()

	st, err := taskstore.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	entities := NewMemoryEntityStore()

	defaults := []Option{
		WithIDGenerator(NewSequenceGenerator("ev")),
		WithNow(testutil.FrozenTime(testutil.MustTime("2024-06-01T12:00:00Z"))),
	}
	eng := New(st, entities, rs, append(defaults, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(eng.Stop)
	t.Cleanup(cancel)
	eng.Start(ctx)
	return eng, st, entities
}

func defaultRuleset(t *testing.T) *rule.Ruleset {
	t.Helper()
	reg := testutil.LeadRegistry(t)
	return testutil.Ruleset(t, reg,
		[]rule.AutomationRule{testutil.OrderBlanksRule()},
		[]rule.FieldLink{testutil.BlanksOrderedLink()})
}

func wonLeadSnapshot(installDate string) field.Object {
	return field.Object{
		"status":      field.String("won"),
		"installDate": field.String(installDate),
	}
}

func installDateMutation(id, entityID, installDate string) Mutation {
	return Mutation{
		ID:       id,
		TenantID: "t1",
		Model:    "lead",
		EntityID: entityID,
		ChangedFields: map[string]FieldChange{
			"installDate": {Old: field.Null{}, New: field.String(installDate)},
		},
		Snapshot:   wonLeadSnapshot(installDate),
		OccurredAt: testutil.MustTime("2024-01-02T09:00:00Z"),
	}
}

func TestRuleFiresAndSchedulesTask(t *testing.T) {
	eng, st, _ := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()

	rootID, ok := eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	require.True(t, ok)
	assert.Equal(t, "m1", rootID)
	eng.Drain()

	task, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Order blanks", task.Title)
	assert.Equal(t, rule.StatusOpen, task.Status)
	assert.Equal(t, rule.PriorityHigh, task.Priority)
	assert.Equal(t, "order-blanks", task.CreatedByRuleID)
	require.NotNil(t, task.DueAt)
	assert.Equal(t, testutil.MustTime("2024-01-11T00:00:00Z"), *task.DueAt)

	firings, err := st.ReadFirings(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, taskstore.OutcomeCreated, firings[0].Outcome)
}

func TestRuleConditionsGateFiring(t *testing.T) {
	eng, st, _ := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()

	m := installDateMutation("m1", "lead-42", "2024-01-31")
	m.Snapshot["status"] = field.String("negotiating")
	_, ok := eng.SubmitMutation(m)
	require.True(t, ok)
	eng.Drain()

	tasks, err := st.ListTasks(ctx, taskstore.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestIdempotentReplay(t *testing.T) {
	eng, st, _ := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()

	_, ok := eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	require.True(t, ok)
	eng.Drain()

	// Redelivery of the same change creates nothing new.
	_, ok = eng.SubmitMutation(installDateMutation("m2", "lead-42", "2024-01-31"))
	require.True(t, ok)
	eng.Drain()

	tasks, err := st.ListTasks(ctx, taskstore.Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	firings, err := st.ReadFirings(ctx, "m2")
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Equal(t, taskstore.OutcomeUnchanged, firings[0].Outcome)
}

func TestRescheduleOnTriggerChange(t *testing.T) {
	eng, st, _ := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	_, _ = eng.SubmitMutation(installDateMutation("m2", "lead-42", "2024-02-14"))
	eng.Drain()

	moved, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, created.ID, moved.ID)
	require.NotNil(t, moved.DueAt)
	assert.Equal(t, testutil.MustTime("2024-01-25T00:00:00Z"), *moved.DueAt)
}

func TestDoneTaskImmuneToReschedule(t *testing.T) {
	eng, st, entities := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-42", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	_, err = eng.CompleteTask(ctx, created.ID)
	require.NoError(t, err)
	eng.Drain()

	_, _ = eng.SubmitMutation(installDateMutation("m2", "lead-42", "2024-02-14"))
	eng.Drain()

	task, _, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDone, task.Status)
	require.NotNil(t, task.DueAt)
	assert.Equal(t, testutil.MustTime("2024-01-11T00:00:00Z"), *task.DueAt)
}

func TestUserCompletionWritesBackOnce(t *testing.T) {
	rec := &effectRecorder{}
	eng, st, entities := newTestEngine(t, defaultRuleset(t), WithObserver(rec))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-42", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	rootID, err := eng.CompleteTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rootID)
	eng.Drain()

	task, _, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDone, task.Status)
	require.NotNil(t, task.CompletedAt)

	// SET_NOW stamped the linked field with the frozen clock, and the
	// synthetic mutation it emitted did not write the field again.
	assert.Equal(t, 1, entities.WriteCount("blanksOrderedDate"))
	snapshot, ok := entities.Snapshot("t1", "lead", "lead-42")
	require.True(t, ok)
	assert.Equal(t, field.String("2024-06-01T12:00:00Z"), snapshot["blanksOrderedDate"])

	assert.Equal(t, 1, rec.count(EffectTaskCompleted))
	assert.Equal(t, 1, rec.count(EffectFieldWritten))

	// The full cascade is in the audit log under one root.
	cascade, err := st.ReadCascade(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, cascade, 1)
	assert.Equal(t, "system", cascade[0].Origin)
	assert.Equal(t, 1, cascade[0].Depth)
}

func TestFieldChangeAutoCompletesLinkedTask(t *testing.T) {
	rec := &effectRecorder{}
	eng, st, entities := newTestEngine(t, defaultRuleset(t), WithObserver(rec))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-42", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	// The user sets blanksOrderedDate directly: DATE_SET satisfied, the
	// open linked task auto-completes, and the write-back cascade
	// settles without a second write.
	snapshot := wonLeadSnapshot("2024-01-31")
	snapshot["blanksOrderedDate"] = field.String("2024-05-28")
	_, ok := eng.SubmitMutation(Mutation{
		ID:       "m2",
		TenantID: "t1",
		Model:    "lead",
		EntityID: "lead-42",
		ChangedFields: map[string]FieldChange{
			"blanksOrderedDate": {Old: field.Null{}, New: field.String("2024-05-28")},
		},
		Snapshot:   snapshot,
		OccurredAt: testutil.MustTime("2024-05-28T08:00:00Z"),
	})
	require.True(t, ok)
	eng.Drain()

	task, _, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDone, task.Status)
	assert.Equal(t, 1, entities.WriteCount("blanksOrderedDate"))
	assert.Equal(t, 1, rec.count(EffectTaskCompleted))
	assert.Equal(t, 1, rec.count(EffectFieldWritten))
}

func TestCascadeDepthGuard(t *testing.T) {
	rec := &effectRecorder{}
	eng, st, entities := newTestEngine(t, defaultRuleset(t), WithObserver(rec), WithMaxDepth(0))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-42", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	rootID, err := eng.CompleteTask(ctx, created.ID)
	require.NoError(t, err)
	eng.Drain()

	// The completion lands, but the write-back was dropped at the guard.
	task, _, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDone, task.Status)
	assert.Equal(t, 0, entities.WriteCount("blanksOrderedDate"))
	assert.Equal(t, 1, rec.count(EffectCascadeDropped))

	audit, err := st.ReadAudit(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, string(ErrCodeCascadeDepth), audit[0].Code)
}

func TestCyclicLinksSettle(t *testing.T) {
	reg := testutil.LeadRegistry(t)

	linkA := rule.FieldLink{
		ID: "link-a", Model: "lead", FieldPath: "contractSignedDate",
		CompletionCondition: rule.CompletionCondition{Kind: rule.CompletionDateSet},
		OnTaskComplete:      rule.WriteBack{Kind: rule.WriteSetNow},
	}
	linkB := rule.FieldLink{
		ID: "link-b", Model: "lead", FieldPath: "blanksOrderedDate",
		CompletionCondition: rule.CompletionCondition{Kind: rule.CompletionDateSet},
		OnTaskComplete:      rule.WriteBack{Kind: rule.WriteSetNow},
	}
	ruleA := rule.AutomationRule{
		ID: "rule-a", Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerFieldUpdated, Model: "lead", FieldName: "blanksOrderedDate"},
		Actions: []rule.CreateTaskAction{{
			TaskTitle: "Task A", TaskType: "generic",
			DueAt:           rule.DueAtCalculation{Type: rule.DueFixedOffset, OffsetDays: 1},
			TaskInstanceKey: "a:{entityId}", LinkedFieldID: "link-a",
		}},
	}
	ruleB := rule.AutomationRule{
		ID: "rule-b", Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerFieldUpdated, Model: "lead", FieldName: "contractSignedDate"},
		Actions: []rule.CreateTaskAction{{
			TaskTitle: "Task B", TaskType: "generic",
			DueAt:           rule.DueAtCalculation{Type: rule.DueFixedOffset, OffsetDays: 1},
			TaskInstanceKey: "b:{entityId}", LinkedFieldID: "link-b",
		}},
	}
	rs := testutil.Ruleset(t, reg, []rule.AutomationRule{ruleA, ruleB}, []rule.FieldLink{linkA, linkB})

	eng, st, entities := newTestEngine(t, rs)
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-7", field.Object{"status": field.String("won")})

	// First change creates task A (bound to link-a).
	_, _ = eng.SubmitMutation(Mutation{
		ID: "m1", TenantID: "t1", Model: "lead", EntityID: "lead-7",
		ChangedFields: map[string]FieldChange{
			"blanksOrderedDate": {Old: field.Null{}, New: field.String("2024-05-01")},
		},
		Snapshot:   field.Object{"blanksOrderedDate": field.String("2024-05-01")},
		OccurredAt: testutil.MustTime("2024-05-01T00:00:00Z"),
	})
	eng.Drain()

	// Second change creates task B and auto-completes task A, whose
	// write-back re-enters the pipeline. The cascade must settle
	// instead of ping-ponging between the two links.
	rootID, _ := eng.SubmitMutation(Mutation{
		ID: "m2", TenantID: "t1", Model: "lead", EntityID: "lead-7",
		ChangedFields: map[string]FieldChange{
			"contractSignedDate": {Old: field.Null{}, New: field.String("2024-05-02")},
		},
		Snapshot: field.Object{
			"blanksOrderedDate":  field.String("2024-05-01"),
			"contractSignedDate": field.String("2024-05-02"),
		},
		OccurredAt: testutil.MustTime("2024-05-02T00:00:00Z"),
	})
	eng.Drain()

	taskA, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-7", "a:lead-7")
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDone, taskA.Status)

	taskB, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-7", "b:lead-7")
	require.NoError(t, err)
	assert.Equal(t, rule.StatusOpen, taskB.Status)

	// Write-back fired once, and the cascade stayed within the guard.
	assert.Equal(t, 1, entities.WriteCount("contractSignedDate"))
	cascade, err := st.ReadCascade(ctx, rootID)
	require.NoError(t, err)
	for _, m := range cascade {
		assert.LessOrEqual(t, m.Depth, DefaultMaxDepth)
	}

	audit, err := st.ReadAudit(ctx, rootID)
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestUnparseableAnchorLeavesTaskUnscheduled(t *testing.T) {
	eng, st, _ := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()

	m := installDateMutation("m1", "lead-42", "someday")
	rootID, ok := eng.SubmitMutation(m)
	require.True(t, ok)
	eng.Drain()

	task, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, task.DueAt)

	audit, err := st.ReadAudit(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, string(ErrCodeMissingAnchor), audit[0].Code)
}

func TestWriteBackFailureIsIsolated(t *testing.T) {
	eng, st, entities := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-42", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	entities.FailWriteField("blanksOrderedDate", errors.New("entity store unavailable"))
	rootID, err := eng.CompleteTask(ctx, created.ID)
	require.NoError(t, err)
	eng.Drain()

	task, _, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.StatusDone, task.Status)

	audit, err := st.ReadAudit(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, string(ErrCodeLinkFailed), audit[0].Code)

	// The engine keeps serving the entity after the failure.
	_, ok := eng.SubmitMutation(installDateMutation("m9", "lead-99", "2024-03-31"))
	require.True(t, ok)
	eng.Drain()
	fresh, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-99", "order-blanks:lead-99")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testutil.MustTime("2024-03-11T00:00:00Z"), *fresh.DueAt)
}

func TestConcurrentSubmissionsOneTask(t *testing.T) {
	eng, st, _ := newTestEngine(t, defaultRuleset(t), WithIDGenerator(UUIDv7Generator{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := installDateMutation("", "lead-42", "2024-01-31")
			_, ok := eng.SubmitMutation(m)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	eng.Drain()

	tasks, err := st.ListTasks(ctx, taskstore.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestSwapRulesetBetweenEvents(t *testing.T) {
	reg := testutil.LeadRegistry(t)
	empty := testutil.Ruleset(t, reg, nil, nil)

	eng, st, _ := newTestEngine(t, empty)
	ctx := context.Background()

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	tasks, err := st.ListTasks(ctx, taskstore.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	full := defaultRuleset(t)
	eng.SwapRuleset(full)
	assert.Same(t, full, eng.Ruleset())

	_, _ = eng.SubmitMutation(installDateMutation("m2", "lead-42", "2024-01-31"))
	eng.Drain()
	tasks, err = st.ListTasks(ctx, taskstore.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCleanupRootClearsLedger(t *testing.T) {
	eng, st, entities := newTestEngine(t, defaultRuleset(t))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-42", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	eng.Drain()
	created, _, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)

	rootID, err := eng.CompleteTask(ctx, created.ID)
	require.NoError(t, err)
	eng.Drain()

	assert.Equal(t, 1, eng.ledger.RootHistorySize(rootID))
	eng.CleanupRoot(rootID)
	assert.Equal(t, 0, eng.ledger.RootHistorySize(rootID))
}

func TestSubmitAfterStopRejected(t *testing.T) {
	eng, _, _ := newTestEngine(t, defaultRuleset(t))
	eng.Stop()

	_, ok := eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	assert.False(t, ok)
}

func TestStatusChangeTriggerFiresRule(t *testing.T) {
	reg := testutil.LeadRegistry(t)
	followup := rule.AutomationRule{
		ID: "won-followup", Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerStatusChanged, Model: "lead"},
		Actions: []rule.CreateTaskAction{{
			TaskTitle: "Schedule kickoff call", TaskType: "sales",
			DueAt:           rule.DueAtCalculation{Type: rule.DueFixedOffset, OffsetDays: 3},
			TaskInstanceKey: "kickoff:{entityId}",
		}},
	}
	rs := testutil.Ruleset(t, reg,
		[]rule.AutomationRule{followup, testutil.OrderBlanksRule()},
		[]rule.FieldLink{testutil.BlanksOrderedLink()})

	rec := &effectRecorder{}
	eng, st, _ := newTestEngine(t, rs, WithObserver(rec))
	ctx := context.Background()

	_, ok := eng.SubmitMutation(Mutation{
		ID: "m1", TenantID: "t1", Model: "lead", EntityID: "lead-42",
		StatusChange: &StatusChange{Old: "negotiating", New: "won"},
		Snapshot:     field.Object{"status": field.String("won")},
		OccurredAt:   testutil.MustTime("2024-01-02T09:00:00Z"),
	})
	require.True(t, ok)
	eng.Drain()

	task, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "kickoff:lead-42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rule.StatusOpen, task.Status)
	assert.Equal(t, "won-followup", task.CreatedByRuleID)
	require.NotNil(t, task.DueAt)
	assert.Equal(t, testutil.MustTime("2024-01-05T00:00:00Z"), task.DueAt.UTC())

	// No field change arrived, so the FIELD_UPDATED rule stays quiet.
	_, found, err = st.GetByInstanceKey(ctx, "t1", "lead", "lead-42", "order-blanks:lead-42")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, rec.count(EffectTaskCreated))
}

// contractSigningRuleset wires two links onto the same field so that
// one mutation auto-completes both tasks and both write-backs target
// contractSignedDate.
func contractSigningRuleset(t *testing.T) *rule.Ruleset {
	t.Helper()
	reg := testutil.LeadRegistry(t)

	signTask := func(suffix, linkID string) rule.AutomationRule {
		return rule.AutomationRule{
			ID: "sign-" + suffix, Enabled: true,
			Trigger: rule.Trigger{Type: rule.TriggerFieldUpdated, Model: "lead", FieldName: "installDate"},
			Actions: []rule.CreateTaskAction{{
				TaskTitle: "Collect signature " + suffix, TaskType: "legal",
				DueAt:           rule.DueAtCalculation{Type: rule.DueFixedOffset, OffsetDays: 1},
				TaskInstanceKey: "sign-" + suffix + ":{entityId}",
				LinkedFieldID:   linkID,
			}},
		}
	}
	signLink := func(id, stamp string) rule.FieldLink {
		return rule.FieldLink{
			ID: id, Model: "lead", FieldPath: "contractSignedDate",
			CompletionCondition: rule.CompletionCondition{Kind: rule.CompletionDateSet},
			OnTaskComplete:      rule.WriteBack{Kind: rule.WriteSetValue, Value: field.String(stamp)},
		}
	}

	return testutil.Ruleset(t, reg,
		[]rule.AutomationRule{signTask("a", "contract-a"), signTask("b", "contract-b")},
		[]rule.FieldLink{signLink("contract-a", "2024-03-01"), signLink("contract-b", "2024-04-01")})
}

func contractSignedMutation(id, entityID string) Mutation {
	return Mutation{
		ID: id, TenantID: "t1", Model: "lead", EntityID: entityID,
		ChangedFields: map[string]FieldChange{
			"contractSignedDate": {Old: field.Null{}, New: field.String("2024-02-20")},
		},
		Snapshot: field.Object{
			"status":             field.String("won"),
			"installDate":        field.String("2024-01-31"),
			"contractSignedDate": field.String("2024-02-20"),
		},
		OccurredAt: testutil.MustTime("2024-02-20T09:00:00Z"),
	}
}

func TestConflictingWriteBacksLastLinkWins(t *testing.T) {
	rec := &effectRecorder{}
	eng, st, entities := newTestEngine(t, contractSigningRuleset(t), WithObserver(rec))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-7", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-7", "2024-01-31"))
	eng.Drain()

	rootID, ok := eng.SubmitMutation(contractSignedMutation("m2", "lead-7"))
	require.True(t, ok)
	eng.Drain()

	// Both linked tasks auto-completed; both write-backs applied in
	// link ID order, so the higher-ID link's value is what remains.
	for _, key := range []string{"sign-a:lead-7", "sign-b:lead-7"} {
		task, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-7", key)
		require.NoError(t, err)
		require.True(t, found, key)
		assert.Equal(t, rule.StatusDone, task.Status, key)
	}
	snapshot, ok := entities.Snapshot("t1", "lead", "lead-7")
	require.True(t, ok)
	assert.Equal(t, field.String("2024-04-01"), snapshot["contractSignedDate"])
	assert.Equal(t, 2, entities.WriteCount("contractSignedDate"))
	assert.Equal(t, 2, rec.count(EffectFieldWritten))

	audit, err := st.ReadAudit(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, string(ErrCodeWriteBackConflict), audit[0].Code)
	assert.Contains(t, audit[0].Detail, "contract-a and contract-b both wrote lead.contractSignedDate")
}

func TestFailedWriteBackDoesNotClaimField(t *testing.T) {
	rec := &effectRecorder{}
	eng, st, entities := newTestEngine(t, contractSigningRuleset(t), WithObserver(rec))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-7", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-7", "2024-01-31"))
	eng.Drain()

	// The first link's write fails; the second link must not be
	// charged with a conflict against a write that never landed.
	entities.FailWriteField("contractSignedDate", errors.New("entity service unavailable"))

	rootID, ok := eng.SubmitMutation(contractSignedMutation("m2", "lead-7"))
	require.True(t, ok)
	eng.Drain()

	snapshot, ok := entities.Snapshot("t1", "lead", "lead-7")
	require.True(t, ok)
	assert.Equal(t, field.String("2024-04-01"), snapshot["contractSignedDate"])
	assert.Equal(t, 1, entities.WriteCount("contractSignedDate"))
	assert.Equal(t, 1, rec.count(EffectFieldWritten))

	audit, err := st.ReadAudit(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, string(ErrCodeLinkFailed), audit[0].Code)
}

func TestSetTrueWriteBackMarksField(t *testing.T) {
	reg := testutil.LeadRegistry(t)
	deposit := rule.AutomationRule{
		ID: "collect-deposit", Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerFieldUpdated, Model: "lead", FieldName: "installDate"},
		Actions: []rule.CreateTaskAction{{
			TaskTitle: "Collect deposit", TaskType: "finance",
			DueAt:           rule.DueAtCalculation{Type: rule.DueFixedOffset, OffsetDays: 7},
			TaskInstanceKey: "deposit:{entityId}",
			LinkedFieldID:   "lead-deposit",
		}},
	}
	depositLink := rule.FieldLink{
		ID: "lead-deposit", Model: "lead", FieldPath: "depositPaid",
		CompletionCondition: rule.CompletionCondition{Kind: rule.CompletionEquals, Value: field.Bool(true)},
		OnTaskComplete:      rule.WriteBack{Kind: rule.WriteSetTrue},
	}
	rs := testutil.Ruleset(t, reg, []rule.AutomationRule{deposit}, []rule.FieldLink{depositLink})

	rec := &effectRecorder{}
	eng, st, entities := newTestEngine(t, rs, WithObserver(rec))
	ctx := context.Background()
	entities.Seed("t1", "lead", "lead-9", wonLeadSnapshot("2024-01-31"))

	_, _ = eng.SubmitMutation(installDateMutation("m1", "lead-9", "2024-01-31"))
	eng.Drain()
	task, found, err := st.GetByInstanceKey(ctx, "t1", "lead", "lead-9", "deposit:lead-9")
	require.NoError(t, err)
	require.True(t, found)

	_, err = eng.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	eng.Drain()

	snapshot, ok := entities.Snapshot("t1", "lead", "lead-9")
	require.True(t, ok)
	assert.Equal(t, field.Bool(true), snapshot["depositPaid"])
	assert.Equal(t, 1, entities.WriteCount("depositPaid"))

	// The synthetic depositPaid mutation re-satisfies the link's EQUALS
	// condition, but the task is already DONE, so the cascade settles.
	assert.Equal(t, 1, rec.count(EffectTaskCompleted))
	assert.Equal(t, 1, rec.count(EffectFieldWritten))
}

func TestSeqResumesFromPersistedClock(t *testing.T) {
	rec := &effectRecorder{}
	eng, st, _ := newTestEngine(t, defaultRuleset(t), WithObserver(rec), WithClock(NewClockAt(500)))
	ctx := context.Background()

	_, ok := eng.SubmitMutation(installDateMutation("m1", "lead-42", "2024-01-31"))
	require.True(t, ok)
	eng.Drain()

	cascade, err := st.ReadCascade(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, cascade, 1)
	assert.Equal(t, int64(501), cascade[0].Seq)

	firings, err := st.ReadFirings(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, firings, 1)
	assert.Greater(t, firings[0].Seq, int64(500))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.effects, 1)
	assert.Equal(t, int64(504), rec.effects[0].Seq)
}
