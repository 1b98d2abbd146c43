package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/taskpilot/internal/config"
	"github.com/roach88/taskpilot/internal/engine"
	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/taskstore"
	"github.com/roach88/taskpilot/internal/testutil"
)

// Run executes a scenario against a fresh in-memory task store and
// entity store and returns the result with the collected trace.
//
// Determinism: event IDs come from a counting generator, wall time is
// frozen at the scenario's `now`, and the engine drains fully after
// each step, so the same scenario always produces the same trace.
func Run(scenario *Scenario) (*Result, error) {
	st, err := taskstore.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	defer st.Close()

	rs, err := config.LoadRuleset(scenario.Config, 1)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	entities := engine.NewMemoryEntityStore()
	for i, seed := range scenario.Entities {
		snapshot, err := field.ObjectFromAny(seed.Fields)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		entities.Seed(scenario.Tenant, seed.Model, seed.ID, snapshot)
	}

	now := time.Now().UTC()
	if scenario.Now != "" {
		now, _ = time.Parse(time.RFC3339, scenario.Now) // validated at load
		now = now.UTC()
	}

	result := NewResult()
	result.store = st
	result.entities = entities

	var traceMu sync.Mutex
	observer := engine.ObserverFunc(func(eff engine.Effect) {
		traceMu.Lock()
		defer traceMu.Unlock()
		result.Trace = append(result.Trace, effectToTrace(eff))
	})

	eng := engine.New(st, entities, rs,
		engine.WithIDGenerator(engine.NewSequenceGenerator("ev")),
		engine.WithNow(testutil.FrozenTime(now)),
		engine.WithObserver(observer),
	)

	ctx := context.Background()
	eng.Start(ctx)
	defer eng.Stop()

	for i, step := range scenario.Steps {
		var rootID string
		switch {
		case step.Mutate != nil:
			rootID, err = runMutateStep(scenario, entities, eng, step.Mutate, now, result)
		case step.CompleteTask != nil:
			rootID, err = runCompleteStep(ctx, scenario, st, eng, step.CompleteTask, result)
		}
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		eng.Drain()
		eng.CleanupRoot(rootID)
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Store:    st,
		Entities: entities,
		Tenant:   scenario.Tenant,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func runMutateStep(scenario *Scenario, entities *engine.MemoryEntityStore, eng *engine.Engine, step *MutateStep, now time.Time, result *Result) (string, error) {
	snapshot, ok := entities.Snapshot(scenario.Tenant, step.Model, step.Entity)
	if !ok {
		return "", fmt.Errorf("mutate: entity %s/%s not seeded", step.Model, step.Entity)
	}

	changed := make(map[string]engine.FieldChange, len(step.Set))
	for name, raw := range step.Set {
		newVal, err := field.FromAny(raw)
		if err != nil {
			return "", fmt.Errorf("mutate: field %q: %w", name, err)
		}
		oldVal, present := snapshot[name]
		if !present {
			oldVal = field.Null{}
		}
		changed[name] = engine.FieldChange{Old: oldVal, New: newVal}
		snapshot[name] = newVal
	}
	entities.Seed(scenario.Tenant, step.Model, step.Entity, snapshot)

	var statusChange *engine.StatusChange
	if step.Status != nil {
		statusChange = &engine.StatusChange{Old: step.Status.Old, New: step.Status.New}
	}

	result.Trace = append(result.Trace, TraceEvent{
		Type:     "mutation",
		Model:    step.Model,
		EntityID: step.Entity,
	})

	rootID, ok := eng.SubmitMutation(engine.Mutation{
		TenantID:      scenario.Tenant,
		Model:         step.Model,
		EntityID:      step.Entity,
		ChangedFields: changed,
		StatusChange:  statusChange,
		Snapshot:      snapshot,
		OccurredAt:    now,
	})
	if !ok {
		return "", fmt.Errorf("mutate: engine rejected mutation")
	}
	return rootID, nil
}

func runCompleteStep(ctx context.Context, scenario *Scenario, st *taskstore.Store, eng *engine.Engine, step *CompleteStep, result *Result) (string, error) {
	task, found, err := st.GetByInstanceKey(ctx, scenario.Tenant, step.Model, step.Entity, step.InstanceKey)
	if err != nil {
		return "", fmt.Errorf("complete_task: %w", err)
	}
	if !found {
		return "", fmt.Errorf("complete_task: no task with instance key %q on %s/%s", step.InstanceKey, step.Model, step.Entity)
	}

	result.Trace = append(result.Trace, TraceEvent{
		Type:        "task_completion",
		Model:       step.Model,
		EntityID:    step.Entity,
		InstanceKey: step.InstanceKey,
	})

	rootID, err := eng.CompleteTask(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("complete_task: %w", err)
	}
	return rootID, nil
}

func effectToTrace(eff engine.Effect) TraceEvent {
	ev := TraceEvent{
		Type:       "effect",
		Kind:       string(eff.Kind),
		Seq:        eff.Seq,
		Model:      eff.Model,
		EntityID:   eff.EntityID,
		RuleID:     eff.RuleID,
		LinkID:     eff.LinkID,
		FieldName:  eff.FieldName,
		FieldValue: eff.FieldValue,
		Depth:      eff.Depth,
	}
	if eff.Task != nil {
		ev.InstanceKey = eff.Task.InstanceKey
		ev.TaskStatus = string(eff.Task.Status)
		ev.Model = eff.Task.RelatedType
		ev.EntityID = eff.Task.RelatedID
		if eff.Task.DueAt != nil {
			ev.DueAt = eff.Task.DueAt.UTC().Format(time.RFC3339)
		}
	}
	if eff.DueAt != nil {
		ev.DueAt = eff.DueAt.UTC().Format(time.RFC3339)
	}
	return ev
}
