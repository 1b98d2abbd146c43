package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/taskpilot/internal/rule"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// Engine shards mutation events onto per-entity serialized loops and
// applies rule evaluation, task materialization, and link
// synchronization on them.
//
// Thread-safety model:
//   - SubmitMutation / CompleteTask: safe from any goroutine
//   - SwapRuleset: safe from any goroutine; takes effect between
//     events, never mid-event
//   - one goroutine per entity key owns all writes for that entity
type Engine struct {
	store    *taskstore.Store
	entities EntityStore
	clock    *Clock
	ids      IDGenerator
	now      func() time.Time
	maxDepth int
	ledger   *WriteBackLedger
	observer EffectObserver

	ruleset atomic.Pointer[rule.Ruleset]

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*eventQueue
	started bool
	stopped bool

	wg      sync.WaitGroup // entity loop goroutines
	pending sync.WaitGroup // events submitted but not yet processed
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth sets the maximum synthetic-mutation chain depth per
// root event. Default: DefaultMaxDepth.
func WithMaxDepth(maxDepth int) Option {
	return func(e *Engine) { e.maxDepth = maxDepth }
}

// WithIDGenerator replaces the UUIDv7 generator, for deterministic tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithNow replaces the wall clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver registers an effect observer.
func WithObserver(o EffectObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock replaces the logical clock, e.g. to resume seq numbering
// from a persisted position.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an Engine over a task store, an entity store, and an
// immutable ruleset snapshot.
func New(store *taskstore.Store, entities EntityStore, rs *rule.Ruleset, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		entities: entities,
		clock:    NewClock(),
		ids:      UUIDv7Generator{},
		now:      func() time.Time { return time.Now().UTC() },
		maxDepth: DefaultMaxDepth,
		ledger:   NewWriteBackLedger(),
		workers:  make(map[string]*eventQueue),
	}
	e.ruleset.Store(rs)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start records the lifecycle context. Must be called once before any
// Submit; entity loops spawned afterwards stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx = ctx
	e.started = true
	slog.Info("engine started", "max_depth", e.maxDepth, "ruleset_version", e.ruleset.Load().Version())
}

// Stop closes all entity queues and waits for their loops to exit.
// Pending events are processed before the loops stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	queues := make([]*eventQueue, 0, len(e.workers))
	for _, q := range e.workers {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	e.wg.Wait()
	slog.Info("engine stopped")
}

// Drain blocks until every submitted event - including synthetic
// mutations generated while draining - has been processed.
func (e *Engine) Drain() {
	e.pending.Wait()
}

// SwapRuleset replaces the rule snapshot. In-flight events keep the
// snapshot they started with; subsequent events see the new one.
func (e *Engine) SwapRuleset(rs *rule.Ruleset) {
	old := e.ruleset.Swap(rs)
	slog.Info("ruleset swapped", "old_version", old.Version(), "new_version", rs.Version())
}

// Ruleset returns the current snapshot.
func (e *Engine) Ruleset() *rule.Ruleset {
	return e.ruleset.Load()
}

// SubmitMutation enqueues a mutation event onto its entity's loop,
// filling in ID, root, origin, and timestamp defaults. Returns the
// root ID for trace correlation, and false if the engine is stopped.
func (e *Engine) SubmitMutation(m Mutation) (string, bool) {
	if m.ID == "" {
		m.ID = e.ids.Generate()
	}
	if m.RootID == "" {
		m.RootID = m.ID
	}
	if m.Origin == "" {
		m.Origin = OriginUser
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = e.now()
	}

	ok := e.enqueue(entityKey(m.TenantID, m.Model, m.EntityID), Event{
		Type:     EventTypeMutation,
		Mutation: &m,
	})
	return m.RootID, ok
}

// CompleteTask submits a user-initiated completion. The transition and
// any write-back run on the related entity's loop, serialized with
// that entity's mutations. Returns the root ID of the resulting
// cascade.
func (e *Engine) CompleteTask(ctx context.Context, taskID string) (string, error) {
	task, found, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if !found {
		return "", fmt.Errorf("complete task %s: not found", taskID)
	}

	rootID := e.ids.Generate()
	ok := e.enqueue(entityKey(task.TenantID, task.RelatedType, task.RelatedID), Event{
		Type: EventTypeCompletion,
		Completion: &TaskCompletion{
			TaskID:      task.ID,
			TenantID:    task.TenantID,
			Model:       task.RelatedType,
			EntityID:    task.RelatedID,
			CompletedAt: e.now(),
			RootID:      rootID,
			Depth:       0,
		},
	})
	if !ok {
		return "", fmt.Errorf("complete task %s: engine stopped", taskID)
	}
	return rootID, nil
}

// CleanupRoot discards the write-back ledger history for a settled
// cascade. Callers invoke it after Drain, or on whatever cadence their
// root bookkeeping allows; skipping it leaks one map entry per root.
func (e *Engine) CleanupRoot(rootID string) {
	e.ledger.Clear(rootID)
}

// enqueue routes an event to its entity's queue, creating the queue
// and its loop goroutine on first use.
func (e *Engine) enqueue(key string, ev Event) bool {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return false
	}
	q, ok := e.workers[key]
	if !ok {
		q = newEventQueue()
		e.workers[key] = q
		e.wg.Add(1)
		go e.runLoop(e.ctx, key, q)
	}
	e.mu.Unlock()

	e.pending.Add(1)
	if !q.Enqueue(ev) {
		e.pending.Done()
		return false
	}
	return true
}

// runLoop is one entity's single-writer loop. All task writes and
// synthetic emissions for the entity happen here, in FIFO order.
//
// On event failure the error is logged with full context and the loop
// continues: retries would reorder effects relative to later events,
// and the audit log already carries what an operator needs.
func (e *Engine) runLoop(ctx context.Context, key string, q *eventQueue) {
	defer e.wg.Done()

	for {
		ev, ok := q.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, ev); err != nil {
				logEventError(key, ev, err)
			}
			e.pending.Done()
			continue
		}

		select {
		case <-ctx.Done():
			q.Close()
			// Account for events that will never be processed.
			for {
				if _, ok := q.TryDequeue(); !ok {
					break
				}
				e.pending.Done()
			}
			slog.Debug("entity loop stopping: context cancelled", "entity", key)
			return

		case <-q.Wait():
			if q.Closed() && q.Len() == 0 {
				slog.Debug("entity loop stopping: queue closed", "entity", key)
				return
			}
		}
	}
}

// processEvent routes an event to the appropriate handler.
func (e *Engine) processEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventTypeMutation:
		if ev.Mutation == nil {
			return fmt.Errorf("mutation event missing mutation data")
		}
		return e.processMutation(ctx, ev.Mutation)

	case EventTypeCompletion:
		if ev.Completion == nil {
			return fmt.Errorf("completion event missing completion data")
		}
		return e.processCompletion(ctx, ev.Completion)

	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// observe forwards an effect to the observer, if any.
func (e *Engine) observe(eff Effect) {
	if e.observer != nil {
		e.observer.Observe(eff)
	}
}

// audit writes an isolated runtime error to the audit trail. Audit
// failures are logged and swallowed - the trail is diagnostics, not a
// dependency of event processing.
func (e *Engine) audit(ctx context.Context, rootID string, code RuntimeErrorCode, detail string) {
	err := e.store.WriteAudit(ctx, taskstore.AuditRecord{
		RootID: rootID,
		Code:   string(code),
		Detail: detail,
		Seq:    e.clock.Next(),
	})
	if err != nil {
		slog.Error("audit write failed", "root_id", rootID, "code", code, "error", err)
	}
}

// logEventError logs an event processing failure with full context.
func logEventError(key string, ev Event, err error) {
	switch ev.Type {
	case EventTypeMutation:
		if ev.Mutation != nil {
			slog.Error("mutation processing failed",
				"error", err,
				"entity", key,
				"mutation_id", ev.Mutation.ID,
				"root_id", ev.Mutation.RootID,
				"depth", ev.Mutation.Depth,
				"origin", ev.Mutation.Origin,
			)
			return
		}
	case EventTypeCompletion:
		if ev.Completion != nil {
			slog.Error("completion processing failed",
				"error", err,
				"entity", key,
				"task_id", ev.Completion.TaskID,
				"root_id", ev.Completion.RootID,
			)
			return
		}
	}
	slog.Error("event processing failed", "error", err, "entity", key, "event_type", ev.Type)
}
