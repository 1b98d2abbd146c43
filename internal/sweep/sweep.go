// Package sweep provides a periodic sweeper that finds overdue tasks
// and reports them to a notifier. The engine reacts to mutations as
// they happen; the sweeper is the time-driven complement that notices
// tasks whose due date passed with no mutation to react to.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roach88/taskpilot/internal/rule"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSchedule runs the sweep at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Notifier receives each batch of overdue tasks found by a sweep.
type Notifier interface {
	NotifyOverdue(ctx context.Context, tasks []rule.Task) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, tasks []rule.Task) error

func (f NotifierFunc) NotifyOverdue(ctx context.Context, tasks []rule.Task) error {
	return f(ctx, tasks)
}

// LogNotifier logs each overdue task. The default when no external
// notification channel is configured.
func LogNotifier(logger *slog.Logger) Notifier {
	return NotifierFunc(func(_ context.Context, tasks []rule.Task) error {
		for _, t := range tasks {
			logger.Warn("task overdue",
				"task_id", t.ID,
				"tenant_id", t.TenantID,
				"title", t.Title,
				"status", t.Status,
				"due_at", t.DueAt.UTC().Format(time.RFC3339),
			)
		}
		return nil
	})
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Store    *taskstore.Store
	Notifier Notifier
	Logger   *slog.Logger
	Schedule string        // cron expression; defaults to DefaultSchedule
	Now      func() time.Time
	Batch    int // max tasks per sweep; defaults to 500
}

// Sweeper periodically queries the store for overdue tasks and hands
// them to the notifier.
type Sweeper struct {
	store    *taskstore.Store
	notifier Notifier
	logger   *slog.Logger
	schedule cronlib.Schedule
	now      func() time.Time
	batch    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the config. The cron expression is
// parsed eagerly so a bad schedule fails at startup, not at first tick.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier(logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		store:    cfg.Store,
		notifier: notifier,
		logger:   logger,
		schedule: sched,
		now:      now,
		batch:    batch,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("overdue sweeper started", "next_run", s.schedule.Next(s.now()).UTC().Format(time.RFC3339))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("overdue sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one overdue scan immediately. Exposed for the CLI and
// tests; the loop calls it on schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	tasks, err := s.store.ListTasks(ctx, taskstore.Filter{
		OverdueAsOf: &now,
		Limit:       s.batch,
	})
	if err != nil {
		s.logger.Error("overdue sweep failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	if err := s.notifier.NotifyOverdue(ctx, tasks); err != nil {
		s.logger.Error("overdue notification failed", "error", err, "tasks", len(tasks))
		return
	}
	s.logger.Info("overdue sweep complete", "tasks", len(tasks))
}
