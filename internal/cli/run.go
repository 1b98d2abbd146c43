package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/config"
	"github.com/roach88/taskpilot/internal/engine"
	"github.com/roach88/taskpilot/internal/sweep"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Watch    bool
	Sweep    string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config-dir>",
		Short: "Run the automation engine",
		Long: `Run the automation engine against a CUE configuration directory.

Mutations arrive as NDJSON on stdin, one JSON object per line:

  {"tenant":"acme","model":"lead","entity_id":"l-1",
   "changed_fields":{"installDate":{"old":null,"new":"2024-03-31"}},
   "snapshot":{"status":"won","installDate":"2024-03-31"}}

Effects (tasks created, rescheduled, completed, fields written) are
emitted as NDJSON on stdout. With --watch the configuration is
recompiled and swapped on file change; a bad edit keeps the previous
snapshot live. The overdue sweeper runs on the --sweep cron schedule.

Examples:
  taskpilot run --db ./taskpilot.db ./config < events.ndjson
  taskpilot run --db ./taskpilot.db --watch --sweep "*/15 * * * *" ./config`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "hot-reload configuration on file change")
	cmd.Flags().StringVar(&opts.Sweep, "sweep", sweep.DefaultSchedule, "cron schedule for the overdue sweep")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runEngine(opts *RunOptions, configDir string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("loading configuration", "dir", configDir)
	rs, err := config.LoadRuleset(configDir, 1)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	slog.Info("configuration loaded", "rules", len(rs.Rules()), "links", len(rs.Links()))

	slog.Info("opening database", "path", opts.Database)
	st, err := taskstore.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	// Entity snapshots are projected from incoming mutations; write-backs
	// update the projection and surface as field_written effects for the
	// caller to apply upstream.
	entities := engine.NewMemoryEntityStore()

	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	enc := json.NewEncoder(out)
	observer := engine.ObserverFunc(func(eff engine.Effect) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(encodeEffect(eff)); err != nil {
			slog.Error("emit effect", "error", err)
		}
	})

	eng := engine.New(st, entities, rs, engine.WithObserver(observer))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	if opts.Watch {
		watcher := config.NewWatcher(configDir, rs.Version(), eng.SwapRuleset, logger)
		if err := watcher.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start config watcher", err)
		}
	}

	sweeper, err := sweep.NewSweeper(sweep.Config{
		Store:    st,
		Logger:   logger,
		Schedule: opts.Sweep,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sweep schedule", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	slog.Info("engine running", "watch", opts.Watch, "sweep", opts.Sweep)

	// Read mutations from stdin until EOF or signal.
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Error("read stdin", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				// Drain in-flight cascades before exiting on EOF.
				eng.Drain()
				slog.Info("input closed, shutting down")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			m, err := decodeMutation(line)
			if err != nil {
				slog.Error("invalid mutation", "error", err)
				continue
			}
			entities.Seed(m.TenantID, m.Model, m.EntityID, m.Snapshot)
			if rootID, ok := eng.SubmitMutation(m); ok {
				slog.Debug("mutation accepted", "root_id", rootID, "model", m.Model, "entity_id", m.EntityID)
			}
		}
	}
}
