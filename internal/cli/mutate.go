package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/config"
	"github.com/roach88/taskpilot/internal/engine"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	Database string
	Config   string
	Event    string
}

// NewMutateCommand creates the mutate command: submit one mutation and
// report the cascade it produced.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate",
		Short: "Submit a single mutation and print its effects",
		Long: `Submit one entity mutation against the configured rules, drain the
resulting cascade, and print every effect. The mutation is given as
JSON via --event or piped on stdin.

Examples:
  taskpilot mutate --db ./taskpilot.db --config ./config --event '{"tenant":"acme",...}'
  echo '{"tenant":"acme",...}' | taskpilot mutate --db ./taskpilot.db --config ./config`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to CUE configuration directory (required)")
	cmd.Flags().StringVar(&opts.Event, "event", "", "mutation as a JSON object (reads stdin when omitted)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// MutateResult is the mutate command's output payload.
type MutateResult struct {
	RootID  string         `json:"root_id"`
	Effects []effectOutput `json:"effects"`
}

func runMutate(opts *MutateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raw := []byte(opts.Event)
	if opts.Event == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
		raw = data
	}
	m, err := decodeMutation(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid mutation", err)
	}

	rs, err := config.LoadRuleset(opts.Config, 1)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	st, err := taskstore.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	entities := engine.NewMemoryEntityStore()
	entities.Seed(m.TenantID, m.Model, m.EntityID, m.Snapshot)

	var (
		mu      sync.Mutex
		effects []effectOutput
	)
	observer := engine.ObserverFunc(func(eff engine.Effect) {
		mu.Lock()
		defer mu.Unlock()
		effects = append(effects, encodeEffect(eff))
	})

	eng := engine.New(st, entities, rs, engine.WithObserver(observer))
	eng.Start(context.Background())
	defer eng.Stop()

	rootID, ok := eng.SubmitMutation(m)
	if !ok {
		return NewExitError(ExitCommandError, "engine rejected mutation")
	}
	eng.Drain()
	eng.CleanupRoot(rootID)

	result := MutateResult{RootID: rootID, Effects: effects}
	if result.Effects == nil {
		result.Effects = []effectOutput{}
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "root: %s\n", result.RootID)
	if len(result.Effects) == 0 {
		fmt.Fprintln(formatter.Writer, "no effects")
		return nil
	}
	for _, eff := range result.Effects {
		line, err := json.Marshal(eff)
		if err != nil {
			return err
		}
		fmt.Fprintf(formatter.Writer, "  %s\n", line)
	}
	return nil
}
