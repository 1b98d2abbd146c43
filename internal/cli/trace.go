package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/taskstore"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RootID   string
}

// CascadeEvent is one mutation in the cascade timeline plus the rule
// firings it produced.
type CascadeEvent struct {
	Seq      int64                    `json:"seq"`
	ID       string                   `json:"id"`
	Origin   string                   `json:"origin"`
	Depth    int                      `json:"depth"`
	Model    string                   `json:"model"`
	EntityID string                   `json:"entity_id"`
	Payload  json.RawMessage          `json:"payload"`
	Firings  []taskstore.FiringRecord `json:"firings"`
}

// TraceStats summarizes a cascade.
type TraceStats struct {
	Mutations      int `json:"mutations"`
	UserMutations  int `json:"user_mutations"`
	SyntheticDepth int `json:"max_depth"`
	Firings        int `json:"firings"`
	AuditEntries   int `json:"audit_entries"`
}

// TraceResult is the full trace output for a root event.
type TraceResult struct {
	RootID   string                  `json:"root_id"`
	Timeline []CascadeEvent          `json:"timeline"`
	Audit    []taskstore.AuditRecord `json:"audit"`
	Stats    TraceStats              `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the cascade for a root event",
		Long: `Show everything a root event caused: the mutation timeline (the user
mutation plus every synthetic mutation emitted by write-backs), the
rule firings on each mutation, and any isolated errors in the audit
trail.

Examples:
  taskpilot trace --db ./taskpilot.db --root ev-01890000
  taskpilot trace --db ./taskpilot.db --root ev-01890000 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.RootID, "root", "", "root event id (required)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := taskstore.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := context.Background()
	mutations, err := st.ReadCascade(ctx, opts.RootID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cascade", err)
	}
	if len(mutations) == 0 {
		_ = formatter.Error("NOT_FOUND", fmt.Sprintf("no cascade found for root %s", opts.RootID), nil)
		return NewExitError(ExitCommandError, "root event not found")
	}

	audit, err := st.ReadAudit(ctx, opts.RootID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read audit trail", err)
	}

	result := TraceResult{
		RootID:   opts.RootID,
		Timeline: make([]CascadeEvent, 0, len(mutations)),
		Audit:    audit,
	}
	for _, m := range mutations {
		firings, err := st.ReadFirings(ctx, m.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read firings", err)
		}
		result.Timeline = append(result.Timeline, CascadeEvent{
			Seq:      m.Seq,
			ID:       m.ID,
			Origin:   m.Origin,
			Depth:    m.Depth,
			Model:    m.Model,
			EntityID: m.EntityID,
			Payload:  json.RawMessage(m.Payload),
			Firings:  firings,
		})
		result.Stats.Mutations++
		if m.Origin == "user" {
			result.Stats.UserMutations++
		}
		if m.Depth > result.Stats.SyntheticDepth {
			result.Stats.SyntheticDepth = m.Depth
		}
		result.Stats.Firings += len(firings)
	}
	result.Stats.AuditEntries = len(audit)

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "cascade for root %s\n", result.RootID)
	for _, ev := range result.Timeline {
		fmt.Fprintf(formatter.Writer, "  seq=%d depth=%d origin=%s %s/%s (%s)\n",
			ev.Seq, ev.Depth, ev.Origin, ev.Model, ev.EntityID, ev.ID)
		for _, f := range ev.Firings {
			fmt.Fprintf(formatter.Writer, "    fired %s -> task %s [%s] (%s)\n",
				f.RuleID, f.TaskID, f.InstanceKey, f.Outcome)
		}
	}
	for _, a := range result.Audit {
		fmt.Fprintf(formatter.Writer, "  audit [%s] %s\n", a.Code, a.Detail)
	}
	fmt.Fprintf(formatter.Writer, "%d mutation(s), %d firing(s), max depth %d, %d audit record(s)\n",
		result.Stats.Mutations, result.Stats.Firings, result.Stats.SyntheticDepth, result.Stats.AuditEntries)
	return nil
}
