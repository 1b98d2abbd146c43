package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/rule"
	"github.com/roach88/taskpilot/internal/taskstore"
)

// TasksOptions holds flags for the tasks command.
type TasksOptions struct {
	*RootOptions
	Database string
	Tenant   string
	Model    string
	Entity   string
	Status   []string
	Linked   string
	Overdue  bool
	Limit    int
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TasksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks from the database",
		Long: `List tasks with optional filters. All filters combine with AND, and
results are in stable creation order.

Examples:
  taskpilot tasks --db ./taskpilot.db --tenant acme
  taskpilot tasks --db ./taskpilot.db --tenant acme --status OPEN --status BLOCKED
  taskpilot tasks --db ./taskpilot.db --tenant acme --overdue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&opts.Model, "model", "", "filter by related entity type")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter by related entity id")
	cmd.Flags().StringSliceVar(&opts.Status, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&opts.Linked, "linked-field", "", "filter by linked field id")
	cmd.Flags().BoolVar(&opts.Overdue, "overdue", false, "only open tasks past their due date")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max rows (0 = no limit)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runTasks(opts *TasksOptions, cmd *cobra.Command) error {
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

	f := taskstore.Filter{
		TenantID:      opts.Tenant,
		RelatedType:   opts.Model,
		RelatedID:     opts.Entity,
		LinkedFieldID: opts.Linked,
		Limit:         opts.Limit,
	}
	for _, s := range opts.Status {
		f.Status = append(f.Status, rule.TaskStatus(s))
	}
	if opts.Overdue {
		now := time.Now().UTC()
		f.OverdueAsOf = &now
	}

	tasks, err := st.ListTasks(context.Background(), f)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list tasks", err)
	}

	if opts.Format == "json" {
		return formatter.Success(tasks)
	}

	if len(tasks) == 0 {
		fmt.Fprintln(formatter.Writer, "no tasks")
		return nil
	}
	w := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tDUE\tRELATED\tKEY\tTITLE")
	for _, t := range tasks {
		due := "-"
		if t.DueAt != nil {
			due = t.DueAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, due, t.RelatedType, t.RelatedID, t.InstanceKey, t.Title)
	}
	return w.Flush()
}
