package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/harness"
)

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a scenario in memory and print the trace",
		Long: `Run a scenario file against a fresh in-memory engine and print the
resulting trace: mutations, task effects, and field write-backs.

Unlike test, simulate does not require assertions; it is the dry-run
tool for checking what a configuration does before deploying it.

Example:
  taskpilot simulate ./scenarios/order-blanks.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runSimulate(opts *RootOptions, scenarioPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(scenarioPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	formatter.VerboseLog("Running scenario %q: %s", scenario.Name, scenario.Description)

	result, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "scenario: %s\n", scenario.Name)
		for i, ev := range result.Trace {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(formatter.Writer, "  [%d] %s\n", i+1, line)
		}
		if len(scenario.Assertions) > 0 {
			if result.Pass {
				fmt.Fprintf(formatter.Writer, "assertions: %d passed\n", len(scenario.Assertions))
			} else {
				for _, msg := range result.Errors {
					fmt.Fprintln(formatter.Writer, msg)
				}
			}
		}
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("%d assertion(s) failed", len(result.Errors)))
	}
	return nil
}
