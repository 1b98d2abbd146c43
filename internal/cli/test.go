package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Paths []string
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestReport aggregates scenario results for output.
type TestReport struct {
	Total     int              `json:"total"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []ScenarioResult `json:"scenarios"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario.yaml|dir> [...]",
		Short: "Run scenario files against the engine",
		Long: `Run one or more scenario files through an in-memory engine and check
their assertions. Directories are searched for *.yaml files. Unlike
simulate, every scenario must declare assertions.

Examples:
  taskpilot test scenarios/
  taskpilot test scenarios/reschedule.yaml scenarios/cascade.yaml
  taskpilot test scenarios/ --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Paths = args
			return runTest(opts, cmd)
		},
	}

	return cmd
}

func runTest(opts *TestOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	files, err := collectScenarioFiles(opts.Paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to discover scenarios", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	report := TestReport{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, path := range files {
		sr := runScenarioFile(path)
		report.Total++
		if sr.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Scenarios = append(report.Scenarios, sr)
	}

	if opts.Format == "json" {
		if report.Failed > 0 {
			if err := formatter.Success(report); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", report.Failed, report.Total))
		}
		return formatter.Success(report)
	}

	for _, sr := range report.Scenarios {
		if sr.Pass {
			fmt.Fprintf(formatter.Writer, "PASS %s (%s)\n", sr.Name, sr.Path)
			continue
		}
		fmt.Fprintf(formatter.Writer, "FAIL %s (%s)\n", sr.Name, sr.Path)
		for _, e := range sr.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", e)
		}
	}
	fmt.Fprintf(formatter.Writer, "%d passed, %d failed, %d total\n",
		report.Passed, report.Failed, report.Total)
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", report.Failed, report.Total))
	}
	return nil
}

func runScenarioFile(path string) ScenarioResult {
	sr := ScenarioResult{Path: path}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		sr.Name = filepath.Base(path)
		sr.Errors = []string{err.Error()}
		return sr
	}
	sr.Name = scenario.Name

	if len(scenario.Assertions) == 0 {
		sr.Errors = []string{"scenario has no assertions; use simulate for assertion-free runs"}
		return sr
	}

	result, err := harness.Run(scenario)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr
	}
	sr.Pass = result.Pass
	sr.Errors = result.Errors
	return sr
}

// collectScenarioFiles expands directories into their *.yaml files and
// returns a sorted, deduplicated list.
func collectScenarioFiles(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string

	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		err = filepath.Walk(p, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}
