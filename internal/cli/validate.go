package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/taskpilot/internal/config"
	"github.com/roach88/taskpilot/internal/registry"
	"github.com/roach88/taskpilot/internal/rule"
)

// ValidationResult holds validate output for both formats.
type ValidationResult struct {
	Valid  bool                   `json:"valid"`
	Rules  int                    `json:"rules"`
	Links  int                    `json:"links"`
	Errors []rule.DefinitionError `json:"errors,omitempty"`
	Loads  []string               `json:"load_errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-dir>",
		Short: "Validate automation configuration",
		Long: `Validate the CUE configuration: field registry, automation rules, and
field links. Collects every definition error rather than stopping at
the first, so authors can fix a whole config in one pass.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, configDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	loadResult, loadErrors := config.LoadDir(configDir, config.LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *config.LoadError
		if errors.As(loadErrors[0], &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		} else {
			_ = formatter.Error(config.ErrCodeGeneric, loadErrors[0].Error(), nil)
		}
		return NewExitError(ExitCommandError, "configuration could not be loaded")
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, configDir)

	result := ValidationResult{
		Valid: true,
		Rules: len(loadResult.Rules),
		Links: len(loadResult.Links),
	}
	for _, err := range loadErrors {
		result.Loads = append(result.Loads, err.Error())
	}

	reg, err := registry.New(1, loadResult.Registry)
	if err != nil {
		result.Loads = append(result.Loads, err.Error())
	} else {
		for _, r := range loadResult.Rules {
			result.Errors = append(result.Errors, rule.ValidateRule(r, reg)...)
		}
		for _, l := range loadResult.Links {
			result.Errors = append(result.Errors, rule.ValidateLink(l, reg)...)
		}
	}

	if len(result.Errors) > 0 || len(result.Loads) > 0 {
		result.Valid = false
		if opts.Format == "json" {
			_ = formatter.Success(result)
		} else {
			for _, msg := range result.Loads {
				fmt.Fprintln(formatter.Writer, msg)
			}
			for _, e := range result.Errors {
				fmt.Fprintln(formatter.Writer, e.Error())
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(result.Errors)+len(result.Loads)))
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("configuration valid: %d rule(s), %d link(s)", result.Rules, result.Links))
}
