package config

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/taskpilot/internal/registry"
	"github.com/roach88/taskpilot/internal/rule"
)

// LoadMode controls how definition errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning. Used by
	// `taskpilot validate` so authors see every problem in one pass.
	LoadModeCollectAll
)

// LoadResult holds the compiled configuration from a directory.
type LoadResult struct {
	Registry  map[string][]registry.FieldSpec
	Rules     []rule.AutomationRule
	Links     []rule.FieldLink
	CUEValue  cue.Value
	FileCount int
}

// LoadError is a loading error with an error code and CUE position.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants shared by the loader and the CLI.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeNoRegistry  = "E008"
)

// LoadDir compiles all CUE files in a directory into a LoadResult.
// Mode decides whether the first definition error aborts the load or
// every error is collected.
func LoadDir(dir string, mode LoadMode) (*LoadResult, []error) {
	var errs []error

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		CUEValue:  value,
		FileCount: len(cueFiles),
	}

	regVal := value.LookupPath(cue.ParsePath("registry"))
	if regVal.Exists() {
		models, compileErr := CompileRegistry(regVal)
		if compileErr != nil {
			errs = append(errs, convertCompileError(compileErr, "registry"))
			if mode == LoadModeFailFast {
				return result, errs
			}
		} else {
			result.Registry = models
		}
	}

	rulesVal := value.LookupPath(cue.ParsePath("rule"))
	if rulesVal.Exists() {
		iter, iterErr := rulesVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating rules: %v", iterErr)})
			if mode == LoadModeFailFast {
				return result, errs
			}
		} else {
			for iter.Next() {
				r, compileErr := CompileRule(iter.Value())
				if compileErr != nil {
					errs = append(errs, convertCompileError(compileErr, "rule."+iter.Selector().Unquoted()))
					if mode == LoadModeFailFast {
						return result, errs
					}
					continue
				}
				result.Rules = append(result.Rules, *r)
			}
		}
	}

	linksVal := value.LookupPath(cue.ParsePath("link"))
	if linksVal.Exists() {
		iter, iterErr := linksVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating links: %v", iterErr)})
			if mode == LoadModeFailFast {
				return result, errs
			}
		} else {
			for iter.Next() {
				l, compileErr := CompileLink(iter.Value())
				if compileErr != nil {
					errs = append(errs, convertCompileError(compileErr, "link."+iter.Selector().Unquoted()))
					if mode == LoadModeFailFast {
						return result, errs
					}
					continue
				}
				result.Links = append(result.Links, *l)
			}
		}
	}

	if result.Registry == nil && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoRegistry, Message: "no field registry found in config"})
	}

	return result, errs
}

// LoadRuleset loads a directory and builds a validated Ruleset snapshot
// at the given version. Definition errors from CUE compilation and from
// registry validation are both fatal: a snapshot is complete or absent.
func LoadRuleset(dir string, version int64) (*rule.Ruleset, error) {
	result, errs := LoadDir(dir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	reg, err := registry.New(version, result.Registry)
	if err != nil {
		return nil, err
	}
	return rule.NewRuleset(version, reg, result.Rules, result.Links)
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func convertCompileError(err error, context string) *LoadError {
	if compileErr, ok := err.(*CompileError); ok {
		return &LoadError{
			Code:    ErrCodeGeneric,
			Message: compileErr.Field + ": " + compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}
