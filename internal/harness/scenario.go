package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one end-to-end automation test.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what behavior the scenario exercises.
	Description string `yaml:"description"`

	// Config is the CUE configuration directory, relative to the
	// scenario file unless absolute.
	Config string `yaml:"config"`

	// Tenant scopes every entity, mutation, and task in the scenario.
	Tenant string `yaml:"tenant"`

	// Now freezes wall time for the run (RFC 3339). SET_NOW write-backs
	// and FIXED_OFFSET due dates resolve against it.
	Now string `yaml:"now"`

	// Entities seeds the in-memory entity store before any step runs.
	Entities []EntitySeed `yaml:"entities"`

	// Steps run in order; the engine is drained after each.
	Steps []Step `yaml:"steps"`

	// Assertions validate tasks, effects, and entity state after the
	// last step.
	Assertions []Assertion `yaml:"assertions"`
}

// EntitySeed is one entity's initial snapshot.
type EntitySeed struct {
	Model  string         `yaml:"model"`
	ID     string         `yaml:"id"`
	Fields map[string]any `yaml:"fields"`
}

// Step is one scenario action. Exactly one of Mutate or CompleteTask
// is set.
type Step struct {
	Mutate       *MutateStep   `yaml:"mutate,omitempty"`
	CompleteTask *CompleteStep `yaml:"complete_task,omitempty"`
}

// MutateStep applies field updates to a seeded entity and submits the
// resulting mutation. Old values are taken from the entity's current
// snapshot, so consecutive steps see each other's writes.
type MutateStep struct {
	Model  string         `yaml:"model"`
	Entity string         `yaml:"entity"`
	Set    map[string]any `yaml:"set,omitempty"`
	Status *StatusStep    `yaml:"status,omitempty"`
}

// StatusStep carries an entity status transition on a mutate step.
type StatusStep struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

// CompleteStep marks a task done by instance key, as a user would.
type CompleteStep struct {
	Model       string `yaml:"model"`
	Entity      string `yaml:"entity"`
	InstanceKey string `yaml:"instance_key"`
}

// Assertion validates the final tasks, effects, or entity state.
type Assertion struct {
	// Type selects the assertion:
	//   - "task_state": the task at instance_key matches expect
	//   - "task_count": exactly count tasks exist (optionally per entity)
	//   - "effect_count": kind appears exactly count times in the trace
	//   - "effect_order": kinds appear as a subsequence of the trace
	//   - "entity_field": the entity field equals expect
	Type string `yaml:"type"`

	Model       string         `yaml:"model,omitempty"`
	Entity      string         `yaml:"entity,omitempty"`
	InstanceKey string         `yaml:"instance_key,omitempty"`
	Field       string         `yaml:"field,omitempty"`
	Kind        string         `yaml:"kind,omitempty"`
	Kinds       []string       `yaml:"kinds,omitempty"`
	Count       int            `yaml:"count,omitempty"`
	Expect      map[string]any `yaml:"expect,omitempty"`
	Value       any            `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTaskState   = "task_state"
	AssertTaskCount   = "task_count"
	AssertEffectCount = "effect_count"
	AssertEffectOrder = "effect_order"
	AssertEntityField = "entity_field"
)

// LoadScenario reads and parses a scenario YAML file. The config path
// is resolved relative to the scenario file. Unknown YAML fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) {
		scenario.Config = filepath.Join(filepath.Dir(path), scenario.Config)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config == "" {
		return fmt.Errorf("config directory is required")
	}
	if info, err := os.Stat(s.Config); err != nil || !info.IsDir() {
		return fmt.Errorf("config directory not found: %s", s.Config)
	}
	if s.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if s.Now != "" {
		if _, err := time.Parse(time.RFC3339, s.Now); err != nil {
			return fmt.Errorf("now: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	// Assertions may be empty: simulation runs only want the trace.

	for i, seed := range s.Entities {
		if seed.Model == "" || seed.ID == "" {
			return fmt.Errorf("entities[%d]: model and id are required", i)
		}
	}

	for i, step := range s.Steps {
		switch {
		case step.Mutate != nil && step.CompleteTask != nil:
			return fmt.Errorf("steps[%d]: mutate and complete_task are mutually exclusive", i)
		case step.Mutate != nil:
			m := step.Mutate
			if m.Model == "" || m.Entity == "" {
				return fmt.Errorf("steps[%d].mutate: model and entity are required", i)
			}
			if len(m.Set) == 0 && m.Status == nil {
				return fmt.Errorf("steps[%d].mutate: set or status is required", i)
			}
		case step.CompleteTask != nil:
			c := step.CompleteTask
			if c.Model == "" || c.Entity == "" || c.InstanceKey == "" {
				return fmt.Errorf("steps[%d].complete_task: model, entity, and instance_key are required", i)
			}
		default:
			return fmt.Errorf("steps[%d]: one of mutate or complete_task is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTaskState:
		if a.InstanceKey == "" || a.Model == "" || a.Entity == "" {
			return fmt.Errorf("assertions[%d]: task_state requires model, entity, and instance_key", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: task_state requires expect", index)
		}
	case AssertTaskCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertEffectCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: effect_count requires kind", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertEffectOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: effect_order requires kinds", index)
		}
	case AssertEntityField:
		if a.Model == "" || a.Entity == "" || a.Field == "" {
			return fmt.Errorf("assertions[%d]: entity_field requires model, entity, and field", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
