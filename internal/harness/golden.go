package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/taskpilot/internal/field"
)

// TraceSnapshot captures the complete trace for golden comparison.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

// toCanonicalValue renders the snapshot as a field value tree so the
// canonical marshaler produces byte-identical output across runs.
func (s *TraceSnapshot) toCanonicalValue() (field.Value, error) {
	events := make(field.List, len(s.Trace))
	for i, ev := range s.Trace {
		obj := field.Object{
			"type": field.String(ev.Type),
		}
		if ev.Seq != 0 {
			obj["seq"] = field.Number(ev.Seq)
		}
		if ev.Kind != "" {
			obj["kind"] = field.String(ev.Kind)
		}
		if ev.Model != "" {
			obj["model"] = field.String(ev.Model)
		}
		if ev.EntityID != "" {
			obj["entity_id"] = field.String(ev.EntityID)
		}
		if ev.RuleID != "" {
			obj["rule_id"] = field.String(ev.RuleID)
		}
		if ev.LinkID != "" {
			obj["link_id"] = field.String(ev.LinkID)
		}
		if ev.InstanceKey != "" {
			obj["instance_key"] = field.String(ev.InstanceKey)
		}
		if ev.TaskStatus != "" {
			obj["task_status"] = field.String(ev.TaskStatus)
		}
		if ev.DueAt != "" {
			obj["due_at"] = field.String(ev.DueAt)
		}
		if ev.FieldName != "" {
			obj["field_name"] = field.String(ev.FieldName)
		}
		if ev.FieldValue != nil {
			obj["field_value"] = ev.FieldValue
		}
		if ev.Depth != 0 {
			obj["depth"] = field.Number(ev.Depth)
		}
		events[i] = obj
	}
	return field.Object{
		"scenario_name": field.String(s.ScenarioName),
		"trace":         events,
	}, nil
}

// RunWithGolden executes a scenario and compares the trace against the
// golden file at testdata/golden/{scenario.Name}.golden. Regenerate
// with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already-run result's trace against the named
// golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	value, err := snapshot.toCanonicalValue()
	if err != nil {
		return err
	}
	traceJSON, err := field.MarshalCanonical(value)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
