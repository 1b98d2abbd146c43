package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	return s
}

func TestScenarioOrderBlanksCreated(t *testing.T) {
	s := loadTestScenario(t, "order_blanks_created.yaml")

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)

	// One step marker plus one task_created effect.
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "mutation", result.Trace[0].Type)
	assert.Equal(t, "task_created", result.Trace[1].Kind)
}

func TestScenarioBlanksLinkRoundtrip(t *testing.T) {
	s := loadTestScenario(t, "blanks_link_roundtrip.yaml")

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
}

func TestScenarioInstallDateReschedule(t *testing.T) {
	s := loadTestScenario(t, "install_date_reschedule.yaml")

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
}

func TestScenarioAutoCompleteOnFieldSet(t *testing.T) {
	s := loadTestScenario(t, "auto_complete_on_field_set.yaml")

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
}

func TestFailedAssertionsMarkResultFailed(t *testing.T) {
	s := &Scenario{
		Name:        "wrong-count",
		Description: "expects more tasks than the rule can create",
		Config:      filepath.Join("testdata", "config"),
		Tenant:      "t1",
		Now:         "2024-06-01T12:00:00Z",
		Entities: []EntitySeed{
			{Model: "lead", ID: "lead-1", Fields: map[string]any{"status": "won"}},
		},
		Steps: []Step{
			{Mutate: &MutateStep{
				Model:  "lead",
				Entity: "lead-1",
				Set:    map[string]any{"installDate": "2024-01-31"},
			}},
		},
		Assertions: []Assertion{
			{Type: AssertTaskCount, Model: "lead", Entity: "lead-1", Count: 5},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "5 tasks")
	assert.Contains(t, result.Errors[0], "1 tasks")
}

func TestScenarioStepAgainstMissingEntity(t *testing.T) {
	s := &Scenario{
		Name:        "missing-entity",
		Description: "mutating an entity that was never seeded",
		Config:      filepath.Join("testdata", "config"),
		Tenant:      "t1",
		Steps: []Step{
			{Mutate: &MutateStep{
				Model:  "lead",
				Entity: "ghost",
				Set:    map[string]any{"installDate": "2024-01-31"},
			}},
		},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not seeded")
}

func TestEffectAssertionsAgainstTrace(t *testing.T) {
	result := NewResult()
	result.Trace = []TraceEvent{
		{Type: "mutation", Model: "lead", EntityID: "lead-1"},
		{Type: "effect", Kind: "task_created"},
		{Type: "effect", Kind: "task_completed"},
		{Type: "effect", Kind: "field_written"},
	}

	t.Run("count and order hold", func(t *testing.T) {
		errs := EvaluateAssertions(result, []Assertion{
			{Type: AssertEffectCount, Kind: "task_created", Count: 1},
			{Type: AssertEffectOrder, Kinds: []string{"task_created", "field_written"}},
		}, &AssertionContext{})
		assert.Empty(t, errs)
	})

	t.Run("count mismatch reported", func(t *testing.T) {
		errs := EvaluateAssertions(result, []Assertion{
			{Type: AssertEffectCount, Kind: "task_created", Count: 2},
		}, &AssertionContext{})
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "2 occurrences of task_created")
		assert.Contains(t, errs[0], "1 occurrences")
	})

	t.Run("order violation names the missing kind", func(t *testing.T) {
		errs := EvaluateAssertions(result, []Assertion{
			{Type: AssertEffectOrder, Kinds: []string{"field_written", "task_created"}},
		}, &AssertionContext{})
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "missing task_created at position 1")
	})

	t.Run("unknown type reported", func(t *testing.T) {
		errs := EvaluateAssertions(result, []Assertion{
			{Type: "task_exists"},
		}, &AssertionContext{})
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], `unknown assertion type "task_exists"`)
	})
}
