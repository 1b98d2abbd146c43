package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/taskpilot/internal/field"
)

func TestCompletionConditionEval(t *testing.T) {
	tests := []struct {
		name    string
		cond    CompletionCondition
		typ     field.Type
		value   field.Value
		want    bool
		wantErr bool
	}{
		{
			name:  "non-null satisfied",
			cond:  CompletionCondition{Kind: CompletionNonNull},
			typ:   field.TypeDate,
			value: field.String("2024-06-01"),
			want:  true,
		},
		{
			name:  "non-null cleared field",
			cond:  CompletionCondition{Kind: CompletionNonNull},
			typ:   field.TypeDate,
			value: field.Null{},
			want:  false,
		},
		{
			name:  "non-null empty string counts as unset",
			cond:  CompletionCondition{Kind: CompletionNonNull},
			typ:   field.TypeString,
			value: field.String(""),
			want:  false,
		},
		{
			name:  "equals satisfied",
			cond:  CompletionCondition{Kind: CompletionEquals, Value: field.String("approved")},
			typ:   field.TypeString,
			value: field.String("approved"),
			want:  true,
		},
		{
			name:  "equals null never matches",
			cond:  CompletionCondition{Kind: CompletionEquals, Value: field.String("approved")},
			typ:   field.TypeString,
			value: field.Null{},
			want:  false,
		},
		{
			name:    "equals incomparable operand is ambiguous",
			cond:    CompletionCondition{Kind: CompletionEquals, Value: field.Object{}},
			typ:     field.TypeString,
			value:   field.String("approved"),
			wantErr: true,
		},
		{
			name:  "date-set satisfied",
			cond:  CompletionCondition{Kind: CompletionDateSet},
			typ:   field.TypeDate,
			value: field.String("2024-06-01T10:00:00Z"),
			want:  true,
		},
		{
			name:  "date-set null",
			cond:  CompletionCondition{Kind: CompletionDateSet},
			typ:   field.TypeDate,
			value: field.Null{},
			want:  false,
		},
		{
			name:    "date-set on non-date field is ambiguous",
			cond:    CompletionCondition{Kind: CompletionDateSet},
			typ:     field.TypeString,
			value:   field.String("2024-06-01"),
			wantErr: true,
		},
		{
			name:    "unknown kind",
			cond:    CompletionCondition{Kind: "TRUTHY"},
			typ:     field.TypeString,
			value:   field.String("x"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Eval(tt.typ, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskStatusLifecycle(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusOpen.Terminal())

	assert.True(t, StatusOpen.Reschedulable())
	assert.True(t, StatusInProgress.Reschedulable())
	assert.True(t, StatusBlocked.Reschedulable())
	assert.False(t, StatusDone.Reschedulable())
	assert.False(t, StatusCancelled.Reschedulable())
}
