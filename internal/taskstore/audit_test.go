package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationLog(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	root := MutationRecord{
		ID:         "ev-1",
		TenantID:   "t1",
		Model:      "lead",
		EntityID:   "lead-42",
		Origin:     "user",
		RootID:     "ev-1",
		Depth:      0,
		OccurredAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Payload:    []byte(`{"installDate":"2024-06-20"}`),
		Seq:        1,
	}
	synthetic := root
	synthetic.ID = "ev-2"
	synthetic.Origin = "system"
	synthetic.Depth = 1
	synthetic.Payload = []byte(`{"blanksOrderedDate":"2024-06-01"}`)
	synthetic.Seq = 2

	require.NoError(t, st.WriteMutation(ctx, root))
	require.NoError(t, st.WriteMutation(ctx, synthetic))

	t.Run("redelivery is idempotent", func(t *testing.T) {
		require.NoError(t, st.WriteMutation(ctx, root))
		got, err := st.ReadCascade(ctx, "ev-1")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("cascade ordered by seq", func(t *testing.T) {
		got, err := st.ReadCascade(ctx, "ev-1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "ev-1", got[0].ID)
		assert.Equal(t, "ev-2", got[1].ID)
		assert.Equal(t, 1, got[1].Depth)
		assert.Equal(t, root.OccurredAt, got[0].OccurredAt)
		assert.Equal(t, string(root.Payload), string(got[0].Payload))
	})

	t.Run("unknown root reads empty", func(t *testing.T) {
		got, err := st.ReadCascade(ctx, "ev-none")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestFiringLog(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	f := FiringRecord{
		MutationID:  "ev-1",
		RuleID:      "order-blanks",
		InstanceKey: "order-blanks:lead-42",
		TaskID:      "task-1",
		Outcome:     OutcomeCreated,
		Seq:         1,
	}

	inserted, err := st.WriteFiring(ctx, f)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The same (mutation, rule, key) is the firing that already happened.
	inserted, err = st.WriteFiring(ctx, f)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := st.ReadFirings(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "task-1", got[0].TaskID)
	assert.Equal(t, OutcomeCreated, got[0].Outcome)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.WriteAudit(ctx, AuditRecord{
		RootID: "ev-1", Code: "MISSING_ANCHOR",
		Detail: "rule order-blanks: anchor installDate unset", Seq: 1,
	}))
	require.NoError(t, st.WriteAudit(ctx, AuditRecord{
		RootID: "ev-1", Code: "CASCADE_DEPTH_EXCEEDED",
		Detail: "dropped synthetic mutation at depth 9", Seq: 2,
	}))

	got, err := st.ReadAudit(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "MISSING_ANCHOR", got[0].Code)
	assert.Equal(t, "CASCADE_DEPTH_EXCEEDED", got[1].Code)

	got, err = st.ReadAudit(ctx, "ev-2")
	require.NoError(t, err)
	assert.Empty(t, got)
}
