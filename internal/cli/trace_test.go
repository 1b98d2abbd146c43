package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceCommand(t *testing.T) {
	configDir := writeConfigDir(t, validCueConfig)
	dbPath := filepath.Join(t.TempDir(), "taskpilot.db")

	// Populate the database with one cascade via the mutate command.
	event := `{
		"tenant": "t1",
		"model": "lead",
		"entity_id": "lead-1",
		"changed_fields": {"installDate": {"old": null, "new": "2024-01-31"}},
		"snapshot": {"status": "won", "installDate": "2024-01-31"}
	}`
	out, _, err := execCommand(t, "mutate",
		"--db", dbPath, "--config", configDir, "--event", event, "--format", "json")
	require.NoError(t, err)

	var mutateResp struct {
		Data MutateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &mutateResp))
	rootID := mutateResp.Data.RootID
	require.NotEmpty(t, rootID)

	t.Run("text timeline", func(t *testing.T) {
		out, _, err := execCommand(t, "trace", "--db", dbPath, "--root", rootID)
		require.NoError(t, err)
		assert.Contains(t, out, "cascade for root "+rootID)
		assert.Contains(t, out, "origin=user lead/lead-1")
		assert.Contains(t, out, "fired order-blanks")
		assert.Contains(t, out, "1 mutation(s), 1 firing(s), max depth 0, 0 audit record(s)")
	})

	t.Run("json result", func(t *testing.T) {
		out, _, err := execCommand(t, "trace", "--db", dbPath, "--root", rootID, "--format", "json")
		require.NoError(t, err)

		var resp struct {
			Status string      `json:"status"`
			Data   TraceResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "ok", resp.Status)
		require.Len(t, resp.Data.Timeline, 1)
		ev := resp.Data.Timeline[0]
		assert.Equal(t, "user", ev.Origin)
		assert.Equal(t, 0, ev.Depth)
		require.Len(t, ev.Firings, 1)
		assert.Equal(t, "order-blanks", ev.Firings[0].RuleID)
		assert.Equal(t, 1, resp.Data.Stats.Mutations)
		assert.Equal(t, 1, resp.Data.Stats.UserMutations)
	})

	t.Run("unknown root", func(t *testing.T) {
		out, _, err := execCommand(t, "trace", "--db", dbPath, "--root", "ev-unknown")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, "no cascade found for root ev-unknown")
	})
}
