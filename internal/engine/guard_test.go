package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteBackLedger(t *testing.T) {
	l := NewWriteBackLedger()

	assert.False(t, l.WouldRepeat("root-1", "link-a", "task-1"))
	l.Record("root-1", "link-a", "task-1")
	assert.True(t, l.WouldRepeat("root-1", "link-a", "task-1"))

	// Scoped per root, link, and task.
	assert.False(t, l.WouldRepeat("root-2", "link-a", "task-1"))
	assert.False(t, l.WouldRepeat("root-1", "link-b", "task-1"))
	assert.False(t, l.WouldRepeat("root-1", "link-a", "task-2"))

	l.Record("root-1", "link-b", "task-1")
	assert.Equal(t, 2, l.RootHistorySize("root-1"))
	assert.Equal(t, 1, l.RootCount())

	l.Clear("root-1")
	assert.Equal(t, 0, l.RootCount())
	assert.False(t, l.WouldRepeat("root-1", "link-a", "task-1"))

	l.Clear("root-never-seen") // No-op.
}

func TestRuntimeErrorMessages(t *testing.T) {
	ruleErr := &RuntimeError{Code: ErrCodeRuleFailed, Message: "boom", RootID: "r1", RuleID: "rule-x"}
	assert.Contains(t, ruleErr.Error(), "rule=rule-x")

	linkErr := &RuntimeError{Code: ErrCodeLinkFailed, Message: "boom", RootID: "r1", LinkID: "link-x"}
	assert.Contains(t, linkErr.Error(), "link=link-x")

	guard := NewCascadeDepthError("r1", "link-x", 9, 8)
	assert.True(t, IsCascadeDepthError(guard))
	assert.False(t, IsCascadeDepthError(ruleErr))
	assert.Contains(t, guard.Message, "depth 9")
}
