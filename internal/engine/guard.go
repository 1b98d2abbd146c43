package engine

import "sync"

// DefaultMaxDepth is the default maximum synthetic-mutation chain depth
// per root event. The guard is the circuit breaker against field links
// wired into a cycle: exceeding it drops further propagation for that
// root, logged, non-fatal.
const DefaultMaxDepth = 8

// WriteBackLedger tracks which (link, task) write-backs have already
// fired within a root event's cascade.
//
// The depth guard bounds how LONG a cascade can run; the ledger stops
// the degenerate case inside that bound where the same task's
// completion would write through the same link twice (two links
// mutually re-setting each other's fields can re-trigger evaluation of
// an already-written link before the depth limit is reached).
//
// History is in-memory and per-root; it is cleared when the root's
// cascade settles.
type WriteBackLedger struct {
	mu      sync.Mutex
	history map[string]map[string]bool // root -> "linkID:taskID" -> fired
}

// NewWriteBackLedger creates an empty ledger.
func NewWriteBackLedger() *WriteBackLedger {
	return &WriteBackLedger{
		history: make(map[string]map[string]bool),
	}
}

// WouldRepeat reports whether this (link, task) write-back has already
// fired in the root's cascade.
func (l *WriteBackLedger) WouldRepeat(rootID, linkID, taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.history[rootID] == nil {
		return false
	}
	return l.history[rootID][linkID+":"+taskID]
}

// Record marks a (link, task) write-back as fired for the root.
// Call immediately after WouldRepeat returns false, before applying
// the write: recording ahead of the entity write makes each (link,
// task) write-back at most once per root, so a write that fails (and
// is audited as LINK_FAILED) is not retried if the cascade revisits
// the link. Retrying inside the cascade could spin on a persistently
// failing store.
func (l *WriteBackLedger) Record(rootID, linkID, taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.history[rootID] == nil {
		l.history[rootID] = make(map[string]bool)
	}
	l.history[rootID][linkID+":"+taskID] = true
}

// Clear removes all history for a root event. Called when a cascade
// settles to keep the ledger from growing with every root ever seen.
func (l *WriteBackLedger) Clear(rootID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.history, rootID)
}

// RootCount returns the number of roots with history. For tests.
func (l *WriteBackLedger) RootCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.history)
}

// RootHistorySize returns the number of recorded write-backs for a
// root. For tests.
func (l *WriteBackLedger) RootHistorySize(rootID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.history[rootID] == nil {
		return 0
	}
	return len(l.history[rootID])
}
