package engine

import (
	"errors"
	"fmt"
)

// RuntimeErrorCode categorizes isolated runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMissingAnchor indicates a RELATIVE_TO_FIELD anchor that
	// did not parse; the task stays unscheduled.
	ErrCodeMissingAnchor RuntimeErrorCode = "MISSING_ANCHOR"

	// ErrCodeAmbiguousCondition indicates a link condition kind that is
	// incoherent with the field's declared type; the link is skipped.
	ErrCodeAmbiguousCondition RuntimeErrorCode = "AMBIGUOUS_CONDITION"

	// ErrCodeWriteBackConflict indicates two links writing the same
	// field in one pass; the last applied write wins.
	ErrCodeWriteBackConflict RuntimeErrorCode = "WRITE_BACK_CONFLICT"

	// ErrCodeCascadeDepth indicates the hop-count guard tripping;
	// further synthetic propagation for the root is dropped.
	ErrCodeCascadeDepth RuntimeErrorCode = "CASCADE_DEPTH_EXCEEDED"

	// ErrCodeRuleFailed indicates an action that could not be applied;
	// the failure is isolated to that rule.
	ErrCodeRuleFailed RuntimeErrorCode = "RULE_FAILED"

	// ErrCodeLinkFailed indicates a link whose completion or write-back
	// could not be applied; the failure is isolated to that link.
	ErrCodeLinkFailed RuntimeErrorCode = "LINK_FAILED"
)

// RuntimeError is an error detected while processing one event. It is
// logged and written to the audit trail, never propagated in a way
// that aborts the remaining rules or links of the event.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string
	RootID  string
	RuleID  string
	LinkID  string
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	switch {
	case e.RuleID != "":
		return fmt.Sprintf("%s: %s (root=%s, rule=%s)", e.Code, e.Message, e.RootID, e.RuleID)
	case e.LinkID != "":
		return fmt.Sprintf("%s: %s (root=%s, link=%s)", e.Code, e.Message, e.RootID, e.LinkID)
	default:
		return fmt.Sprintf("%s: %s (root=%s)", e.Code, e.Message, e.RootID)
	}
}

// IsCascadeDepthError reports whether err is a tripped hop-count guard.
// Uses errors.As to handle wrapped errors.
func IsCascadeDepthError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeCascadeDepth
	}
	return false
}

// NewCascadeDepthError creates a RuntimeError for a tripped guard.
func NewCascadeDepthError(rootID, linkID string, depth, maxDepth int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeCascadeDepth,
		Message: fmt.Sprintf("synthetic cascade reached depth %d (max %d), dropping propagation", depth, maxDepth),
		RootID:  rootID,
		LinkID:  linkID,
	}
}
