package manifest

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of engine error codes. Callers (often an
// automated driver) branch on the code, so recoverable conditions are
// returned as structured results rather than opaque errors.
type ErrorCode string

const (
	// CodeInvalidState: requested transition does not match the current stage.
	CodeInvalidState ErrorCode = "INVALID_STATE"
	// CodeMissingArtifact: a file required by a transition does not exist.
	CodeMissingArtifact ErrorCode = "MISSING_ARTIFACT"
	// CodeGateBlocked: a hard gate guarding the transition is not pass.
	CodeGateBlocked ErrorCode = "GATE_BLOCKED"
	// CodeRunAgentRequired: halt, not failure — delegated work is pending.
	CodeRunAgentRequired ErrorCode = "RUN_AGENT_REQUIRED"
	// CodeRetryRequired: ingested content was rejected by validation.
	CodeRetryRequired ErrorCode = "RETRY_REQUIRED"
	// CodeRetryCapExhausted: per-unit retry budget spent; operator escalation.
	CodeRetryCapExhausted ErrorCode = "RETRY_CAP_EXHAUSTED"
	// CodeConcurrencyConflict: optimistic revision mismatch; re-read and retry.
	CodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
	// CodeLockHeld: another process holds the run lock.
	CodeLockHeld ErrorCode = "LOCK_HELD"
	// CodeStageTimeout: watchdog-detected stall; run marked failed.
	CodeStageTimeout ErrorCode = "STAGE_TIMEOUT"
	// CodeReviewCapExceeded: bounded review loop spent its iteration budget.
	CodeReviewCapExceeded ErrorCode = "REVIEW_CAP_EXCEEDED"
	// CodeRunNotActive: the run is paused or in a terminal status.
	CodeRunNotActive ErrorCode = "RUN_NOT_ACTIVE"
)

// EngineError carries a code plus enough structured detail (stage, gate id,
// file path) for the caller to construct the exact remediation command.
type EngineError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewEngineError builds an EngineError with optional detail pairs.
func NewEngineError(code ErrorCode, message string, details map[string]any) *EngineError {
	return &EngineError{Code: code, Message: message, Details: details}
}

// AsEngineError unwraps err to an EngineError, or returns nil.
func AsEngineError(err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return nil
}

// CodeOf returns the error code of err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	if ee := AsEngineError(err); ee != nil {
		return ee.Code
	}
	return ""
}
