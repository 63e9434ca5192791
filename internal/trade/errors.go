package trade

import (
	"errors"
	"fmt"
)

// Sentinel errors for the trade engine's failure taxonomy. Callers classify
// failures with errors.Is and decide whether a retry makes sense.
var (
	// ErrSessionNotFound indicates the session id no longer resolves
	// (expired TTL or process restart). Retryable: start a new trade.
	ErrSessionNotFound = errors.New("trade session not found or expired")

	// ErrSessionTerminal indicates the session already reached a terminal state.
	ErrSessionTerminal = errors.New("trade session already finished")

	// ErrUserLocked indicates another trade operation is in flight for a user.
	ErrUserLocked = errors.New("user already in a trade operation")

	// ErrAlreadyProcessing indicates a concurrent confirm won the
	// check-and-set race and the trade is executing.
	ErrAlreadyProcessing = errors.New("trade already processing")

	// ErrValidation indicates the request was malformed or not permitted
	// for the acting user. Rejected before any lock is taken where possible.
	ErrValidation = errors.New("trade validation failed")

	// ErrDuplicateAsset indicates the same asset reference was offered twice.
	ErrDuplicateAsset = errors.New("asset already offered in this trade")

	// ErrFraudBlocked indicates the fraud gate vetoed the trade.
	ErrFraudBlocked = errors.New("trade blocked by fraud check")

	// ErrExecutionFailed indicates the storage mutation failed and was rolled back.
	ErrExecutionFailed = errors.New("trade execution failed")
)

// Error carries a user-facing reason alongside the taxonomy sentinel so the
// presentation layer can render a message and decide on retry affordances.
type Error struct {
	Kind      error
	Reason    string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Reason)
}

func (e *Error) Unwrap() error { return e.Kind }

// NewError builds a taxonomy error with a human-readable reason.
func NewError(kind error, reason string) *Error {
	return &Error{
		Kind:      kind,
		Reason:    reason,
		Retryable: kind == ErrSessionNotFound || kind == ErrUserLocked || kind == ErrAlreadyProcessing,
	}
}

func validationErr(format string, args ...interface{}) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}
