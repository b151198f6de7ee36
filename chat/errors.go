package chat

import "errors"

var (
	// ErrValidation reports a draft or intent that can never succeed as given.
	// It is not retryable.
	ErrValidation = errors.New("validation failed")
	// ErrConflict reports a server rejection of a stale edit.
	ErrConflict = errors.New("conflict")
	// ErrNotFound reports an unknown message or conversation id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition reports a delivery status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownEvent reports a push event with a type this client cannot handle.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Retryable reports whether err is worth another send attempt. Validation and
// conflict errors are permanent, everything else is treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConflict)
}
