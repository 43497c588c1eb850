package dispatcher

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionNotFound is returned by Revoke for an id that is not
	// registered. Callers are expected to tolerate it.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrStopPropagation may be returned by a callback to skip the callbacks
	// registered after it for the same notification. It is not a failure.
	ErrStopPropagation = errors.New("stop propagation")

	// ErrCallbackPanic wraps the value recovered from a panicking callback
	ErrCallbackPanic = errors.New("callback panicked")
)

// CallbackError reports a failed callback invocation
type CallbackError struct {
	SubscriptionID string
	NotificationID string
	Source         string
	Kind           string
	Err            error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s for %q on %q failed: %v", e.SubscriptionID, e.Kind, e.Source, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// failureReason is the metric label for a callback error
func failureReason(err error) string {
	if errors.Is(err, ErrCallbackPanic) {
		return "panic"
	}
	return "error"
}
