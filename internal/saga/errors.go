package saga

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no saga has been saved under the key.
var ErrNotFound = errors.New("saga: not found")

// SystemError reports a programming error in the framework or a handler:
// unstamped events reaching Apply, sequences moving backwards, unresolvable
// composite leaves. It is never retryable.
type SystemError struct {
	Msg string
	Err error
}

func (e *SystemError) Error() string {
	if e.Err != nil {
		return "saga: system error: " + e.Msg + ": " + e.Err.Error()
	}
	return "saga: system error: " + e.Msg
}

func (e *SystemError) Unwrap() error { return e.Err }

func systemErrorf(format string, args ...any) *SystemError {
	return &SystemError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidCompletionHandlerError reports a saga naming a completion handler
// that is not registered.
type InvalidCompletionHandlerError struct {
	Handler string
	Saga    string
}

func (e *InvalidCompletionHandlerError) Error() string {
	return fmt.Sprintf("saga: completion handler %q for saga %q is not registered", e.Handler, e.Saga)
}
