package engine

import (
	"errors"
	"fmt"

	"github.com/ashutoshrp06/brainstream/internal/types"
)

// ErrAlreadyActive is returned when a send or image request is started while
// another one is still in flight on the same engine.
var ErrAlreadyActive = errors.New("a request is already in flight")

// SessionError is a terminal failure of a send or image request. The same
// value is returned from the call and passed to OnError.
type SessionError struct {
	Kind       types.ErrorKind
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *SessionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) info() *types.ErrorInfo {
	return &types.ErrorInfo{
		Kind:       e.Kind,
		Message:    e.Message,
		Retryable:  e.Retryable,
		StatusCode: e.StatusCode,
	}
}
