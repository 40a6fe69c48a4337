// Package control implements the Control API (C7): synchronous operations
// over the Registry, Global Lock, Dispatcher, and License Gate.
package control

import (
	"errors"
	"fmt"

	"firestige.xyz/opsched/internal/registry"
	"firestige.xyz/opsched/internal/scheduler"
)

// ErrorKind is the closed set of reason codes every Control API operation
// may fail with.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "NotFound"
	KindAccountTaken     ErrorKind = "AccountTaken"
	KindInvalid          ErrorKind = "Invalid"
	KindIllegalState     ErrorKind = "IllegalState"
	KindTaskLimitReached ErrorKind = "TaskLimitReached"
	KindLicenseExpired   ErrorKind = "LicenseExpired"
	KindLicenseForbidden ErrorKind = "LicenseForbidden"
	KindBusy             ErrorKind = "Busy"
	KindAgentError       ErrorKind = "AgentError"
	KindPersistenceError ErrorKind = "PersistenceError"
	KindCorruptSnapshot  ErrorKind = "CorruptSnapshot"
)

// Error is the Control API's structured failure reason.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the ErrorKind from err, or "" if err is not a *Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// translate maps a Registry/Dispatcher sentinel error into the closed
// Control API error-kind set. Unrecognized errors are reported as
// PersistenceError, the closest catch-all for an unexpected lower-layer
// failure on a mutation path.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, registry.ErrAccountTaken):
		return &Error{Kind: KindAccountTaken, Message: err.Error()}
	case errors.Is(err, registry.ErrInvalid):
		return &Error{Kind: KindInvalid, Message: err.Error()}
	case errors.Is(err, registry.ErrIllegalState):
		return &Error{Kind: KindIllegalState, Message: err.Error()}
	case errors.Is(err, registry.ErrBusy), errors.Is(err, scheduler.ErrBusy):
		return &Error{Kind: KindBusy, Message: err.Error()}
	default:
		return &Error{Kind: KindPersistenceError, Message: err.Error()}
	}
}


