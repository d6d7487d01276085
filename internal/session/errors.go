package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoPersona      = errors.New("no persona selected")
	ErrUnknownPersona = errors.New("unknown persona")
	ErrNoDevice       = errors.New("no device selected")
	ErrNoAudioContext = errors.New("audio context not initialized")
	ErrCredential     = errors.New("credential acquisition failed")
	ErrSessionActive  = errors.New("a session is already active")
)

// SessionStartError is returned by Start when the request is rejected before
// any state changes. Reason is one of the sentinel errors above; Err is the
// underlying cause, if any.
type SessionStartError struct {
	Reason error
	Err    error
}

func (e *SessionStartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start session: %v: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("start session: %v", e.Reason)
}

func (e *SessionStartError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func startError(reason, cause error) error {
	return &SessionStartError{Reason: reason, Err: cause}
}
