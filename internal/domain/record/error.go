package record

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownType       = errors.New("unknown entity type")
	ErrInvalidPayload    = errors.New("invalid record payload")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRecordBusy        = errors.New("record has an operation in flight")
	ErrRemoteIDTaken     = errors.New("remote id already assigned to another record")
	ErrDomainKeyTaken    = errors.New("domain key already used by another record")
)

// TransitionError describes a rejected state machine event.
type TransitionError struct {
	From  SendState
	Event Event
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s on %s", e.Err, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
