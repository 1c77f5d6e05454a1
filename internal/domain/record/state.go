package record

// SendState is the position of a row in the send lifecycle.
type SendState string

const (
	StateWaitingToSend SendState = "waiting_to_send"
	StateSending       SendState = "sending"
	StateSent          SendState = "sent"
	StateSaved         SendState = "saved"
	StateReceived      SendState = "received"
	StateUpdating      SendState = "updating"
	StateDeleting      SendState = "deleting"
	StateFailed        SendState = "failed"
)

// IsBusy reports whether the state acts as the per-record operation lock.
func (s SendState) IsBusy() bool {
	switch s {
	case StateSending, StateSent, StateUpdating, StateDeleting:
		return true
	}
	return false
}

func (s SendState) Valid() bool {
	switch s {
	case StateWaitingToSend, StateSending, StateSent, StateSaved,
		StateReceived, StateUpdating, StateDeleting, StateFailed:
		return true
	}
	return false
}

func (s SendState) String() string {
	return string(s)
}

// Event drives a Transition.
type Event string

const (
	EventEnqueue         Event = "enqueue"
	EventEcho            Event = "echo"
	EventSaved           Event = "saved"
	EventSendFailed      Event = "send_failed"
	EventReceived        Event = "received"
	EventEdit            Event = "edit"
	EventUpdate          Event = "update"
	EventUpdateFailed    Event = "update_failed"
	EventDelete          Event = "delete"
	EventDeleteFailed    Event = "delete_failed"
	EventDeleteConfirmed Event = "delete_confirmed"
	EventCancel          Event = "cancel"
	EventPurge           Event = "purge"
)

// Transition applies ev to a copy of rec and returns it. The input is never
// modified, so a rejected event leaves persisted state untouched.
//
// Completion events replayed on the state they produce are no-ops. Requests
// that need the operation lock fail with ErrRecordBusy while another
// operation holds it. Every applied transition bumps Generation, which is
// what lets a dispatcher recognise a response that arrived too late.
func Transition(rec Record, ev Event) (Record, error) {
	next := *rec.Clone()
	from := rec.State

	reject := func(err error) (Record, error) {
		return rec, &TransitionError{From: from, Event: ev, Err: err}
	}

	switch ev {
	case EventEnqueue:
		switch {
		case from == StateWaitingToSend:
			next.State = StateSending
		case from.IsBusy():
			return reject(ErrRecordBusy)
		default:
			return reject(ErrInvalidTransition)
		}

	case EventEcho:
		switch {
		case from == StateSent:
			return rec, nil
		case from == StateSending && rec.Type.EchoesLocally():
			next.State = StateSent
		default:
			return reject(ErrInvalidTransition)
		}

	case EventSaved:
		switch from {
		case StateSaved:
			return rec, nil
		case StateSending, StateSent, StateUpdating:
			next.State = StateSaved
			next.FailedToSend = false
			next.Snapshot = nil
		default:
			return reject(ErrInvalidTransition)
		}

	case EventSendFailed:
		switch {
		case from == StateWaitingToSend && rec.FailedToSend:
			return rec, nil
		case from == StateSending || from == StateSent:
			next.State = StateWaitingToSend
			next.FailedToSend = true
		default:
			return reject(ErrInvalidTransition)
		}

	case EventReceived:
		switch from {
		case StateReceived:
			return rec, nil
		case StateUpdating, StateDeleting:
			return reject(ErrRecordBusy)
		default:
			next.State = StateReceived
			next.FailedToSend = false
			next.Snapshot = nil
		}

	case EventEdit:
		switch {
		case from == StateWaitingToSend:
		case from.IsBusy():
			return reject(ErrRecordBusy)
		default:
			return reject(ErrInvalidTransition)
		}

	case EventUpdate:
		switch {
		case from == StateReceived || from == StateSaved:
			next.Snapshot = rec.takeSnapshot()
			next.State = StateUpdating
		case from.IsBusy():
			return reject(ErrRecordBusy)
		default:
			return reject(ErrInvalidTransition)
		}

	case EventUpdateFailed:
		if from != StateUpdating || rec.Snapshot == nil {
			return reject(ErrInvalidTransition)
		}
		next.restore(rec.Snapshot)
		next.FailedToSend = true

	case EventDelete:
		switch from {
		case StateDeleting:
			return reject(ErrInvalidTransition)
		case StateSending, StateSent, StateUpdating:
			return reject(ErrRecordBusy)
		default:
			next.Snapshot = rec.takeSnapshot()
			next.State = StateDeleting
		}

	case EventDeleteFailed:
		if from != StateDeleting || rec.Snapshot == nil {
			return reject(ErrInvalidTransition)
		}
		next.restore(rec.Snapshot)

	case EventDeleteConfirmed:
		if from != StateDeleting {
			return reject(ErrInvalidTransition)
		}
		next.Snapshot = nil

	case EventCancel:
		switch from {
		case StateSending:
			next.State = StateWaitingToSend
		case StateUpdating, StateDeleting:
			if rec.Snapshot == nil {
				return reject(ErrInvalidTransition)
			}
			next.restore(rec.Snapshot)
		default:
			return reject(ErrInvalidTransition)
		}

	case EventPurge:
		if from == StateFailed {
			return rec, nil
		}
		next.State = StateFailed
		next.FailedToSend = true
		next.Snapshot = nil

	default:
		return reject(ErrInvalidTransition)
	}

	next.Generation++
	return next, nil
}
