package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected blocks emit-based actions while the transport is down.
	// Pending local state is kept; nothing is queued or retried automatically.
	ErrDisconnected = errors.New("transport disconnected")

	ErrEmptyMessage   = errors.New("message needs content or an attachment")
	ErrSendInFlight   = errors.New("a send is already in progress")
	ErrNotParticipant = errors.New("viewer can no longer send to this conversation")
	ErrNoConversation = errors.New("no conversation is open")
	ErrGroupFull      = errors.New("group participant limit reached")

	ErrCallBusy         = errors.New("another call is already in progress")
	ErrCallState        = errors.New("operation not valid in current call state")
	ErrMediaUnavailable = errors.New("could not acquire local media")
)

// RequestError is a server-side rejection carried back on an ack or a REST
// response. Local state is left unchanged when one is returned.
type RequestError struct {
	Status int
	Reason string
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Reason)
	}
	return "request rejected: " + e.Reason
}
