package session

import "errors"

// ErrNotConnected is returned synchronously by a mutation that has no
// optimistic handler (a generic INSERT/UPDATE, or a custom mutation
// registered without one) while the transport is disconnected (spec.md §4.5
// "When the transport is disconnected").
var ErrNotConnected = errors.New("session: WebSocket not connected")

// ErrReplyTimeout is returned when no REPLY/REJECT arrives for a message
// within the session's reply timeout.
var ErrReplyTimeout = errors.New("session: reply timeout")

// RejectError wraps a REJECT envelope as a Go error, mirroring
// router.PreconditionError/AuthorizationError on the server side.
type RejectError struct {
	Resource string
	Message  string
}

func (e *RejectError) Error() string {
	if e.Resource != "" {
		return "session: " + e.Resource + ": " + e.Message
	}
	return "session: " + e.Message
}
