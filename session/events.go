package session

// EventKind names one of the session's observable lifecycle events
// (spec.md §4.5 "Event stream").
type EventKind string

const (
	EventConnectionChanged         EventKind = "CONNECTION_CHANGED"
	EventMutationSent              EventKind = "MUTATION_SENT"
	EventOptimisticMutationApplied EventKind = "OPTIMISTIC_MUTATION_APPLIED"
	EventOptimisticMutationUndone  EventKind = "OPTIMISTIC_MUTATION_UNDONE"
	EventReplyReceived             EventKind = "REPLY_RECEIVED"
	EventRejectReceived            EventKind = "REJECT_RECEIVED"
)

// Event is one entry on the session's event stream.
type Event struct {
	Kind       EventKind
	Resource   string
	ResourceID string
	MessageID  string
	Optimistic bool
	Connected  bool
	Err        error
}
