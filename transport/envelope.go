// Package transport defines the wire envelope schema spec.md §6 describes:
// the JSON message shapes a framed transport (WebSocket, in this module's
// scope only as an interface a caller implements) carries between client
// and server. Grounded on marcus-td's internal/sync/types.go (Event, Ack,
// Rejection, PushResult/PullResult as plain structs with JSON tags) —
// translated from td-sync's push/pull batch protocol to spec.md's
// per-message SUBSCRIBE/UNSUBSCRIBE/QUERY/MUTATE and REPLY/REJECT/MUTATE
// envelopes.
package transport

import "github.com/go-livestate/livestate/predicate"

// ClientKind discriminates the client→server envelope variants (spec.md §6).
type ClientKind string

const (
	ClientSubscribe   ClientKind = "SUBSCRIBE"
	ClientUnsubscribe ClientKind = "UNSUBSCRIBE"
	ClientQuery       ClientKind = "QUERY"
	ClientMutate      ClientKind = "MUTATE"
)

// Generic mutation procedure names; any other Procedure value names a
// schema-declared custom mutation.
const (
	ProcedureInsert = "INSERT"
	ProcedureUpdate = "UPDATE"
)

// ClientEnvelope is every message shape a client can send, collapsed into
// one struct discriminated by Kind — the fields relevant to a given Kind are
// documented per-field below.
type ClientEnvelope struct {
	ID string `json:"id"`

	Kind ClientKind `json:"kind"`

	Resource string `json:"resource,omitempty"`

	// SUBSCRIBE/UNSUBSCRIBE.
	QueryHash string `json:"queryHash,omitempty"`

	// SUBSCRIBE/QUERY.
	Where        map[string]any         `json:"where,omitempty"`
	Include      map[string]any         `json:"include,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Sort         []predicate.SortClause `json:"sort,omitempty"`
	LastSyncedAt string                 `json:"lastSyncedAt,omitempty"`

	// MUTATE.
	ResourceID string               `json:"resourceId,omitempty"`
	Procedure  string               `json:"procedure,omitempty"`
	Payload    map[string]WireField `json:"payload,omitempty"` // generic INSERT/UPDATE
	Input      any                  `json:"input,omitempty"`   // custom procedure
}

// RawQuery projects the envelope's where/include/sort/limit/lastSyncedAt
// fields into predicate.RawQuery, the shape the rest of the engine compiles
// against.
func (e ClientEnvelope) RawQuery() predicate.RawQuery {
	return predicate.RawQuery{
		Resource:     e.Resource,
		Where:        e.Where,
		Include:      e.Include,
		Limit:        e.Limit,
		Sort:         e.Sort,
		LastSyncedAt: e.LastSyncedAt,
	}
}

// ServerKind discriminates the server→client envelope variants.
type ServerKind string

const (
	ServerReply  ServerKind = "REPLY"
	ServerReject ServerKind = "REJECT"
	ServerMutate ServerKind = "MUTATE"
)

// ServerEnvelope is every message shape a server can send, collapsed into
// one struct discriminated by Kind.
type ServerEnvelope struct {
	ID string `json:"id"`

	Kind ServerKind `json:"kind"`

	// REPLY: correlation-id echo carrying the handler's result, already
	// JSON-encoded (a materialized row for generic mutations/queries, or
	// whatever a custom mutation's handler returned).
	Data any `json:"data,omitempty"`

	// REJECT.
	Resource string `json:"resource,omitempty"`
	Message  string `json:"message,omitempty"`

	// MUTATE (live delta for a subscribed query).
	ResourceID string               `json:"resourceId,omitempty"`
	Procedure  string               `json:"procedure,omitempty"`
	Payload    map[string]WireField `json:"payload,omitempty"`
}

// WireField is the wire shape of one materialized field: {value, _meta:
// {timestamp}} (spec.md §3 "Materialized value").
type WireField struct {
	Value any      `json:"value"`
	Meta  WireMeta `json:"_meta"`
}

// WireMeta carries a field's LWW timestamp on the wire.
type WireMeta struct {
	Timestamp string `json:"timestamp"`
}
