// Package session implements the client-side session spec.md §4.5 describes:
// request/reply correlation over a message-id "pending table", an
// optimistic-mutation pipeline with automatic rollback, offline queueing of
// custom-procedure envelopes, and an event stream a UI layer observes.
//
// Grounded on marcus-td's internal/sync/client.go (GetPendingEvents,
// ApplyRemoteEvents, conflict detection) for the "queue locally while
// offline, replay on reconnect" shape, and internal/syncclient/client.go for
// request/response correlation by id. The actual network transport (the
// WebSocket binding itself) is out of spec.md's scope; Session is driven by
// whatever owns the socket through Sender and HandleServerEnvelope.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/transport"
)

// DefaultReplyTimeout bounds how long a mutation or query waits for a
// REPLY/REJECT before failing with ErrReplyTimeout.
const DefaultReplyTimeout = 10 * time.Second

// Sender is the outbound half of the transport binding: whatever owns the
// socket implements Send, typically by JSON-marshaling the envelope onto a
// WebSocket connection.
type Sender interface {
	Send(ctx context.Context, env transport.ClientEnvelope) error
}

// Session is a single client's view of the engine: a local overlay store,
// correlated in-flight requests, and an offline queue.
type Session struct {
	sch          *schema.Schema
	sender       Sender
	replyTimeout time.Duration
	log          *slog.Logger
	idGen        func() string

	mu        sync.Mutex
	connected bool
	overlay   map[string]map[string]schema.Row
	pending   map[string]*pendingEntry
	queue     []queuedMutation

	events chan Event
}

// Options configures a new Session; every field has a usable zero value.
type Options struct {
	ReplyTimeout time.Duration
	Logger       *slog.Logger
	// IDGen overrides message-id generation (tests supply a deterministic
	// generator); defaults to uuid.NewString.
	IDGen func() string
}

// New builds a Session bound to a schema (for Where-query predicate
// evaluation) and a Sender (the transport binding's outbound half).
func New(sch *schema.Schema, sender Sender, opts Options) *Session {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDGen == nil {
		opts.IDGen = uuid.NewString
	}
	return &Session{
		sch:          sch,
		sender:       sender,
		replyTimeout: opts.ReplyTimeout,
		log:          opts.Logger,
		idGen:        opts.IDGen,
		overlay:      make(map[string]map[string]schema.Row),
		pending:      make(map[string]*pendingEntry),
		events:       make(chan Event, 256),
	}
}

// Events returns the session's event stream (spec.md §4.5 "Event stream").
// The channel is never closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session: event stream full, dropping event", "kind", ev.Kind)
	}
}

// SetConnected reports a transport connect/disconnect. On a 0→1 transition
// it drains and replays the offline queue (spec.md §4.5 "Reconnection and
// replay"): only the custom-procedure envelopes queued while offline are
// resent — never the generic INSERT/UPDATE mutations a custom handler's
// optimistic overlay may have synthesized client-side.
func (s *Session) SetConnected(ctx context.Context, connected bool) {
	s.mu.Lock()
	prev := s.connected
	s.connected = connected
	var drained []queuedMutation
	if connected && !prev {
		drained = s.queue
		s.queue = nil
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventConnectionChanged, Connected: connected})

	for _, q := range drained {
		s.replay(ctx, q)
	}
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- overlay (local store) ---

func (s *Session) getLocked(resource, id string) (schema.Row, bool) {
	bucket, ok := s.overlay[resource]
	if !ok {
		return nil, false
	}
	row, ok := bucket[id]
	return row, ok
}

func (s *Session) setLocked(resource, id string, row schema.Row) {
	bucket, ok := s.overlay[resource]
	if !ok {
		bucket = make(map[string]schema.Row)
		s.overlay[resource] = bucket
	}
	bucket[id] = row
}

func (s *Session) deleteLocked(resource, id string) {
	if bucket, ok := s.overlay[resource]; ok {
		delete(bucket, id)
	}
}

// Collection returns a resource-scoped read handle over the session's local
// overlay — the client-side counterpart of router.Facade.Collection.
func (s *Session) Collection(resource string) *Collection {
	return &Collection{session: s, resource: resource}
}

// Collection is a read-only view of one resource within the client overlay.
type Collection struct {
	session  *Session
	resource string
}

// One returns the locally known row for id, if any.
func (c *Collection) One(id string) (schema.Row, bool) {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return c.session.getLocked(c.resource, id)
}

// Where evaluates a where predicate against every locally known row of this
// resource.
func (c *Collection) Where(where map[string]any) ([]schema.Row, error) {
	node, err := predicate.Parse(where, c.session.sch, c.resource)
	if err != nil {
		return nil, fmt.Errorf("session: parse where: %w", err)
	}

	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	bucket := c.session.overlay[c.resource]
	out := make([]schema.Row, 0, len(bucket))
	for _, row := range bucket {
		ok, err := predicate.Eval(node, schema.Infer(row))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// --- request/reply correlation ---

type pendingEntry struct {
	done chan pendingResult
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

func (s *Session) registerPending(id string) *pendingEntry {
	entry := &pendingEntry{done: make(chan pendingResult, 1)}
	s.mu.Lock()
	s.pending[id] = entry
	s.mu.Unlock()
	return entry
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) completePending(id string, res pendingResult) {
	s.mu.Lock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.done <- res
}

// HandleServerEnvelope feeds one server→client envelope into the session.
// The transport binding's read loop calls this for every decoded message.
func (s *Session) HandleServerEnvelope(env transport.ServerEnvelope) {
	switch env.Kind {
	case transport.ServerReply:
		raw, err := json.Marshal(env.Data)
		if err != nil {
			s.completePending(env.ID, pendingResult{err: err})
			return
		}
		s.completePending(env.ID, pendingResult{data: raw})
		s.emit(Event{Kind: EventReplyReceived, MessageID: env.ID})

	case transport.ServerReject:
		s.completePending(env.ID, pendingResult{err: &RejectError{Resource: env.Resource, Message: env.Message}})
		s.emit(Event{Kind: EventRejectReceived, MessageID: env.ID, Resource: env.Resource, Err: &RejectError{Resource: env.Resource, Message: env.Message}})

	case transport.ServerMutate:
		row := transport.DecodeRow(env.Payload)
		s.mu.Lock()
		s.setLocked(env.Resource, env.ResourceID, row)
		s.mu.Unlock()
	}
}

type queuedMutation struct {
	env      transport.ClientEnvelope
	rollback func()
}

// sendAndAwait registers correlation state, sends env, and blocks for a
// REPLY/REJECT/timeout/ctx-cancellation. rollback (nil for non-optimistic
// calls) runs on any failure path.
func (s *Session) sendAndAwait(ctx context.Context, env transport.ClientEnvelope, optimistic bool, rollback func()) (json.RawMessage, error) {
	entry := s.registerPending(env.ID)
	s.emit(Event{Kind: EventMutationSent, Resource: env.Resource, ResourceID: env.ResourceID, MessageID: env.ID, Optimistic: optimistic})

	if err := s.sender.Send(ctx, env); err != nil {
		s.removePending(env.ID)
		if rollback != nil {
			rollback()
		}
		return nil, fmt.Errorf("session: send: %w", err)
	}

	timer := time.AfterFunc(s.replyTimeout, func() {
		s.completePending(env.ID, pendingResult{err: ErrReplyTimeout})
	})
	defer timer.Stop()

	select {
	case res := <-entry.done:
		if res.err != nil {
			if rollback != nil {
				rollback()
			}
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		s.removePending(env.ID)
		if rollback != nil {
			rollback()
		}
		return nil, ctx.Err()
	}
}

func (s *Session) newMessageID() string {
	return s.idGen()
}
