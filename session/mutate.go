package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/transport"
)

// Insert optimistically applies fields to resource/id and sends a generic
// INSERT envelope, blocking until the server replies, rejects, or the
// context/reply-timeout expires. The local overlay is rolled back on any
// failure. Generic mutations have no offline queueing: while disconnected
// this fails synchronously with ErrNotConnected (spec.md §4.5).
func (s *Session) Insert(ctx context.Context, resource, id string, fields map[string]any) (schema.Row, error) {
	return s.mutateGeneric(ctx, resource, id, fields, transport.ProcedureInsert)
}

// Update is Insert's update-procedure counterpart.
func (s *Session) Update(ctx context.Context, resource, id string, fields map[string]any) (schema.Row, error) {
	return s.mutateGeneric(ctx, resource, id, fields, transport.ProcedureUpdate)
}

func (s *Session) mutateGeneric(ctx context.Context, resource, id string, fields map[string]any, procedure string) (schema.Row, error) {
	if !s.isConnected() {
		return nil, ErrNotConnected
	}

	now := s.nowTimestamp()
	payload := materializeFields(fields, now)

	s.mu.Lock()
	before, hadBefore := s.getLocked(resource, id)
	after := mergeRow(before, payload)
	s.setLocked(resource, id, after)
	s.mu.Unlock()
	s.emit(Event{Kind: EventOptimisticMutationApplied, Resource: resource, ResourceID: id})

	rollback := func() {
		s.mu.Lock()
		if hadBefore {
			s.setLocked(resource, id, before)
		} else {
			s.deleteLocked(resource, id)
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventOptimisticMutationUndone, Resource: resource, ResourceID: id})
	}

	env := transport.ClientEnvelope{
		ID:         s.newMessageID(),
		Kind:       transport.ClientMutate,
		Resource:   resource,
		ResourceID: id,
		Procedure:  procedure,
		Payload:    transport.EncodeRow(payload),
	}

	data, err := s.sendAndAwait(ctx, env, true, rollback)
	if err != nil {
		return nil, err
	}

	var wire map[string]transport.WireField
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("session: decode reply: %w", err)
	}
	confirmed := transport.DecodeRow(wire)

	s.mu.Lock()
	s.setLocked(resource, id, confirmed)
	s.mu.Unlock()

	return confirmed, nil
}

// materializeFields wraps a plain field map into schema.Row leaves stamped
// with timestamp, leaving "id" as a bare IDLeaf.
func materializeFields(fields map[string]any, timestamp string) schema.Row {
	out := make(schema.Row, len(fields))
	for name, value := range fields {
		if name == "id" {
			out[name] = schema.Node{Value: value}
			continue
		}
		out[name] = schema.Leaf(value, timestamp)
	}
	return out
}

// mergeRow layers patch over base, field by field — the client-side
// analogue of storage's LWW merge, except the overlay always accepts the
// newest local write since there is nothing to race against locally.
func mergeRow(base, patch schema.Row) schema.Row {
	out := make(schema.Row, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
