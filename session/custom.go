package session

import (
	"context"
	"encoding/json"

	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/transport"
)

// OptimisticFunc is a custom mutation's client-side optimistic handler: it
// runs synchronously against an OptimisticProxy, recording the local writes
// that represent its best guess at the server's eventual effect. Returning
// an error aborts before any op is applied and before anything is sent over
// the wire (spec.md §4.5 "If the handler throws, no operations are recorded
// and the wire send is suppressed").
type OptimisticFunc func(p *OptimisticProxy) error

// Custom sends a custom-procedure MUTATE envelope. If optimistic is
// non-nil, its recorded writes are applied to the local overlay before
// sending; while disconnected the envelope is queued instead of sent and
// Custom resolves immediately with a nil result (spec.md §4.5). If
// optimistic is nil, Custom behaves like a generic mutation: disconnected
// calls fail synchronously with ErrNotConnected.
func (s *Session) Custom(ctx context.Context, resource, procedure string, input any) (any, error) {
	return s.custom(ctx, resource, procedure, input, nil)
}

// CustomOptimistic is Custom plus a client-side optimistic handler.
func (s *Session) CustomOptimistic(ctx context.Context, resource, procedure string, input any, optimistic OptimisticFunc) (any, error) {
	return s.custom(ctx, resource, procedure, input, optimistic)
}

func (s *Session) custom(ctx context.Context, resource, procedure string, input any, optimistic OptimisticFunc) (any, error) {
	var proxy *OptimisticProxy
	if optimistic != nil {
		proxy = &OptimisticProxy{session: s}
		if err := optimistic(proxy); err != nil {
			return nil, err
		}
		proxy.apply()
	}

	connected := s.isConnected()
	if !connected && optimistic == nil {
		return nil, ErrNotConnected
	}

	env := transport.ClientEnvelope{
		ID:        s.newMessageID(),
		Kind:      transport.ClientMutate,
		Resource:  resource,
		Procedure: procedure,
		Input:     input,
	}

	if !connected {
		s.mu.Lock()
		s.queue = append(s.queue, queuedMutation{env: env, rollback: proxy.rollback})
		s.mu.Unlock()
		s.emit(Event{Kind: EventMutationSent, Resource: resource, MessageID: env.ID, Optimistic: true})
		return nil, nil
	}

	var rollback func()
	if proxy != nil {
		rollback = proxy.rollback
	}

	data, err := s.sendAndAwait(ctx, env, proxy != nil, rollback)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// replay resends a queued custom-procedure envelope after reconnect. The
// original caller already received its immediate nil result while offline,
// so replay runs fire-and-forget: a REJECT rolls the optimistic write back,
// a REPLY leaves the already-applied optimistic state in place.
func (s *Session) replay(ctx context.Context, q queuedMutation) {
	go func() {
		if _, err := s.sendAndAwait(ctx, q.env, q.rollback != nil, q.rollback); err != nil {
			s.log.Warn("session: replayed mutation failed", "procedure", q.env.Procedure, "resource", q.env.Resource, "err", err)
		}
	}()
}

// overlayOp is one recorded write an OptimisticProxy collects; its inverse
// (before/hadBefore) becomes the rollback if the server later rejects.
type overlayOp struct {
	resource  string
	id        string
	before    schema.Row
	hadBefore bool
	after     schema.Row
}

// OptimisticProxy is the synchronous read/write surface a custom mutation's
// optimistic handler runs against (spec.md §4.5). It offers One, Where,
// Insert and Update; there is no Get or Include. One sees writes already
// staged earlier in the same handler invocation; Where reads only the
// session's committed overlay. Staged writes are applied to the local
// overlay by apply() and are never sent over the wire themselves: the
// enclosing Custom/CustomOptimistic call sends only its custom-procedure
// envelope.
type OptimisticProxy struct {
	session *Session
	ops     []overlayOp
	staged  map[string]map[string]schema.Row
}

// One reads resource/id, preferring a write already staged in this handler
// invocation over the session's committed overlay.
func (p *OptimisticProxy) One(resource, id string) (schema.Row, bool) {
	if bucket, ok := p.staged[resource]; ok {
		if row, ok := bucket[id]; ok {
			return row, true
		}
	}
	return p.session.Collection(resource).One(id)
}

// Where evaluates a where predicate against the session's committed
// overlay (staged-but-not-yet-applied writes are not visible to Where).
func (p *OptimisticProxy) Where(resource string, where map[string]any) ([]schema.Row, error) {
	return p.session.Collection(resource).Where(where)
}

// Insert stages a new row.
func (p *OptimisticProxy) Insert(resource, id string, fields map[string]any) {
	p.record(resource, id, fields)
}

// Update stages a merge into an existing row.
func (p *OptimisticProxy) Update(resource, id string, fields map[string]any) {
	p.record(resource, id, fields)
}

func (p *OptimisticProxy) record(resource, id string, fields map[string]any) {
	now := p.session.nowTimestamp()
	payload := materializeFields(fields, now)

	before, hadBefore := p.One(resource, id)
	after := mergeRow(before, payload)

	if p.staged == nil {
		p.staged = make(map[string]map[string]schema.Row)
	}
	if p.staged[resource] == nil {
		p.staged[resource] = make(map[string]schema.Row)
	}
	p.staged[resource][id] = after

	p.ops = append(p.ops, overlayOp{resource: resource, id: id, before: before, hadBefore: hadBefore, after: after})
}

// apply commits every staged op to the session's overlay, in recorded
// order, emitting one OPTIMISTIC_MUTATION_APPLIED event per op.
func (p *OptimisticProxy) apply() {
	p.session.mu.Lock()
	for _, op := range p.ops {
		p.session.setLocked(op.resource, op.id, op.after)
	}
	p.session.mu.Unlock()
	for _, op := range p.ops {
		p.session.emit(Event{Kind: EventOptimisticMutationApplied, Resource: op.resource, ResourceID: op.id})
	}
}

// rollback reverses every applied op in reverse order, emitting one
// OPTIMISTIC_MUTATION_UNDONE event per op. Safe to call on a nil proxy
// (no-op) so callers can pass a possibly-nil proxy.rollback directly.
func (p *OptimisticProxy) rollback() {
	if p == nil {
		return
	}
	p.session.mu.Lock()
	for i := len(p.ops) - 1; i >= 0; i-- {
		op := p.ops[i]
		if op.hadBefore {
			p.session.setLocked(op.resource, op.id, op.before)
		} else {
			p.session.deleteLocked(op.resource, op.id)
		}
	}
	p.session.mu.Unlock()
	for i := len(p.ops) - 1; i >= 0; i-- {
		op := p.ops[i]
		p.session.emit(Event{Kind: EventOptimisticMutationUndone, Resource: op.resource, ResourceID: op.id})
	}
}
