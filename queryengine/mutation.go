package queryengine

import (
	"context"
	"fmt"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
)

// handleInsert and handleUpdate both resolve to the same reconciliation
// algorithm (spec.md §4.3): re-evaluate every candidate query against the
// mutated object's current row, deliver to subscribers whose membership
// includes it, and propagate the rewire case through relational descent.
// Which storage.MutationKind triggered the call does not change the outcome —
// the delta kind handed to a subscriber is derived from the membership
// transition itself, since a storage UPDATE can still read as a fresh
// INSERT to a query the object didn't satisfy a moment ago.
func (e *Engine) handleInsert(ctx context.Context, m storage.Mutation) error {
	return e.reconcile(ctx, m.Resource, m.ResourceID)
}

func (e *Engine) handleUpdate(ctx context.Context, m storage.Mutation) error {
	return e.reconcile(ctx, m.Resource, m.ResourceID)
}

type delivery struct {
	node *QueryNode
	kind storage.MutationKind
}

type transition struct {
	node *QueryNode
	now  bool
}

func (e *Engine) reconcile(ctx context.Context, resource, id string) error {
	entity, ok := e.schema.Entity(resource)
	if !ok {
		return fmt.Errorf("queryengine: unknown resource %q", resource)
	}

	candidates := e.candidateQueries(resource)
	if len(candidates) == 0 {
		return nil
	}

	full, found, err := e.store.FindByID(ctx, resource, id, unionInclude(candidates))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	plain := schema.Infer(full)

	var deliveries []delivery
	var transitions []transition

	e.mu.Lock()
	obj := e.upsertObjectLocked(resource, id)
	e.applyOutgoingLocked(entity, obj, full)
	for _, node := range candidates {
		wasMatching := obj.MatchedQueries[node.Hash]
		now, evalErr := predicate.Eval(node.Where, plain)
		if evalErr != nil {
			err = evalErr
			break
		}
		if now {
			obj.MatchedQueries[node.Hash] = true
			node.MatchingIDs[id] = true
		} else if wasMatching {
			delete(obj.MatchedQueries, node.Hash)
			delete(node.MatchingIDs, id)
		}

		if node.Internal {
			if now != wasMatching {
				transitions = append(transitions, transition{node: node, now: now})
			}
			continue
		}
		if now {
			kind := storage.MutationUpdate
			if !wasMatching {
				kind = storage.MutationInsert
			}
			deliveries = append(deliveries, delivery{node: node, kind: kind})
		} else if wasMatching {
			// No REMOVE envelope exists on the wire (spec.md §6), so the
			// departure is signaled as an UPDATE delta carrying the row's new
			// state: the subscriber re-evaluates its own local predicate,
			// sees it no longer matches, and drops the row itself
			// (spec.md §4.3, §8 scenario 3).
			deliveries = append(deliveries, delivery{node: node, kind: storage.MutationUpdate})
		}
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		if err := e.deliverForNode(ctx, d.node, d.kind, id); err != nil {
			return err
		}
	}
	for _, t := range transitions {
		if err := e.propagateInternalTransition(ctx, t.node, id, t.now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) candidateQueries(resource string) []*QueryNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*QueryNode
	for _, n := range e.queries {
		if n.Resource == resource {
			out = append(out, n)
		}
	}
	return out
}

func unionInclude(nodes []*QueryNode) predicate.Include {
	var out predicate.Include
	for _, n := range nodes {
		out = predicate.MergeInclude(out, predicate.RequiredInclude(n.Where))
	}
	return out
}

// propagateInternalTransition implements spec.md §8 scenario 2 "Rewire": an
// internal descend-child node's membership flipped for childID, so every
// object of a parent query that currently points at childID through the
// owning relation must be re-evaluated against the parent's own (top-level)
// predicate, since its cached match may no longer reflect reality.
func (e *Engine) propagateInternalTransition(ctx context.Context, child *QueryNode, childID string, nowMatching bool) error {
	e.mu.Lock()
	type parentEdge struct {
		parent  *QueryNode
		relName string
	}
	var edges []parentEdge
	for parentHash, relName := range child.Parents {
		if p, ok := e.queries[parentHash]; ok {
			edges = append(edges, parentEdge{parent: p, relName: relName})
		}
	}
	childObj := e.objects[objectKey(child.Resource, childID)]
	e.mu.Unlock()
	if childObj == nil {
		return nil
	}

	for _, edge := range edges {
		e.mu.Lock()
		var parentIDs []string
		for pid := range childObj.Incoming[edge.relName] {
			parentIDs = append(parentIDs, pid)
		}
		e.mu.Unlock()

		for _, pid := range parentIDs {
			if err := e.reevaluateTopLevel(ctx, edge.parent, pid); err != nil {
				return err
			}
		}
	}
	return nil
}

// reevaluateTopLevel re-runs one parent query's own predicate against one of
// its candidate objects, outside the normal per-mutation candidate loop —
// used when the trigger was a change on a *related* object rather than on
// the parent's own row.
func (e *Engine) reevaluateTopLevel(ctx context.Context, node *QueryNode, id string) error {
	full, found, err := e.store.FindByID(ctx, node.Resource, id, predicate.RequiredInclude(node.Where))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	plain := schema.Infer(full)
	now, err := predicate.Eval(node.Where, plain)
	if err != nil {
		return err
	}

	e.mu.Lock()
	obj := e.upsertObjectLocked(node.Resource, id)
	wasMatching := obj.MatchedQueries[node.Hash]
	if now {
		obj.MatchedQueries[node.Hash] = true
		node.MatchingIDs[id] = true
	} else if wasMatching {
		delete(obj.MatchedQueries, node.Hash)
		delete(node.MatchingIDs, id)
	}
	e.mu.Unlock()

	if now && !wasMatching {
		return e.deliverForNode(ctx, node, storage.MutationInsert, id)
	}
	return nil
}

// deliverForNode re-fetches id under node's own requested Include (distinct
// from whatever include predicate evaluation required) so subscribers
// receive exactly the projection they asked for, then fans the delta out.
func (e *Engine) deliverForNode(ctx context.Context, node *QueryNode, kind storage.MutationKind, id string) error {
	payload, found, err := e.store.FindByID(ctx, node.Resource, id, node.Include)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	e.deliver(ctx, node, kind, id, payload)
	return nil
}

// deliver fans a delta out to every current subscriber of node, isolating
// each call behind a recover so one panicking subscriber never stalls
// fan-out to the rest (spec.md §7).
func (e *Engine) deliver(ctx context.Context, node *QueryNode, kind storage.MutationKind, id string, payload schema.Row) {
	e.mu.Lock()
	subs := make([]Subscriber, 0, len(node.Subscribers))
	for s := range node.Subscribers {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	d := Delta{QueryHash: node.Hash, Resource: node.Resource, ResourceID: id, Kind: kind, Payload: payload}
	for _, sub := range subs {
		e.deliverOne(ctx, sub, d)
	}
}

func (e *Engine) deliverOne(ctx context.Context, sub Subscriber, d Delta) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("queryengine: subscriber panicked", "query", d.QueryHash, "resource", d.Resource, "id", d.ResourceID, "panic", r)
		}
	}()
	sub.Deliver(ctx, d)
}
