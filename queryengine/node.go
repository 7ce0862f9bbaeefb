// Package queryengine implements the incremental query engine (spec.md §4.3):
// a graph of registered standing queries (QueryNode) and observed objects
// (ObjectNode) that decides, on every committed mutation, which subscribers
// must be notified and with what minimal delta — including synthetic
// inserts when a relation rewires a child query's membership.
package queryengine

import (
	"context"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
)

// Delta is a single INSERT or UPDATE envelope addressed to one query's
// subscribers (spec.md §6 server→client MUTATE envelope, minus the wire
// framing/message id, which is transport's concern).
type Delta struct {
	QueryHash  string
	Resource   string
	ResourceID string
	Kind       storage.MutationKind
	Payload    schema.Row
}

// Subscriber receives deltas for queries it is registered against. Delivery
// failures (panics) are caught and logged per subscriber so one
// misbehaving subscriber never stalls fan-out for the others (spec.md §7).
type Subscriber interface {
	Deliver(ctx context.Context, d Delta)
}

// QueryNode is the engine's live state for one distinct registered
// predicate (spec.md §3 "QueryNode"). Internal nodes are auto-registered by
// RegisterQuery to track a relational descent's sub-predicate and are never
// pruned by subscriber count — only when the last parent that registered
// them is pruned.
type QueryNode struct {
	Hash     string
	Resource string
	Raw      predicate.RawQuery // zero value for Internal nodes
	Where    predicate.Node
	Include  predicate.Include
	Internal bool

	MatchingIDs map[string]bool
	Subscribers map[Subscriber]bool

	// Parents maps a parent QueryNode's hash to the relation name this node
	// represents a descent into, for internal nodes only.
	Parents map[string]string
	// ChildrenByRelation indexes this node's internal descent children by
	// the relation name they were registered under.
	ChildrenByRelation map[string]map[string]bool
}

func newQueryNode(hash, resource string, raw predicate.RawQuery, where predicate.Node, include predicate.Include, internal bool) *QueryNode {
	return &QueryNode{
		Hash:               hash,
		Resource:           resource,
		Raw:                raw,
		Where:              where,
		Include:            include,
		Internal:           internal,
		MatchingIDs:        map[string]bool{},
		Subscribers:        map[Subscriber]bool{},
		Parents:            map[string]string{},
		ChildrenByRelation: map[string]map[string]bool{},
	}
}

// ObjectNode is the engine's projection of one observed record (spec.md §3
// "ObjectNode"): just enough to re-evaluate predicates and rewire relational
// joins without re-fetching from storage on every mutation.
type ObjectNode struct {
	ID       string
	Resource string

	MatchedQueries map[string]bool

	// Outgoing holds, per "one"-relation name, the current foreign key this
	// object points at (absent if null).
	Outgoing map[string]string
	// Incoming holds, per relation name, the set of object ids that
	// currently point at this object via that relation.
	Incoming map[string]map[string]bool
}

func newObjectNode(resource, id string) *ObjectNode {
	return &ObjectNode{
		ID:             id,
		Resource:       resource,
		MatchedQueries: map[string]bool{},
		Outgoing:       map[string]string{},
		Incoming:       map[string]map[string]bool{},
	}
}
