package queryengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
	"github.com/go-livestate/livestate/storage/kvindex"
)

// Engine holds the live QueryNode/ObjectNode graph for one schema against
// one storage.Store. It implements storage.Notifier, so Subscribe(engine)
// on a Store wires committed mutations directly into fan-out.
type Engine struct {
	mu      sync.Mutex
	schema  *schema.Schema
	store   storage.Store
	log     *slog.Logger
	queries map[string]*QueryNode
	objects map[string]*ObjectNode // key: resource + "/" + id

	// edges durably mirrors every Outgoing edge this process learns about,
	// so a restart can rehydrate via Rehydrate instead of a cold start
	// (spec.md §4.3's graph has no other persistence of its own). Nil when
	// the engine was built with New — durability is opt-in.
	edges *kvindex.EdgeIndex
}

var _ storage.Notifier = (*Engine)(nil)

// New builds an Engine with no durable edge cache: every restart starts
// from an empty graph, rebuilt lazily as queries register and mutations
// arrive. log may be nil (defaults to slog.Default()).
func New(sch *schema.Schema, store storage.Store, log *slog.Logger) *Engine {
	return newEngine(sch, store, log, nil)
}

// NewWithEdgeIndex builds an Engine that persists every Outgoing edge change
// to edges and can rehydrate its object graph from it via Rehydrate.
func NewWithEdgeIndex(sch *schema.Schema, store storage.Store, log *slog.Logger, edges *kvindex.EdgeIndex) *Engine {
	return newEngine(sch, store, log, edges)
}

func newEngine(sch *schema.Schema, store storage.Store, log *slog.Logger, edges *kvindex.EdgeIndex) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		schema:  sch,
		store:   store,
		log:     log,
		queries: make(map[string]*QueryNode),
		objects: make(map[string]*ObjectNode),
		edges:   edges,
	}
}

// Rehydrate populates the object graph's Outgoing/Incoming edges from the
// durable edge cache, so a freshly constructed Engine backed by the same
// kvindex.EdgeIndex doesn't need a full storage scan to answer rewire
// propagation correctly for objects nothing has touched since restart.
// MatchedQueries/MatchingIDs are not restored — those depend on which
// queries are registered in this process, which only happens after
// Rehydrate via RegisterQuery.
func (e *Engine) Rehydrate() error {
	if e.edges == nil {
		return nil
	}
	all, err := e.edges.AllOutgoing()
	if err != nil {
		return fmt.Errorf("queryengine: rehydrate from edge index: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for ref, byRelation := range all {
		obj := e.upsertObjectLocked(ref.Resource, ref.ID)
		for relation, targetID := range byRelation {
			rel, ok := e.relationTarget(ref.Resource, relation)
			if !ok {
				continue
			}
			obj.Outgoing[relation] = targetID
			target := e.upsertObjectLocked(rel, targetID)
			if target.Incoming[relation] == nil {
				target.Incoming[relation] = map[string]bool{}
			}
			target.Incoming[relation][ref.ID] = true
		}
	}
	return nil
}

func (e *Engine) relationTarget(resource, relation string) (string, bool) {
	entity, ok := e.schema.Entity(resource)
	if !ok {
		return "", false
	}
	rel, ok := entity.Relation(relation)
	if !ok {
		return "", false
	}
	return rel.Target, true
}

func objectKey(resource, id string) string { return resource + "/" + id }

// RegisterQuery implements spec.md §4.3 registerQuery: compute hash(query),
// create/reuse the QueryNode, append sub, and return an unsubscribe closure
// that removes sub and prunes the node once it has no subscribers left. A
// freshly created node also auto-registers an internal child QueryNode for
// every top-level relational descent in its predicate, so relation-target
// field changes (e.g. an author's name) can rewire this query's membership
// even though the mutation lands on a different resource (spec.md §8
// scenario 2 "Rewire").
func (e *Engine) RegisterQuery(ctx context.Context, raw predicate.RawQuery, sub Subscriber) (hash string, results []schema.Row, unsubscribe func(), err error) {
	hash, err = predicate.Hash(raw)
	if err != nil {
		return "", nil, nil, err
	}
	where, err := predicate.Parse(raw.Where, e.schema, raw.Resource)
	if err != nil {
		return "", nil, nil, err
	}
	include, err := predicate.ParseInclude(raw.Include)
	if err != nil {
		return "", nil, nil, err
	}

	e.mu.Lock()
	node, existed := e.queries[hash]
	if !existed {
		node = newQueryNode(hash, raw.Resource, raw, where, include, false)
		e.queries[hash] = node
	}
	node.Subscribers[sub] = true
	e.mu.Unlock()

	if !existed {
		if err := e.registerDescendChildren(ctx, node); err != nil {
			return "", nil, nil, err
		}
	}

	results, err = e.store.Get(ctx, raw)
	if err != nil {
		return "", nil, nil, err
	}
	if err := e.LoadQueryResults(hash, results); err != nil {
		return "", nil, nil, err
	}

	unsubscribe = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(node.Subscribers, sub)
		if len(node.Subscribers) == 0 && !node.Internal {
			e.pruneNodeLocked(node)
		}
	}
	return hash, results, unsubscribe, nil
}

func (e *Engine) pruneNodeLocked(node *QueryNode) {
	delete(e.queries, node.Hash)
	for id := range node.MatchingIDs {
		if obj, ok := e.objects[objectKey(node.Resource, id)]; ok {
			delete(obj.MatchedQueries, node.Hash)
		}
	}
	for parentHash, relName := range node.Parents {
		if parent, ok := e.queries[parentHash]; ok {
			if set, ok := parent.ChildrenByRelation[relName]; ok {
				delete(set, node.Hash)
			}
		}
	}
	for _, children := range node.ChildrenByRelation {
		for childHash := range children {
			if child, ok := e.queries[childHash]; ok {
				delete(child.Parents, node.Hash)
				if child.Internal && len(child.Parents) == 0 {
					e.pruneNodeLocked(child)
				}
			}
		}
	}
}

// registerDescendChildren auto-registers one internal QueryNode per
// top-level KindDescend conjunct in node.Where. It also seeds the Outgoing/
// Incoming bookkeeping for every existing row of node's own resource: those
// rows may already point at a target object through the descended relation,
// and without this seed step their Incoming edge wouldn't exist yet for
// propagateInternalTransition to find when that target object later changes
// (spec.md §8 scenario 2 "Rewire" requires this to work retroactively, not
// just for rows inserted after the query is registered).
func (e *Engine) registerDescendChildren(ctx context.Context, node *QueryNode) error {
	entity, ok := e.schema.Entity(node.Resource)
	if !ok {
		return fmt.Errorf("queryengine: unknown resource %q", node.Resource)
	}
	descends := topLevelDescends(node.Where)
	if len(descends) == 0 {
		return nil
	}
	if err := e.seedOutgoingGraph(ctx, entity); err != nil {
		return err
	}
	for _, d := range descends {
		rel, ok := entity.Relation(d.Field)
		if !ok {
			return fmt.Errorf("queryengine: unknown relation %q on %q", d.Field, node.Resource)
		}
		if err := e.registerInternalChild(ctx, node, rel.Target, d.Field, *d.Child); err != nil {
			return err
		}
	}
	return nil
}

// seedOutgoingGraph fetches every row of entity, unfiltered, purely to
// populate each object's Outgoing/Incoming relation bookkeeping — it never
// touches MatchedQueries/MatchingIDs, since these rows were not evaluated
// against any predicate.
func (e *Engine) seedOutgoingGraph(ctx context.Context, entity schema.Entity) error {
	results, err := e.store.Get(ctx, predicate.RawQuery{Resource: entity.Name})
	if err != nil {
		return err
	}
	idField := entity.IDField()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		id := fmt.Sprint(r[idField].Value)
		obj := e.upsertObjectLocked(entity.Name, id)
		e.applyOutgoingLocked(entity, obj, r)
	}
	return nil
}

func (e *Engine) registerInternalChild(ctx context.Context, parent *QueryNode, targetResource, relName string, where predicate.Node) error {
	include := predicate.RequiredInclude(where)
	childHash := fmt.Sprintf("internal:%s:%s", targetResource, where.String())

	e.mu.Lock()
	child, existed := e.queries[childHash]
	if !existed {
		child = newQueryNode(childHash, targetResource, predicate.RawQuery{}, where, include, true)
		e.queries[childHash] = child
	}
	child.Parents[parent.Hash] = relName
	if parent.ChildrenByRelation[relName] == nil {
		parent.ChildrenByRelation[relName] = map[string]bool{}
	}
	parent.ChildrenByRelation[relName][childHash] = true
	e.mu.Unlock()

	if existed {
		return nil
	}

	// An internal child has no server-side filter to push down (its where
	// lives only in this Node, never as wire RawQuery.Where), so every row
	// of the target resource is fetched and evaluated here. This assumes
	// the descend child's own predicate needs no further nested relational
	// descent of its own — documented as a scope limit in DESIGN.md.
	targetEntity, ok := e.schema.Entity(targetResource)
	if !ok {
		return fmt.Errorf("queryengine: unknown resource %q", targetResource)
	}
	results, err := e.store.Get(ctx, predicate.RawQuery{Resource: targetResource})
	if err != nil {
		return err
	}
	return e.seedInternalChild(child, targetEntity, results)
}

// seedInternalChild evaluates child.Where against every row of an
// unfiltered fetch (see registerInternalChild), since unlike a top-level
// query's initial load, these rows were not pre-filtered server-side.
func (e *Engine) seedInternalChild(child *QueryNode, targetEntity schema.Entity, results []schema.Row) error {
	idField := targetEntity.IDField()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		id := fmt.Sprint(r[idField].Value)
		obj := e.upsertObjectLocked(child.Resource, id)
		e.applyOutgoingLocked(targetEntity, obj, r)

		matched, err := predicate.Eval(child.Where, schema.Infer(r))
		if err != nil {
			return err
		}
		if matched {
			obj.MatchedQueries[child.Hash] = true
			child.MatchingIDs[id] = true
		}
	}
	return nil
}

func topLevelDescends(n predicate.Node) []predicate.Node {
	switch n.Kind {
	case predicate.KindAnd:
		var out []predicate.Node
		for _, c := range n.Children {
			if c.Kind == predicate.KindDescend {
				out = append(out, c)
			}
		}
		return out
	case predicate.KindDescend:
		return []predicate.Node{n}
	default:
		return nil
	}
}

// LoadQueryResults implements spec.md §4.3 loadQueryResults: for each result
// row, upsert its ObjectNode, add it to the query's matchingIds, and update
// the bidirectional outgoing/incoming relation maps.
func (e *Engine) LoadQueryResults(hash string, results []schema.Row) error {
	e.mu.Lock()
	node, ok := e.queries[hash]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("queryengine: unknown query %q", hash)
	}
	return e.loadCompiledQueryResults(node, results)
}

func (e *Engine) loadCompiledQueryResults(node *QueryNode, results []schema.Row) error {
	entity, ok := e.schema.Entity(node.Resource)
	if !ok {
		return fmt.Errorf("queryengine: unknown resource %q", node.Resource)
	}
	idField := entity.IDField()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		id := fmt.Sprint(r[idField].Value)
		obj := e.upsertObjectLocked(node.Resource, id)
		obj.MatchedQueries[node.Hash] = true
		node.MatchingIDs[id] = true
		e.applyOutgoingLocked(entity, obj, r)
	}
	return nil
}

func (e *Engine) upsertObjectLocked(resource, id string) *ObjectNode {
	key := objectKey(resource, id)
	obj, ok := e.objects[key]
	if !ok {
		obj = newObjectNode(resource, id)
		e.objects[key] = obj
	}
	return obj
}

// applyOutgoingLocked records obj's current "one"-relation foreign keys from
// a freshly fetched row, updating the reverse Incoming index on the target
// object as well.
func (e *Engine) applyOutgoingLocked(entity schema.Entity, obj *ObjectNode, r schema.Row) {
	for _, rel := range entity.Relations {
		if rel.Kind != schema.RelationOne {
			continue
		}
		var fk string
		if n, ok := r[rel.LocalColumn]; ok && n.Value != nil {
			fk = fmt.Sprint(n.Value)
		}
		e.setOutgoingLocked(rel.Target, rel.Name, obj, fk)
	}
}

func (e *Engine) setOutgoingLocked(targetResource, relName string, obj *ObjectNode, newFK string) {
	old, had := obj.Outgoing[relName]
	if had && old == newFK {
		return
	}
	if had && old != "" {
		if oldTarget, ok := e.objects[objectKey(targetResource, old)]; ok {
			if set := oldTarget.Incoming[relName]; set != nil {
				delete(set, obj.ID)
			}
		}
	}
	if newFK == "" {
		delete(obj.Outgoing, relName)
		e.persistOutgoing(obj.Resource, obj.ID, relName, "")
		return
	}
	obj.Outgoing[relName] = newFK
	target := e.upsertObjectLocked(targetResource, newFK)
	if target.Incoming[relName] == nil {
		target.Incoming[relName] = map[string]bool{}
	}
	target.Incoming[relName][obj.ID] = true
	e.persistOutgoing(obj.Resource, obj.ID, relName, newFK)
}

// persistOutgoing best-effort mirrors an edge change to the durable cache;
// a write failure only costs a slower cold start on next restart; it never
// fails the in-memory mutation path.
func (e *Engine) persistOutgoing(resource, id, relation, targetID string) {
	if e.edges == nil {
		return
	}
	if err := e.edges.SetOutgoing(resource, id, relation, targetID); err != nil {
		e.log.Warn("queryengine: persist edge failed", "resource", resource, "id", id, "relation", relation, "err", err)
	}
}

// Notify implements storage.Notifier: the entry point post-commit fan-out
// calls for every buffered mutation (spec.md §4.1 "Fan-out").
func (e *Engine) Notify(ctx context.Context, m storage.Mutation) {
	var err error
	switch m.Kind {
	case storage.MutationInsert:
		err = e.handleInsert(ctx, m)
	case storage.MutationUpdate:
		err = e.handleUpdate(ctx, m)
	default:
		err = fmt.Errorf("queryengine: unknown mutation kind %q", m.Kind)
	}
	if err != nil {
		e.log.Error("queryengine: handle mutation failed", "resource", m.Resource, "id", m.ResourceID, "err", err)
	}
}
