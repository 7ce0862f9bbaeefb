// Package loader implements the batching data loader spec.md §4.4 describes:
// concurrent single-key lookups that share the same resource/predicate/
// include shape are coalesced into one store.Get call per tick, keyed by a
// combined $in predicate over the discriminating field; sort/limit do not
// split a batch and are applied only when exactly one member asks for them.
// Grounded
// on janus-datalog's executor.worker_pool/subquery_batcher.go "coalesce
// concurrent subquery evaluation into shared work" idiom, redirected from
// datom subqueries to spec.md's predicate-query batching contract. No
// scheduler library appears anywhere in the pack (janus-datalog's own
// batcher is hand-rolled too), so the tick is a plain time.Timer.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
)

// Getter is the subset of storage.Store the loader drives; satisfied
// directly by *storage.RelationalStore.
type Getter interface {
	Get(ctx context.Context, q predicate.RawQuery) ([]schema.Row, error)
}

// DefaultWindow is the batch window used when New is called with a
// non-positive window: long enough for concurrent goroutines issued from the
// same request wave to join, short enough not to noticeably delay a single
// caller.
const DefaultWindow = time.Millisecond

// Loader coalesces concurrent Load calls that share a (resource, keyField,
// where, include) shape into a single batched store.Get, split across each
// caller's fixed-on discriminating value via a combined $in predicate
// (spec.md §4.4). Sort/limit are not part of the shape; see soleSortLimit.
type Loader struct {
	get    Getter
	window time.Duration

	mu      sync.Mutex
	batches map[string]*batch
}

// New builds a Loader over get, draining each distinct batch window after.
// A non-positive window uses DefaultWindow.
func New(get Getter, window time.Duration) *Loader {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Loader{get: get, window: window, batches: make(map[string]*batch)}
}

type member struct {
	keyValue string
	sort     []predicate.SortClause
	limit    int
	result   chan loadResult
}

type loadResult struct {
	rows []schema.Row
	err  error
}

type batch struct {
	resource string
	keyField string
	where    map[string]any
	include  map[string]any
	members  []*member
	timer    *time.Timer
}

// batchKey identifies the shape two Load calls must share to be coalesced:
// everything except the discriminating keyField value.
func batchKey(resource, keyField string, where, include map[string]any) (string, error) {
	canon := struct {
		Resource string         `json:"resource"`
		KeyField string         `json:"keyField"`
		Where    map[string]any `json:"where"`
		Include  map[string]any `json:"include"`
	}{resource, keyField, where, include}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("loader: canonicalize batch key: %w", err)
	}
	return string(b), nil
}

// Load fetches the rows of resource whose keyField equals keyValue and which
// also satisfy where, coalescing with any other Load call issued within the
// same batch window for the same (resource, keyField, where, include) shape.
// sort/limit are honored only if exactly one member of the eventual batch
// requests them; otherwise both are dropped and the caller must accept
// cohort-merge semantics (spec.md §4.4).
func (l *Loader) Load(ctx context.Context, resource, keyField, keyValue string, where, include map[string]any, sort []predicate.SortClause, limit int) ([]schema.Row, error) {
	key, err := batchKey(resource, keyField, where, include)
	if err != nil {
		return nil, err
	}

	m := &member{keyValue: keyValue, sort: sort, limit: limit, result: make(chan loadResult, 1)}

	l.mu.Lock()
	b, ok := l.batches[key]
	if !ok {
		b = &batch{resource: resource, keyField: keyField, where: where, include: include}
		l.batches[key] = b
		b.timer = time.AfterFunc(l.window, func() { l.drain(key, b) })
	}
	b.members = append(b.members, m)
	l.mu.Unlock()

	select {
	case r := <-m.result:
		return r.rows, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) drain(key string, b *batch) {
	l.mu.Lock()
	if l.batches[key] == b {
		delete(l.batches, key)
	}
	l.mu.Unlock()

	rows, err := l.run(b)
	for _, m := range b.members {
		if err != nil {
			m.result <- loadResult{err: err}
			continue
		}
		m.result <- loadResult{rows: filterByKey(rows, b.keyField, m.keyValue)}
	}
}

func (l *Loader) run(b *batch) ([]schema.Row, error) {
	seen := make(map[string]bool, len(b.members))
	keys := make([]any, 0, len(b.members))
	for _, m := range b.members {
		if seen[m.keyValue] {
			continue
		}
		seen[m.keyValue] = true
		keys = append(keys, m.keyValue)
	}

	where := mergeWhereIn(b.where, b.keyField, keys)

	raw := predicate.RawQuery{Resource: b.resource, Where: where, Include: b.include}
	if sort, limit, ok := soleSortLimit(b.members); ok {
		raw.Sort = sort
		raw.Limit = limit
	}

	return l.get.Get(context.Background(), raw)
}

// soleSortLimit returns the batch's sort/limit only when exactly one member
// requested a non-empty one; spec.md §4.4 drops both otherwise.
func soleSortLimit(members []*member) ([]predicate.SortClause, int, bool) {
	var (
		sort    []predicate.SortClause
		limit   int
		sawSort bool
		sawMany bool
	)
	for _, m := range members {
		if len(m.sort) == 0 && m.limit == 0 {
			continue
		}
		if sawSort {
			sawMany = true
			break
		}
		sort, limit, sawSort = m.sort, m.limit, true
	}
	if sawMany || !sawSort {
		return nil, 0, false
	}
	return sort, limit, true
}

func mergeWhereIn(where map[string]any, keyField string, keys []any) map[string]any {
	out := make(map[string]any, len(where)+1)
	for k, v := range where {
		out[k] = v
	}
	out[keyField] = map[string]any{"$in": keys}
	return out
}

func filterByKey(rows []schema.Row, keyField, keyValue string) []schema.Row {
	out := make([]schema.Row, 0, 1)
	for _, r := range rows {
		node, ok := r[keyField]
		if !ok {
			continue
		}
		if fmt.Sprint(node.Value) == keyValue {
			out = append(out, r)
		}
	}
	return out
}
