// Package kvindex persists the incremental query engine's object-relation
// edge graph (queryengine.ObjectNode.Outgoing/Incoming) in BadgerDB, so a
// restarted engine can rehydrate it without re-scanning every table through
// storage.Store.Get (spec.md §4.3's in-memory graph is otherwise rebuilt
// from scratch on every process start). Grounded on the teacher's own
// badger-backed index, datalog/storage/badger_store.go, adapted from an
// EAVT datom index to a much smaller one-edge-per-key relation cache.
package kvindex

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const outgoingPrefix = "out\x00"

// ObjectRef identifies one object by resource and id, used as a map key by
// AllOutgoing's rehydration result.
type ObjectRef struct {
	Resource string
	ID       string
}

// EdgeIndex is a durable cache of "one"-relation foreign keys: for each
// (resource, id, relation) it stores the current target id, mirroring
// queryengine.ObjectNode.Outgoing. The reverse Incoming index is derived
// entirely from Outgoing at load time (see AllOutgoing), so only one side
// needs to be persisted.
type EdgeIndex struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database at path.
func Open(path string) (*EdgeIndex, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvindex: open badger at %q: %w", path, err)
	}
	return &EdgeIndex{db: db}, nil
}

func (x *EdgeIndex) Close() error {
	return x.db.Close()
}

func outgoingKey(resource, id, relation string) []byte {
	return []byte(outgoingPrefix + resource + "\x00" + id + "\x00" + relation)
}

// SetOutgoing records that (resource, id) currently points at targetID
// through relation. An empty targetID deletes the edge (the relation is now
// null), matching queryengine's own Outgoing bookkeeping.
func (x *EdgeIndex) SetOutgoing(resource, id, relation, targetID string) error {
	key := outgoingKey(resource, id, relation)
	return x.db.Update(func(txn *badger.Txn) error {
		if targetID == "" {
			err := txn.Delete(key)
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return txn.Set(key, []byte(targetID))
	})
}

// AllOutgoing loads every persisted edge, keyed by the object it originates
// from and then by relation name — the shape queryengine.Engine needs to
// rehydrate both ObjectNode.Outgoing (directly) and ObjectNode.Incoming (by
// inverting each entry onto its target) in one pass.
func (x *EdgeIndex) AllOutgoing() (map[ObjectRef]map[string]string, error) {
	out := make(map[ObjectRef]map[string]string)

	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(outgoingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rest := bytes.TrimPrefix(item.Key(), prefix)
			parts := strings.SplitN(string(rest), "\x00", 3)
			if len(parts) != 3 {
				continue
			}
			ref := ObjectRef{Resource: parts[0], ID: parts[1]}
			relation := parts[2]

			if err := item.Value(func(val []byte) error {
				if out[ref] == nil {
					out[ref] = make(map[string]string)
				}
				out[ref][relation] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
