// Package storage implements the dialect-neutral relational adapter
// spec.md §4.1 describes: two physical tables per entity (values + a
// per-field timestamp meta shadow), transactional CRUD, per-field LWW
// merge, and post-commit fan-out to the incremental query engine.
package storage

import (
	"context"
	"errors"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
)

// DuplicateInsertPolicy resolves spec.md §9 Open Question (a): whether a
// second INSERT for an already-present id errors or drops silently.
type DuplicateInsertPolicy int

const (
	// DropSilently keeps the existing row and reports no accepted fields —
	// the documented current (teacher/original) behavior, and the default.
	DropSilently DuplicateInsertPolicy = iota
	// RejectError surfaces ErrDuplicateInsert instead.
	RejectError
)

// ErrDuplicateInsert is returned by Insert when a row already exists and
// Options.DuplicateInsertPolicy is RejectError.
var ErrDuplicateInsert = errors.New("storage: resource already exists")

// MutationKind distinguishes an INSERT envelope from an UPDATE envelope.
type MutationKind string

const (
	MutationInsert MutationKind = "INSERT"
	MutationUpdate MutationKind = "UPDATE"
)

// Mutation is the envelope storage hands to its subscriber notifier after a
// commit. Payload carries only fields whose meta timestamp is present —
// i.e. the fields this particular write accepted (spec.md §4.1).
type Mutation struct {
	ID         string
	Resource   string
	ResourceID string
	Kind       MutationKind
	Payload    schema.Row
}

// Notifier receives committed mutations for fan-out to the incremental
// query engine (spec.md §4.2 "Fan-out").
type Notifier interface {
	Notify(ctx context.Context, m Mutation)
}

// Options configures a Store's edge-case policies.
type Options struct {
	DuplicateInsertPolicy DuplicateInsertPolicy
}

// Store is the persistence contract the rest of the engine is written
// against; RelationalStore is the concrete SQL-backed implementation.
type Store interface {
	// Init is idempotent: creates tables/columns/indices that don't exist
	// yet and tolerates duplicate-object races (spec.md §4.1, §7).
	Init(ctx context.Context, sch *schema.Schema) error

	// Get runs a full where/include/sort/limit query.
	Get(ctx context.Context, q predicate.RawQuery) ([]schema.Row, error)

	// FindByID is the special case Get({where:{id},limit:1}) spec.md §4.1
	// describes.
	FindByID(ctx context.Context, resource, id string, include predicate.Include) (schema.Row, bool, error)

	// Insert and Update both run the same merge-then-persist algorithm;
	// the Kind only affects the emitted Mutation and precondition checks a
	// caller (the mutation router) is expected to have already made.
	Insert(ctx context.Context, resource, id string, payload schema.Row, mutationID string) (schema.Row, []string, error)
	Update(ctx context.Context, resource, id string, payload schema.Row, mutationID string) (schema.Row, []string, error)

	// Transaction runs fn inside a BEGIN/SAVEPOINT frame; see tx.go.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// ResolvedTimestamp returns the maximum meta timestamp committed for
	// resource, so a session's lastSyncedAt can be validated against it.
	ResolvedTimestamp(ctx context.Context, resource string) (string, error)

	// Subscribe registers n to receive every mutation this store commits.
	Subscribe(n Notifier)
}
