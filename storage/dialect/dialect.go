// Package dialect abstracts the SQL-generation differences between
// relational backends behind one interface. spec.md §1 places the concrete
// per-dialect SQL adapter out of the storage engine's core scope, treating
// it as an external collaborator the core only needs an interface for; this
// package is that interface plus the one reference adapter (sqlite) the
// rest of the module tests against. Include resolution (spec.md §9's
// correlated jsonObjectFrom/jsonArrayFrom idea) is handled portably in
// storage/query.go via batched follow-up queries instead, so this interface
// only needs to cover identifier quoting, placeholders, column typing, and
// schema introspection — see DESIGN.md.
package dialect

import (
	"context"
	"database/sql"

	"github.com/go-livestate/livestate/schema"
)

// Dialect is implemented once per backing relational database.
type Dialect interface {
	// Name identifies the dialect, e.g. "postgres", "mysql", "sqlite".
	Name() string

	// QuoteIdent quotes a table/column identifier for safe embedding in
	// generated SQL.
	QuoteIdent(name string) string

	// Placeholder returns the parameter placeholder for the i'th
	// (1-indexed) bound argument in a statement — "?" for sqlite/mysql,
	// "$1".."$N" for postgres.
	Placeholder(i int) string

	// ColumnType maps a declared field to this dialect's column type,
	// including enum and json/jsonb handling.
	ColumnType(f schema.Field) (string, error)

	// CreateEnumType emits any dialect-specific statement needed before a
	// column can reference this enum (a no-op returning nil for dialects,
	// like sqlite, with no native enum type). Called once per distinct
	// enum field during Init.
	CreateEnumType(ctx context.Context, db *sql.DB, entity, field string, values []string) error

	// ExistingColumns returns the set of column names already present on
	// table, used by Init to add only the columns missing from a
	// previously-created table.
	ExistingColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error)

	// IsDuplicateObjectError reports whether err is the dialect's flavor of
	// "this column/type/index already exists" from a concurrent Init race,
	// which must be swallowed rather than propagated (spec.md §4.1, §7).
	IsDuplicateObjectError(err error) bool

	// SupportsDeferredForeignKeys reports whether CREATE TABLE may declare
	// a foreign key to a table that does not exist yet and have it
	// resolved later (true for most dialects via a deferred ALTER TABLE;
	// sqlite instead needs the referenced table to already exist, or
	// PRAGMA foreign_keys left off during Init).
	SupportsDeferredForeignKeys() bool
}
