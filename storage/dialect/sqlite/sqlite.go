// Package sqlite is the reference dialect.Dialect adapter, backed by
// modernc.org/sqlite (pure Go, CGO-free — the driver choice marcus-td's own
// server build uses over github.com/mattn/go-sqlite3; see DESIGN.md).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage/dialect"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DriverName is the database/sql driver name modernc.org/sqlite registers.
const DriverName = "sqlite"

// Dialect implements dialect.Dialect for SQLite.
type Dialect struct{}

var _ dialect.Dialect = Dialect{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder is "?" regardless of position; sqlite binds positionally.
func (Dialect) Placeholder(_ int) string { return "?" }

func (Dialect) ColumnType(f schema.Field) (string, error) {
	switch f.Type {
	case schema.FieldString, schema.FieldID, schema.FieldEnum, schema.FieldDate:
		return "TEXT", nil
	case schema.FieldNumber:
		return "REAL", nil
	case schema.FieldBoolean:
		return "INTEGER", nil
	case schema.FieldJSON:
		return "TEXT", nil
	case schema.FieldRef:
		return "TEXT", nil
	default:
		return "", fmt.Errorf("sqlite dialect: unsupported field type %q", f.Type)
	}
}

// CreateEnumType is a no-op: sqlite has no native enum type, so enum fields
// are just TEXT columns with application-level validation.
func (Dialect) CreateEnumType(_ context.Context, _ *sql.DB, _, _ string, _ []string) error {
	return nil
}

func (Dialect) ExistingColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", Dialect{}.QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite dialect: pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("sqlite dialect: scan table_info row: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// IsDuplicateObjectError matches modernc.org/sqlite's "duplicate column
// name" and "already exists" error text; sqlite has no typed error for
// this, only a message, so this is necessarily a substring check.
func (Dialect) IsDuplicateObjectError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists")
}

// SupportsDeferredForeignKeys is false: sqlite resolves foreign key
// declarations at CREATE TABLE time, so a referenced table must already
// exist (enforced only if PRAGMA foreign_keys is on, but the DDL itself
// still needs the ordering).
func (Dialect) SupportsDeferredForeignKeys() bool { return false }
