package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage/dialect"
)

// metaTableSuffix names the per-entity timestamp shadow table (spec.md §3
// "meta shadow", §6 persisted layout).
const metaTableSuffix = "_meta"

// RelationalStore is the concrete dialect-neutral Store implementation: a
// database/sql connection plus a dialect.Dialect strategy for the
// SQL-generation differences between backends.
type RelationalStore struct {
	db      *sql.DB
	dialect dialect.Dialect
	schema  *schema.Schema
	opts    Options

	notifiers []Notifier
}

var _ Store = (*RelationalStore)(nil)

// New builds a RelationalStore. Call Init before any read/write.
func New(db *sql.DB, d dialect.Dialect, opts Options) *RelationalStore {
	return &RelationalStore{db: db, dialect: d, opts: opts}
}

func (s *RelationalStore) Subscribe(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

func (s *RelationalStore) metaTable(entity string) string {
	return entity + metaTableSuffix
}

// Insert and Update share one code path: the merge-then-persist algorithm
// is identical, and the router is responsible for the INSERT/UPDATE
// presence precondition (spec.md §4.2 step 2) before calling either.
func (s *RelationalStore) Insert(ctx context.Context, resource, id string, payload schema.Row, mutationID string) (schema.Row, []string, error) {
	return s.write(ctx, resource, id, payload, mutationID, MutationInsert)
}

func (s *RelationalStore) Update(ctx context.Context, resource, id string, payload schema.Row, mutationID string) (schema.Row, []string, error) {
	return s.write(ctx, resource, id, payload, mutationID, MutationUpdate)
}

func (s *RelationalStore) write(ctx context.Context, resource, id string, payload schema.Row, mutationID string, kind MutationKind) (schema.Row, []string, error) {
	entity, ok := s.schema.Entity(resource)
	if !ok {
		return nil, nil, fmt.Errorf("storage: unknown resource %q", resource)
	}

	existing, found, err := s.findByIDTx(ctx, entity, id, nil)
	if err != nil {
		return nil, nil, err
	}
	if kind == MutationInsert && found {
		if s.opts.DuplicateInsertPolicy == RejectError {
			return nil, nil, ErrDuplicateInsert
		}
		return existing, nil, nil
	}

	merged, accepted := mergeMutation(payload, existing)
	if len(accepted) == 0 {
		return merged, accepted, nil
	}

	if err := s.persist(ctx, entity, id, merged, accepted); err != nil {
		return nil, nil, err
	}

	mutationPayload := schema.Row{}
	for _, f := range accepted {
		mutationPayload[f] = merged[f]
	}
	s.recordMutation(ctx, Mutation{
		ID:         mutationID,
		Resource:   resource,
		ResourceID: id,
		Kind:       kind,
		Payload:    mutationPayload,
	})

	full, _, err := s.findByIDTx(ctx, entity, id, nil)
	if err != nil {
		return nil, nil, err
	}
	return full, accepted, nil
}

// persist upserts the R row and R_meta timestamps for the accepted fields.
func (s *RelationalStore) persist(ctx context.Context, entity schema.Entity, id string, merged schema.Row, accepted []string) error {
	ex := s.execer(ctx)
	q := s.dialect.QuoteIdent

	// Upsert R: read-then-write, since "INSERT ... ON CONFLICT" syntax
	// varies enough across dialects (and sqlite's UPSERT needs every
	// non-excluded column named) that a portable two-step is simpler and
	// still correct inside the surrounding transaction.
	idField := entity.IDField()
	found, err := s.rowExists(ctx, entity.Name, idField, id)
	if err != nil {
		return err
	}

	if !found {
		cols := []string{idField}
		args := []any{id}
		for _, f := range accepted {
			cols = append(cols, f)
			args = append(args, plainValue(merged[f]))
		}
		placeholders := make([]string, len(args))
		for i := range args {
			placeholders[i] = s.dialect.Placeholder(i + 1)
		}
		quotedCols := make([]string, len(cols))
		for i, c := range cols {
			quotedCols[i] = q(c)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", q(entity.Name), join(quotedCols, ", "), join(placeholders, ", "))
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("storage: insert %s/%s: %w", entity.Name, id, err)
		}
	} else if len(accepted) > 0 {
		var sets []string
		var args []any
		for _, f := range accepted {
			args = append(args, plainValue(merged[f]))
			sets = append(sets, fmt.Sprintf("%s = %s", q(f), s.dialect.Placeholder(len(args))))
		}
		args = append(args, id)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", q(entity.Name), join(sets, ", "), q(idField), s.dialect.Placeholder(len(args)))
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("storage: update %s/%s: %w", entity.Name, id, err)
		}
	}

	// Upsert R_meta similarly: id + one timestamp column per accepted field.
	metaFound, err := s.rowExists(ctx, s.metaTable(entity.Name), idField, id)
	if err != nil {
		return err
	}
	if !metaFound {
		cols := []string{idField}
		args := []any{id}
		for _, f := range accepted {
			cols = append(cols, f)
			args = append(args, merged[f].Timestamp())
		}
		placeholders := make([]string, len(args))
		for i := range args {
			placeholders[i] = s.dialect.Placeholder(i + 1)
		}
		quotedCols := make([]string, len(cols))
		for i, c := range cols {
			quotedCols[i] = q(c)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", q(s.metaTable(entity.Name)), join(quotedCols, ", "), join(placeholders, ", "))
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("storage: insert meta %s/%s: %w", entity.Name, id, err)
		}
	} else {
		var sets []string
		var args []any
		for _, f := range accepted {
			args = append(args, merged[f].Timestamp())
			sets = append(sets, fmt.Sprintf("%s = %s", q(f), s.dialect.Placeholder(len(args))))
		}
		args = append(args, id)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", q(s.metaTable(entity.Name)), join(sets, ", "), q(idField), s.dialect.Placeholder(len(args)))
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("storage: update meta %s/%s: %w", entity.Name, id, err)
		}
	}

	return nil
}

func (s *RelationalStore) rowExists(ctx context.Context, table, idField, id string) (bool, error) {
	ex := s.execer(ctx)
	q := s.dialect.QuoteIdent
	stmt := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = %s", q(table), q(idField), s.dialect.Placeholder(1))
	row := ex.QueryRowContext(ctx, stmt, id)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("storage: check existence of %s/%s: %w", table, id, err)
	}
	return true, nil
}

// plainValue extracts the raw scalar stored in a leaf node, for binding as a
// SQL parameter.
func plainValue(n schema.Node) any {
	return n.Value
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
