package storage

import (
	"context"
	"fmt"

	"github.com/go-livestate/livestate/schema"
)

// Init creates the R and R_meta tables for every declared entity, adding any
// column that doesn't exist yet on a table this store has already created in
// a previous run (spec.md §4.1, §7: idempotent, tolerant of a concurrent
// Init racing on the same schema).
func (s *RelationalStore) Init(ctx context.Context, sch *schema.Schema) error {
	s.schema = sch
	for _, entity := range sch.Entities {
		if err := s.initEntity(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (s *RelationalStore) initEntity(ctx context.Context, entity schema.Entity) error {
	for _, f := range entity.Fields {
		if f.Type != schema.FieldEnum {
			continue
		}
		if err := s.dialect.CreateEnumType(ctx, s.db, entity.Name, f.Name, f.EnumValues); err != nil && !s.dialect.IsDuplicateObjectError(err) {
			return fmt.Errorf("storage: create enum type %s.%s: %w", entity.Name, f.Name, err)
		}
	}

	idField := entity.IDField()
	metaFields := make([]schema.Field, 0, len(entity.Fields))
	for _, f := range entity.Fields {
		if f.Type == schema.FieldID {
			metaFields = append(metaFields, schema.Field{Name: f.Name, Type: schema.FieldID})
			continue
		}
		metaFields = append(metaFields, schema.Field{Name: f.Name, Type: schema.FieldString})
	}

	if err := s.createTableIfMissing(ctx, entity.Name, entity.Fields, idField); err != nil {
		return err
	}
	if err := s.createTableIfMissing(ctx, s.metaTable(entity.Name), metaFields, idField); err != nil {
		return err
	}
	if err := s.addMissingColumns(ctx, entity.Name, entity.Fields); err != nil {
		return err
	}
	if err := s.addMissingColumns(ctx, s.metaTable(entity.Name), metaFields); err != nil {
		return err
	}

	for _, f := range entity.Fields {
		if f.Indexed || f.Unique {
			if err := s.createIndex(ctx, entity.Name, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// createTableIfMissing emits a portable CREATE TABLE with no physical
// foreign key constraints: sqlite (SupportsDeferredForeignKeys() == false)
// requires a referenced table to already exist at CREATE TABLE time, and
// this engine doesn't topologically order entity creation, so referential
// integrity for relation columns is enforced at the application layer
// instead (the compiled EXISTS joins in query.go, and router-level checks),
// never at the DB schema level.
func (s *RelationalStore) createTableIfMissing(ctx context.Context, table string, fields []schema.Field, idField string) error {
	q := s.dialect.QuoteIdent
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		ctype, err := s.dialect.ColumnType(f)
		if err != nil {
			return err
		}
		def := fmt.Sprintf("%s %s", q(f.Name), ctype)
		if f.Name == idField {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", q(table), join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil && !s.dialect.IsDuplicateObjectError(err) {
		return fmt.Errorf("storage: create table %s: %w", table, err)
	}
	return nil
}

func (s *RelationalStore) addMissingColumns(ctx context.Context, table string, fields []schema.Field) error {
	existing, err := s.dialect.ExistingColumns(ctx, s.db, table)
	if err != nil {
		return err
	}
	q := s.dialect.QuoteIdent
	for _, f := range fields {
		if existing[f.Name] {
			continue
		}
		ctype, err := s.dialect.ColumnType(f)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", q(table), q(f.Name), ctype)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !s.dialect.IsDuplicateObjectError(err) {
			return fmt.Errorf("storage: add column %s.%s: %w", table, f.Name, err)
		}
	}
	return nil
}

func (s *RelationalStore) createIndex(ctx context.Context, table string, f schema.Field) error {
	q := s.dialect.QuoteIdent
	name := fmt.Sprintf("idx_%s_%s", table, f.Name)
	unique := ""
	if f.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, q(name), q(table), q(f.Name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil && !s.dialect.IsDuplicateObjectError(err) {
		return fmt.Errorf("storage: create index %s: %w", name, err)
	}
	return nil
}
