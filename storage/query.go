package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage/dialect"
)

// Get implements Store.Get: parse the wire where/include, then run the
// compiled read (spec.md §4.1 "get").
func (s *RelationalStore) Get(ctx context.Context, q predicate.RawQuery) ([]schema.Row, error) {
	entity, ok := s.schema.Entity(q.Resource)
	if !ok {
		return nil, fmt.Errorf("storage: unknown resource %q", q.Resource)
	}
	where, err := predicate.Parse(q.Where, s.schema, q.Resource)
	if err != nil {
		return nil, err
	}
	include, err := predicate.ParseInclude(q.Include)
	if err != nil {
		return nil, err
	}
	return s.getEntity(ctx, entity, where, include, q.Sort, q.Limit)
}

// FindByID implements Store.FindByID: the where={id}, limit=1 special case.
func (s *RelationalStore) FindByID(ctx context.Context, resource, id string, include predicate.Include) (schema.Row, bool, error) {
	entity, ok := s.schema.Entity(resource)
	if !ok {
		return nil, false, fmt.Errorf("storage: unknown resource %q", resource)
	}
	return s.findByIDTx(ctx, entity, id, include)
}

func (s *RelationalStore) findByIDTx(ctx context.Context, entity schema.Entity, id string, include predicate.Include) (schema.Row, bool, error) {
	where := predicate.Compare(entity.IDField(), predicate.OpEq, id)
	rows, err := s.getEntity(ctx, entity, where, include, nil, 1)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// ResolvedTimestamp returns the maximum per-field meta timestamp committed
// for resource, so a session's lastSyncedAt can be validated against it
// (spec.md §5 reconnect/replay).
func (s *RelationalStore) ResolvedTimestamp(ctx context.Context, resource string) (string, error) {
	entity, ok := s.schema.Entity(resource)
	if !ok {
		return "", fmt.Errorf("storage: unknown resource %q", resource)
	}
	q := s.dialect.QuoteIdent

	var exprs []string
	for _, f := range entity.Fields {
		if f.Type == schema.FieldID {
			continue
		}
		exprs = append(exprs, fmt.Sprintf("MAX(%s)", q(f.Name)))
	}
	if len(exprs) == 0 {
		return "", nil
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s", join(exprs, ", "), q(s.metaTable(entity.Name)))
	row := s.execer(ctx).QueryRowContext(ctx, stmt)
	dest := make([]any, len(exprs))
	ptrs := make([]any, len(exprs))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("storage: resolved timestamp for %q: %w", resource, err)
	}
	var max string
	for _, v := range dest {
		if ts, ok := v.(string); ok && ts > max {
			max = ts
		}
	}
	return max, nil
}

// getEntity runs the compiled where against entity, attaches meta
// timestamps, and resolves include.
func (s *RelationalStore) getEntity(ctx context.Context, entity schema.Entity, where predicate.Node, include predicate.Include, sort []predicate.SortClause, limit int) ([]schema.Row, error) {
	pc := &paramCounter{}
	var args []any
	whereSQL, err := compileNode(entity, "t", where, s.schema, s.dialect, pc, &args)
	if err != nil {
		return nil, err
	}

	q := s.dialect.QuoteIdent
	cols := make([]string, len(entity.Fields))
	for i, f := range entity.Fields {
		cols[i] = fmt.Sprintf("t.%s", q(f.Name))
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s t WHERE %s", join(cols, ", "), q(entity.Name), whereSQL)

	if len(sort) > 0 {
		parts := make([]string, len(sort))
		for i, sc := range sort {
			dir := "ASC"
			if sc.Descending {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("t.%s %s", q(sc.Field), dir)
		}
		stmt += " ORDER BY " + join(parts, ", ")
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.execer(ctx).QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query %s: %w", entity.Name, err)
	}
	raw, err := scanRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	idField := entity.IDField()
	ids := make([]string, len(raw))
	for i, m := range raw {
		ids[i] = fmt.Sprint(m[idField])
	}
	metaByID, err := s.fetchMeta(ctx, entity, ids)
	if err != nil {
		return nil, err
	}

	result := make([]schema.Row, len(raw))
	for i, m := range raw {
		result[i] = buildRow(entity, m, metaByID[ids[i]])
	}

	if err := s.attachIncludes(ctx, entity, result, include); err != nil {
		return nil, err
	}
	return result, nil
}

// fetchMeta batches the meta-shadow lookup for a page of ids into one query.
func (s *RelationalStore) fetchMeta(ctx context.Context, entity schema.Entity, ids []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	idField := entity.IDField()
	q := s.dialect.QuoteIdent

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = s.dialect.Placeholder(i + 1)
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)", q(s.metaTable(entity.Name)), q(idField), join(placeholders, ", "))

	rows, err := s.execer(ctx).QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query meta %s: %w", entity.Name, err)
	}
	raw, err := scanRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, m := range raw {
		id := fmt.Sprint(m[idField])
		ts := make(map[string]string, len(m))
		for k, v := range m {
			if k == idField {
				continue
			}
			if str, ok := v.(string); ok {
				ts[k] = str
			}
		}
		out[id] = ts
	}
	return out, nil
}

// attachIncludes resolves each requested relation with its own batched
// follow-up query and attaches the result as an Object/List node, rather
// than a correlated JSON-aggregation subselect: the Dialect interface
// (storage/dialect) intentionally carries no jsonObjectFrom/jsonArrayFrom
// hook, since spec.md §1 places the concrete per-dialect SQL-generation
// adapter out of this engine's core scope — see DESIGN.md.
func (s *RelationalStore) attachIncludes(ctx context.Context, entity schema.Entity, rows []schema.Row, include predicate.Include) error {
	if len(include) == 0 || len(rows) == 0 {
		return nil
	}

	for relName, sub := range include {
		rel, ok := entity.Relation(relName)
		if !ok {
			return fmt.Errorf("storage: unknown relation %q on %q", relName, entity.Name)
		}
		target, ok := s.schema.Entity(rel.Target)
		if !ok {
			return fmt.Errorf("storage: unknown target entity %q", rel.Target)
		}

		if rel.Kind == schema.RelationOne {
			if err := s.attachOne(ctx, rows, rel, relName, target, sub); err != nil {
				return err
			}
			continue
		}
		if err := s.attachMany(ctx, entity, rows, rel, relName, target, sub); err != nil {
			return err
		}
	}
	return nil
}

func (s *RelationalStore) attachOne(ctx context.Context, rows []schema.Row, rel schema.Relation, relName string, target schema.Entity, sub predicate.Include) error {
	fkIDs := uniqueFKValues(rows, rel.LocalColumn)
	if len(fkIDs) == 0 {
		return nil
	}
	targetRows, err := s.getEntity(ctx, target, predicate.Compare(target.IDField(), predicate.OpIn, toAnySlice(fkIDs)), sub, nil, 0)
	if err != nil {
		return err
	}
	byID := make(map[string]schema.Row, len(targetRows))
	for _, tr := range targetRows {
		byID[fmt.Sprint(tr[target.IDField()].Value)] = tr
	}
	for i, r := range rows {
		fk, ok := r[rel.LocalColumn]
		if !ok || fk.Value == nil {
			continue
		}
		if tr, ok := byID[fmt.Sprint(fk.Value)]; ok {
			rows[i][relName] = schema.ObjectNode(tr)
		}
	}
	return nil
}

func (s *RelationalStore) attachMany(ctx context.Context, entity schema.Entity, rows []schema.Row, rel schema.Relation, relName string, target schema.Entity, sub predicate.Include) error {
	parentIDs := make([]string, len(rows))
	for i, r := range rows {
		parentIDs[i] = fmt.Sprint(r[entity.IDField()].Value)
	}
	targetRows, err := s.getEntity(ctx, target, predicate.Compare(rel.ForeignColumn, predicate.OpIn, toAnySlice(parentIDs)), sub, nil, 0)
	if err != nil {
		return err
	}
	grouped := make(map[string][]schema.Row, len(rows))
	for _, tr := range targetRows {
		fk, ok := tr[rel.ForeignColumn]
		if !ok || fk.Value == nil {
			continue
		}
		key := fmt.Sprint(fk.Value)
		grouped[key] = append(grouped[key], tr)
	}
	for i, r := range rows {
		pid := fmt.Sprint(r[entity.IDField()].Value)
		rows[i][relName] = schema.ListNode(grouped[pid])
	}
	return nil
}

func uniqueFKValues(rows []schema.Row, column string) []string {
	seen := make(map[string]bool, len(rows))
	var out []string
	for _, r := range rows {
		fk, ok := r[column]
		if !ok || fk.Value == nil {
			continue
		}
		v := fmt.Sprint(fk.Value)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// buildRow assembles a materialized Row from a plain scanned column map and
// its parallel meta-timestamp map.
func buildRow(entity schema.Entity, plain map[string]any, meta map[string]string) schema.Row {
	row := make(schema.Row, len(entity.Fields))
	idField := entity.IDField()
	for _, f := range entity.Fields {
		v := plain[f.Name]
		if f.Name == idField {
			row[f.Name] = schema.IDLeaf(fmt.Sprint(v))
			continue
		}
		row[f.Name] = schema.Leaf(normalizeValue(f, v), meta[f.Name])
	}
	return row
}

// normalizeValue undoes dialect-specific scalar encodings that don't survive
// a generic database/sql scan — sqlite has no native boolean, storing it as
// INTEGER 0/1.
func normalizeValue(f schema.Field, v any) any {
	if f.Type != schema.FieldBoolean {
		return v
	}
	switch t := v.(type) {
	case int64:
		return t != 0
	case bool:
		return t
	default:
		return v
	}
}

// scanRows drains rows into plain column-name -> value maps, decoding
// []byte scans (the database/sql driver's generic text/blob representation)
// back into strings.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: read columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[c] = v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// paramCounter hands out 1-indexed bound-argument ordinals as a predicate
// tree is compiled, so dialects needing positional placeholders ("$1".."$N")
// stay correct regardless of how deeply relational descents nest.
type paramCounter struct{ n int }

func (p *paramCounter) next() int {
	p.n++
	return p.n
}

// compileNode compiles a predicate.Node into a SQL boolean expression
// against alias, appending any bound values to args in order. Relational
// descent compiles to EXISTS(...) against the target entity's table under a
// freshly generated alias, mirroring spec.md §4.1's compilation rules: a
// "one" descent correlates target.id to the local foreign key column, a
// "many" descent correlates target.foreignColumn to the current row's id.
func compileNode(entity schema.Entity, alias string, n predicate.Node, sch *schema.Schema, d dialect.Dialect, pc *paramCounter, args *[]any) (string, error) {
	switch n.Kind {
	case predicate.KindAnd:
		if len(n.Children) == 0 {
			return "1 = 1", nil
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			part, err := compileNode(entity, alias, c, sch, d, pc, args)
			if err != nil {
				return "", err
			}
			parts[i] = "(" + part + ")"
		}
		return join(parts, " AND "), nil

	case predicate.KindOr:
		if len(n.Children) == 0 {
			return "1 = 0", nil
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			part, err := compileNode(entity, alias, c, sch, d, pc, args)
			if err != nil {
				return "", err
			}
			parts[i] = "(" + part + ")"
		}
		return join(parts, " OR "), nil

	case predicate.KindNot:
		inner, err := compileNode(entity, alias, *n.Child, sch, d, pc, args)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil

	case predicate.KindCompare:
		return compileCompare(alias, n, d, pc, args)

	case predicate.KindDescend:
		return compileDescend(entity, alias, n, sch, d, pc, args)

	default:
		return "", fmt.Errorf("storage: invalid predicate node kind %d", n.Kind)
	}
}

func compileCompare(alias string, n predicate.Node, d dialect.Dialect, pc *paramCounter, args *[]any) (string, error) {
	col := fmt.Sprintf("%s.%s", alias, d.QuoteIdent(n.Field))
	switch n.Op {
	case predicate.OpEq:
		if n.Value == nil {
			return col + " IS NULL", nil
		}
		*args = append(*args, n.Value)
		return fmt.Sprintf("%s = %s", col, d.Placeholder(pc.next())), nil

	case predicate.OpIn:
		list, ok := n.Value.([]any)
		if !ok {
			return "", fmt.Errorf("storage: $in requires a list on field %q", n.Field)
		}
		if len(list) == 0 {
			return "1 = 0", nil
		}
		placeholders := make([]string, len(list))
		for i, v := range list {
			*args = append(*args, v)
			placeholders[i] = d.Placeholder(pc.next())
		}
		return fmt.Sprintf("%s IN (%s)", col, join(placeholders, ", ")), nil

	case predicate.OpGt, predicate.OpGte, predicate.OpLt, predicate.OpLte:
		sym, ok := map[predicate.Op]string{
			predicate.OpGt:  ">",
			predicate.OpGte: ">=",
			predicate.OpLt:  "<",
			predicate.OpLte: "<=",
		}[n.Op]
		if !ok {
			return "", fmt.Errorf("storage: unsupported operator %q", n.Op)
		}
		*args = append(*args, n.Value)
		return fmt.Sprintf("%s %s %s", col, sym, d.Placeholder(pc.next())), nil

	default:
		return "", fmt.Errorf("storage: unsupported operator %q on field %q", n.Op, n.Field)
	}
}

func compileDescend(entity schema.Entity, alias string, n predicate.Node, sch *schema.Schema, d dialect.Dialect, pc *paramCounter, args *[]any) (string, error) {
	rel, ok := entity.Relation(n.Field)
	if !ok {
		return "", fmt.Errorf("storage: unknown relation %q on %q", n.Field, entity.Name)
	}
	target, ok := sch.Entity(rel.Target)
	if !ok {
		return "", fmt.Errorf("storage: unknown target entity %q", rel.Target)
	}

	childAlias := fmt.Sprintf("%s_%d", alias, pc.next())
	var joinCond string
	if rel.Kind == schema.RelationOne {
		joinCond = fmt.Sprintf("%s.%s = %s.%s", childAlias, d.QuoteIdent(target.IDField()), alias, d.QuoteIdent(rel.LocalColumn))
	} else {
		joinCond = fmt.Sprintf("%s.%s = %s.%s", childAlias, d.QuoteIdent(rel.ForeignColumn), alias, d.QuoteIdent(entity.IDField()))
	}

	childSQL, err := compileNode(target, childAlias, *n.Child, sch, d, pc, args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s AND %s)", d.QuoteIdent(target.Name), childAlias, joinCond, childSQL), nil
}
