package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage/dialect/sqlite"
)

func testSchema() *schema.Schema {
	return schema.New(
		schema.Entity{
			Name: "users",
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldID},
				{Name: "name", Type: schema.FieldString},
			},
		},
		schema.Entity{
			Name: "posts",
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldID},
				{Name: "title", Type: schema.FieldString},
				{Name: "authorId", Type: schema.FieldRef, RefEntity: "users"},
			},
			Relations: []schema.Relation{
				{Name: "author", Kind: schema.RelationOne, Target: "users", LocalColumn: "authorId"},
			},
		},
	)
}

func openTestStore(t *testing.T) *RelationalStore {
	t.Helper()
	db, err := sql.Open(sqlite.DriverName, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db, sqlite.Dialect{}, Options{})
	if err := store.Init(context.Background(), testSchema()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func row(values map[string]any, ts string) schema.Row {
	r := make(schema.Row, len(values))
	for k, v := range values {
		r[k] = schema.Leaf(v, ts)
	}
	return r
}

func TestInsertThenFindByID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, accepted, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "2024-01-01T00:00:00Z"), "m1")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(accepted) != 1 {
		t.Fatalf("expected 1 accepted field, got %v", accepted)
	}

	got, found, err := store.FindByID(ctx, "users", "u1", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found {
		t.Fatal("expected to find u1")
	}
	if got["name"].Value != "Jane" {
		t.Fatalf("name = %v, want Jane", got["name"].Value)
	}
}

func TestUpdateRejectsOlderTimestamp(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "2024-01-02T00:00:00Z"), "m1"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, accepted, err := store.Update(ctx, "users", "u1", row(map[string]any{"name": "Older"}, "2024-01-01T00:00:00Z"), "m2")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected stale write to be rejected, got accepted=%v", accepted)
	}

	got, _, err := store.FindByID(ctx, "users", "u1", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got["name"].Value != "Jane" {
		t.Fatalf("name = %v, want Jane (stale update must not win)", got["name"].Value)
	}
}

func TestUpdateAcceptsNewerTimestamp(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "2024-01-01T00:00:00Z"), "m1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, accepted, err := store.Update(ctx, "users", "u1", row(map[string]any{"name": "John"}, "2024-01-02T00:00:00Z"), "m2"); err != nil {
		t.Fatalf("update: %v", err)
	} else if len(accepted) != 1 {
		t.Fatalf("expected update accepted, got %v", accepted)
	}

	got, _, err := store.FindByID(ctx, "users", "u1", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got["name"].Value != "John" {
		t.Fatalf("name = %v, want John", got["name"].Value)
	}
}

func TestGetWithIncludeResolvesOneRelation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "t1"), "m1"); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, _, err := store.Insert(ctx, "posts", "p1", row(map[string]any{"title": "Hello", "authorId": "u1"}, "t1"), "m2"); err != nil {
		t.Fatalf("insert post: %v", err)
	}

	rows, err := store.Get(ctx, predicate.RawQuery{
		Resource: "posts",
		Where:    map[string]any{"id": "p1"},
		Include:  map[string]any{"author": true},
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	author := rows[0]["author"]
	if !author.IsRelation() || author.Object == nil {
		t.Fatalf("expected author to be an included object node, got %#v", author)
	}
	if author.Object["name"].Value != "Jane" {
		t.Fatalf("author.name = %v, want Jane", author.Object["name"].Value)
	}
}

func TestGetRelationalDescendFiltersRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, id := range []string{"u1", "u2"} {
		name := "Jane"
		if id == "u2" {
			name = "John"
		}
		if _, _, err := store.Insert(ctx, "users", id, row(map[string]any{"name": name}, "t1"), "m-"+id); err != nil {
			t.Fatalf("insert user %s: %v", id, err)
		}
	}
	if _, _, err := store.Insert(ctx, "posts", "p1", row(map[string]any{"title": "A", "authorId": "u1"}, "t1"), "mp1"); err != nil {
		t.Fatalf("insert post: %v", err)
	}
	if _, _, err := store.Insert(ctx, "posts", "p2", row(map[string]any{"title": "B", "authorId": "u2"}, "t1"), "mp2"); err != nil {
		t.Fatalf("insert post: %v", err)
	}

	rows, err := store.Get(ctx, predicate.RawQuery{
		Resource: "posts",
		Where:    map[string]any{"author": map[string]any{"name": "John"}},
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"].Value != "p2" {
		t.Fatalf("expected only p2, got %#v", rows)
	}
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.Transaction(ctx, func(ctx context.Context, tx Store) error {
		if _, _, err := tx.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "t1"), "m1"); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected transaction to fail")
	}

	_, found, err := store.FindByID(ctx, "users", "u1", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found {
		t.Fatal("expected rolled-back insert to not be visible")
	}
}

func TestTransactionCommitPublishesOnlyAtOutermostFrame(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	var notified []Mutation
	store.Subscribe(notifierFunc(func(_ context.Context, m Mutation) {
		notified = append(notified, m)
	}))

	err := store.Transaction(ctx, func(ctx context.Context, outer Store) error {
		return outer.Transaction(ctx, func(ctx context.Context, inner Store) error {
			_, _, err := inner.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "t1"), "m1")
			return err
		})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if len(notified) != 1 {
		t.Fatalf("expected exactly 1 notification after outermost commit, got %d", len(notified))
	}
}

type notifierFunc func(ctx context.Context, m Mutation)

func (f notifierFunc) Notify(ctx context.Context, m Mutation) { f(ctx, m) }

func TestDuplicateInsertPolicyRejectError(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open(sqlite.DriverName, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	store := New(db, sqlite.Dialect{}, Options{DuplicateInsertPolicy: RejectError})
	if err := store.Init(ctx, testSchema()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "t1"), "m1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Again"}, "t2"), "m2"); err != ErrDuplicateInsert {
		t.Fatalf("expected ErrDuplicateInsert, got %v", err)
	}
}

func TestResolvedTimestampTracksMostRecentWrite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "2024-01-01T00:00:00Z"), "m1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := store.Insert(ctx, "users", "u2", row(map[string]any{"name": "John"}, "2024-06-01T00:00:00Z"), "m2"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ts, err := store.ResolvedTimestamp(ctx, "users")
	if err != nil {
		t.Fatalf("resolved timestamp: %v", err)
	}
	if ts != "2024-06-01T00:00:00Z" {
		t.Fatalf("resolved timestamp = %q, want 2024-06-01T00:00:00Z", ts)
	}
}
