package storage

import (
	"context"
	"testing"

	"github.com/go-livestate/livestate/schema"
)

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.Init(ctx, testSchema()); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "t1"), "m1"); err != nil {
		t.Fatalf("insert after re-init: %v", err)
	}
}

func TestInitAddsNewlyDeclaredColumn(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.Insert(ctx, "users", "u1", row(map[string]any{"name": "Jane"}, "t1"), "m1"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	evolved := schema.New(
		schema.Entity{
			Name: "users",
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldID},
				{Name: "name", Type: schema.FieldString},
				{Name: "email", Type: schema.FieldString},
			},
		},
	)
	if err := store.Init(ctx, evolved); err != nil {
		t.Fatalf("init with added column: %v", err)
	}

	if _, _, err := store.Update(ctx, "users", "u1", row(map[string]any{"email": "jane@example.com"}, "t2"), "m2"); err != nil {
		t.Fatalf("update new column: %v", err)
	}
	got, _, err := store.FindByID(ctx, "users", "u1", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got["email"].Value != "jane@example.com" {
		t.Fatalf("email = %v, want jane@example.com", got["email"].Value)
	}
}
