package schema

import (
	"reflect"
	"testing"
)

func TestInferScalarRow(t *testing.T) {
	row := Row{
		"id":   IDLeaf("u1"),
		"name": Leaf("Jane", "2024-01-01T00:00:00Z"),
		"age":  Leaf(int64(30), "2024-01-01T00:00:00Z"),
	}

	got := Infer(row)
	want := map[string]any{"id": "u1", "name": "Jane", "age": int64(30)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Infer() = %#v, want %#v", got, want)
	}
}

func TestInferNestedRelations(t *testing.T) {
	author := Row{"id": IDLeaf("u1"), "name": Leaf("John", "t1")}
	post := Row{
		"id":     IDLeaf("p1"),
		"title":  Leaf("Hello", "t1"),
		"author": ObjectNode(author),
	}

	got := Infer(post)
	want := map[string]any{
		"id":    "p1",
		"title": "Hello",
		"author": map[string]any{
			"id":   "u1",
			"name": "John",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Infer() = %#v, want %#v", got, want)
	}
}

func TestInferManyRelation(t *testing.T) {
	comments := []Row{
		{"id": IDLeaf("c1"), "body": Leaf("hi", "t1")},
		{"id": IDLeaf("c2"), "body": Leaf("there", "t2")},
	}
	post := Row{
		"id":       IDLeaf("p1"),
		"comments": ListNode(comments),
	}

	got := Infer(post)["comments"].([]any)
	if len(got) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(got))
	}
}

func TestNodeTimestamp(t *testing.T) {
	if got := IDLeaf("x").Timestamp(); got != "" {
		t.Fatalf("id leaf should carry no timestamp, got %q", got)
	}
	if got := Leaf("v", "t1").Timestamp(); got != "t1" {
		t.Fatalf("leaf timestamp = %q, want t1", got)
	}
}

func TestEntityLookup(t *testing.T) {
	e := Entity{
		Name: "posts",
		Fields: []Field{
			{Name: "id", Type: FieldID},
			{Name: "title", Type: FieldString},
		},
		Relations: []Relation{
			{Name: "author", Kind: RelationOne, Target: "users", LocalColumn: "authorId"},
		},
	}

	if e.IDField() != "id" {
		t.Fatalf("IDField() = %q, want id", e.IDField())
	}
	if _, ok := e.Field("title"); !ok {
		t.Fatal("expected title field to be found")
	}
	rel, ok := e.Relation("author")
	if !ok || rel.Column() != "authorId" {
		t.Fatalf("Relation(author) = %+v, ok=%v", rel, ok)
	}
}
