package predicate

import (
	"encoding/json"
	"testing"

	"github.com/go-livestate/livestate/schema"
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
				{Name: "authorId", Type: schema.FieldString},
			},
			Relations: []schema.Relation{
				{Name: "author", Kind: schema.RelationOne, Target: "users", LocalColumn: "authorId"},
			},
		},
	)
}

func TestParseShorthandEquals(t *testing.T) {
	n, err := Parse(map[string]any{"name": "John"}, testSchema(), "users")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := Eval(n, map[string]any{"name": "John"})
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = Eval(n, map[string]any{"name": "Jane"})
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

func TestParseRelationalDescend(t *testing.T) {
	n, err := Parse(map[string]any{"author": map[string]any{"name": "John"}}, testSchema(), "posts")
	if err != nil {
		t.Fatal(err)
	}

	inc := RequiredInclude(n)
	if _, ok := inc["author"]; !ok {
		t.Fatalf("expected required include to name author, got %v", inc)
	}
	if OnlyShallow(n) {
		t.Fatal("expected relational predicate to not be shallow")
	}

	match := map[string]any{"id": "p1", "author": map[string]any{"name": "John"}}
	ok, err := Eval(n, match)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}

	noMatch := map[string]any{"id": "p1", "author": map[string]any{"name": "Jane"}}
	ok, err = Eval(n, noMatch)
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}

	nullFK := map[string]any{"id": "p1", "author": nil}
	ok, err = Eval(n, nullFK)
	if err != nil || ok {
		t.Fatal("a one-relation descent over a null foreign key must yield false")
	}
}

func TestInOperatorEmptyListMatchesNothing(t *testing.T) {
	n := Compare("name", OpIn, []any{})
	ok, err := Eval(n, map[string]any{"name": "John"})
	if err != nil || ok {
		t.Fatalf("empty $in must match nothing, got ok=%v err=%v", ok, err)
	}
}

func TestNotWrapsNestedOperator(t *testing.T) {
	n, err := Parse(map[string]any{"name": map[string]any{"$not": map[string]any{"$in": []any{"John", "Jane"}}}}, testSchema(), "users")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := Eval(n, map[string]any{"name": "Bob"})
	if err != nil || !ok {
		t.Fatalf("expected Bob to pass $not $in, got ok=%v err=%v", ok, err)
	}
	ok, err = Eval(n, map[string]any{"name": "John"})
	if err != nil || ok {
		t.Fatal("expected John to fail $not $in")
	}
}

func TestOrShortCircuits(t *testing.T) {
	n := Or(
		Compare("name", OpEq, "John"),
		Compare("name", OpEq, "Jane"),
	)
	ok, err := Eval(n, map[string]any{"name": "Jane"})
	if err != nil || !ok {
		t.Fatalf("expected match via second branch, got ok=%v err=%v", ok, err)
	}

	// The second branch errors if evaluated ($in without a list), so a match
	// on the first branch must return before reaching it.
	n = Or(
		Compare("name", OpEq, "John"),
		Compare("name", OpIn, "not-a-list"),
	)
	ok, err = Eval(n, map[string]any{"name": "John"})
	if err != nil || !ok {
		t.Fatalf("expected $or to stop at the first matching branch, got ok=%v err=%v", ok, err)
	}
}

func TestNullEqualityIsIsSemantics(t *testing.T) {
	n := Compare("deletedAt", OpEq, nil)
	ok, _ := Eval(n, map[string]any{"deletedAt": nil})
	if !ok {
		t.Fatal("nil should equal nil (IS NULL)")
	}
	ok, _ = Eval(n, map[string]any{"deletedAt": "2024-01-01"})
	if ok {
		t.Fatal("non-nil should not equal nil")
	}
}

func TestHashStability(t *testing.T) {
	q1 := RawQuery{Resource: "posts", Where: map[string]any{"b": 1, "a": 2}}
	q2 := RawQuery{Resource: "posts", Where: map[string]any{"a": 2, "b": 1}}
	h1, err := Hash(q1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(q2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected equivalent queries to hash identically: %s vs %s", h1, h2)
	}

	q3 := RawQuery{Resource: "posts", Where: map[string]any{"a": 3, "b": 1}}
	h3, err := Hash(q3)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Fatal("expected different queries to hash differently")
	}
}

// TestParseAndOrThroughJSONWire round-trips a $and/$or where clause through
// encoding/json before calling Parse, the way it actually arrives over the
// wire (transport.ClientEnvelope.Where is decoded JSON, not a hand-built Go
// literal): a JSON array unmarshals into []interface{}, not
// []map[string]interface{}, so Parse must accept that shape too.
func TestParseAndOrThroughJSONWire(t *testing.T) {
	raw := map[string]any{
		"$or": []map[string]any{
			{"name": "John"},
			{"$and": []map[string]any{
				{"name": "Jane"},
				{"id": "u2"},
			}},
		},
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}

	n, err := Parse(decoded, testSchema(), "users")
	if err != nil {
		t.Fatalf("Parse on JSON-decoded $or/$and: %v", err)
	}

	ok, err := Eval(n, map[string]any{"id": "u1", "name": "John"})
	if err != nil || !ok {
		t.Fatalf("expected John to match via the top-level $or, got ok=%v err=%v", ok, err)
	}
	ok, err = Eval(n, map[string]any{"id": "u2", "name": "Jane"})
	if err != nil || !ok {
		t.Fatalf("expected Jane/u2 to match via the nested $and, got ok=%v err=%v", ok, err)
	}
	ok, err = Eval(n, map[string]any{"id": "u3", "name": "Jane"})
	if err != nil || ok {
		t.Fatalf("expected Jane/u3 to fail the nested $and (wrong id), got ok=%v err=%v", ok, err)
	}
}

func TestMergePredicateFlattensAnd(t *testing.T) {
	a := Compare("x", OpEq, 1)
	b := Compare("y", OpEq, 2)
	merged := Merge(a, b)
	if merged.Kind != KindAnd || len(merged.Children) != 2 {
		t.Fatalf("expected flattened 2-child AND, got %+v", merged)
	}
}
