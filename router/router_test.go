package router

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/queryengine"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
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

func row(values map[string]any, ts string) schema.Row {
	r := make(schema.Row, len(values))
	for k, v := range values {
		r[k] = schema.Leaf(v, ts)
	}
	return r
}

type harness struct {
	store *storage.RelationalStore
	eng   *queryengine.Engine
	rt    *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open(sqlite.DriverName, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sch := testSchema()
	store := storage.New(db, sqlite.Dialect{}, storage.Options{})
	if err := store.Init(context.Background(), sch); err != nil {
		t.Fatalf("init: %v", err)
	}
	eng := queryengine.New(sch, store, nil)
	store.Subscribe(eng)

	rt := New(sch, store, eng, nil)
	return &harness{store: store, eng: eng, rt: rt}
}

func TestGenericInsertThenUpdate(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{})

	resp, err := h.rt.Dispatch(context.Background(), Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Jane"}, "t1"), MessageID: "m1",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(resp.AcceptedValues) != 1 {
		t.Fatalf("expected name accepted, got %#v", resp.AcceptedValues)
	}

	resp, err = h.rt.Dispatch(context.Background(), Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureUpdate,
		ResourceID: "u1", Payload: row(map[string]any{"name": "John"}, "t2"), MessageID: "m2",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	result := resp.Data.(schema.Row)
	if result["name"].Value != "John" {
		t.Fatalf("expected updated name John, got %#v", result["name"])
	}
}

func TestGenericInsertRejectsWhenResourceAlreadyExists(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{})
	ctx := context.Background()

	if _, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Jane"}, "t1"), MessageID: "m1",
	}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Dup"}, "t2"), MessageID: "m2",
	})
	var precondition *PreconditionError
	if !errors.As(err, &precondition) || precondition.Message != "Resource already exists" {
		t.Fatalf("expected Resource already exists, got %v", err)
	}
}

func TestGenericUpdateRejectsWhenResourceMissing(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{})

	_, err := h.rt.Dispatch(context.Background(), Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureUpdate,
		ResourceID: "nope", Payload: row(map[string]any{"name": "X"}, "t1"), MessageID: "m1",
	})
	var precondition *PreconditionError
	if !errors.As(err, &precondition) || precondition.Message != "Resource not found" {
		t.Fatalf("expected Resource not found, got %v", err)
	}
}

func TestGenericUpdateRejectedWhenEveryFieldLosesLWW(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{})
	ctx := context.Background()

	if _, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "A"}, "2"), MessageID: "m1",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureUpdate,
		ResourceID: "u1", Payload: row(map[string]any{"name": "B"}, "1"), MessageID: "m2",
	})
	var precondition *PreconditionError
	if !errors.As(err, &precondition) || precondition.Message != "Mutation rejected" {
		t.Fatalf("expected Mutation rejected, got %v", err)
	}

	stored, found, err := h.store.FindByID(ctx, "users", "u1", nil)
	if err != nil || !found {
		t.Fatalf("findById: %v %v", found, err)
	}
	if stored["name"].Value != "A" {
		t.Fatalf("expected stale write rejected, stored name = %#v", stored["name"])
	}
}

// TestReadAuthorizationFilterScopesResultsPerCaller exercises spec.md §8
// scenario 4: a read policy derived from the request context restricts each
// caller to their own row.
func TestReadAuthorizationFilterScopesResultsPerCaller(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{
		Read: func(ctx context.Context, reqCtx any) (AuthzResult, error) {
			m := reqCtx.(map[string]any)
			return Filter(map[string]any{"id": m["userId"]}), nil
		},
	})
	ctx := context.Background()

	for _, u := range []struct{ id, name string }{{"u1", "Jane"}, {"u2", "John"}} {
		if _, err := h.rt.Dispatch(ctx, Request{
			Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
			ResourceID: u.id, Payload: row(map[string]any{"name": u.name}, "t1"), MessageID: u.id,
		}); err != nil {
			t.Fatalf("insert %s: %v", u.id, err)
		}
	}

	respA, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestQuery, Resource: "users", Context: map[string]any{"userId": "u1"},
		Query: predicate.RawQuery{Resource: "users"},
	})
	if err != nil {
		t.Fatalf("query as u1: %v", err)
	}
	rowsA := respA.Data.([]schema.Row)
	if len(rowsA) != 1 || rowsA[0]["id"].Value != "u1" {
		t.Fatalf("expected u1 to see only their own row, got %#v", rowsA)
	}

	respB, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestQuery, Resource: "users", Context: map[string]any{"userId": "u2"},
		Query: predicate.RawQuery{Resource: "users"},
	})
	if err != nil {
		t.Fatalf("query as u2: %v", err)
	}
	rowsB := respB.Data.([]schema.Row)
	if len(rowsB) != 1 || rowsB[0]["id"].Value != "u2" {
		t.Fatalf("expected u2 to see only their own row, got %#v", rowsB)
	}
}

func TestUpdatePreMutationAuthorizationRejectsOtherUsersRows(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{
		UpdatePreMutation: func(ctx context.Context, reqCtx any, target map[string]any) (AuthzResult, error) {
			m := reqCtx.(map[string]any)
			if target["id"] != m["userId"] {
				return Deny(), nil
			}
			return Allow(), nil
		},
	})
	ctx := context.Background()

	if _, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Jane"}, "t1"), MessageID: "m1",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureUpdate,
		ResourceID: "u1", Context: map[string]any{"userId": "u2"},
		Payload: row(map[string]any{"name": "Hijacked"}, "t2"), MessageID: "m2",
	})
	var authzErr *AuthorizationError
	if !errors.As(err, &authzErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}

	stored, _, _ := h.store.FindByID(ctx, "users", "u1", nil)
	if stored["name"].Value != "Jane" {
		t.Fatalf("expected rejected update not to have written, got %#v", stored["name"])
	}
}

func TestAfterUpdateHookFailureRollsBackTheWrite(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{
		AfterUpdate: func(ctx context.Context, reqCtx any, inferred map[string]any) error {
			return errors.New("downstream rejected")
		},
	})
	ctx := context.Background()

	if _, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Jane"}, "t1"), MessageID: "m1",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureUpdate,
		ResourceID: "u1", Payload: row(map[string]any{"name": "John"}, "t2"), MessageID: "m2",
	})
	if err == nil {
		t.Fatalf("expected afterUpdate failure to propagate")
	}

	stored, _, _ := h.store.FindByID(ctx, "users", "u1", nil)
	if stored["name"].Value != "Jane" {
		t.Fatalf("expected rollback to discard the write, got %#v", stored["name"])
	}
}

func TestMiddlewareChainRunsRightToLeft(t *testing.T) {
	h := newHarness(t)
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req Request) (Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h.rt.Handle("users", &Route{Middleware: []Middleware{mw("outer"), mw("inner")}})

	if _, err := h.rt.Dispatch(context.Background(), Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Jane"}, "t1"), MessageID: "m1",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expected outer-then-inner call order, got %v", order)
	}
}

type createPostInput struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required"`
}

func TestCustomMutationValidatesInputAndWritesViaFacade(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("posts", &Route{
		Custom: map[string]CustomMutation{
			"createPost": {
				Validator: StructTagValidator{New: func() any { return &createPostInput{} }},
				Handle: func(ctx context.Context, req Request, value any, db *Facade) (any, error) {
					in := value.(*createPostInput)
					result, _, err := db.Collection("posts").Insert(ctx, in.ID, row(map[string]any{"title": in.Title}, "t1"), req.MessageID)
					return result, err
				},
			},
		},
	})
	ctx := context.Background()

	resp, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "posts", Procedure: "createPost",
		Input: map[string]any{"id": "p1", "title": "Hello"}, MessageID: "m1",
	})
	if err != nil {
		t.Fatalf("custom mutation: %v", err)
	}
	result := resp.Data.(schema.Row)
	if result["title"].Value != "Hello" {
		t.Fatalf("expected title Hello, got %#v", result["title"])
	}

	_, err = h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "posts", Procedure: "createPost",
		Input: map[string]any{"id": "p2"}, MessageID: "m2",
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for missing title, got %v", err)
	}
}

// TestQueryWithSubscriberRegistersStandingSubscriptionAndDeliversDeltas ties
// the router's query handler to the real queryengine.Engine: a mutation
// made after subscribing must reach the subscriber.
func TestQueryWithSubscriberRegistersStandingSubscriptionAndDeliversDeltas(t *testing.T) {
	h := newHarness(t)
	h.rt.Handle("users", &Route{})
	ctx := context.Background()

	sub := &recordingSubscriber{}
	resp, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestQuery, Resource: "users",
		Query:      predicate.RawQuery{Resource: "users", Where: map[string]any{"name": "Jane"}},
		Subscriber: sub,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if resp.Unsubscribe == nil {
		t.Fatalf("expected an unsubscribe closure")
	}

	if _, err := h.rt.Dispatch(ctx, Request{
		Kind: RequestMutate, Resource: "users", Procedure: ProcedureInsert,
		ResourceID: "u1", Payload: row(map[string]any{"name": "Jane"}, "t1"), MessageID: "m1",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if len(sub.deltas) != 1 || sub.deltas[0].ResourceID != "u1" {
		t.Fatalf("expected one delta for u1, got %#v", sub.deltas)
	}
}

type recordingSubscriber struct {
	deltas []queryengine.Delta
}

func (r *recordingSubscriber) Deliver(ctx context.Context, d queryengine.Delta) {
	r.deltas = append(r.deltas, d)
}
