// Package router implements the server-side mutation router spec.md §4.2
// describes: per-resource middleware chains, authorization gates, lifecycle
// hooks, custom mutations, and the generic INSERT/UPDATE algorithm, wired
// against storage.Store for persistence and queryengine for standing
// subscriptions. Grounded on marcus-td's internal/sync/engine.go
// (validate-then-write-then-ack shape) and internal/serverdb
// (authorization-gated writes), translated from an event-log model to
// spec.md's direct mutate-then-fan-out model.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/queryengine"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
)

// RequestKind discriminates the router's dispatch shape.
type RequestKind int

const (
	RequestQuery RequestKind = iota
	RequestMutate
)

// Generic mutation procedure names (spec.md §3 "Mutation operation").
const (
	ProcedureInsert = "INSERT"
	ProcedureUpdate = "UPDATE"
)

// Request is the router's dispatch unit: a decoded wire envelope plus the
// request context a contextProvider produced from transport params
// (spec.md §6 Config "contextProvider").
type Request struct {
	Kind     RequestKind
	Resource string
	Context  any

	// QUERY fields.
	Query      predicate.RawQuery
	Subscriber queryengine.Subscriber // non-nil registers a standing subscription

	// MUTATE fields.
	ResourceID string
	Procedure  string
	Payload    schema.Row // materialized payload, generic INSERT/UPDATE
	Input      any        // custom procedure input
	MessageID  string     // carried through as the storage mutation id
}

// Response is what a Handler returns; fields irrelevant to the request kind
// are left zero.
type Response struct {
	Data           any
	QueryHash      string
	Unsubscribe    func()
	AcceptedValues []string
}

// Handler processes one Request; Middleware wraps a Handler with another,
// composing right-to-left (spec.md §4.2 "Protocol, middleware").
type Handler func(ctx context.Context, req Request) (Response, error)
type Middleware func(next Handler) Handler

// Hook runs a lifecycle callback against the request context and a row's
// inferred plain value; a returned error aborts the enclosing mutation,
// rolling it back if it has already written (spec.md §4.2 step 7).
type Hook func(ctx context.Context, reqCtx any, inferred map[string]any) error

// CustomMutation pairs a validator with the handler invoked once input
// passes validation (spec.md §4.2 "Custom mutations").
type CustomMutation struct {
	Validator Validator
	Handle    func(ctx context.Context, req Request, value any, db *Facade) (any, error)
}

// Route is one resource's complete policy (spec.md §4.2 "Contract").
type Route struct {
	Middleware []Middleware

	Read               ReadAuthz
	Insert             RowAuthz
	UpdatePreMutation  RowAuthz
	UpdatePostMutation RowAuthz

	BeforeInsert Hook
	AfterInsert  Hook
	BeforeUpdate Hook
	AfterUpdate  Hook

	Custom map[string]CustomMutation
}

// QueryRegistrar is the subset of *queryengine.Engine the router's query
// handler needs to set up a standing subscription.
type QueryRegistrar interface {
	RegisterQuery(ctx context.Context, raw predicate.RawQuery, sub queryengine.Subscriber) (hash string, results []schema.Row, unsubscribe func(), err error)
}

// Router dispatches requests against a schema/store, running each
// resource's middleware/authorization/hook chain before mutating or
// reading.
type Router struct {
	schema    *schema.Schema
	store     storage.Store
	registrar QueryRegistrar // nil: only one-shot QUERY requests are served
	log       *slog.Logger

	routes map[string]*Route
}

// New builds a Router. registrar may be nil if the caller never issues
// standing (Subscriber-bearing) QUERY requests.
func New(sch *schema.Schema, store storage.Store, registrar QueryRegistrar, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{schema: sch, store: store, registrar: registrar, log: log, routes: make(map[string]*Route)}
}

// Handle registers route for resource, overwriting any previous
// registration.
func (rt *Router) Handle(resource string, route *Route) {
	rt.routes[resource] = route
}

// Dispatch runs req through its resource's middleware chain and innermost
// handler.
func (rt *Router) Dispatch(ctx context.Context, req Request) (Response, error) {
	route, ok := rt.routes[req.Resource]
	if !ok {
		return Response{}, fmt.Errorf("router: no route registered for resource %q", req.Resource)
	}

	handler := rt.dispatchInner(route)
	for i := len(route.Middleware) - 1; i >= 0; i-- {
		handler = route.Middleware[i](handler)
	}
	return handler(ctx, req)
}

func (rt *Router) dispatchInner(route *Route) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		switch req.Kind {
		case RequestQuery:
			return rt.handleQuery(ctx, route, req)
		case RequestMutate:
			switch req.Procedure {
			case ProcedureInsert, ProcedureUpdate:
				return rt.handleGenericMutation(ctx, route, req)
			default:
				return rt.handleCustomMutation(ctx, route, req)
			}
		default:
			return Response{}, fmt.Errorf("router: unknown request kind %v", req.Kind)
		}
	}
}
