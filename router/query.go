package router

import (
	"context"
	"fmt"

	"github.com/go-livestate/livestate/predicate"
)

// handleQuery implements spec.md §4.2 "Query handler": resolve the route's
// read authorization to an optional predicate or boolean, AND-merge it with
// the request's where, then either run a one-shot Get or — when the
// request carries a Subscriber — register a standing subscription so
// future matching mutations are delivered as deltas.
func (rt *Router) handleQuery(ctx context.Context, route *Route, req Request) (Response, error) {
	where, err := resolveReadFilter(ctx, route.Read, req.Context, req.Query.Where)
	if err != nil {
		return Response{}, err
	}

	raw := req.Query
	raw.Where = where

	hash, err := predicate.Hash(raw)
	if err != nil {
		return Response{}, err
	}

	if req.Subscriber == nil {
		data, err := rt.store.Get(ctx, raw)
		if err != nil {
			return Response{}, err
		}
		return Response{Data: data, QueryHash: hash}, nil
	}

	if rt.registrar == nil {
		return Response{}, fmt.Errorf("router: no query registrar configured for standing subscriptions")
	}
	_, results, unsubscribe, err := rt.registrar.RegisterQuery(ctx, raw, req.Subscriber)
	if err != nil {
		return Response{}, err
	}
	return Response{Data: results, QueryHash: hash, Unsubscribe: unsubscribe}, nil
}
