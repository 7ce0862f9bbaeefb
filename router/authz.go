package router

import (
	"context"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
)

// AuthzResult is the outcome of evaluating a route's authorization policy:
// an unconditional allow/deny, or a predicate the caller must further
// resolve against data (spec.md §4.2: "resolve read authorization to an
// optional predicate or boolean").
type AuthzResult struct {
	allowed   bool
	isFilter  bool
	predicate map[string]any
}

// Allow unconditionally permits the request.
func Allow() AuthzResult { return AuthzResult{allowed: true} }

// Deny unconditionally refuses the request.
func Deny() AuthzResult { return AuthzResult{} }

// Filter permits the request only where pred matches: for a read policy
// this AND-merges into the query's where clause; for a row policy it is
// evaluated against the row in question, re-fetched with the predicate's
// required include.
func Filter(pred map[string]any) AuthzResult {
	return AuthzResult{isFilter: true, predicate: pred}
}

// ReadAuthz resolves a request context into a read policy decision
// (spec.md §4.2 "Query handler").
type ReadAuthz func(ctx context.Context, reqCtx any) (AuthzResult, error)

// RowAuthz evaluates a policy against one row's inferred plain value —
// insert, update.preMutation and update.postMutation all share this shape
// (spec.md §4.2 "Generic set algorithm" steps 5 and 7).
type RowAuthz func(ctx context.Context, reqCtx any, row map[string]any) (AuthzResult, error)

// resolveReadFilter AND-merges policy's predicate (if any) into where,
// returning an AuthorizationError if policy denies outright.
func resolveReadFilter(ctx context.Context, policy ReadAuthz, reqCtx any, where map[string]any) (map[string]any, error) {
	if policy == nil {
		return where, nil
	}
	res, err := policy(ctx, reqCtx)
	if err != nil {
		return nil, err
	}
	if !res.isFilter {
		if !res.allowed {
			return nil, errNotAuthorized()
		}
		return where, nil
	}
	return andMerge(where, res.predicate), nil
}

func andMerge(a, b map[string]any) map[string]any {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return map[string]any{"$and": []map[string]any{a, b}}
}

// evaluateRowAuthz runs a row policy, re-fetching resource/id through store
// with the predicate's required include when the policy returns a Filter
// (spec.md §4.2 step 5: "extract the implied include from predicate,
// re-fetch target with that include, and require the predicate to match").
// store is the transaction-scoped view the caller is writing through, so
// the re-fetch observes this mutation's own uncommitted write.
func (rt *Router) evaluateRowAuthz(ctx context.Context, store storage.Store, resource, id string, policy RowAuthz, reqCtx any, row map[string]any) error {
	if policy == nil {
		return nil
	}
	res, err := policy(ctx, reqCtx, row)
	if err != nil {
		return err
	}
	if !res.isFilter {
		if !res.allowed {
			return errNotAuthorized()
		}
		return nil
	}

	node, err := predicate.Parse(res.predicate, rt.schema, resource)
	if err != nil {
		return err
	}
	include := predicate.RequiredInclude(node)
	full, found, err := store.FindByID(ctx, resource, id, include)
	if err != nil {
		return err
	}
	if !found {
		return errNotAuthorized()
	}
	ok, err := predicate.Eval(node, schema.Infer(full))
	if err != nil {
		return err
	}
	if !ok {
		return errNotAuthorized()
	}
	return nil
}
