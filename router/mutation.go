package router

import (
	"context"
	"fmt"

	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
)

// handleGenericMutation implements spec.md §4.2's "Generic set (INSERT/
// UPDATE) algorithm". Steps 1-2 (presence validation, existence precondition)
// run before any transaction opens; steps 3-8 (authorization, write,
// post-check, commit) run inside one storage.Transaction so a failed
// post-mutation check rolls back the write.
func (rt *Router) handleGenericMutation(ctx context.Context, route *Route, req Request) (Response, error) {
	if req.ResourceID == "" {
		return Response{}, &ValidationError{Issues: []string{"resourceId: required"}}
	}
	if req.Payload == nil {
		return Response{}, &ValidationError{Issues: []string{"input: required"}}
	}

	target, found, err := rt.store.FindByID(ctx, req.Resource, req.ResourceID, nil)
	if err != nil {
		return Response{}, err
	}
	if req.Procedure == ProcedureInsert && found {
		return Response{}, errResourceExists()
	}
	if req.Procedure == ProcedureUpdate && !found {
		return Response{}, errResourceNotFound()
	}

	var result schema.Row
	var accepted []string

	err = rt.store.Transaction(ctx, func(ctx context.Context, tx storage.Store) error {
		if req.Procedure == ProcedureUpdate && route.UpdatePreMutation != nil {
			if err := rt.evaluateRowAuthz(ctx, tx, req.Resource, req.ResourceID, route.UpdatePreMutation, req.Context, schema.Infer(target)); err != nil {
				return err
			}
		}
		if route.BeforeInsert != nil && req.Procedure == ProcedureInsert {
			if err := route.BeforeInsert(ctx, req.Context, schema.Infer(req.Payload)); err != nil {
				return err
			}
		}
		if route.BeforeUpdate != nil && req.Procedure == ProcedureUpdate {
			if err := route.BeforeUpdate(ctx, req.Context, schema.Infer(req.Payload)); err != nil {
				return err
			}
		}

		var writeErr error
		if req.Procedure == ProcedureInsert {
			result, accepted, writeErr = tx.Insert(ctx, req.Resource, req.ResourceID, req.Payload, req.MessageID)
		} else {
			result, accepted, writeErr = tx.Update(ctx, req.Resource, req.ResourceID, req.Payload, req.MessageID)
		}
		if writeErr != nil {
			return writeErr
		}
		if len(accepted) == 0 {
			return errMutationRejected()
		}

		inferredResult := schema.Infer(result)
		if req.Procedure == ProcedureInsert {
			if err := rt.evaluateRowAuthz(ctx, tx, req.Resource, req.ResourceID, route.Insert, req.Context, inferredResult); err != nil {
				return err
			}
			if route.AfterInsert != nil {
				if err := route.AfterInsert(ctx, req.Context, inferredResult); err != nil {
					return err
				}
			}
		} else {
			if err := rt.evaluateRowAuthz(ctx, tx, req.Resource, req.ResourceID, route.UpdatePostMutation, req.Context, inferredResult); err != nil {
				return err
			}
			if route.AfterUpdate != nil {
				if err := route.AfterUpdate(ctx, req.Context, inferredResult); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}

	return Response{Data: result, AcceptedValues: accepted}, nil
}

// handleCustomMutation implements spec.md §4.2 "Custom mutations": validate
// input against the declared validator, then invoke the handler with
// (req, db) inside a transaction so its writes share one commit/rollback.
func (rt *Router) handleCustomMutation(ctx context.Context, route *Route, req Request) (Response, error) {
	custom, ok := route.Custom[req.Procedure]
	if !ok {
		return Response{}, fmt.Errorf("router: resource %q has no custom mutation %q", req.Resource, req.Procedure)
	}

	value := req.Input
	if custom.Validator != nil {
		v, issues := custom.Validator.Validate(req.Input)
		if len(issues) > 0 {
			return Response{}, &ValidationError{Issues: issues}
		}
		value = v
	}

	var result any
	err := rt.store.Transaction(ctx, func(ctx context.Context, tx storage.Store) error {
		db := &Facade{schema: rt.schema, store: tx}
		r, err := custom.Handle(ctx, req, value, db)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Data: result}, nil
}
