package router

import (
	"context"

	"github.com/go-livestate/livestate/predicate"
	"github.com/go-livestate/livestate/schema"
	"github.com/go-livestate/livestate/storage"
)

// Facade is the collection-typed surface a custom mutation handler is given
// (spec.md §4.2 "Custom mutations": "invoke the handler with (req, db)
// where db is a collection-typed facade built over the storage").
type Facade struct {
	schema *schema.Schema
	store  storage.Store
}

// Collection returns a resource-scoped read/write handle.
func (f *Facade) Collection(resource string) *Collection {
	return &Collection{resource: resource, store: f.store}
}

// Collection is one resource's surface within a custom mutation handler.
type Collection struct {
	resource string
	store    storage.Store
}

// FindByID reads one row by id.
func (c *Collection) FindByID(ctx context.Context, id string, include predicate.Include) (schema.Row, bool, error) {
	return c.store.FindByID(ctx, c.resource, id, include)
}

// Get runs a full where/include query against this collection.
func (c *Collection) Get(ctx context.Context, where, include map[string]any) ([]schema.Row, error) {
	return c.store.Get(ctx, predicate.RawQuery{Resource: c.resource, Where: where, Include: include})
}

// Insert writes a new row, sharing the enclosing custom mutation's
// transaction.
func (c *Collection) Insert(ctx context.Context, id string, payload schema.Row, mutationID string) (schema.Row, []string, error) {
	return c.store.Insert(ctx, c.resource, id, payload, mutationID)
}

// Update merges a payload into an existing row, sharing the enclosing
// custom mutation's transaction.
func (c *Collection) Update(ctx context.Context, id string, payload schema.Row, mutationID string) (schema.Row, []string, error) {
	return c.store.Update(ctx, c.resource, id, payload, mutationID)
}
