package main

import "github.com/go-livestate/livestate/schema"

// demoSchema is the small relational shape the CLI harness exercises end to
// end — a deliberate stand-in for spec.md's out-of-scope schema-definition
// DSL, the same role janus-datalog's cmd/datalog plays with its hardcoded
// demo dataset when run without a query.
func demoSchema() *schema.Schema {
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
				{Name: "authorId", Type: schema.FieldString, Indexed: true},
			},
			Relations: []schema.Relation{
				{Name: "author", Kind: schema.RelationOne, Target: "users", LocalColumn: "authorId"},
			},
		},
	)
}
