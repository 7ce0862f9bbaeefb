package predicate

import (
	"fmt"

	"github.com/go-livestate/livestate/schema"
)

var leafOps = map[string]Op{
	"$eq":  OpEq,
	"$in":  OpIn,
	"$not": OpNot,
	"$gt":  OpGt,
	"$gte": OpGte,
	"$lt":  OpLt,
	"$lte": OpLte,
}

// Parse compiles the wire shorthand (spec.md §3 "Predicate (where)") into a
// Node tree, resolving each key against entity's declared fields/relations so
// relational descents are recognized at parse time rather than at eval time.
func Parse(raw map[string]any, sch *schema.Schema, entityName string) (Node, error) {
	if raw == nil {
		return And(), nil
	}

	entity, ok := sch.Entity(entityName)
	if !ok {
		return Node{}, fmt.Errorf("predicate: unknown entity %q", entityName)
	}

	var children []Node
	for key, val := range raw {
		switch key {
		case "$and":
			list, err := clauseList("$and", val)
			if err != nil {
				return Node{}, err
			}
			for _, item := range list {
				child, err := Parse(item, sch, entityName)
				if err != nil {
					return Node{}, err
				}
				children = append(children, child)
			}
		case "$or":
			list, err := clauseList("$or", val)
			if err != nil {
				return Node{}, err
			}
			var orChildren []Node
			for _, item := range list {
				child, err := Parse(item, sch, entityName)
				if err != nil {
					return Node{}, err
				}
				orChildren = append(orChildren, child)
			}
			children = append(children, Or(orChildren...))
		default:
			if rel, isRel := entity.Relation(key); isRel {
				sub, ok := val.(map[string]any)
				if !ok {
					return Node{}, fmt.Errorf("predicate: relation %q requires an object clause", key)
				}
				child, err := Parse(sub, sch, rel.Target)
				if err != nil {
					return Node{}, err
				}
				children = append(children, Descend(key, child))
				continue
			}
			if _, isField := entity.Field(key); !isField {
				return Node{}, fmt.Errorf("predicate: %q is neither a field nor a relation on %q", key, entityName)
			}
			leaf, err := parseLeaf(key, val)
			if err != nil {
				return Node{}, err
			}
			children = append(children, leaf)
		}
	}

	return And(children...), nil
}

// clauseList normalizes a $and/$or operand into a slice of clause maps.
// encoding/json unmarshals a JSON array into []interface{} (spec.md §6's
// documented wire format), not []map[string]interface{}, so a caller
// building the where map from Go literals and one decoding it from the wire
// must both be accepted here.
func clauseList(key string, val any) ([]map[string]any, error) {
	switch list := val.(type) {
	case []map[string]any:
		return list, nil
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			clause, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("predicate: %s requires a list of clauses", key)
			}
			out = append(out, clause)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("predicate: %s requires a list of clauses", key)
	}
}

// parseLeaf handles a single field's clause: either the shorthand {field: V}
// (meaning $eq) or the operator-map form {field: {$op: V}}.
func parseLeaf(field string, val any) (Node, error) {
	opMap, isOpMap := val.(map[string]any)
	if !isOpMap {
		return Compare(field, OpEq, val), nil
	}

	// An empty operator map is read as $eq null (the field IS NULL); reject
	// anything we don't recognize as an operator key.
	var node Node
	set := false
	for opKey, opVal := range opMap {
		op, known := leafOps[opKey]
		if !known {
			return Node{}, fmt.Errorf("predicate: unknown operator %q on field %q", opKey, field)
		}
		if op == OpNot {
			// $not wraps an arbitrary inner shape on the same field,
			// recursively parsed so {$not: {$in: [...]}} negates a nested
			// operator instead of only a bare value.
			inner, err := parseLeaf(field, opVal)
			if err != nil {
				return Node{}, err
			}
			node = Not(inner)
		} else {
			node = Compare(field, op, opVal)
		}
		set = true
	}
	if !set {
		return Compare(field, OpEq, nil), nil
	}
	return node, nil
}
