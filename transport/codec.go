package transport

import "github.com/go-livestate/livestate/schema"

// EncodeRow projects a materialized schema.Row into its wire shape: one
// WireField per scalar field. Relation nodes (Object/List) are omitted —
// spec.md §6 only puts scalar payloads on MUTATE envelopes; included
// relations travel as part of a query's data, not a mutation payload.
func EncodeRow(row schema.Row) map[string]WireField {
	out := make(map[string]WireField, len(row))
	for name, node := range row {
		if node.Object != nil || node.List != nil {
			continue
		}
		ts := ""
		if node.Meta != nil {
			ts = node.Meta.Timestamp
		}
		out[name] = WireField{Value: node.Value, Meta: WireMeta{Timestamp: ts}}
	}
	return out
}

// DecodeRow is EncodeRow's inverse: rebuilds a schema.Row of leaf nodes from
// wire fields. The bare id field (no timestamp on the wire) decodes back to
// an IDLeaf.
func DecodeRow(wire map[string]WireField) schema.Row {
	out := make(schema.Row, len(wire))
	for name, field := range wire {
		if field.Meta.Timestamp == "" {
			out[name] = schema.Node{Value: field.Value}
			continue
		}
		out[name] = schema.Leaf(field.Value, field.Meta.Timestamp)
	}
	return out
}
