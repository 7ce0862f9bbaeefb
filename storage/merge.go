package storage

import "github.com/go-livestate/livestate/schema"

// mergeField applies spec.md §4.1's per-field LWW rule: keep the new value
// iff there is no existing meta timestamp, or the new timestamp sorts
// strictly after it (ISO-8601 UTC strings are lexicographically
// comparable). Returns whether the new value was accepted.
func mergeField(existingTimestamp string, incoming schema.Node) bool {
	if existingTimestamp == "" {
		return true
	}
	return incoming.Timestamp() > existingTimestamp
}

// mergeMutation computes the merged row and the set of accepted field names
// for an INSERT/UPDATE payload against an existing target row (nil for
// INSERT). Rejected fields are silently dropped from the merged row — only
// the surviving existing value (if any) remains.
func mergeMutation(payload schema.Row, target schema.Row) (merged schema.Row, accepted []string) {
	merged = schema.Row{}
	for k, v := range target {
		merged[k] = v
	}

	for field, incoming := range payload {
		var existingTS string
		if existing, ok := target[field]; ok {
			existingTS = existing.Timestamp()
		}
		if mergeField(existingTS, incoming) {
			merged[field] = incoming
			accepted = append(accepted, field)
		}
	}
	return merged, accepted
}
