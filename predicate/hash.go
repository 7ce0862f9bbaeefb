package predicate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash computes the canonical hash of a raw query: encoding/json already
// renders map[string]any keys in lexicographic order, so two RawQuery values
// denoting the same predicate/include/sort/limit marshal identically
// regardless of how their where/include maps were built, giving the hash
// stability spec.md §4.3 requires (hash(q1) == hash(q2) iff q1 and q2 denote
// the same query).
func Hash(q RawQuery) (string, error) {
	canonical, err := canonicalize(q)
	if err != nil {
		return "", fmt.Errorf("predicate: hash query: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize marshals q after normalizing any nil map to an empty map, so
// {where: nil} and {where: {}} hash identically — both denote "no filter".
func canonicalize(q RawQuery) ([]byte, error) {
	normalized := RawQuery{
		Resource:     q.Resource,
		Where:        q.Where,
		Include:      q.Include,
		Limit:        q.Limit,
		Sort:         q.Sort,
		LastSyncedAt: q.LastSyncedAt,
	}
	if normalized.Where == nil {
		normalized.Where = map[string]any{}
	}
	if normalized.Include == nil {
		normalized.Include = map[string]any{}
	}
	if normalized.Sort == nil {
		normalized.Sort = []SortClause{}
	}
	return json.Marshal(normalized)
}

// MustHash is Hash without an error return, for use in tests and call sites
// that have already validated q.
func MustHash(q RawQuery) string {
	h, err := Hash(q)
	if err != nil {
		panic(err)
	}
	return h
}
