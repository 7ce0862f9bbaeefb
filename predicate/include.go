package predicate

import "fmt"

// Include is a tree paralleling relations: a present key with a nil Include
// is a leaf ("include with no further descent"); a present key with a
// non-nil Include is an interior node. Includes shape the projection only —
// they never affect which rows match (spec.md §3).
type Include map[string]Include

// Leaf returns the canonical empty leaf include.
func Leaf() Include { return Include{} }

// MergeInclude returns the union of two include trees: every relation named
// by either side is present, and overlapping interior nodes merge
// recursively.
func MergeInclude(a, b Include) Include {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make(Include, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			out[k] = MergeInclude(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

// ParseInclude converts the wire include shape (spec.md §3: a leaf is the
// literal `true`, an interior node is a nested include object) into an
// Include tree.
func ParseInclude(raw map[string]any) (Include, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(Include, len(raw))
	for key, val := range raw {
		switch v := val.(type) {
		case bool:
			if v {
				out[key] = Leaf()
			}
		case map[string]any:
			sub, err := ParseInclude(v)
			if err != nil {
				return nil, err
			}
			out[key] = sub
		default:
			return nil, fmt.Errorf("predicate: include %q must be true or an object", key)
		}
	}
	return out, nil
}

// RequiredInclude walks a predicate tree and returns the minimal Include that
// must be fetched before Eval can answer it: every KindDescend contributes
// its relation name, nested recursively with whatever sub-include its own
// child predicate requires.
func RequiredInclude(n Node) Include {
	switch n.Kind {
	case KindAnd, KindOr:
		var out Include
		for _, child := range n.Children {
			out = MergeInclude(out, RequiredInclude(child))
		}
		return out
	case KindNot:
		return RequiredInclude(*n.Child)
	case KindDescend:
		return Include{n.Field: RequiredInclude(*n.Child)}
	default:
		return nil
	}
}

// OnlyShallow reports whether a predicate references only fields on the
// current entity, with no relational descent — the fast path the
// incremental query engine uses to avoid a relational fetch (spec.md §4.3).
func OnlyShallow(n Node) bool {
	switch n.Kind {
	case KindAnd, KindOr:
		for _, child := range n.Children {
			if !OnlyShallow(child) {
				return false
			}
		}
		return true
	case KindNot:
		return OnlyShallow(*n.Child)
	case KindDescend:
		return false
	default:
		return true
	}
}
