package predicate

import "fmt"

// Eval evaluates a predicate against a plain, already-inferred value (the
// output of schema.Infer): scalar fields are looked up directly, relation
// fields are expected to already carry their nested object/list per the
// node's required Include. This lets both shallow fields-only predicates and
// deep relational predicates share one evaluator once the caller has fetched
// whatever include was necessary (spec.md §4.3 edge policies).
func Eval(n Node, row map[string]any) (bool, error) {
	switch n.Kind {
	case KindAnd:
		for _, child := range n.Children {
			ok, err := Eval(child, row)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindOr:
		// $or short-circuits left to right.
		for _, child := range n.Children {
			ok, err := Eval(child, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KindNot:
		ok, err := Eval(*n.Child, row)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case KindCompare:
		return evalCompare(n, row[n.Field])

	case KindDescend:
		return evalDescend(n, row[n.Field])

	default:
		return false, fmt.Errorf("predicate: invalid node kind %d", n.Kind)
	}
}

func evalCompare(n Node, actual any) (bool, error) {
	switch n.Op {
	case OpEq:
		return compareEqual(actual, n.Value), nil
	case OpIn:
		list, ok := n.Value.([]any)
		if !ok {
			return false, fmt.Errorf("predicate: $in requires a list value")
		}
		// An empty $in list matches nothing.
		for _, want := range list {
			if compareEqual(actual, want) {
				return true, nil
			}
		}
		return false, nil
	case OpGt, OpGte, OpLt, OpLte:
		return compareOrdered(n.Op, actual, n.Value)
	default:
		return false, fmt.Errorf("predicate: unsupported operator %q", n.Op)
	}
}

// evalDescend implements relational descent: a "one" relation field holds a
// single nested map (or nil for a null foreign key, which always yields
// false); a "many" relation field holds a list, and descent is existential —
// at least one related row must satisfy the child predicate.
func evalDescend(n Node, actual any) (bool, error) {
	switch v := actual.(type) {
	case nil:
		return false, nil
	case map[string]any:
		return Eval(*n.Child, v)
	case []any:
		for _, item := range v {
			related, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ok2, err := Eval(*n.Child, related)
			if err != nil {
				return false, err
			}
			if ok2 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("predicate: relation field %q holds neither an object nor a list", n.Field)
	}
}

// compareEqual implements $eq, including IS / IS NOT null semantics: a null
// actual or expected value only equals another null.
func compareEqual(actual, want any) bool {
	if actual == nil || want == nil {
		return actual == nil && want == nil
	}
	af, aok := toFloat(actual)
	wf, wok := toFloat(want)
	if aok && wok {
		return af == wf
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", want)
}

func compareOrdered(op Op, actual, want any) (bool, error) {
	if actual == nil || want == nil {
		return false, nil
	}
	af, aok := toFloat(actual)
	wf, wok := toFloat(want)
	if aok && wok {
		switch op {
		case OpGt:
			return af > wf, nil
		case OpGte:
			return af >= wf, nil
		case OpLt:
			return af < wf, nil
		case OpLte:
			return af <= wf, nil
		}
	}
	as, aIsStr := actual.(string)
	ws, wIsStr := want.(string)
	if aIsStr && wIsStr {
		switch op {
		case OpGt:
			return as > ws, nil
		case OpGte:
			return as >= ws, nil
		case OpLt:
			return as < ws, nil
		case OpLte:
			return as <= ws, nil
		}
	}
	return false, fmt.Errorf("predicate: cannot order-compare %T and %T", actual, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
