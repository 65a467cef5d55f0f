package engine

import (
	"reflect"
)

// DeepDiff computes the structural difference between two states. Keys with
// deeply equal values are pruned on both sides, recursing into nested maps;
// what survives is returned under "old" and "new". An empty map means no
// difference. Keys named in ignore are dropped at the top level only.
func DeepDiff(oldState, newState map[string]interface{}, ignore ...string) map[string]interface{} {
	o := deepCopyMap(oldState)
	n := deepCopyMap(newState)
	if o == nil {
		o = map[string]interface{}{}
	}
	if n == nil {
		n = map[string]interface{}{}
	}
	skip := make(map[string]bool, len(ignore))
	for _, key := range ignore {
		skip[key] = true
	}
	pruneEqual(o, n, skip, false)
	diff := map[string]interface{}{}
	if len(o) > 0 {
		diff["old"] = o
	}
	if len(n) > 0 {
		diff["new"] = n
	}
	return diff
}

func pruneEqual(o, n map[string]interface{}, skip map[string]bool, nested bool) {
	keys := make(map[string]bool, len(o)+len(n))
	for k := range o {
		keys[k] = true
	}
	for k := range n {
		keys[k] = true
	}
	for key := range keys {
		ov, inOld := o[key]
		nv, inNew := n[key]
		if inOld && inNew && equalValues(ov, nv) {
			delete(o, key)
			delete(n, key)
			continue
		}
		if !nested && skip[key] {
			delete(o, key)
			delete(n, key)
			continue
		}
		om, oOK := ov.(map[string]interface{})
		nm, nOK := nv.(map[string]interface{})
		if oOK && nOK {
			pruneEqual(om, nm, skip, true)
		}
	}
}

// equalValues compares two untyped values structurally. Numbers compare by
// value across int and float representations so that decoded documents and
// values built in code agree.
func equalValues(a, b interface{}) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !equalValues(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asStateMap coerces a recorded state into map form. It returns ok=false for
// states that are present but not maps, which callers treat as opaque.
func asStateMap(state interface{}) (map[string]interface{}, bool) {
	if state == nil {
		return nil, true
	}
	m, ok := state.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return m, true
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
