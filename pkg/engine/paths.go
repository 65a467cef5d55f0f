package engine

import (
	"strconv"
	"strings"
)

// pathSeg is one segment of a colon-separated state path. A segment may
// carry a list index ("rules[0]") or a list wildcard ("rules[*]").
type pathSeg struct {
	key  string
	idx  int
	wild bool
	list bool
}

// parseStatePath splits a colon-separated path with optional [n] and [*]
// list access, e.g. "rules[0]:port" or "endpoints[*]:url".
func parseStatePath(path string) []pathSeg {
	parts := strings.Split(path, ":")
	segs := make([]pathSeg, 0, len(parts))
	for _, part := range parts {
		seg := pathSeg{key: part}
		if open := strings.IndexByte(part, '['); open >= 0 && strings.HasSuffix(part, "]") {
			inner := part[open+1 : len(part)-1]
			seg.key = part[:open]
			seg.list = true
			if inner == "*" {
				seg.wild = true
			} else if n, err := strconv.Atoi(inner); err == nil {
				seg.idx = n
			} else {
				seg.list = false
				seg.key = part
			}
		}
		segs = append(segs, seg)
	}
	return segs
}

// lookupPath extracts the value at segs from a state map.
func lookupPath(state interface{}, segs []pathSeg) (interface{}, bool) {
	node := state
	for i, seg := range segs {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		val, present := m[seg.key]
		if !present {
			return nil, false
		}
		if seg.list {
			list, ok := val.([]interface{})
			if !ok || seg.wild || seg.idx < 0 || seg.idx >= len(list) {
				return nil, false
			}
			val = list[seg.idx]
		}
		if i == len(segs)-1 {
			return val, true
		}
		node = val
	}
	return nil, false
}

// setPath writes value at segs inside params, creating intermediate maps as
// needed. Paths through missing list elements are dropped.
func setPath(params map[string]interface{}, segs []pathSeg, value interface{}) bool {
	node := params
	for i, seg := range segs {
		last := i == len(segs)-1
		if seg.list {
			list, ok := node[seg.key].([]interface{})
			if !ok || seg.wild || seg.idx < 0 || seg.idx >= len(list) {
				return false
			}
			if last {
				list[seg.idx] = value
				return true
			}
			next, ok := list[seg.idx].(map[string]interface{})
			if !ok {
				return false
			}
			node = next
			continue
		}
		if last {
			node[seg.key] = value
			return true
		}
		next, ok := node[seg.key].(map[string]interface{})
		if !ok {
			if _, present := node[seg.key]; present {
				return false
			}
			next = map[string]interface{}{}
			node[seg.key] = next
		}
		node = next
	}
	return false
}

// nullifyPath nulls the value at segs inside params. Missing paths are left
// alone; a wildcard fans out over every element of the list it names.
func nullifyPath(node interface{}, segs []pathSeg) {
	if len(segs) == 0 {
		return
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return
	}
	seg := segs[0]
	val, present := m[seg.key]
	if !present {
		return
	}
	last := len(segs) == 1
	if !seg.list {
		if last {
			m[seg.key] = nil
			return
		}
		nullifyPath(val, segs[1:])
		return
	}
	list, ok := val.([]interface{})
	if !ok {
		return
	}
	if seg.wild {
		for i := range list {
			if last {
				list[i] = nil
			} else {
				nullifyPath(list[i], segs[1:])
			}
		}
		return
	}
	if seg.idx < 0 || seg.idx >= len(list) {
		return
	}
	if last {
		list[seg.idx] = nil
		return
	}
	nullifyPath(list[seg.idx], segs[1:])
}
