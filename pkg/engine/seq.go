package engine

import (
	"fmt"
	"sort"
)

// straightSkip lists the declaration keywords that never produce ordering
// edges: prereq orders through its mirrored prerequired edge, and the rest
// shape the call instead of the graph.
var straightSkip = map[RequisiteKind]bool{
	KindPrereq:           true,
	KindSensitive:        true,
	KindIgnoreChanges:    true,
	KindRecreateOnUpdate: true,
	KindResolver:         true,
}

// BuildSeq computes the execution sequence for one pass. Chunks that already
// have a result are excluded; for the rest, every requisite reference is
// resolved into either an evaluated edge (referenced chunk completed), an
// unmet tag (referenced chunk still waiting) or a resolution error. A second
// phase resolves arg_bind and require references that point outside the run
// read-only from the enforced-state store, and a third serializes chunks
// that declare themselves unique.
func BuildSeq(run *RunContext, low []*Chunk, running *Runs) Seq {
	seq := straightSeq(run, low, running)
	esmSeq(run, seq)
	uniqueSeq(seq)
	return seq
}

// unresolvedRef remembers a reference the straight phase could not match in
// the current run, for the enforced-state phase to retry.
type unresolvedRef struct {
	item *SeqItem
	kind RequisiteKind
	ref  RequisiteRef
}

func straightSeq(run *RunContext, low []*Chunk, running *Runs) Seq {
	seq := Seq{}
	for ind, chunk := range low {
		tag := FuncTag(chunk)
		if running.Has(tag) {
			continue
		}
		item := &SeqItem{Chunk: chunk, Tag: tag, Unmet: map[string]bool{}}
		seq[ind] = item
		for kind, refs := range chunk.Requisites {
			if straightSkip[kind] {
				continue
			}
			for _, ref := range refs {
				matched := FindChunks(low, ref.State, ref.Name)
				if len(matched) == 0 {
					recordUnresolved(run, item, kind, ref)
					continue
				}
				for _, m := range matched {
					rtag := FuncTag(m)
					if rec := running.Get(rtag); rec != nil {
						item.ReqRets = append(item.ReqRets, ReqRet{
							Req:   kind,
							Name:  ref.Name,
							State: ref.State,
							RTag:  rtag,
							Ret:   rec,
							Chunk: m,
							Args:  ref.Args,
						})
					} else {
						item.Unmet[rtag] = true
					}
				}
			}
		}
		// prereq probes need the referenced chunk even though no straight
		// edge is drawn for it.
		for _, ref := range chunk.Requisites[KindPrereq] {
			matched := FindChunks(low, ref.State, ref.Name)
			if len(matched) == 0 {
				item.Errors = append(item.Errors, fmt.Sprintf(
					"Requisite '%s %s:%s' not found in current run. Verify the syntax.",
					KindPrereq, ref.State, ref.Name))
				continue
			}
			for _, m := range matched {
				item.ReqRets = append(item.ReqRets, ReqRet{
					Req:   KindPrereq,
					Name:  ref.Name,
					State: ref.State,
					RTag:  FuncTag(m),
					Chunk: m,
				})
			}
		}
	}
	return seq
}

// recordUnresolved files a reference with no match in the current run.
// Without an enforced-state store that is always an error; with one, only
// arg_bind and require may fall through to it.
func recordUnresolved(run *RunContext, item *SeqItem, kind RequisiteKind, ref RequisiteRef) {
	if run.Managed == nil {
		item.Errors = append(item.Errors, fmt.Sprintf(
			"Requisite '%s %s:%s' not found in current run. Verify the syntax.",
			kind, ref.State, ref.Name))
		return
	}
	if kind != KindArgBind && kind != KindRequire {
		item.Errors = append(item.Errors, fmt.Sprintf(
			"Invalid requisite '%s %s:%s'. Expected 'arg_bind' or 'require'.",
			kind, ref.State, ref.Name))
		return
	}
	item.pendingESM = append(item.pendingESM, unresolvedRef{item: item, kind: kind, ref: ref})
}

// esmSeq resolves the references the straight phase deferred. A matching
// enforced-state entry satisfies the requisite read-only: the edge carries a
// synthetic successful result whose new state is the stored state, so
// arg_bind can extract values from resources managed by earlier runs.
func esmSeq(run *RunContext, seq Seq) {
	if run.Managed == nil {
		return
	}
	for _, item := range seq {
		for _, pending := range item.pendingESM {
			tag, state, ok := findManaged(run.Managed, pending.ref)
			if !ok {
				item.Errors = append(item.Errors, fmt.Sprintf(
					"Requisite %s %s:%s not found in ESM.",
					pending.kind, pending.ref.State, pending.ref.Name))
				continue
			}
			item.ReqRets = append(item.ReqRets, ReqRet{
				Req:   pending.kind,
				Name:  pending.ref.Name,
				State: pending.ref.State,
				RTag:  tag,
				Ret: &Result{
					Tag:      tag,
					Result:   truePtr(),
					NewState: state,
				},
				Args: pending.ref.Args,
			})
		}
		item.pendingESM = nil
	}
}

// findManaged scans the enforced-state store for an entry whose tag matches
// the reference by resource type plus declaration ID or name.
func findManaged(managed ManagedState, ref RequisiteRef) (string, map[string]interface{}, bool) {
	for _, tag := range managed.Tags() {
		state, id, name, _, err := ParseTag(tag)
		if err != nil {
			continue
		}
		if state != ref.State {
			continue
		}
		if globMatch(ref.Name, id) || globMatch(ref.Name, name) {
			if value, ok := managed.Get(tag); ok {
				return tag, value, true
			}
		}
	}
	return "", nil, false
}

// uniqueSeq serializes chunks of the same resource type and operation that
// declare unique. Within each group the chunk with the fewest outstanding
// dependencies goes first and each later chunk waits on the one before it.
func uniqueSeq(seq Seq) {
	groups := map[string][]int{}
	for ind, item := range seq {
		if item.Chunk.Unique {
			key := item.Chunk.State + "." + item.Chunk.Fun
			groups[key] = append(groups[key], ind)
		}
	}
	for _, inds := range groups {
		if len(inds) < 2 {
			continue
		}
		sort.Slice(inds, func(i, j int) bool {
			a, b := seq[inds[i]], seq[inds[j]]
			if len(a.Unmet) != len(b.Unmet) {
				return len(a.Unmet) < len(b.Unmet)
			}
			return inds[i] < inds[j]
		})
		for i := 1; i < len(inds); i++ {
			seq[inds[i]].Unmet[seq[inds[i-1]].Tag] = true
		}
	}
}
