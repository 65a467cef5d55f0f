package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// anyKinds are satisfied when at least one of their edges is clean; the
// failing edges' errors are then discarded.
var anyKinds = map[RequisiteKind]bool{
	KindRequireAny:   true,
	KindWatchAny:     true,
	KindOnChangesAny: true,
	KindOnFailAny:    true,
}

// DefaultRequisiteHandlers returns the dispatch table for the built-in
// requisite kinds. Kinds without an entry are skipped without error, which
// keeps declarations portable across engines that extend the keyword set.
func DefaultRequisiteHandlers() map[RequisiteKind]RequisiteHandler {
	return map[RequisiteKind]RequisiteHandler{
		KindRequire:      requireCheck,
		KindRequireAny:   requireCheck,
		KindPrerequired:  requireCheck,
		KindListen:       requireCheck,
		KindWatch:        watchCheck,
		KindWatchAny:     watchCheck,
		KindOnChanges:    onChangesCheck,
		KindOnChangesAny: onChangesCheck,
		KindOnFail:       onFailCheck,
		KindOnFailAll:    onFailCheck,
		KindOnFailAny:    onFailCheck,
		KindOnFailStop:   onFailStopCheck,
		KindPrereq:       prereqCheck,
		KindArgBind:      argBindCheck,
	}
}

// evalRequisites runs every evaluated edge of a seq item through its kind's
// handler and merges the decisions. The resolver kind is always skipped;
// kinds with no registered handler are skipped silently. Any-of kinds keep
// only their clean edges when at least one edge is clean.
func evalRequisites(ctx context.Context, run *RunContext, seq Seq, item *SeqItem, working *Chunk, fn *ResolvedFunc) RuleData {
	var agg RuleData

	byKind := map[RequisiteKind][]ReqRet{}
	var order []RequisiteKind
	for _, edge := range item.ReqRets {
		if edge.Req == KindResolver {
			continue
		}
		if _, seen := byKind[edge.Req]; !seen {
			order = append(order, edge.Req)
		}
		byKind[edge.Req] = append(byKind[edge.Req], edge)
	}

	for _, kind := range order {
		handler, ok := run.RequisiteHandlerFor(kind)
		if !ok {
			log.Debug().Str("kind", string(kind)).Str("id", working.ID).
				Msg("no handler registered for requisite kind, skipping")
			continue
		}
		decisions := make([]RuleData, 0, len(byKind[kind]))
		clean := false
		for _, edge := range byKind[kind] {
			rd := handler(ctx, run, working, edge)
			if len(rd.Errors) == 0 {
				clean = true
			}
			decisions = append(decisions, rd)
		}
		for _, rd := range decisions {
			if anyKinds[kind] && clean && len(rd.Errors) > 0 {
				continue
			}
			agg.Merge(rd)
		}
	}

	if working.Recreate != nil && len(agg.Errors) == 0 {
		agg.Merge(checkRecreate(run, seq, item, working, fn))
	}
	return agg
}

// requisiteFailed renders the failure text for an unsatisfied edge,
// carrying the referenced result's comment when it has one.
func requisiteFailed(edge ReqRet) string {
	msg := fmt.Sprintf("Requisite %s %s:%s failed", edge.Req, edge.State, edge.Name)
	if edge.Ret != nil && len(edge.Ret.Comment) > 0 {
		msg += ": " + strings.Join(edge.Ret.Comment, "; ")
	}
	return msg
}

func requireCheck(_ context.Context, _ *RunContext, _ *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Ret == nil || !edge.Ret.Succeeded() {
		rd.Errors = append(rd.Errors, requisiteFailed(edge))
	}
	return rd
}

func watchCheck(_ context.Context, _ *RunContext, _ *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Ret == nil || !edge.Ret.Succeeded() {
		rd.Errors = append(rd.Errors, requisiteFailed(edge))
		return rd
	}
	if len(edge.Ret.Changes) > 0 {
		rd.TriggerWatch = true
	}
	return rd
}

func onChangesCheck(_ context.Context, _ *RunContext, _ *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Ret == nil || !edge.Ret.Succeeded() {
		rd.Errors = append(rd.Errors, requisiteFailed(edge))
		return rd
	}
	if len(edge.Ret.Changes) == 0 {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"Requisite %s %s:%s made no changes", edge.Req, edge.State, edge.Name))
	}
	return rd
}

func onFailCheck(_ context.Context, _ *RunContext, _ *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Ret == nil || !edge.Ret.Failed() {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"Requisite %s %s:%s did not fail", edge.Req, edge.State, edge.Name))
	}
	return rd
}

func onFailStopCheck(_ context.Context, _ *RunContext, _ *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Ret != nil && edge.Ret.Failed() {
		rd.Stop = true
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"Requisite %s %s:%s failed, halting the run", edge.Req, edge.State, edge.Name))
	}
	return rd
}

// prereqCheck runs a dry-run probe of the referenced chunk. The declaring
// chunk proceeds only when the probe reports pending changes; a clean probe
// skips the chunk successfully and a failing probe blocks it.
func prereqCheck(ctx context.Context, run *RunContext, _ *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Chunk == nil {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"Requisite prereq %s:%s not found in current run", edge.State, edge.Name))
		return rd
	}
	resolved, ok := run.Registry.Resolve(edge.Chunk.State, edge.Chunk.Fun)
	if !ok {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"Could not find function to enforce %s. Please make sure that the corresponding plugin is loaded.",
			edge.Chunk.State))
		return rd
	}
	probe := edge.Chunk.WorkingCopy()
	call, errs := BuildCall(run, probe, resolved)
	if len(errs) > 0 {
		rd.Errors = append(rd.Errors, errs...)
		return rd
	}
	call.Test = true
	ret, err := resolved.Fn(ctx, call)
	if err != nil || ret == nil || ret.Failed() {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"Prereq %s:%s failed", edge.State, edge.Name))
		return rd
	}
	if len(ret.Changes) == 0 {
		rd.Skip = true
		rd.Comments = append(rd.Comments, fmt.Sprintf(
			"Prereq %s:%s reports no pending changes. Skipping.", edge.State, edge.Name))
	}
	return rd
}

// argBindCheck copies values out of the referenced chunk's new state into
// the working chunk's parameters. A `${state:name:path}` placeholder inside
// a string parameter is substituted in place; any other target is replaced
// wholesale.
func argBindCheck(_ context.Context, _ *RunContext, working *Chunk, edge ReqRet) RuleData {
	var rd RuleData
	if edge.Ret == nil || edge.Ret.NewState == nil {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"\"%s:%s\" state does not have \"new_state\" in the state returns.", edge.State, edge.Name))
		return rd
	}
	newState, ok := asStateMap(edge.Ret.NewState)
	if !ok {
		rd.Errors = append(rd.Errors, fmt.Sprintf(
			"\"%s:%s\" new_state is not a mapping.", edge.State, edge.Name))
		return rd
	}
	if working.Params == nil {
		working.Params = map[string]interface{}{}
	}
	for _, bind := range edge.Args {
		fromSegs := parseStatePath(bind.From)
		val, found := lookupPath(newState, fromSegs)
		if !found {
			log.Warn().Str("path", bind.From).Str("state", edge.State).Str("name", edge.Name).
				Msg("arg_bind path not present in new_state")
			continue
		}
		toSegs := parseStatePath(bind.To)
		placeholder := "${" + edge.State + ":" + edge.Name + ":" + bind.From + "}"
		if existing, ok := lookupPath(working.Params, toSegs); ok {
			if s, isStr := existing.(string); isStr && strings.Contains(s, placeholder) {
				setPath(working.Params, toSegs, strings.ReplaceAll(s, placeholder, fmt.Sprintf("%v", val)))
				continue
			}
		}
		setPath(working.Params, toSegs, deepCopyValue(val))
	}
	return rd
}

// checkRecreate decides whether an in-place update must become a
// destroy/create pair. Nothing happens for resources that have never been
// enforced or whose declared parameters match the enforced state.
func checkRecreate(run *RunContext, seq Seq, item *SeqItem, working *Chunk, fn *ResolvedFunc) RuleData {
	var rd RuleData
	if item.Chunk.HaltCurrentExecution || item.Chunk.RecreationFlow {
		return rd
	}
	enforced := EnforcedState(item.Chunk, run.Managed)
	if enforced == nil {
		return rd
	}
	if !recreationRequired(item.Chunk, fn, enforced) {
		return rd
	}

	name := item.Chunk.Name
	if n, ok := enforced["name"].(string); ok && n != "" {
		name = n
	}
	deleteParams := map[string]interface{}{"name": name}
	if id, ok := enforced["resource_id"]; ok {
		deleteParams["resource_id"] = id
	}

	if item.Chunk.Recreate.CreateBeforeDestroy {
		// The declaration itself becomes the create: drop its identity so
		// the operation takes the create path, then schedule the old
		// resource's deletion behind every dependent.
		var requires []RequisiteRef
		tag := FuncTag(item.Chunk)
		for _, other := range seq {
			if other.Unmet[tag] {
				requires = append(requires, RequisiteRef{State: other.Chunk.State, Name: other.Chunk.ID})
			}
		}
		del := &Chunk{
			ID:             item.Chunk.ID + "_delete_old",
			Name:           name,
			State:          item.Chunk.State,
			Fun:            "absent",
			Order:          item.Chunk.Order,
			Source:         item.Chunk.Source,
			Params:         deleteParams,
			RecreationFlow: true,
		}
		if len(requires) > 0 {
			del.Requisites = map[RequisiteKind][]RequisiteRef{KindRequire: requires}
		}
		run.AppendLow(del)
		item.Chunk.RecreationFlow = true
		working.RecreationFlow = true
		if item.Chunk.Params == nil {
			item.Chunk.Params = map[string]interface{}{}
		}
		item.Chunk.Params["resource_id"] = nil
		working.Params["resource_id"] = nil
		log.Debug().Str("id", item.Chunk.ID).Msg("recreating resource before destroying the old one")
		return rd
	}

	del := &Chunk{
		ID:             item.Chunk.ID + "_delete_old",
		Name:           name,
		State:          item.Chunk.State,
		Fun:            "absent",
		Order:          item.Chunk.Order,
		Source:         item.Chunk.Source,
		Params:         deleteParams,
		RecreationFlow: true,
	}
	createParams := deepCopyMap(item.Chunk.Params)
	delete(createParams, "resource_id")
	create := &Chunk{
		ID:     item.Chunk.ID + "_create_new",
		Name:   item.Chunk.Name,
		State:  item.Chunk.State,
		Fun:    item.Chunk.Fun,
		Order:  item.Chunk.Order,
		Source: item.Chunk.Source,
		Params: createParams,
		Requisites: map[RequisiteKind][]RequisiteRef{
			KindRequire: {{State: item.Chunk.State, Name: del.ID}},
		},
		IgnoreChanges:  item.Chunk.IgnoreChanges,
		RecreationFlow: true,
	}
	run.AppendLow(del, create)
	item.Chunk.HaltCurrentExecution = true
	working.HaltCurrentExecution = true
	log.Debug().Str("id", item.Chunk.ID).Msg("destroying and recreating resource")
	return rd
}

// recreationRequired compares declared parameters with the enforced state,
// ignoring ignore_changes paths, parameters outside the operation's declared
// set and the name when a name_prefix stands in for it.
func recreationRequired(chunk *Chunk, fn *ResolvedFunc, enforced map[string]interface{}) bool {
	declared := map[string]interface{}{}
	if fn != nil && len(fn.Params) > 0 {
		for _, spec := range fn.Params {
			if v, ok := chunk.Params[spec.Name]; ok && v != nil {
				declared[spec.Name] = v
			}
		}
	} else {
		for k, v := range chunk.Params {
			if v != nil {
				declared[k] = v
			}
		}
	}
	current := map[string]interface{}{}
	for k := range declared {
		if v, ok := enforced[k]; ok {
			current[k] = v
		}
	}
	ignore := []string{"resource_id"}
	for _, path := range chunk.IgnoreChanges {
		segs := parseStatePath(path)
		if len(segs) > 0 {
			ignore = append(ignore, segs[0].key)
		}
	}
	if _, ok := chunk.Params["name_prefix"]; ok {
		ignore = append(ignore, "name")
	}
	return len(DeepDiff(current, declared, ignore...)) > 0
}
