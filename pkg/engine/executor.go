package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecOutcome reports how one chunk attempt ended.
type ExecOutcome struct {
	// Tag is the executed chunk's function tag.
	Tag string

	// Stop is set when an onfail_stop requisite halts the whole run.
	Stop bool
}

// RunSeqItem drives one chunk attempt through the executor machine:
//
//	Created -> RequisitesChecked -> (Blocked | Dispatched) -> Completed
//
// Every transition replaces the result-table entry with a new record; the
// operation itself is dispatched at most once per attempt. Errors raised by
// the operation, by requisite hooks or by the chunk modification hook are
// not swallowed here: they propagate to the orchestrator, which owns the
// hard-fail policy. Requisite failures never raise; they block the chunk
// with result false and accumulated comments.
func RunSeqItem(ctx context.Context, run *RunContext, seq Seq, item *SeqItem) (ExecOutcome, error) {
	start := time.Now()
	working := item.Chunk.WorkingCopy()
	tag := item.Tag
	outcome := ExecOutcome{Tag: tag}

	resolved, found := run.GetFunc(working, "")
	ref := ""
	if found {
		ref = resolved.Ref
	}

	rec := &Result{
		Tag:       tag,
		Name:      working.Name,
		ID:        working.ID,
		RunNum:    run.RunNum,
		Status:    ExecCreated,
		Result:    falsePtr(),
		Changes:   map[string]interface{}{},
		StartTime: start,
		ESMTag:    ESMTag(working),
		SLSMeta:   run.Meta,
		Ref:       ref,
	}
	run.Runs.Set(rec)

	rd := evalRequisites(ctx, run, seq, item, working, resolved)
	rec = rec.Clone()
	rec.Status = ExecRequisitesChecked
	run.Runs.Set(rec)

	errors := append(append([]string{}, item.Errors...), rd.Errors...)
	if rd.Stop {
		outcome.Stop = true
		log.Error().Str("tag", tag).Msg("onfail_stop requisite halted the run")
	}
	if len(errors) > 0 {
		finalize(ctx, run, blocked(rec, errors), working, start)
		return outcome, nil
	}

	if working.HaltCurrentExecution {
		final := rec.Clone()
		final.Status = ExecCompleted
		final.Result = truePtr()
		final.Comment = append(final.Comment, fmt.Sprintf("The resource %s will be recreated.", working.ID))
		log.Debug().Str("tag", tag).Msg("execution halted for recreation")
		finalize(ctx, run, final, working, start)
		return outcome, nil
	}

	if rd.Skip {
		final := rec.Clone()
		final.Status = ExecCompleted
		final.Result = truePtr()
		final.Comment = append(final.Comment, rd.Comments...)
		finalize(ctx, run, final, working, start)
		return outcome, nil
	}

	if !found {
		final := blocked(rec, []string{fmt.Sprintf(
			"Could not find function to enforce %s. Please make sure that the corresponding plugin is loaded.",
			working.State)})
		finalize(ctx, run, final, working, start)
		return outcome, nil
	}

	sendStateChunk(ctx, run, working, ref)

	if run.Gate != nil {
		notes, err := run.Gate.Admit(ctx, working)
		if err != nil {
			finalize(ctx, run, blocked(rec, append(notes, err.Error())), working, start)
			return outcome, nil
		}
		rd.Comments = append(rd.Comments, notes...)
	}

	if run.ChunkMod != nil {
		if err := run.ChunkMod(ctx, run, working); err != nil {
			return outcome, fmt.Errorf("chunk modification hook for %s: %w", tag, err)
		}
	}

	if rd.TriggerWatch {
		if watcher, ok := run.Registry.Resolve(working.State, "mod_watch"); ok {
			resolved = watcher
			ref = watcher.Ref
		}
	}

	call, callErrs := BuildCall(run, working, resolved)
	if len(callErrs) > 0 {
		finalize(ctx, run, blocked(rec, callErrs), working, start)
		return outcome, nil
	}

	for _, pre := range rd.Pre {
		if err := pre(call); err != nil {
			return outcome, fmt.Errorf("pre hook for %s: %w", tag, err)
		}
	}

	rec = rec.Clone()
	rec.Status = ExecDispatched
	rec.Ref = ref
	run.Runs.Set(rec)

	ret, err := invoke(ctx, resolved.Fn, call)
	if err != nil {
		return outcome, err
	}

	persistEnforced(run, working, rec.ESMTag, ret)

	for _, post := range rd.Post {
		next, err := post(call, ret)
		if err != nil {
			return outcome, fmt.Errorf("post hook for %s: %w", tag, err)
		}
		if next != nil {
			ret = next
		}
	}

	if working.RecreationFlow {
		ret.RecreationFlow = true
	}

	final := rec.Clone()
	final.Status = ExecCompleted
	final.Result = ret.Result
	final.Comment = append(append(final.Comment, rd.Comments...), ret.Comment...)
	final.OldState = ret.OldState
	final.NewState = ret.NewState
	if ret.Changes != nil {
		final.Changes = ret.Changes
	}
	final.RerunData = ret.RerunData
	final.RecreationFlow = ret.RecreationFlow
	final.AcctDetails = run.AcctDetails
	finalize(ctx, run, final, working, start)
	return outcome, nil
}

// blocked turns the in-flight record into a blocked result. Requisite errors
// become the comment lines.
func blocked(rec *Result, errors []string) *Result {
	out := rec.Clone()
	out.Status = ExecBlocked
	out.Result = falsePtr()
	out.Comment = append(out.Comment, errors...)
	return out
}

// finalize stamps the elapsed time, replaces the result-table entry and
// publishes the state-result event.
func finalize(ctx context.Context, run *RunContext, rec *Result, working *Chunk, start time.Time) {
	rec.TotalSeconds = time.Since(start).Seconds()
	run.Runs.Set(rec)
	sendStateResult(ctx, run, rec, working.Sensitive)
}

// invoke calls the operation. A panic inside plugin code is converted to an
// error so it aborts the run through the ordinary failure path instead of
// killing the process.
func invoke(ctx context.Context, fn Function, call *Call) (ret *ReturnValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tag", call.Tag).Msg("operation function panicked")
			ret = nil
			err = fmt.Errorf("operation %s panicked: %v", call.Tag, r)
		}
	}()
	ret, err = fn(ctx, call)
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, fmt.Errorf("operation %s returned no result", call.Tag)
	}
	return ret, nil
}

// persistEnforced applies the enforced-state update policy. Dry runs never
// write unless they are refresh runs; a successful return, an explicit
// force_save or a first observation of a new resource saves the new state,
// and a successful return without a new state removes the entry.
func persistEnforced(run *RunContext, working *Chunk, esmTag string, ret *ReturnValue) {
	if run.Managed == nil || working.SkipESM || run.SkipESM {
		return
	}
	if run.Test && !run.Refresh {
		return
	}
	save := ret.Succeeded() || ret.ForceSave || (ret.OldState == nil && ret.NewState != nil)
	if !save {
		return
	}
	if ret.NewState == nil {
		run.Managed.Delete(esmTag)
		return
	}
	state, ok := asStateMap(ret.NewState)
	if !ok {
		log.Debug().Str("esm_tag", esmTag).Msg("new_state is not a mapping, skipping enforced-state write")
		return
	}
	run.Managed.Set(esmTag, state)
}

// InvertFun swaps the create and delete operations for inverted runs.
func InvertFun(fun string) string {
	switch fun {
	case "present":
		return "absent"
	case "absent":
		return "present"
	}
	return fun
}
