package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Runtime names.
const (
	// RuntimeSerial executes one ready chunk at a time in declaration order.
	RuntimeSerial = "serial"

	// RuntimeParallel executes every ready chunk of a wave concurrently and
	// consumes outcomes as they complete.
	RuntimeParallel = "parallel"
)

// Run executes the run's low data to completion. Each iteration builds the
// sequence of chunks without a result, executes every ready item through the
// chosen runtime, folds mid-pass additions into the low data and rebuilds.
// The run ends when the sequence drains, when an onfail_stop requisite halts
// it, or when two consecutive sequences are identical, which means the
// remaining requisites can never be met.
func Run(ctx context.Context, run *RunContext, runtime string) error {
	if run.Runs == nil {
		run.Runs = NewRuns()
	}
	wave := parallelWave
	if runtime == RuntimeSerial {
		wave = serialWave
	}

	sendStatus(ctx, run, RunRunning)
	sendLowData(ctx, run)

	var prev map[string]bool
	for {
		if err := ctx.Err(); err != nil {
			sendStatus(ctx, run, RunRuntimeError)
			return NewTransientError("run cancelled", err).WithCode(ErrCodeTimeout)
		}

		seq := BuildSeq(run, run.Low, run.Runs)
		if len(seq) == 0 {
			break
		}
		tags := seqTags(seq)
		if sameTags(tags, prev) {
			sendStatus(ctx, run, RunRuntimeError)
			return NewPermanentError(
				fmt.Sprintf("No progress made on '%s', Recursive Requisite!", run.Name), nil).
				WithCode(ErrCodeRecursiveRequisite).
				WithDetail("unmet", unmetTags(seq))
		}
		prev = tags

		stop, err := wave(ctx, run, seq)
		if err != nil {
			sendStatus(ctx, run, RunRuntimeError)
			return err
		}
		if stop {
			log.Warn().Str("run", run.Name).Msg("run halted by onfail_stop")
			sendStatus(ctx, run, RunFinished)
			return nil
		}

		if added := run.TakeAddLow(); len(added) > 0 {
			run.Low = append(run.Low, added...)
			sendLowData(ctx, run)
		}
	}

	if err := runListeners(ctx, run); err != nil {
		sendStatus(ctx, run, RunRuntimeError)
		return err
	}
	sendStatus(ctx, run, RunFinished)
	return nil
}

// Rerun re-invokes the orchestrator restricted to exactly the given tags:
// their results are dropped so they execute again, every other record stays
// authoritative and keeps feeding requisite edges.
func Rerun(ctx context.Context, run *RunContext, runtime string, pendingTags []string) error {
	for _, tag := range pendingTags {
		rec := run.Runs.Get(tag)
		if rec == nil {
			continue
		}
		if c := ChunkForTag(run.Low, tag); c != nil {
			c.RerunData = rec.RerunData
		}
		run.Runs.Delete(tag)
	}
	run.RunNum++
	return Run(ctx, run, runtime)
}

// serialWave executes the ready items of one sequence in declaration order.
func serialWave(ctx context.Context, run *RunContext, seq Seq) (bool, error) {
	for _, ind := range seqOrder(seq) {
		item := seq[ind]
		if len(item.Unmet) > 0 {
			continue
		}
		out, err := RunSeqItem(ctx, run, seq, item)
		if err != nil {
			return false, err
		}
		if out.Stop {
			return true, nil
		}
	}
	return false, nil
}

// parallelWave executes the ready items of one sequence concurrently through
// a bounded worker pool and consumes outcomes as they complete. The first
// error cancels the wave's remaining work; a stop outcome cancels it too and
// reports the halt upward.
func parallelWave(ctx context.Context, run *RunContext, seq Seq) (bool, error) {
	var ready []*SeqItem
	for _, ind := range seqOrder(seq) {
		if item := seq[ind]; len(item.Unmet) == 0 {
			ready = append(ready, item)
		}
	}
	if len(ready) == 0 {
		return false, nil
	}

	workers := run.BatchSize
	if workers <= 0 || workers > len(ready) {
		workers = len(ready)
	}

	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan *SeqItem, len(ready))
	for _, item := range ready {
		work <- item
	}
	close(work)

	outcomes := make(chan ExecOutcome, len(ready))
	errChan := make(chan error, len(ready))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				out, err := RunSeqItem(waveCtx, run, seq, item)
				if err != nil {
					errChan <- err
					cancel()
					return
				}
				outcomes <- out
				select {
				case <-waveCtx.Done():
					return
				default:
				}
			}
		}()
	}

	stop := false
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for out := range outcomes {
			if out.Stop {
				stop = true
				cancel()
			}
		}
	}()

	wg.Wait()
	close(outcomes)
	close(errChan)
	<-consumed

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return stop, firstErr
}

// runListeners fires the deferred listen reactions once the run settles:
// every successful chunk listening to a reference that recorded changes gets
// its mod_watch operation invoked, and the reaction's return is folded into
// the listener's record.
func runListeners(ctx context.Context, run *RunContext) error {
	for _, chunk := range run.Low {
		refs := chunk.Requisites[KindListen]
		if len(refs) == 0 {
			continue
		}
		changed := false
		for _, ref := range refs {
			for _, m := range FindChunks(run.Low, ref.State, ref.Name) {
				rec := run.Runs.Get(FuncTag(m))
				if rec != nil && rec.Succeeded() && len(rec.Changes) > 0 {
					changed = true
				}
			}
		}
		if !changed {
			continue
		}
		watcher, ok := run.Registry.Resolve(chunk.State, "mod_watch")
		if !ok {
			continue
		}
		rec := run.Runs.Get(FuncTag(chunk))
		if rec == nil || !rec.Succeeded() {
			continue
		}
		working := chunk.WorkingCopy()
		call, errs := BuildCall(run, working, watcher)
		if len(errs) > 0 {
			log.Warn().Strs("errors", errs).Str("tag", rec.Tag).
				Msg("skipping listen reaction, call arguments incomplete")
			continue
		}
		ret, err := invoke(ctx, watcher.Fn, call)
		if err != nil {
			return err
		}
		final := rec.Clone()
		final.Comment = append(final.Comment, ret.Comment...)
		if ret.Result != nil {
			final.Result = ret.Result
		}
		if ret.NewState != nil {
			final.NewState = ret.NewState
		}
		if ret.Changes != nil {
			final.Changes = ret.Changes
		}
		run.Runs.Set(final)
		sendStateResult(ctx, run, final, chunk.Sensitive)
	}
	return nil
}

// FilterTarget restricts low data to the declarations matching target plus
// their transitive requisite closure, preserving declaration order.
func FilterTarget(low []*Chunk, target string) ([]*Chunk, error) {
	if target == "" {
		return low, nil
	}
	keep := map[*Chunk]bool{}
	var queue []*Chunk
	for _, c := range low {
		if globMatch(target, c.ID) || globMatch(target, c.Name) {
			queue = append(queue, c)
		}
	}
	if len(queue) == 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("Target '%s' did not match any declaration in the run", target), nil).
			WithCode(ErrCodeValidation)
	}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if keep[c] {
			continue
		}
		keep[c] = true
		for kind, refs := range c.Requisites {
			if straightSkip[kind] && kind != KindPrereq {
				continue
			}
			for _, ref := range refs {
				for _, m := range FindChunks(low, ref.State, ref.Name) {
					if !keep[m] {
						queue = append(queue, m)
					}
				}
			}
		}
	}
	out := make([]*Chunk, 0, len(keep))
	for _, c := range low {
		if keep[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

func seqOrder(seq Seq) []int {
	inds := make([]int, 0, len(seq))
	for ind := range seq {
		inds = append(inds, ind)
	}
	sort.Ints(inds)
	return inds
}

func seqTags(seq Seq) map[string]bool {
	tags := make(map[string]bool, len(seq))
	for _, item := range seq {
		tags[item.Tag] = true
	}
	return tags
}

func sameTags(a, b map[string]bool) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	for tag := range a {
		if !b[tag] {
			return false
		}
	}
	return true
}

func unmetTags(seq Seq) []string {
	seen := map[string]bool{}
	for _, item := range seq {
		for tag := range item.Unmet {
			seen[tag] = true
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
