package reconcile

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"
)

// RerunFunc re-invokes the orchestrator restricted to exactly the pending
// tags. engine.Rerun is the production implementation.
type RerunFunc func(ctx context.Context, run *engine.RunContext, runtime string, pendingTags []string) error

// RoundObserver is notified before each reconciliation sleep. Telemetry
// implementations record the round, the pending count and the sleep time.
type RoundObserver interface {
	RecordReconcileRound(pending int, sleep time.Duration)
}

// Options configures one reconciliation loop.
type Options struct {
	// Run is the reconciled run: its result table, registry, event sink and
	// managed state.
	Run *engine.RunContext

	// Runtime selects the orchestrator runtime for re-runs.
	Runtime string

	// Pending names the predicate; empty selects "default".
	Pending string

	// Predicates resolves predicate names beyond the built-in one.
	Predicates map[string]Predicate

	// MaxPendingReruns caps rounds per tag; zero or negative selects
	// DefaultMaxPendingReruns.
	MaxPendingReruns int

	// Waits is the per-run wait-policy cache; nil builds one over the run's
	// registry.
	Waits *WaitPolicyCache

	// ApplyKwargs is handed to kwargs-aware predicates; the "ctx" entry
	// becomes PendingKwargs.Ctx.
	ApplyKwargs map[string]interface{}

	// Rerun re-invokes the orchestrator; nil selects engine.Rerun.
	Rerun RerunFunc

	// Observer, when set, receives per-round measurements.
	Observer RoundObserver
}

// Report is the loop's outcome.
type Report struct {
	// ReRunsCount is the number of re-runs the loop executed.
	ReRunsCount int `json:"re_runs_count"`
}

// Loop re-runs the pending subset of a completed run until the predicate
// reports convergence for every tag. Each round judges the live results,
// finalizes tags that settled, sleeps the longest of the pending tags' wait
// policies and re-invokes the orchestrator for exactly the pending tags.
// On return the run's result table holds the merged records: the baseline
// old state from the first run, the latest new state, changes recomputed
// across the whole reconciliation and the accumulated comments.
func Loop(ctx context.Context, opts Options) (Report, error) {
	run := opts.Run
	if run == nil || run.Runs == nil {
		return Report{}, engine.NewPermanentError("reconcile requires a run with recorded results", nil).
			WithCode(engine.ErrCodeValidation)
	}
	pred, err := opts.predicate()
	if err != nil {
		return Report{}, err
	}
	rerun := opts.Rerun
	if rerun == nil {
		rerun = engine.Rerun
	}
	waits := opts.Waits
	if waits == nil {
		var lookup WaitLookup
		if run.Registry != nil {
			lookup = run.Registry
		}
		waits = NewWaitPolicyCache(lookup)
	}
	maxReruns := opts.MaxPendingReruns
	if maxReruns <= 0 {
		maxReruns = DefaultMaxPendingReruns
	}

	// The first run is the merge baseline; re-runs only ever cover the
	// pending subset.
	firstRun := run.Runs.CloneAll()
	currentRun := run.Runs.Snapshot()
	comments := accumulateComments(firstRun, nil)
	streaks := make(map[string]int)
	known := make(map[string]bool, len(currentRun))
	for tag := range currentRun {
		known[tag] = true
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return Report{ReRunsCount: count}, engine.NewTransientError("reconcile cancelled", err).
				WithCode(engine.ErrCodeTimeout)
		}

		pending := pendingTags(pred, currentRun, streaks, count, maxReruns, opts.ApplyKwargs)

		if len(pending) == 0 {
			mergeAndFinalize(ctx, run, firstRun, currentRun, comments)
			run.Runs.Restore(firstRun)
			log.Debug().Str("run", run.Name).Int("reruns", count).Msg("reconciliation converged")
			return Report{ReRunsCount: count}, nil
		}

		// Tags that settled this round are finalized immediately instead of
		// waiting out the stragglers.
		if count > 0 && len(pending) < len(currentRun) {
			if settled := settledRecords(currentRun, pending); len(settled) > 0 {
				mergeAndFinalize(ctx, run, firstRun, settled, comments)
			}
		}

		wait := waits.MaxWait(count, pending)
		if opts.Observer != nil {
			opts.Observer.RecordReconcileRound(len(pending), wait)
		}
		log.Debug().Str("run", run.Name).Int("pending", len(pending)).Dur("wait", wait).Msg("sleeping before rerun")
		if err := sleep(ctx, wait); err != nil {
			return Report{ReRunsCount: count}, err
		}

		count++
		log.Debug().Str("run", run.Name).Int("rerun", count).Msg("re-running pending chunks")

		lastRun := currentRun
		if err := rerun(ctx, run, opts.Runtime, pending); err != nil {
			return Report{ReRunsCount: count}, err
		}

		currentRun = rerunRecords(run.Runs.Snapshot(), pending, known)
		accumulateComments(currentRun, comments)
		updateStreaks(lastRun, currentRun, streaks)
	}
}

func (o Options) predicate() (Predicate, error) {
	name := o.Pending
	if name == "" {
		name = PendingDefault
	}
	if p, ok := o.Predicates[name]; ok && p != nil {
		return p, nil
	}
	if name == PendingDefault {
		var overrides PendingLookup
		if o.Run != nil && o.Run.Registry != nil {
			overrides = o.Run.Registry
		}
		return DefaultPending{Overrides: overrides}, nil
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("unknown pending plugin %q", name), nil).
		WithCode(engine.ErrCodeNotFound)
}

// pendingTags returns, in tag order, every tag of the round whose record the
// predicate judges pending.
func pendingTags(pred Predicate, current map[string]*engine.Result, streaks map[string]int, count, maxReruns int, applyKwargs map[string]interface{}) []string {
	kp, kwAware := pred.(KwargsPredicate)
	var kwCtx map[string]interface{}
	if applyKwargs != nil {
		kwCtx, _ = applyKwargs["ctx"].(map[string]interface{})
	}
	var pending []string
	for _, tag := range sortedTags(current) {
		rec := current[tag]
		if rec == nil {
			continue
		}
		state := engine.TagState(tag)
		var isPending bool
		if kwAware {
			isPending = kp.IsPendingKwargs(rec, state, PendingKwargs{
				Ctx:                 kwCtx,
				RerunsWoChangeCount: streaks[tag],
				RerunsCount:         count,
				MaxPendingReruns:    maxReruns,
			})
		} else {
			isPending = pred.IsPending(rec, state)
		}
		if isPending {
			pending = append(pending, tag)
		}
	}
	return pending
}

// rerunRecords collects the round's fresh records: the re-run tags plus any
// tag the re-run introduced, such as recreate-flow additions.
func rerunRecords(snap map[string]*engine.Result, pending []string, known map[string]bool) map[string]*engine.Result {
	fresh := make(map[string]*engine.Result, len(pending))
	for _, tag := range pending {
		if rec := snap[tag]; rec != nil {
			fresh[tag] = rec
		}
	}
	for tag, rec := range snap {
		if !known[tag] {
			fresh[tag] = rec
			known[tag] = true
		}
	}
	return fresh
}

func settledRecords(current map[string]*engine.Result, pending []string) map[string]*engine.Result {
	skip := make(map[string]bool, len(pending))
	for _, tag := range pending {
		skip[tag] = true
	}
	settled := make(map[string]*engine.Result)
	for tag, rec := range current {
		if !skip[tag] {
			settled[tag] = rec
		}
	}
	return settled
}

// mergeAndFinalize folds each of the round's records into the first run's
// table and emits the tag's final state-result event. The baseline record's
// start time and old state stay authoritative; changes are recomputed as the
// diff between the preserved old state and the latest new state, unless
// either side is present but not a mapping; total seconds span from the
// original start time to now.
func mergeAndFinalize(ctx context.Context, run *engine.RunContext, firstRun, lastRun map[string]*engine.Result, comments map[string][]string) {
	for _, tag := range sortedTags(lastRun) {
		incoming := lastRun[tag]
		if incoming == nil {
			continue
		}
		merged := incoming.Clone()
		if base, ok := firstRun[tag]; ok && base != nil {
			merged.StartTime = base.StartTime
			merged.OldState = base.OldState
			recomputeChanges(merged)
			if acc := comments[tag]; len(acc) > 0 {
				merged.Comment = append([]string(nil), acc...)
			}
		} else {
			log.Debug().Str("tag", tag).Msg("adding a tag to the run during reconciliation")
		}
		if !merged.StartTime.IsZero() {
			merged.TotalSeconds = time.Since(merged.StartTime).Seconds()
		}
		firstRun[tag] = merged
		sendFinalResult(ctx, run, merged)
	}
}

func recomputeChanges(rec *engine.Result) {
	oldState, oldOK := stateMapping(rec.OldState)
	newState, newOK := stateMapping(rec.NewState)
	if !oldOK || !newOK {
		log.Debug().Str("name", rec.Name).Msg("skip recalculating changes, old_state or new_state is not a mapping")
		return
	}
	rec.Changes = engine.DeepDiff(oldState, newState)
}

// stateMapping reports whether a recorded state can feed the differ: absent
// states diff as empty, a present non-mapping cannot be diffed.
func stateMapping(v interface{}) (map[string]interface{}, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func sendFinalResult(ctx context.Context, run *engine.RunContext, rec *engine.Result) {
	if run.Events == nil {
		return
	}
	err := run.Events.Put(ctx, engine.ProfileRun, rec, engine.EventTags{
		Ref:         rec.Ref,
		Type:        "state-result",
		AcctDetails: rec.AcctDetails,
	})
	if err != nil {
		log.Warn().Err(err).Str("tag", rec.Tag).Msg("failed to publish state-result event")
	}
}

// accumulateComments folds each record's comment lines into the per-tag
// history, skipping lines already recorded.
func accumulateComments(records map[string]*engine.Result, comments map[string][]string) map[string][]string {
	if comments == nil {
		comments = make(map[string][]string)
	}
	for tag, rec := range records {
		if rec == nil || len(rec.Comment) == 0 {
			continue
		}
		acc := comments[tag]
		for _, line := range rec.Comment {
			if !containsLine(acc, line) {
				acc = append(acc, line)
			}
		}
		comments[tag] = acc
	}
	return comments
}

func containsLine(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}

// updateStreaks compares each tag's outcome against the previous round: an
// identical result and changes pair extends the no-change streak, anything
// else resets it.
func updateStreaks(last, current map[string]*engine.Result, streaks map[string]int) {
	if len(last) == 0 || len(current) == 0 {
		return
	}
	for tag, cur := range current {
		prev := last[tag]
		if prev == nil || cur == nil {
			continue
		}
		if reflect.DeepEqual(prev.Result, cur.Result) && reflect.DeepEqual(prev.Changes, cur.Changes) {
			streaks[tag]++
		} else {
			streaks[tag] = 0
		}
	}
}

func sortedTags(records map[string]*engine.Result) []string {
	tags := make([]string, 0, len(records))
	for tag := range records {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// sleep waits out one round's backoff, returning early when the context is
// cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return engine.NewTransientError("reconcile cancelled", err).WithCode(engine.ErrCodeTimeout)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return engine.NewTransientError("reconcile cancelled", ctx.Err()).WithCode(engine.ErrCodeTimeout)
	case <-t.C:
		return nil
	}
}
