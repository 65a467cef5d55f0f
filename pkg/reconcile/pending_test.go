package reconcile

import (
	"sync"
	"testing"

	"github.com/trueup-io/trueup/pkg/engine"
)

type overrideTable struct {
	mu    sync.Mutex
	calls int
	fns   map[string]engine.PendingFunc
}

func newOverrideTable(fns map[string]engine.PendingFunc) *overrideTable {
	return &overrideTable{fns: fns}
}

func (o *overrideTable) Pending(state string) (engine.PendingFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	fn, ok := o.fns[state]
	return fn, ok
}

func (o *overrideTable) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func pendingResult(ok bool, changes map[string]interface{}) *engine.Result {
	v := ok
	return &engine.Result{Tag: "cloud.instance_|-web_|-web_|-present", Result: &v, Changes: changes}
}

func TestDefaultPending_SettledSuccess(t *testing.T) {
	p := DefaultPending{}
	if p.IsPending(pendingResult(true, nil), "cloud.instance") {
		t.Error("Expected a clean success to settle")
	}
}

func TestDefaultPending_FailureStaysPending(t *testing.T) {
	p := DefaultPending{}
	if !p.IsPending(pendingResult(false, nil), "cloud.instance") {
		t.Error("Expected a failure to stay pending")
	}
}

func TestDefaultPending_UndeterminedResultStaysPending(t *testing.T) {
	p := DefaultPending{}
	ret := &engine.Result{Tag: "cloud.instance_|-web_|-web_|-present"}
	if !p.IsPending(ret, "cloud.instance") {
		t.Error("Expected a result without an explicit success to stay pending")
	}
}

func TestDefaultPending_ChangesKeepPending(t *testing.T) {
	p := DefaultPending{}
	ret := pendingResult(true, map[string]interface{}{"new": map[string]interface{}{"size": "large"}})
	if !p.IsPending(ret, "cloud.instance") {
		t.Error("Expected a success with changes to stay pending")
	}
}

func TestDefaultPending_RerunDataKeepsPending(t *testing.T) {
	p := DefaultPending{}
	ret := pendingResult(true, nil)
	ret.RerunData = map[string]interface{}{"poll_token": "abc"}
	if !p.IsPending(ret, "cloud.instance") {
		t.Error("Expected rerun data to keep the tag pending")
	}
}

func TestDefaultPending_RecreationFlowOnlyChecksResult(t *testing.T) {
	p := DefaultPending{}

	ret := pendingResult(true, map[string]interface{}{"new": map[string]interface{}{"size": "large"}})
	ret.RecreationFlow = true
	if p.IsPending(ret, "cloud.instance") {
		t.Error("Expected a successful recreation to settle despite changes")
	}

	ret = pendingResult(false, nil)
	ret.RecreationFlow = true
	if !p.IsPending(ret, "cloud.instance") {
		t.Error("Expected an unfinished recreation to stay pending")
	}
}

func TestDefaultPending_NoChangeStreakStopsRetrying(t *testing.T) {
	p := DefaultPending{}
	ret := pendingResult(false, nil)

	kw := PendingKwargs{RerunsWoChangeCount: MaxRerunsWoChange - 1}
	if !p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected the tag to stay pending below the streak ceiling")
	}

	kw.RerunsWoChangeCount = MaxRerunsWoChange
	if p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected the streak ceiling to stop retrying")
	}
}

func TestDefaultPending_MaxRerunsCeiling(t *testing.T) {
	p := DefaultPending{}
	ret := pendingResult(false, map[string]interface{}{"new": map[string]interface{}{"n": 1}})

	kw := PendingKwargs{RerunsCount: 9, MaxPendingReruns: 10}
	if !p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected the tag to stay pending below the rerun ceiling")
	}

	kw.RerunsCount = 10
	if p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected the rerun ceiling to stop retrying")
	}
}

func TestDefaultPending_ZeroMaxSelectsDefaultCeiling(t *testing.T) {
	p := DefaultPending{}
	ret := pendingResult(false, map[string]interface{}{"new": map[string]interface{}{"n": 1}})

	kw := PendingKwargs{RerunsCount: DefaultMaxPendingReruns - 1}
	if !p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected the tag to stay pending below the default ceiling")
	}

	kw.RerunsCount = DefaultMaxPendingReruns
	if p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected the default ceiling to stop retrying")
	}
}

func TestDefaultPending_OverrideWins(t *testing.T) {
	overrides := newOverrideTable(map[string]engine.PendingFunc{
		"cloud.instance": func(ret *engine.Result) bool {
			return ret.RerunData != nil
		},
	})
	p := DefaultPending{Overrides: overrides}

	// A failure the default would retry settles because the override says so.
	if p.IsPendingKwargs(pendingResult(false, nil), "cloud.instance", PendingKwargs{}) {
		t.Error("Expected the override to settle the failed result")
	}

	ret := pendingResult(true, nil)
	ret.RerunData = "poll"
	if !p.IsPendingKwargs(ret, "cloud.instance", PendingKwargs{}) {
		t.Error("Expected the override to keep the tag pending")
	}
	if overrides.count() != 2 {
		t.Errorf("Expected two override lookups, got %d", overrides.count())
	}
}

func TestDefaultPending_OverrideCutOffAfterStalledFailures(t *testing.T) {
	overrides := newOverrideTable(map[string]engine.PendingFunc{
		"cloud.instance": func(*engine.Result) bool { return true },
	})
	p := DefaultPending{Overrides: overrides}

	ret := pendingResult(false, nil)
	kw := PendingKwargs{RerunsWoChangeCount: MaxRerunsWoChange}
	if p.IsPendingKwargs(ret, "cloud.instance", kw) {
		t.Error("Expected a stalled failure to stop even with an always-pending override")
	}

	// A succeeding result is still the override's call.
	if !p.IsPendingKwargs(pendingResult(true, nil), "cloud.instance", kw) {
		t.Error("Expected the override to keep deciding for successful results")
	}
}

func TestDefaultPending_OverrideBoundByMaxReruns(t *testing.T) {
	overrides := newOverrideTable(map[string]engine.PendingFunc{
		"cloud.instance": func(*engine.Result) bool { return true },
	})
	p := DefaultPending{Overrides: overrides}

	kw := PendingKwargs{RerunsCount: 5, MaxPendingReruns: 5}
	if p.IsPendingKwargs(pendingResult(true, nil), "cloud.instance", kw) {
		t.Error("Expected the rerun ceiling to bound the override")
	}
}

func TestDefaultPending_OtherResourceTypesIgnoreOverride(t *testing.T) {
	overrides := newOverrideTable(map[string]engine.PendingFunc{
		"cloud.instance": func(*engine.Result) bool { return true },
	})
	p := DefaultPending{Overrides: overrides}

	if p.IsPendingKwargs(pendingResult(true, nil), "cloud.volume", PendingKwargs{}) {
		t.Error("Expected the default rules for a type without an override")
	}
}

func TestDefaultPending_NilResultSettles(t *testing.T) {
	p := DefaultPending{}
	if p.IsPending(nil, "cloud.instance") {
		t.Error("Expected a missing record to settle")
	}
}
