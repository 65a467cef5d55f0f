package reconcile

import (
	"github.com/trueup-io/trueup/pkg/engine"
)

const (
	// MaxRerunsWoChange stops reconciliation after this many consecutive
	// rounds with identical result and changes. Failures that re-running
	// cannot fix would otherwise retry forever.
	MaxRerunsWoChange = 3

	// DefaultMaxPendingReruns caps rounds per tag when the caller sets no
	// ceiling.
	DefaultMaxPendingReruns = 600
)

// PendingDefault names the built-in predicate.
const PendingDefault = "default"

// PendingKwargs carries the retry bookkeeping into predicates that opt in.
type PendingKwargs struct {
	// Ctx is the opaque account context from the apply kwargs.
	Ctx map[string]interface{}

	// RerunsWoChangeCount is the tag's current no-change streak.
	RerunsWoChangeCount int

	// RerunsCount is the reconciliation round number.
	RerunsCount int

	// MaxPendingReruns caps rounds per tag; zero or negative selects
	// DefaultMaxPendingReruns.
	MaxPendingReruns int
}

// Predicate judges whether a tag's latest result still needs another
// reconciliation round.
type Predicate interface {
	IsPending(ret *engine.Result, state string) bool
}

// KwargsPredicate is implemented by predicates that factor the retry
// bookkeeping into the decision. The loop calls IsPendingKwargs instead of
// IsPending when a predicate provides it.
type KwargsPredicate interface {
	IsPendingKwargs(ret *engine.Result, state string, kw PendingKwargs) bool
}

// PendingLookup resolves resource-type pending overrides.
// *engine.Registry implements it.
type PendingLookup interface {
	Pending(state string) (engine.PendingFunc, bool)
}

// DefaultPending is the built-in predicate. A result stays pending while it
// is not an explicit success, carries rerun data, or reports changes; a
// recreation-flow result is pending purely on success. A resource type's
// registered override wins once the ceilings allow it.
type DefaultPending struct {
	// Overrides resolves per-resource-type pending implementations; nil
	// disables overrides.
	Overrides PendingLookup
}

// IsPending implements Predicate without retry bookkeeping, so the ceilings
// never trip.
func (p DefaultPending) IsPending(ret *engine.Result, state string) bool {
	return p.IsPendingKwargs(ret, state, PendingKwargs{})
}

// IsPendingKwargs implements KwargsPredicate.
func (p DefaultPending) IsPendingKwargs(ret *engine.Result, state string, kw PendingKwargs) bool {
	if ret == nil {
		return false
	}
	maxReruns := kw.MaxPendingReruns
	if maxReruns <= 0 {
		maxReruns = DefaultMaxPendingReruns
	}
	if p.Overrides != nil {
		if fn, ok := p.Overrides.Pending(state); ok && fn != nil {
			// An override keeps control of convergence, but a failure that
			// stopped making progress must not spin its loop forever.
			if !ret.Succeeded() && kw.RerunsWoChangeCount >= MaxRerunsWoChange {
				return false
			}
			if kw.RerunsCount >= maxReruns {
				return false
			}
			return fn(ret)
		}
	}
	if kw.RerunsWoChangeCount >= MaxRerunsWoChange || kw.RerunsCount >= maxReruns {
		return false
	}
	if ret.RecreationFlow {
		return !ret.Succeeded()
	}
	if len(ret.Changes) > 0 || ret.RerunData != nil {
		return true
	}
	return !ret.Succeeded()
}
