package reconcile

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Wait algorithm names.
const (
	// WaitStatic sleeps a constant wait_in_seconds.
	WaitStatic = "static"

	// WaitExponential sleeps wait_in_seconds * multiplier^runCount.
	WaitExponential = "exponential"

	// WaitRandom sleeps a uniform sample from [min_value, max_value].
	WaitRandom = "random"
)

// DefaultWaitSeconds is the sleep between rounds for resource types without
// a declared wait policy.
const DefaultWaitSeconds = 3

// DefaultWaitSpec returns the static fallback policy.
func DefaultWaitSpec() engine.WaitSpec {
	return engine.WaitSpec{
		Alg:    WaitStatic,
		Params: map[string]float64{"wait_in_seconds": DefaultWaitSeconds},
	}
}

// Get computes the sleep duration one wait policy yields for the given
// reconciliation round. Parameters are seconds, so fractional values work.
func Get(alg string, params map[string]float64, runCount int) (time.Duration, error) {
	switch alg {
	case WaitStatic:
		return seconds(params["wait_in_seconds"]), nil
	case WaitExponential:
		base := params["wait_in_seconds"]
		mult := params["multiplier"]
		return seconds(base * math.Pow(mult, float64(runCount))), nil
	case WaitRandom:
		lo, hi := params["min_value"], params["max_value"]
		if hi < lo {
			return 0, engine.NewPermanentError(
				fmt.Sprintf("random wait requires min_value <= max_value, got [%v, %v]", lo, hi), nil).
				WithCode(engine.ErrCodeValidation)
		}
		return seconds(lo + rand.Float64()*(hi-lo)), nil
	}
	return 0, engine.NewPermanentError(
		fmt.Sprintf("unknown wait algorithm %q", alg), nil).
		WithCode(engine.ErrCodeValidation)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// WaitLookup resolves a resource type's declared wait policy.
// *engine.Registry implements it.
type WaitLookup interface {
	Wait(state string) (engine.WaitSpec, bool)
}

// WaitPolicyCache resolves each resource type's wait policy at most once and
// holds it for the rest of the run. A cache belongs to a single run; build a
// fresh one per Loop invocation.
type WaitPolicyCache struct {
	lookup WaitLookup
	mu     sync.Mutex
	specs  map[string]engine.WaitSpec
}

// NewWaitPolicyCache returns an empty cache backed by the given lookup. A
// nil lookup serves the static default for every resource type.
func NewWaitPolicyCache(lookup WaitLookup) *WaitPolicyCache {
	return &WaitPolicyCache{
		lookup: lookup,
		specs:  make(map[string]engine.WaitSpec),
	}
}

// Spec returns the wait policy for a resource type, consulting the lookup
// only on the first query.
func (c *WaitPolicyCache) Spec(state string) engine.WaitSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if spec, ok := c.specs[state]; ok {
		return spec
	}
	spec := DefaultWaitSpec()
	if c.lookup != nil {
		if declared, ok := c.lookup.Wait(state); ok {
			spec = declared
		}
	}
	c.specs[state] = spec
	return spec
}

// MaxWait returns the longest wait among the pending tags for this round. A
// policy that fails to compute falls back to the static default.
func (c *WaitPolicyCache) MaxWait(runCount int, pendingTags []string) time.Duration {
	var longest time.Duration
	for _, tag := range pendingTags {
		state := engine.TagState(tag)
		spec := c.Spec(state)
		d, err := Get(spec.Alg, spec.Params, runCount)
		if err != nil {
			log.Error().Err(err).Str("state", state).Msg("failed to compute wait time")
			d = DefaultWaitSeconds * time.Second
		}
		if d > longest {
			longest = d
		}
	}
	return longest
}
