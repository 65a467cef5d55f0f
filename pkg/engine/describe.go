package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DescribeReport aggregates the declarations recovered from every resource
// type matching a describe pattern.
type DescribeReport struct {
	// Pattern is the resource type glob the report covers.
	Pattern string `json:"pattern"`

	// States lists the resource types that produced declarations.
	States []string `json:"states"`

	// DescribedAt is when the gathering started.
	DescribedAt time.Time `json:"described_at"`

	// Duration is the wall time of the whole gathering.
	Duration time.Duration `json:"duration"`

	// Declarations maps generated declaration IDs to declarable blocks,
	// ready to serialize as source data.
	Declarations map[string]interface{} `json:"declarations"`
}

type describeOutcome struct {
	state string
	body  map[string]interface{}
	err   error
}

// Describe enumerates the existing resources of every registered resource
// type matching pattern and renders them as declarable blocks. Types are
// described concurrently and merged as each one completes; a type whose
// describe fails is logged and skipped rather than failing the report.
func Describe(ctx context.Context, run *RunContext, pattern string, workers int) (*DescribeReport, error) {
	start := time.Now()

	var matched []string
	for _, state := range run.Registry.States() {
		if pattern != "" && !globMatch(pattern, state) {
			continue
		}
		if _, ok := run.Registry.Resolve(state, "describe"); ok {
			matched = append(matched, state)
		}
	}
	if len(matched) == 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("no resource type matching '%s' supports describe", pattern), nil).
			WithCode(ErrCodeNotFound)
	}

	log.Info().
		Str("pattern", pattern).
		Int("states", len(matched)).
		Msg("Describing resources")

	if workers <= 0 || workers > len(matched) {
		workers = len(matched)
	}

	work := make(chan string, len(matched))
	for _, state := range matched {
		work <- state
	}
	close(work)

	outcomes := make(chan describeOutcome, len(matched))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for state := range work {
				body, err := describeState(ctx, run, state)
				outcomes <- describeOutcome{state: state, body: body, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	report := &DescribeReport{
		Pattern:      pattern,
		DescribedAt:  start,
		Declarations: make(map[string]interface{}),
	}
	for out := range outcomes {
		if out.err != nil {
			log.Error().Err(out.err).Str("state", out.state).Msg("Failed to describe resource type")
			continue
		}
		for id, decl := range out.body {
			report.Declarations[id] = decl
		}
		report.States = append(report.States, out.state)
	}
	sort.Strings(report.States)
	report.Duration = time.Since(start)

	log.Info().
		Int("declarations", len(report.Declarations)).
		Dur("duration", report.Duration).
		Msg("Describe completed")
	return report, nil
}

// describeState runs one resource type's describe operation and returns the
// declarable blocks it reported.
func describeState(ctx context.Context, run *RunContext, state string) (map[string]interface{}, error) {
	rf, ok := run.Registry.Resolve(state, "describe")
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("resource type '%s' has no describe operation", state), nil).
			WithCode(ErrCodeFuncNotFound)
	}
	call := &Call{
		Run:    run,
		Chunk:  &Chunk{State: state, Name: state, Fun: "describe"},
		Params: map[string]interface{}{},
		Test:   run.Test,
	}
	ret, err := invoke(ctx, rf.Fn, call)
	if err != nil {
		return nil, err
	}
	if ret.Result != nil && !*ret.Result {
		return nil, NewTransientError(
			fmt.Sprintf("describe of '%s' reported failure: %v", state, ret.Comment), nil)
	}
	body, _ := ret.NewState.(map[string]interface{})
	return body, nil
}
