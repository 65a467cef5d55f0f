package engine

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Event profiles. Consumers subscribe by profile pattern, so the chatty
// chunk-level stream can be dropped without losing result events.
const (
	// ProfileRun carries one state-result event per finalized attempt.
	ProfileRun = "trueup-run"

	// ProfileChunk carries one state-chunk event per dispatched chunk.
	ProfileChunk = "trueup-chunk"

	// ProfileLow carries the compiled low data at the start of each pass.
	ProfileLow = "trueup-low"

	// ProfileStatus carries run lifecycle transitions.
	ProfileStatus = "trueup-status"
)

// SensitiveMask replaces masked parameter values in emitted events.
const SensitiveMask = "******"

// NopEvents discards every event. It stands in when a run has no sink.
type NopEvents struct{}

// Put implements EventSink.
func (NopEvents) Put(context.Context, string, interface{}, EventTags) error { return nil }

func sinkOf(run *RunContext) EventSink {
	if run.Events == nil {
		return NopEvents{}
	}
	return run.Events
}

// sendStateChunk publishes the chunk about to execute. Sensitive parameter
// values are masked; account details never ride on chunk events.
func sendStateChunk(ctx context.Context, run *RunContext, chunk *Chunk, ref string) {
	body := chunk
	if len(chunk.Sensitive) > 0 {
		masked := *chunk
		masked.Params = maskParams(chunk.Params, chunk.Sensitive)
		body = &masked
	}
	err := sinkOf(run).Put(ctx, ProfileChunk, body, EventTags{Ref: ref, Type: "state-chunk"})
	if err != nil {
		log.Warn().Err(err).Str("tag", FuncTag(chunk)).Msg("failed to publish state-chunk event")
	}
}

// sendStateResult publishes a finalized result. The ref and account details
// ride as tags, not in the body.
func sendStateResult(ctx context.Context, run *RunContext, rec *Result, sensitive []string) {
	body := rec
	if len(sensitive) > 0 {
		masked := rec.Clone()
		if m, ok := asStateMap(masked.OldState); ok && m != nil {
			masked.OldState = maskParams(m, sensitive)
		}
		if m, ok := asStateMap(masked.NewState); ok && m != nil {
			masked.NewState = maskParams(m, sensitive)
		}
		masked.Changes = maskParams(masked.Changes, sensitive)
		body = masked
	}
	err := sinkOf(run).Put(ctx, ProfileRun, body, EventTags{
		Ref:         rec.Ref,
		Type:        "state-result",
		AcctDetails: rec.AcctDetails,
	})
	if err != nil {
		log.Warn().Err(err).Str("tag", rec.Tag).Msg("failed to publish state-result event")
	}
}

// sendLowData publishes the compiled low data for one pass.
func sendLowData(ctx context.Context, run *RunContext) {
	err := sinkOf(run).Put(ctx, ProfileLow, run.Low, EventTags{Type: "state-low-data"})
	if err != nil {
		log.Warn().Err(err).Str("run", run.Name).Msg("failed to publish state-low-data event")
	}
}

// sendStatus publishes a run lifecycle transition.
func sendStatus(ctx context.Context, run *RunContext, status RunStatus) {
	run.Status = status
	body := map[string]interface{}{"name": run.Name, "status": string(status)}
	err := sinkOf(run).Put(ctx, ProfileStatus, body, EventTags{Type: "state-status"})
	if err != nil {
		log.Warn().Err(err).Str("run", run.Name).Msg("failed to publish state-status event")
	}
}

// maskParams returns a copy of params with masked keys replaced. Nested maps
// are masked recursively so wrapped values in changes stay hidden.
func maskParams(params map[string]interface{}, sensitive []string) map[string]interface{} {
	if params == nil {
		return nil
	}
	hide := make(map[string]bool, len(sensitive))
	for _, key := range sensitive {
		hide[key] = true
	}
	return maskMap(params, hide)
}

func maskMap(m map[string]interface{}, hide map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if hide[k] {
			out[k] = SensitiveMask
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = maskMap(nested, hide)
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}
