package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trueup-io/trueup/pkg/engine"
)

// SpanSubscriber mirrors run events onto trace spans. Subscribed to the bus,
// it opens a chunk span on every state-chunk event, closes it on the matching
// state-result, and delimits passes on state-low-data events. Spans parent
// under the context the subscriber was created with, so wrapping engine
// execution in a run span puts the whole hierarchy under it.
type SpanSubscriber struct {
	tracer *Tracer

	mu      sync.Mutex
	root    context.Context
	passCtx context.Context
	pass    trace.Span
	passNum int
	open    map[string]trace.Span
}

// NewSpanSubscriber creates a span subscriber rooted at ctx.
func NewSpanSubscriber(ctx context.Context, tracer *Tracer) *SpanSubscriber {
	return &SpanSubscriber{
		tracer: tracer,
		root:   ctx,
		open:   make(map[string]trace.Span),
	}
}

// Filter returns the event filter admitting the types the subscriber handles.
func (s *SpanSubscriber) Filter() EventFilter {
	return FilterByType(EventTypeLowData, EventTypeChunk, EventTypeResult)
}

// Handle is the EventSubscriber fed to the bus.
func (s *SpanSubscriber) Handle(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case EventTypeLowData:
		s.closePassLocked()
		s.passNum++
		s.passCtx, s.pass = s.tracer.StartPassSpan(s.root, event.RunName, s.passNum)

	case EventTypeChunk:
		parent := s.passCtx
		if parent == nil {
			parent = s.root
		}
		operation := ""
		if c, ok := event.Body.(*engine.Chunk); ok {
			operation = c.Fun
		}
		if prev, ok := s.open[event.Tag]; ok {
			prev.End()
		}
		_, span := s.tracer.StartChunkSpan(parent, event.Tag, engine.TagState(event.Tag), operation)
		s.open[event.Tag] = span

	case EventTypeResult:
		span, ok := s.open[event.Tag]
		if !ok {
			// Blocked chunks record results without ever dispatching, so a
			// result with no open span is not an error.
			return
		}
		delete(s.open, event.Tag)
		if res, ok := event.Body.(*engine.Result); ok {
			if res.Failed() {
				span.SetStatus(codes.Error, strings.Join(res.Comment, "; "))
			} else if res.Succeeded() {
				RecordSuccess(span)
			}
		}
		span.End()
	}
}

// Close ends every span still open. Call it after the run finishes.
func (s *SpanSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, span := range s.open {
		span.End()
	}
	s.open = make(map[string]trace.Span)
	s.closePassLocked()
}

func (s *SpanSubscriber) closePassLocked() {
	if s.pass != nil {
		s.pass.End()
		s.pass = nil
		s.passCtx = nil
	}
}

// RoundRecorder fans one reconciliation round out to metrics and the trace
// stream. It satisfies the reconcile loop's observer contract; Metrics alone
// does too when tracing is not wanted.
type RoundRecorder struct {
	Metrics *Metrics
	Tracer  *Tracer
	Ctx     context.Context
	RunName string

	mu    sync.Mutex
	round int
}

// RecordReconcileRound records the round on the metrics and emits a round
// span carrying the pending count and the planned sleep.
func (r *RoundRecorder) RecordReconcileRound(pending int, sleep time.Duration) {
	r.mu.Lock()
	r.round++
	round := r.round
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.RecordReconcileRound(pending, sleep)
	}

	if r.Tracer != nil {
		ctx := r.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		_, span := r.Tracer.StartReconcileRoundSpan(ctx, r.RunName, round, pending, sleep.Seconds())
		span.End()
	}
}
