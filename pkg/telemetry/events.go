package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Event is one message on the run event bus.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Profile names the stream the event rides on. Subscribers match it
	// against a pattern, so the chatty chunk stream can be ignored without
	// losing result events.
	Profile string `json:"profile"`

	// Type names the event kind.
	Type string `json:"type"`

	// Ref is the full reference of the operation function, when resolved.
	Ref string `json:"ref,omitempty"`

	// RunName is the run the event belongs to, when known.
	RunName string `json:"run_name,omitempty"`

	// Tag is the chunk tag the event concerns, when it concerns one.
	Tag string `json:"tag,omitempty"`

	// Body is the event payload.
	Body interface{} `json:"body"`

	// AcctDetails is opaque account context; only result events carry it.
	AcctDetails map[string]interface{} `json:"acct_details,omitempty"`
}

// Event types seen on the bus. The chunk, result, low-data and status types
// are published by the executor through the run sink; the run lifecycle types
// are published by the caller that owns the run.
const (
	EventTypeRunStarted  = "run-started"
	EventTypeRunFinished = "run-finished"
	EventTypeLowData     = "state-low-data"
	EventTypeChunk       = "state-chunk"
	EventTypeResult      = "state-result"
	EventTypeStatus      = "state-status"
)

// EventSubscriber handles one delivered event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher is the run event bus: a buffered publish side decoupling the
// executor from delivery, and a subscriber list with per-subscription filters.
// Events are delivered to each subscriber in publish order; a subscriber that
// cannot keep up backs the buffer up until further events are dropped.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish puts an event on the bus. The ID and timestamp are assigned when
// unset. Publish never blocks: when the buffer is full the event is dropped
// and an error returned, so the caller decides whether that is worth a
// warning.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes the run lifecycle start marker.
func (ep *EventPublisher) PublishRunStarted(runName, runtime string) error {
	return ep.Publish(Event{
		Profile: engine.ProfileStatus,
		Type:    EventTypeRunStarted,
		RunName: runName,
		Body: map[string]interface{}{
			"name":    runName,
			"runtime": runtime,
		},
	})
}

// PublishRunFinished publishes the run lifecycle end marker.
func (ep *EventPublisher) PublishRunFinished(runName string, status engine.RunStatus, duration time.Duration) error {
	return ep.Publish(Event{
		Profile: engine.ProfileStatus,
		Type:    EventTypeRunFinished,
		RunName: runName,
		Body: map[string]interface{}{
			"name":     runName,
			"status":   string(status),
			"duration": duration.Seconds(),
		},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global filter applied before buffering. Events rejected
// here are never delivered to any subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer, batching deliveries. A partial batch is
// flushed when the flush interval elapses so events never sit waiting for
// traffic.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var flushC <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-flushC:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			// Drain whatever was buffered before the shutdown signal.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events in order.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent hands one event to every subscriber whose filter admits it.
// The subscriber list is copied first so a subscriber may call Subscribe or
// Publish without deadlocking.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, delivering everything already buffered. It
// returns the context error when draining does not finish in time.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// RunSink feeds one run's executor events onto the bus. It satisfies the
// executor's sink contract: Put never blocks, and a full buffer surfaces as
// an error for the executor to log.
type RunSink struct {
	pub     *EventPublisher
	runName string
}

var _ engine.EventSink = (*RunSink)(nil)

// Sink returns the sink that publishes the named run's events on the bus.
func (ep *EventPublisher) Sink(runName string) *RunSink {
	return &RunSink{pub: ep, runName: runName}
}

// Put implements engine.EventSink.
func (s *RunSink) Put(_ context.Context, profile string, body interface{}, tags engine.EventTags) error {
	return s.pub.Publish(Event{
		Profile:     profile,
		Type:        tags.Type,
		Ref:         tags.Ref,
		RunName:     s.runName,
		Tag:         bodyTag(body),
		Body:        body,
		AcctDetails: tags.AcctDetails,
	})
}

// bodyTag extracts the chunk tag from payloads that carry one.
func bodyTag(body interface{}) string {
	switch b := body.(type) {
	case *engine.Result:
		return b.Tag
	case *engine.Chunk:
		return engine.FuncTag(b)
	}
	return ""
}

// Common event filters.

// FilterByProfile admits events whose profile matches the glob pattern. A
// pattern that does not compile only matches itself.
func FilterByProfile(pattern string) EventFilter {
	g, err := glob.Compile(pattern)
	return func(event Event) bool {
		if err != nil {
			return event.Profile == pattern
		}
		return g.Match(event.Profile)
	}
}

// FilterByType admits events of the listed types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunName admits events belonging to the named run.
func FilterByRunName(runName string) EventFilter {
	return func(event Event) bool {
		return event.RunName == runName
	}
}

// FilterByTag admits events whose chunk tag matches the glob pattern.
func FilterByTag(pattern string) EventFilter {
	g, err := glob.Compile(pattern)
	return func(event Event) bool {
		if err != nil {
			return event.Tag == pattern
		}
		return g.Match(event.Tag)
	}
}
