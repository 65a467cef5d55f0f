package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trueup-io/trueup/pkg/engine"
)

// collector records delivered events for inspection.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func newSyncPublisher(t *testing.T) *EventPublisher {
	t.Helper()
	pub, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   16,
		MaxBatchSize: 4,
		EnableAsync:  false,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return pub
}

func TestPublishDeliversInOrder(t *testing.T) {
	pub := newSyncPublisher(t)
	defer pub.Shutdown(context.Background())

	got := &collector{}
	pub.Subscribe(got.add, nil)

	tags := []string{"a", "b", "c", "d", "e"}
	for _, tag := range tags {
		err := pub.Publish(Event{Profile: engine.ProfileRun, Type: EventTypeResult, Tag: tag})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	events := got.snapshot()
	if len(events) != len(tags) {
		t.Fatalf("Expected %d events, got %d", len(tags), len(events))
	}
	for i, event := range events {
		if event.Tag != tags[i] {
			t.Errorf("Expected tag %q at position %d, got %q", tags[i], i, event.Tag)
		}
		if event.ID == "" {
			t.Error("Expected an assigned event ID")
		}
		if event.Timestamp.IsZero() {
			t.Error("Expected an assigned timestamp")
		}
	}
}

func TestSubscriberProfileFilters(t *testing.T) {
	pub := newSyncPublisher(t)
	defer pub.Shutdown(context.Background())

	all := &collector{}
	results := &collector{}
	pub.Subscribe(all.add, FilterByProfile("trueup-*"))
	pub.Subscribe(results.add, FilterByProfile(engine.ProfileRun))

	profiles := []string{engine.ProfileRun, engine.ProfileChunk, engine.ProfileStatus, "other"}
	for _, profile := range profiles {
		if err := pub.Publish(Event{Profile: profile}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	if n := len(all.snapshot()); n != 3 {
		t.Errorf("Expected the glob subscriber to see 3 events, got %d", n)
	}
	if n := len(results.snapshot()); n != 1 {
		t.Errorf("Expected the result subscriber to see 1 event, got %d", n)
	}
}

func TestGlobalFilterBlocksBeforeDelivery(t *testing.T) {
	pub := newSyncPublisher(t)
	defer pub.Shutdown(context.Background())

	got := &collector{}
	pub.Subscribe(got.add, nil)
	pub.AddFilter(func(event Event) bool {
		return event.Profile != engine.ProfileChunk
	})

	if err := pub.Publish(Event{Profile: engine.ProfileChunk}); err != nil {
		t.Fatalf("Expected a filtered publish to succeed, got: %v", err)
	}
	if err := pub.Publish(Event{Profile: engine.ProfileRun}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	events := got.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected 1 delivered event, got %d", len(events))
	}
	if events[0].Profile != engine.ProfileRun {
		t.Errorf("Expected the run event to survive, got profile %q", events[0].Profile)
	}
}

func TestEventFilters(t *testing.T) {
	event := Event{
		Profile: engine.ProfileRun,
		Type:    EventTypeResult,
		RunName: "deploy",
		Tag:     "cloud.instance_|-alpha_|-alpha_|-present",
	}

	cases := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"type match", FilterByType(EventTypeChunk, EventTypeResult), true},
		{"type miss", FilterByType(EventTypeChunk), false},
		{"run match", FilterByRunName("deploy"), true},
		{"run miss", FilterByRunName("audit"), false},
		{"tag glob match", FilterByTag("cloud.instance*"), true},
		{"tag glob miss", FilterByTag("cloud.volume*"), false},
		{"tag exact", FilterByTag("cloud.instance_|-alpha_|-alpha_|-present"), true},
		{"profile exact", FilterByProfile("trueup-run"), true},
		{"profile glob miss", FilterByProfile("audit-*"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter(event); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRunSinkPublishesExecutorEvents(t *testing.T) {
	pub := newSyncPublisher(t)
	defer pub.Shutdown(context.Background())

	got := &collector{}
	pub.Subscribe(got.add, nil)

	sink := pub.Sink("deploy")
	chunk := &engine.Chunk{ID: "alpha", Name: "alpha", State: "cloud.instance", Fun: "present"}

	err := sink.Put(context.Background(), engine.ProfileChunk, chunk, engine.EventTags{
		Type: "state-chunk",
		Ref:  "cloud.instance.present",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	ok := true
	result := &engine.Result{
		Tag:    engine.FuncTag(chunk),
		Name:   "alpha",
		Result: &ok,
	}
	err = sink.Put(context.Background(), engine.ProfileRun, result, engine.EventTags{
		Type:        "state-result",
		Ref:         "cloud.instance.present",
		AcctDetails: map[string]interface{}{"profile": "default"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	events := got.snapshot()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}

	chunkEvent := events[0]
	if chunkEvent.Profile != engine.ProfileChunk || chunkEvent.Type != "state-chunk" {
		t.Errorf("Unexpected chunk event envelope: %q %q", chunkEvent.Profile, chunkEvent.Type)
	}
	if chunkEvent.RunName != "deploy" {
		t.Errorf("Expected run name deploy, got %q", chunkEvent.RunName)
	}
	if chunkEvent.Tag != engine.FuncTag(chunk) {
		t.Errorf("Expected the chunk tag to be derived, got %q", chunkEvent.Tag)
	}
	if chunkEvent.Body.(*engine.Chunk) != chunk {
		t.Error("Expected the chunk to ride as the body")
	}

	resultEvent := events[1]
	if resultEvent.Tag != result.Tag {
		t.Errorf("Expected the result tag to be derived, got %q", resultEvent.Tag)
	}
	if resultEvent.AcctDetails["profile"] != "default" {
		t.Error("Expected account details to ride as tags")
	}
}

func TestAsyncDeliveryFlushesOnShutdown(t *testing.T) {
	pub, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		MaxBatchSize:  8,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := &collector{}
	pub.Subscribe(got.add, nil)

	const n = 25
	for i := 0; i < n; i++ {
		if err := pub.Publish(Event{Profile: engine.ProfileRun, Tag: string(rune('a' + i%26))}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Shutdown(ctx); err != nil {
		t.Fatalf("Expected a clean shutdown, got: %v", err)
	}

	events := got.snapshot()
	if len(events) != n {
		t.Fatalf("Expected %d events after shutdown, got %d", n, len(events))
	}
	for i, event := range events {
		if want := string(rune('a' + i%26)); event.Tag != want {
			t.Fatalf("Expected tag %q at position %d, got %q", want, i, event.Tag)
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	pub, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   1,
		MaxBatchSize: 1,
		EnableAsync:  true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	gate := make(chan struct{})
	pub.Subscribe(func(Event) { <-gate }, nil)

	var dropErr error
	for i := 0; i < 50 && dropErr == nil; i++ {
		dropErr = pub.Publish(Event{Profile: engine.ProfileChunk})
	}
	if dropErr == nil {
		t.Fatal("Expected a drop error once the buffer filled")
	}
	if !strings.Contains(dropErr.Error(), "buffer full") {
		t.Errorf("Expected a buffer full error, got: %v", dropErr)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Shutdown(ctx); err != nil {
		t.Fatalf("Expected a clean shutdown, got: %v", err)
	}
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	pub, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := &collector{}
	pub.Subscribe(got.add, nil)

	if err := pub.Publish(Event{Profile: engine.ProfileRun}); err != nil {
		t.Errorf("Expected a disabled publish to succeed, got: %v", err)
	}
	if len(got.snapshot()) != 0 {
		t.Error("Expected no delivery from a disabled publisher")
	}
	if err := pub.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected a disabled shutdown to succeed, got: %v", err)
	}
}

func TestRunLifecyclePublishers(t *testing.T) {
	pub := newSyncPublisher(t)
	defer pub.Shutdown(context.Background())

	got := &collector{}
	pub.Subscribe(got.add, FilterByProfile(engine.ProfileStatus))

	if err := pub.PublishRunStarted("deploy", "parallel"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := pub.PublishRunFinished("deploy", engine.RunFinished, 1500*time.Millisecond); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	events := got.snapshot()
	if len(events) != 2 {
		t.Fatalf("Expected 2 lifecycle events, got %d", len(events))
	}

	started := events[0]
	if started.Type != EventTypeRunStarted || started.RunName != "deploy" {
		t.Errorf("Unexpected started event: %q %q", started.Type, started.RunName)
	}
	body := started.Body.(map[string]interface{})
	if body["runtime"] != "parallel" {
		t.Errorf("Expected the runtime in the body, got %v", body["runtime"])
	}

	finished := events[1]
	if finished.Type != EventTypeRunFinished {
		t.Errorf("Expected a run-finished event, got %q", finished.Type)
	}
	body = finished.Body.(map[string]interface{})
	if body["status"] != "finished" {
		t.Errorf("Expected the final status in the body, got %v", body["status"])
	}
	if body["duration"] != 1.5 {
		t.Errorf("Expected the duration in seconds, got %v", body["duration"])
	}
}

func TestSpanSubscriberLifecycle(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "trueup", "test", "test")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	sub := NewSpanSubscriber(context.Background(), tracer)

	chunk := &engine.Chunk{ID: "alpha", Name: "alpha", State: "cloud.instance", Fun: "present"}
	tag := engine.FuncTag(chunk)
	failed := false

	sub.Handle(Event{Type: EventTypeLowData, RunName: "deploy"})
	if sub.pass == nil {
		t.Fatal("Expected a pass span after low data")
	}

	sub.Handle(Event{Type: EventTypeChunk, Tag: tag, Body: chunk})
	if len(sub.open) != 1 {
		t.Fatalf("Expected 1 open chunk span, got %d", len(sub.open))
	}

	sub.Handle(Event{Type: EventTypeResult, Tag: tag, Body: &engine.Result{
		Tag:     tag,
		Result:  &failed,
		Comment: []string{"instance quota exceeded"},
	}})
	if len(sub.open) != 0 {
		t.Fatalf("Expected the result to close the span, got %d open", len(sub.open))
	}

	// A blocked chunk's result arrives without a prior chunk event.
	sub.Handle(Event{Type: EventTypeResult, Tag: "cloud.volume_|-beta_|-beta_|-present"})

	sub.Handle(Event{Type: EventTypeLowData, RunName: "deploy"})
	if sub.passNum != 2 {
		t.Errorf("Expected the second low data to open pass 2, got %d", sub.passNum)
	}

	sub.Close()
	if sub.pass != nil {
		t.Error("Expected Close to end the pass span")
	}
}
