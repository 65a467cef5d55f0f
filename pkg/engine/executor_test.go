package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// Mock event sink for testing
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Profile string
	Body    interface{}
	Tags    EventTags
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make([]recordedEvent, 0)}
}

func (s *recordingSink) Put(_ context.Context, profile string, body interface{}, tags EventTags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Profile: profile, Body: body, Tags: tags})
	return nil
}

func (s *recordingSink) byProfile(profile string) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedEvent, 0)
	for _, e := range s.events {
		if e.Profile == profile {
			out = append(out, e)
		}
	}
	return out
}

// Counting wrapper around an operation function
type countingFunc struct {
	mu    sync.Mutex
	calls int
	tags  []string
	fn    Function
}

func newCountingFunc(fn Function) *countingFunc {
	return &countingFunc{fn: fn}
}

func (c *countingFunc) Func() Function {
	return func(ctx context.Context, call *Call) (*ReturnValue, error) {
		c.mu.Lock()
		c.calls++
		c.tags = append(c.tags, call.Tag)
		c.mu.Unlock()
		return c.fn(ctx, call)
	}
}

func (c *countingFunc) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Mock chunk gate for testing
type denyGate struct {
	notes []string
	err   error
}

func (g *denyGate) Admit(context.Context, *Chunk) ([]string, error) {
	return g.notes, g.err
}

func okFunc(changes map[string]interface{}) Function {
	return func(_ context.Context, call *Call) (*ReturnValue, error) {
		ret := &ReturnValue{
			Result: truePtr(),
			NewState: map[string]interface{}{
				"name":        call.Chunk.Name,
				"resource_id": call.Chunk.Name + "-id",
			},
		}
		if changes != nil {
			ret.Changes = changes
		}
		return ret, nil
	}
}

func failFunc(comment string) Function {
	return func(context.Context, *Call) (*ReturnValue, error) {
		return &ReturnValue{Result: falsePtr(), Comment: []string{comment}}, nil
	}
}

func newTestRun(name string) *RunContext {
	return &RunContext{
		Name:     name,
		Runs:     NewRuns(),
		Managed:  NewMemState(),
		Registry: NewRegistry(),
		Events:   NopEvents{},
	}
}

func testChunk(state, id, fun string) *Chunk {
	return &Chunk{ID: id, Name: id, State: state, Fun: fun, Params: map[string]interface{}{}}
}

func TestRunSeqItem_DispatchesOnce(t *testing.T) {
	run := newTestRun("test")
	counting := newCountingFunc(okFunc(nil))
	run.Registry.RegisterState("test.thing", "present", counting.Func())
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if len(seq) != 1 {
		t.Fatalf("Expected 1 seq item, got %d", len(seq))
	}

	out, err := RunSeqItem(ctx, run, seq, seq[0])
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out.Stop {
		t.Error("Expected no stop")
	}
	if counting.count() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", counting.count())
	}

	rec := run.Runs.Get(out.Tag)
	if rec == nil {
		t.Fatal("Expected a recorded result")
	}
	if rec.Status != ExecCompleted {
		t.Errorf("Expected status completed, got %s", rec.Status)
	}
	if !rec.Succeeded() {
		t.Error("Expected success")
	}

	// A rebuilt sequence excludes recorded tags, so the chunk can never be
	// dispatched twice in one run.
	seq2 := BuildSeq(run, run.Low, run.Runs)
	if len(seq2) != 0 {
		t.Errorf("Expected empty second sequence, got %d items", len(seq2))
	}
	if counting.count() != 1 {
		t.Errorf("Expected dispatch count to stay 1, got %d", counting.count())
	}
}

func TestRunSeqItem_RequireGatesDispatch(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", failFunc("broken"))
	dependent := newCountingFunc(okFunc(nil))
	run.Registry.RegisterState("test.other", "present", dependent.Func())

	base := testChunk("test.thing", "base", "present")
	dep := testChunk("test.other", "dep", "present")
	dep.Requisites = map[RequisiteKind][]RequisiteRef{
		KindRequire: {{State: "test.thing", Name: "base"}},
	}
	run.Low = []*Chunk{base, dep}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if len(seq[1].Unmet) != 1 {
		t.Fatalf("Expected 1 unmet tag on the dependent, got %d", len(seq[1].Unmet))
	}
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error from the failing base, got: %v", err)
	}

	seq = BuildSeq(run, run.Low, run.Runs)
	if len(seq) != 1 {
		t.Fatalf("Expected only the dependent in the rebuilt sequence, got %d", len(seq))
	}
	if _, err := RunSeqItem(ctx, run, seq, seq[1]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if dependent.count() != 0 {
		t.Errorf("Expected dependent to never dispatch, got %d calls", dependent.count())
	}
	rec := run.Runs.Get(FuncTag(dep))
	if rec.Status != ExecBlocked {
		t.Errorf("Expected blocked status, got %s", rec.Status)
	}
	if !rec.Failed() {
		t.Error("Expected failed result")
	}
	want := "Requisite require test.thing:base failed: broken"
	if len(rec.Comment) == 0 || rec.Comment[0] != want {
		t.Errorf("Expected comment %q, got %v", want, rec.Comment)
	}
}

func TestRunSeqItem_FuncNotFound(t *testing.T) {
	run := newTestRun("test")
	sink := newRecordingSink()
	run.Events = sink
	run.Low = []*Chunk{testChunk("test.missing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rec := run.Runs.Get(FuncTag(run.Low[0]))
	if rec.Status != ExecBlocked {
		t.Errorf("Expected blocked status, got %s", rec.Status)
	}
	want := "Could not find function to enforce test.missing. Please make sure that the corresponding plugin is loaded."
	if len(rec.Comment) != 1 || rec.Comment[0] != want {
		t.Errorf("Expected comment %q, got %v", want, rec.Comment)
	}

	// The attempt finalizes before the chunk event would have been published.
	if n := len(sink.byProfile(ProfileChunk)); n != 0 {
		t.Errorf("Expected no state-chunk event, got %d", n)
	}
	if n := len(sink.byProfile(ProfileRun)); n != 1 {
		t.Errorf("Expected 1 state-result event, got %d", n)
	}
}

func TestRunSeqItem_OperationErrorPropagates(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", func(context.Context, *Call) (*ReturnValue, error) {
		return nil, errors.New("backend exploded")
	})
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	_, err := RunSeqItem(ctx, run, seq, seq[0])
	if err == nil {
		t.Fatal("Expected the operation error to propagate, got nil")
	}
	if !strings.Contains(err.Error(), "backend exploded") {
		t.Errorf("Expected wrapped operation error, got: %v", err)
	}

	rec := run.Runs.Get(FuncTag(run.Low[0]))
	if rec.Status != ExecDispatched {
		t.Errorf("Expected the record to stay dispatched, got %s", rec.Status)
	}
}

func TestRunSeqItem_PanicBecomesError(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", func(context.Context, *Call) (*ReturnValue, error) {
		panic("plugin bug")
	})
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	_, err := RunSeqItem(ctx, run, seq, seq[0])
	if err == nil {
		t.Fatal("Expected an error from the panicking operation, got nil")
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Expected panic to convert to an error, got: %v", err)
	}
}

func TestRunSeqItem_NilReturnIsError(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", func(context.Context, *Call) (*ReturnValue, error) {
		return nil, nil
	})
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err == nil {
		t.Fatal("Expected an error for a nil return, got nil")
	}
}

func TestRunSeqItem_PersistsEnforcedState(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	chunk := testChunk("test.thing", "alpha", "present")
	run.Low = []*Chunk{chunk}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	state, ok := run.Managed.Get(ESMTag(chunk))
	if !ok {
		t.Fatal("Expected an enforced-state entry after a successful run")
	}
	if state["resource_id"] != "alpha-id" {
		t.Errorf("Expected stored resource_id 'alpha-id', got %v", state["resource_id"])
	}
}

func TestRunSeqItem_TestModeSkipsEnforcedWrite(t *testing.T) {
	run := newTestRun("test")
	run.Test = true
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	chunk := testChunk("test.thing", "alpha", "present")
	run.Low = []*Chunk{chunk}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, ok := run.Managed.Get(ESMTag(chunk)); ok {
		t.Error("Expected no enforced-state write in test mode")
	}
}

func TestRunSeqItem_RefreshWritesEnforcedState(t *testing.T) {
	run := newTestRun("test")
	run.Test = true
	run.Refresh = true
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	chunk := testChunk("test.thing", "alpha", "present")
	run.Low = []*Chunk{chunk}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, ok := run.Managed.Get(ESMTag(chunk)); !ok {
		t.Error("Expected an enforced-state write on a refresh run")
	}
}

func TestRunSeqItem_SuccessWithoutNewStateDeletesEntry(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "absent", func(context.Context, *Call) (*ReturnValue, error) {
		return &ReturnValue{Result: truePtr(), Comment: []string{"Deleted 'test.thing:alpha'"}}, nil
	})
	chunk := testChunk("test.thing", "alpha", "absent")
	run.Low = []*Chunk{chunk}
	run.Managed.Set(ESMTag(chunk), map[string]interface{}{"resource_id": "alpha-id"})

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, ok := run.Managed.Get(ESMTag(chunk)); ok {
		t.Error("Expected the enforced-state entry to be removed after deletion")
	}
}

func TestRunSeqItem_HaltedChunkReportsRecreation(t *testing.T) {
	run := newTestRun("test")
	counting := newCountingFunc(okFunc(nil))
	run.Registry.RegisterState("test.thing", "present", counting.Func())
	chunk := testChunk("test.thing", "alpha", "present")
	chunk.HaltCurrentExecution = true
	run.Low = []*Chunk{chunk}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if counting.count() != 0 {
		t.Errorf("Expected no dispatch for a halted chunk, got %d", counting.count())
	}
	rec := run.Runs.Get(FuncTag(chunk))
	if !rec.Succeeded() {
		t.Error("Expected a halted chunk to record success")
	}
	want := "The resource alpha will be recreated."
	if len(rec.Comment) != 1 || rec.Comment[0] != want {
		t.Errorf("Expected comment %q, got %v", want, rec.Comment)
	}
}

func TestRunSeqItem_GateBlocksChunk(t *testing.T) {
	run := newTestRun("test")
	counting := newCountingFunc(okFunc(nil))
	run.Registry.RegisterState("test.thing", "present", counting.Func())
	run.Gate = &denyGate{err: errors.New("protected resource, deletion denied")}
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if counting.count() != 0 {
		t.Errorf("Expected no dispatch through a closed gate, got %d", counting.count())
	}
	rec := run.Runs.Get(FuncTag(run.Low[0]))
	if rec.Status != ExecBlocked {
		t.Errorf("Expected blocked status, got %s", rec.Status)
	}
	if len(rec.Comment) != 1 || !strings.Contains(rec.Comment[0], "deletion denied") {
		t.Errorf("Expected the gate error as comment, got %v", rec.Comment)
	}
}

func TestRunSeqItem_GateNotesReachResult(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	run.Gate = &denyGate{notes: []string{"name does not follow the team convention"}}
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rec := run.Runs.Get(FuncTag(run.Low[0]))
	if !rec.Succeeded() {
		t.Fatalf("Expected an admitted chunk to succeed, got %+v", rec)
	}
	found := false
	for _, c := range rec.Comment {
		if strings.Contains(c, "team convention") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the gate note in comments, got %v", rec.Comment)
	}
}

func TestRunSeqItem_ChunkModHookRewritesParams(t *testing.T) {
	run := newTestRun("test")
	var got interface{}
	run.Registry.RegisterState("test.thing", "present", func(_ context.Context, call *Call) (*ReturnValue, error) {
		got = call.Params["injected"]
		return &ReturnValue{Result: truePtr()}, nil
	})
	run.ChunkMod = func(_ context.Context, _ *RunContext, chunk *Chunk) error {
		chunk.Params["injected"] = "by-hook"
		return nil
	}
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "by-hook" {
		t.Errorf("Expected the hook rewrite to reach the call, got %v", got)
	}
	// The hook works on the per-attempt copy, never the compiled chunk.
	if _, ok := run.Low[0].Params["injected"]; ok {
		t.Error("Expected the compiled chunk to stay untouched")
	}
}

func TestRunSeqItem_ChunkModHookErrorPropagates(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	run.ChunkMod = func(context.Context, *RunContext, *Chunk) error {
		return errors.New("policy engine unavailable")
	}
	run.Low = []*Chunk{testChunk("test.thing", "alpha", "present")}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	_, err := RunSeqItem(ctx, run, seq, seq[0])
	if err == nil {
		t.Fatal("Expected the hook error to propagate, got nil")
	}
	if !strings.Contains(err.Error(), "policy engine unavailable") {
		t.Errorf("Expected wrapped hook error, got: %v", err)
	}
}

func TestRunSeqItem_WatchTriggersModWatch(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", okFunc(map[string]interface{}{
		"new": map[string]interface{}{"size": "large"},
	}))
	present := newCountingFunc(okFunc(nil))
	watcher := newCountingFunc(func(context.Context, *Call) (*ReturnValue, error) {
		return &ReturnValue{Result: truePtr(), Comment: []string{"service restarted"}}, nil
	})
	run.Registry.RegisterState("test.service", "present", present.Func())
	run.Registry.RegisterState("test.service", "mod_watch", watcher.Func())

	base := testChunk("test.thing", "base", "present")
	svc := testChunk("test.service", "svc", "present")
	svc.Requisites = map[RequisiteKind][]RequisiteRef{
		KindWatch: {{State: "test.thing", Name: "base"}},
	}
	run.Low = []*Chunk{base, svc}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	seq = BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[1]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if present.count() != 0 {
		t.Errorf("Expected present to be displaced by mod_watch, got %d calls", present.count())
	}
	if watcher.count() != 1 {
		t.Errorf("Expected 1 mod_watch call, got %d", watcher.count())
	}
	rec := run.Runs.Get(FuncTag(svc))
	if rec.Ref != "states.test.service.mod_watch" {
		t.Errorf("Expected the mod_watch ref on the record, got %s", rec.Ref)
	}
}

func TestRunSeqItem_PostHookThreadsReturn(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	run.Registry.RegisterState("test.other", "present", okFunc(nil))

	handlers := DefaultRequisiteHandlers()
	custom := RequisiteKind("custom")
	handlers[custom] = func(_ context.Context, _ *RunContext, _ *Chunk, _ ReqRet) RuleData {
		return RuleData{Post: []PostHook{
			func(_ *Call, ret *ReturnValue) (*ReturnValue, error) {
				next := *ret
				next.Comment = append(append([]string{}, ret.Comment...), "post processed")
				return &next, nil
			},
		}}
	}
	run.Handlers = handlers

	base := testChunk("test.thing", "base", "present")
	dep := testChunk("test.other", "dep", "present")
	dep.Requisites = map[RequisiteKind][]RequisiteRef{
		custom: {{State: "test.thing", Name: "base"}},
	}
	run.Low = []*Chunk{base, dep}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	seq = BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[1]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rec := run.Runs.Get(FuncTag(dep))
	found := false
	for _, c := range rec.Comment {
		if c == "post processed" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the post hook comment on the record, got %v", rec.Comment)
	}
}

func TestRunSeqItem_UnregisteredRequisiteKindSkipped(t *testing.T) {
	run := newTestRun("test")
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))
	counting := newCountingFunc(okFunc(nil))
	run.Registry.RegisterState("test.other", "present", counting.Func())

	base := testChunk("test.thing", "base", "present")
	dep := testChunk("test.other", "dep", "present")
	dep.Requisites = map[RequisiteKind][]RequisiteRef{
		RequisiteKind("frobnicate"): {{State: "test.thing", Name: "base"}},
	}
	run.Low = []*Chunk{base, dep}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	seq = BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[1]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if counting.count() != 1 {
		t.Errorf("Expected the chunk to dispatch despite the unknown kind, got %d calls", counting.count())
	}
	if !run.Runs.Get(FuncTag(dep)).Succeeded() {
		t.Error("Expected success with the unknown kind skipped")
	}
}

func TestRunSeqItem_SensitiveParamsMaskedInEvents(t *testing.T) {
	run := newTestRun("test")
	sink := newRecordingSink()
	run.Events = sink
	run.Registry.RegisterState("test.thing", "present", okFunc(nil))

	chunk := testChunk("test.thing", "alpha", "present")
	chunk.Params["password"] = "hunter2"
	chunk.Sensitive = []string{"password"}
	run.Low = []*Chunk{chunk}

	ctx := context.Background()
	seq := BuildSeq(run, run.Low, run.Runs)
	if _, err := RunSeqItem(ctx, run, seq, seq[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	chunkEvents := sink.byProfile(ProfileChunk)
	if len(chunkEvents) != 1 {
		t.Fatalf("Expected 1 state-chunk event, got %d", len(chunkEvents))
	}
	published, ok := chunkEvents[0].Body.(*Chunk)
	if !ok {
		t.Fatalf("Expected a chunk body, got %T", chunkEvents[0].Body)
	}
	if published.Params["password"] != SensitiveMask {
		t.Errorf("Expected masked password, got %v", published.Params["password"])
	}
	// The original declaration keeps the real value.
	if chunk.Params["password"] != "hunter2" {
		t.Errorf("Expected the declaration to keep its value, got %v", chunk.Params["password"])
	}
}
