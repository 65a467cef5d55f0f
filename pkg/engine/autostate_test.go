package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// Mock CRUD tool set backing the synthesized operations
type mockTools struct {
	mu      sync.Mutex
	gets    int
	creates int
	updates int
	deletes int
	remote  map[string]interface{}
	listed  interface{}
}

func newMockTools(remote map[string]interface{}) *mockTools {
	return &mockTools{remote: remote}
}

func (m *mockTools) tools() *AutoStateTools {
	return &AutoStateTools{
		Get: func(_ context.Context, _ *ExecCall) (*ExecReturn, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.gets++
			if m.remote == nil {
				return &ExecReturn{Result: true}, nil
			}
			return &ExecReturn{Result: true, Ret: deepCopyMap(m.remote)}, nil
		},
		Create: func(_ context.Context, call *ExecCall) (*ExecReturn, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.creates++
			m.remote = deepCopyMap(call.Params)
			m.remote["resource_id"] = "box-1"
			return &ExecReturn{Result: true, Ret: deepCopyMap(m.remote)}, nil
		},
		Update: func(_ context.Context, call *ExecCall) (*ExecReturn, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.updates++
			for k, v := range call.Params {
				if v != nil {
					m.remote[k] = v
				}
			}
			return &ExecReturn{Result: true, Ret: deepCopyMap(m.remote)}, nil
		},
		Delete: func(_ context.Context, _ *ExecCall) (*ExecReturn, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.deletes++
			m.remote = nil
			return &ExecReturn{Result: true}, nil
		},
		List: func(_ context.Context, _ *ExecCall) (*ExecReturn, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return &ExecReturn{Result: true, Ret: m.listed}, nil
		},
		CreateParams: []string{"name", "size"},
	}
}

func (m *mockTools) counts() (gets, creates, updates, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.creates, m.updates, m.deletes
}

func autoCall(run *RunContext, fun string, params map[string]interface{}, test bool) *Call {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Call{
		Run:    run,
		Chunk:  &Chunk{ID: "alpha", Name: "alpha", State: "test.box", Fun: fun},
		Params: params,
		Test:   test,
	}
}

func hasComment(comments []string, want string) bool {
	for _, c := range comments {
		if c == want {
			return true
		}
	}
	return false
}

func TestAutoPresent_CreatesWhenMissing(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(nil)
	fn := autoPresent(mock.tools())

	ret, err := fn(context.Background(), autoCall(run, "present", map[string]interface{}{"size": "small"}, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !ret.Succeeded() {
		t.Fatalf("Expected success, got %v", ret.Result)
	}
	if !hasComment(ret.Comment, "Created 'test.box:alpha'") {
		t.Errorf("Expected the created comment, got %v", ret.Comment)
	}
	gets, creates, updates, _ := mock.counts()
	if creates != 1 || updates != 0 {
		t.Errorf("Expected exactly one create, got creates=%d updates=%d", creates, updates)
	}
	if gets != 1 {
		t.Errorf("Expected one observation after the create, got %d", gets)
	}
	state, ok := ret.NewState.(map[string]interface{})
	if !ok || state["resource_id"] != "box-1" {
		t.Errorf("Expected the observed new state, got %v", ret.NewState)
	}
	if len(ret.Changes) == 0 {
		t.Error("Expected creation changes")
	}
}

func TestAutoPresent_TestModeWouldCreate(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(nil)
	fn := autoPresent(mock.tools())

	ret, err := fn(context.Background(), autoCall(run, "present", map[string]interface{}{"size": "small"}, true))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "Would create test.box:alpha") {
		t.Errorf("Expected the dry-run comment, got %v", ret.Comment)
	}
	if _, creates, _, _ := mock.counts(); creates != 0 {
		t.Errorf("Expected no create in test mode, got %d", creates)
	}
	state, ok := ret.NewState.(map[string]interface{})
	if !ok || state["size"] != "small" || state["name"] != "alpha" {
		t.Errorf("Expected the declared target as new state, got %v", ret.NewState)
	}
}

func TestAutoPresent_UpdatesExisting(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(map[string]interface{}{
		"name": "alpha", "size": "small", "resource_id": "box-1",
	})
	fn := autoPresent(mock.tools())

	params := map[string]interface{}{"size": "large", "resource_id": "box-1"}
	ret, err := fn(context.Background(), autoCall(run, "present", params, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "'test.box:alpha' already exists") {
		t.Errorf("Expected the exists comment, got %v", ret.Comment)
	}
	if !hasComment(ret.Comment, "Updated 'test.box:alpha'") {
		t.Errorf("Expected the updated comment, got %v", ret.Comment)
	}
	gets, creates, updates, _ := mock.counts()
	if creates != 0 || updates != 1 || gets != 2 {
		t.Errorf("Expected observe/update/observe, got gets=%d creates=%d updates=%d", gets, creates, updates)
	}
	newSide, ok := ret.Changes["new"].(map[string]interface{})
	if !ok || newSide["size"] != "large" {
		t.Errorf("Expected the size change, got %v", ret.Changes)
	}
	if ret.OldState == nil {
		t.Error("Expected the prior observation as old state")
	}
}

func TestAutoPresent_TestModeWouldUpdate(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(map[string]interface{}{
		"name": "alpha", "size": "small", "resource_id": "box-1",
	})
	fn := autoPresent(mock.tools())

	params := map[string]interface{}{"size": "large", "resource_id": "box-1"}
	ret, err := fn(context.Background(), autoCall(run, "present", params, true))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "Would update test.box:alpha") {
		t.Errorf("Expected the dry-run comment, got %v", ret.Comment)
	}
	if _, _, updates, _ := mock.counts(); updates != 0 {
		t.Errorf("Expected no update in test mode, got %d", updates)
	}
	if len(ret.Changes) == 0 {
		t.Error("Expected pending changes in the dry run")
	}
}

func TestAutoPresent_NoDriftStaysQuiet(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(map[string]interface{}{
		"name": "alpha", "size": "small", "resource_id": "box-1",
	})
	fn := autoPresent(mock.tools())

	params := map[string]interface{}{"size": "small", "resource_id": "box-1"}
	ret, err := fn(context.Background(), autoCall(run, "present", params, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ret.Changes) != 0 {
		t.Errorf("Expected no changes, got %v", ret.Changes)
	}
	if hasComment(ret.Comment, "Updated 'test.box:alpha'") {
		t.Errorf("Expected no updated comment without drift, got %v", ret.Comment)
	}
}

func TestAutoAbsent_AlreadyAbsent(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(nil)
	fn := autoAbsent(mock.tools())

	ret, err := fn(context.Background(), autoCall(run, "absent", nil, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "'test.box:alpha' already absent") {
		t.Errorf("Expected the absent comment, got %v", ret.Comment)
	}
	if gets, _, _, deletes := mock.counts(); gets != 0 || deletes != 0 {
		t.Errorf("Expected no tool calls without an identity, got gets=%d deletes=%d", gets, deletes)
	}
}

func TestAutoAbsent_DeletesExisting(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(map[string]interface{}{
		"name": "alpha", "resource_id": "box-1",
	})
	fn := autoAbsent(mock.tools())

	params := map[string]interface{}{"resource_id": "box-1"}
	ret, err := fn(context.Background(), autoCall(run, "absent", params, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "Deleted 'test.box:alpha'") {
		t.Errorf("Expected the deleted comment, got %v", ret.Comment)
	}
	if _, _, _, deletes := mock.counts(); deletes != 1 {
		t.Errorf("Expected one delete, got %d", deletes)
	}
	if ret.OldState == nil {
		t.Error("Expected the prior observation as old state")
	}
	if len(ret.Changes) == 0 {
		t.Error("Expected deletion changes")
	}
	if ret.NewState != nil {
		t.Error("Expected no new state after deletion")
	}
}

func TestAutoAbsent_TestModeWouldDelete(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(map[string]interface{}{
		"name": "alpha", "resource_id": "box-1",
	})
	fn := autoAbsent(mock.tools())

	params := map[string]interface{}{"resource_id": "box-1"}
	ret, err := fn(context.Background(), autoCall(run, "absent", params, true))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "Would delete test.box:alpha") {
		t.Errorf("Expected the dry-run comment, got %v", ret.Comment)
	}
	if _, _, _, deletes := mock.counts(); deletes != 0 {
		t.Errorf("Expected no delete in test mode, got %d", deletes)
	}
}

func TestAutoAbsent_GoneRemotely(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(nil)
	fn := autoAbsent(mock.tools())

	params := map[string]interface{}{"resource_id": "box-1"}
	ret, err := fn(context.Background(), autoCall(run, "absent", params, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !hasComment(ret.Comment, "'test.box:alpha' already absent") {
		t.Errorf("Expected the absent comment, got %v", ret.Comment)
	}
	if _, _, _, deletes := mock.counts(); deletes != 0 {
		t.Errorf("Expected no delete for a vanished resource, got %d", deletes)
	}
}

func TestAutoDescribe_FiltersToCreateParams(t *testing.T) {
	run := newTestRun("test")
	mock := newMockTools(nil)
	mock.listed = []interface{}{
		map[string]interface{}{"name": "a", "size": "small", "internal_token": "x"},
	}
	fn := autoDescribe("test.box", mock.tools())

	ret, err := fn(context.Background(), autoCall(run, "describe", nil, false))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	decls, ok := ret.NewState.(map[string]interface{})
	if !ok || len(decls) != 1 {
		t.Fatalf("Expected one declaration, got %v", ret.NewState)
	}
	for key, body := range decls {
		if !strings.HasPrefix(key, "a-") {
			t.Errorf("Expected the resource name to prefix the key, got %s", key)
		}
		block, ok := body.(map[string]interface{})
		if !ok {
			t.Fatalf("Expected a declaration block, got %T", body)
		}
		params, ok := block["test.box.present"].([]interface{})
		if !ok {
			t.Fatalf("Expected a present parameter list, got %v", block)
		}
		if len(params) != 2 {
			t.Errorf("Expected only create parameters, got %v", params)
		}
		for _, p := range params {
			m := p.(map[string]interface{})
			if _, leak := m["internal_token"]; leak {
				t.Error("Expected non-create parameters to be filtered out")
			}
		}
	}
}
