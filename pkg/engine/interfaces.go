package engine

import (
	"context"
	"sync"
)

// ManagedState is the run's live view of the enforced-state store. The store
// backend loads it when the run acquires the state lock and persists it when
// the run releases the lock; during the run it behaves like a map.
// Implementations must be safe for concurrent use: parallel waves write
// different tags from different goroutines.
type ManagedState interface {
	// Get returns the enforced state recorded under tag.
	Get(tag string) (map[string]interface{}, bool)

	// Set records state under tag, replacing any previous entry.
	Set(tag string, state map[string]interface{})

	// Delete removes the entry recorded under tag, if present.
	Delete(tag string)

	// Tags returns every recorded tag in unspecified order.
	Tags() []string
}

// EventTags annotates an emitted event.
type EventTags struct {
	// Ref is the full reference of the operation function, when resolved.
	Ref string `json:"ref,omitempty"`

	// Type names the event: "state-chunk", "state-result", "state-low-data"
	// or "state-status".
	Type string `json:"type"`

	// AcctDetails is opaque account context; only result events carry it.
	AcctDetails map[string]interface{} `json:"acct_details,omitempty"`
}

// EventSink receives run notifications. Implementations must not block the
// executor; slow consumers drop or buffer on their side.
type EventSink interface {
	// Put publishes body on the named profile.
	Put(ctx context.Context, profile string, body interface{}, tags EventTags) error
}

// ChunkGate admits or rejects a chunk immediately before dispatch. A nil
// error admits the chunk; any error blocks it with the error text as the
// recorded comment. Notes are attached to the result's comments whether the
// chunk was admitted or not.
type ChunkGate interface {
	// Admit decides whether the chunk may execute.
	Admit(ctx context.Context, chunk *Chunk) (notes []string, err error)
}

// Function enforces one operation of a resource type. A nil ReturnValue with
// a nil error is treated as an internal failure of the implementation.
type Function func(ctx context.Context, call *Call) (*ReturnValue, error)

// RequisiteHandler evaluates one requisite edge against the referenced
// chunk's recorded result and reports whether the dependent chunk may
// proceed. Handlers never mutate the referenced result; parameter rewrites
// target the dependent chunk's working copy only.
type RequisiteHandler func(ctx context.Context, run *RunContext, chunk *Chunk, edge ReqRet) RuleData

// MemState is a map-backed ManagedState for runs without a persistent store
// and for tests.
type MemState struct {
	mu      sync.RWMutex
	entries map[string]map[string]interface{}
}

// NewMemState returns an empty in-memory managed state.
func NewMemState() *MemState {
	return &MemState{entries: make(map[string]map[string]interface{})}
}

// Get returns the enforced state recorded under tag.
func (m *MemState) Get(tag string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.entries[tag]
	return state, ok
}

// Set records state under tag.
func (m *MemState) Set(tag string, state map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tag] = state
}

// Delete removes the entry recorded under tag.
func (m *MemState) Delete(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, tag)
}

// Tags returns every recorded tag.
func (m *MemState) Tags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.entries))
	for tag := range m.entries {
		tags = append(tags, tag)
	}
	return tags
}
