package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"
)

// MemoryStore implements the Store interface with mutex-guarded maps. It
// backs tests and runs that opt out of persistence.
type MemoryStore struct {
	mu           sync.RWMutex
	states       map[string]map[string]interface{}
	runs         map[string]*RunRecord
	results      map[string][]*ResultRecord
	nextResultID int64
	events       []*EventRecord
	nextEventID  int64
	locks        map[string]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]map[string]interface{}),
		runs:    make(map[string]*RunRecord),
		results: make(map[string][]*ResultRecord),
		locks:   make(map[string]int),
	}
}

// Init is a no-op; the constructor allocates everything.
func (m *MemoryStore) Init(_ context.Context) error { return nil }

// Migrate is a no-op; an in-memory store is always at StoreVersion.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// GetState returns the enforced state recorded under tag, or nil when no
// state is recorded.
func (m *MemoryStore) GetState(_ context.Context, tag string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[tag]
	if !ok {
		return nil, nil
	}
	return copyState(state), nil
}

// SetState records state under tag, replacing any previous entry.
func (m *MemoryStore) SetState(_ context.Context, tag string, state map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[tag] = copyState(state)
	return nil
}

// DeleteState removes the entry recorded under tag, if present.
func (m *MemoryStore) DeleteState(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, tag)
	return nil
}

// ListStates returns every recorded state keyed by tag.
func (m *MemoryStore) ListStates(_ context.Context) (map[string]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(m.states))
	for tag, state := range m.states {
		out[tag] = copyState(state)
	}
	return out, nil
}

// SaveRun inserts a run record or replaces the stored record with the
// same ID.
func (m *MemoryStore) SaveRun(_ context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[run.ID] = &clone
	return nil
}

// GetRun retrieves a run record by ID.
func (m *MemoryStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	clone := *run
	return &clone, nil
}

// ListRuns lists run records newest first, filtered by run name when name
// is non-empty.
func (m *MemoryStore) ListRuns(_ context.Context, name string, limit, offset int) ([]*RunRecord, error) {
	m.mu.RLock()
	matched := []*RunRecord{}
	for _, run := range m.runs {
		if name != "" && run.Name != name {
			continue
		}
		clone := *run
		matched = append(matched, &clone)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if offset >= len(matched) {
		return []*RunRecord{}, nil
	}
	matched = matched[offset:]
	if limit >= 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// SaveResult appends a result record for a run.
func (m *MemoryStore) SaveResult(_ context.Context, rec *ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextResultID++
	rec.ID = m.nextResultID
	clone := *rec
	m.results[rec.RunID] = append(m.results[rec.RunID], &clone)
	return nil
}

// ListResults lists the result records of a run in insertion order.
func (m *MemoryStore) ListResults(_ context.Context, runID string) ([]*ResultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.results[runID]
	out := make([]*ResultRecord, 0, len(records))
	for _, rec := range records {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

// AppendEvent appends an event to the log.
func (m *MemoryStore) AppendEvent(_ context.Context, ev *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	clone := *ev
	m.events = append(m.events, &clone)
	return nil
}

// ListEvents lists events oldest first, filtered by run ID when runID is
// non-empty.
func (m *MemoryStore) ListEvents(_ context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	m.mu.RLock()
	matched := []*EventRecord{}
	for _, ev := range m.events {
		if runID != "" && (ev.RunID == nil || *ev.RunID != runID) {
			continue
		}
		clone := *ev
		matched = append(matched, &clone)
	}
	m.mu.RUnlock()

	if offset >= len(matched) {
		return []*EventRecord{}, nil
	}
	matched = matched[offset:]
	if limit >= 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// AcquireLock claims the run lock for runName on behalf of pid. A live
// holder blocks the claim; a holder whose process is gone is replaced.
func (m *MemoryStore) AcquireLock(_ context.Context, runName string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.locks[runName]; ok {
		if holder <= 0 {
			log.Warn().Str("run_name", runName).Int("pid", holder).Msg("ignoring invalid lock holder")
		} else if pidAlive(holder) {
			return engine.NewPermanentError(
				fmt.Sprintf("run %q is already active in process: %d", runName, holder), nil).
				WithCode(engine.ErrCodeStoreLocked)
		}
	}
	m.locks[runName] = pid
	return nil
}

// ReleaseLock drops the run lock for runName. Releasing a lock that is
// not held is not an error.
func (m *MemoryStore) ReleaseLock(_ context.Context, runName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, runName)
	return nil
}

// HealthCheck always succeeds for an in-memory store.
func (m *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// copyState deep-copies a state mapping so stored entries and caller
// copies never alias.
func copyState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return nil
	}
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = copyStateValue(v)
	}
	return out
}

func copyStateValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyState(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyStateValue(e)
		}
		return out
	default:
		return v
	}
}
