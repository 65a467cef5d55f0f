package engine

import (
	"sync"
)

// Runs is the live result table of a run, keyed by function tag. It is safe
// for concurrent use; the executor guarantees at most one writer per tag at
// a time, so readers always observe a fully formed record.
type Runs struct {
	mu      sync.RWMutex
	records map[string]*Result
}

// NewRuns returns an empty result table.
func NewRuns() *Runs {
	return &Runs{records: make(map[string]*Result)}
}

// Get returns the record for tag, or nil when the tag has not executed.
func (r *Runs) Get(tag string) *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[tag]
}

// Has reports whether a record exists for tag.
func (r *Runs) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[tag]
	return ok
}

// Set replaces the record for res.Tag.
func (r *Runs) Set(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[res.Tag] = res
}

// Delete removes the record for tag, if present.
func (r *Runs) Delete(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, tag)
}

// Len returns the number of recorded results.
func (r *Runs) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Tags returns the recorded tags in unspecified order.
func (r *Runs) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.records))
	for tag := range r.records {
		tags = append(tags, tag)
	}
	return tags
}

// Snapshot returns the current records in a plain map. The records are
// shared, not copied; callers that mutate must Clone first.
func (r *Runs) Snapshot() map[string]*Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Result, len(r.records))
	for tag, res := range r.records {
		out[tag] = res
	}
	return out
}

// CloneAll returns a deep copy of every record, keyed by tag.
func (r *Runs) CloneAll() map[string]*Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Result, len(r.records))
	for tag, res := range r.records {
		out[tag] = res.Clone()
	}
	return out
}

// Restore replaces the whole table with the given records.
func (r *Runs) Restore(records map[string]*Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Result, len(records))
	for tag, res := range records {
		r.records[tag] = res
	}
}
