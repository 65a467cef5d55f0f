package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trueup-io/trueup/pkg/engine"
)

// StoreVersion is the enforced-state format version this build reads and
// writes. Opening a store stamped with a newer version fails; an older
// version is re-stamped after migrations when Config.Upgrade is set.
const StoreVersion = "1.0.0"

// RunRecord is one persisted orchestrator run.
type RunRecord struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Runtime     string           `json:"runtime"`
	Status      engine.RunStatus `json:"status"`
	Test        bool             `json:"test"`
	ReRuns      int              `json:"re_runs"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ResultRecord is one persisted chunk result. Queryable fields are
// flattened into columns; comment, changes and the observed states are
// kept as JSON blobs.
type ResultRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Tag          string    `json:"tag"`
	Name         string    `json:"name"`
	RunNum       int       `json:"run_num"`
	Succeeded    *bool     `json:"succeeded"` // nil when undetermined
	Comment      string    `json:"comment"`   // JSON array
	Changes      string    `json:"changes"`   // JSON object
	OldState     *string   `json:"old_state,omitempty"`
	NewState     *string   `json:"new_state,omitempty"`
	StartTime    time.Time `json:"start_time"`
	TotalSeconds float64   `json:"total_seconds"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventRecord is one persisted run notification.
type EventRecord struct {
	ID        int64     `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Profile   string    `json:"profile"`
	Type      string    `json:"type"`
	Ref       string    `json:"ref,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Body      *string   `json:"body,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// NewResultRecord flattens an executor result for storage under the given
// run.
func NewResultRecord(runID string, res *engine.Result) (*ResultRecord, error) {
	comment, err := json.Marshal(res.Comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode comment: %w", err)
	}
	changes := res.Changes
	if changes == nil {
		changes = map[string]interface{}{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}
	rec := &ResultRecord{
		RunID:        runID,
		Tag:          res.Tag,
		Name:         res.Name,
		RunNum:       res.RunNum,
		Comment:      string(comment),
		Changes:      string(changesJSON),
		StartTime:    res.StartTime,
		TotalSeconds: res.TotalSeconds,
		CreatedAt:    time.Now(),
	}
	if res.Result != nil {
		v := *res.Result
		rec.Succeeded = &v
	}
	if res.OldState != nil {
		blob, err := json.Marshal(res.OldState)
		if err != nil {
			return nil, fmt.Errorf("failed to encode old_state: %w", err)
		}
		s := string(blob)
		rec.OldState = &s
	}
	if res.NewState != nil {
		blob, err := json.Marshal(res.NewState)
		if err != nil {
			return nil, fmt.Errorf("failed to encode new_state: %w", err)
		}
		s := string(blob)
		rec.NewState = &s
	}
	return rec, nil
}

// Decode rebuilds an executor result from the stored columns. Transient
// fields that storage drops, such as rerun data, come back zero.
func (r *ResultRecord) Decode() (*engine.Result, error) {
	res := &engine.Result{
		Tag:          r.Tag,
		Name:         r.Name,
		RunNum:       r.RunNum,
		StartTime:    r.StartTime,
		TotalSeconds: r.TotalSeconds,
	}
	if r.Succeeded != nil {
		v := *r.Succeeded
		res.Result = &v
	}
	if r.Comment != "" {
		if err := json.Unmarshal([]byte(r.Comment), &res.Comment); err != nil {
			return nil, fmt.Errorf("failed to decode comment: %w", err)
		}
	}
	if r.Changes != "" {
		if err := json.Unmarshal([]byte(r.Changes), &res.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes: %w", err)
		}
	}
	if r.OldState != nil {
		if err := json.Unmarshal([]byte(*r.OldState), &res.OldState); err != nil {
			return nil, fmt.Errorf("failed to decode old_state: %w", err)
		}
	}
	if r.NewState != nil {
		if err := json.Unmarshal([]byte(*r.NewState), &res.NewState); err != nil {
			return nil, fmt.Errorf("failed to decode new_state: %w", err)
		}
	}
	return res, nil
}

// Store defines the persistence boundary for enforced state, run history,
// per-tag results, events and run locking. Transaction handling stays
// inside the implementations so the in-memory backend can satisfy the
// same contract.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Enforced state, keyed by ESM tag. GetState returns nil without an
	// error when no state is recorded; DeleteState of an absent tag is
	// not an error.
	GetState(ctx context.Context, tag string) (map[string]interface{}, error)
	SetState(ctx context.Context, tag string, state map[string]interface{}) error
	DeleteState(ctx context.Context, tag string) error
	ListStates(ctx context.Context) (map[string]map[string]interface{}, error)

	// Run records. SaveRun inserts or replaces by ID; ListRuns filters by
	// run name when name is non-empty, newest first.
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, name string, limit, offset int) ([]*RunRecord, error)

	// Per-tag results, in insertion order within a run.
	SaveResult(ctx context.Context, rec *ResultRecord) error
	ListResults(ctx context.Context, runID string) ([]*ResultRecord, error)

	// Event log. ListEvents filters by run ID when runID is non-empty,
	// oldest first.
	AppendEvent(ctx context.Context, ev *EventRecord) error
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error)

	// Run locking: one active holder per run name. A holder whose process
	// is gone is stale and may be replaced.
	AcquireLock(ctx context.Context, runName string, pid int) error
	ReleaseLock(ctx context.Context, runName string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
