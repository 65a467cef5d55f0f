package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunFinished || s == RunCompileError || s == RunRuntimeError
}

// IsActive returns true if the run is still progressing.
func (s RunStatus) IsActive() bool {
	return s == RunCreated || s == RunGathering || s == RunCompiling || s == RunRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunCreated, RunGathering, RunCompiling, RunRunning,
		RunFinished, RunCompileError, RunRuntimeError:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// IsTerminal returns true if the attempt reached a final executor state.
func (s ExecStatus) IsTerminal() bool {
	return s == ExecBlocked || s == ExecCompleted
}

// Validate checks if the executor status is valid.
func (s ExecStatus) Validate() error {
	switch s {
	case ExecCreated, ExecRequisitesChecked, ExecBlocked, ExecDispatched, ExecCompleted:
		return nil
	default:
		return fmt.Errorf("invalid executor status: %s", s)
	}
}

// RunReport summarizes the recorded outcomes of a run.
type RunReport struct {
	// Name is the run name.
	Name string `json:"name"`

	// RunNum is the orchestrator pass the report covers.
	RunNum int `json:"run_num"`

	// Status is the run lifecycle status at report time.
	Status RunStatus `json:"status"`

	// Total is the number of recorded declarations.
	Total int `json:"total"`

	// Succeeded counts declarations with a true result.
	Succeeded int `json:"succeeded"`

	// Failed counts declarations with a false result.
	Failed int `json:"failed"`

	// Undetermined counts declarations without a result.
	Undetermined int `json:"undetermined"`

	// Changed counts declarations that reported changes.
	Changed int `json:"changed"`

	// TotalSeconds sums the execution time of every declaration.
	TotalSeconds float64 `json:"total_seconds"`

	// FailedTags lists the tags of failed declarations, sorted.
	FailedTags []string `json:"failed_tags,omitempty"`
}

// AllSucceeded reports whether every recorded declaration succeeded.
func (r *RunReport) AllSucceeded() bool {
	return r.Failed == 0 && r.Undetermined == 0
}

// Summarize tallies the run's recorded results into a report.
func Summarize(run *RunContext) *RunReport {
	report := &RunReport{
		Name:   run.Name,
		RunNum: run.RunNum,
		Status: run.Status,
	}
	for _, rec := range run.Runs.Snapshot() {
		report.Total++
		report.TotalSeconds += rec.TotalSeconds
		switch {
		case rec.Result == nil:
			report.Undetermined++
		case *rec.Result:
			report.Succeeded++
		default:
			report.Failed++
			report.FailedTags = append(report.FailedTags, rec.Tag)
		}
		if len(rec.Changes) > 0 {
			report.Changed++
		}
	}
	sort.Strings(report.FailedTags)
	return report
}
