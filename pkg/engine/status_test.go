package engine

import (
	"encoding/json"
	"testing"
)

func TestRunStatus_Lifecycle(t *testing.T) {
	terminal := []RunStatus{RunFinished, RunCompileError, RunRuntimeError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("Expected %s to not be active", s)
		}
	}
	active := []RunStatus{RunCreated, RunGathering, RunCompiling, RunRunning}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("Expected %s to be active", s)
		}
	}
}

func TestRunStatus_Validate(t *testing.T) {
	if err := RunRunning.Validate(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if err := RunStatus("bogus").Validate(); err == nil {
		t.Error("Expected an error for an unknown status")
	}
}

func TestRunStatus_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(RunFinished)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != `"finished"` {
		t.Errorf("Expected quoted string form, got %s", data)
	}

	var s RunStatus
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if s != RunFinished {
		t.Errorf("Expected finished, got %s", s)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Error("Expected an error for an unknown status")
	}
}

func TestExecStatus_Terminal(t *testing.T) {
	if !ExecBlocked.IsTerminal() || !ExecCompleted.IsTerminal() {
		t.Error("Expected blocked and completed to be terminal")
	}
	if ExecCreated.IsTerminal() || ExecDispatched.IsTerminal() {
		t.Error("Expected in-flight states to not be terminal")
	}
	if err := ExecStatus("bogus").Validate(); err == nil {
		t.Error("Expected an error for an unknown status")
	}
}

func TestSummarize_Tallies(t *testing.T) {
	run := newTestRun("test")
	run.RunNum = 2
	run.Status = RunFinished
	run.Runs.Set(&Result{Tag: "t1", Result: truePtr(), TotalSeconds: 1.5,
		Changes: map[string]interface{}{"new": 1}})
	run.Runs.Set(&Result{Tag: "t2", Result: truePtr(), TotalSeconds: 0.5})
	run.Runs.Set(&Result{Tag: "t3", Result: falsePtr(), TotalSeconds: 1.0})
	run.Runs.Set(&Result{Tag: "t4"})

	report := Summarize(run)
	if report.Name != "test" || report.RunNum != 2 || report.Status != RunFinished {
		t.Errorf("Expected run identity on the report, got %+v", report)
	}
	if report.Total != 4 {
		t.Errorf("Expected 4 records, got %d", report.Total)
	}
	if report.Succeeded != 2 || report.Failed != 1 || report.Undetermined != 1 {
		t.Errorf("Expected 2/1/1 tallies, got %d/%d/%d",
			report.Succeeded, report.Failed, report.Undetermined)
	}
	if report.Changed != 1 {
		t.Errorf("Expected 1 changed record, got %d", report.Changed)
	}
	if report.TotalSeconds != 3.0 {
		t.Errorf("Expected summed seconds, got %v", report.TotalSeconds)
	}
	if len(report.FailedTags) != 1 || report.FailedTags[0] != "t3" {
		t.Errorf("Expected the failed tag, got %v", report.FailedTags)
	}
	if report.AllSucceeded() {
		t.Error("Expected the report to flag failures")
	}
}

func TestSummarize_AllSucceeded(t *testing.T) {
	run := newTestRun("test")
	run.Runs.Set(&Result{Tag: "t1", Result: truePtr()})
	if !Summarize(run).AllSucceeded() {
		t.Error("Expected a clean report")
	}
}
