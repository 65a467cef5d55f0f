package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/trueup-io/trueup/pkg/engine"
)

// ExampleRun wires a resource type into a registry, runs two declarations
// with a require edge between them and summarizes the outcome.
func ExampleRun() {
	reg := engine.NewRegistry()
	reg.RegisterState("app.service", "present", func(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
		ok := true
		return &engine.ReturnValue{
			Result:   &ok,
			Comment:  []string{fmt.Sprintf("%s is running", call.Chunk.Name)},
			NewState: map[string]interface{}{"name": call.Chunk.Name, "running": true},
		}, nil
	})

	config := &engine.Chunk{
		ID:    "app_config",
		Name:  "app_config",
		State: "app.service",
		Fun:   "present",
		Order: 1,
	}
	service := &engine.Chunk{
		ID:    "app_service",
		Name:  "app_service",
		State: "app.service",
		Fun:   "present",
		Order: 2,
		Requisites: map[engine.RequisiteKind][]engine.RequisiteRef{
			engine.KindRequire: {{State: "app.service", Name: "app_config"}},
		},
	}

	run := &engine.RunContext{
		Name:     "example",
		Low:      []*engine.Chunk{config, service},
		Runs:     engine.NewRuns(),
		Registry: reg,
	}
	if err := engine.Run(context.Background(), run, engine.RuntimeSerial); err != nil {
		log.Fatal(err)
	}

	report := engine.Summarize(run)
	fmt.Printf("succeeded=%d failed=%d all=%v\n", report.Succeeded, report.Failed, report.AllSucceeded())
	// Output: succeeded=2 failed=0 all=true
}
