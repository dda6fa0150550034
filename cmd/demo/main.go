package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/coordinator"
	"github.com/stepflow/stepflow/runhandle"
	runlogmem "github.com/stepflow/stepflow/runlog/inmem"
	"github.com/stepflow/stepflow/scheduler"
	timermem "github.com/stepflow/stepflow/scheduler/timerstore/inmem"
	"github.com/stepflow/stepflow/snapshot"
	snapmem "github.com/stepflow/stepflow/snapshot/inmem"
	"github.com/stepflow/stepflow/step"
	"github.com/stepflow/stepflow/telemetry"
	"github.com/stepflow/stepflow/workflow"
)

// fetchStep simulates an external lookup; its output feeds directly into
// the approval step's payload.
func fetchStep() *step.Step {
	return &step.Step{ID: "fetch", Execute: func(_ context.Context, ec *step.ExecContext) (any, error) {
		order, _ := ec.InputData.(map[string]any)
		return map[string]any{"order": order["id"], "amount": order["amount"]}, nil
	}}
}

// approveStep suspends once, waiting for a human decision, then resumes
// with whatever resumeData the caller supplies.
func approveStep() *step.Step {
	return &step.Step{ID: "approve", Execute: func(_ context.Context, ec *step.ExecContext) (any, error) {
		if ec.ResumeData == nil {
			return ec.Suspend(ec.InputData)
		}
		return ec.ResumeData, nil
	}}
}

func main() {
	var dbgF = flag.Bool("debug", false, "enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	// 1) Ambient infrastructure: an in-memory event bus, snapshot store,
	// coarse run log, and timer store (swap for bus/pulse, snapshot/mongo,
	// and scheduler/temporal to run durably across processes).
	eventBus := bus.NewInMemoryBus(bus.Options{})
	snapStore := snapmem.New()
	runLog := runlogmem.New()
	timers := timermem.New()

	wf, err := workflow.New(workflow.Config{
		ID:    "order-approval",
		Steps: []*step.Step{fetchStep(), approveStep()},
	}).Then("fetch").Then("approve").Commit()
	if err != nil {
		panic(err)
	}

	registry := workflow.NewRegistry()
	if err := registry.Register(wf); err != nil {
		panic(err)
	}

	rt := coordinator.New(coordinator.Options{
		Store:     snapStore,
		Bus:       eventBus,
		RunLog:    runLog,
		Workflows: registry,
		Logger:    telemetry.NewClueLogger(),
	})

	sched := scheduler.New(scheduler.Options{Bus: eventBus, Timers: timers, Dispatcher: rt})
	if err := sched.Start(ctx); err != nil {
		panic(err)
	}
	defer sched.Stop()

	factory := runhandle.NewFactory(rt, wf)
	handle := factory.CreateRun(runhandle.CreateRunOptions{RunID: "demo-run-1"})

	snap, err := handle.Start(ctx, runhandle.StartOptions{
		InputData: map[string]any{"id": "order-42", "amount": 199.99},
	})
	if err != nil {
		panic(err)
	}
	log.Print(ctx, log.KV{K: "status", V: string(snap.Status)})
	if snap.Status != snapshot.StatusSuspended {
		fmt.Println("expected the run to suspend awaiting approval, got", snap.Status)
		return
	}
	fmt.Println("awaiting approval, suspend payload:", snap.Steps["approve"].SuspendPayload)

	snap, err = handle.Resume(ctx, runhandle.ResumeOptions{
		Step:       "approve",
		ResumeData: map[string]any{"approved": true, "approvedAt": time.Now().Format(time.RFC3339)},
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("final status:", snap.Status)
	fmt.Println("result:", snap.Result)
}
