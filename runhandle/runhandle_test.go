package runhandle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/coordinator"
	runlogmem "github.com/stepflow/stepflow/runlog/inmem"
	"github.com/stepflow/stepflow/snapshot"
	snapmem "github.com/stepflow/stepflow/snapshot/inmem"
	"github.com/stepflow/stepflow/step"
	"github.com/stepflow/stepflow/workflow"
)

func echoStep(id string) *step.Step {
	return &step.Step{ID: id, Execute: func(_ context.Context, ec *step.ExecContext) (any, error) {
		return ec.InputData, nil
	}}
}

func suspendOnceStep(id string) *step.Step {
	called := false
	return &step.Step{ID: id, Execute: func(_ context.Context, ec *step.ExecContext) (any, error) {
		if !called {
			called = true
			return ec.Suspend(map[string]any{"testPayload": "hello"})
		}
		return ec.ResumeData, nil
	}}
}

func newTestFactory(t *testing.T, wf *workflow.Workflow) (*Factory, *coordinator.Runtime) {
	t.Helper()
	reg := workflow.NewRegistry()
	require.NoError(t, reg.Register(wf))
	rt := coordinator.New(coordinator.Options{
		Store:     snapmem.New(),
		Bus:       bus.NewInMemoryBus(bus.Options{}),
		RunLog:    runlogmem.New(),
		Workflows: reg,
	})
	return NewFactory(rt, wf), rt
}

func linearWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.New(workflow.Config{
		ID:    "linear",
		Steps: []*step.Step{echoStep("a"), echoStep("b")},
	}).Then("a").Then("b").Commit()
	require.NoError(t, err)
	return wf
}

func TestFactory_CreateRunIsIdempotent(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))

	h1 := f.CreateRun(CreateRunOptions{RunID: "run-1"})
	h2 := f.CreateRun(CreateRunOptions{RunID: "run-1"})
	require.Same(t, h1, h2)
	require.Equal(t, "run-1", h1.RunID())
}

func TestFactory_CreateRunGeneratesID(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))

	h := f.CreateRun(CreateRunOptions{})
	require.NotEmpty(t, h.RunID())
}

func TestHandle_StartRunsToSuccess(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	snap, err := h.Start(context.Background(), StartOptions{InputData: "hi"})
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusSuccess, snap.Status)
	require.Equal(t, "hi", snap.Result)
}

func TestHandle_StartAsyncPolledByExecutionResult(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	runID := h.StartAsync(context.Background(), StartOptions{InputData: "async"})
	require.Equal(t, "run-1", runID)

	require.Eventually(t, func() bool {
		res, err := f.GetWorkflowRunExecutionResult(context.Background(), runID)
		return err == nil && res.Status == snapshot.StatusSuccess
	}, time.Second, 5*time.Millisecond)

	res, err := f.GetWorkflowRunExecutionResult(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, "async", res.Result)
	require.NoError(t, res.Error)
}

func TestHandle_ResumeAfterSuspend(t *testing.T) {
	wf, err := workflow.New(workflow.Config{
		ID:    "suspend-once",
		Steps: []*step.Step{suspendOnceStep("human")},
	}).Then("human").Commit()
	require.NoError(t, err)

	f, _ := newTestFactory(t, wf)
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	snap, err := h.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusSuspended, snap.Status)
	require.Equal(t, "hello", snap.Steps["human"].SuspendPayload.(map[string]any)["testPayload"])

	snap, err = h.Resume(context.Background(), ResumeOptions{Step: "human", ResumeData: map[string]any{"userInput": "go"}})
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusSuccess, snap.Status)
	require.Equal(t, snapshot.StatusSuccess, snap.Steps["human"].Status)
}

func TestHandle_CancelTransitionsToCanceled(t *testing.T) {
	started := make(chan struct{})
	blocker := &step.Step{ID: "block", Execute: func(_ context.Context, ec *step.ExecContext) (any, error) {
		close(started)
		<-ec.AbortSignal()
		return ec.Abort()
	}}
	wf, err := workflow.New(workflow.Config{ID: "blocker", Steps: []*step.Step{blocker}}).Then("block").Commit()
	require.NoError(t, err)

	f, _ := newTestFactory(t, wf)
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.Start(context.Background(), StartOptions{})
	}()

	<-started
	snap, err := h.Cancel(context.Background())
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusCanceled, snap.Status)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestHandle_RestartNotSupported(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	_, err := h.Restart(context.Background())
	require.ErrorIs(t, err, ErrRestartNotSupported)
}

func TestFactory_ListWorkflowRunsFiltersByStatus(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))

	h1 := f.CreateRun(CreateRunOptions{RunID: "run-1"})
	_, err := h1.Start(context.Background(), StartOptions{InputData: "one"})
	require.NoError(t, err)

	records, err := f.ListWorkflowRuns(context.Background(), snapshot.StatusSuccess)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "run-1", records[0].RunID)

	records, err = f.ListWorkflowRuns(context.Background(), snapshot.StatusFailed)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestHandle_StreamEmitsDoubleStartAndFinish(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	res, err := h.Stream(context.Background(), StreamOptions{InputData: "hi"})
	require.NoError(t, err)

	var types []EventType
	for ev := range res.FullStream {
		types = append(types, ev.Type)
	}
	outcome := <-res.Result
	require.NoError(t, outcome.Err)
	require.Equal(t, snapshot.StatusSuccess, outcome.Snapshot.Status)

	require.GreaterOrEqual(t, len(types), 4)
	require.Equal(t, EventWorkflowStart, types[0])
	require.Equal(t, EventWorkflowStart, types[1])
	require.Equal(t, EventWorkflowFinish, types[len(types)-2])
	require.Equal(t, EventWorkflowFinish, types[len(types)-1])
}

func TestHandle_StreamLegacyExposesWorkflowState(t *testing.T) {
	f, _ := newTestFactory(t, linearWorkflow(t))
	h := f.CreateRun(CreateRunOptions{RunID: "run-1"})

	res, err := h.StreamLegacy(context.Background(), StartOptions{InputData: "hi"})
	require.NoError(t, err)

	var types []LegacyEventType
	for ev := range res.Stream {
		types = append(types, ev.Type)
	}
	outcome := <-res.Result
	require.NoError(t, outcome.Err)
	require.Contains(t, types, LegacyStart)
	require.Contains(t, types, LegacyFinish)

	snap, err := res.GetWorkflowState(context.Background())
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusSuccess, snap.Status)
}

func TestTranslateModern_RunFinishSuspendedProducesNoFinishEvent(t *testing.T) {
	events := translateModern(bus.Event{
		Type: bus.KindRunFinish,
		Payload: map[string]any{"status": string(snapshot.StatusSuspended), "label": "human"},
	})
	require.Empty(t, events)
}

func TestTranslateModern_RunFinishPausedEmitsWorkflowPaused(t *testing.T) {
	events := translateModern(bus.Event{
		Type: bus.KindRunFinish,
		Payload: map[string]any{"status": string(snapshot.StatusPaused)},
	})
	require.Len(t, events, 1)
	require.Equal(t, EventWorkflowPaused, events[0].Type)
}

func TestTranslateModern_RunFinishSuccessEmitsTwoFinishEvents(t *testing.T) {
	events := translateModern(bus.Event{
		Type: bus.KindRunFinish,
		Payload: map[string]any{"status": string(snapshot.StatusSuccess), "result": "r"},
	})
	require.Len(t, events, 2)
	require.Nil(t, events[0].Payload)
	require.Equal(t, EventWorkflowFinish, events[0].Type)
	full, ok := events[1].Payload.(FinishPayload)
	require.True(t, ok)
	require.Equal(t, "r", full.Output.Result)
	require.Equal(t, string(snapshot.StatusSuccess), full.WorkflowStatus)
}

func TestTranslateModern_TimerFireProducesStepResult(t *testing.T) {
	events := translateModern(bus.Event{
		Type:    bus.KindTimerFire,
		Payload: map[string]any{"label": "sleep", "payload": "x"},
	})
	require.Len(t, events, 1)
	require.Equal(t, EventWorkflowStepResult, events[0].Type)
}

func TestTranslateLegacy_TimerFireProducesStepResultAndFinish(t *testing.T) {
	events := translateLegacy(bus.Event{
		Type:    bus.KindTimerFire,
		Payload: map[string]any{"label": "sleep", "payload": "x"},
	})
	require.Len(t, events, 2)
	require.Equal(t, LegacyStepResult, events[0].Type)
	require.Equal(t, LegacyStepFinish, events[1].Type)
}

func TestTranslateLegacy_SkipsWaitingAndPaused(t *testing.T) {
	require.Empty(t, translateLegacy(bus.Event{
		Type: bus.KindRunFinish, Payload: map[string]any{"status": string(snapshot.StatusWaiting)},
	}))
	require.Empty(t, translateLegacy(bus.Event{
		Type: bus.KindRunFinish, Payload: map[string]any{"status": string(snapshot.StatusPaused)},
	}))
}

func TestShouldClose_CloseOnSuspend(t *testing.T) {
	ev := bus.Event{Type: bus.KindRunFinish, Payload: map[string]any{"status": string(snapshot.StatusSuspended)}}
	require.False(t, shouldClose(ev, false))
	require.True(t, shouldClose(ev, true))
}
