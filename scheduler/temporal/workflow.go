package temporal

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"

	"github.com/stepflow/stepflow/bus"
)

// dispatchRequest is the activity input: a single bus.Event to run through
// Dispatch.
type dispatchRequest struct {
	Event bus.Event
}

// runWorkflow is the Temporal workflow body every run executes as. It
// dispatches an initial run.start step.dispatch activity, then loops
// waiting on the resume/cancel signal channels until the run reaches a
// terminal state — mirroring the in-process scheduler's per-run
// serialization, but using Temporal's workflow history as the durable log
// instead of snapshot.Store.
func (e *Engine) runWorkflow(ctx workflow.Context, input any) (any, error) {
	runID := workflow.GetInfo(ctx).WorkflowExecution.ID

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout(),
	}
	actx := workflow.WithActivityOptions(ctx, ao)

	var output any
	startEvent := bus.Event{Type: bus.KindRunStart, RunID: runID, Payload: input}
	if err := workflow.ExecuteActivity(actx, DispatchActivityName, dispatchRequest{Event: startEvent}).Get(ctx, &output); err != nil {
		return nil, err
	}

	resumeCh := workflow.GetSignalChannel(ctx, ResumeSignal)
	cancelCh := workflow.GetSignalChannel(ctx, CancelSignal)

	for {
		selector := workflow.NewSelector(ctx)
		var resumePayload any
		var canceled bool

		selector.AddReceive(resumeCh, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &resumePayload)
		})
		selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, nil)
			canceled = true
		})
		selector.Select(ctx)

		if canceled {
			event := bus.Event{Type: bus.KindRunCancel, RunID: runID}
			var cancelResult any
			_ = workflow.ExecuteActivity(actx, DispatchActivityName, dispatchRequest{Event: event}).Get(ctx, &cancelResult)
			return cancelResult, nil
		}

		event := bus.Event{Type: bus.KindStepResume, RunID: runID, Payload: resumePayload}
		var result any
		if err := workflow.ExecuteActivity(actx, DispatchActivityName, dispatchRequest{Event: event}).Get(ctx, &result); err != nil {
			return nil, err
		}
		if done, ok := result.(map[string]any); ok {
			if terminal, _ := done["terminal"].(bool); terminal {
				return done["output"], nil
			}
		}
	}
}

// dispatchActivity runs a single step.dispatch event through the
// configured Dispatch function.
func (e *Engine) dispatchActivity(ctx context.Context, req dispatchRequest) (any, error) {
	activity.RecordHeartbeat(ctx, req.Event.Type)
	return e.dispatch(ctx, req.Event)
}
