// Package runhandle implements the Run Handle (C7): the public, per-run
// contract callers drive instead of talking to coordinator.Runtime
// directly (createRun/start/startAsync/stream/resume/cancel/timeTravel,
// plus the workflow-level getWorkflowRunById/listWorkflowRuns/
// getWorkflowRunExecutionResult of spec.md §4.6).
package runhandle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stepflow/stepflow/coordinator"
	"github.com/stepflow/stepflow/errcodec"
	"github.com/stepflow/stepflow/runlog"
	"github.com/stepflow/stepflow/snapshot"
	"github.com/stepflow/stepflow/workflow"
)

// ErrRestartNotSupported is Restart's sentinel return: the durable/evented
// engine has no notion of discarding a run's history and starting over in
// place — a caller that needs a fresh run should createRun with a new
// runId instead.
var ErrRestartNotSupported = errors.New("runhandle: restart is not supported in durable/evented mode")

// Factory binds a single workflow definition to the runtime that executes
// it, vending Handles for its runs. One Factory per registered workflow is
// the typical wiring (see cmd/demo).
type Factory struct {
	rt *coordinator.Runtime
	wf *workflow.Workflow

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewFactory constructs a Factory for wf, driven by rt.
func NewFactory(rt *coordinator.Runtime, wf *workflow.Workflow) *Factory {
	return &Factory{rt: rt, wf: wf, handles: make(map[string]*Handle)}
}

// CreateRunOptions is createRun's argument (spec.md §4.6).
type CreateRunOptions struct {
	RunID      string
	ResourceID string
}

// CreateRun returns a Handle for RunID, generating one when empty.
// Requesting the same RunID twice returns the identical Handle
// (idempotent), matching createRun's documented contract.
func (f *Factory) CreateRun(opts CreateRunOptions) *Handle {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handles[runID]; ok {
		return h
	}
	h := &Handle{f: f, runID: runID, resourceID: opts.ResourceID}
	f.handles[runID] = h
	return h
}

// GetWorkflowRunByID loads the full persisted snapshot for runID.
func (f *Factory) GetWorkflowRunByID(ctx context.Context, runID string) (*snapshot.Snapshot, error) {
	return f.rt.Store().Load(ctx, f.wf.ID, runID)
}

// ListWorkflowRuns returns every coarse run record for this factory's
// workflow, most recently started first.
func (f *Factory) ListWorkflowRuns(ctx context.Context, status snapshot.Status) ([]runlog.Record, error) {
	runLog := f.rt.RunLog()
	if runLog == nil {
		return nil, fmt.Errorf("runhandle: no run log configured")
	}
	return runLog.List(ctx, runlog.ListFilter{WorkflowID: f.wf.ID, Status: status})
}

// ExecutionResult is getWorkflowRunExecutionResult's return shape: the
// coarse terminal outcome of a run, suitable for polling after startAsync
// without loading the full snapshot.
type ExecutionResult struct {
	RunID  string
	Status snapshot.Status
	Result any
	Error  error
}

// GetWorkflowRunExecutionResult polls runID's current terminal (or
// in-progress) outcome.
func (f *Factory) GetWorkflowRunExecutionResult(ctx context.Context, runID string) (*ExecutionResult, error) {
	snap, err := f.rt.Store().Load(ctx, f.wf.ID, runID)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{
		RunID:  snap.RunID,
		Status: snap.Status,
		Result: snap.Result,
		Error:  errcodec.Decode(snap.Error),
	}, nil
}

// Handle is one run's public contract: the createRun/start/resume/cancel/
// timeTravel surface of spec.md §4.6. A Handle does not itself hold run
// state — every call reads/writes through its Factory's coordinator.Runtime
// and snapshot.Store, so a Handle obtained from one process and one from
// another process addressing the same runId are interchangeable.
type Handle struct {
	f          *Factory
	runID      string
	resourceID string
}

// RunID returns the handle's run identifier.
func (h *Handle) RunID() string { return h.runID }

// StartOptions is start/startAsync/stream's shared argument.
type StartOptions struct {
	InputData      any
	RequestContext map[string]any
	PerStep        bool
}

// Start drives the run to its first stopping point (terminal, suspended,
// waiting, or perStep-paused) and returns that final snapshot.
func (h *Handle) Start(ctx context.Context, opts StartOptions) (*snapshot.Snapshot, error) {
	return h.f.rt.StartRun(ctx, h.f.wf, coordinator.StartRequest{
		RunID: h.runID, ResourceID: h.resourceID,
		Input: opts.InputData, RequestContext: opts.RequestContext, PerStep: opts.PerStep,
	})
}

// StartAsync launches Start in the background and returns immediately;
// completion is polled via Factory.GetWorkflowRunExecutionResult(runId).
func (h *Handle) StartAsync(ctx context.Context, opts StartOptions) string {
	go func() {
		// StartAsync is fire-and-forget: a background run outlives the
		// request that launched it, so it must not inherit a context a
		// caller may cancel once this call returns.
		if _, err := h.Start(context.Background(), opts); err != nil {
			h.f.rt.Logger().Error(ctx, "runhandle: async start failed", "run_id", h.runID, "error", err.Error())
		}
	}()
	return h.runID
}

// ResumeOptions is resume/resumeStream's argument.
type ResumeOptions struct {
	Step           string
	ResumeData     any
	RequestContext map[string]any
	PerStep        bool
}

// Resume re-enters Step and continues to the run's next stopping point.
func (h *Handle) Resume(ctx context.Context, opts ResumeOptions) (*snapshot.Snapshot, error) {
	return h.f.rt.Resume(ctx, h.f.wf, h.runID, coordinator.ResumeRequest{
		Label: opts.Step, ResumeData: opts.ResumeData, RequestContext: opts.RequestContext, PerStep: opts.PerStep,
	})
}

// Cancel transitions the run to canceled.
func (h *Handle) Cancel(ctx context.Context) (*snapshot.Snapshot, error) {
	return h.f.rt.Cancel(ctx, h.f.wf, h.runID)
}

// TimeTravelOptions is timeTravel's argument.
type TimeTravelOptions struct {
	Label              string
	InputData          any
	Context            map[string]*snapshot.StepResult
	NestedStepsContext map[string]*snapshot.StepResult
	PerStep            bool
	ResumeData         any
}

// TimeTravel seeds (or re-enters) Label with synthetic or supplied prior
// StepResults, as if the engine had naturally reached it there.
func (h *Handle) TimeTravel(ctx context.Context, opts TimeTravelOptions) (*snapshot.Snapshot, error) {
	return h.f.rt.TimeTravel(ctx, h.f.wf, h.runID, coordinator.TimeTravelRequest{
		Label: opts.Label, InputData: opts.InputData, Context: opts.Context,
		NestedStepsContext: opts.NestedStepsContext, PerStep: opts.PerStep, ResumeData: opts.ResumeData,
	})
}

// Restart is not supported in durable/evented mode: a run's history is
// part of its identity, so "starting over" means creating a new run, not
// discarding this one's.
func (h *Handle) Restart(context.Context) (*snapshot.Snapshot, error) {
	return nil, ErrRestartNotSupported
}

// StreamOptions is stream's argument (spec.md §4.6). CloseOnSuspend, when
// true, ends FullStream as soon as the run stops advancing for any reason
// (suspended/waiting/paused), not only on a terminal outcome — useful for a
// caller that wants one stream per "leg" of a human-in-the-loop run rather
// than one stream spanning every resume.
type StreamOptions struct {
	InputData      any
	RequestContext map[string]any
	PerStep        bool
	CloseOnSuspend bool
}

// StreamResult is stream's return shape: a lazy event sequence (FullStream)
// alongside a future of the run's final snapshot (Result), which resolves
// once the underlying Start call returns.
type StreamResult struct {
	FullStream <-chan Event
	Result     <-chan StartOutcome
}

// StartOutcome is the resolved value of a StreamResult.Result /
// LegacyStreamResult.Result future.
type StartOutcome struct {
	Snapshot *snapshot.Snapshot
	Err      error
}

// Stream starts the run (like Start) while exposing every bus event the run
// produces as a translated Event sequence. The subscription is established
// before the run is started so no early event is missed.
func (h *Handle) Stream(ctx context.Context, opts StreamOptions) (*StreamResult, error) {
	sub, events, err := subscribeEvents(h.f.rt.Bus(), h.runID, opts.CloseOnSuspend, translateModern)
	if err != nil {
		return nil, err
	}

	result := make(chan StartOutcome, 1)
	go func() {
		defer sub.close()
		snap, err := h.Start(ctx, StartOptions{
			InputData: opts.InputData, RequestContext: opts.RequestContext, PerStep: opts.PerStep,
		})
		result <- StartOutcome{Snapshot: snap, Err: err}
	}()

	return &StreamResult{FullStream: events, Result: result}, nil
}

// ResumeStream is Stream's resume counterpart: it subscribes before issuing
// Resume, so events produced by the re-entered step are not missed.
func (h *Handle) ResumeStream(ctx context.Context, opts ResumeOptions, closeOnSuspend bool) (*StreamResult, error) {
	sub, events, err := subscribeEvents(h.f.rt.Bus(), h.runID, closeOnSuspend, translateModern)
	if err != nil {
		return nil, err
	}

	result := make(chan StartOutcome, 1)
	go func() {
		defer sub.close()
		snap, err := h.Resume(ctx, opts)
		result <- StartOutcome{Snapshot: snap, Err: err}
	}()

	return &StreamResult{FullStream: events, Result: result}, nil
}

// LegacyStreamResult is streamLegacy's return shape: the older event
// sequence plus GetWorkflowState, a point-in-time accessor for the run's
// latest persisted snapshot (rather than a future resolved once, since
// legacy consumers poll state mid-stream).
type LegacyStreamResult struct {
	Stream           <-chan LegacyEvent
	GetWorkflowState func(ctx context.Context) (*snapshot.Snapshot, error)
	Result           <-chan StartOutcome
}

// StreamLegacy is Stream's older-schema counterpart (spec.md §4.6).
func (h *Handle) StreamLegacy(ctx context.Context, opts StartOptions) (*LegacyStreamResult, error) {
	sub, events, err := subscribeEvents(h.f.rt.Bus(), h.runID, false, translateLegacy)
	if err != nil {
		return nil, err
	}

	result := make(chan StartOutcome, 1)
	go func() {
		defer sub.close()
		snap, err := h.Start(ctx, opts)
		result <- StartOutcome{Snapshot: snap, Err: err}
	}()

	return &LegacyStreamResult{
		Stream: events,
		GetWorkflowState: func(ctx context.Context) (*snapshot.Snapshot, error) {
			return h.f.rt.Store().Load(ctx, h.f.wf.ID, h.runID)
		},
		Result: result,
	}, nil
}
