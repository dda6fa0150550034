// Package coordinator implements the Run Coordinator (C5): the per-run
// interpreter that drives a committed graph.Plan to completion, suspension,
// or cancellation, emitting bus events and persisting snapshot.Snapshot
// state as it goes. A Runtime is the scheduler.Dispatcher every bus.Event
// routed through scheduler.Scheduler ultimately reaches.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/errcodec"
	"github.com/stepflow/stepflow/graph"
	"github.com/stepflow/stepflow/runlog"
	"github.com/stepflow/stepflow/scheduler/timerstore"
	"github.com/stepflow/stepflow/snapshot"
	"github.com/stepflow/stepflow/step"
	"github.com/stepflow/stepflow/telemetry"
	"github.com/stepflow/stepflow/workflow"
)

// Sentinel errors surfaced across the resume/cancel/time-travel protocols of
// spec.md §4.5.
var (
	ErrCanceled       = errors.New("coordinator: run canceled")
	ErrGraphMismatch  = errors.New("coordinator: serialized step graph mismatch")
	ErrNotResumable   = errors.New("coordinator: label is not suspended or waiting")
	ErrRunActive      = errors.New("coordinator: cannot time travel while a run is active")
	ErrLabelNotFound  = errors.New("coordinator: label not found in committed plan")
	ErrWorkflowLookup = errors.New("coordinator: workflow not found")

	// ErrUncommitted is returned by StartRun when the workflow's plan exists
	// but Plan.Commit was never called, distinct from graph.ErrEmptyPlan
	// (no workflow/plan at all).
	ErrUncommitted = errors.New("coordinator: workflow plan is not committed")
)

// TimerScheduler is the subset of scheduler.Scheduler the coordinator needs:
// persisting a sleep/sleep_until wakeup and canceling one on run cancellation.
type TimerScheduler interface {
	ScheduleTimer(ctx context.Context, t timerstore.Timer) error
	CancelTimer(ctx context.Context, runID, label string) error
}

// Options configures a Runtime.
type Options struct {
	Store     snapshot.Store
	Bus       bus.Bus
	RunLog    runlog.Store
	Workflows *workflow.Registry
	Timers    TimerScheduler // optional; sleep/sleep_until nodes work without it but don't survive a restart

	// Registry is the opaque external handle (agent/tool lookup) exposed to
	// every step as step.ExecContext.Registry. The coordinator never
	// inspects it.
	Registry any

	// DefaultRetryPolicy applies to steps/workflows that declare none of
	// their own; defaults to config.Default().DefaultRetryPolicy.
	DefaultRetryPolicy config.RetryPolicy

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Runtime is the C5 interpreter. It implements scheduler.Dispatcher.
type Runtime struct {
	store     snapshot.Store
	bus       bus.Bus
	runlog    runlog.Store
	workflows *workflow.Registry
	timers    TimerScheduler
	registry  any

	defaultRetry config.RetryPolicy

	logger  telemetry.Logger
	metrics telemetry.Metrics

	// inflight tracks the runState actively executing for a runID so Cancel
	// can reach into it and trip abort signals on steps blocked mid-Execute.
	inflight sync.Map // runID -> *runState
}

// New constructs a Runtime from opts.
func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.DefaultRetryPolicy == (config.RetryPolicy{}) {
		opts.DefaultRetryPolicy = config.Default().DefaultRetryPolicy
	}
	if opts.Workflows == nil {
		opts.Workflows = workflow.NewRegistry()
	}
	return &Runtime{
		store:        opts.Store,
		bus:          opts.Bus,
		runlog:       opts.RunLog,
		workflows:    opts.Workflows,
		timers:       opts.Timers,
		registry:     opts.Registry,
		defaultRetry: opts.DefaultRetryPolicy,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Store exposes the snapshot store this Runtime persists to, for callers
// (runhandle's workflow-level lookups) that need read access without a
// second copy of the wiring.
func (r *Runtime) Store() snapshot.Store { return r.store }

// RunLog exposes the coarse run-status store, or nil if none was configured.
func (r *Runtime) RunLog() runlog.Store { return r.runlog }

// Bus exposes the event bus this Runtime publishes to, for callers that
// need to subscribe to a run's events directly (runhandle's stream/
// streamLegacy).
func (r *Runtime) Bus() bus.Bus { return r.bus }

// Logger exposes the configured telemetry.Logger.
func (r *Runtime) Logger() telemetry.Logger { return r.logger }

// StartRequest is createRun+start's combined argument (spec.md §4.6): a
// fresh run's runId is optional and generated when empty; reusing an
// existing runId is idempotent and returns the existing run's state instead
// of starting a second one, matching createRun's documented idempotency.
type StartRequest struct {
	RunID          string
	ResourceID     string
	Input          any
	PerStep        bool
	RequestContext map[string]any
}

// StartRun creates (or reuses) a run and drives it to its first stopping
// point: terminal, suspended, waiting, or paused (perStep).
func (r *Runtime) StartRun(ctx context.Context, wf *workflow.Workflow, req StartRequest) (*snapshot.Snapshot, error) {
	if wf == nil || wf.Plan == nil {
		return nil, fmt.Errorf("coordinator: %w", graph.ErrEmptyPlan)
	}
	if !wf.Plan.Committed() {
		return nil, fmt.Errorf("coordinator: %w", ErrUncommitted)
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	existing, err := r.store.Load(ctx, wf.ID, runID)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return nil, err
	}

	snap := existing
	if snap == nil {
		if shouldValidate(wf.Options.ValidateInputs) && wf.InputSchema != nil {
			if err := validateAgainstSchema(wf.InputSchema, req.Input); err != nil {
				return nil, fmt.Errorf("coordinator: input validation: %w", err)
			}
		}
		snap = snapshot.New(wf.ID, runID, req.ResourceID, req.Input, wf.Plan.SerializedStepGraph())
		for k, v := range wf.Labels {
			snap.RequestContext[k] = v
		}
		for k, v := range req.RequestContext {
			snap.RequestContext[k] = v
		}
	}

	rs := r.newRunState(ctx, wf, snap, req.PerStep)
	r.inflight.Store(runID, rs)
	defer r.inflight.Delete(runID)

	r.publish(ctx, bus.RunTopic(runID), bus.Event{
		Type: bus.KindRunStart, RunID: runID, WorkflowID: wf.ID,
		Payload: map[string]any{"input": req.Input, "perStep": req.PerStep},
	})

	out, p, runErr := r.walkSequence(rs, wf.Plan.Sequence, snap.Input)
	r.finalize(ctx, rs, out, p, runErr)
	return r.latestSnapshot(ctx, rs, runErr)
}

// latestSnapshot returns rs.snap, except when the walk unwound because the
// run was canceled concurrently — Cancel() is the sole writer of that
// transition, so the authoritative result is whatever it persisted, not the
// in-memory snapshot the walk was holding at the moment it noticed.
func (r *Runtime) latestSnapshot(ctx context.Context, rs *runState, runErr error) (*snapshot.Snapshot, error) {
	if errors.Is(runErr, ErrCanceled) {
		return r.store.Load(ctx, rs.wf.ID, rs.snap.RunID)
	}
	return rs.snap, nil
}

// ResumeRequest is resume's argument (spec.md §4.5/§4.6). FromTimer is set
// internally when the resume is actually a scheduler-delivered timer.fire
// rather than a caller's explicit resume — it relaxes the "must be
// suspended" check to also accept a waiting label and skips resumeSchema
// validation (a timer carries no caller-supplied resumeData to validate).
type ResumeRequest struct {
	Label          string
	ResumeData     any
	RequestContext map[string]any
	PerStep        bool
	FromTimer      bool
}

// Resume re-enters a suspended or timer-waiting label and continues
// interpretation downstream as if freshly executed.
func (r *Runtime) Resume(ctx context.Context, wf *workflow.Workflow, runID string, req ResumeRequest) (*snapshot.Snapshot, error) {
	snap, err := r.store.Load(ctx, wf.ID, runID)
	if err != nil {
		return nil, err
	}
	if snap.SerializedStepGraph != wf.Plan.SerializedStepGraph() {
		return nil, fmt.Errorf("%w: run %q", ErrGraphMismatch, runID)
	}
	_, suspended := snap.SuspendedPaths[req.Label]
	_, waiting := snap.WaitingPaths[req.Label]
	if !suspended && !(waiting && req.FromTimer) {
		return nil, fmt.Errorf("%w: %q", ErrNotResumable, req.Label)
	}

	if !req.FromTimer {
		if st := r.lookupStepForLabel(wf, req.Label); st != nil && st.ResumeSchema != nil {
			if err := validateAgainstSchema(st.ResumeSchema, req.ResumeData); err != nil {
				return nil, fmt.Errorf("coordinator: resume data validation: %w", err)
			}
		}
	}

	for k, v := range req.RequestContext {
		snap.RequestContext[k] = v
	}
	snap.Status = snapshot.StatusRunning

	rs := r.newRunState(ctx, wf, snap, req.PerStep)
	rs.resumeTarget = req.Label
	rs.resumeData = req.ResumeData

	r.inflight.Store(runID, rs)
	defer r.inflight.Delete(runID)

	r.publish(ctx, bus.RunTopic(runID), bus.Event{
		Type: bus.KindStepResume, RunID: runID, WorkflowID: wf.ID,
		Payload: map[string]any{"label": req.Label, "resumeData": req.ResumeData},
	})

	out, p, runErr := r.walkSequence(rs, wf.Plan.Sequence, snap.Input)
	r.finalize(ctx, rs, out, p, runErr)
	return r.latestSnapshot(ctx, rs, runErr)
}

// Cancel transitions a run to canceled: it trips the abortSignal of any step
// currently executing in this process, cancels a pending timer, and freezes
// every active StepResult in place. Per spec.md §4.5 it also works on an
// already-suspended run (no in-flight runState to signal, just a status
// flip) and is idempotent once the run is already terminal.
func (r *Runtime) Cancel(ctx context.Context, wf *workflow.Workflow, runID string) (*snapshot.Snapshot, error) {
	// A run actively executing in this process only persists at finalize, so
	// its snapshot may not exist in the store yet; go straight to the live
	// runState's in-memory copy instead of loading a (possibly absent) one.
	if v, ok := r.inflight.Load(runID); ok {
		live := v.(*runState)
		return r.cancelLive(ctx, live)
	}

	snap, err := r.store.Load(ctx, wf.ID, runID)
	if err != nil {
		return nil, err
	}
	if isTerminal(snap.Status) {
		return snap, nil
	}

	if err := r.cancelTimers(ctx, runID, snap.WaitingPaths); err != nil {
		return nil, err
	}

	now := time.Now()
	for label := range snap.ActivePaths {
		if sr, ok := snap.Steps[label]; ok && sr.EndedAt == nil {
			sr.EndedAt = &now
		}
	}
	snap.ActivePaths = map[string]struct{}{}
	snap.Status = snapshot.StatusCanceled
	snap.Timestamp = now

	if err := r.store.Persist(ctx, snap); err != nil {
		return nil, err
	}
	r.upsertRunLog(ctx, snap)
	r.publish(ctx, bus.RunTopic(runID), bus.Event{Type: bus.KindRunCanceled, RunID: runID, WorkflowID: wf.ID})
	return snap, nil
}

// cancelLive cancels a run still executing in this process: it trips every
// tracked step's abortSignal, then freezes the shared in-memory snapshot
// under its own mutex so the finishing walk (which will observe ErrCanceled
// and defer to this transition, see finalize) never races this mutation.
func (r *Runtime) cancelLive(ctx context.Context, live *runState) (*snapshot.Snapshot, error) {
	live.triggerCancel()

	live.mu.Lock()
	if isTerminal(live.snap.Status) {
		snap := live.snap
		live.mu.Unlock()
		return snap, nil
	}
	now := time.Now()
	for label := range live.snap.ActivePaths {
		if sr, ok := live.snap.Steps[label]; ok && sr.EndedAt == nil {
			sr.EndedAt = &now
		}
	}
	live.snap.ActivePaths = map[string]struct{}{}
	live.snap.Status = snapshot.StatusCanceled
	live.snap.Timestamp = now
	waiting := make(map[string]time.Time, len(live.snap.WaitingPaths))
	for k, v := range live.snap.WaitingPaths {
		waiting[k] = v
	}
	snap := live.snap
	live.mu.Unlock()

	if err := r.cancelTimers(ctx, snap.RunID, waiting); err != nil {
		return nil, err
	}
	if err := r.store.Persist(ctx, snap); err != nil {
		return nil, err
	}
	r.upsertRunLog(ctx, snap)
	r.publish(ctx, bus.RunTopic(snap.RunID), bus.Event{Type: bus.KindRunCanceled, RunID: snap.RunID, WorkflowID: live.wf.ID})
	return snap, nil
}

func (r *Runtime) cancelTimers(ctx context.Context, runID string, waiting map[string]time.Time) error {
	if r.timers == nil {
		return nil
	}
	for label := range waiting {
		if err := r.timers.CancelTimer(ctx, runID, label); err != nil {
			r.logger.Warn(ctx, "coordinator: cancel timer failed", "run_id", runID, "label", label, "error", err.Error())
		}
	}
	return nil
}

// TimeTravelRequest is timeTravel's argument (spec.md §4.5).
type TimeTravelRequest struct {
	Label              string
	InputData          any
	Context            map[string]*snapshot.StepResult
	NestedStepsContext map[string]*snapshot.StepResult
	PerStep            bool
	ResumeData         any
}

// TimeTravel seeds a fresh or existing (non-running) snapshot with synthetic
// or supplied prior StepResults and re-enters the graph at Label as if the
// engine had naturally reached it.
func (r *Runtime) TimeTravel(ctx context.Context, wf *workflow.Workflow, runID string, req TimeTravelRequest) (*snapshot.Snapshot, error) {
	existing, err := r.store.Load(ctx, wf.ID, runID)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == snapshot.StatusRunning {
		return nil, ErrRunActive
	}
	if wf.Plan.Node(req.Label) == nil {
		return nil, fmt.Errorf("%w: %q", ErrLabelNotFound, req.Label)
	}

	var snap *snapshot.Snapshot
	if existing == nil {
		snap = snapshot.New(wf.ID, runID, "", req.InputData, wf.Plan.SerializedStepGraph())
	} else {
		snap = existing.Clone()
		snap.Status = snapshot.StatusRunning
	}
	for label, sr := range req.Context {
		snap.Steps[label] = sr
	}
	for label, sr := range req.NestedStepsContext {
		snap.Steps[label] = sr
	}
	if len(req.Context) == 0 && len(req.NestedStepsContext) == 0 && req.InputData != nil {
		snap.Input = req.InputData
	}

	rs := r.newRunState(ctx, wf, snap, req.PerStep)
	if req.ResumeData != nil {
		rs.resumeTarget = req.Label
		rs.resumeData = req.ResumeData
	} else {
		rs.clearResult(req.Label)
	}

	r.inflight.Store(runID, rs)
	defer r.inflight.Delete(runID)

	out, p, runErr := r.walkSequence(rs, wf.Plan.Sequence, snap.Input)
	r.finalize(ctx, rs, out, p, runErr)
	return r.latestSnapshot(ctx, rs, runErr)
}

// Dispatch implements scheduler.Dispatcher: it is the single entrypoint the
// Scheduler calls for every event drained off scheduler.DispatchTopic.
func (r *Runtime) Dispatch(ctx context.Context, event bus.Event) error {
	switch event.Type {
	case bus.KindRunStart:
		wf, err := r.resolveWorkflow(ctx, event)
		if err != nil {
			return err
		}
		payload, _ := event.Payload.(map[string]any)
		input := payload["input"]
		perStep, _ := payload["perStep"].(bool)
		_, err = r.StartRun(ctx, wf, StartRequest{RunID: event.RunID, Input: input, PerStep: perStep})
		return err

	case bus.KindStepResume:
		wf, err := r.resolveWorkflow(ctx, event)
		if err != nil {
			return err
		}
		payload, _ := event.Payload.(map[string]any)
		label, _ := payload["label"].(string)
		_, err = r.Resume(ctx, wf, event.RunID, ResumeRequest{Label: label, ResumeData: payload["resumeData"]})
		return err

	case bus.KindTimerFire:
		wf, err := r.resolveWorkflow(ctx, event)
		if err != nil {
			return err
		}
		payload, _ := event.Payload.(map[string]any)
		label, _ := payload["label"].(string)
		_, err = r.Resume(ctx, wf, event.RunID, ResumeRequest{Label: label, FromTimer: true})
		return err

	case bus.KindRunCancel:
		wf, err := r.resolveWorkflow(ctx, event)
		if err != nil {
			return err
		}
		_, err = r.Cancel(ctx, wf, event.RunID)
		return err

	default:
		return nil
	}
}

func (r *Runtime) resolveWorkflow(ctx context.Context, event bus.Event) (*workflow.Workflow, error) {
	wfID := event.WorkflowID
	if wfID == "" && r.runlog != nil {
		if rec, err := r.runlog.Load(ctx, event.RunID); err == nil {
			wfID = rec.WorkflowID
		}
	}
	wf, ok := r.workflows.Get(wfID)
	if !ok {
		return nil, fmt.Errorf("%w: %q (run %q)", ErrWorkflowLookup, wfID, event.RunID)
	}
	return wf, nil
}

func (r *Runtime) lookupStepForLabel(wf *workflow.Workflow, label string) *step.Step {
	n := wf.Plan.Node(label)
	if n == nil || n.Kind != graph.KindStep {
		return nil
	}
	st, ok := wf.Steps.Get(n.StepID)
	if !ok {
		return nil
	}
	return st
}

func (r *Runtime) upsertRunLog(ctx context.Context, snap *snapshot.Snapshot) {
	if r.runlog == nil {
		return
	}
	rec := runlog.Record{
		RunID: snap.RunID, WorkflowID: snap.WorkflowID, ResourceID: snap.ResourceID,
		Status: snap.Status, UpdatedAt: snap.Timestamp,
	}
	if err := r.runlog.Upsert(ctx, rec); err != nil {
		r.logger.Warn(ctx, "coordinator: runlog upsert failed", "run_id", snap.RunID, "error", err.Error())
	}
}

func (r *Runtime) publish(ctx context.Context, topic string, event bus.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, topic, event); err != nil {
		r.logger.Warn(ctx, "coordinator: publish failed", "topic", topic, "event_type", string(event.Type), "error", err.Error())
	}
}

func (r *Runtime) emit(rs *runState, kind bus.Kind, label string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["label"] = label

	rs.mu.Lock()
	rs.snap.Sequence++
	seq := rs.snap.Sequence
	rs.mu.Unlock()

	r.publish(rs.ctx, bus.RunTopic(rs.snap.RunID), bus.Event{
		Type: kind, RunID: rs.snap.RunID, WorkflowID: rs.wf.ID, Sequence: seq, Payload: payload,
	})
}

// finalize settles rs.snap's terminal/paused/suspended/waiting status once
// the interpretation pass returns, persists it once (persisting after every
// micro-transition is unnecessary: the Scheduler already serializes a run to
// a single coordinator invocation at a time, so the only write race this
// would guard against — two dispatches for the same run racing — cannot
// happen), and fires the workflow's onFinish/onError lifecycle hooks.
func (r *Runtime) finalize(ctx context.Context, rs *runState, out any, p *pause, runErr error) {
	if errors.Is(runErr, ErrCanceled) {
		// Cancel() owns the canceled transition and has already persisted
		// it; a walk unwinding because it observed the same cancellation
		// has nothing left to record.
		return
	}

	rs.mu.Lock()
	switch {
	case runErr != nil:
		rs.snap.Status = snapshot.StatusFailed
		rs.snap.Error = errcodec.Encode(runErr)
	case p != nil:
		switch p.kind {
		case pauseSuspend:
			rs.snap.Status = snapshot.StatusSuspended
		case pauseWaiting:
			rs.snap.Status = snapshot.StatusWaiting
		case pauseYield:
			rs.snap.Status = snapshot.StatusPaused
		case pauseBail:
			rs.snap.Status = snapshot.StatusSuccess
			rs.snap.Result = p.payload
		}
	default:
		rs.snap.Status = snapshot.StatusSuccess
		rs.snap.Result = out
	}
	rs.snap.Timestamp = time.Now()
	snap := rs.snap
	wf := rs.wf
	status := snap.Status
	rs.mu.Unlock()

	if status == snapshot.StatusSuccess && wf.OutputSchema != nil {
		if err := validateAgainstSchema(wf.OutputSchema, snap.Result); err != nil {
			rs.mu.Lock()
			rs.snap.Status = snapshot.StatusFailed
			rs.snap.Error = errcodec.Encode(fmt.Errorf("coordinator: output validation: %w", err))
			rs.mu.Unlock()
			status = snapshot.StatusFailed
		}
	}

	if err := r.store.Persist(ctx, snap); err != nil {
		r.logger.Error(ctx, "coordinator: persist failed", "run_id", snap.RunID, "error", err.Error())
	}
	r.upsertRunLog(ctx, snap)

	switch status {
	case snapshot.StatusSuccess, snapshot.StatusFailed, snapshot.StatusCanceled:
		r.publish(ctx, bus.RunTopic(snap.RunID), bus.Event{
			Type: bus.KindRunFinish, RunID: snap.RunID, WorkflowID: wf.ID,
			Payload: map[string]any{"status": string(status), "result": snap.Result, "error": snap.Error},
		})
		r.invokeLifecycle(ctx, wf, snap)
	case snapshot.StatusSuspended, snapshot.StatusWaiting:
		r.publish(ctx, bus.RunTopic(snap.RunID), bus.Event{
			Type: bus.KindRunFinish, RunID: snap.RunID, WorkflowID: wf.ID,
			Payload: map[string]any{"status": string(status), "label": p.label},
		})
	case snapshot.StatusPaused:
		r.publish(ctx, bus.RunTopic(snap.RunID), bus.Event{
			Type: bus.KindRunFinish, RunID: snap.RunID, WorkflowID: wf.ID,
			Payload: map[string]any{"status": string(status)},
		})
	}
}

func (r *Runtime) invokeLifecycle(ctx context.Context, wf *workflow.Workflow, snap *snapshot.Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "coordinator: lifecycle callback panicked", "run_id", snap.RunID, "panic", fmt.Sprint(rec))
		}
	}()
	switch snap.Status {
	case snapshot.StatusSuccess:
		if wf.Options.OnFinish != nil {
			wf.Options.OnFinish(snap.RunID, snap.Result)
		}
	case snapshot.StatusFailed:
		if wf.Options.OnError != nil {
			wf.Options.OnError(snap.RunID, errcodec.Decode(snap.Error))
		}
	}
}

func isTerminal(s snapshot.Status) bool {
	switch s {
	case snapshot.StatusSuccess, snapshot.StatusFailed, snapshot.StatusCanceled:
		return true
	default:
		return false
	}
}

func shouldValidate(flag *bool) bool { return flag == nil || *flag }

func validateAgainstSchema(schema *jsonschema.Schema, data any) error {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal for validation: %w", err)
	}
	return schema.Validate(doc)
}
