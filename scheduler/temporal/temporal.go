// Package temporal implements an optional durable Scheduler backend (C8)
// on top of go.temporal.io/sdk: one run maps to one Temporal workflow
// execution, and step dispatch maps to a Temporal activity invocation. It
// is a drop-in alternative to scheduler.Scheduler for deployments that want
// Temporal's durable execution guarantees instead of the bus/timerstore
// combination, while presenting the same Dispatcher-facing contract.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/telemetry"
)

// WorkflowName is the single Temporal workflow type every run executes as;
// its body is runWorkflow below, driving the dispatcher one step.dispatch
// event at a time via signals.
const WorkflowName = "StepflowRun"

// DispatchActivityName is the single Temporal activity type every step
// dispatch executes as.
const DispatchActivityName = "StepflowDispatchStep"

// ResumeSignal and CancelSignal name the Temporal signals used to deliver
// step.resume and run.cancel events into an in-flight run workflow.
const (
	ResumeSignal = "stepflow.resume"
	CancelSignal = "stepflow.cancel"
)

// Options configures the Temporal backend, mirroring the shape of the
// teacher's generic engine.Options (Client-or-ClientOptions, a single
// default task queue, optional OTEL instrumentation) narrowed to
// Stepflow's single workflow/single activity domain.
type Options struct {
	Client        client.Client
	ClientOptions *client.Options
	TaskQueue     string
	WorkerOptions worker.Options

	DisableTracing bool
	DisableMetrics bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// Dispatch executes a single step.dispatch event's step body and
	// returns its result payload, invoked from inside the Temporal
	// activity.
	Dispatch func(ctx context.Context, event bus.Event) (any, error)
}

// Engine is the Temporal-backed alternative to scheduler.Scheduler.
type Engine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	worker      worker.Worker
	dispatch    func(ctx context.Context, event bus.Event) (any, error)
	logger      telemetry.Logger
	metrics     telemetry.Metrics

	mu      sync.Mutex
	started bool
}

// New constructs a Temporal-backed Engine. Either Client or ClientOptions
// must be set; TaskQueue and Dispatch are always required.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("scheduler/temporal: task queue is required")
	}
	if opts.Dispatch == nil {
		return nil, fmt.Errorf("scheduler/temporal: dispatch function is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("scheduler/temporal: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableMetrics && clientOpts.MetricsHandler == nil {
			clientOpts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
		}
		if !opts.DisableTracing && clientOpts.Interceptors == nil {
			tracingInterceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("scheduler/temporal: tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = []interceptor.ClientInterceptor{tracingInterceptor}
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("scheduler/temporal: create client: %w", err)
		}
		closeClient = true
	}

	e := &Engine{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		dispatch:    opts.Dispatch,
		logger:      logger,
		metrics:     metrics,
	}
	return e, nil
}

// Start registers the run workflow and step-dispatch activity and starts
// the Temporal worker for Engine's task queue.
func (e *Engine) Start(_ context.Context, workerOpts worker.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	w := worker.New(e.client, e.taskQueue, workerOpts)
	w.RegisterWorkflowWithOptions(e.runWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(e.dispatchActivity, activityRegisterOptions())
	if err := w.Start(); err != nil {
		return fmt.Errorf("scheduler/temporal: start worker: %w", err)
	}
	e.worker = w
	e.started = true
	return nil
}

// Stop shuts the worker down and, if this Engine owns the Temporal client,
// closes it too.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker != nil {
		e.worker.Stop()
	}
	if e.closeClient {
		e.client.Close()
	}
	e.started = false
}

// StartRun launches runID as a new Temporal workflow execution, one per
// run (spec.md §4.7's "one run maps to one Temporal workflow execution").
func (e *Engine) StartRun(ctx context.Context, runID string, input any) error {
	_, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        runID,
		TaskQueue: e.taskQueue,
	}, WorkflowName, input)
	if err != nil {
		return fmt.Errorf("scheduler/temporal: start run %q: %w", runID, err)
	}
	return nil
}

// SignalResume delivers a step.resume payload into the run's workflow.
func (e *Engine) SignalResume(ctx context.Context, runID string, payload any) error {
	return e.client.SignalWorkflow(ctx, runID, "", ResumeSignal, payload)
}

// SignalCancel requests cancellation of the run's workflow.
func (e *Engine) SignalCancel(ctx context.Context, runID string) error {
	return e.client.SignalWorkflow(ctx, runID, "", CancelSignal, nil)
}
