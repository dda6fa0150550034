// Package workflow implements the Workflow Registry/Builder (C6): the
// fluent `createWorkflow(...).then(...)...commit()` composition surface
// that produces a graph.Plan the coordinator can run, plus a registry of
// committed workflows keyed by id.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/graph"
	"github.com/stepflow/stepflow/step"
)

// OnFinish is invoked once a run finishes with success status, with the
// run's result.
type OnFinish func(runID string, output any)

// OnError is invoked when a run fails or a step exhausts its retries.
type OnError func(runID string, err error)

// Options carries the non-schema knobs of createWorkflow's `options`
// argument (spec.md §6): `{validateInputs?, onFinish?, onError?}`.
type Options struct {
	// ValidateInputs disables input-schema validation for the whole workflow
	// when explicitly set to false; nil or true means validate (the spec's
	// default), mirroring step.Step.ValidateInputs's override convention.
	ValidateInputs *bool
	OnFinish       OnFinish
	OnError        OnError
}

// Config is createWorkflow's argument: `{id, inputSchema, outputSchema,
// steps?, retryConfig?, options?}`.
type Config struct {
	ID           string
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
	Steps        []*step.Step
	RetryPolicy  *config.RetryPolicy
	Options      Options

	// Labels are default requestContext entries merged (caller wins) with
	// the per-start value (SPEC_FULL.md §C.5).
	Labels map[string]any
}

// Workflow is a committed, runnable definition: a frozen graph.Plan plus
// the metadata and step registry the coordinator needs to execute it.
type Workflow struct {
	ID           string
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
	RetryPolicy  *config.RetryPolicy
	Options      Options
	Labels       map[string]any

	Plan  *graph.Plan
	Steps *step.Registry
}

// Builder accumulates a node sequence via fluent calls and freezes it into
// a Workflow with Commit.
type Builder struct {
	cfg      Config
	sequence []*graph.Node
	steps    *step.Registry
	err      error
}

// New starts a builder from cfg, registering cfg.Steps up front so `.then`
// can reference them by id.
func New(cfg Config) *Builder {
	if cfg.RetryPolicy == nil {
		d := config.Default().DefaultRetryPolicy
		cfg.RetryPolicy = &d
	}
	b := &Builder{cfg: cfg, steps: step.NewRegistry()}
	for _, s := range cfg.Steps {
		if err := b.steps.Register(s); err != nil {
			b.err = err
			break
		}
	}
	return b
}

// Then appends a single step, referenced by its registered id.
func (b *Builder) Then(stepID string) *Builder {
	return b.push(graph.Step(stepID))
}

// ThenNode appends an arbitrary combinator node, for composing parallel/
// branch/etc. results inline rather than only at the top level.
func (b *Builder) ThenNode(n *graph.Node) *Builder {
	return b.push(n)
}

// Parallel appends a node whose children (by step id) all run concurrently.
func (b *Builder) Parallel(stepIDs ...string) *Builder {
	children := make([]*graph.Node, len(stepIDs))
	for i, id := range stepIDs {
		children[i] = graph.Step(id)
	}
	return b.push(graph.Parallel(children...))
}

// Branch appends a node whose arms are all evaluated and matching ones run
// concurrently.
func (b *Builder) Branch(arms ...graph.BranchArm) *Builder {
	return b.push(graph.Branch(arms...))
}

// DoUntil appends a node that repeats stepID until pred holds on its last output.
func (b *Builder) DoUntil(stepID string, pred graph.Predicate) *Builder {
	return b.push(graph.DoUntil(graph.Step(stepID), pred))
}

// DoWhile appends a node that repeats stepID while pred holds on its last output.
func (b *Builder) DoWhile(stepID string, pred graph.Predicate) *Builder {
	return b.push(graph.DoWhile(graph.Step(stepID), pred))
}

// ForeachOptions configures Foreach.
type ForeachOptions struct {
	Concurrency int
}

// Foreach appends a node applying stepID to each element of the current
// value under a bounded concurrency.
func (b *Builder) Foreach(stepID string, opts ForeachOptions) *Builder {
	return b.push(graph.Foreach(graph.Step(stepID), opts.Concurrency))
}

// Map appends a node rewriting the current value per the resolver AST.
func (b *Builder) Map(m *graph.Mapping) *Builder {
	return b.push(graph.Map(m))
}

// Sleep appends a timed wait of ms milliseconds (spec.md §3's `sleep(ms)`).
func (b *Builder) Sleep(ms int64) *Builder {
	return b.push(graph.Sleep(time.Duration(ms) * time.Millisecond))
}

// SleepUntil appends a wait until the given absolute time.
func (b *Builder) SleepUntil(t time.Time) *Builder {
	return b.push(graph.SleepUntil(t))
}

// SubWorkflow embeds an already-committed workflow as a single node.
func (b *Builder) SubWorkflow(wf *Workflow) *Builder {
	if wf == nil || wf.Plan == nil || !wf.Plan.Committed() {
		b.err = fmt.Errorf("workflow: SubWorkflow requires an already-committed workflow")
		return b
	}
	return b.push(graph.SubWorkflow(wf.Plan))
}

func (b *Builder) push(n *graph.Node) *Builder {
	if b.err != nil {
		return b
	}
	b.sequence = append(b.sequence, n)
	return b
}

// Commit freezes the accumulated sequence into a Workflow. Errors from
// graph.Plan.Commit are returned verbatim so callers can match on
// graph.ErrEmptyPlan / graph.ErrUnsupportedOperator.
func (b *Builder) Commit() (*Workflow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.cfg.ID == "" {
		return nil, fmt.Errorf("workflow: id is required")
	}
	plan := graph.NewPlan(b.cfg.ID, b.sequence...)
	if err := plan.Commit(); err != nil {
		return nil, err
	}
	return &Workflow{
		ID:           b.cfg.ID,
		InputSchema:  b.cfg.InputSchema,
		OutputSchema: b.cfg.OutputSchema,
		RetryPolicy:  b.cfg.RetryPolicy,
		Options:      b.cfg.Options,
		Labels:       b.cfg.Labels,
		Plan:         plan,
		Steps:        b.steps,
	}, nil
}

// Registry holds committed workflows keyed by id, guarded for concurrent
// registration/lookup (mirrors step.Registry's shape).
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry { return &Registry{workflows: make(map[string]*Workflow)} }

// ErrAlreadyRegistered is returned by Register when a different workflow is
// already registered under the same id.
var ErrAlreadyRegistered = fmt.Errorf("workflow: id already registered")

// Register adds wf, rejecting a second distinct workflow under the same id.
func (r *Registry) Register(wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow: cannot register a nil or unidentified workflow")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workflows[wf.ID]; ok && existing != wf {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, wf.ID)
	}
	r.workflows[wf.ID] = wf
	return nil
}

// Get looks up a workflow by id.
func (r *Registry) Get(id string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	return wf, ok
}
