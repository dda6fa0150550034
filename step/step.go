// Package step implements the Step Runtime (C4): the immutable step
// definition and the execution context an execute callable receives.
package step

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stepflow/stepflow/config"
)

// Execute is the user-supplied step body. It returns the step's output, or
// calls ctx.Suspend/ctx.Bail/ctx.Abort to take one of the non-return exit
// paths described in spec.md §4.4.
type Execute func(ctx context.Context, ec *ExecContext) (any, error)

// Step is an immutable, registered unit of work. Cloning (Clone) produces a
// new Step with a new identity and the same behavior.
type Step struct {
	ID string

	InputSchema   *jsonschema.Schema
	OutputSchema  *jsonschema.Schema
	SuspendSchema *jsonschema.Schema
	ResumeSchema  *jsonschema.Schema

	RetryPolicy *config.RetryPolicy

	// ValidateInputs disables input-schema validation for this step when
	// explicitly set to false; nil means "inherit the workflow setting".
	ValidateInputs *bool

	Execute Execute
}

// Clone returns a new Step with the same schemas, retry policy, and execute
// callable but a distinct identity.
func (s *Step) Clone(newID string) *Step {
	clone := *s
	clone.ID = newID
	return &clone
}

// SuspendError is the sentinel returned by ExecContext.Suspend. The
// coordinator recognizes it via errors.As and treats it as a suspension
// rather than a StepFailure.
type SuspendError struct {
	Payload any
}

func (e *SuspendError) Error() string { return "step: suspended" }

// BailError is the sentinel returned by ExecContext.Bail: immediate run
// termination as success with the given output.
type BailError struct {
	Output any
}

func (e *BailError) Error() string { return "step: bailed" }

// AbortError is the sentinel returned by ExecContext.Abort: voluntary
// cancellation from inside a step.
var AbortError = fmt.Errorf("step: aborted")

// StepResultView is the minimal read-only projection of a StepResult that
// GetStepResult exposes to step bodies, avoiding an import cycle with the
// snapshot package (which itself depends on errcodec, not step).
type StepResultView struct {
	Status string
	Output any
}

// ExecContext is passed to every Execute invocation; it is the canonical
// execution context of spec.md §4.4.
type ExecContext struct {
	InputData      any
	ResumeData     any
	RetryCount     int
	RunID          string
	RequestContext map[string]any

	GetStepResult func(stepRef string) (StepResultView, bool)
	GetInitData   func() any

	// Registry is the handle to the external registry (agent/tool lookup),
	// spec.md's "mastra" equivalent. Left as an opaque any so step bodies
	// can type-assert to whatever registry shape their application wires
	// in; the engine itself never inspects it.
	Registry any

	abortSignal chan struct{}
	abortOnce   sync.Once
}

// NewExecContext constructs an ExecContext with a fresh abort signal.
func NewExecContext() *ExecContext {
	return &ExecContext{abortSignal: make(chan struct{})}
}

// AbortSignal fires when the owning run is canceled.
func (ec *ExecContext) AbortSignal() <-chan struct{} { return ec.abortSignal }

// TriggerAbort closes the abort signal; safe to call more than once and
// from any goroutine. Called by the coordinator on cancel.
func (ec *ExecContext) TriggerAbort() {
	ec.abortOnce.Do(func() { close(ec.abortSignal) })
}

// Suspend returns a *SuspendError carrying payload. Callers should
// `return ec.Suspend(payload)` so the step ends there; the coordinator
// recognizes the *SuspendError via errors.As and records a suspension
// rather than a failure.
func (ec *ExecContext) Suspend(payload any) (any, error) {
	return nil, &SuspendError{Payload: payload}
}

// Bail ends the run immediately as a success with the given output.
func (ec *ExecContext) Bail(output any) (any, error) {
	return nil, &BailError{Output: output}
}

// Abort signals voluntary cancellation from inside the step.
func (ec *ExecContext) Abort() (any, error) {
	return nil, AbortError
}

// Registry holds immutable Steps by id.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]*Step
}

// NewRegistry returns an empty step Registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]*Step)}
}

// Register adds s to the registry. Registering an id twice with a
// different *Step is an error; re-registering the identical pointer is a
// no-op, matching the "steps are immutable once registered" invariant.
func (r *Registry) Register(s *Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.steps[s.ID]; ok && existing != s {
		return fmt.Errorf("step: id %q already registered", s.ID)
	}
	r.steps[s.ID] = s
	return nil
}

// Get looks up a step by id.
func (r *Registry) Get(id string) (*Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[id]
	return s, ok
}
