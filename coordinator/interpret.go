package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/errcodec"
	"github.com/stepflow/stepflow/graph"
	"github.com/stepflow/stepflow/scheduler/timerstore"
	"github.com/stepflow/stepflow/snapshot"
	"github.com/stepflow/stepflow/step"
)

// pauseKind tags why a walk stopped advancing without erroring.
type pauseKind int

const (
	pauseSuspend pauseKind = iota // step.ExecContext.Suspend
	pauseWaiting                  // sleep/sleep_until awaiting a timer
	pauseYield                    // perStep budget exhausted, or the one allotted step just ran
	pauseBail                     // step.ExecContext.Bail: run ends as a success right here
)

// pause is returned alongside (output, nil error) by every walk function to
// mean "stop advancing the enclosing sequence/combinator; here is why".
type pause struct {
	kind    pauseKind
	label   string
	payload any
	wakeAt  time.Time
}

func isLeafKind(k graph.Kind) bool {
	switch k {
	case graph.KindStep, graph.KindSleep, graph.KindSleepUntil, graph.KindMap, graph.KindSubWorkflow:
		return true
	default:
		return false
	}
}

func foreachItemLabel(base string, idx int) string { return fmt.Sprintf("%s[%d]", base, idx) }

// checkCache consults the already-recorded StepResult for label, short-
// circuiting real work whenever possible: a terminal success/failure is
// replayed at zero cost (ordinary re-sequencing after a sibling's
// suspension resumes, or a cached resume pass walking past already-settled
// nodes); a still-open suspend/waiting that is NOT the current resume
// target is reconstructed as the same pause so an enclosing parallel/branch
// can keep treating it as incomplete; a still-open suspend/waiting that IS
// the resume target falls through unhandled so the caller re-executes it
// with resumeData.
func (r *Runtime) checkCache(rs *runState, label string) (out any, p *pause, err error, handled bool) {
	rs.mu.Lock()
	sr, ok := rs.snap.Steps[label]
	isTarget := label == rs.resumeTarget
	rs.mu.Unlock()
	if !ok {
		return nil, nil, nil, false
	}
	switch sr.Status {
	case snapshot.StatusSuccess:
		return sr.Output, nil, nil, true
	case snapshot.StatusFailed:
		return nil, nil, errcodec.Decode(sr.Error), true
	case snapshot.StatusCanceled:
		return nil, nil, ErrCanceled, true
	case snapshot.StatusSuspended:
		if isTarget {
			return nil, nil, nil, false
		}
		return nil, &pause{kind: pauseSuspend, label: label, payload: sr.SuspendPayload}, nil, true
	case snapshot.StatusWaiting:
		if isTarget {
			return nil, nil, nil, false
		}
		return nil, &pause{kind: pauseWaiting, label: label, payload: sr.Payload}, nil, true
	default:
		return nil, nil, nil, false
	}
}

// walkSequence drives a `.then().then()` chain (the plan's top level, a
// sub-workflow's top level, or implicitly the linear body in between
// combinators), stopping and propagating the first pause or error.
func (r *Runtime) walkSequence(rs *runState, nodes []*graph.Node, input any) (any, *pause, error) {
	cur := input
	for _, n := range nodes {
		out, p, err := r.walkNode(rs, n, cur)
		if err != nil {
			return nil, nil, err
		}
		if p != nil {
			return cur, p, nil
		}
		cur = out
	}
	return cur, nil, nil
}

func (r *Runtime) walkNode(rs *runState, n *graph.Node, input any) (any, *pause, error) {
	if rs.checkCanceledErr() {
		return nil, nil, ErrCanceled
	}
	switch n.Kind {
	case graph.KindStep:
		return r.walkStep(rs, n, rs.full(n.Label), input)
	case graph.KindParallel:
		return r.walkParallel(rs, n, input)
	case graph.KindBranch:
		return r.walkBranch(rs, n, input)
	case graph.KindDoUntil:
		return r.walkLoop(rs, n, input, false)
	case graph.KindDoWhile:
		return r.walkLoop(rs, n, input, true)
	case graph.KindForeach:
		return r.walkForeach(rs, n, input)
	case graph.KindSleep:
		return r.walkSleep(rs, n, rs.full(n.Label), input, false)
	case graph.KindSleepUntil:
		return r.walkSleep(rs, n, rs.full(n.Label), input, true)
	case graph.KindMap:
		return r.walkMap(rs, n, rs.full(n.Label), input)
	case graph.KindSubWorkflow:
		return r.walkSubWorkflow(rs, n, rs.full(n.Label), input)
	default:
		return nil, nil, fmt.Errorf("coordinator: unknown node kind %q", n.Kind)
	}
}

// walkLeaf dispatches only the leaf kinds, used by foreach to run a body
// under an overridden per-item label instead of the one shape assignLabels
// gave the (singular, shared) body template.
func (r *Runtime) walkLeaf(rs *runState, n *graph.Node, label string, input any) (any, *pause, error) {
	switch n.Kind {
	case graph.KindStep:
		return r.walkStep(rs, n, label, input)
	case graph.KindSleep:
		return r.walkSleep(rs, n, label, input, false)
	case graph.KindSleepUntil:
		return r.walkSleep(rs, n, label, input, true)
	case graph.KindMap:
		return r.walkMap(rs, n, label, input)
	case graph.KindSubWorkflow:
		return r.walkSubWorkflow(rs, n, label, input)
	default:
		return nil, nil, fmt.Errorf("coordinator: foreach body kind %q is not a leaf", n.Kind)
	}
}

func (r *Runtime) walkStep(rs *runState, n *graph.Node, label string, input any) (any, *pause, error) {
	if rs.checkCanceledErr() {
		return nil, nil, ErrCanceled
	}
	if out, p, err, handled := r.checkCache(rs, label); handled {
		return out, p, err
	}

	st, ok := rs.steps.Get(n.StepID)
	if !ok {
		return nil, nil, fmt.Errorf("coordinator: step %q not registered", n.StepID)
	}

	isResume := label == rs.resumeTarget
	var resumeData any
	if isResume {
		resumeData = rs.resumeData
	}

	if !isResume {
		if !rs.takeStepBudget() {
			return nil, &pause{kind: pauseYield, label: label}, nil
		}
	}

	validate := shouldValidate(firstNonNil(st.ValidateInputs, rs.wf.Options.ValidateInputs))
	if validate && !isResume && st.InputSchema != nil {
		if err := validateAgainstSchema(st.InputSchema, input); err != nil {
			return nil, nil, fmt.Errorf("coordinator: step %q input validation: %w", n.StepID, err)
		}
	}

	policy := effectivePolicy(st.RetryPolicy, rs.wf.RetryPolicy, r.defaultRetry)

	rs.mu.Lock()
	attempt := rs.snap.RetryCount[label]
	rs.mu.Unlock()

	started := time.Now()
	rs.markActive(label, started)
	r.emit(rs, bus.KindStepDispatch, label, map[string]any{"stepId": n.StepID, "input": input})

	ec := step.NewExecContext()
	ec.InputData = input
	ec.ResumeData = resumeData
	ec.RetryCount = attempt
	ec.RunID = rs.snap.RunID
	ec.RequestContext = rs.snapshotRequestContext()
	ec.GetStepResult = rs.getStepResultView
	ec.GetInitData = func() any { return rs.snap.Input }
	ec.Registry = r.registry
	rs.trackExec(ec)

	out, execErr := st.Execute(rs.ctx, ec)

	var suspendErr *step.SuspendError
	var bailErr *step.BailError

	switch {
	case errors.As(execErr, &suspendErr):
		if validate && st.SuspendSchema != nil {
			if verr := validateAgainstSchema(st.SuspendSchema, suspendErr.Payload); verr != nil {
				return nil, nil, fmt.Errorf("coordinator: step %q suspend payload validation: %w", n.StepID, verr)
			}
		}
		rs.setSuspended(label, started, suspendErr.Payload)
		r.emit(rs, bus.KindStepSuspend, label, map[string]any{"stepId": n.StepID, "payload": suspendErr.Payload})
		return nil, &pause{kind: pauseSuspend, label: label, payload: suspendErr.Payload}, nil

	case errors.As(execErr, &bailErr):
		rs.setSuccess(label, time.Now(), bailErr.Output, resumeData, isResume)
		return bailErr.Output, &pause{kind: pauseBail, label: label, payload: bailErr.Output}, nil

	case errors.Is(execErr, step.AbortError):
		rs.setCanceledStep(label, time.Now())
		return nil, nil, ErrCanceled

	case execErr != nil:
		rs.mu.Lock()
		rs.snap.RetryCount[label] = attempt + 1
		rs.mu.Unlock()
		if attempt+1 < policy.MaxAttempts {
			if !rs.sleepOrCancel(backoffDelay(policy, attempt)) {
				return nil, nil, ErrCanceled
			}
			return r.walkStep(rs, n, label, input)
		}
		rs.setFailed(label, time.Now(), execErr)
		r.emit(rs, bus.KindStepFailed, label, map[string]any{"stepId": n.StepID, "error": execErr.Error()})
		return nil, nil, fmt.Errorf("coordinator: step %q failed after %d attempt(s): %w", n.StepID, attempt+1, execErr)
	}

	if validate && st.OutputSchema != nil {
		if verr := validateAgainstSchema(st.OutputSchema, out); verr != nil {
			return nil, nil, fmt.Errorf("coordinator: step %q output validation: %w", n.StepID, verr)
		}
	}
	rs.setSuccess(label, time.Now(), out, resumeData, isResume)
	r.emit(rs, bus.KindStepResult, label, map[string]any{"stepId": n.StepID, "output": out})
	return out, nil, nil
}

func (r *Runtime) walkMap(rs *runState, n *graph.Node, label string, input any) (any, *pause, error) {
	if out, p, err, handled := r.checkCache(rs, label); handled {
		return out, p, err
	}
	scope := graph.Scope{
		InputData:      input,
		RequestContext: rs.snapshotRequestContext(),
		GetStepResult:  rs.getStepResultRaw,
		GetInitData:    func() any { return rs.snap.Input },
	}
	out, err := n.Resolver.Resolve(scope)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: map %q: %w", label, err)
	}
	rs.setSuccess(label, time.Now(), out, nil, false)
	return out, nil, nil
}

func (r *Runtime) walkSleep(rs *runState, n *graph.Node, label string, input any, until bool) (any, *pause, error) {
	if out, p, err, handled := r.checkCache(rs, label); handled {
		return out, p, err
	}

	if label == rs.resumeTarget {
		now := time.Now()
		rs.completeWaiting(label, now, input)
		r.emit(rs, bus.KindStepResult, label, map[string]any{"output": input})
		return input, nil, nil
	}

	wakeAt := n.SleepUntil
	if !until {
		wakeAt = time.Now().Add(n.SleepFor)
	}

	rs.setWaiting(label, time.Now(), wakeAt, input)
	if r.timers != nil {
		if err := r.timers.ScheduleTimer(rs.ctx, timerstore.Timer{RunID: rs.snap.RunID, Label: label, FireAt: wakeAt, Payload: input}); err != nil {
			return nil, nil, fmt.Errorf("coordinator: schedule timer for %q: %w", label, err)
		}
	}
	r.emit(rs, bus.KindTimerSet, label, map[string]any{"fireAt": wakeAt})
	return nil, &pause{kind: pauseWaiting, label: label, wakeAt: wakeAt, payload: input}, nil
}

func (r *Runtime) walkSubWorkflow(rs *runState, n *graph.Node, label string, input any) (any, *pause, error) {
	if out, p, err, handled := r.checkCache(rs, label); handled {
		return out, p, err
	}

	childWF, ok := r.workflows.Get(n.SubWorkflowID)
	if !ok {
		return nil, nil, fmt.Errorf("coordinator: sub workflow %q not registered", n.SubWorkflowID)
	}
	childRS := rs.child(childWF, label)

	if rs.fresh() && shouldValidate(childWF.Options.ValidateInputs) && childWF.InputSchema != nil {
		if err := validateAgainstSchema(childWF.InputSchema, input); err != nil {
			return nil, nil, fmt.Errorf("coordinator: sub workflow %q input validation: %w", n.SubWorkflowID, err)
		}
	}

	out, p, err := r.walkSequence(childRS, childWF.Plan.Sequence, input)
	if err != nil {
		return nil, nil, err
	}
	if p != nil {
		return nil, p, nil
	}

	if childWF.OutputSchema != nil {
		if err := validateAgainstSchema(childWF.OutputSchema, out); err != nil {
			return nil, nil, fmt.Errorf("coordinator: sub workflow %q output validation: %w", n.SubWorkflowID, err)
		}
	}
	rs.setSuccess(label, time.Now(), out, nil, false)
	return out, nil, nil
}

// walkChildrenSequentialFirstIncomplete runs children one at a time,
// stopping at (and returning) the first one that doesn't complete outright.
// A child already cached as complete costs nothing to re-walk, so this is
// both perStep's "advance only the first eligible child" rule and the
// ordinary resume-replay path for parallel/branch.
func (r *Runtime) walkChildrenSequentialFirstIncomplete(rs *runState, children []*graph.Node, input any) (any, *pause, error) {
	outputs := make([]any, len(children))
	for i, child := range children {
		out, p, err := r.walkNode(rs, child, input)
		if err != nil {
			return nil, nil, err
		}
		if p != nil {
			return nil, p, nil
		}
		outputs[i] = out
	}
	return outputs, nil, nil
}

func (r *Runtime) walkParallel(rs *runState, n *graph.Node, input any) (any, *pause, error) {
	if rs.perStep {
		return r.walkChildrenSequentialFirstIncomplete(rs, n.Children, input)
	}

	outputs := make([]any, len(n.Children))
	pauses := make([]*pause, len(n.Children))
	errs := make([]error, len(n.Children))
	var wg sync.WaitGroup
	for i, child := range n.Children {
		wg.Add(1)
		go func(i int, child *graph.Node) {
			defer wg.Done()
			outputs[i], pauses[i], errs[i] = r.walkNode(rs, child, input)
		}(i, child)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	for _, p := range pauses {
		if p != nil {
			return nil, p, nil
		}
	}
	return outputs, nil, nil
}

func (r *Runtime) walkBranch(rs *runState, n *graph.Node, input any) (any, *pause, error) {
	matches := make([]bool, len(n.Arms))
	errs := make([]error, len(n.Arms))
	var wg sync.WaitGroup
	for i, arm := range n.Arms {
		wg.Add(1)
		go func(i int, arm graph.BranchArm) {
			defer wg.Done()
			ok, err := arm.Predicate(rs.ctx, input)
			matches[i], errs[i] = ok, err
		}(i, arm)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, nil, fmt.Errorf("coordinator: branch predicate: %w", err)
		}
	}

	var matched []*graph.Node
	for i, ok := range matches {
		if ok {
			matched = append(matched, n.Arms[i].Node)
		}
	}
	if len(matched) == 0 {
		return input, nil, nil
	}
	if rs.perStep {
		return r.walkChildrenSequentialFirstIncomplete(rs, matched, input)
	}

	outputs := make([]any, len(matched))
	pauses := make([]*pause, len(matched))
	errs2 := make([]error, len(matched))
	var wg2 sync.WaitGroup
	for i, child := range matched {
		wg2.Add(1)
		go func(i int, child *graph.Node) {
			defer wg2.Done()
			outputs[i], pauses[i], errs2[i] = r.walkNode(rs, child, input)
		}(i, child)
	}
	wg2.Wait()
	for _, err := range errs2 {
		if err != nil {
			return nil, nil, err
		}
	}
	for _, p := range pauses {
		if p != nil {
			return nil, p, nil
		}
	}
	if len(outputs) == 1 {
		return outputs[0], nil, nil
	}
	return outputs, nil, nil
}

// walkLoop drives do_until (isWhile=false, repeats until pred is true) and
// do_while (isWhile=true, repeats while pred is true) bodies. Both reuse the
// same label subtree every iteration, so a completed iteration's cache is
// cleared before the next one starts; a suspended/waiting iteration instead
// leaves its cache entry in place and simply propagates the pause, and the
// next Resume call re-enters this same walkLoop call fresh, replaying
// completed prior iterations... which cannot happen here since completed
// iterations already cleared their cache — so a resume always lands on
// exactly the live iteration, by construction.
func (r *Runtime) walkLoop(rs *runState, n *graph.Node, input any, isWhile bool) (any, *pause, error) {
	cur := input
	for {
		out, p, err := r.walkNode(rs, n.Body, cur)
		if err != nil {
			return nil, nil, err
		}
		if p != nil {
			return cur, p, nil
		}
		cur = out

		cont, err := n.Predicate(rs.ctx, cur)
		if err != nil {
			return nil, nil, fmt.Errorf("coordinator: loop predicate: %w", err)
		}
		stop := cont
		if isWhile {
			stop = !cont
		}
		if stop {
			return cur, nil, nil
		}
		rs.clearSubtree(n.Body)
	}
}

func (r *Runtime) walkForeach(rs *runState, n *graph.Node, input any) (any, *pause, error) {
	items, ok := toSlice(input)
	if !ok {
		return nil, nil, fmt.Errorf("coordinator: foreach requires a slice-shaped input, got %T", input)
	}
	baseLabel := rs.full(n.Body.Label)

	if !isLeafKind(n.Body.Kind) {
		// Known limitation: a composite foreach body (parallel/branch/loop/
		// foreach) is assigned one shared label subtree by Plan.Commit, so
		// concurrent iterations would collide on the same cache entries.
		// Items run strictly sequentially instead of under n.Concurrency.
		outputs := make([]any, len(items))
		for i, item := range items {
			rs.clearSubtree(n.Body)
			out, p, err := r.walkNode(rs, n.Body, item)
			if err != nil {
				return nil, nil, err
			}
			if p != nil {
				return nil, p, nil
			}
			outputs[i] = out
			if rs.perStep {
				return outputs, &pause{kind: pauseYield, label: baseLabel}, nil
			}
		}
		return outputs, nil, nil
	}

	if rs.perStep {
		outputs := make([]any, len(items))
		for i, item := range items {
			out, p, err := r.walkLeaf(rs, n.Body, foreachItemLabel(baseLabel, i), item)
			if err != nil {
				return nil, nil, err
			}
			if p != nil {
				return nil, p, nil
			}
			outputs[i] = out
		}
		return outputs, nil, nil
	}

	concurrency := n.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	outputs := make([]any, len(items))
	pauses := make([]*pause, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()
			outputs[i], pauses[i], errs[i] = r.walkLeaf(rs, n.Body, foreachItemLabel(baseLabel, i), item)
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	for _, p := range pauses {
		if p != nil {
			return nil, p, nil
		}
	}
	return outputs, nil, nil
}
