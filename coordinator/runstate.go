package coordinator

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stepflow/stepflow/errcodec"
	"github.com/stepflow/stepflow/graph"
	"github.com/stepflow/stepflow/snapshot"
	"github.com/stepflow/stepflow/step"
	"github.com/stepflow/stepflow/workflow"
)

// runState is one Dispatch-level walk's mutable context. It is cheaply
// shallow-copied by child() when descending into a sub_workflow: the shared
// mutex, cancellation channel, step budget, and in-flight exec list are
// reused by pointer, while prefix grows to namespace the child's otherwise
// workflow-relative labels under the parent's absolute path.
type runState struct {
	rt    *Runtime
	ctx   context.Context
	wf    *workflow.Workflow
	steps *step.Registry
	snap  *snapshot.Snapshot

	prefix  string
	perStep bool

	// resumeTarget/resumeData address the single label being re-entered by
	// a Resume/TimeTravel call; empty resumeTarget means a fresh walk.
	resumeTarget string
	resumeData   any

	mu       *sync.Mutex
	budget   *int32
	canceled chan struct{}
	execs    *[]*step.ExecContext
}

func (r *Runtime) newRunState(ctx context.Context, wf *workflow.Workflow, snap *snapshot.Snapshot, perStep bool) *runState {
	budget := int32(math.MaxInt32)
	if perStep {
		budget = 1
	}
	execs := make([]*step.ExecContext, 0)
	return &runState{
		rt: r, ctx: ctx, wf: wf, steps: wf.Steps, snap: snap, perStep: perStep,
		mu: &sync.Mutex{}, budget: &budget, canceled: make(chan struct{}), execs: &execs,
	}
}

// full resolves label (workflow-relative for the currently active plan,
// since graph.Plan.Commit already threads absolute paths through every node
// reachable from a single plan) to its globally absolute snapshot key.
func (rs *runState) full(label string) string { return rs.prefix + label }

// child returns a runState for descending into a sub_workflow embedded at
// absolutePath: everything shared (cancellation, budget, exec tracking,
// snapshot) carries over; only the owning workflow/step-registry and label
// prefix change.
func (rs *runState) child(wf *workflow.Workflow, absolutePath string) *runState {
	c := *rs
	c.wf = wf
	c.steps = wf.Steps
	c.prefix = absolutePath + "."
	return &c
}

// fresh reports whether this walk is a brand new entry (StartRun or a
// TimeTravel without resumeData) rather than a resume pass — used to gate
// input-schema validation, which only applies once per node.
func (rs *runState) fresh() bool { return rs.resumeTarget == "" }

func (rs *runState) takeStepBudget() bool {
	for {
		cur := atomic.LoadInt32(rs.budget)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(rs.budget, cur, cur-1) {
			return true
		}
	}
}

func (rs *runState) triggerCancel() {
	rs.mu.Lock()
	select {
	case <-rs.canceled:
	default:
		close(rs.canceled)
	}
	execs := append([]*step.ExecContext(nil), *rs.execs...)
	rs.mu.Unlock()
	for _, ec := range execs {
		ec.TriggerAbort()
	}
}

func (rs *runState) checkCanceledErr() bool {
	select {
	case <-rs.canceled:
		return true
	default:
		return false
	}
}

// sleepOrCancel blocks for d, returning false early if the run is canceled
// or the dispatch-level context is done, so a retry backoff never outlives
// its run.
func (rs *runState) sleepOrCancel(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-rs.canceled:
		return false
	case <-rs.ctx.Done():
		return false
	}
}

func (rs *runState) trackExec(ec *step.ExecContext) {
	rs.mu.Lock()
	*rs.execs = append(*rs.execs, ec)
	rs.mu.Unlock()
}

func (rs *runState) snapshotRequestContext() map[string]any {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]any, len(rs.snap.RequestContext))
	for k, v := range rs.snap.RequestContext {
		out[k] = v
	}
	return out
}

// getStepResultView backs step.ExecContext.GetStepResult: it tries the
// caller-relative label first (nested sub-workflow steps referencing a
// sibling), then falls back to treating stepRef as already-absolute.
func (rs *runState) getStepResultView(stepRef string) (step.StepResultView, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr, ok := rs.snap.Steps[rs.full(stepRef)]
	if !ok {
		sr, ok = rs.snap.Steps[stepRef]
	}
	if !ok {
		return step.StepResultView{}, false
	}
	return step.StepResultView{Status: string(sr.Status), Output: sr.Output}, true
}

func (rs *runState) getStepResultRaw(stepRef string) (any, string, bool) {
	v, ok := rs.getStepResultView(stepRef)
	if !ok {
		return nil, "", false
	}
	return v.Output, v.Status, true
}

func (rs *runState) existingOrNew(label string, start time.Time) *snapshot.StepResult {
	sr, ok := rs.snap.Steps[label]
	if !ok {
		sr = &snapshot.StepResult{StartedAt: start}
		rs.snap.Steps[label] = sr
	}
	return sr
}

func (rs *runState) markActive(label string, start time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.snap.ActivePaths[label] = struct{}{}
	sr := rs.existingOrNew(label, start)
	sr.Status = snapshot.StatusRunning
}

func (rs *runState) setSuccess(label string, end time.Time, output any, resumePayload any, wasResumed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr := rs.existingOrNew(label, end)
	sr.Status = snapshot.StatusSuccess
	sr.EndedAt = &end
	sr.Output = output
	if wasResumed {
		sr.ResumePayload = resumePayload
		sr.ResumedAt = &end
	}
	delete(rs.snap.ActivePaths, label)
	delete(rs.snap.SuspendedPaths, label)
	delete(rs.snap.WaitingPaths, label)
}

func (rs *runState) setFailed(label string, end time.Time, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr := rs.existingOrNew(label, end)
	sr.Status = snapshot.StatusFailed
	sr.EndedAt = &end
	sr.Error = errcodec.Encode(err)
	delete(rs.snap.ActivePaths, label)
}

func (rs *runState) setCanceledStep(label string, end time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr := rs.existingOrNew(label, end)
	sr.Status = snapshot.StatusCanceled
	sr.EndedAt = &end
	delete(rs.snap.ActivePaths, label)
}

func (rs *runState) setSuspended(label string, start time.Time, payload any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr := rs.existingOrNew(label, start)
	sr.Status = snapshot.StatusSuspended
	sr.SuspendPayload = snapshot.WithWorkflowMeta(payload, strings.Split(label, "."), rs.snap.RunID)
	sr.SuspendedAt = &start
	delete(rs.snap.ActivePaths, label)
	rs.snap.SuspendedPaths[label] = snapshot.ResumeCursor{Label: label, Since: start}
}

func (rs *runState) setWaiting(label string, start time.Time, wakeAt time.Time, payload any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr := rs.existingOrNew(label, start)
	sr.Status = snapshot.StatusWaiting
	sr.Payload = payload
	delete(rs.snap.ActivePaths, label)
	rs.snap.WaitingPaths[label] = wakeAt
}

func (rs *runState) completeWaiting(label string, end time.Time, resumeVal any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sr := rs.existingOrNew(label, end)
	sr.Status = snapshot.StatusSuccess
	sr.EndedAt = &end
	sr.Output = resumeVal
	sr.ResumedAt = &end
	delete(rs.snap.WaitingPaths, label)
}

func (rs *runState) clearResult(label string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.snap.Steps, label)
	delete(rs.snap.ActivePaths, label)
	delete(rs.snap.SuspendedPaths, label)
	delete(rs.snap.WaitingPaths, label)
	delete(rs.snap.RetryCount, label)
}

// clearSubtree resets every label reachable from n (n itself plus nested
// parallel/branch/loop/foreach children) so a loop body can be walked fresh
// on its next iteration despite reusing the same label subtree each time.
func (rs *runState) clearSubtree(n *graph.Node) {
	rs.clearResult(rs.full(n.Label))
	switch n.Kind {
	case graph.KindParallel:
		for _, c := range n.Children {
			rs.clearSubtree(c)
		}
	case graph.KindBranch:
		for _, a := range n.Arms {
			rs.clearSubtree(a.Node)
		}
	case graph.KindDoUntil, graph.KindDoWhile, graph.KindForeach:
		rs.clearSubtree(n.Body)
	}
}
