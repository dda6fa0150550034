package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/graph"
	"github.com/stepflow/stepflow/snapshot"
	"github.com/stepflow/stepflow/step"
	"github.com/stepflow/stepflow/workflow"
)

// TestStartRunIsIdempotentForGivenRunIDProperty verifies spec.md §8's
// idempotent-run-id invariant: starting the same RunID twice against a
// workflow that has already reached a terminal status returns a snapshot
// carrying that same RunID both times, for any RunID/input pair.
func TestStartRunIsIdempotentForGivenRunIDProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	wf, err := workflow.New(workflow.Config{
		ID:    "idempotent-linear",
		Steps: []*step.Step{echoStep("a")},
	}).Then("a").Commit()
	require.NoError(t, err)

	properties.Property("StartRun called twice with the same run id reports the same run id", prop.ForAll(
		func(runID, input string) bool {
			rt := newTestRuntime(t, nil)
			if err := rt.workflows.Register(wf); err != nil {
				return false
			}
			ctx := context.Background()

			snap1, err := rt.StartRun(ctx, wf, StartRequest{RunID: runID, Input: input})
			if err != nil {
				return false
			}
			snap2, err := rt.StartRun(ctx, wf, StartRequest{RunID: runID, Input: input})
			if err != nil {
				return false
			}
			return snap1.RunID == runID && snap2.RunID == runID && snap1.RunID == snap2.RunID
		},
		genNonEmptyAlpha(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestParallelAggregationPreservesChildOrderProperty verifies spec.md §8's
// parallel-fan-out invariant: a parallel node's output lists each child's
// result positionally aligned with the child order in the plan, for any
// number of echo children and any input value.
func TestParallelAggregationPreservesChildOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("parallel output[i] == child[i]'s own output, for every child", prop.ForAll(
		func(childCount int, input string) bool {
			steps := make([]*step.Step, childCount)
			ids := make([]string, childCount)
			for i := range steps {
				id := fmt.Sprintf("child-%d", i)
				ids[i] = id
				steps[i] = echoStep(id)
			}
			wf, err := workflow.New(workflow.Config{
				ID:    "parallel-prop",
				Steps: steps,
			}).Parallel(ids...).Commit()
			if err != nil {
				return false
			}

			rt := newTestRuntime(t, nil)
			if err := rt.workflows.Register(wf); err != nil {
				return false
			}
			snap, err := rt.StartRun(context.Background(), wf, StartRequest{RunID: "run-" + fmt.Sprint(childCount) + "-" + input, Input: input})
			if err != nil || snap.Status != snapshot.StatusSuccess {
				return false
			}
			outputs, ok := snap.Result.([]any)
			if !ok || len(outputs) != childCount {
				return false
			}
			for _, out := range outputs {
				if out != input {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestForeachPreservesInputOrderProperty verifies spec.md §8's foreach
// invariant: the output sequence of a foreach over [x_0, x_1, ...] is
// [f(x_0), f(x_1), ...] in the same order as the input, for any slice of
// string inputs under an uppercasing step.
func TestForeachPreservesInputOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	wf, err := workflow.New(workflow.Config{
		ID:    "foreach-prop",
		Steps: []*step.Step{upperStep("up")},
	}).Foreach("up", workflow.ForeachOptions{Concurrency: 3}).Commit()
	require.NoError(t, err)

	properties.Property("foreach output is the element-wise mapped input, in order", prop.ForAll(
		func(items []string) bool {
			rt := newTestRuntime(t, nil)
			if err := rt.workflows.Register(wf); err != nil {
				return false
			}
			input := make([]any, len(items))
			for i, it := range items {
				input[i] = it
			}
			snap, err := rt.StartRun(context.Background(), wf, StartRequest{RunID: "run-foreach-" + fmt.Sprint(len(items)), Input: input})
			if err != nil || snap.Status != snapshot.StatusSuccess {
				return false
			}
			outputs, ok := snap.Result.([]any)
			if !ok || len(outputs) != len(items) {
				return false
			}
			for i, it := range items {
				if outputs[i] != upper(it) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestStartRunRejectsUncommittedPlanProperty generalizes
// TestCoordinator_StartRunRejectsUncommittedPlanDistinctlyFromEmpty over
// arbitrary step-id sets: any hand-built, never-committed plan is always
// rejected with ErrUncommitted, never ErrEmptyPlan.
func TestStartRunRejectsUncommittedPlanProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("an uncommitted non-empty plan is always ErrUncommitted, never ErrEmptyPlan", prop.ForAll(
		func(ids []string) bool {
			nodes := make([]*graph.Node, len(ids))
			for i, id := range ids {
				nodes[i] = graph.Step(id)
			}
			wf := &workflow.Workflow{ID: "uncommitted-prop", Plan: graph.NewPlan("uncommitted-prop", nodes...)}

			rt := newTestRuntime(t, nil)
			_, err := rt.StartRun(context.Background(), wf, StartRequest{RunID: "run-x"})
			return err != nil &&
				errors.Is(err, ErrUncommitted) &&
				!errors.Is(err, graph.ErrEmptyPlan)
		},
		gen.SliceOfN(3, gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })),
	))

	properties.TestingRun(t)
}

func upper(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - 'a' + 'A'
		}
	}
	return string(out)
}

func genNonEmptyAlpha() gopter.Gen {
	return gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })
}
