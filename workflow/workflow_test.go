package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/graph"
	"github.com/stepflow/stepflow/step"
)

func echoStep(id string) *step.Step {
	return &step.Step{
		ID: id,
		Execute: func(_ context.Context, ec *step.ExecContext) (any, error) {
			return ec.InputData, nil
		},
	}
}

func TestBuilder_CommitProducesRunnablePlan(t *testing.T) {
	a, b := echoStep("a"), echoStep("b")
	wf, err := New(Config{ID: "linear", Steps: []*step.Step{a, b}}).
		Then("a").
		Then("b").
		Commit()
	require.NoError(t, err)
	require.True(t, wf.Plan.Committed())
	require.Equal(t, []string{"a", "b"}, wf.Plan.Labels())

	stepA, ok := wf.Steps.Get("a")
	require.True(t, ok)
	require.Same(t, a, stepA)
}

func TestBuilder_EmptyPlanFailsCommit(t *testing.T) {
	_, err := New(Config{ID: "empty"}).Commit()
	require.ErrorIs(t, err, graph.ErrEmptyPlan)
}

func TestBuilder_DuplicateStepIDRejected(t *testing.T) {
	a := echoStep("dup")
	other := echoStep("dup")
	_, err := New(Config{ID: "bad", Steps: []*step.Step{a, other}}).Then("dup").Commit()
	require.Error(t, err)
}

func TestRegistry_RejectsConflictingRegistration(t *testing.T) {
	wf1, err := New(Config{ID: "wf", Steps: []*step.Step{echoStep("a")}}).Then("a").Commit()
	require.NoError(t, err)
	wf2, err := New(Config{ID: "wf", Steps: []*step.Step{echoStep("a")}}).Then("a").Commit()
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(wf1))
	require.ErrorIs(t, r.Register(wf2), ErrAlreadyRegistered)

	got, ok := r.Get("wf")
	require.True(t, ok)
	require.Same(t, wf1, got)
}
