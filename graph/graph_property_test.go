package graph

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestForeachConcurrencyProperty verifies spec.md §8's Foreach contract: a
// declared concurrency of n defaults to 1 when n <= 0 and is preserved
// unchanged otherwise, for any n.
func TestForeachConcurrencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("foreach concurrency is max(n, 1)", prop.ForAll(
		func(n int) bool {
			got := Foreach(Step("item"), n).Concurrency
			if n <= 0 {
				return got == 1
			}
			return got == n
		},
		gen.IntRange(-5, 50),
	))

	properties.TestingRun(t)
}

// TestPlanLabelsMatchStepOrderProperty verifies the ∀ label L invariant of
// spec.md §8 for a linear plan: every step ID given to NewPlan becomes a
// label present in Labels(), in the same order, for any non-empty sequence
// of distinct step IDs.
func TestPlanLabelsMatchStepOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("committed plan labels equal the input step ID sequence", prop.ForAll(
		func(ids []string) bool {
			nodes := make([]*Node, len(ids))
			for i, id := range ids {
				nodes[i] = Step(id)
			}
			p := NewPlan("wf", nodes...)
			if err := p.Commit(); err != nil {
				return false
			}
			labels := p.Labels()
			if len(labels) != len(ids) {
				return false
			}
			for i, id := range ids {
				if labels[i] != id {
					return false
				}
			}
			return true
		},
		genDistinctStepIDs(),
	))

	properties.TestingRun(t)
}

// TestFingerprintStabilityProperty verifies that two plans built from the
// same step ID sequence always produce identical fingerprints.
func TestFingerprintStabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical step shape yields identical fingerprint", prop.ForAll(
		func(ids []string) bool {
			fp1 := commitWithIDs(t, ids)
			fp2 := commitWithIDs(t, ids)
			return fp1 == fp2
		},
		genDistinctStepIDs(),
	))

	properties.TestingRun(t)
}

func commitWithIDs(t *testing.T, ids []string) string {
	t.Helper()
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		nodes[i] = Step(id)
	}
	p := NewPlan("wf", nodes...)
	if err := p.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return p.SerializedStepGraph()
}

// genDistinctStepIDs generates a non-empty slice of 1-8 distinct,
// non-empty alphabetic step IDs.
func genDistinctStepIDs() gopter.Gen {
	return gen.IntRange(1, 8).FlatMap(func(n any) gopter.Gen {
		count := n.(int)
		return gen.SliceOfN(count, gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })).
			Map(func(ids []string) []string {
				seen := make(map[string]struct{}, len(ids))
				out := make([]string, 0, len(ids))
				for i, id := range ids {
					unique := id
					for {
						if _, dup := seen[unique]; !dup {
							break
						}
						unique = unique + string(rune('a'+i))
					}
					seen[unique] = struct{}{}
					out = append(out, unique)
				}
				return out
			})
	}, gen.SliceOf(gen.AlphaString()).Type())
}
