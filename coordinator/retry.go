package coordinator

import (
	"math"
	"reflect"
	"time"

	"github.com/stepflow/stepflow/config"
)

// effectivePolicy resolves the retry policy that actually governs a step
// dispatch: the step's own override wins, then the workflow's, then the
// engine-wide default.
func effectivePolicy(stepPolicy, wfPolicy *config.RetryPolicy, def config.RetryPolicy) config.RetryPolicy {
	if stepPolicy != nil {
		return *stepPolicy
	}
	if wfPolicy != nil {
		return *wfPolicy
	}
	return def
}

// backoffDelay computes the exponential backoff for the attempt-th retry
// (0-indexed), capped at p.MaxDelay.
func backoffDelay(p config.RetryPolicy, attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := math.Pow(p.Backoff, float64(attempt))
	if p.Backoff <= 0 {
		factor = 1
	}
	d := time.Duration(float64(p.InitialDelay) * factor)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// firstNonNil returns the first of a, b that is non-nil (used to resolve a
// step-level override against a workflow-level default, both expressed as
// *bool so "unset" and "explicitly false" are distinguishable).
func firstNonNil(a, b *bool) *bool {
	if a != nil {
		return a
	}
	return b
}

// toSlice normalizes a foreach input into an ordered []any, accepting either
// an already-decoded []any (the common case, coming off JSON or a prior
// step's native Go return value) or any other slice/array via reflection.
func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	default:
		return nil, false
	}
}
