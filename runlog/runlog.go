// Package runlog implements the coarse run-status observability store
// (SPEC_FULL.md §C.1): a lightweight record of run metadata — status,
// timestamps, labels — kept separate from the full replay state in
// snapshot.Store so dashboards and listWorkflowRuns filtering don't require
// deserializing every run's full snapshot.
package runlog

import (
	"context"
	"time"

	"github.com/stepflow/stepflow/snapshot"
)

// Record is the coarse, dashboard-facing view of a run.
type Record struct {
	RunID      string
	WorkflowID string
	ResourceID string
	Status     snapshot.Status
	StartedAt  time.Time
	UpdatedAt  time.Time
	Labels     map[string]string
	Metadata   map[string]any
}

// ListFilter narrows List to a subset of records. A zero-value WorkflowID
// matches every workflow.
type ListFilter struct {
	WorkflowID string
	Status     snapshot.Status // zero value matches every status
}

// Store tracks coarse run metadata, independent of snapshot.Store's full
// per-run replay state.
type Store interface {
	Upsert(ctx context.Context, r Record) error
	Load(ctx context.Context, runID string) (Record, error)

	// List returns every record matching filter, ordered by StartedAt
	// descending (most recent first). Backs listWorkflowRuns (spec.md
	// §4.6) without forcing a full snapshot.Store scan/deserialize.
	List(ctx context.Context, filter ListFilter) ([]Record, error)
}
