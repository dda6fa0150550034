package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/runlog"
	"github.com/stepflow/stepflow/snapshot"
)

func TestStore_UpsertPreservesStartedAtOnUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	started := time.Now().Add(-time.Hour)
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "r1", WorkflowID: "wf", Status: snapshot.StatusRunning, StartedAt: started}))
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "r1", WorkflowID: "wf", Status: snapshot.StatusSuccess}))

	rec, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, snapshot.StatusSuccess, rec.Status)
	require.True(t, rec.StartedAt.Equal(started))
}

func TestStore_LoadAbsentReturnsZeroRecord(t *testing.T) {
	s := New()
	rec, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, runlog.Record{}, rec)
}

func TestStore_ListFiltersByWorkflowAndStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "r1", WorkflowID: "wf-a", Status: snapshot.StatusSuccess}))
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "r2", WorkflowID: "wf-a", Status: snapshot.StatusFailed}))
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "r3", WorkflowID: "wf-b", Status: snapshot.StatusSuccess}))

	recs, err := s.List(ctx, runlog.ListFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = s.List(ctx, runlog.ListFilter{WorkflowID: "wf-a", Status: snapshot.StatusSuccess})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "r1", recs[0].RunID)
}

func TestStore_ListOrdersMostRecentFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "older", WorkflowID: "wf", StartedAt: now.Add(-time.Minute)}))
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "newer", WorkflowID: "wf", StartedAt: now}))

	recs, err := s.List(ctx, runlog.ListFilter{WorkflowID: "wf"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "newer", recs[0].RunID)
	require.Equal(t, "older", recs[1].RunID)
}

func TestStore_RecordsAreDefensivelyCopied(t *testing.T) {
	s := New()
	ctx := context.Background()
	labels := map[string]string{"k": "v"}
	require.NoError(t, s.Upsert(ctx, runlog.Record{RunID: "r1", WorkflowID: "wf", Labels: labels}))

	labels["k"] = "mutated"
	rec, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "v", rec.Labels["k"])
}
