// Package inmem provides an in-memory implementation of snapshot.Store for
// testing and local development, with no durability across process
// restarts. Production deployments should use snapshot/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/stepflow/stepflow/snapshot"
)

type key struct {
	workflowID string
	runID      string
}

// Store implements snapshot.Store in memory. All operations are
// thread-safe via sync.RWMutex; snapshots are defensively cloned on read
// and write so a caller cannot mutate stored state through the returned
// pointer.
type Store struct {
	mu        sync.RWMutex
	snapshots map[key]*snapshot.Snapshot
}

// New constructs an empty Store.
func New() *Store {
	return &Store{snapshots: make(map[key]*snapshot.Snapshot)}
}

// Persist writes s, ignoring the write if a snapshot with a newer sequence
// is already stored (idempotent, last-writer-wins by sequence; an equal
// sequence overwrites).
func (st *Store) Persist(_ context.Context, s *snapshot.Snapshot) error {
	k := key{workflowID: s.WorkflowID, runID: s.RunID}
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.snapshots[k]; ok && existing.Sequence > s.Sequence {
		return nil
	}
	st.snapshots[k] = s.Clone()
	return nil
}

// Load retrieves the snapshot for workflowID/runID, or snapshot.ErrNotFound.
func (st *Store) Load(_ context.Context, workflowID, runID string) (*snapshot.Snapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.snapshots[key{workflowID: workflowID, runID: runID}]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	return s.Clone(), nil
}

// List returns snapshots for workflowID matching filter, most recently
// updated first, plus the total count before pagination.
func (st *Store) List(_ context.Context, workflowID string, filter snapshot.ListFilter) ([]*snapshot.Snapshot, int, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	matched := make([]*snapshot.Snapshot, 0)
	for k, s := range st.snapshots {
		if k.workflowID != workflowID {
			continue
		}
		if filter.ResourceID != "" && s.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	total := len(matched)

	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	page := make([]*snapshot.Snapshot, 0, end-start)
	for _, s := range matched[start:end] {
		page = append(page, s.Clone())
	}
	return page, total, nil
}

// ClearAll removes every snapshot for workflowID. Test utility per §4.2.
func (st *Store) ClearAll(_ context.Context, workflowID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for k := range st.snapshots {
		if k.workflowID == workflowID {
			delete(st.snapshots, k)
		}
	}
	return nil
}
