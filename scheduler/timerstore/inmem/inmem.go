// Package inmem provides an in-memory timerstore.Store, with no durability
// across process restarts.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stepflow/stepflow/scheduler/timerstore"
)

type key struct {
	runID, label string
}

// Store implements timerstore.Store in memory, guarded by sync.RWMutex.
type Store struct {
	mu     sync.RWMutex
	timers map[key]timerstore.Timer
}

// New constructs an empty Store.
func New() *Store { return &Store{timers: make(map[key]timerstore.Timer)} }

func (s *Store) Schedule(_ context.Context, t timerstore.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[key{t.RunID, t.Label}] = t
	return nil
}

func (s *Store) Due(_ context.Context, before time.Time) ([]timerstore.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []timerstore.Timer
	for _, t := range s.timers {
		if !t.FireAt.After(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *Store) Delete(_ context.Context, runID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, key{runID, label})
	return nil
}
