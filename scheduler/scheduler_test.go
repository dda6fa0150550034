package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/scheduler/timerstore"
	"github.com/stepflow/stepflow/scheduler/timerstore/inmem"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event bus.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func TestScheduler_DrainsDispatchTopic(t *testing.T) {
	b := bus.NewInMemoryBus(bus.Options{})
	defer b.Close()
	dispatcher := &recordingDispatcher{}

	s := New(Options{Bus: b, Timers: inmem.New(), Dispatcher: dispatcher, PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, b.Publish(ctx, DispatchTopic, bus.Event{Type: bus.KindRunStart, RunID: "run-1"}))

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_FiresDueTimersOnPoll(t *testing.T) {
	b := bus.NewInMemoryBus(bus.Options{})
	defer b.Close()
	dispatcher := &recordingDispatcher{}
	store := inmem.New()

	s := New(Options{Bus: b, Timers: store, Dispatcher: dispatcher, PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, store.Schedule(ctx, timerstore.Timer{RunID: "run-1", Label: "sleep_0", FireAt: time.Now().Add(-time.Second)}))

	require.Eventually(t, func() bool { return dispatcher.count() >= 1 }, time.Second, 5*time.Millisecond)

	due, err := store.Due(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due, "fired timer must be removed from the store")
}
