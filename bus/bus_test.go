package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_PublishDeliversToSubscribersOnTopic(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	received := make(chan Event, 1)
	_, err := b.Subscribe("t1", func(_ context.Context, e Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindRunStart, RunID: "r1"}))

	select {
	case e := <-received:
		require.Equal(t, KindRunStart, e.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestInMemoryBus_PublishDoesNotCrossTopics(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	received := make(chan Event, 1)
	_, err := b.Subscribe("t1", func(_ context.Context, e Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t2", Event{Type: KindRunStart}))

	select {
	case <-received:
		t.Fatal("event leaked across topic scope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBus_DeliveryIsFIFOPerSubscriber(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	var mu sync.Mutex
	var order []int64
	done := make(chan struct{})
	_, err := b.Subscribe("t1", func(_ context.Context, e Event) error {
		mu.Lock()
		order = append(order, e.Sequence)
		n := len(order)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindStepResult, RunID: "r1", Sequence: i}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not receive all events")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 2, 3, 4, 5}, order)
}

func TestInMemoryBus_DedupsBySequencePerRunAndKind(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	var mu sync.Mutex
	var seqs []int64
	seen := make(chan struct{}, 10)
	_, err := b.Subscribe("t1", func(_ context.Context, e Event) error {
		mu.Lock()
		seqs = append(seqs, e.Sequence)
		mu.Unlock()
		seen <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindStepResult, RunID: "r1", Sequence: 3}))
	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindStepResult, RunID: "r1", Sequence: 2})) // stale redelivery
	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindStepResult, RunID: "r1", Sequence: 4}))

	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatal("expected two delivered events")
		}
	}
	// Give the dropped duplicate a chance to arrive if it were (incorrectly) delivered.
	select {
	case <-seen:
		t.Fatal("stale sequence should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{3, 4}, seqs)
}

func TestInMemoryBus_SubscriberErrorDoesNotStopDelivery(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})
	_, err := b.Subscribe("t1", func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Sequence)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
			return nil
		}
		return context.DeadlineExceeded
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindStepResult, RunID: "r1", Sequence: 1}))
	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindStepResult, RunID: "r1", Sequence: 2}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery stopped after handler error")
	}
}

func TestInMemoryBus_SubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	received := make(chan Event, 4)
	sub, err := b.Subscribe("t1", func(_ context.Context, e Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, b.Publish(context.Background(), "t1", Event{Type: KindRunStart}))
	select {
	case <-received:
		t.Fatal("event delivered after subscription close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBus_PublishAfterCloseErrors(t *testing.T) {
	b := NewInMemoryBus(Options{})
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "t1", Event{Type: KindRunStart})
	require.Error(t, err)

	_, err = b.Subscribe("t1", func(context.Context, Event) error { return nil })
	require.Error(t, err)
}

func TestInMemoryBus_SubscribeRejectsNilHandler(t *testing.T) {
	b := NewInMemoryBus(Options{})
	defer b.Close()

	_, err := b.Subscribe("t1", nil)
	require.Error(t, err)
}

func TestRunTopicAndWorkflowTopicAreDistinctNamespaces(t *testing.T) {
	require.NotEqual(t, RunTopic("x"), WorkflowTopic("x"))
}
