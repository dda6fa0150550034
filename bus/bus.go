// Package bus implements the Event Bus (C1): typed pub/sub with topic
// subscriptions scoped by run or workflow identity, per-topic FIFO delivery
// to each subscriber, at-least-once delivery, and sequence-number dedup on
// the consumer side.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stepflow/stepflow/telemetry"
)

// Kind enumerates the event kinds of spec.md §4.1.
type Kind string

const (
	KindRunStart      Kind = "run.start"
	KindRunFinish     Kind = "run.finish"
	KindStepDispatch  Kind = "step.dispatch"
	KindStepResult    Kind = "step.result"
	KindStepFailed    Kind = "step.failed"
	KindStepSuspend   Kind = "step.suspend"
	KindStepResume    Kind = "step.resume"
	KindTimerSet      Kind = "timer.set"
	KindTimerFire     Kind = "timer.fire"
	KindRunCancel     Kind = "run.cancel"
	KindRunCanceled   Kind = "run.canceled"
	KindSnapshotDiff  Kind = "snapshot.update"
)

// Event is a single typed record published on the bus.
type Event struct {
	Type          Kind
	RunID         string
	WorkflowID    string
	Sequence      int64
	Payload       any
	CorrelationID string
}

// RunTopic scopes a topic to a single run: "run:{id}:…".
func RunTopic(runID string) string { return fmt.Sprintf("run:%s", runID) }

// WorkflowTopic scopes a topic to a workflow: "workflow:{wfId}:…".
func WorkflowTopic(workflowID string) string { return fmt.Sprintf("workflow:%s", workflowID) }

// Handler reacts to a single delivered event. An error return is reported
// via observability; it does not stop delivery to other subscribers and
// does not break topic ordering for the erroring subscriber (the next event
// is still delivered FIFO, matching the at-least-once, best-effort
// semantics of spec.md §4.1).
type Handler func(ctx context.Context, event Event) error

// Subscription is an active registration; Close unregisters it. Idempotent.
type Subscription interface {
	Close()
}

// Bus is the typed pub/sub interface (C1).
type Bus interface {
	// Publish delivers event on topic to every current subscriber of that
	// topic. Publish never blocks on subscriber processing and never fails
	// due to a subscriber error; back-pressure is local to each
	// subscriber's queue.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe registers handler on topic, returning a Subscription that
	// can be closed to unregister.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Close shuts the bus down, stopping all subscriber goroutines.
	Close() error
}

// Options configures an in-memory Bus.
type Options struct {
	// QueueSize bounds each subscriber's pending-event buffer. Default 256.
	QueueSize int
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

type subscriber struct {
	handler  Handler
	queue    chan Event
	done     chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeq  map[string]int64 // topic -> highest sequence delivered, for dedup
}

// InMemoryBus fans events out to per-topic subscribers over buffered
// per-subscriber queues, each drained by its own goroutine in FIFO order,
// grounded on the teacher's hooks.Bus fan-out but extended with topic
// scoping, a queue per subscriber (so one slow subscriber cannot stall
// others or the publisher), and sequence-number dedup.
type InMemoryBus struct {
	opts Options

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	closed      bool
}

// NewInMemoryBus constructs a ready-to-use in-memory Bus.
func NewInMemoryBus(opts Options) *InMemoryBus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &InMemoryBus{opts: opts, subscribers: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers event to every subscriber of topic without blocking: a
// full subscriber queue drops the oldest-undelivered slot's backpressure
// onto that subscriber only (the event is still enqueued, blocking only
// that subscriber's own goroutine-fed channel send is avoided by running
// the send in a short-lived goroutine), matching "back-pressure is local to
// subscribers" (spec.md §4.1).
func (b *InMemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("bus: closed")
	}
	subs := make([]*subscriber, 0, len(b.subscribers[topic]))
	for s := range b.subscribers[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- event:
		case <-s.done:
		default:
			// Queue full: spawn a best-effort blocking send so the
			// publisher itself never blocks.
			go func(s *subscriber) {
				select {
				case s.queue <- event:
				case <-s.done:
				}
			}(s)
		}
	}
	b.opts.Metrics.IncCounter("bus.publish", 1, "topic", topic)
	return nil
}

// Subscribe registers handler on topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: handler is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus: closed")
	}
	s := &subscriber{
		handler: handler,
		queue:   make(chan Event, b.opts.QueueSize),
		done:    make(chan struct{}),
		lastSeq: make(map[string]int64),
	}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[*subscriber]struct{})
	}
	b.subscribers[topic][s] = struct{}{}
	b.mu.Unlock()

	go b.drain(topic, s)

	return &inMemorySubscription{bus: b, topic: topic, sub: s}, nil
}

func (b *InMemoryBus) drain(topic string, s *subscriber) {
	for {
		select {
		case event := <-s.queue:
			s.mu.Lock()
			key := fmt.Sprintf("%s:%s", event.RunID, event.Type)
			if last, ok := s.lastSeq[key]; ok && event.Sequence != 0 && event.Sequence <= last {
				s.mu.Unlock()
				continue // duplicate delivery; idempotent drop by sequence
			}
			s.lastSeq[key] = event.Sequence
			s.mu.Unlock()

			if err := s.handler(context.Background(), event); err != nil {
				b.opts.Logger.Error(context.Background(), "bus: subscriber error",
					"topic", topic, "event_type", string(event.Type), "error", err.Error())
				b.opts.Metrics.IncCounter("bus.subscriber_error", 1, "topic", topic)
			}
		case <-s.done:
			return
		}
	}
}

func (b *InMemoryBus) unsubscribe(topic string, s *subscriber) {
	s.closeOnce.Do(func() { close(s.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribers[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

// Close shuts down every subscriber goroutine.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subscribers
	b.subscribers = make(map[string]map[*subscriber]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.closeOnce.Do(func() { close(s.done) })
		}
	}
	return nil
}

type inMemorySubscription struct {
	bus   *InMemoryBus
	topic string
	sub   *subscriber
}

func (s *inMemorySubscription) Close() { s.bus.unsubscribe(s.topic, s.sub) }
