// Package scheduler implements the Scheduler (C8): it drains bus
// deliveries, dispatches them to run coordinators through a bounded worker
// pool (serialized per run id to uphold snapshot invariants), and owns
// durable timer persistence and wakeup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/leader"
	"github.com/stepflow/stepflow/scheduler/timerstore"
	"github.com/stepflow/stepflow/telemetry"
)

// DispatchTopic is the shared topic the Scheduler drains, fanning each
// event out to Dispatcher, serialized per RunID. The Scheduler's own timer
// poll publishes timer.fire events here.
const DispatchTopic = "stepflow:dispatch"

// Dispatcher hands a drained event to the coordinator instance responsible
// for event.RunID. Implemented by coordinator.Runtime.
type Dispatcher interface {
	Dispatch(ctx context.Context, event bus.Event) error
}

// Options configures a Scheduler.
type Options struct {
	Bus        bus.Bus
	Timers     timerstore.Store
	Dispatcher Dispatcher
	Lease      leader.Lease // defaults to leader.NewNoopLease()

	// Workers bounds the concurrent dispatch worker pool. Default 8.
	Workers int
	// DispatchRatePerSecond throttles the events handed to Dispatcher across
	// the whole pool. Zero disables throttling.
	DispatchRatePerSecond float64
	// PollInterval is how often the timer heap is checked for due timers.
	// Default 500ms.
	PollInterval time.Duration
	// LeaseTTL bounds how long a scheduler instance owns a run before it
	// must renew. Default 30s.
	LeaseTTL time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// OwnerID identifies this scheduler instance to the Lease. Defaults to
	// a random value if empty (set explicitly for reproducible tests).
	OwnerID string
}

// Scheduler is the C8 implementation: a drained dispatch queue, per-run
// serialization, a worker pool, and a timer poll loop.
type Scheduler struct {
	opts    Options
	limiter *rate.Limiter

	queue chan bus.Event

	runLocks sync.Map // runID -> *sync.Mutex, serializes coordinator work per run

	subDispatch bus.Subscription

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Scheduler from opts, applying defaults for zero-valued
// fields.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.Lease == nil {
		opts.Lease = leader.NewNoopLease()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.OwnerID == "" {
		opts.OwnerID = randomOwnerID()
	}

	s := &Scheduler{
		opts:   opts,
		queue:  make(chan bus.Event, 1024),
		stopCh: make(chan struct{}),
	}
	if opts.DispatchRatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.DispatchRatePerSecond), opts.Workers)
	}
	return s
}

// Start subscribes to DispatchTopic, launches the worker pool, and begins
// the timer poll loop (which, on its first tick, recovers any timer that
// elapsed while the process was down — the startup-replay contract of
// spec.md §4.7).
func (s *Scheduler) Start(ctx context.Context) error {
	sub, err := s.opts.Bus.Subscribe(DispatchTopic, s.enqueue)
	if err != nil {
		return err
	}
	s.subDispatch = sub

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx)
	}

	s.wg.Add(1)
	go s.runTimerLoop(ctx)

	return nil
}

// Stop halts the worker pool and timer loop and unsubscribes from the bus.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.subDispatch != nil {
			s.subDispatch.Close()
		}
	})
	s.wg.Wait()
}

func (s *Scheduler) enqueue(_ context.Context, event bus.Event) error {
	select {
	case s.queue <- event:
	default:
		// Queue saturated: drop to a blocking send in the background so the
		// bus's own non-blocking Publish contract (bus.Bus.Publish) is never
		// violated by a full downstream queue.
		go func() {
			select {
			case s.queue <- event:
			case <-s.stopCh:
			}
		}()
	}
	return nil
}

func (s *Scheduler) runWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-s.queue:
			s.handle(ctx, event)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, event bus.Event) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	lockIface, _ := s.runLocks.LoadOrStore(event.RunID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	granted, err := s.opts.Lease.Acquire(ctx, event.RunID, s.opts.OwnerID, s.opts.LeaseTTL)
	if err != nil {
		s.opts.Logger.Error(ctx, "scheduler: lease acquire failed", "run_id", event.RunID, "error", err.Error())
		return
	}
	if !granted {
		s.opts.Metrics.IncCounter("scheduler.lease_denied", 1, "run_id", event.RunID)
		return
	}

	if err := s.opts.Dispatcher.Dispatch(ctx, event); err != nil {
		s.opts.Logger.Error(ctx, "scheduler: dispatch failed",
			"run_id", event.RunID, "event_type", string(event.Type), "error", err.Error())
		s.opts.Metrics.IncCounter("scheduler.dispatch_error", 1, "event_type", string(event.Type))
	}
}

func (s *Scheduler) runTimerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDueTimers(ctx)
		}
	}
}

func (s *Scheduler) fireDueTimers(ctx context.Context) {
	due, err := s.opts.Timers.Due(ctx, time.Now())
	if err != nil {
		s.opts.Logger.Error(ctx, "scheduler: timer scan failed", "error", err.Error())
		return
	}
	for _, t := range due {
		if err := s.opts.Timers.Delete(ctx, t.RunID, t.Label); err != nil {
			s.opts.Logger.Error(ctx, "scheduler: timer delete failed", "run_id", t.RunID, "label", t.Label, "error", err.Error())
			continue
		}
		event := bus.Event{
			Type:    bus.KindTimerFire,
			RunID:   t.RunID,
			Payload: map[string]any{"label": t.Label, "payload": t.Payload},
		}
		if err := s.opts.Bus.Publish(ctx, bus.RunTopic(t.RunID), event); err != nil {
			s.opts.Logger.Error(ctx, "scheduler: timer fire publish failed", "run_id", t.RunID, "label", t.Label, "error", err.Error())
		}
		if err := s.opts.Bus.Publish(ctx, DispatchTopic, event); err != nil {
			s.opts.Logger.Error(ctx, "scheduler: timer fire dispatch publish failed", "run_id", t.RunID, "label", t.Label, "error", err.Error())
		}
	}
}

// ScheduleTimer persists a sleep/sleep_until wakeup for later delivery by
// the timer poll loop. Coordinators call this directly when a sleep node
// is entered (spec.md §4.3's `timer.set`), rather than routing the
// schedule request back through the bus.
func (s *Scheduler) ScheduleTimer(ctx context.Context, t timerstore.Timer) error {
	return s.opts.Timers.Schedule(ctx, t)
}

// CancelTimer removes a previously scheduled wakeup, used when a waiting run
// is canceled before its timer fires.
func (s *Scheduler) CancelTimer(ctx context.Context, runID, label string) error {
	return s.opts.Timers.Delete(ctx, runID, label)
}
