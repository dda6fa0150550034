// Package timerstore defines the durable timer persistence the Scheduler
// (C8) uses so sleep/sleep_until wakeups survive a process restart.
package timerstore

import (
	"context"
	"time"
)

// Timer is a single pending wakeup for a run's sleep/sleep_until node.
type Timer struct {
	RunID   string
	Label   string
	FireAt  time.Time
	Payload any
}

// Store persists pending timers. Due and Delete together implement the
// startup-replay contract: on boot the Scheduler calls Due with the
// current time to recover every timer that should already have fired
// (elapsed while the process was down) as well as ones still pending.
type Store interface {
	// Schedule persists t, replacing any existing timer for the same
	// (RunID, Label).
	Schedule(ctx context.Context, t Timer) error

	// Due returns every timer with FireAt <= before, in FireAt order.
	Due(ctx context.Context, before time.Time) ([]Timer, error)

	// Delete removes the timer for (runID, label). Deleting an absent
	// timer is a no-op.
	Delete(ctx context.Context, runID, label string) error
}
