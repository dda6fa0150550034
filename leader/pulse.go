package leader

import (
	"context"
	"time"

	"goa.design/pulse/rmap"
)

const leaseKeyPrefix = "stepflow:lease:run:"

// replicatedMap is the subset of *rmap.Map this package depends on, mirroring
// the teacher's own practice of depending on a narrow interface over
// *rmap.Map (registry/store/replicated.Map, features/model/middleware's
// clusterMap) rather than the concrete type, so tests can fake it.
type replicatedMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

// PulseLease implements Lease on top of a Pulse replicated map, one entry
// per run keyed by "stepflow:lease:run:{runId}" holding "{ownerId}:{expiry
// unix nanos}". Acquisition races between processes are resolved with
// SetIfNotExists for a fresh key and TestAndSet (compare-and-swap against
// the last observed value) once a lease exists, so only one process can
// win a given transition; a stale, expired lease is always eligible to be
// taken over regardless of who held it.
type PulseLease struct {
	m replicatedMap
}

// NewPulseLease wraps an already-joined Pulse replicated map.
func NewPulseLease(m *rmap.Map) *PulseLease {
	return &PulseLease{m: m}
}

func (l *PulseLease) Acquire(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	key := leaseKeyPrefix + runID
	want := encodeLeaseValue(ownerID, time.Now().Add(ttl).UnixNano())

	current, exists := l.m.Get(key)
	if !exists {
		ok, err := l.m.SetIfNotExists(ctx, key, want)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// Lost the race to create the key; fall through to re-read and
		// attempt a compare-and-swap takeover below.
		current, exists = l.m.Get(key)
		if !exists {
			return false, nil
		}
	}

	owner, expiresAtNano := decodeLeaseValue(current)
	if owner == ownerID {
		return true, nil // already hold it, even if expiry bookkeeping lags
	}
	if time.Now().UnixNano() < expiresAtNano {
		return false, nil // another owner holds an unexpired lease
	}

	newVal, err := l.m.TestAndSet(ctx, key, current, want)
	if err != nil {
		return false, err
	}
	return newVal == want, nil
}

func (l *PulseLease) Renew(ctx context.Context, runID, ownerID string, ttl time.Duration) error {
	key := leaseKeyPrefix + runID
	current, exists := l.m.Get(key)
	if !exists {
		return ErrNotLeader
	}
	owner, _ := decodeLeaseValue(current)
	if owner != ownerID {
		return ErrNotLeader
	}
	want := encodeLeaseValue(ownerID, time.Now().Add(ttl).UnixNano())
	newVal, err := l.m.TestAndSet(ctx, key, current, want)
	if err != nil {
		return err
	}
	if newVal != want {
		return ErrNotLeader
	}
	return nil
}

func (l *PulseLease) Release(ctx context.Context, runID, ownerID string) error {
	key := leaseKeyPrefix + runID
	current, exists := l.m.Get(key)
	if !exists {
		return nil
	}
	owner, _ := decodeLeaseValue(current)
	if owner != ownerID {
		return nil
	}
	_, err := l.m.Delete(ctx, key)
	return err
}
