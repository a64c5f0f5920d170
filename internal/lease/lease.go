// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package lease provides a thin, resource-agnostic facade over the Store's
// claim/heartbeat/clear/requeue contract (spec §4.1), so callers that manage
// a lease's lifetime — the per-job heartbeat companion, the nurture loop —
// don't need to know whether they're holding a Job or a NurtureBatch lease.
package lease

import (
	"context"
	"time"

	"github.com/soraflow/dispatcher/internal/model"
)

// Registry is the subset of Store operations a lease holder needs, kept
// narrow so internal/worker can depend on it without importing internal/store
// directly.
type Registry interface {
	ClaimNextJob(ctx context.Context, owner string, leaseSeconds int) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID int64, owner string, leaseSeconds int) (bool, error)
	ClearLease(ctx context.Context, jobID int64, owner string) error
	RequeueStaleJobs(ctx context.Context) (int, error)

	ClaimNextNurtureBatch(ctx context.Context, owner string, leaseSeconds int) (*model.NurtureBatch, error)
	HeartbeatNurtureBatch(ctx context.Context, batchID int64, owner string, leaseSeconds int) (bool, error)
	ClearNurtureLease(ctx context.Context, batchID int64, owner string) error
	RequeueStaleNurtureBatches(ctx context.Context) (int, error)

	TryAcquireSchedulerLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// Lease tracks one held row (a Job or a NurtureBatch) so the heartbeat
// companion can renew it without re-deriving the kind each tick.
type Lease struct {
	Kind         Kind
	ID           int64
	Owner        string
	LeaseSeconds int
}

type Kind int

const (
	KindJob Kind = iota
	KindNurtureBatch
)

// Heartbeat renews whichever row this Lease refers to. Returns false if the
// lease was lost (another owner reclaimed the row after a requeue-stale
// sweep), in which case the caller must abandon the job per spec §9's
// LeaseLost outcome.
func (l Lease) Heartbeat(ctx context.Context, reg Registry) (bool, error) {
	switch l.Kind {
	case KindNurtureBatch:
		return reg.HeartbeatNurtureBatch(ctx, l.ID, l.Owner, l.LeaseSeconds)
	default:
		return reg.Heartbeat(ctx, l.ID, l.Owner, l.LeaseSeconds)
	}
}

// Clear releases the lease unconditionally; safe to call on every exit path
// (success, failure, panic-recover) since clear_lease is a no-op when the
// lease was already lost.
func (l Lease) Clear(ctx context.Context, reg Registry) error {
	switch l.Kind {
	case KindNurtureBatch:
		return reg.ClearNurtureLease(ctx, l.ID, l.Owner)
	default:
		return reg.ClearLease(ctx, l.ID, l.Owner)
	}
}

// Heartbeater runs Lease.Heartbeat on a fixed interval until ctx is canceled
// or the lease is lost, and reports loss on the returned channel exactly
// once. Grounded on ManuGH-xg2g's session manager sweeper goroutine shape
// (internal/domain/session/manager/sweeper.go), generalised from a single
// sweep loop to a per-lease renewal companion.
func Heartbeater(ctx context.Context, reg Registry, l Lease, interval time.Duration) <-chan struct{} {
	lost := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Heartbeat(ctx, reg)
				if err != nil || !ok {
					select {
					case lost <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()
	return lost
}
