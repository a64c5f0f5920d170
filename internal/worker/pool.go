// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker implements WorkerPool (spec §4.4): one process's claim
// loops for Jobs and NurtureBatches, each spawning a per-row run under its
// own heartbeat, plus the startup stale-recovery sweep. It owns no domain
// logic of its own — JobRunner and the nurture runner do the actual work;
// WorkerPool is the claim/heartbeat/lease-clear scaffolding around them.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/lease"
	"github.com/soraflow/dispatcher/internal/model"
)

// Store is the narrow claim/heartbeat/lease surface WorkerPool needs,
// satisfied by lease.Registry plus the two recovery sweeps and the
// run_last_error setters.
type Store interface {
	lease.Registry
	UpdateJob(ctx context.Context, jobID int64, fn func(*model.Job) error) (*model.Job, error)
	UpdateNurtureBatch(ctx context.Context, batchID int64, fn func(*model.NurtureBatch) error) (*model.NurtureBatch, error)
}

// JobRunner drives one claimed Job through its phase state machine and
// returns once it reaches a terminal status (internal/jobrunner.Runner).
type JobRunner interface {
	Run(ctx context.Context, jobID int64) error
}

// NurtureRunner drives one claimed NurtureBatch. Detailed per-batch workflow
// is explicitly out of scope for this spec (spec §3: "Out of scope for
// detailed §4"); WorkerPool still needs something to run under the lease.
type NurtureRunner interface {
	Run(ctx context.Context, batchID int64) error
}

// Config bundles the tunables WorkerPool reads on every loop tick so a
// running pool picks up a SystemSettings overlay change without a restart.
type Config struct {
	JobMaxConcurrency     int
	JobLeaseSeconds       int
	NurtureLeaseSeconds   int
	ClaimPollInterval     time.Duration // spec §4.4: "sleep(1s)" between claim attempts
	StaleSweepInterval    time.Duration
	StopTimeout           time.Duration // bounded wait for in-flight runs to unwind on Stop
}

type ConfigProvider func() Config

// Pool is one process's WorkerPool instance (spec §4.4).
type Pool struct {
	store   Store
	jobs    JobRunner
	nurture NurtureRunner
	cfg     ConfigProvider
	owner   string

	mu         sync.Mutex
	activeJobs map[int64]context.CancelFunc
	activeNB   map[int64]context.CancelFunc
	wg         sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Pool. owner identifies this process in lease_owner columns
// across a restart; pass "" to derive one from hostname+pid+uuid, matching
// the teacher's orchestrator owner-derivation shape.
func New(st Store, jobs JobRunner, nurture NurtureRunner, cfg ConfigProvider, owner string) *Pool {
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String())
	}
	return &Pool{
		store:      st,
		jobs:       jobs,
		nurture:    nurture,
		cfg:        cfg,
		owner:      owner,
		activeJobs: make(map[int64]context.CancelFunc),
		activeNB:   make(map[int64]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Owner returns this pool's lease-owner identity.
func (p *Pool) Owner() string { return p.owner }

// Run recovers orphaned leases from a prior crash, then runs the Job loop,
// the NurtureBatch loop, and the stale sweeper concurrently until ctx is
// cancelled or Stop is called. It blocks until every in-flight run has
// unwound (spec §4.4: "waits bounded time for them to unwind").
func (p *Pool) Run(ctx context.Context) error {
	n, err := p.store.RequeueStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("worker: startup requeue_stale_jobs: %w", err)
	}
	if n > 0 {
		dispatcherlog.L().Info().Int("count", n).Msg("worker: recovered stale jobs on startup")
	}
	nb, err := p.store.RequeueStaleNurtureBatches(ctx)
	if err != nil {
		return fmt.Errorf("worker: startup requeue_stale_nurture_batches: %w", err)
	}
	if nb > 0 {
		dispatcherlog.L().Info().Int("count", nb).Msg("worker: recovered stale nurture batches on startup")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.jobLoop(gctx) })
	g.Go(func() error { return p.nurtureLoop(gctx) })
	g.Go(func() error { return p.staleSweepLoop(gctx) })

	err = g.Wait()
	p.wg.Wait() // bounded by each run's own ctx cancellation, not an explicit timeout
	if err != nil && gctx.Err() != nil {
		return nil // ordinary shutdown via ctx cancellation
	}
	return err
}

// Stop signals every loop to unwind, cancels every in-flight job/nurture run's
// context, and waits up to cfg.StopTimeout for them to exit (spec §4.4: "cancels
// all in-flight task handles, and waits bounded time for them to unwind"). Safe
// to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancelActive()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timeout := p.cfg().StopTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		select {
		case <-done:
		case <-time.After(timeout):
			dispatcherlog.L().Warn().Dur("timeout", timeout).Msg("worker: stop timed out waiting for in-flight runs to unwind")
		}
	})
}

// cancelActive invokes every tracked job/nurture cancel func so each run sees
// cancellation at its next poll point, without waiting for them to return.
func (p *Pool) cancelActive() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.activeJobs)+len(p.activeNB))
	for _, cancel := range p.activeJobs {
		cancels = append(cancels, cancel)
	}
	for _, cancel := range p.activeNB {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (p *Pool) jobLoop(ctx context.Context) error {
	interval := p.pollInterval()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		default:
		}

		cfg := p.cfg()
		for p.activeJobCount() < cfg.JobMaxConcurrency {
			job, err := p.store.ClaimNextJob(ctx, p.owner, cfg.JobLeaseSeconds)
			if err != nil {
				dispatcherlog.L().Error().Err(err).Msg("worker: claim_next_job failed")
				break
			}
			if job == nil {
				break
			}
			p.spawnJob(ctx, job.JobID, cfg.JobLeaseSeconds)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-time.After(interval):
		}
	}
}

func (p *Pool) nurtureLoop(ctx context.Context) error {
	interval := p.pollInterval()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		default:
		}

		cfg := p.cfg()
		// Nurture concurrency is effectively 1 per pool (spec §4.4: "coarser
		// workloads"), so this loop claims at most one batch per tick.
		if p.activeNurtureCount() == 0 {
			batch, err := p.store.ClaimNextNurtureBatch(ctx, p.owner, cfg.NurtureLeaseSeconds)
			if err != nil {
				dispatcherlog.L().Error().Err(err).Msg("worker: claim_next_nurture_batch failed")
			} else if batch != nil {
				p.spawnNurture(ctx, batch.BatchID, cfg.NurtureLeaseSeconds)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-time.After(interval):
		}
	}
}

func (p *Pool) staleSweepLoop(ctx context.Context) error {
	interval := p.staleSweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if _, err := p.store.RequeueStaleJobs(ctx); err != nil {
				dispatcherlog.L().Error().Err(err).Msg("worker: stale sweep requeue_stale_jobs failed")
			}
			if _, err := p.store.RequeueStaleNurtureBatches(ctx); err != nil {
				dispatcherlog.L().Error().Err(err).Msg("worker: stale sweep requeue_stale_nurture_batches failed")
			}
		}
	}
}

// spawnJob runs one claimed job under its own heartbeat, per spec §4.4's
// per-job pseudocode: heartbeater ticks at L/3, clear_lease always runs on
// exit, and a runner error is recorded as run_last_error without forcing a
// status flip (that belongs to the phase transition that actually failed).
func (p *Pool) spawnJob(parent context.Context, jobID int64, leaseSeconds int) {
	runCtx, cancel := context.WithCancel(parent)
	p.registerJob(jobID, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregisterJob(jobID)
		defer cancel()

		l := lease.Lease{Kind: lease.KindJob, ID: jobID, Owner: p.owner, LeaseSeconds: leaseSeconds}
		lost := lease.Heartbeater(runCtx, p.store, l, time.Duration(leaseSeconds)*time.Second/3)

		runErr := p.jobs.Run(runCtx, jobID)

		select {
		case <-lost:
			// Another owner may already hold this row; clearing our lease
			// below is then a harmless no-op (it only clears on owner match).
		default:
		}

		if runErr != nil {
			dispatcherlog.L().Error().Err(runErr).Int64("job_id", jobID).Msg("worker: job run exited with error")
			if _, uerr := p.store.UpdateJob(context.Background(), jobID, func(j *model.Job) error {
				msg := runErr.Error()
				j.RunLastError = &msg
				return nil
			}); uerr != nil {
				dispatcherlog.L().Error().Err(uerr).Int64("job_id", jobID).Msg("worker: failed to record run_last_error")
			}
		}

		if err := l.Clear(context.Background(), p.store); err != nil {
			dispatcherlog.L().Error().Err(err).Int64("job_id", jobID).Msg("worker: clear_lease failed")
		}
	}()
}

func (p *Pool) spawnNurture(parent context.Context, batchID int64, leaseSeconds int) {
	runCtx, cancel := context.WithCancel(parent)
	p.registerNurture(batchID, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregisterNurture(batchID)
		defer cancel()

		l := lease.Lease{Kind: lease.KindNurtureBatch, ID: batchID, Owner: p.owner, LeaseSeconds: leaseSeconds}
		lease.Heartbeater(runCtx, p.store, l, time.Duration(leaseSeconds)*time.Second/3)

		runErr := p.nurture.Run(runCtx, batchID)
		if runErr != nil {
			dispatcherlog.L().Error().Err(runErr).Int64("batch_id", batchID).Msg("worker: nurture run exited with error")
			if _, uerr := p.store.UpdateNurtureBatch(context.Background(), batchID, func(b *model.NurtureBatch) error {
				msg := runErr.Error()
				b.RunLastError = &msg
				return nil
			}); uerr != nil {
				dispatcherlog.L().Error().Err(uerr).Int64("batch_id", batchID).Msg("worker: failed to record nurture run_last_error")
			}
		}

		if err := l.Clear(context.Background(), p.store); err != nil {
			dispatcherlog.L().Error().Err(err).Int64("batch_id", batchID).Msg("worker: clear_lease failed")
		}
	}()
}

func (p *Pool) registerJob(id int64, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[id] = cancel
}

func (p *Pool) unregisterJob(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, id)
}

func (p *Pool) activeJobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeJobs)
}

func (p *Pool) registerNurture(id int64, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeNB[id] = cancel
}

func (p *Pool) unregisterNurture(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeNB, id)
}

func (p *Pool) activeNurtureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeNB)
}

func (p *Pool) pollInterval() time.Duration {
	if iv := p.cfg().ClaimPollInterval; iv > 0 {
		return iv
	}
	return time.Second
}

func (p *Pool) staleSweepInterval() time.Duration {
	if iv := p.cfg().StaleSweepInterval; iv > 0 {
		return iv
	}
	return 30 * time.Second
}
