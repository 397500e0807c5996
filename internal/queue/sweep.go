package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/store"
)

// Sweeper names.
const (
	RequeueSweep = "requeue"
	ExpirySweep  = "expiry"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Cutoff   time.Time        `json:"cutoff"`
	Requeued int64            `json:"requeued,omitempty"`
	Expired  int64            `json:"expired,omitempty"`
	Reasons  map[string]int64 `json:"reasons,omitempty"`
	Batches  int              `json:"batches,omitempty"`
	Duration time.Duration    `json:"duration_ns"`
}

// SweepStatus is a snapshot of a sweeper's history.
type SweepStatus struct {
	Name       string       `json:"name"`
	Running    bool         `json:"running"`
	Runs       int64        `json:"runs"`
	Failures   int64        `json:"failures"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	LastResult *SweepResult `json:"last_result,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// Sweeper is a background reconciliation pass. Sweep may be called from a
// scheduler or by hand; a call made while the same sweeper is running returns
// ErrSweepInProgress without touching the store.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (SweepResult, error)
	Status() SweepStatus
}

// sweepGuard serializes one sweeper's runs and keeps its status.
type sweepGuard struct {
	name    string
	running atomic.Bool

	mu     sync.Mutex
	status SweepStatus
}

func (g *sweepGuard) run(ctx context.Context, now func() time.Time, fn func(ctx context.Context) (SweepResult, error)) (SweepResult, error) {
	if !g.running.CompareAndSwap(false, true) {
		slog.Debug("sweep skipped, previous run still in flight", "sweep", g.name)
		return SweepResult{}, ErrSweepInProgress
	}
	defer g.running.Store(false)

	started := time.Now()
	res, err := fn(ctx)
	res.Duration = time.Since(started)

	ranAt := now().UTC()
	g.mu.Lock()
	g.status.Runs++
	g.status.LastRun = &ranAt
	g.status.LastResult = &res
	g.status.LastError = ""
	if err != nil {
		g.status.Failures++
		g.status.LastError = err.Error()
	}
	g.mu.Unlock()
	return res, err
}

func (g *sweepGuard) snapshot() SweepStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.status
	st.Name = g.name
	st.Running = g.running.Load()
	if st.LastResult != nil {
		r := *st.LastResult
		st.LastResult = &r
	}
	return st
}

// Requeuer returns processing messages whose lease has lapsed to pending.
type Requeuer struct {
	repo         store.MessageRepo
	leaseTimeout time.Duration
	now          func() time.Time
	events       EventRecorder
	guard        sweepGuard
}

func newRequeuer(repo store.MessageRepo, leaseTimeout time.Duration, now func() time.Time, events EventRecorder) *Requeuer {
	return &Requeuer{
		repo:         repo,
		leaseTimeout: leaseTimeout,
		now:          now,
		events:       events,
		guard:        sweepGuard{name: RequeueSweep},
	}
}

func (r *Requeuer) Name() string { return RequeueSweep }

func (r *Requeuer) Status() SweepStatus { return r.guard.snapshot() }

// Sweep requeues every processing message last updated before now - lease timeout.
func (r *Requeuer) Sweep(ctx context.Context) (SweepResult, error) {
	return r.guard.run(ctx, r.now, r.sweep)
}

func (r *Requeuer) sweep(ctx context.Context) (SweepResult, error) {
	now := r.now().UTC()
	res := SweepResult{Cutoff: now.Add(-r.leaseTimeout)}
	slog.Debug("Requeuer.Sweep: starting", "cutoff", res.Cutoff, "lease_timeout", r.leaseTimeout)

	n, err := r.repo.RequeueStale(ctx, res.Cutoff, models.ReasonRequeuedLeaseTimeout, now)
	if err != nil {
		slog.Error("Requeuer.Sweep: requeue failed", "error", err, "cutoff", res.Cutoff, "predicate", "status=processing AND updated_at<cutoff")
		return res, fmt.Errorf("requeue stale claims before %s: %w", res.Cutoff.Format(time.RFC3339), err)
	}
	res.Requeued = n

	if n > 0 {
		slog.Info("Requeuer.Sweep: requeued stale claims", "count", n, "cutoff", res.Cutoff)
	} else {
		slog.Debug("Requeuer.Sweep: nothing to requeue", "cutoff", res.Cutoff)
	}
	r.events.Record(ctx, EventRequeued, n)
	return res, nil
}

// Reconciler expires pending and processing messages older than the expiry
// window, recording a reason derived from each message's prior state.
type Reconciler struct {
	repo        store.MessageRepo
	expiryAfter time.Duration
	batchSize   int
	now         func() time.Time
	events      EventRecorder
	guard       sweepGuard
}

func newReconciler(repo store.MessageRepo, expiryAfter time.Duration, batchSize int, now func() time.Time, events EventRecorder) *Reconciler {
	return &Reconciler{
		repo:        repo,
		expiryAfter: expiryAfter,
		batchSize:   batchSize,
		now:         now,
		events:      events,
		guard:       sweepGuard{name: ExpirySweep},
	}
}

func (r *Reconciler) Name() string { return ExpirySweep }

func (r *Reconciler) Status() SweepStatus { return r.guard.snapshot() }

// Sweep expires every in-flight message whose message_date is before
// now - expiry window, one batch at a time.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	return r.guard.run(ctx, r.now, r.sweep)
}

func (r *Reconciler) sweep(ctx context.Context) (SweepResult, error) {
	now := r.now().UTC()
	res := SweepResult{Cutoff: now.Add(-r.expiryAfter), Reasons: map[string]int64{}}
	slog.Debug("Reconciler.Sweep: starting", "cutoff", res.Cutoff, "expiry_after", r.expiryAfter)

	for {
		if err := ctx.Err(); err != nil {
			slog.Warn("Reconciler.Sweep: interrupted", "error", err, "expired_so_far", res.Expired, "batches", res.Batches)
			r.record(ctx, res)
			return res, err
		}
		batch, err := r.repo.ExpireStale(ctx, res.Cutoff, r.batchSize, now)
		if err != nil {
			slog.Error("Reconciler.Sweep: expiry batch failed", "error", err, "cutoff", res.Cutoff,
				"predicate", "status IN (pending,processing) AND message_date<cutoff", "expired_so_far", res.Expired)
			r.record(ctx, res)
			return res, fmt.Errorf("expire messages before %s: %w", res.Cutoff.Format(time.RFC3339), err)
		}
		res.Batches++
		for _, e := range batch {
			res.Reasons[e.Reason]++
		}
		res.Expired += int64(len(batch))
		if len(batch) < r.batchSize {
			break
		}
	}

	if res.Expired > 0 {
		slog.Info("Reconciler.Sweep: expired stale messages", "count", res.Expired, "batches", res.Batches, "cutoff", res.Cutoff, "reasons", res.Reasons)
	} else {
		slog.Debug("Reconciler.Sweep: nothing to expire", "cutoff", res.Cutoff)
	}
	r.record(ctx, res)
	return res, nil
}

func (r *Reconciler) record(ctx context.Context, res SweepResult) {
	for reason, n := range res.Reasons {
		r.events.Record(ctx, EventExpired, n, "reason", reason)
	}
}
