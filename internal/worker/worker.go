// Package worker runs an in-process classification worker: it claims pending
// messages from the queue, classifies them and reports each outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LFGQueue/internal/classifier"
	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/queue"
	"github.com/BTreeMap/LFGQueue/internal/util"
)

// Default runner settings
const (
	DefaultBatchSize    = 10
	DefaultConcurrency  = 4
	DefaultPollInterval = 5 * time.Second
	// maxReasonLength matches the outcome report's reason limit.
	maxReasonLength = 1024
)

// Classifier produces a verdict for one message.
type Classifier interface {
	Classify(ctx context.Context, m models.Message) (classifier.Classification, error)
}

// Queue is the part of the queue service the worker drives.
type Queue interface {
	Claim(ctx context.Context, maxCount int) ([]models.Message, error)
	ReportOutcome(ctx context.Context, messageID int64, report models.OutcomeReport) (*models.Message, error)
}

// Config controls polling and parallelism.
type Config struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// PollResult summarizes one poll.
type PollResult struct {
	Claimed   int
	Completed int
	Failed    int
	Stale     int
	Errors    int
	// Skipped messages were left claimed because shutdown began; the lease
	// timeout returns them to pending.
	Skipped int
}

// Runner is a polling classification worker.
type Runner struct {
	id         string
	queue      Queue
	classifier Classifier
	cfg        Config
}

// NewRunner creates a runner.
func NewRunner(q Queue, c Classifier, cfg Config) *Runner {
	return &Runner{
		id:         util.GenerateWorkerID(),
		queue:      q,
		classifier: c,
		cfg:        cfg.withDefaults(),
	}
}

// ID returns the runner's log identifier.
func (r *Runner) ID() string {
	return r.id
}

// Run polls until ctx is done. A full batch is followed immediately by another
// poll; otherwise the runner waits for the next tick.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("Runner.Run: worker started", "worker_id", r.id, "batch_size", r.cfg.BatchSize,
		"concurrency", r.cfg.Concurrency, "poll_interval", r.cfg.PollInterval)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			res, err := r.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				slog.Error("Runner.Run: poll failed", "worker_id", r.id, "error", err)
				break
			}
			if res.Claimed < r.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: worker stopped", "worker_id", r.id)
			return nil
		case <-ticker.C:
		}
	}
}

// Poll claims one batch and processes it. Per-message failures are counted in
// the result rather than returned; the error is the claim failure or, once ctx
// is done, the context error.
func (r *Runner) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	msgs, err := r.queue.Claim(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim: %w", err)
	}
	res.Claimed = len(msgs)
	if len(msgs) == 0 {
		return res, nil
	}
	slog.Debug("Runner.Poll: claimed batch", "worker_id", r.id, "count", len(msgs))

	outcomes := make([]outcome, len(msgs))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, m := range msgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcomeSkipped
				return err
			}
			outcomes[i] = r.process(ctx, m)
			if outcomes[i] == outcomeSkipped {
				return ctx.Err()
			}
			return nil
		})
	}
	waitErr := g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeCompleted:
			res.Completed++
		case outcomeFailed:
			res.Failed++
		case outcomeStale:
			res.Stale++
		case outcomeSkipped:
			res.Skipped++
		default:
			res.Errors++
		}
	}
	slog.Info("Runner.Poll: batch processed", "worker_id", r.id, "claimed", res.Claimed,
		"completed", res.Completed, "failed", res.Failed, "stale", res.Stale, "errors", res.Errors, "skipped", res.Skipped)
	if waitErr != nil {
		return res, fmt.Errorf("batch interrupted: %w", waitErr)
	}
	return res, nil
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeStale
	outcomeSkipped
)

func (r *Runner) process(ctx context.Context, m models.Message) outcome {
	report := models.OutcomeReport{Version: m.Version}
	verdict, err := r.classifier.Classify(ctx, m)
	if err != nil && ctx.Err() != nil {
		slog.Debug("Runner.process: shutdown during classification, leaving claim", "worker_id", r.id, "message_id", m.MessageID)
		return outcomeSkipped
	}
	if err != nil {
		report.Outcome = models.StatusFailed
		report.Reason = truncate("classification failed: "+err.Error(), maxReasonLength)
	} else {
		isValid := verdict.IsValid
		report.Outcome = models.StatusCompleted
		report.IsValid = &isValid
		report.IsLFG = verdict.IsLFG
		report.Reason = truncate(verdict.Reason, maxReasonLength)
	}

	if _, err := r.queue.ReportOutcome(ctx, m.MessageID, report); err != nil {
		var partial *queue.PartialError
		switch {
		case errors.Is(err, queue.ErrStaleOutcome):
			slog.Warn("Runner.process: outcome rejected as stale", "worker_id", r.id, "message_id", m.MessageID, "error", err)
			return outcomeStale
		case errors.As(err, &partial):
			slog.Error("Runner.process: outcome partially applied", "worker_id", r.id, "message_id", m.MessageID, "error", err)
		default:
			slog.Error("Runner.process: failed to report outcome", "worker_id", r.id, "message_id", m.MessageID, "error", err)
			return outcomeError
		}
	}
	if report.Outcome == models.StatusFailed {
		return outcomeFailed
	}
	return outcomeCompleted
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
