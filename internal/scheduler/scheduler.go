// Package scheduler runs LFGQueue's periodic background tasks.
//
// Each task is an independent gocron duration job with its own handle. A tick
// that fires while the previous run of the same task is still in flight is
// skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ErrDuplicateTask is returned when a task name is registered twice.
var ErrDuplicateTask = errors.New("task already scheduled")

// Task describes a periodic job. A task that is disabled or has a
// non-positive interval is not scheduled.
type Task struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Run      func(ctx context.Context) error
}

// Scheduler owns a gocron scheduler and the context its tasks run under.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*TaskHandle
}

// New creates a scheduler. Tasks do not fire until Start is called.
func New(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cron, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*TaskHandle),
	}, nil
}

// Add registers a task. It returns a nil handle and no error when the task is
// disabled.
func (s *Scheduler) Add(task Task) (*TaskHandle, error) {
	if task.Run == nil {
		return nil, fmt.Errorf("task %q has no run function", task.Name)
	}
	if !task.Enabled || task.Interval <= 0 {
		s.logger.Info("Scheduler.Add: task disabled", "task", task.Name, "enabled", task.Enabled, "interval", task.Interval)
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, task.Name)
	}

	job, err := s.cron.NewJob(
		gocron.DurationJob(task.Interval),
		gocron.NewTask(s.wrap(task)),
		gocron.WithName(task.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.logger.Error("Scheduler.Add: failed to schedule task", "task", task.Name, "interval", task.Interval, "error", err)
		return nil, fmt.Errorf("failed to schedule task %q: %w", task.Name, err)
	}

	h := &TaskHandle{s: s, job: job, name: task.Name}
	s.tasks[task.Name] = h
	s.logger.Info("Scheduler.Add: task scheduled", "task", task.Name, "interval", task.Interval)
	return h, nil
}

// wrap adapts a Task to a gocron task: it supplies the scheduler context,
// logs the outcome and keeps a panic from escaping the job goroutine.
func (s *Scheduler) wrap(task Task) func() {
	return func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Scheduler: task panicked", "task", task.Name, "panic", r)
			}
		}()
		if err := task.Run(s.ctx); err != nil {
			s.logger.Error("Scheduler: task failed", "task", task.Name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("Scheduler: task finished", "task", task.Name, "duration", time.Since(start))
	}
}

// Task returns the handle registered under name.
func (s *Scheduler) Task(name string) (*TaskHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[name]
	return h, ok
}

// Start begins firing scheduled tasks.
func (s *Scheduler) Start() {
	s.logger.Info("Scheduler: starting", "tasks", len(s.cron.Jobs()))
	s.cron.Start()
}

// Stop shuts the scheduler down, waiting for in-flight runs, and then cancels
// the task context.
func (s *Scheduler) Stop() error {
	defer s.cancel()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	s.logger.Info("Scheduler: stopped")
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	return s.Stop()
}

// TaskHandle controls one scheduled task.
type TaskHandle struct {
	s    *Scheduler
	job  gocron.Job
	name string
}

// Name returns the task name.
func (h *TaskHandle) Name() string {
	return h.name
}

// RunNow fires the task immediately, outside its schedule.
func (h *TaskHandle) RunNow() error {
	if err := h.job.RunNow(); err != nil {
		return fmt.Errorf("run task %q: %w", h.name, err)
	}
	return nil
}

// NextRun returns when the task fires next.
func (h *TaskHandle) NextRun() (time.Time, error) {
	return h.job.NextRun()
}

// Stop removes the task from the scheduler. Other tasks keep running.
func (h *TaskHandle) Stop() error {
	h.s.mu.Lock()
	delete(h.s.tasks, h.name)
	h.s.mu.Unlock()
	if err := h.s.cron.RemoveJob(h.job.ID()); err != nil {
		return fmt.Errorf("stop task %q: %w", h.name, err)
	}
	h.s.logger.Info("Scheduler: task stopped", "task", h.name)
	return nil
}
