package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/coachkit/recall/pkg/logger"
)

// enqueueTimeout bounds how long an enqueue may wait on a full queue
// before the task is dropped. Submission never blocks the chat path.
const enqueueTimeout = 100 * time.Millisecond

// SchedulerConfig bounds the background worker pool.
type SchedulerConfig struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	TaskTimeout  time.Duration
	SweepCron    string
}

// DefaultSchedulerConfig returns the tuned worker pool bounds.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:      2,
		QueueSize:    256,
		MaxRetries:   3,
		RetryBackoff: 250 * time.Millisecond,
		TaskTimeout:  30 * time.Second,
		SweepCron:    "*/30 * * * *",
	}
}

// TaskHandler executes one background task.
type TaskHandler func(ctx context.Context, task Task) error

// Scheduler is a bounded in-memory queue consumed by a fixed worker
// pool. Full-queue submissions are dropped with a warning rather than
// blocking the caller; failed tasks are retried with backoff up to a
// small fixed limit.
type Scheduler struct {
	cfg     SchedulerConfig
	tasks   chan Task
	handler TaskHandler
	sweep   func(ctx context.Context)
	cron    *gronx.Gronx

	dropped   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewScheduler builds the scheduler. handler runs every queued task;
// sweep, when non-nil, runs on the configured cron schedule.
func NewScheduler(cfg SchedulerConfig, handler TaskHandler, sweep func(ctx context.Context)) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		tasks:   make(chan Task, cfg.QueueSize),
		handler: handler,
		sweep:   sweep,
		cron:    gronx.New(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool and the sweep ticker.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	if s.sweep != nil && s.cfg.SweepCron != "" && s.cron.IsValid(s.cfg.SweepCron) {
		s.wg.Add(1)
		go s.runSweepTicker()
	}
}

// Stop drains nothing: queued tasks not yet claimed are abandoned,
// which is acceptable because every background task is best-effort.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

// Enqueue submits a task. Returns ErrQueueFull when the scheduler is
// stopped or the queue stayed full past the grace period.
func (s *Scheduler) Enqueue(task Task) error {
	if task.ID == "" {
		task.ID = "task-" + uuid.NewString()
	}
	task.State = TaskQueued
	task.EnqueuedAt = time.Now()

	select {
	case <-s.stopCh:
		return ErrQueueFull
	default:
	}

	select {
	case s.tasks <- task:
		return nil
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case s.tasks <- task:
		return nil
	case <-timer.C:
		s.dropped.Add(1)
		logger.WarnCF("memory.scheduler", "queue full, task dropped", map[string]interface{}{
			"task_id": task.ID, "type": task.Type, "user_id": task.UserID,
		})
		return ErrQueueFull
	case <-s.stopCh:
		return ErrQueueFull
	}
}

// Dropped returns how many tasks were rejected by a full queue.
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }

// Completed returns how many tasks finished successfully.
func (s *Scheduler) Completed() uint64 { return s.completed.Load() }

// Failed returns how many tasks exhausted their retries.
func (s *Scheduler) Failed() uint64 { return s.failed.Load() }

// Drain blocks until the queue is empty and in-flight tasks settle, or
// the timeout passes. Test and shutdown helper.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.tasks) == 0 {
			// One extra poll interval lets a just-claimed task finish.
			time.Sleep(20 * time.Millisecond)
			if len(s.tasks) == 0 {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.tasks:
			s.runTask(task)
		}
	}
}

func (s *Scheduler) runTask(task Task) {
	task.State = TaskRunning
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		task.Attempts = attempt + 1
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
		err := s.handler(ctx, task)
		cancel()
		if err == nil {
			task.State = TaskCompleted
			s.completed.Add(1)
			return
		}

		if attempt == s.cfg.MaxRetries {
			task.State = TaskFailed
			s.failed.Add(1)
			logger.WarnCF("memory.scheduler", "task failed after retries", map[string]interface{}{
				"task_id": task.ID, "type": task.Type, "attempts": task.Attempts, "error": err.Error(),
			})
			return
		}

		task.State = TaskRetried
		backoff := s.cfg.RetryBackoff << uint(attempt)
		logger.DebugCF("memory.scheduler", "task retrying", map[string]interface{}{
			"task_id": task.ID, "type": task.Type, "attempt": task.Attempts, "backoff": backoff.String(),
		})
		select {
		case <-s.stopCh:
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Scheduler) runSweepTicker() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			due, err := s.cron.IsDue(s.cfg.SweepCron, time.Now())
			if err != nil || !due {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
			s.sweep(ctx)
			cancel()
		}
	}
}
