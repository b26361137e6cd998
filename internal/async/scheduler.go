package async

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/entity"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
)

// Scheduler drives jobs through pending -> processing -> completed|failed on a bounded
// worker pool. It never retries; each accepted dispatch runs its handler at most once.
type Scheduler struct {
	jobs    repository.JobRepository
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

var _ Dispatcher = (*Scheduler)(nil)

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.ch = make(chan Task, n)
		}
	}
}

// WithProcessTimeout bounds each handler run. Zero, the default, means no timeout.
func WithProcessTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewScheduler(jobs repository.JobRepository, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		jobs:    jobs,
		logger:  logger,
		workers: 4,
		ch:      make(chan Task, 256),
	}
	for _, o := range opts {
		o(s)
	}
	s.start()
	return s
}

func (s *Scheduler) start() {
	s.once.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func(workerID int) {
				defer s.wg.Done()
				s.logger.Info("worker started", "worker_id", workerID)

				for task := range s.ch {
					s.execute(workerID, task)
				}

				s.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Dispatch queues a job and returns without waiting for the handler. When the queue is
// full the caller blocks until a worker frees a slot or ctx ends.
func (s *Scheduler) Dispatch(ctx context.Context, jobID string, handler Handler, payload entity.Payload) error {
	if handler == nil {
		return common.InvalidInput("job %s dispatched without a handler", jobID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("cannot dispatch: scheduler is shutting down", "job_id", jobID)
		return ErrSchedulerClosed
	}

	task := Task{JobID: jobID, Handler: handler, Payload: payload, SubmittedAt: time.Now()}
	select {
	case s.ch <- task:
		s.logger.Info("scheduler.job.queued", "job_id", jobID)
		return nil
	default:
	}

	s.logger.Warn("queue full, applying backpressure", "job_id", jobID)
	select {
	case s.ch <- task:
		s.logger.Info("scheduler.job.queued", "job_id", jobID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of dispatched jobs not yet picked up by a worker.
func (s *Scheduler) Pending() int { return len(s.ch) }

func (s *Scheduler) execute(workerID int, task Task) {
	ctx := common.WithJobID(context.Background(), task.JobID)
	log := s.logger.With("worker_id", workerID, "job_id", task.JobID)

	// processing must be committed before any handler side effect
	if _, err := s.jobs.Transition(ctx, task.JobID, constants.JobStatusProcessing, nil, nil); err != nil {
		log.Error("scheduler.job.claim_failed", "error", err)
		return
	}
	log.Info("scheduler.job.started", "queued_for", time.Since(task.SubmittedAt).String())

	start := time.Now()
	result, err := s.invoke(ctx, task)
	if err != nil {
		s.fail(ctx, log, task.JobID, err)
		return
	}
	if _, err := s.jobs.Transition(ctx, task.JobID, constants.JobStatusCompleted, result, nil); err != nil {
		log.Error("scheduler.job.record_failed", "error", err)
		s.fail(ctx, log, task.JobID, fmt.Errorf("record result: %w", err))
		return
	}
	log.Info("scheduler.job.completed", "duration", time.Since(start).String())
}

func (s *Scheduler) invoke(ctx context.Context, task Task) (result any, err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler.job.panic", "job_id", task.JobID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, common.NewAppError(common.CodePanic, fmt.Sprint(r), nil)
		}
	}()
	return task.Handler(ctx, task.JobID, task.Payload)
}

// fail records err on a processing job.
func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, jobID string, err error) {
	jobErr := &entity.JobError{Message: err.Error(), Type: common.Classify(err)}
	if _, terr := s.jobs.Transition(ctx, jobID, constants.JobStatusFailed, nil, jobErr); terr != nil {
		log.Error("scheduler.job.record_failed", "error", terr, "cause", err)
		return
	}
	log.Error("scheduler.job.failed", "error", err, "type", jobErr.Type)
}

// Shutdown stops accepting dispatches, drains the queue and waits for running
// handlers until ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()

	select {
	case <-ctx.Done():
		s.logger.Warn("shutdown interrupted by context")
	case <-done:
		s.logger.Info("queue drained, shutdown complete")
	}
}
