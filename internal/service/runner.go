package service

import (
	"context"
	"fmt"
	"sync"

	apperrors "courier/internal/errors"
	"courier/internal/retry"

	"github.com/sirupsen/logrus"
)

// Job is one unit of work executed by the runner.
type Job interface {
	ID() string
	// MessageID keys the single-active-attempt-per-message contract.
	MessageID() int64
	Run(ctx context.Context) error
	// Cancel runs exactly once when the retry budget is exhausted.
	Cancel(ctx context.Context)
}

// JobRunner executes jobs on a worker pool. Jobs for different messages
// run concurrently; at most one attempt per message id is in flight or
// queued at a time. Retry is decided purely from the error the job
// returns: only retryable errors are retried, and a job whose budget
// runs out is canceled.
type JobRunner struct {
	workers    int
	queue      chan Job
	backoffCfg retry.BackoffConfig
	logger     *logrus.Logger

	mu      sync.Mutex
	active  map[int64]struct{}
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJobRunner(workers, queueDepth int, backoffCfg retry.BackoffConfig, logger *logrus.Logger) *JobRunner {
	if workers <= 0 {
		workers = 1
	}
	return &JobRunner{
		workers:    workers,
		queue:      make(chan Job, queueDepth),
		backoffCfg: backoffCfg,
		logger:     logger,
		active:     make(map[int64]struct{}),
	}
}

func (r *JobRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("job runner is already running")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	r.logger.WithField("workers", r.workers).Info("Job runner started")
	return nil
}

func (r *JobRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info("Job runner stopped")
}

// Enqueue accepts a job unless an attempt for the same message is
// already queued or running.
func (r *JobRunner) Enqueue(job Job) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("job runner is not running")
	}
	if _, exists := r.active[job.MessageID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("a send attempt for message %d is already active", job.MessageID())
	}
	r.active[job.MessageID()] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- job:
		return nil
	default:
		r.release(job.MessageID())
		return fmt.Errorf("job queue is full")
	}
}

func (r *JobRunner) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.queue:
			r.execute(job)
		}
	}
}

func (r *JobRunner) execute(job Job) {
	defer r.release(job.MessageID())

	logEntry := r.logger.WithFields(logrus.Fields{
		"jobId":     job.ID(),
		"messageId": job.MessageID(),
	})

	backoff := retry.NewBackoff(r.backoffCfg)
	err := backoff.RetryWithPredicate(r.ctx, func() error {
		return job.Run(r.ctx)
	}, apperrors.IsRetryable)

	if err == nil {
		return
	}

	if apperrors.IsRetryable(err) {
		// Budget exhausted on a transient failure; give up and let the
		// job run its terminal path.
		apperrors.Entry(r.logger, err).WithField("jobId", job.ID()).Warn("Retry budget exhausted, canceling job")
		job.Cancel(r.ctx)
		return
	}

	// Non-retryable errors were already resolved to terminal state by
	// the job body; nothing left to do but log.
	logEntry.WithError(err).Error("Job failed")
}

func (r *JobRunner) release(messageID int64) {
	r.mu.Lock()
	delete(r.active, messageID)
	r.mu.Unlock()
}
