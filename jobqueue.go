package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	errQueueJobPanicked = errors.New("job worker panicked")
)

const (
	// Default worker slots.  Jobs are network bound and remote hosts are
	// rate sensitive, so one at a time is the right default.
	defaultQueueConcurrency = 1
)

// JobWorker is the body of a queued job.  It must call done exactly once,
// with the job's error or nil, to release its worker slot.
type JobWorker func(payload any, done func(error))

type queuedJob struct {
	payload    any
	worker     JobWorker
	onComplete func(error)
}

// JobQueue is a FIFO work queue with a bounded number of concurrent workers.
// A worker error is reported to that job's own completion callback and does
// not stop the queue; remaining jobs still run.
type JobQueue struct {
	logger      *slog.Logger
	concurrency int

	mu      sync.Mutex
	idle    *sync.Cond
	pending []*queuedJob
	running int
	lastErr error
	onDrain func(error)
}

// NewJobQueue creates a queue with the default concurrency of one worker.
//
// Parameters:
//   - logger: Logger instance
//
// Returns:
//   - *JobQueue: A new queue ready for use
func NewJobQueue(logger *slog.Logger) *JobQueue {
	return NewJobQueueN(logger, defaultQueueConcurrency)
}

// NewJobQueueN creates a queue with an explicit concurrency cap.
//
// Parameters:
//   - logger: Logger instance
//   - concurrency: Maximum number of jobs running at once (minimum 1)
//
// Returns:
//   - *JobQueue: A new queue ready for use
func NewJobQueueN(logger *slog.Logger, concurrency int) *JobQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	q := &JobQueue{
		logger:      logger,
		concurrency: concurrency,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// OnDrain registers a callback invoked every time the queue becomes empty
// after having had jobs.  The callback receives the error of the last failed
// job since the previous drain, or nil if all jobs succeeded.
func (q *JobQueue) OnDrain(fn func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrain = fn
}

// PushJob enqueues a job.  The worker is invoked with the payload once a
// slot is free; when the worker calls done, onComplete (if non-nil) is
// invoked with the job's error.
//
// Parameters:
//   - payload: Opaque job payload passed to the worker
//   - worker: Job body; must call done exactly once
//   - onComplete: Per-job completion callback, may be nil
func (q *JobQueue) PushJob(payload any, worker JobWorker, onComplete func(error)) {
	q.mu.Lock()
	q.pending = append(q.pending, &queuedJob{
		payload:    payload,
		worker:     worker,
		onComplete: onComplete,
	})
	q.dispatchLocked()
	q.mu.Unlock()
}

// JobCount returns the number of pending plus in-flight jobs.
func (q *JobQueue) JobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.running
}

// Wait blocks until the queue is empty and no jobs are running.  Jobs pushed
// while waiting are waited for as well.
func (q *JobQueue) Wait() {
	q.mu.Lock()
	for len(q.pending) > 0 || q.running > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// dispatchLocked starts queued jobs while worker slots are free.  Callers
// must hold q.mu.
func (q *JobQueue) dispatchLocked() {
	for q.running < q.concurrency && len(q.pending) > 0 {
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		go q.run(job)
	}
}

// run executes a single job on its own goroutine and handles completion
// bookkeeping.  The done callback is guarded so a worker calling it more
// than once cannot corrupt the running count.
func (q *JobQueue) run(job *queuedJob) {
	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			if err != nil {
				q.logger.Error("job failed", "error", err)
			}
			if job.onComplete != nil {
				job.onComplete(err)
			}
			q.finish(err)
		})
	}

	defer func() {
		if r := recover(); r != nil {
			// A panicking worker must not wedge the queue; surface it and
			// keep going.
			q.logger.Error("job panicked", "panic", r)
			done(errQueueJobPanicked)
		}
	}()

	job.worker(job.payload, done)
}

// finish releases the job's slot, fires the drain callback when the queue
// empties, and dispatches waiting jobs.
func (q *JobQueue) finish(err error) {
	q.mu.Lock()
	q.running--
	if err != nil {
		q.lastErr = err
	}
	var drain func(error)
	var drainErr error
	if q.running == 0 && len(q.pending) == 0 {
		drain = q.onDrain
		drainErr = q.lastErr
		q.lastErr = nil
		q.idle.Broadcast()
	}
	q.dispatchLocked()
	q.mu.Unlock()

	if drain != nil {
		drain(drainErr)
	}
}
