package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

var ErrClosed = errors.New("queue closed")

// MemoryQueue is an in-process queue backed by a buffered channel.
// Transient handler failures are redelivered after RetryDelay, at most
// maxRetries times when a budget is set (0 means no limit).
type MemoryQueue struct {
	jobs        chan delivery
	concurrency int
	retryDelay  time.Duration
	maxRetries  int
	logger      log.Interface

	mu     sync.RWMutex
	closed bool
}

type delivery struct {
	job     Job
	attempt int
}

func NewMemoryQueue(buffer, concurrency int, retryDelay time.Duration, logger log.Interface) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.Log
	}
	return &MemoryQueue{
		jobs:        make(chan delivery, buffer),
		concurrency: concurrency,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// WithMaxRetries caps redeliveries of a transiently failing job.
func (q *MemoryQueue) WithMaxRetries(n int) *MemoryQueue {
	if n < 0 {
		n = 0
	}
	q.maxRetries = n
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	return q.push(ctx, delivery{job: job})
}

func (q *MemoryQueue) push(ctx context.Context, d delivery) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.jobs <- d:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue report_id=%d: %w", d.job.ReportID, ctx.Err())
	}
}

// Consume runs `concurrency` workers until ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-q.jobs:
					q.deliver(ctx, workerID, d, h)
				}
			}
		}(i + 1)
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) deliver(ctx context.Context, workerID int, d delivery, h Handler) {
	final := q.maxRetries > 0 && d.attempt >= q.maxRetries
	hctx := WithAttempt(ctx, Attempt{N: d.attempt, Final: final})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = Permanent(fmt.Errorf("panic: %v", r))
			}
		}()
		return h(hctx, d.job)
	}()
	if err == nil {
		return
	}

	entry := q.logger.WithFields(log.Fields{"worker_id": workerID, "report_id": d.job.ReportID, "attempt": d.attempt})
	if IsPermanent(err) {
		entry.WithError(err).Warn("queue: job dropped")
		return
	}
	if final {
		entry.WithError(err).Warn("queue: retries exhausted, job dropped")
		return
	}

	entry.WithError(err).Warnf("queue: job redelivery in %s", q.retryDelay)
	next := delivery{job: d.job, attempt: d.attempt + 1}
	time.AfterFunc(q.retryDelay, func() {
		if err := q.push(context.Background(), next); err != nil {
			entry.WithError(err).Error("queue: redelivery failed")
		}
	})
}

// Len returns the number of jobs waiting for a worker.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
