package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/storage"
)

// OutboxStore is the part of the report store the dispatcher needs.
type OutboxStore interface {
	PendingJobs(ctx context.Context, limit int) ([]storage.OutboxJob, error)
	DeleteJobs(ctx context.Context, ids []int64) error
}

// Dispatcher relays committed outbox jobs to the queue. A job is deleted only
// after a successful publish, so a crash in between causes a duplicate, never a loss.
type Dispatcher struct {
	store    OutboxStore
	queue    Enqueuer
	interval time.Duration
	batch    int
	wake     chan struct{}
	logger   log.Interface
}

func NewDispatcher(store OutboxStore, q Enqueuer, interval time.Duration, batch int, logger log.Interface) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = log.Log
	}
	return &Dispatcher{
		store:    store,
		queue:    q,
		interval: interval,
		batch:    batch,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// Notify wakes the dispatcher without blocking. Called after a commit.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run relays jobs on every Notify and every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Infof("outbox: dispatcher started interval=%s batch=%d", d.interval, d.batch)
	for {
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.logger.WithError(err).Warn("outbox: flush failed, will retry")
		}

		select {
		case <-ctx.Done():
			d.logger.Info("outbox: dispatcher stopped")
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// Flush publishes staged jobs until the outbox is empty or a publish fails.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		jobs, err := d.store.PendingJobs(ctx, d.batch)
		if err != nil {
			return total, fmt.Errorf("load outbox: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}

		published := make([]int64, 0, len(jobs))
		var publishErr error
		for _, j := range jobs {
			if err := d.queue.Enqueue(ctx, Job{ReportID: j.ReportID}); err != nil {
				metrics.OutboxPublishErrorTotal.Inc()
				publishErr = fmt.Errorf("publish report_id=%d: %w", j.ReportID, err)
				break
			}
			published = append(published, j.ID)
		}

		if err := d.store.DeleteJobs(ctx, published); err != nil {
			return total, fmt.Errorf("delete outbox jobs: %w", err)
		}
		metrics.OutboxPublishedTotal.Add(float64(len(published)))
		total += len(published)

		if publishErr != nil {
			return total, publishErr
		}
		if len(jobs) < d.batch {
			return total, nil
		}
	}
}
