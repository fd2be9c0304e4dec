// Package worker runs the analysis step of the report pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/ai"
	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/notifications"
	"github.com/metroai/defect-hub/internal/queue"
	"github.com/metroai/defect-hub/internal/storage"
)

// Worker processes one job per report: PENDING -> PROCESSING -> COMPLETED|FAILED.
//
// Every transition is a guarded compare-and-set, so a redelivered job for a
// report that already reached a terminal state is a no-op.
type Worker struct {
	store    storage.ReportStore
	blobs    blob.Store
	analyzer ai.Analyzer
	events   notifications.Publisher
	logger   log.Interface
}

// New builds a worker. Analysis runs without a deadline; the worker waits for
// the analyzer to return.
func New(store storage.ReportStore, blobs blob.Store, analyzer ai.Analyzer, events notifications.Publisher, logger log.Interface) *Worker {
	if logger == nil {
		logger = log.Log
	}
	return &Worker{
		store:    store,
		blobs:    blobs,
		analyzer: analyzer,
		events:   events,
		logger:   logger,
	}
}

// Handle implements queue.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	startedAt := time.Now()
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	outcome, err := w.process(ctx, job)
	if err != nil && outcome == "" {
		outcome = "error"
	}
	metrics.WorkerProcessedTotal.WithLabelValues(outcome).Inc()
	metrics.WorkerDurationSeconds.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	return err
}

func (w *Worker) process(ctx context.Context, job queue.Job) (string, error) {
	logger := w.logger.WithField("report_id", job.ReportID)

	report, err := w.store.GetReport(ctx, job.ReportID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("worker: report not found, dropping job")
		return "not_found", queue.Permanent(err)
	}
	if err != nil {
		return "", fmt.Errorf("load report %d: %w", job.ReportID, err)
	}
	if report.Status.IsTerminal() {
		logger.WithField("status", report.Status).Debug("worker: already terminal, skipping")
		return "skipped", nil
	}

	report, changed, err := w.store.TransitionStatus(ctx, job.ReportID,
		[]storage.ReportStatus{storage.StatusPending, storage.StatusProcessing},
		storage.StatusProcessing, nil)
	if err != nil {
		return "", fmt.Errorf("mark processing %d: %w", job.ReportID, err)
	}
	if !changed {
		// another delivery finished it between the read and the update
		return "skipped", nil
	}
	w.publish(ctx, report)

	data, err := w.blobs.GetObject(ctx, report.PhotoKey)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		if queue.IsFinalAttempt(ctx) {
			logger.WithError(err).Warn("worker: photo store unavailable on last attempt")
			return w.finish(ctx, report.ID, storage.StatusFailed, nil)
		}
		// photo store outage: leave PROCESSING, redelivery resumes from here
		return "", fmt.Errorf("fetch photo %s: %w", report.PhotoKey, err)
	}

	var result storage.AnalysisResult
	if err == nil {
		result, err = w.analyze(ctx, report, data)
	}
	if err != nil {
		logger.WithError(err).Warn("worker: analysis failed")
		return w.finish(ctx, report.ID, storage.StatusFailed, nil)
	}
	return w.finish(ctx, report.ID, storage.StatusCompleted, result)
}

// analyze detaches from the delivery context so shutdown does not turn an
// in-flight analysis into a failure.
func (w *Worker) analyze(ctx context.Context, report *storage.Report, data []byte) (storage.AnalysisResult, error) {
	return w.analyzer.Analyze(context.WithoutCancel(ctx), ai.Photo{
		ReportID:    report.ID,
		Category:    report.Category,
		Key:         report.PhotoKey,
		ContentType: http.DetectContentType(data),
		Data:        data,
	})
}

func (w *Worker) finish(ctx context.Context, id int64, to storage.ReportStatus, result storage.AnalysisResult) (string, error) {
	report, changed, err := w.store.TransitionStatus(context.WithoutCancel(ctx), id,
		[]storage.ReportStatus{storage.StatusProcessing}, to, result)
	if err != nil {
		return "", fmt.Errorf("mark %s %d: %w", to, id, err)
	}
	if !changed {
		return "skipped", nil
	}
	w.publish(ctx, report)
	w.logger.WithFields(log.Fields{"report_id": id, "status": to}).Info("worker: report processed")
	return string(to), nil
}

func (w *Worker) publish(ctx context.Context, report *storage.Report) {
	if w.events == nil {
		return
	}
	w.events.Publish(ctx, notifications.EventFromReport(report))
}
