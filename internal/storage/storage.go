package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound — отчёт не найден
	ErrNotFound = errors.New("report not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AnalysisResult is the opaque analysis output (confidence, labels, free fields).
type AnalysisResult map[string]any

// Report — отчёт о дефекте: фото + метаданные + статус обработки
type Report struct {
	ID          int64
	Category    string
	Station     *string
	Description *string
	Latitude    *float64
	Longitude   *float64
	PhotoKey    string
	Status      ReportStatus
	AIResult    AnalysisResult
	IsSynthetic bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReportFilter narrows ListReports. Zero values mean "no filter".
type ReportFilter struct {
	Category    string
	Status      ReportStatus
	IsSynthetic *bool
	AfterID     int64 // keyset pagination, exclusive
	Limit       int
	Offset      int
}

// OutboxJob is a processing job staged in the same transaction as its report.
type OutboxJob struct {
	ID        int64
	ReportID  int64
	CreatedAt time.Time
}

// ReportStore — интерфейс хранилища отчётов
type ReportStore interface {
	// CreateReports atomically inserts all reports (assigning ID, timestamps).
	// When stageJobs is true one outbox job per report is staged in the same transaction.
	CreateReports(ctx context.Context, reports []*Report, stageJobs bool) error

	// GetReport возвращает отчёт по ID или ErrNotFound
	GetReport(ctx context.Context, id int64) (*Report, error)

	// ListReports returns reports ordered by ID ascending.
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)

	// TransitionStatus moves the report to `to` only if its current status is in `from`.
	// The result is stored only for StatusCompleted and cleared otherwise.
	// changed=false with a nil error means the guard did not match; the current row is returned.
	TransitionStatus(ctx context.Context, id int64, from []ReportStatus, to ReportStatus, result AnalysisResult) (report *Report, changed bool, err error)

	// Resubmit inserts a new PENDING report copying a FAILED one (same photo and
	// metadata) and stages its job atomically. The FAILED row is left as is.
	// ErrInvalidTransition when the source is not FAILED.
	Resubmit(ctx context.Context, id int64) (*Report, error)

	// PendingJobs returns up to limit staged jobs, oldest first.
	PendingJobs(ctx context.Context, limit int) ([]OutboxJob, error)

	// DeleteJobs removes relayed jobs.
	DeleteJobs(ctx context.Context, ids []int64) error

	// Close закрывает соединение (для Postgres)
	Close() error
}
