package reports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/notifications"
	"github.com/metroai/defect-hub/internal/storage"
)

// Notifier wakes the outbox dispatcher after a commit.
type Notifier interface {
	Notify()
}

// Limits bound a single ingestion request.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
	AllowedMIME  []string
}

// ParseMIMEList splits a comma separated list of media types.
func ParseMIMEList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Service handles ingestion and report queries
type Service struct {
	store    storage.ReportStore
	blobs    blob.Store
	notifier Notifier
	events   notifications.Publisher
	limits   Limits
	now      func() time.Time
	logger   log.Interface
}

func NewService(store storage.ReportStore, blobs blob.Store, notifier Notifier, events notifications.Publisher, limits Limits, logger log.Interface) *Service {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = 20
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = 10 << 20
	}
	if len(limits.AllowedMIME) == 0 {
		limits.AllowedMIME = []string{"image/jpeg", "image/png", "image/webp"}
	}
	if logger == nil {
		logger = log.Log
	}
	return &Service{
		store:    store,
		blobs:    blobs,
		notifier: notifier,
		events:   events,
		limits:   limits,
		now:      time.Now,
		logger:   logger,
	}
}

// Limits returns the effective request limits.
func (s *Service) Limits() Limits { return s.limits }

// CreateReports uploads every photo, then inserts all rows and their jobs in
// one transaction. Either every report of the request exists or none does.
func (s *Service) CreateReports(ctx context.Context, req CreateReportsRequest) ([]storage.Report, error) {
	category, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rows := make([]*storage.Report, 0, len(req.Files))
	uploaded := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		key := blob.NewDatasetKey(category, f.Filename, now)
		if _, err := s.blobs.PutObject(ctx, key, f.Data, f.ContentType); err != nil {
			metrics.UploadFailuresTotal.Inc()
			if len(uploaded) > 0 {
				s.logger.WithField("keys", uploaded).Warn("ingest: batch aborted, leaving orphaned objects")
			}
			return nil, &StorageWriteError{Op: "put_object", Err: fmt.Errorf("%s: %w", key, err)}
		}
		uploaded = append(uploaded, key)

		rows = append(rows, &storage.Report{
			Category:    category,
			Station:     req.Station,
			Description: req.Description,
			Latitude:    req.Latitude,
			Longitude:   req.Longitude,
			PhotoKey:    key,
			Status:      storage.StatusPending,
		})
	}

	if err := s.store.CreateReports(ctx, rows, true); err != nil {
		s.logger.WithError(err).WithField("keys", uploaded).Warn("ingest: insert failed, leaving orphaned objects")
		return nil, &StorageWriteError{Op: "insert_reports", Err: err}
	}
	metrics.ReportsCreatedTotal.WithLabelValues("upload").Add(float64(len(rows)))

	if s.notifier != nil {
		s.notifier.Notify()
	}

	out := make([]storage.Report, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	s.logger.WithFields(log.Fields{"category": category, "count": len(out), "first_id": out[0].ID}).Info("ingest: reports created")
	return out, nil
}

func (s *Service) validate(req *CreateReportsRequest) (string, error) {
	category := strings.TrimSpace(req.Category)
	switch {
	case category == "":
		return "", invalid("category", "is required")
	case len(category) > maxCategoryLen:
		return "", invalid("category", "must be at most %d characters", maxCategoryLen)
	case category == "." || category == "..",
		strings.ContainsAny(category, `/\`),
		strings.IndexFunc(category, unicode.IsControl) >= 0:
		return "", invalid("category", "contains forbidden characters")
	}

	if (req.Latitude == nil) != (req.Longitude == nil) {
		return "", invalid("latitude", "latitude and longitude must be given together")
	}
	if req.Latitude != nil && (*req.Latitude < -90 || *req.Latitude > 90) {
		return "", invalid("latitude", "must be within [-90, 90]")
	}
	if req.Longitude != nil && (*req.Longitude < -180 || *req.Longitude > 180) {
		return "", invalid("longitude", "must be within [-180, 180]")
	}
	req.Station = trimOptional(req.Station)
	req.Description = trimOptional(req.Description)

	if len(req.Files) == 0 {
		return "", invalid("files", "at least one file is required")
	}
	if len(req.Files) > s.limits.MaxFiles {
		return "", invalid("files", "at most %d files per request", s.limits.MaxFiles)
	}
	for i := range req.Files {
		f := &req.Files[i]
		if len(f.Data) == 0 {
			return "", invalid("files", "file %q is empty", f.Filename)
		}
		if int64(len(f.Data)) > s.limits.MaxFileBytes {
			return "", invalid("files", "file %q exceeds %d bytes", f.Filename, s.limits.MaxFileBytes)
		}
		ct := mediaType(f.ContentType)
		if ct == "" || ct == "application/octet-stream" {
			ct = mediaType(http.DetectContentType(f.Data))
		}
		if !s.allowed(ct) {
			return "", invalid("files", "file %q has unsupported content type %s", f.Filename, ct)
		}
		f.ContentType = ct
	}
	return category, nil
}

func (s *Service) allowed(ct string) bool {
	for _, a := range s.limits.AllowedMIME {
		if a == ct {
			return true
		}
	}
	return false
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// GetReport returns the report or ErrReportNotFound.
func (s *Service) GetReport(ctx context.Context, id int64) (*storage.Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrReportNotFound
	}
	return r, err
}

// ListReports returns reports matching the filters, ordered by ID.
func (s *Service) ListReports(ctx context.Context, p ListParams) ([]storage.Report, error) {
	filter := storage.ReportFilter{
		Category:    strings.TrimSpace(p.Category),
		IsSynthetic: p.IsSynthetic,
		Limit:       p.Limit,
		Offset:      p.Offset,
	}
	if p.Status != "" {
		st, ok := storage.ParseStatus(p.Status)
		if !ok {
			return nil, invalid("status", "must be one of pending, processing, completed, failed")
		}
		filter.Status = st
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		return nil, invalid("offset", "must not be negative")
	}
	return s.store.ListReports(ctx, filter)
}

// ReprocessReport submits the photo of a FAILED report again as a new PENDING
// report with its own job. The FAILED report keeps its terminal status.
func (s *Service) ReprocessReport(ctx context.Context, id int64) (*storage.Report, error) {
	r, err := s.store.Resubmit(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrReportNotFound
	case errors.Is(err, storage.ErrInvalidTransition):
		return nil, invalid("status", "only failed reports can be reprocessed")
	case err != nil:
		return nil, &StorageWriteError{Op: "resubmit", Err: err}
	}

	if s.events != nil {
		s.events.Publish(ctx, notifications.EventFromReport(r))
	}
	if s.notifier != nil {
		s.notifier.Notify()
	}
	metrics.ReportsCreatedTotal.WithLabelValues("reprocess").Inc()
	s.logger.WithFields(log.Fields{"report_id": r.ID, "source_id": id}).Info("ingest: report resubmitted")
	return r, nil
}
