// Package export streams the report dataset as a ZIP archive.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/storage"
)

// ArchiveName is the download filename of the archive.
const ArchiveName = "metroai_dataset.zip"

// ManifestName is the metadata entry, written after all images.
const ManifestName = "metadata.json"

// ManifestEntry describes one exported report in metadata.json.
type ManifestEntry struct {
	ID          int64                  `json:"id"`
	Category    string                 `json:"category"`
	Station     *string                `json:"station"`
	Description *string                `json:"description"`
	Latitude    *float64               `json:"latitude"`
	Longitude   *float64               `json:"longitude"`
	Status      storage.ReportStatus   `json:"status"`
	IsSynthetic bool                   `json:"is_synthetic"`
	AIResult    storage.AnalysisResult `json:"ai_result"`
	ImagePath   string                 `json:"image_path"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Stats summarises one export.
type Stats struct {
	Included int
	Skipped  int
	Bytes    int64
}

// Filter narrows the exported set. Zero value exports everything.
type Filter struct {
	Category    string
	Status      storage.ReportStatus
	IsSynthetic *bool
}

// Service builds archives from the report store and the photo store.
type Service struct {
	store    storage.ReportStore
	blobs    blob.Store
	pageSize int
	logger   log.Interface
}

func NewService(store storage.ReportStore, blobs blob.Store, pageSize int, logger log.Interface) *Service {
	if pageSize <= 0 {
		pageSize = 200
	}
	if logger == nil {
		logger = log.Log
	}
	return &Service{store: store, blobs: blobs, pageSize: pageSize, logger: logger}
}

// flusher matches http.Flusher; checked on the destination writer after each image.
type flusher interface {
	Flush()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteArchive streams every matching report into w. A report whose photo
// cannot be read is logged and left out of both the images and the manifest.
// The manifest is written last, so it lists exactly the images present.
func (s *Service) WriteArchive(ctx context.Context, w io.Writer, filter Filter) (Stats, error) {
	var stats Stats
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	fl, _ := w.(flusher)

	manifest := make([]ManifestEntry, 0)
	seen := make(map[string]struct{})
	var afterID int64

	for {
		page, err := s.store.ListReports(ctx, storage.ReportFilter{
			Category:    filter.Category,
			Status:      filter.Status,
			IsSynthetic: filter.IsSynthetic,
			AfterID:     afterID,
			Limit:       s.pageSize,
		})
		if err != nil {
			return stats, fmt.Errorf("list reports after id=%d: %w", afterID, err)
		}

		for _, r := range page {
			afterID = r.ID
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			entry, err := s.addImage(ctx, zw, r, seen)
			if err != nil {
				if isWriteErr(err) {
					return stats, err
				}
				s.logger.WithError(err).Warnf("export: skip report_id=%d", r.ID)
				stats.Skipped++
				metrics.ExportReportsTotal.WithLabelValues("skipped").Inc()
				continue
			}
			manifest = append(manifest, entry)
			stats.Included++
			metrics.ExportReportsTotal.WithLabelValues("included").Inc()

			if fl != nil {
				if err := zw.Flush(); err != nil {
					return stats, err
				}
				fl.Flush()
			}
		}

		if len(page) < s.pageSize {
			break
		}
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     ManifestName,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return stats, fmt.Errorf("create manifest: %w", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(manifest); err != nil {
		return stats, fmt.Errorf("write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("close archive: %w", err)
	}

	stats.Bytes = cw.n
	s.logger.WithFields(log.Fields{
		"included": stats.Included,
		"skipped":  stats.Skipped,
		"bytes":    stats.Bytes,
	}).Info("export: archive written")
	return stats, nil
}

// writeErr marks a failure of the destination writer, which ends the export.
type writeErr struct{ err error }

func (e writeErr) Error() string { return e.err.Error() }
func (e writeErr) Unwrap() error { return e.err }

func isWriteErr(err error) bool {
	var we writeErr
	return errors.As(err, &we)
}

func (s *Service) addImage(ctx context.Context, zw *zip.Writer, r storage.Report, seen map[string]struct{}) (ManifestEntry, error) {
	path := blob.ArchivePath(r.Category, r.PhotoKey)
	if _, dup := seen[path]; dup {
		return ManifestEntry{}, fmt.Errorf("duplicate archive path %s", path)
	}

	data, err := s.blobs.GetObject(ctx, r.PhotoKey)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("fetch %s: %w", r.PhotoKey, err)
	}

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     path,
		Method:   zip.Store,
		Modified: r.CreatedAt,
	})
	if err != nil {
		return ManifestEntry{}, writeErr{fmt.Errorf("create %s: %w", path, err)}
	}
	if _, err := fw.Write(data); err != nil {
		return ManifestEntry{}, writeErr{fmt.Errorf("write %s: %w", path, err)}
	}
	seen[path] = struct{}{}

	return ManifestEntry{
		ID:          r.ID,
		Category:    r.Category,
		Station:     r.Station,
		Description: r.Description,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Status:      r.Status,
		IsSynthetic: r.IsSynthetic,
		AIResult:    r.AIResult,
		ImagePath:   path,
		CreatedAt:   r.CreatedAt,
	}, nil
}
