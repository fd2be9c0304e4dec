package export

import (
	"net/http"
	"strconv"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/reports"
	"github.com/metroai/defect-hub/internal/storage"
)

type Handlers struct {
	service *Service
	logger  log.Interface
}

func NewHandlers(service *Service, logger log.Interface) *Handlers {
	if logger == nil {
		logger = log.Log
	}
	return &Handlers{service: service, logger: logger}
}

// HandleZip handles GET /api/v1/reports/export/zip
//
// Optional filters: category, status, is_synthetic.
func (h *Handlers) HandleZip(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{Category: q.Get("category")}
	if v := q.Get("status"); v != "" {
		st, ok := storage.ParseStatus(v)
		if !ok {
			reports.WriteServiceError(w, &reports.ValidationError{Field: "status", Message: "must be one of pending, processing, completed, failed"})
			return
		}
		filter.Status = st
	}
	if v := q.Get("is_synthetic"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			reports.WriteServiceError(w, &reports.ValidationError{Field: "is_synthetic", Message: "must be true or false"})
			return
		}
		filter.IsSynthetic = &b
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename="+ArchiveName)
	w.WriteHeader(http.StatusOK)

	// Headers are already sent: failures can only be logged.
	if _, err := h.service.WriteArchive(r.Context(), w, filter); err != nil {
		h.logger.WithError(err).Error("export: archive aborted")
	}
}
