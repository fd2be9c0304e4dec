package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// Handlers handles HTTP requests for reports
type Handlers struct {
	service *Service
}

// NewHandlers creates new handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// HandleCreate handles POST /api/v1/reports/ (multipart form)
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	limits := h.service.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, int64(limits.MaxFiles)*limits.MaxFileBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Expected multipart/form-data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := CreateReportsRequest{
		Category:    r.FormValue("category"),
		Station:     optionalForm(r, "station"),
		Description: optionalForm(r, "description"),
	}

	var err error
	if req.Latitude, err = optionalFloat(r, "latitude"); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Longitude, err = optionalFloat(r, "longitude"); err != nil {
		writeServiceError(w, err)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) > limits.MaxFiles {
		writeServiceError(w, invalid("files", "at most %d files per request", limits.MaxFiles))
		return
	}
	for _, fh := range headers {
		up, err := readUpload(fh, limits.MaxFileBytes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		req.Files = append(req.Files, up)
	}

	created, err := h.service.CreateReports(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTOs(created))
}

// HandleList handles GET /api/v1/reports/
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ListParams{
		Category: q.Get("category"),
		Status:   q.Get("status"),
	}

	if v := q.Get("is_synthetic"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeServiceError(w, invalid("is_synthetic", "must be true or false"))
			return
		}
		params.IsSynthetic = &b
	}
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			writeServiceError(w, invalid("limit", "must be a positive integer"))
			return
		}
		params.Limit = l
	}
	if v := q.Get("offset"); v != "" {
		o, err := strconv.Atoi(v)
		if err != nil || o < 0 {
			writeServiceError(w, invalid("offset", "must be a non-negative integer"))
			return
		}
		params.Offset = o
	}

	list, err := h.service.ListReports(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(list))
}

// HandleGet handles GET /api/v1/reports/{id}
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.service.GetReport(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToDTO(*report))
}

// HandleReprocess handles POST /api/v1/reports/{id}/reprocess
func (h *Handlers) HandleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.service.ReprocessReport(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ToDTO(*report))
}

func readUpload(fh *multipart.FileHeader, maxBytes int64) (Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return Upload{}, invalid("files", "cannot read %q", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return Upload{}, invalid("files", "cannot read %q", fh.Filename)
	}
	if int64(len(data)) > maxBytes {
		return Upload{}, invalid("files", "file %q exceeds %d bytes", fh.Filename, maxBytes)
	}
	return Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func optionalForm(r *http.Request, key string) *string {
	if _, ok := r.MultipartForm.Value[key]; !ok {
		return nil
	}
	v := r.FormValue(key)
	return &v
}

func optionalFloat(r *http.Request, key string) (*float64, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, invalid(key, "must be a number")
	}
	return &v, nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid report ID")
		return 0, false
	}
	return id, true
}

// WriteServiceError maps service errors to the JSON error envelope.
func WriteServiceError(w http.ResponseWriter, err error) { writeServiceError(w, err) }

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var serr *StorageWriteError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, ErrReportNotFound):
		writeError(w, http.StatusNotFound, "report_not_found", "Report not found")
	case errors.As(err, &serr):
		writeError(w, http.StatusInternalServerError, "storage_error", fmt.Sprintf("storage write failed (%s)", serr.Op))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
