package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/storage"
)

func newTestMux(svc *Service) *http.ServeMux {
	h := NewHandlers(svc)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/reports/{$}", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/reports/{$}", h.HandleList)
	mux.HandleFunc("GET /api/v1/reports/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/reports/{id}/reprocess", h.HandleReprocess)
	return mux
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHandleCreateMultipart(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	mux := newTestMux(svc)

	body, ct := multipartBody(t,
		map[string]string{"category": "graffiti", "station": "Невский проспект", "latitude": "59.93", "longitude": "30.36"},
		map[string][]byte{"one.jpg": jpegBytes, "two.jpg": jpegBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out []ReportDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "graffiti", out[0].Category)
	require.NotNil(t, out[0].Station)
	assert.Equal(t, "Невский проспект", *out[0].Station)
	assert.Equal(t, storage.StatusPending, out[0].Status)
	assert.NotEmpty(t, out[0].PhotoURL)
	assert.Nil(t, out[0].Description)
}

func TestHandleCreateRejectsBadInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	mux := newTestMux(svc)

	body, ct := multipartBody(t, map[string]string{"category": "seat", "latitude": "north"}, map[string][]byte{"a.jpg": jpegBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeErrorCode(t, rec))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reports/", bytes.NewBufferString(`{"category":"seat"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeErrorCode(t, rec))
}

func TestHandleGetAndList(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	mux := newTestMux(svc)
	require.NoError(t, store.CreateReports(context.Background(), []*storage.Report{
		{Category: "seat", PhotoKey: "k1"},
		{Category: "floor", PhotoKey: "k2"},
	}, false))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var one ReportDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "floor", one.Category)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/77", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "report_not_found", decodeErrorCode(t, rec))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/?category=seat&status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ReportDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/?status=weird", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports/?is_synthetic=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReprocess(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	mux := newTestMux(svc)
	require.NoError(t, store.CreateReports(context.Background(), []*storage.Report{
		{Category: "seat", PhotoKey: "k1", Status: storage.StatusFailed},
	}, false))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reports/1/reprocess", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, float64(2), created["id"])
	assert.Equal(t, "pending", created["status"])

	// the resubmitted copy is not failed, so it cannot be reprocessed itself
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reports/2/reprocess", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
