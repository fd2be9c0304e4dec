package synthetic

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/reports"
	"github.com/metroai/defect-hub/internal/storage"
	"github.com/metroai/defect-hub/internal/storage/memory"
)

func newTestGenerator(store storage.ReportStore, blobs blob.Store) *Generator {
	return NewGenerator(store, blobs, 50, 3, nil).WithRand(rand.New(rand.NewSource(42)))
}

func TestGenerateCreatesCompletedSyntheticReports(t *testing.T) {
	store := memory.New()
	blobs := blob.NewMemoryStore()
	g := newTestGenerator(store, blobs)

	res, err := g.Generate(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 5, res.GeneratedCount)
	assert.Equal(t, "Successfully generated 5 synthetic reports", res.Message)

	rows, err := store.ListReports(context.Background(), storage.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.Equal(t, storage.StatusCompleted, r.Status)
		assert.True(t, r.IsSynthetic)
		assert.Contains(t, Categories, r.Category)
		require.NotNil(t, r.Station)
		assert.Contains(t, Stations, *r.Station)
		require.NotNil(t, r.Latitude)
		assert.InDelta(t, 59.9, *r.Latitude, 0.1)
		assert.InDelta(t, 30.3, *r.Longitude, 0.1)

		conf, ok := r.AIResult["confidence"].(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, conf, 0.85)
		assert.LessOrEqual(t, conf, 0.99)
		assert.Equal(t, true, r.AIResult["generated"])

		data, err := blobs.GetObject(context.Background(), r.PhotoKey)
		require.NoError(t, err)
		img, err := jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 800, img.Bounds().Dx())
		assert.Equal(t, 600, img.Bounds().Dy())
	}

	// synthetic rows are never queued for analysis
	jobs, err := store.PendingJobs(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestGenerateRejectsOutOfRangeCount(t *testing.T) {
	g := newTestGenerator(memory.New(), blob.NewMemoryStore())

	for _, n := range []int{0, -1, 51} {
		_, err := g.Generate(context.Background(), n)
		var verr *reports.ValidationError
		require.ErrorAs(t, err, &verr, "n=%d", n)
		assert.Equal(t, "count", verr.Field)
	}
}

// failAfterBlobs fails every PutObject after the first `ok` calls.
type failAfterBlobs struct {
	*blob.MemoryStore
	ok, puts int
}

func (f *failAfterBlobs) PutObject(ctx context.Context, key string, data []byte, contentType string) (int64, error) {
	f.puts++
	if f.puts > f.ok {
		return 0, errors.New("bucket unavailable")
	}
	return f.MemoryStore.PutObject(ctx, key, data, contentType)
}

func TestGenerateCommitsBufferedRowsOnFailure(t *testing.T) {
	store := memory.New()
	g := newTestGenerator(store, &failAfterBlobs{MemoryStore: blob.NewMemoryStore(), ok: 4})

	res, err := g.Generate(context.Background(), 10)
	require.Error(t, err)
	var werr *reports.StorageWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "put_object", werr.Op)

	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 4, res.GeneratedCount)

	rows, err := store.ListReports(context.Background(), storage.ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestRenderImageEveryCategory(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, c := range append(Categories, "unknown") {
		data, err := RenderImage(rnd, c)
		require.NoError(t, err, c)
		_, err = jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err, c)
	}
}

func TestHandleGenerate(t *testing.T) {
	h := NewHandlers(newTestGenerator(memory.New(), blob.NewMemoryStore()))

	rec := httptest.NewRecorder()
	h.HandleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/synthetic/generate?count=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","generated_count":2,"message":"Successfully generated 2 synthetic reports"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/synthetic/generate?count=5000", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleGenerate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/synthetic/generate?count=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
