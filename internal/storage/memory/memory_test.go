package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/storage"
)

func strPtr(s string) *string { return &s }

func seed(t *testing.T, m *MemoryStorage, reports ...*storage.Report) {
	t.Helper()
	require.NoError(t, m.CreateReports(context.Background(), reports, true))
}

func TestCreateReportsAssignsIDsAndStagesJobs(t *testing.T) {
	m := New()
	ctx := context.Background()

	a := &storage.Report{Category: "seat", PhotoKey: "k1"}
	b := &storage.Report{Category: "wall", PhotoKey: "k2", Station: strPtr("Московская")}
	seed(t, m, a, b)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, storage.StatusPending, a.Status)
	assert.False(t, a.CreatedAt.IsZero())

	jobs, err := m.PendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ReportID)
	assert.Equal(t, b.ID, jobs[1].ReportID)

	got, err := m.GetReport(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Московская", *got.Station)
}

func TestCreateReportsWithoutJobs(t *testing.T) {
	m := New()
	r := &storage.Report{Category: "glass", PhotoKey: "k", Status: storage.StatusCompleted, IsSynthetic: true,
		AIResult: storage.AnalysisResult{"confidence": 0.9}}
	require.NoError(t, m.CreateReports(context.Background(), []*storage.Report{r}, false))

	jobs, err := m.PendingJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	got, err := m.GetReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.True(t, got.IsSynthetic)
}

func TestGetReportNotFound(t *testing.T) {
	_, err := New().GetReport(context.Background(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListReportsFilters(t *testing.T) {
	m := New()
	ctx := context.Background()
	seed(t, m,
		&storage.Report{Category: "seat", PhotoKey: "1"},
		&storage.Report{Category: "wall", PhotoKey: "2"},
		&storage.Report{Category: "seat", PhotoKey: "3"},
	)
	require.NoError(t, m.CreateReports(ctx, []*storage.Report{
		{Category: "seat", PhotoKey: "4", Status: storage.StatusCompleted, IsSynthetic: true},
	}, false))

	all, err := m.ListReports(ctx, storage.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	seats, err := m.ListReports(ctx, storage.ReportFilter{Category: "seat"})
	require.NoError(t, err)
	assert.Len(t, seats, 3)

	completed, err := m.ListReports(ctx, storage.ReportFilter{Category: "seat", Status: storage.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "4", completed[0].PhotoKey)

	syntheticFalse := false
	nonSynthetic, err := m.ListReports(ctx, storage.ReportFilter{IsSynthetic: &syntheticFalse})
	require.NoError(t, err)
	assert.Len(t, nonSynthetic, 3)

	page, err := m.ListReports(ctx, storage.ReportFilter{AfterID: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(3), page[0].ID)

	offset, err := m.ListReports(ctx, storage.ReportFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, offset)
}

func TestTransitionStatusGuard(t *testing.T) {
	m := New()
	ctx := context.Background()
	r := &storage.Report{Category: "floor", PhotoKey: "k"}
	seed(t, m, r)

	got, changed, err := m.TransitionStatus(ctx, r.ID,
		[]storage.ReportStatus{storage.StatusPending, storage.StatusProcessing}, storage.StatusProcessing, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, storage.StatusProcessing, got.Status)

	result := storage.AnalysisResult{"labels": []string{"floor"}}
	got, changed, err = m.TransitionStatus(ctx, r.ID,
		[]storage.ReportStatus{storage.StatusProcessing}, storage.StatusCompleted, result)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, result, got.AIResult)

	// terminal: the guard no longer matches
	got, changed, err = m.TransitionStatus(ctx, r.ID,
		[]storage.ReportStatus{storage.StatusProcessing}, storage.StatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.NotNil(t, got.AIResult)

	_, _, err = m.TransitionStatus(ctx, 999, []storage.ReportStatus{storage.StatusPending}, storage.StatusProcessing, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionStatusFailedClearsResult(t *testing.T) {
	m := New()
	ctx := context.Background()
	r := &storage.Report{Category: "floor", PhotoKey: "k", Status: storage.StatusProcessing}
	seed(t, m, r)

	got, changed, err := m.TransitionStatus(ctx, r.ID,
		[]storage.ReportStatus{storage.StatusProcessing}, storage.StatusFailed, storage.AnalysisResult{"x": 1})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, got.AIResult)
}

func TestTransitionStatusConcurrentCompleteOnlyOnce(t *testing.T) {
	m := New()
	ctx := context.Background()
	r := &storage.Report{Category: "wall", PhotoKey: "k", Status: storage.StatusProcessing}
	seed(t, m, r)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := m.TransitionStatus(ctx, r.ID,
				[]storage.ReportStatus{storage.StatusProcessing}, storage.StatusCompleted, storage.AnalysisResult{})
			if err == nil && changed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestResubmit(t *testing.T) {
	m := New()
	ctx := context.Background()
	lat, lon := 59.93, 30.36
	station := "Сенная площадь"
	r := &storage.Report{Category: "wall", PhotoKey: "k", Station: &station, Latitude: &lat, Longitude: &lon}
	seed(t, m, r)

	jobs, _ := m.PendingJobs(ctx, 0)
	require.NoError(t, m.DeleteJobs(ctx, []int64{jobs[0].ID}))

	_, err := m.Resubmit(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	_, _, err = m.TransitionStatus(ctx, r.ID, []storage.ReportStatus{storage.StatusPending}, storage.StatusProcessing, nil)
	require.NoError(t, err)
	failed, _, err := m.TransitionStatus(ctx, r.ID, []storage.ReportStatus{storage.StatusProcessing}, storage.StatusFailed, nil)
	require.NoError(t, err)

	got, err := m.Resubmit(ctx, r.ID)
	require.NoError(t, err)
	assert.NotEqual(t, r.ID, got.ID)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, "k", got.PhotoKey)
	assert.Equal(t, "wall", got.Category)
	assert.Equal(t, station, *got.Station)
	assert.Equal(t, lat, *got.Latitude)

	// the failed report stays terminal and untouched
	src, err := m.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, src.Status)
	assert.Equal(t, failed.UpdatedAt, src.UpdatedAt)

	jobs, _ = m.PendingJobs(ctx, 0)
	require.Len(t, jobs, 1)
	assert.Equal(t, got.ID, jobs[0].ReportID)

	_, err = m.Resubmit(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReturnedReportsAreCopies(t *testing.T) {
	m := New()
	ctx := context.Background()
	r := &storage.Report{Category: "seat", PhotoKey: "k", Status: storage.StatusCompleted,
		AIResult: storage.AnalysisResult{"confidence": 0.9}}
	require.NoError(t, m.CreateReports(ctx, []*storage.Report{r}, false))

	got, err := m.GetReport(ctx, r.ID)
	require.NoError(t, err)
	got.AIResult["confidence"] = 0.1
	got.Category = "changed"

	again, err := m.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "seat", again.Category)
	assert.Equal(t, 0.9, again.AIResult["confidence"])
}
