package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metroai/defect-hub/internal/storage"
)

// MemoryStorage — in-memory реализация storage.ReportStore
type MemoryStorage struct {
	mu        sync.RWMutex
	nextID    int64
	nextJobID int64
	reports   map[int64]storage.Report
	outbox    []storage.OutboxJob
	now       func() time.Time
}

// New создаёт пустое in-memory хранилище
func New() *MemoryStorage {
	return &MemoryStorage{
		reports: make(map[int64]storage.Report),
		now:     time.Now,
	}
}

func (m *MemoryStorage) CreateReports(ctx context.Context, reports []*storage.Report, stageJobs bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	for _, r := range reports {
		m.nextID++
		r.ID = m.nextID
		if r.Status == "" {
			r.Status = storage.StatusPending
		}
		r.CreatedAt = now
		r.UpdatedAt = now
		m.reports[r.ID] = cloneReport(*r)

		if stageJobs {
			m.nextJobID++
			m.outbox = append(m.outbox, storage.OutboxJob{ID: m.nextJobID, ReportID: r.ID, CreatedAt: now})
		}
	}
	return nil
}

func (m *MemoryStorage) GetReport(ctx context.Context, id int64) (*storage.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneReport(r)
	return &out, nil
}

func (m *MemoryStorage) ListReports(ctx context.Context, filter storage.ReportFilter) ([]storage.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]storage.Report, 0)
	for _, r := range m.reports {
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.IsSynthetic != nil && r.IsSynthetic != *filter.IsSynthetic {
			continue
		}
		if r.ID <= filter.AfterID {
			continue
		}
		result = append(result, cloneReport(r))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []storage.Report{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStorage) TransitionStatus(ctx context.Context, id int64, from []storage.ReportStatus, to storage.ReportStatus, result storage.AnalysisResult) (*storage.Report, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, false, storage.ErrNotFound
	}

	if !containsStatus(from, r.Status) {
		out := cloneReport(r)
		return &out, false, nil
	}

	r.Status = to
	if to == storage.StatusCompleted {
		r.AIResult = cloneResult(result)
	} else {
		r.AIResult = nil
	}
	r.UpdatedAt = m.now().UTC()
	m.reports[id] = r

	out := cloneReport(r)
	return &out, true, nil
}

func (m *MemoryStorage) Resubmit(ctx context.Context, id int64) (*storage.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.reports[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if src.Status != storage.StatusFailed {
		return nil, storage.ErrInvalidTransition
	}

	now := m.now().UTC()
	m.nextID++
	r := cloneReport(src)
	r.ID = m.nextID
	r.Status = storage.StatusPending
	r.AIResult = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	m.reports[r.ID] = r

	m.nextJobID++
	m.outbox = append(m.outbox, storage.OutboxJob{ID: m.nextJobID, ReportID: r.ID, CreatedAt: now})

	out := cloneReport(r)
	return &out, nil
}

func (m *MemoryStorage) PendingJobs(ctx context.Context, limit int) ([]storage.OutboxJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.outbox)
	if limit > 0 && n > limit {
		n = limit
	}
	jobs := make([]storage.OutboxJob, n)
	copy(jobs, m.outbox[:n])
	return jobs, nil
}

func (m *MemoryStorage) DeleteJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.outbox[:0]
	for _, j := range m.outbox {
		if _, ok := drop[j.ID]; !ok {
			kept = append(kept, j)
		}
	}
	m.outbox = kept
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func containsStatus(set []storage.ReportStatus, s storage.ReportStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneReport(r storage.Report) storage.Report {
	r.AIResult = cloneResult(r.AIResult)
	return r
}

func cloneResult(res storage.AnalysisResult) storage.AnalysisResult {
	if res == nil {
		return nil
	}
	out := make(storage.AnalysisResult, len(res))
	for k, v := range res {
		out[k] = v
	}
	return out
}
