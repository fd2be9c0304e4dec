package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/storage"
	"github.com/metroai/defect-hub/internal/storage/memory"
)

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("boom")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(errors.Join(errors.New("ctx"), err)))
}

func TestMemoryQueueDeliversJobs(t *testing.T) {
	q := NewMemoryQueue(10, 2, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []int64
		done = make(chan struct{})
	)
	go q.Consume(ctx, func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.ReportID)
		if len(seen) == 3 {
			close(done)
		}
		return nil
	})

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Job{ReportID: i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not delivered")
	}
	mu.Lock()
	assert.ElementsMatch(t, []int64{1, 2, 3}, seen)
	mu.Unlock()
}

func TestMemoryQueueRedeliversTransientFailures(t *testing.T) {
	q := NewMemoryQueue(10, 1, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan struct{})
	go q.Consume(ctx, func(ctx context.Context, job Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		close(done)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, Job{ReportID: 7}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not redelivered")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryQueueDropsPermanentFailuresAndPanics(t *testing.T) {
	q := NewMemoryQueue(10, 1, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go q.Consume(ctx, func(ctx context.Context, job Job) error {
		calls.Add(1)
		if job.ReportID == 1 {
			return Permanent(errors.New("not found"))
		}
		panic("analyzer exploded")
	})

	require.NoError(t, q.Enqueue(ctx, Job{ReportID: 1}))
	require.NoError(t, q.Enqueue(ctx, Job{ReportID: 2}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueClosedRejectsEnqueue(t *testing.T) {
	q := NewMemoryQueue(1, 1, time.Millisecond, nil)
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{ReportID: 1}), ErrClosed)
}

func TestMemoryQueueCloseDoesNotWaitForBlockedEnqueue(t *testing.T) {
	q := NewMemoryQueue(1, 1, time.Millisecond, nil)
	require.NoError(t, q.Enqueue(context.Background(), Job{ReportID: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(ctx, Job{ReportID: 2}) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a full buffer")
	}

	cancel()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked Enqueue did not return")
	}
}

func TestMemoryQueueMarksLastAttemptAndStops(t *testing.T) {
	q := NewMemoryQueue(10, 1, time.Millisecond, nil).WithMaxRetries(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		attempts []Attempt
	)
	go q.Consume(ctx, func(ctx context.Context, job Job) error {
		a, ok := AttemptFrom(ctx)
		assert.True(t, ok)
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
		return errors.New("store unavailable")
	})

	require.NoError(t, q.Enqueue(ctx, Job{ReportID: 9}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Attempt{{N: 0}, {N: 1}, {N: 2, Final: true}}, attempts)
}

func TestIsFinalAttempt(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsFinalAttempt(ctx))
	assert.False(t, IsFinalAttempt(WithAttempt(ctx, Attempt{N: 3})))
	assert.True(t, IsFinalAttempt(WithAttempt(ctx, Attempt{N: 3, Final: true})))
}

type recordingEnqueuer struct {
	mu      sync.Mutex
	jobs    []Job
	failOn  int64
	failErr error
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ReportID == r.failOn {
		return r.failErr
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func stageReports(t *testing.T, store *memory.MemoryStorage, n int) []*storage.Report {
	t.Helper()
	reports := make([]*storage.Report, n)
	for i := range reports {
		reports[i] = &storage.Report{Category: "seat", PhotoKey: "k"}
	}
	require.NoError(t, store.CreateReports(context.Background(), reports, true))
	return reports
}

func TestDispatcherFlushPublishesAndDeletes(t *testing.T) {
	store := memory.New()
	stageReports(t, store, 5)
	enq := &recordingEnqueuer{}

	d := NewDispatcher(store, enq, time.Second, 2, nil)
	n, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, enq.jobs, 5)
	for i, j := range enq.jobs {
		assert.Equal(t, int64(i+1), j.ReportID)
	}

	pending, err := store.PendingJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherKeepsUnpublishedJobs(t *testing.T) {
	store := memory.New()
	stageReports(t, store, 3)
	enq := &recordingEnqueuer{failOn: 2, failErr: errors.New("broker down")}

	d := NewDispatcher(store, enq, time.Second, 10, nil)
	n, err := d.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending, err := store.PendingJobs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2), pending[0].ReportID)

	// broker recovers: the remaining jobs go out on the next flush
	enq.failOn = 0
	n, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatcherRunRelaysOnNotify(t *testing.T) {
	store := memory.New()
	q := NewMemoryQueue(10, 1, time.Millisecond, nil)
	d := NewDispatcher(store, q, time.Hour, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	stageReports(t, store, 2)
	d.Notify()

	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
}
