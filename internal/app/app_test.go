package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/storage"
	"github.com/metroai/defect-hub/internal/storage/memory"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                "local",
		Blob:               config.BlobConfig{Mode: config.BlobModeMemory},
		Queue:              config.QueueConfig{Mode: config.QueueModeMemory},
		OutboxPollInterval: time.Hour, // only Notify wakes the dispatcher
		OutboxBatchSize:    10,
		WorkerConcurrency:  2,
		AIMode:             "mock",
		AITimeoutSeconds:   5,
	}
}

func TestBuildMemoryStack(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.MemoryStorage{}, a.Store)
	assert.IsType(t, &blob.MemoryStore{}, a.Blobs)
	assert.Equal(t, config.BlobModeMemory, a.BlobMode)
	assert.Nil(t, a.Relay)
	assert.NotNil(t, a.Worker)
	assert.NotNil(t, a.Dispatcher)
}

func TestRunProcessesStagedJobs(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, true) }()

	key := blob.NewDatasetKey("wall", "crack.jpg", time.Now())
	_, err = a.Blobs.PutObject(ctx, key, []byte("\xff\xd8\xffwall"), "image/jpeg")
	require.NoError(t, err)

	r := &storage.Report{Category: "wall", PhotoKey: key}
	require.NoError(t, a.Store.CreateReports(ctx, []*storage.Report{r}, true))
	a.Dispatcher.Notify()

	require.Eventually(t, func() bool {
		got, err := a.Store.GetReport(ctx, r.ID)
		return err == nil && got.Status == storage.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
