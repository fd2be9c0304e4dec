// Package app assembles the pipeline components shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/ai"
	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/notifications"
	"github.com/metroai/defect-hub/internal/queue"
	"github.com/metroai/defect-hub/internal/queue/rabbitmq"
	"github.com/metroai/defect-hub/internal/storage"
	"github.com/metroai/defect-hub/internal/storage/memory"
	"github.com/metroai/defect-hub/internal/storage/postgres"
	"github.com/metroai/defect-hub/internal/worker"
)

const (
	memoryQueueBuffer     = 1024
	memoryQueueRetryDelay = 2 * time.Second
)

// App holds the wired components. Fields are read-only after Build.
type App struct {
	Config *config.Config
	Logger log.Interface

	Store      storage.ReportStore
	Blobs      blob.Store
	BlobMode   string
	Queue      queue.Queue
	Hub        *notifications.Hub
	Relay      *notifications.Relay // nil without RabbitMQ
	Analyzer   ai.Analyzer
	Dispatcher *queue.Dispatcher
	Worker     *worker.Worker
}

// Build opens storage, the photo store and the queue and wires the worker.
func Build(ctx context.Context, cfg *config.Config, logger log.Interface) (*App, error) {
	if logger == nil {
		logger = log.Log
	}
	a := &App{Config: cfg, Logger: logger, Hub: notifications.NewHub(logger.WithField("component", "hub"))}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store

	a.Blobs, a.BlobMode, err = blob.NewBlobStore(ctx, cfg.Blob, logger.WithField("component", "blob"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	switch cfg.Queue.Mode {
	case config.QueueModeRabbitMQ:
		q, err := rabbitmq.New(cfg.Queue, logger.WithField("component", "rabbitmq"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init rabbitmq queue: %w", err)
		}
		a.Queue = q

		// Статусы из воркеров других процессов приходят через fanout.
		relay, err := notifications.NewRelay(cfg.Queue.AMQPURL, cfg.Queue.StatusExchange, a.Hub, logger.WithField("component", "status-relay"))
		if err != nil {
			logger.WithError(err).Warn("status relay unavailable, websocket updates stay process-local")
		} else {
			a.Relay = relay
		}
	default:
		a.Queue = queue.NewMemoryQueue(memoryQueueBuffer, cfg.WorkerConcurrency, memoryQueueRetryDelay, logger.WithField("component", "queue")).
			WithMaxRetries(cfg.Queue.MaxRetries)
	}

	a.Analyzer = ai.NewAnalyzer(cfg)
	a.Dispatcher = queue.NewDispatcher(a.Store, a.Queue, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger.WithField("component", "outbox"))
	a.Worker = worker.New(a.Store, a.Blobs, a.Analyzer, a.Hub, logger.WithField("component", "worker"))

	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger log.Interface) (storage.ReportStore, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("storage: in-memory")
		return memory.New(), nil
	}

	logger.Info("storage: connecting to PostgreSQL")
	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		if cfg.Env == "local" {
			logger.WithError(err).Warn("storage: PostgreSQL unavailable, fallback to in-memory")
			return memory.New(), nil
		}
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("storage: PostgreSQL connected")
	return pg, nil
}

// Run starts the outbox dispatcher, the status relay and, when consume is
// true, the queue consumer. It blocks until ctx is cancelled and all of them
// have returned.
func (a *App) Run(ctx context.Context, consume bool) error {
	var wg sync.WaitGroup
	errs := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Dispatcher.Run(ctx)
	}()

	if a.Relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("status relay: %w", err)
			}
		}()
	}

	if consume {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Logger.Infof("worker: consuming (queue=%s)", a.Config.Queue.Mode)
			if err := a.Queue.Consume(ctx, a.Worker.Handle); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("consume: %w", err)
			}
		}()
	}

	wg.Wait()
	close(errs)

	var out error
	for err := range errs {
		out = errors.Join(out, err)
	}
	return out
}

// Close releases connections in reverse order of Build.
func (a *App) Close() error {
	var out error
	if a.Relay != nil {
		out = errors.Join(out, a.Relay.Close())
	}
	if a.Queue != nil {
		out = errors.Join(out, a.Queue.Close())
	}
	if a.Store != nil {
		out = errors.Join(out, a.Store.Close())
	}
	return out
}
