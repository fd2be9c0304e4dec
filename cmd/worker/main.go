// Command worker consumes report jobs from RabbitMQ and runs the analysis.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	_ "github.com/joho/godotenv/autoload"

	"github.com/metroai/defect-hub/internal/app"
	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/logging"
	"github.com/metroai/defect-hub/internal/metrics"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Component("worker")

	if cfg.Queue.Mode != config.QueueModeRabbitMQ {
		// the memory queue lives inside the API process
		logger.Fatal("FATAL: cmd/worker requires QUEUE_MODE=rabbitmq; with the memory queue run the API with WORKER_EMBEDDED=1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log.Log)
	if err != nil {
		logger.WithError(err).Fatal("FATAL init")
	}
	defer a.Close()

	logger.WithFields(log.Fields{
		"queue":       cfg.Queue.QueueName,
		"concurrency": cfg.Queue.Concurrency,
		"ai_mode":     cfg.AIMode,
		"blob_mode":   a.BlobMode,
	}).Info("worker: starting")

	// metrics + liveness on PORT
	var srv *http.Server
	if cfg.MetricsEnabled {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})
		srv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if err := a.Run(ctx, true); err != nil {
		logger.WithError(err).Error("worker stopped with error")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	logger.Info("worker exited")
}
