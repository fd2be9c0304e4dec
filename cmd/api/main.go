package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	_ "github.com/joho/godotenv/autoload"

	"github.com/metroai/defect-hub/internal/app"
	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/dbmigrate"
	"github.com/metroai/defect-hub/internal/httpserver"
	"github.com/metroai/defect-hub/internal/logging"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Component("api")

	printStartupBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrationsOnStartup {
		dbURL, source, _, err := dbmigrate.SelectDatabaseURL(cfg, true)
		if err != nil {
			logger.WithError(err).Fatal("FATAL startup migrations")
		}

		logger.Infof("startup migrations: command=up using=%s", source)
		if err := dbmigrate.Run(ctx, "up", dbURL, ""); err != nil {
			logger.WithError(err).Fatal("FATAL startup migrations failed")
		}
		logger.Info("startup migrations: completed")
	}

	validateProductionConfig(cfg)

	a, err := app.Build(ctx, cfg, log.Log)
	if err != nil {
		logger.WithError(err).Fatal("FATAL init")
	}
	defer a.Close()

	server := httpserver.New(a)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// outbox relay always runs here; workers only when embedded
		if err := a.Run(ctx, cfg.WorkerEmbedded); err != nil {
			logger.WithError(err).Error("background tasks stopped")
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	wg.Wait()

	logger.Info("Server exited")
}

// printStartupBanner logs a one-time summary of the resolved configuration.
// No secrets are ever printed, only masked indicators ("set" / "not set").
func printStartupBanner(cfg *config.Config) {
	l := logging.Component("banner")
	l.Info("========== Defect Hub API ==========")
	l.Infof("  env              = %s", cfg.Env)
	l.Infof("  port             = %d", cfg.Port)

	l.Info("---- database ----")
	l.Infof("  runtime_url      = %s", describeDBURL(cfg.DatabaseURL, cfg.DatabaseURLPooled))
	l.Infof("  pooled           = %s", setOrNot(cfg.DatabaseURLPooled))
	l.Infof("  direct           = %s", setOrNot(cfg.DatabaseURLDirect))
	l.Infof("  migrations_on_startup = %t", cfg.RunMigrationsOnStartup)

	l.Info("---- queue ----")
	l.Infof("  queue_mode       = %s", cfg.Queue.Mode)
	l.Infof("  worker_embedded  = %t (concurrency=%d)", cfg.WorkerEmbedded, cfg.WorkerConcurrency)
	l.Infof("  outbox_poll      = %s batch=%d", cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	if cfg.Queue.Mode == config.QueueModeRabbitMQ {
		l.Infof("  amqp_exchange    = %s routing_key=%s queue=%s", cfg.Queue.Exchange, cfg.Queue.RoutingKey, cfg.Queue.QueueName)
		l.Infof("  status_exchange  = %s", cfg.Queue.StatusExchange)
	}

	l.Info("---- auth ----")
	l.Infof("  auth_mode        = %s", cfg.AuthMode)
	l.Infof("  jwt_secret       = %s", secretStatus(cfg.JWTSecret, "change_me"))
	l.Infof("  admin_api_key    = %s", setOrNot(cfg.AdminAPIKey))

	l.Info("---- blob ----")
	l.Infof("  blob_mode        = %s", cfg.Blob.Mode)
	switch cfg.Blob.Mode {
	case config.BlobModeS3, config.BlobModeAuto:
		l.Infof("  s3: %s", cfg.Blob.S3.DiagnosticsSummary())
	case config.BlobModeGCS:
		l.Infof("  gcs_bucket       = %s", nonEmptyOrDash(cfg.Blob.GCS.Bucket))
	case config.BlobModeLocal:
		l.Infof("  local_dir        = %s", cfg.Blob.LocalDir)
	}

	l.Info("---- uploads ----")
	l.Infof("  max_files        = %d max_mb=%d mime=%s", cfg.UploadMaxFiles, cfg.UploadMaxMB, cfg.UploadAllowedMime)

	l.Info("---- ai ----")
	l.Infof("  ai_mode          = %s", cfg.AIMode)
	if cfg.AIMode == "openai" {
		l.Infof("  openai_model     = %s", cfg.OpenAIModel)
		l.Infof("  openai_api_key   = %s", setOrNot(cfg.OpenAIAPIKey))
	}

	l.Info("====================================")
}

// validateProductionConfig performs fatal checks that only matter in non-local envs.
func validateProductionConfig(cfg *config.Config) {
	isProd := cfg.Env == "production" || cfg.Env == "prod" || cfg.Env == "staging"

	if cfg.Blob.Mode == config.BlobModeS3 {
		if missing := cfg.Blob.S3.MissingRequired(); len(missing) > 0 {
			log.Fatalf("FATAL blob: BLOB_MODE=s3 but S3 config is incomplete, missing: %s", strings.Join(missing, ", "))
		}
	}
	if cfg.Blob.Mode == config.BlobModeGCS && !cfg.Blob.GCS.IsConfigured() {
		log.Fatal("FATAL blob: BLOB_MODE=gcs but GCS_BUCKET is not set")
	}

	if isProd && cfg.AuthMode == config.AuthModeJWT && cfg.JWTSecret == "change_me" {
		log.Fatalf("FATAL auth: JWT_SECRET must not be 'change_me' in %s with AUTH_MODE=jwt", cfg.Env)
	}

	if isProd && cfg.DatabaseURL == "" {
		log.Fatalf("FATAL db: no DATABASE_URL configured in %s", cfg.Env)
	}

	if isProd && cfg.Blob.Mode == config.BlobModeMemory {
		log.Fatalf("FATAL blob: BLOB_MODE=memory is not allowed in %s", cfg.Env)
	}
}

// ---- helpers (no secrets) ----

func setOrNot(v string) string {
	if strings.TrimSpace(v) == "" {
		return "not set"
	}
	return "set"
}

func nonEmptyOrDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

func secretStatus(v, insecureDefault string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "not set"
	}
	if v == insecureDefault {
		return fmt.Sprintf("set (DEFAULT, insecure '%s')", insecureDefault)
	}
	return "set (custom)"
}

func describeDBURL(runtime, pooled string) string {
	if runtime == "" {
		return "not set (will use in-memory storage)"
	}
	if pooled != "" && runtime == pooled {
		return "set (via DATABASE_URL_POOLED)"
	}
	return "set"
}
