package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"

	appcfg "github.com/metroai/defect-hub/internal/config"
)

// NewBlobStore builds a blob store using mode local|memory|s3|gcs|auto.
// The returned string is the resolved mode.
func NewBlobStore(ctx context.Context, cfg appcfg.BlobConfig, logger log.Interface) (Store, string, error) {
	if logger == nil {
		logger = log.Log
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = appcfg.BlobModeLocal
	}

	switch mode {
	case appcfg.BlobModeMemory:
		logger.Info("blob: mode=memory (forced)")
		return NewMemoryStore(), appcfg.BlobModeMemory, nil

	case appcfg.BlobModeLocal:
		store, err := NewDiskStore(cfg.LocalDir)
		if err != nil {
			return nil, "", err
		}
		logger.Infof("blob: mode=local (forced) dir=%s", cfg.LocalDir)
		return store, appcfg.BlobModeLocal, nil

	case appcfg.BlobModeAuto:
		if cfg.S3.IsConfigured() {
			logger.Infof("blob.s3: code=s3_ready %s", cfg.S3.DiagnosticsSummary())
			store, err := newS3(ctx, cfg.S3, logger)
			if err == nil {
				logger.Info("blob: mode=s3 (auto, configured)")
				return store, appcfg.BlobModeS3, nil
			}
			logger.WithError(err).Warn("blob.s3: init_failed, fallback=local")
		} else {
			_, code, msg := cfg.S3.Diagnostics()
			logger.Infof("blob.s3: code=%s %s", code, msg)
		}

		if cfg.GCS.IsConfigured() {
			store, err := NewGCSStore(ctx, cfg.GCS.Bucket, cfg.GCS.CredentialsFile)
			if err == nil {
				logger.Infof("blob: mode=gcs (auto, configured) bucket=%s", cfg.GCS.Bucket)
				return store, appcfg.BlobModeGCS, nil
			}
			logger.WithError(err).Warn("blob.gcs: init_failed, fallback=local")
		}

		store, err := NewDiskStore(cfg.LocalDir)
		if err != nil {
			return nil, "", err
		}
		logger.Infof("blob: mode=local (auto, object storage not configured) dir=%s", cfg.LocalDir)
		return store, appcfg.BlobModeLocal, nil

	case appcfg.BlobModeS3:
		if !cfg.S3.IsConfigured() {
			missing := cfg.S3.MissingRequired()
			logger.Errorf("blob.s3: code=s3_config_incomplete missing=%v", missing)
			logger.Errorf("blob.s3: %s", cfg.S3.DiagnosticsSummary())
			return nil, "", fmt.Errorf("BLOB_MODE=s3 requested but missing required config: %s", strings.Join(missing, ", "))
		}

		logger.Infof("blob.s3: code=s3_ready %s", cfg.S3.DiagnosticsSummary())
		store, err := newS3(ctx, cfg.S3, logger)
		if err != nil {
			return nil, "", fmt.Errorf("BLOB_MODE=s3 init failed: %w", err)
		}

		logger.Info("blob: mode=s3 (forced)")
		return store, appcfg.BlobModeS3, nil

	case appcfg.BlobModeGCS:
		if !cfg.GCS.IsConfigured() {
			return nil, "", fmt.Errorf("BLOB_MODE=gcs requested but missing required config: GCS_BUCKET")
		}
		store, err := NewGCSStore(ctx, cfg.GCS.Bucket, cfg.GCS.CredentialsFile)
		if err != nil {
			return nil, "", fmt.Errorf("BLOB_MODE=gcs init failed: %w", err)
		}
		logger.Infof("blob: mode=gcs (forced) bucket=%s", cfg.GCS.Bucket)
		return store, appcfg.BlobModeGCS, nil

	default:
		return nil, "", fmt.Errorf("unsupported blob mode: %s", mode)
	}
}

func newS3(ctx context.Context, c appcfg.S3Config, logger log.Interface) (*S3Store, error) {
	store, err := NewS3Store(ctx, c.Endpoint, c.Region, c.Bucket, c.AccessKeyID, c.SecretAccessKey, c.UsePathStyle)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		// the bucket may exist but HeadBucket/CreateBucket be denied by policy
		logger.WithError(err).Warnf("blob.s3: bucket check failed bucket=%s", c.Bucket)
	}
	return store, nil
}
