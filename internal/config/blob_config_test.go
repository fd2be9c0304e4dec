package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3ConfigIsConfigured(t *testing.T) {
	t.Run("empty config is not configured", func(t *testing.T) {
		assert.False(t, S3Config{}.IsConfigured())
	})

	t.Run("required fields set is configured", func(t *testing.T) {
		cfg := S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "metroai-reports",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
		}
		assert.True(t, cfg.IsConfigured())
	})
}

func TestS3ConfigMissingRequired(t *testing.T) {
	cfg := S3Config{
		Endpoint: "http://localhost:9000",
		Bucket:   "metroai-reports",
	}
	assert.Equal(t, []string{"S3_REGION", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY"}, cfg.MissingRequired())
}

func TestS3ConfigDiagnostics(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		level, code, _ := (S3Config{}).Diagnostics()
		assert.Equal(t, "INFO", level)
		assert.Equal(t, "s3_not_configured", code)
	})

	t.Run("partial config", func(t *testing.T) {
		level, code, msg := (S3Config{Endpoint: "http://localhost:9000"}).Diagnostics()
		assert.Equal(t, "WARN", level)
		assert.Equal(t, "s3_partial_config", code)
		assert.Contains(t, msg, "S3_BUCKET")
	})

	t.Run("ready", func(t *testing.T) {
		level, code, _ := (S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "metroai-reports",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
		}).Diagnostics()
		assert.Equal(t, "INFO", level)
		assert.Equal(t, "s3_ready", code)
	})
}

func TestS3DiagnosticsSummaryHidesSecrets(t *testing.T) {
	summary := S3Config{
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "super-secret",
	}.DiagnosticsSummary()

	require.NotContains(t, summary, "AKIAEXAMPLE")
	require.NotContains(t, summary, "super-secret")
	assert.Contains(t, summary, "access_key_id=set")
	assert.Contains(t, summary, "region=-")
}
