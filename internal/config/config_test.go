package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("ENV", "")
	t.Setenv("BLOB_MODE", "")
	t.Setenv("QUEUE_MODE", "")
	t.Setenv("WORKER_EMBEDDED", "")
	t.Setenv("AI_MODE", "")
	t.Setenv("AI_TIMEOUT_SECONDS", "")

	cfg := Load()

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, BlobModeLocal, cfg.Blob.Mode)
	assert.Equal(t, QueueModeMemory, cfg.Queue.Mode)
	assert.True(t, cfg.WorkerEmbedded, "memory queue runs workers in-process by default")
	assert.Equal(t, 1000, cfg.SyntheticMaxCount)
	assert.Equal(t, 10, cfg.SyntheticFlushEvery)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, AuthModeNone, cfg.AuthMode)
	assert.Equal(t, "mock", cfg.AIMode)
	assert.Zero(t, cfg.AITimeoutSeconds, "analysis runs without a deadline unless configured")
}

func TestLoadAITimeout(t *testing.T) {
	t.Setenv("AI_TIMEOUT_SECONDS", "45")
	assert.Equal(t, 45, Load().AITimeoutSeconds)

	t.Setenv("AI_TIMEOUT_SECONDS", "0")
	assert.Zero(t, Load().AITimeoutSeconds)

	t.Setenv("AI_TIMEOUT_SECONDS", "-5")
	assert.Zero(t, Load().AITimeoutSeconds)
}

func TestLoadRabbitMQDisablesEmbeddedWorkers(t *testing.T) {
	t.Setenv("QUEUE_MODE", "rabbitmq")
	t.Setenv("WORKER_EMBEDDED", "")
	t.Setenv("AI_MODE", "")

	cfg := Load()

	assert.Equal(t, QueueModeRabbitMQ, cfg.Queue.Mode)
	assert.False(t, cfg.WorkerEmbedded)

	t.Setenv("WORKER_EMBEDDED", "1")
	assert.True(t, Load().WorkerEmbedded)
}

func TestLoadUnknownModesFallBack(t *testing.T) {
	t.Setenv("BLOB_MODE", "ftp")
	t.Setenv("QUEUE_MODE", "kafka")
	t.Setenv("AUTH_MODE", "siwa")
	t.Setenv("AI_MODE", "")

	cfg := Load()

	assert.Equal(t, BlobModeLocal, cfg.Blob.Mode)
	assert.Equal(t, QueueModeMemory, cfg.Queue.Mode)
	assert.Equal(t, AuthModeNone, cfg.AuthMode)
}

func TestLoadInvalidNumbersUseDefaults(t *testing.T) {
	t.Setenv("UPLOAD_MAX_MB", "-3")
	t.Setenv("SYNTHETIC_FLUSH_EVERY", "abc")
	t.Setenv("AI_MODE", "")

	cfg := Load()

	assert.Equal(t, 10, cfg.UploadMaxMB)
	assert.Equal(t, 10, cfg.SyntheticFlushEvery)
}

func TestParseCORSOrigins(t *testing.T) {
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, parseCORSOrigins("", "local"))
	assert.Nil(t, parseCORSOrigins("", "production"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, parseCORSOrigins(" https://a.example, ,https://b.example ", "production"))
}
