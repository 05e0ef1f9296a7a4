package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DB_DSN", "JWT_SECRET", "EVENT_TRANSPORT", "WORKER_CONCURRENCY", "MEDIA_TOKEN_SECRET", "RABBIT_QUEUE"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Contains(t, cfg.DBDSN, "tcp(127.0.0.1:3306)/consult")
	assert.Equal(t, "dev-secret-change-me", cfg.JWTSecret)
	assert.Equal(t, cfg.JWTSecret, cfg.MediaTokenSecret)
	assert.Equal(t, "redis", cfg.EventTransport)
	assert.Equal(t, "consult_events", cfg.RabbitQueue)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL)
	assert.Equal(t, 30*time.Minute, cfg.WaitingTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "sqlite:test.db")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("WAITING_TTL_MINUTES", "5")

	cfg := Load()

	assert.Equal(t, "sqlite:test.db", cfg.DBDSN)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 5*time.Minute, cfg.WaitingTTL)
}
