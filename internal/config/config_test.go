package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 30, cfg.ReviewDefaultDays)
	assert.Equal(t, time.Minute, cfg.BotTimeout)
	assert.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("BOT_TIMEOUT", "5s")
	t.Setenv("PRIORITY_QUEUES", " fast , ,slow")
	t.Setenv("ASSETS_S3_PATH_STYLE", "true")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 9, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Second, cfg.BotTimeout)
	assert.Equal(t, []string{"fast", "slow"}, cfg.PriorityQueues)
	assert.True(t, cfg.AssetsS3PathStyle)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestValidateBotTimeoutWithinLease(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	cfg.BotTimeout = cfg.VisibilityTimeout
	assert.ErrorContains(t, cfg.Validate(), "BOT_TIMEOUT")

	cfg.BotTimeout = 5 * time.Minute
	cfg.VisibilityTimeout = time.Minute
	assert.ErrorContains(t, cfg.Validate(), "shorter than VISIBILITY_TIMEOUT")

	cfg.VisibilityTimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "must be positive")
}
