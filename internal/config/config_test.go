package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 0.95, cfg.Risk.ConfidenceLevel)
	assert.Equal(t, 10, cfg.Notify.RateLimit)
	assert.Equal(t, 24*time.Hour, cfg.Notify.TTL)
	assert.Equal(t, 54*time.Second, cfg.WS.PingInterval)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.PullSource)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RISKPULSE_RISK_CONFIDENCE_LEVEL", "0.99")
	t.Setenv("RISKPULSE_NOTIFY_RATE_PER", "30s")
	t.Setenv("RISKPULSE_LOG_LEVEL", "debug")
	t.Setenv("RISKPULSE_REDIS_PULL_SOURCE", "true")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 0.99, cfg.Risk.ConfidenceLevel)
	assert.Equal(t, 30*time.Second, cfg.Notify.RatePer)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Redis.PullSource)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
risk:
  horizon_days: 10
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`), 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Risk.HorizonDays)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "positions.snapshots", cfg.Kafka.Topic)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"RISKPULSE_RISK_CONFIDENCE_LEVEL": "1.5",
		"RISKPULSE_LOG_LEVEL":             "verbose",
		"RISKPULSE_NOTIFY_RATE_LIMIT":     "0",
		"RISKPULSE_NOTIFY_SMS_WEBHOOK":    "not a url",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)

			_, err := Load("")

			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}
