package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, DedupeMemory, cfg.Dedupe)
	assert.Equal(t, 8, cfg.Bus.Workers)
	assert.Equal(t, 2*time.Second, cfg.Bus.CallTimeout)
	assert.Zero(t, cfg.Bus.SweepInterval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Couchbase.Log.Shards)
	assert.Equal(t, "bus", cfg.Couchbase.Bucket)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_Prefixes(t *testing.T) {
	cfg, err := load(env.Options{Environment: map[string]string{
		"TRANSPORT":                 "couchbase",
		"DEDUPE":                    "redis",
		"BUS_WORKERS":               "16",
		"BUS_SWEEP_INTERVAL":        "50ms",
		"KAFKA_BROKERS":             "k1:9092,k2:9092",
		"COUCHBASE_BUCKET":          "events",
		"COUCHBASE_LOG_SHARDS":      "8",
		"COUCHBASE_LOG_GAP_TIMEOUT": "1s",
		"REDIS_ADDR":                "redis:6379",
		"POSTGRES_INBOX_RETENTION":  "24h",
		"METRICS_PORT":              "9100",
	}})
	require.NoError(t, err)

	assert.Equal(t, TransportCouchbase, cfg.Transport)
	assert.Equal(t, DedupeRedis, cfg.Dedupe)
	assert.Equal(t, 16, cfg.Bus.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Bus.SweepInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "events", cfg.Couchbase.Bucket)
	assert.Equal(t, 8, cfg.Couchbase.Log.Shards)
	assert.Equal(t, time.Second, cfg.Couchbase.Log.GapTimeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Postgres.Retention)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown transport",
			env:     map[string]string{"TRANSPORT": "nats"},
			wantErr: `unknown transport "nats"`,
		},
		{
			name:    "unknown dedupe",
			env:     map[string]string{"DEDUPE": "sqlite"},
			wantErr: `unknown dedupe backend "sqlite"`,
		},
		{
			name:    "zero workers",
			env:     map[string]string{"BUS_WORKERS": "0"},
			wantErr: "BUS_WORKERS must be positive",
		},
		{
			name:    "sweep slower than timeout",
			env:     map[string]string{"BUS_CALL_TIMEOUT": "100ms", "BUS_SWEEP_INTERVAL": "1s"},
			wantErr: "BUS_SWEEP_INTERVAL 1s must be between 0 and BUS_CALL_TIMEOUT",
		},
		{
			name:    "couchbase without shards",
			env:     map[string]string{"TRANSPORT": "couchbase", "COUCHBASE_LOG_SHARDS": "0"},
			wantErr: "COUCHBASE_LOG_SHARDS must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(env.Options{Environment: tt.env})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	_, err := load(env.Options{Environment: map[string]string{
		"TRANSPORT":   "nats",
		"DEDUPE":      "sqlite",
		"BUS_WORKERS": "-1",
	}})
	require.Error(t, err)

	assert.Contains(t, err.Error(), "unknown transport")
	assert.Contains(t, err.Error(), "unknown dedupe backend")
	assert.Contains(t, err.Error(), "BUS_WORKERS")
}
