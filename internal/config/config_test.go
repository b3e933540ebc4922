package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "trades.raw", cfg.Log.TradesTopic)
	assert.Equal(t, "trades.dlq", cfg.Log.DLQTopic)
	assert.Equal(t, "all", cfg.Log.Acks)
	assert.False(t, cfg.Log.EnableAutoCommit)
	assert.Equal(t, 50000, cfg.Ingest.BufferSize)
	assert.Equal(t, 1000, cfg.Archive.Buffer)
	assert.Equal(t, 5*time.Second, cfg.Archive.FlushInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.HotPath.PublishThrottle)
	assert.Equal(t, 5000, cfg.ColdPath.BulkBatchSize)
	assert.NotEmpty(t, cfg.Ingest.GatewayID)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eodstream.yaml")
	doc := `
log:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  trades_topic: trades.uat
ingest:
  buffer_size: 2048
cold_path:
  bulk_batch_size: 100
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Log.Brokers)
	assert.Equal(t, "trades.uat", cfg.Log.TradesTopic)
	assert.Equal(t, 2048, cfg.Ingest.BufferSize)
	assert.Equal(t, 100, cfg.ColdPath.BulkBatchSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, "trades.dlq", cfg.Log.DLQTopic)
	assert.Equal(t, 1000, cfg.Archive.Buffer)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Log.TradesTopic, cfg.Log.TradesTopic)
}
