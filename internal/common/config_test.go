package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, 8085, config.Server.Port)
	assert.Equal(t, []int{256, 1024, 4096}, config.Viz.Levels)
	assert.Equal(t, 200000, config.Ingestion.ChunkRows)
	assert.Equal(t, 120000, config.Viz.XYBudget)
	assert.Equal(t, 200000, config.Viz.XYZBudget)
	assert.Equal(t, "volare_jobs", config.Queue.QueueName)
	require.NoError(t, config.Validate())
}

func TestLoadFromFiles_Merge(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.toml")
	require.NoError(t, os.WriteFile(base, []byte(`
[server]
port = 9000
host = "0.0.0.0"

[mongo]
uri = "mongodb://db:27017"
database = "flightdata"
`), 0644))

	override := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9100
`), 0644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port, "later file wins")
	assert.Equal(t, "0.0.0.0", config.Server.Host, "earlier file preserved")
	assert.Equal(t, "flightdata", config.Mongo.Database)
	assert.Equal(t, "datasets", config.Objects.Bucket, "defaults preserved")
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("VOLARE_SERVER_PORT", "7777")
	t.Setenv("VOLARE_MONGO_URI", "mongodb://env:27017")
	t.Setenv("VOLARE_QUEUE_CONCURRENCY", "6")
	t.Setenv("VOLARE_LOG_OUTPUT", "stdout, file")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 7777, config.Server.Port)
	assert.Equal(t, "mongodb://env:27017", config.Mongo.URI)
	assert.Equal(t, 6, config.Queue.Concurrency)
	assert.Equal(t, []string{"stdout", "file"}, config.Logging.Output)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles("/nonexistent/volare.toml")
	assert.Error(t, err)
}

func TestConfigValidate_Levels(t *testing.T) {
	config := NewDefaultConfig()
	config.Viz.Levels = []int{1024, 256}
	assert.Error(t, config.Validate())

	config.Viz.Levels = nil
	assert.Error(t, config.Validate())

	config.Viz.Levels = []int{64, 512}
	assert.NoError(t, config.Validate())
}

func TestConfigValidate_Durations(t *testing.T) {
	config := NewDefaultConfig()
	config.Queue.PollInterval = "not-a-duration"
	assert.Error(t, config.Validate())
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, 9999, "example.org")
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "example.org", config.Server.Host)

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 9999, config.Server.Port, "zero values do not override")
}
