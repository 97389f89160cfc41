package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Ranking.MaxConsecutiveFails)
	assert.Equal(t, 250, cfg.Batch.MaxPoolSize)
	assert.InDelta(t, 1400.0, cfg.Ranking.HistoryLatencyLimit(), 0.001)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodeking.yaml")
	yml := `
ranking:
  score_threshold: 65
  max_test_latency: 1500ms
probe:
  concurrency: 40
  timeout_max: 3s
ledger:
  path: /var/lib/nodeking/ledger.json
publish:
  mqtt:
    broker: mqtt://localhost:1883
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 65.0, cfg.Ranking.ScoreThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.Ranking.MaxTestLatency)
	assert.Equal(t, 40, cfg.Probe.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Probe.TimeoutMax)
	assert.Equal(t, time.Second, cfg.Probe.TimeoutMin, "unset fields keep their default")
	assert.Equal(t, "/var/lib/nodeking/ledger.json", cfg.Ledger.Path)
	assert.Equal(t, "nodeking/result", cfg.Publish.MQTT.Topic)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	yml := `
probe:
  timeout_min: 3s
  timeout_max: 1s
ledger:
  driver: postgres
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_max")
	assert.Contains(t, err.Error(), `"postgres"`)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateMySQLNeedsDSN(t *testing.T) {
	cfg := Default()
	cfg.Ledger.Driver = DriverMySQL
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.dsn")

	cfg.Ledger.DSN = "nodeking:secret@tcp(localhost:3306)/nodeking"
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesOverridesBeforeValidate(t *testing.T) {
	dsn := "nodeking:secret@tcp(localhost:3306)/nodeking"
	cfg, err := Load("", func(c *Config) {
		c.Ledger.Driver = DriverMySQL
		c.Ledger.DSN = dsn
	})
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, cfg.Ledger.Driver)
	assert.Equal(t, dsn, cfg.Ledger.DSN)

	_, err = Load("", func(c *Config) { c.Ledger.Driver = DriverMySQL })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.dsn")
}
