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
	t.Setenv("INTEL_CONFIG_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Feeds.FetchTimeout)
	assert.Equal(t, 2000, cfg.Feeds.BatchSize)
	assert.Equal(t, time.Second, cfg.Feeds.PollInterval)
	assert.Equal(t, 2, cfg.Workers.Processes)
	assert.Equal(t, 4, cfg.Workers.Threads)
	assert.Equal(t, 200000, cfg.Workers.GlobalCapacity)
	assert.Equal(t, []string{"resolver", "urlresolver", "spamhaus", "bgpwhitelist"}, cfg.Enrich.Plugins)
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.Equal(t, "telhawk-intel", cfg.OpenSearch.IndexPrefix)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "intel.observables.submit", cfg.NATS.WorkSubject)
	assert.Equal(t, JournalFile, cfg.Journal.Type)
	assert.Equal(t, 48*time.Hour, cfg.Journal.TTL)
	assert.Equal(t, DLQFile, cfg.DLQ.Backend)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
logging:
  level: debug
  format: text
feeds:
  dir: /srv/feeds
  run_on_start: true
workers:
  processes: 1
  threads: 8
  recycle_after: 5000
enrich:
  confidence_min: 65
  meta: []
  plugins: [resolver]
backend:
  type: opensearch
opensearch:
  url: https://search:9200
  index_prefix: intel
journal:
  type: redis
  ttl: 24h
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("INTEL_CONFIG_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/srv/feeds", cfg.Feeds.Dir)
	assert.True(t, cfg.Feeds.RunOnStart)
	assert.Equal(t, 1, cfg.Workers.Processes)
	assert.Equal(t, 8, cfg.Workers.Threads)
	assert.Equal(t, 5000, cfg.Workers.RecycleAfter)
	assert.Equal(t, 65.0, cfg.Enrich.ConfidenceMin)
	assert.Empty(t, cfg.Enrich.Meta)
	assert.Equal(t, []string{"resolver"}, cfg.Enrich.Plugins)
	assert.Equal(t, "opensearch", cfg.Backend.Type)
	assert.Equal(t, "https://search:9200", cfg.OpenSearch.URL)
	assert.Equal(t, JournalRedis, cfg.Journal.Type)
	assert.Equal(t, 24*time.Hour, cfg.Journal.TTL)

	// untouched sections keep their defaults
	assert.Equal(t, 200000, cfg.Workers.GlobalCapacity)
}

func TestLoad_ExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("workers:\n  processes: 3\n"), 0o644))
	t.Setenv("INTEL_CONFIG_DIR", dir)
	t.Setenv("INTEL_WORKERS_PROCESSES", "6")
	t.Setenv("INTEL_NATS_ENABLED", "true")
	t.Setenv("INTEL_NATS_URL", "nats://broker:4222")
	t.Setenv("INTEL_FEEDS_FETCH_TIMEOUT", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workers.Processes)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 30*time.Second, cfg.Feeds.FetchTimeout)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [unclosed\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Workers: WorkersConfig{Processes: 1, Threads: 1, GlobalCapacity: 10},
			Journal: JournalConfig{Type: JournalFile},
			DLQ:     DLQConfig{Enabled: true, Backend: DLQFile},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no processes", mutate: func(c *Config) { c.Workers.Processes = 0 }, wantErr: "workers.processes"},
		{name: "no threads", mutate: func(c *Config) { c.Workers.Threads = 0 }, wantErr: "workers.threads"},
		{name: "no capacity", mutate: func(c *Config) { c.Workers.GlobalCapacity = 0 }, wantErr: "workers.global_capacity"},
		{name: "unknown journal", mutate: func(c *Config) { c.Journal.Type = "sqlite" }, wantErr: "journal.type"},
		{name: "unknown dlq", mutate: func(c *Config) { c.DLQ.Backend = "s3" }, wantErr: "dlq.backend"},
		{name: "jetstream dlq without nats", mutate: func(c *Config) { c.DLQ.Backend = DLQJetStream }, wantErr: "needs nats.enabled"},
		{name: "jetstream dlq with nats", mutate: func(c *Config) { c.DLQ.Backend = DLQJetStream; c.NATS.Enabled = true }},
		{name: "confidence out of range", mutate: func(c *Config) { c.Enrich.ConfidenceMin = 101 }, wantErr: "confidence_min"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
