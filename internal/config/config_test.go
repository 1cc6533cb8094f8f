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
	t.Chdir(t.TempDir()) // no facequeue.yaml here

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqs", cfg.Queue.Backend)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 10*time.Second, cfg.Queue.WaitTime)
	assert.Equal(t, 1, cfg.Queue.BatchSize)
	assert.Equal(t, "json", cfg.Storage.ResultFormat)
	assert.Equal(t, "linear", cfg.Index.Matcher)
	assert.Equal(t, uint(3), cfg.Worker.RetryMaxTries)
	assert.Equal(t, "ack", cfg.Worker.Poison)
	assert.Empty(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: nats
  request: requests
  response: responses
  visibility_timeout: 45s
  batch_size: 5
storage:
  backend: bolt
  result_format: text
  result_suffix: .txt
worker:
  poison: dead-letter
  max_receives: 4
`), 0644))

	t.Setenv("FACEQUEUE_QUEUE_RESPONSE", "from-env")
	t.Setenv("FACEQUEUE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Queue.Backend)
	assert.Equal(t, "requests", cfg.Queue.Request)
	assert.Equal(t, "from-env", cfg.Queue.Response, "env overrides file")
	assert.Equal(t, 45*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 5, cfg.Queue.BatchSize)
	assert.Equal(t, "text", cfg.Storage.ResultFormat)
	assert.Equal(t, ".txt", cfg.Storage.ResultSuffix)
	assert.Equal(t, 4, cfg.Worker.MaxReceives)
	assert.Equal(t, "debug", cfg.Log.Level)

	// dead-letter without a dead-letter queue is legal but suspicious
	assert.NotEmpty(t, cfg.Validate())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"queue backend", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"storage backend", func(c *Config) { c.Storage.Backend = "gcs" }},
		{"result format", func(c *Config) { c.Storage.ResultFormat = "xml" }},
		{"matcher", func(c *Config) { c.Index.Matcher = "hnsw" }},
		{"poison", func(c *Config) { c.Worker.Poison = "drop" }},
		{"batch size", func(c *Config) { c.Queue.BatchSize = 11 }},
		{"concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Check())
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Queue.WaitTime = time.Minute
	warnings := cfg.Validate()
	assert.Len(t, warnings, 2) // longer than visibility, over the SQS cap
}
