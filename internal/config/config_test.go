package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	n, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, n)

	t.Setenv("TEST_FLOAT", "0.25")
	f, err := envFloat("TEST_FLOAT", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)

	t.Setenv("TEST_BOOL", "false")
	b, err := envBool("TEST_BOOL", true)
	require.NoError(t, err)
	assert.False(t, b)

	t.Setenv("TEST_DUR", "5s")
	d, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
}

func TestEnvHelperErrors(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	assert.EqualError(t, err, `TEST_INT_BAD="abc" is not a valid integer`)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	assert.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	assert.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)

	t.Setenv("TEST_FLOAT_BAD", "lots")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	assert.EqualError(t, err, `TEST_FLOAT_BAD="lots" is not a valid number`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, QueuePostgres, cfg.QueueBackend)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	assert.Equal(t, cfg.DatabaseURL, cfg.NotifyURL, "notify URL falls back to the database URL")
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("XRAY_PORT", "abc")
	t.Setenv("XRAY_WORKER_RATE", "fast")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `XRAY_PORT="abc"`)
	assert.Contains(t, err.Error(), `XRAY_WORKER_RATE="fast"`)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xray.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
queue_backend: sqlite
queue_sqlite_path: /tmp/q.db
worker_concurrency: 4
worker_job_timeout: 20s
`), 0o600))
	t.Setenv("XRAY_CONFIG_FILE", path)
	t.Setenv("XRAY_WORKER_CONCURRENCY", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, QueueSQLite, cfg.QueueBackend)
	assert.Equal(t, "/tmp/q.db", cfg.QueueSQLitePath)
	assert.Equal(t, 20*time.Second, cfg.WorkerJobTimeout)
	assert.Equal(t, 6, cfg.WorkerConcurrency, "env overrides file")
	assert.Equal(t, time.Minute, cfg.JobLease, "keys absent from the file keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XRAY_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "nope.yaml")
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := Defaults()
	bad.QueueBackend = "redis"
	bad.WorkerJobTimeout = 2 * bad.JobLease
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XRAY_QUEUE_BACKEND")
	assert.Contains(t, err.Error(), "XRAY_WORKER_JOB_TIMEOUT")

	// Fits the lease alone, but leaves no room to record the outcome.
	bad = Defaults()
	bad.WorkerJobTimeout = 55 * time.Second
	assert.ErrorContains(t, bad.Validate(), "XRAY_WORKER_FINISH_TIMEOUT")

	bad = Defaults()
	bad.WorkerFinishTimeout = 0
	assert.ErrorContains(t, bad.Validate(), "XRAY_WORKER_FINISH_TIMEOUT must be positive")

	bad = Defaults()
	bad.DatabaseURL = ""
	assert.ErrorContains(t, bad.Validate(), "DATABASE_URL")
}
