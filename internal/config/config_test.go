package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/ingest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "data/matches.json", cfg.Storage.Document)
	assert.Equal(t, ingest.PolicyLookahead, cfg.Window.Policy)
	assert.Equal(t, 14, cfg.Window.LookaheadDays)
	assert.Equal(t, 4, cfg.Run.Concurrency)
}

func TestLoad_OverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("FIXTURE_DOC", "/srv/matches.json")
	path := writeConfig(t, `
log:
  level: debug
storage:
  document: ${FIXTURE_DOC}
window:
  policy: weekend
  horizon: 720h
run:
  concurrency: 6
  timeout: 90s
fetch:
  rate_limit_rps: 0.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/srv/matches.json", cfg.Storage.Document)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 720*time.Hour, cfg.Window.Horizon)
	assert.Equal(t, 6, cfg.Run.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Run.Timeout)
	assert.Equal(t, 0.5, cfg.Fetch.RateLimitRPS)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, ingest.PolicyWeekend, policy.Name())
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"concurrency":  "run:\n  concurrency: 12\n",
		"policy":       "window:\n  policy: monthly\n",
		"timezone":     "window:\n  timezone: Mars/Olympus\n",
		"backend":      "storage:\n  backend: s3\n",
		"postgres url": "storage:\n  backend: postgres\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBackoffPolicy(t *testing.T) {
	cfg := Default()
	cfg.Backoff = BackoffConfig{Base: time.Second, Max: 4 * time.Second}
	cfg.Fetch.MaxRetries = 5

	b := cfg.BackoffPolicy()
	assert.Equal(t, time.Second, b.Base)
	assert.Equal(t, 4*time.Second, b.Max)
	assert.Equal(t, 5, b.MaxRetries)
	assert.Equal(t, 4*time.Second, b.Delay(6))
}

func TestLocation(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "Europe/Paris", cfg.Location().String())
}
