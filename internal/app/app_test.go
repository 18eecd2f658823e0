package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/config"
	"github.com/david/fixture-finder/internal/ingest"
	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
	"github.com/david/fixture-finder/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Document = filepath.Join(dir, "matches.json")
	cfg.Storage.MonthDir = filepath.Join(dir, "months")
	cfg.Storage.VenueCache = filepath.Join(dir, "venues.json")
	cfg.Run.Concurrency = 3
	return cfg
}

func TestNew_FileBackend(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.FileStore{}, a.Backend)
	assert.Nil(t, a.Runs)
	assert.Nil(t, a.Pipeline.Recorder)
	assert.Equal(t, 3, a.Pipeline.Concurrency)
	assert.Equal(t, cfg.Run.Timeout, a.Pipeline.RunTimeout)
	assert.Equal(t, ingest.PolicyLookahead, a.Pipeline.Policy.Name())
	assert.NotEmpty(t, a.Registry.Active())
	for _, transport := range []string{ingest.TransportHTTP, ingest.TransportColly, ingest.TransportChrome} {
		assert.Contains(t, a.Pipeline.Crawler.Transports, transport)
	}
}

func TestNew_BadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Window.Policy = "monthly"
	_, err := New(context.Background(), cfg, logging.NewNop())
	assert.Error(t, err)
}

func TestWriteMonths(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	defer a.Close()

	paris := ingest.Paris()
	doc := store.Merge(store.Document{}, []models.Fixture{
		{Level: "D1", StartsAt: time.Date(2026, 2, 28, 15, 0, 0, 0, paris), HomeTeam: "Guise", AwayTeam: "Bohain"},
		{Level: "D1", StartsAt: time.Date(2026, 3, 1, 15, 0, 0, 0, paris), HomeTeam: "Laon", AwayTeam: "Chauny"},
	}, time.Now())
	require.NoError(t, a.Backend.Save(context.Background(), doc))

	paths, err := a.WriteMonths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(cfg.Storage.MonthDir, "2026-02.json"),
		filepath.Join(cfg.Storage.MonthDir, "2026-03.json"),
	}, paths)
}
