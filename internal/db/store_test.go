package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
	"github.com/david/fixture-finder/internal/store"
)

func TestFixtureRows_KeepOrderAndDefaultSport(t *testing.T) {
	kickoff := time.Date(2026, 2, 14, 17, 0, 0, 0, time.UTC)
	rows := fixtureRows([]models.Fixture{
		{Level: "D1", StartsAt: kickoff, HomeTeam: "Guise", AwayTeam: "Bohain"},
		{Sport: "football", Level: "R3", StartsAt: kickoff.Add(time.Hour), HomeTeam: "Laon", AwayTeam: "Chauny",
			Venue: models.Venue{Name: "Stade Marcel Lecomte", Lat: 49.56, Lon: 3.62}},
	})

	require.Len(t, rows, 2)
	require.Len(t, rows[0], len(fixtureColumns))
	assert.Equal(t, 0, rows[0][0])
	assert.Equal(t, models.SportFootball, rows[0][1])
	assert.Equal(t, 1, rows[1][0])
	assert.Equal(t, "Stade Marcel Lecomte", rows[1][7])
	assert.Equal(t, 49.56, rows[1][9])
}

func TestMigrationFiles_Sorted(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_init.sql", files[0])
}

// Needs a disposable database in DATABASE_URL; the test rewrites its tables.
func TestStore_Postgres(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, "")
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, ApplyMigrations(ctx, pool, logging.NewNop()))

	s := NewStore(pool)
	kickoff := time.Date(2026, 2, 14, 17, 0, 0, 0, time.UTC)
	items := []models.Fixture{
		{Sport: models.SportFootball, Level: "D1", StartsAt: kickoff, HomeTeam: "Guise", AwayTeam: "Bohain",
			Venue: models.Venue{Name: "Guise", Lat: models.FallbackLat, Lon: models.FallbackLon}},
	}

	first := store.Merge(store.Document{}, items, time.Now())
	require.NoError(t, s.Save(ctx, first))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.True(t, first.UpdatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, "Guise", got.Items[0].HomeTeam)
	assert.True(t, kickoff.Equal(got.Items[0].StartsAt))

	second := store.Merge(got, nil, time.Now())
	require.NoError(t, s.Save(ctx, second))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Items)
	assert.True(t, got.UpdatedAt.After(first.UpdatedAt))

	run := models.RunRecord{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusPartial,
		Sources:   2,
		Counters:  map[string]int{"fetched": 3},
	}
	require.NoError(t, s.RecordRun(ctx, run))
	runs, err := s.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, run.RunID, runs[0].RunID)
	assert.Equal(t, 3, runs[0].Counters["fetched"])
}
