package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/models"
)

func fixture(home, away string, at time.Time) models.Fixture {
	return models.Fixture{
		Sport:       models.SportFootball,
		Level:       "D1",
		StartsAt:    at,
		Competition: "Départemental 1",
		HomeTeam:    home,
		AwayTeam:    away,
		Venue:       models.Venue{Name: "Stade " + home, City: "Laon", Lat: 49.56, Lon: 3.62},
		SourceURL:   "https://example.org/match/1",
	}
}

func TestMerge_ReplacesItemsAndAdvancesTimestamp(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	existing := Document{
		UpdatedAt: now.Add(-time.Hour),
		Items:     []models.Fixture{fixture("Old", "Team", now.Add(48*time.Hour))},
	}
	later := fixture("B", "C", now.Add(72*time.Hour))
	earlier := fixture("A", "D", now.Add(24*time.Hour))

	doc := Merge(existing, []models.Fixture{later, earlier}, now)

	require.Len(t, doc.Items, 2)
	assert.Equal(t, "A", doc.Items[0].HomeTeam)
	assert.Equal(t, "B", doc.Items[1].HomeTeam)
	assert.True(t, doc.UpdatedAt.Equal(now))
}

func TestMerge_TwiceWithEmptyItems(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	first := Merge(Document{}, nil, now)
	second := Merge(first, nil, now)

	assert.Empty(t, first.Items)
	assert.Empty(t, second.Items)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestMerge_ClockGoingBackwards(t *testing.T) {
	prev := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	doc := Merge(Document{UpdatedAt: prev}, nil, prev.Add(-time.Minute))
	assert.True(t, doc.UpdatedAt.After(prev))
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "matches.json"))
	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, doc.UpdatedAt.IsZero())
	assert.Empty(t, doc.Items)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "data", "matches.json"))
	at := time.Date(2026, 2, 14, 17, 0, 0, 0, time.UTC)
	doc := Merge(Document{}, []models.Fixture{fixture("Laon FC", "Chauny", at)}, at.Add(-72*time.Hour))

	require.NoError(t, s.Save(context.Background(), doc))

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.True(t, loaded.UpdatedAt.Equal(doc.UpdatedAt))
	assert.True(t, loaded.Items[0].StartsAt.Equal(at))
	assert.Equal(t, "Laon FC", loaded.Items[0].HomeTeam)
	assert.Equal(t, 49.56, loaded.Items[0].Venue.Lat)

	entries, err := os.ReadDir(filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStore_EncodesEmptyItemsAsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matches.json")
	require.NoError(t, NewFileStore(path).Save(context.Background(), Document{UpdatedAt: time.Now()}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"items": []`)
	assert.NotContains(t, string(data), "VenueKey")
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matches.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestSplitByMonth(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	updated := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	doc := Document{
		UpdatedAt: updated,
		Items: []models.Fixture{
			fixture("B", "C", time.Date(2026, 2, 14, 17, 0, 0, 0, time.UTC)),
			// 23:30 UTC on Jan 31 is Feb 1 in Paris.
			fixture("A", "C", time.Date(2026, 1, 31, 23, 30, 0, 0, time.UTC)),
			fixture("D", "E", time.Date(2026, 1, 25, 14, 0, 0, 0, time.UTC)),
		},
	}

	months := SplitByMonth(doc, paris)

	assert.Equal(t, []string{"2026-01", "2026-02"}, MonthKeys(months))
	require.Len(t, months["2026-02"].Items, 2)
	assert.Equal(t, "A", months["2026-02"].Items[0].HomeTeam)
	assert.True(t, months["2026-01"].UpdatedAt.Equal(updated))

	dir := t.TempDir()
	paths, err := WriteMonths(dir, months)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "2026-01.json"), filepath.Join(dir, "2026-02.json")}, paths)

	loaded, err := NewFileStore(paths[1]).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 2)
}
