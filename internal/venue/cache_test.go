package venue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
)

type countingLookup struct {
	mu    sync.Mutex
	calls map[string]int
	locs  map[string]models.Location
	fail  map[string]bool
}

func (c *countingLookup) Lookup(_ context.Context, key string) (models.Location, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[key]++
	if c.fail[key] {
		return models.Location{}, false, fmt.Errorf("unreachable")
	}
	loc, ok := c.locs[key]
	return loc, ok, nil
}

func TestCachedResolver_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venues.json")
	lookup := &countingLookup{locs: map[string]models.Location{
		"club:laon": {Lat: 49.56, Lon: 3.62, City: "Laon"},
	}}

	r := NewCachedResolver(path, lookup, logging.NewNop())
	assert.Equal(t, "Laon", r.Resolve(context.Background(), "club:laon").City)
	assert.Equal(t, "Laon", r.Resolve(context.Background(), "club:laon").City)
	assert.Equal(t, 1, lookup.calls["club:laon"])
	require.NoError(t, r.Flush())

	reloaded := NewCachedResolver(path, &countingLookup{}, logging.NewNop())
	assert.Equal(t, 1, reloaded.Len())
	loc := reloaded.Resolve(context.Background(), "club:laon")
	assert.Equal(t, 49.56, loc.Lat)
	assert.Equal(t, "Laon", loc.City)
}

func TestCachedResolver_FailuresAreNotCached(t *testing.T) {
	lookup := &countingLookup{fail: map[string]bool{"club:down": true}}
	r := NewCachedResolver("", lookup, logging.NewNop())

	assert.True(t, r.Resolve(context.Background(), "club:down").IsFallback())
	assert.True(t, r.Resolve(context.Background(), "club:down").IsFallback())
	assert.Equal(t, 2, lookup.calls["club:down"])
	assert.Zero(t, r.Len())
}

func TestCachedResolver_EmptyPagesCacheFallback(t *testing.T) {
	lookup := &countingLookup{}
	r := NewCachedResolver("", lookup, logging.NewNop())

	assert.True(t, r.Resolve(context.Background(), "club:empty").IsFallback())
	assert.True(t, r.Resolve(context.Background(), "club:empty").IsFallback())
	assert.Equal(t, 1, lookup.calls["club:empty"])
}

func TestCachedResolver_EmptyKeyAndNilLookup(t *testing.T) {
	r := NewCachedResolver("", nil, logging.NewNop())
	assert.True(t, r.Resolve(context.Background(), "").IsFallback())
	assert.True(t, r.Resolve(context.Background(), "club:x").IsFallback())
	assert.Zero(t, r.Len())
}

func TestCachedResolver_ConcurrentAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venues.json")
	locs := map[string]models.Location{}
	for i := 0; i < 20; i++ {
		locs[fmt.Sprintf("club:%d", i)] = models.Location{Lat: 49 + float64(i)/100, Lon: 3, City: fmt.Sprintf("Ville %d", i)}
	}
	r := NewCachedResolver(path, &countingLookup{locs: locs}, logging.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				key := fmt.Sprintf("club:%d", i)
				assert.Equal(t, locs[key].City, r.Resolve(context.Background(), key).City)
			}
			assert.NoError(t, r.Flush())
		}()
	}
	wg.Wait()
	require.NoError(t, r.Flush())

	reloaded := NewCachedResolver(path, nil, logging.NewNop())
	assert.Equal(t, 20, reloaded.Len())
}

func TestCachedResolver_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venues.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	r := NewCachedResolver(path, nil, logging.NewNop())
	assert.Zero(t, r.Len())
	r.Put("club:a", models.Location{Lat: 49.1, Lon: 3.1, City: "A"})
	require.NoError(t, r.Flush())

	reloaded := NewCachedResolver(path, nil, logging.NewNop())
	assert.Equal(t, 1, reloaded.Len())
}
