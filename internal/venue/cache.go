package venue

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"

	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
	"github.com/david/fixture-finder/internal/store"
)

// Entry is one cached venue location.
type Entry struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	City      string    `json:"city"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e Entry) Location() models.Location {
	return models.Location{Lat: e.Lat, Lon: e.Lon, City: e.City}
}

// CachedResolver answers venue lookups from a JSON file keyed by venue key and
// falls through to a Lookup on a miss. It is safe for concurrent use; concurrent
// writes for the same key resolve last write wins.
type CachedResolver struct {
	path   string
	lookup Lookup
	logger *logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	// version counts Puts; flushed is the version last written to disk.
	version int
	flushed int
}

// NewCachedResolver loads the cache at path. A missing file starts an empty
// cache; an unreadable one is logged and replaced on the next Flush.
func NewCachedResolver(path string, lookup Lookup, logger *logging.Logger) *CachedResolver {
	if logger == nil {
		logger = logging.Default()
	}
	r := &CachedResolver{
		path:    path,
		lookup:  lookup,
		logger:  logger.With("component", "venue_cache"),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	if err := r.load(); err != nil {
		r.logger.Warn("venue cache unreadable, starting empty", "path", path, "error", err)
	}
	return r
}

func (r *CachedResolver) load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return crerr.Wrapf(err, "read %s", r.path)
	}
	if len(data) == 0 {
		return nil
	}
	entries := make(map[string]Entry)
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return crerr.Wrapf(err, "decode %s", r.path)
	}
	r.entries = entries
	return nil
}

// Resolve returns the cached location for key, looking it up on a miss.
// Lookup failures return the fallback location without caching it, so the key
// is retried on the next run; a page without usable data caches the fallback.
func (r *CachedResolver) Resolve(ctx context.Context, key string) models.Location {
	if key == "" {
		return models.FallbackLocation()
	}
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e.Location()
	}
	if r.lookup == nil {
		return models.FallbackLocation()
	}

	loc, found, err := r.lookup.Lookup(ctx, key)
	if err != nil {
		r.logger.Debug("venue lookup failed", "key", key, "error", err)
		return models.FallbackLocation()
	}
	if !found {
		loc = models.FallbackLocation()
	}
	r.Put(key, loc)
	return loc
}

// Put stores loc under key.
func (r *CachedResolver) Put(key string, loc models.Location) {
	r.mu.Lock()
	r.entries[key] = Entry{Lat: loc.Lat, Lon: loc.Lon, City: loc.City, UpdatedAt: r.now().UTC()}
	r.version++
	r.mu.Unlock()
}

func (r *CachedResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Flush writes the cache atomically if it changed since the last flush.
func (r *CachedResolver) Flush() error {
	if r.path == "" {
		return nil
	}
	r.mu.RLock()
	if r.version == r.flushed {
		r.mu.RUnlock()
		return nil
	}
	version := r.version
	data, err := sonic.ConfigStd.MarshalIndent(r.entries, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return crerr.Wrap(err, "encode venue cache")
	}
	if err := store.WriteFileAtomic(r.path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	r.mu.Lock()
	if version > r.flushed {
		r.flushed = version
	}
	r.mu.Unlock()
	return nil
}
