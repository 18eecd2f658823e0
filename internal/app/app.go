package app

import (
	"context"
	"os"

	crerr "github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/fixture-finder/internal/config"
	"github.com/david/fixture-finder/internal/db"
	"github.com/david/fixture-finder/internal/ingest"
	"github.com/david/fixture-finder/internal/platform/logging"
	"github.com/david/fixture-finder/internal/store"
	"github.com/david/fixture-finder/internal/venue"
)

// App wires the configured components for the binaries.
type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Registry *ingest.Registry
	Pipeline *ingest.Pipeline
	Backend  store.Backend
	Venues   *venue.CachedResolver
	// Runs is set when a database is configured.
	Runs *db.Store

	pool *pgxpool.Pool
}

// NewLogger builds the process logger from cfg and makes it the default.
func NewLogger(cfg config.Config) *logging.Logger {
	logger := logging.New(os.Stdout, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	logging.SetDefault(logger)
	return logger
}

// New connects storage and assembles the pipeline. The database is optional
// unless the document is published there.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	registry, err := ingest.LoadRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			if cfg.Storage.Backend == "postgres" {
				return nil, err
			}
			logger.Warn("database unavailable, run history disabled", "error", err)
		} else {
			a.pool = pool
			if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, crerr.Wrap(err, "apply migrations")
			}
			a.Runs = db.NewStore(pool)
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		a.Backend = a.Runs
	default:
		a.Backend = store.NewFileStore(cfg.Storage.Document)
	}

	backoff := cfg.BackoffPolicy()
	httpFetcher := ingest.NewRateLimitedFetcher(cfg.Fetch, backoff, logger)
	crawler := &ingest.Crawler{
		Fetcher: httpFetcher,
		Transports: map[string]ingest.Fetcher{
			ingest.TransportHTTP:   httpFetcher,
			ingest.TransportColly:  ingest.NewCollyFetcher(cfg.Fetch, backoff, logger),
			ingest.TransportChrome: ingest.NewChromeFetcher(cfg.Fetch, logger),
		},
		Normalizer:    ingest.NewDateNormalizer(cfg.Location()),
		Backoff:       backoff,
		RequestBudget: cfg.Run.RequestBudget,
		SourceTimeout: cfg.Run.SourceTimeout,
		Logger:        logger,
	}

	a.Venues = venue.NewCachedResolver(cfg.Storage.VenueCache, venue.NewPageLookup(httpFetcher), logger)

	p := ingest.NewPipeline(registry, crawler, policy, a.Venues, a.Backend)
	p.Concurrency = cfg.Run.Concurrency
	p.RunTimeout = cfg.Run.Timeout
	p.Logger = logger
	if a.Runs != nil {
		p.Recorder = a.Runs
	}
	a.Pipeline = p
	return a, nil
}

// WriteMonths publishes the per-month slices of the stored document when a
// month directory is configured.
func (a *App) WriteMonths(ctx context.Context) ([]string, error) {
	if a.Config.Storage.MonthDir == "" {
		return nil, nil
	}
	doc, err := a.Backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	return store.WriteMonths(a.Config.Storage.MonthDir, store.SplitByMonth(doc, a.Config.Location()))
}

func (a *App) Close() {
	if a.Venues != nil {
		if err := a.Venues.Flush(); err != nil {
			a.Logger.Warn("failed to persist venue cache", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
