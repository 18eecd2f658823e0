package ingest

import (
	"context"
	"sync"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
	"github.com/david/fixture-finder/internal/store"
)

const (
	defaultConcurrency = 4
	maxConcurrency     = 8
)

// RunRecorder keeps a history of runs. Recording is best effort.
type RunRecorder interface {
	RecordRun(ctx context.Context, run models.RunRecord) error
}

type flusher interface {
	Flush() error
}

// Pipeline runs every source, then deduplicates, windows, enriches venues and
// replaces the stored document.
type Pipeline struct {
	Registry *Registry
	Crawler  *Crawler
	Policy   WindowPolicy
	// Venues may be nil, in which case unresolved venues get the fallback location.
	Venues   VenueResolver
	Store    store.Backend
	Recorder RunRecorder

	Concurrency int
	RunTimeout  time.Duration
	Now         func() time.Time
	Logger      *logging.Logger
}

func NewPipeline(registry *Registry, crawler *Crawler, policy WindowPolicy, venues VenueResolver, backend store.Backend) *Pipeline {
	return &Pipeline{
		Registry:    registry,
		Crawler:     crawler,
		Policy:      policy,
		Venues:      venues,
		Store:       backend,
		Concurrency: defaultConcurrency,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *logging.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logging.Default()
}

func (p *Pipeline) concurrency() int {
	n := p.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	if n > maxConcurrency {
		n = maxConcurrency
	}
	return n
}

// IngestAll runs every active source of the registry.
func (p *Pipeline) IngestAll(ctx context.Context) (RunReport, error) {
	if p.Registry == nil {
		return RunReport{}, crerr.New("pipeline has no registry")
	}
	return p.Run(ctx, p.Registry.Active())
}

// IngestSource runs the named sources only.
func (p *Pipeline) IngestSource(ctx context.Context, ids ...string) (RunReport, error) {
	if p.Registry == nil {
		return RunReport{}, crerr.New("pipeline has no registry")
	}
	sources := p.Registry.Active(ids...)
	if len(sources) == 0 {
		return RunReport{}, crerr.Newf("no active source matches %v", ids)
	}
	return p.Run(ctx, sources)
}

// Run executes one ingestion run over sources. Source failures never fail the
// run; only a persistence failure does, and it is marked ErrPersistence. When
// the run deadline passes, sources not yet started are skipped and whatever was
// collected is still published.
func (p *Pipeline) Run(ctx context.Context, sources []SourceConfig) (RunReport, error) {
	runID := uuid.New()
	ctx = logging.WithRunID(ctx, runID.String())
	log := p.logger()

	now := p.now()
	report := RunReport{RunID: runID.String(), StartedAt: now}
	log.InfoContext(ctx, "run started", "sources", len(sources), "policy", p.Policy.Name())

	crawlCtx := ctx
	if p.RunTimeout > 0 {
		var cancel context.CancelFunc
		crawlCtx, cancel = context.WithTimeout(ctx, p.RunTimeout)
		defer cancel()
	}

	results, err := p.crawlAll(crawlCtx, sources, p.Policy.CrawlWindow(now))
	if err != nil {
		return p.fail(ctx, report, crerr.Wrap(err, "start worker pool"))
	}
	report.Sources = results

	var collected []models.Fixture
	for _, r := range results {
		report.Totals.Add(r.Counters)
		collected = append(collected, r.Fixtures...)
	}

	if len(sources) > 0 && report.Totals.Fetched == 0 {
		report.KeptPrevious = true
		report.Status = models.RunStatusPartial
		report.Finished = p.now()
		log.WarnContext(ctx, "no source could be fetched, keeping previous document")
		p.record(ctx, report, nil)
		return report, nil
	}

	deduped := Dedupe(collected)
	report.Deduplicated = len(deduped)
	if w, ok := p.Policy.Window(deduped, now); ok {
		report.Window = w
	}
	published := Select(deduped, now, p.Policy)
	p.enrichVenues(ctx, published)
	report.Published = len(published)

	existing, err := p.Store.Load(ctx)
	if err != nil {
		log.WarnContext(ctx, "stored document unreadable, replacing it", "error", err)
		existing = store.Document{}
	}
	doc := store.Merge(existing, published, p.now())
	if err := p.Store.Save(ctx, doc); err != nil {
		return p.fail(ctx, report, crerr.Mark(crerr.Wrap(err, "save document"), ErrPersistence))
	}

	report.Status = models.RunStatusCompleted
	if report.Partial() {
		report.Status = models.RunStatusPartial
	}
	report.Finished = p.now()
	log.InfoContext(ctx, "run finished", "status", report.Status, "collected", len(collected),
		"deduplicated", report.Deduplicated, "published", report.Published,
		"fetch_errors", report.Totals.FetchErrors, "misses", report.Totals.ExtractionMiss,
		"parse_fail", report.Totals.ParseFail)
	p.record(ctx, report, nil)
	return report, nil
}

// crawlAll runs sources on a bounded pool. Results keep the order of sources.
func (p *Pipeline) crawlAll(ctx context.Context, sources []SourceConfig, window TimeWindow) ([]SourceResult, error) {
	results := make([]SourceResult, len(sources))
	if len(sources) == 0 {
		return results, nil
	}
	pool, err := ants.NewPool(p.concurrency())
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	skipped := func(i int, err error) {
		results[i] = SourceResult{SourceID: sources[i].ID, Stop: StopSkipped, Err: err}
	}

	var wg sync.WaitGroup
	for i := range sources {
		if ctx.Err() != nil {
			skipped(i, ctx.Err())
			continue
		}
		i := i
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				skipped(i, ctx.Err())
				return
			}
			results[i] = p.Crawler.Collect(ctx, sources[i], window)
		})
		if submitErr != nil {
			wg.Done()
			skipped(i, submitErr)
		}
	}
	wg.Wait()

	for _, r := range results {
		if r.Stop == StopSkipped {
			p.logger().WarnContext(ctx, "source skipped", "source", r.SourceID, "error", r.Err)
		}
	}
	return results, nil
}

// enrichVenues fills coordinates and city for fixtures whose source gave none.
// Each distinct venue key is resolved once.
func (p *Pipeline) enrichVenues(ctx context.Context, fixtures []models.Fixture) {
	var keys []string
	resolved := make(map[string]models.Location)
	for _, f := range fixtures {
		if hasCoordinates(f.Venue) {
			continue
		}
		if _, seen := resolved[f.VenueKey]; !seen {
			keys = append(keys, f.VenueKey)
		}
		resolved[f.VenueKey] = models.FallbackLocation()
	}
	if p.Venues != nil && len(keys) > 0 {
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		lookup := func(key string) {
			loc := p.Venues.Resolve(ctx, key)
			mu.Lock()
			resolved[key] = loc
			mu.Unlock()
		}
		pool, err := ants.NewPool(p.concurrency())
		if err != nil {
			for _, key := range keys {
				lookup(key)
			}
		} else {
			defer pool.Release()
			for _, key := range keys {
				key := key
				wg.Add(1)
				if submitErr := pool.Submit(func() { defer wg.Done(); lookup(key) }); submitErr != nil {
					wg.Done()
					lookup(key)
				}
			}
			wg.Wait()
		}
		if f, ok := p.Venues.(flusher); ok {
			if err := f.Flush(); err != nil {
				p.logger().WarnContext(ctx, "failed to persist venue cache", "error", err)
			}
		}
	}

	for i := range fixtures {
		v := &fixtures[i].Venue
		if !hasCoordinates(*v) {
			loc := resolved[fixtures[i].VenueKey]
			v.Lat, v.Lon = loc.Lat, loc.Lon
			if v.City == "" {
				v.City = loc.City
			}
		}
		if v.Name == "" {
			v.Name = fixtures[i].HomeTeam
		}
	}
}

func hasCoordinates(v models.Venue) bool {
	return v.Lat != 0 || v.Lon != 0
}

func (p *Pipeline) fail(ctx context.Context, report RunReport, err error) (RunReport, error) {
	report.Status = models.RunStatusFailed
	report.Finished = p.now()
	p.logger().ErrorContext(ctx, "run failed", "error", err)
	p.record(ctx, report, err)
	return report, err
}

func (p *Pipeline) record(ctx context.Context, report RunReport, runErr error) {
	if p.Recorder == nil {
		return
	}
	id, err := uuid.Parse(report.RunID)
	if err != nil {
		id = uuid.New()
	}
	rec := models.RunRecord{
		RunID:       id,
		StartedAt:   report.StartedAt,
		CompletedAt: report.Finished,
		Status:      report.Status,
		Sources:     len(report.Sources),
		Kept:        report.Totals.Kept,
		Published:   report.Published,
		FetchErrors: report.Totals.FetchErrors,
		Counters:    report.Totals.Map(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := p.Recorder.RecordRun(ctx, rec); err != nil {
		p.logger().WarnContext(ctx, "failed to record run", "error", err)
	}
}
