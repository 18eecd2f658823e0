package ingest

import (
	"context"
	"time"

	crerr "github.com/cockroachdb/errors"

	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/platform/logging"
)

// Crawler drives fetch and extract across the pages of one source. Pages of a
// source are visited strictly in sequence.
type Crawler struct {
	// Fetcher serves sources whose transport has no entry in Transports.
	Fetcher    Fetcher
	Transports map[string]Fetcher
	Strategies *StrategyFactory
	Normalizer *DateNormalizer
	Backoff    Backoff
	// RequestBudget caps fetches per source, discovery included. Zero means
	// only the page ceiling applies.
	RequestBudget int
	SourceTimeout time.Duration
	Now           func() time.Time
	Logger        *logging.Logger
}

func (c *Crawler) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Crawler) normalizer() *DateNormalizer {
	if c.Normalizer != nil {
		return c.Normalizer
	}
	return defaultNormalizer
}

func (c *Crawler) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Default()
}

func (c *Crawler) fetcherFor(src SourceConfig) (Fetcher, error) {
	if f, ok := c.Transports[src.TransportOrDefault()]; ok && f != nil {
		return f, nil
	}
	if c.Fetcher == nil {
		return nil, crerr.Newf("no fetcher for transport %q", src.TransportOrDefault())
	}
	return c.Fetcher, nil
}

// Collect crawls src from its entry URL, keeping fixtures in [now, window.End].
// It stops on the first page that yields an in-range fixture, and never returns
// an error for fetch or extraction trouble: those end the source with what was
// collected and are reported through Stop, Err and the counters.
func (c *Crawler) Collect(ctx context.Context, src SourceConfig, window TimeWindow) SourceResult {
	started := time.Now()
	res := SourceResult{SourceID: src.ID}
	defer func() {
		res.Counters.Kept = len(res.Fixtures)
		res.Duration = time.Since(started)
	}()
	log := c.logger().With("source", src.ID)

	strategies := c.Strategies
	if strategies == nil {
		strategies = GlobalStrategyFactory
	}
	extractor, err := strategies.ExtractorFor(src, c.normalizer())
	if err != nil {
		res.Stop, res.Err = StopConfig, err
		return res
	}
	fetcher, err := c.fetcherFor(src)
	if err != nil {
		res.Stop, res.Err = StopConfig, err
		return res
	}

	if c.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.SourceTimeout)
		defer cancel()
	}

	requests := 0
	if src.Credentials.Enabled() {
		requests++
		headers, err := DiscoverCredentials(ctx, fetcher, src.Credentials)
		if err != nil {
			log.WarnContext(ctx, "credential discovery failed, continuing anonymously", "error", err)
		} else {
			ctx = WithHeaders(ctx, headers)
		}
	}

	now := c.now()
	ceiling := src.PageCeiling()
	visited := make(map[string]struct{})
	current := src.EntryURL

	for {
		if res.Counters.Pages >= ceiling {
			res.Stop = StopPageCeiling
			break
		}
		if c.RequestBudget > 0 && requests >= c.RequestBudget {
			res.Stop = StopBudget
			break
		}
		canon := CanonicalizeURL(current)
		if _, seen := visited[canon]; seen {
			log.InfoContext(ctx, "pagination cycle detected", "url", current)
			res.Stop = StopCycle
			break
		}
		visited[canon] = struct{}{}

		if res.Counters.Pages > 0 {
			if err := c.Backoff.Pace(ctx); err != nil {
				res.Stop, res.Err = StopTimeout, err
				break
			}
		}

		res.Counters.Pages++
		requests++
		body, base, err := c.fetchPage(ctx, fetcher, current)
		if err != nil {
			res.Counters.FetchErrors++
			res.Err = err
			res.Stop = StopFetchError
			if ctx.Err() != nil {
				res.Stop = StopTimeout
			}
			log.WarnContext(ctx, "fetch failed, keeping collected fixtures", "url", current, "page", res.Counters.Pages, "error", err)
			break
		}
		res.Counters.Fetched++

		page := extractor.Extract(body, base)
		res.Counters.ExtractionMiss += page.Misses
		inRange := 0
		for _, cand := range page.Candidates {
			f, err := c.buildFixture(src, cand, current)
			if err != nil {
				if crerr.Is(err, ErrTimeParse) {
					res.Counters.ParseFail++
				} else {
					res.Counters.ExtractionMiss++
				}
				continue
			}
			res.Counters.ExtractedOK++
			if f.StartsAt.Before(now) || f.StartsAt.After(window.End) {
				continue
			}
			res.Fixtures = append(res.Fixtures, f)
			inRange++
		}
		log.Debug("page extracted", "url", current, "page", res.Counters.Pages,
			"candidates", len(page.Candidates), "in_range", inRange, "misses", page.Misses)

		if inRange > 0 {
			res.Stop = StopCovered
			break
		}
		next := page.NextURL
		if next == "" {
			res.Stop = StopNoNext
			break
		}
		if nc := CanonicalizeURL(next); nc == canon || nc == CanonicalizeURL(base) {
			res.Stop = StopSelfLink
			break
		}
		current = next
	}

	log.InfoContext(ctx, "source done", "stop", string(res.Stop), "pages", res.Counters.Pages,
		"kept", len(res.Fixtures), "misses", res.Counters.ExtractionMiss, "parse_fail", res.Counters.ParseFail)
	return res
}

func (c *Crawler) fetchPage(ctx context.Context, fetcher Fetcher, pageURL string) ([]byte, string, error) {
	doc, err := fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, "", err
	}
	base := pageURL
	if doc.URL != "" {
		base = doc.URL
	}
	body, err := ReadBody(doc, 0)
	if err != nil {
		return nil, "", crerr.Wrap(err, "read page body")
	}
	return body, base, nil
}

var errDegenerate = crerr.New("degenerate fixture")

// buildFixture normalizes a candidate. Time parse failures wrap ErrTimeParse;
// empty or identical team names are extraction misses.
func (c *Crawler) buildFixture(src SourceConfig, cand RawCandidate, pageURL string) (models.Fixture, error) {
	startsAt, err := c.normalizer().Parse(cand.DateTimeText)
	if err != nil {
		return models.Fixture{}, err
	}
	home := normalizeSpace(cand.HomeText)
	away := normalizeSpace(cand.AwayText)
	if home == "" || away == "" || FoldName(home) == FoldName(away) {
		return models.Fixture{}, errDegenerate
	}

	f := models.Fixture{
		Sport:       models.SportFootball,
		Level:       src.Level,
		Competition: src.Competition,
		StartsAt:    startsAt,
		HomeTeam:    home,
		AwayTeam:    away,
		SourceURL:   cand.OriginURL,
		VenueKey:    cand.Venue.Key,
		Venue: models.Venue{
			Name:    cand.Venue.Name,
			City:    cand.Venue.City,
			Address: cand.Venue.Address,
		},
	}
	if f.SourceURL == "" {
		f.SourceURL = pageURL
	}
	if cand.Venue.HasCoordinates() {
		f.Venue.Lat, f.Venue.Lon = cand.Venue.Lat, cand.Venue.Lon
	}
	if f.VenueKey == "" {
		f.VenueKey = "team:" + FoldName(home)
	}
	return f, nil
}
