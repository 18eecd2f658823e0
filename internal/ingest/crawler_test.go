package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/platform/logging"
)

var crawlNow = time.Date(2026, 2, 9, 12, 0, 0, 0, Paris())

func matchBlock(kick time.Time, home, away string) string {
	return fmt.Sprintf(`<li><div>%s</div><div>%s</div><div>%s</div></li>`, kickoffText(kick), home, away)
}

func newTestCrawler(f Fetcher) *Crawler {
	return &Crawler{
		Fetcher: f,
		Backoff: fastBackoff(),
		Now:     fixedClock(crawlNow),
		Logger:  logging.NewNop(),
	}
}

func lookahead() TimeWindow {
	return LookaheadPolicy{Days: 14}.CrawlWindow(crawlNow)
}

func TestCrawler_FollowsPaginationUntilCovered(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `<html><body><ul>%s</ul><a rel="next" href="/cal?page=2">Page suivante</a></body></html>`,
				matchBlock(crawlNow.Add(40*24*time.Hour), "Laon FC", "US Chauny"))
		case "2":
			fmt.Fprintf(w, `<html><body><ul>%s</ul><a rel="next" href="/cal?page=3">Page suivante</a></body></html>`,
				matchBlock(crawlNow.Add(5*24*time.Hour), "Soissons", "Tergnier"))
		default:
			http.Error(w, "unexpected page", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	fetcher := NewRateLimitedFetcher(FetchConfig{AllowPrivateHosts: true, RateLimitRPS: 1000, Burst: 10}, fastBackoff(), logging.NewNop())
	src := SourceConfig{ID: "d1", Level: "D1", Competition: "Départemental 1", EntryURL: srv.URL + "/cal"}

	res := newTestCrawler(fetcher).Collect(context.Background(), src, lookahead())

	require.NoError(t, res.Err)
	assert.Equal(t, StopCovered, res.Stop)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2, res.Counters.Pages)
	assert.Equal(t, 2, res.Counters.ExtractedOK)
	require.Len(t, res.Fixtures, 1)

	f := res.Fixtures[0]
	assert.Equal(t, "Soissons", f.HomeTeam)
	assert.Equal(t, "Tergnier", f.AwayTeam)
	assert.Equal(t, "D1", f.Level)
	assert.Equal(t, "football", f.Sport)
	assert.True(t, f.StartsAt.Equal(crawlNow.Add(5*24*time.Hour)))
	assert.Equal(t, srv.URL+"/cal?page=2", f.SourceURL)
	assert.Equal(t, "team:soissons", f.VenueKey)
}

func TestCrawler_FetchErrorKeepsSourceAlive(t *testing.T) {
	mock := &MockFetcher{Data: map[string][]byte{
		"https://foot.example/cal": []byte(`<ul>` + matchBlock(crawlNow.Add(40*24*time.Hour), "Guise", "Bohain") +
			`</ul><a rel="next" href="/cal?page=2">Suivant</a>`),
	}}
	src := SourceConfig{ID: "d1", Level: "D1", Competition: "D1", EntryURL: "https://foot.example/cal"}

	res := newTestCrawler(mock).Collect(context.Background(), src, lookahead())

	assert.Equal(t, StopFetchError, res.Stop)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.Counters.FetchErrors)
	assert.Equal(t, 1, res.Counters.Fetched)
	assert.Empty(t, res.Fixtures)
}

func TestCrawler_PageCeilingAndBudget(t *testing.T) {
	data := map[string][]byte{}
	for i := 1; i <= 5; i++ {
		data[fmt.Sprintf("https://foot.example/cal?page=%d", i)] = []byte(fmt.Sprintf(
			`<p>Aucun match</p><a rel="next" href="/cal?page=%d">Suivant</a>`, i+1))
	}

	mock := &MockFetcher{Data: data}
	src := SourceConfig{ID: "d1", Level: "D1", Competition: "D1", EntryURL: "https://foot.example/cal?page=1", MaxPages: 3}
	res := newTestCrawler(mock).Collect(context.Background(), src, lookahead())
	assert.Equal(t, StopPageCeiling, res.Stop)
	assert.Equal(t, 3, mock.count())

	mock = &MockFetcher{Data: data}
	c := newTestCrawler(mock)
	c.RequestBudget = 2
	src.MaxPages = 0
	res = c.Collect(context.Background(), src, lookahead())
	assert.Equal(t, StopBudget, res.Stop)
	assert.Equal(t, 2, mock.count())
}

func TestCrawler_DetectsCycles(t *testing.T) {
	mock := &MockFetcher{Data: map[string][]byte{
		"https://foot.example/cal?page=1": []byte(`<a rel="next" href="/cal?page=2">Suivant</a>`),
		"https://foot.example/cal?page=2": []byte(`<a rel="next" href="/cal?page=1&utm_source=x">Suivant</a>`),
	}}
	src := SourceConfig{ID: "d1", Level: "D1", Competition: "D1", EntryURL: "https://foot.example/cal?page=1"}

	res := newTestCrawler(mock).Collect(context.Background(), src, lookahead())
	assert.Equal(t, StopCycle, res.Stop)
	assert.Equal(t, 2, mock.count())
}

type stubExtractor struct {
	page Page
}

func (s stubExtractor) Extract([]byte, string) Page { return s.page }

func TestCrawler_SelfLinkStopsImmediately(t *testing.T) {
	factory := NewStrategyFactory()
	factory.Register("stub", func(SourceConfig, *DateNormalizer) Extractor {
		return stubExtractor{page: Page{NextURL: "https://foot.example/cal#bottom"}}
	})
	mock := &MockFetcher{Data: map[string][]byte{"https://foot.example/cal": []byte("x")}}
	c := newTestCrawler(mock)
	c.Strategies = factory

	src := SourceConfig{ID: "s", Level: "D1", Competition: "D1", EntryURL: "https://foot.example/cal", Strategy: "stub"}
	res := c.Collect(context.Background(), src, lookahead())
	assert.Equal(t, StopSelfLink, res.Stop)
	assert.Equal(t, 1, mock.count())
}

func TestCrawler_CountsMissesAndParseFailures(t *testing.T) {
	factory := NewStrategyFactory()
	factory.Register("stub", func(SourceConfig, *DateNormalizer) Extractor {
		return stubExtractor{page: Page{
			Misses: 2,
			Candidates: []RawCandidate{
				{DateTimeText: "bientôt", HomeText: "A", AwayText: "B"},
				{DateTimeText: kickoffText(crawlNow.Add(24 * time.Hour)), HomeText: "A", AwayText: "a"},
				{DateTimeText: kickoffText(crawlNow.Add(24 * time.Hour)), HomeText: "Guise", AwayText: "Bohain",
					Venue: VenueHint{Key: "club:guise", Name: "Stade Municipal", Lat: 49.9, Lon: 3.63}},
			},
		}}
	})
	mock := &MockFetcher{Data: map[string][]byte{"https://foot.example/cal": []byte("x")}}
	c := newTestCrawler(mock)
	c.Strategies = factory

	src := SourceConfig{ID: "s", Level: "D1", Competition: "D1", EntryURL: "https://foot.example/cal", Strategy: "stub"}
	res := c.Collect(context.Background(), src, lookahead())

	assert.Equal(t, 1, res.Counters.ParseFail)
	assert.Equal(t, 3, res.Counters.ExtractionMiss)
	assert.Equal(t, 1, res.Counters.ExtractedOK)
	require.Len(t, res.Fixtures, 1)
	assert.Equal(t, "club:guise", res.Fixtures[0].VenueKey)
	assert.Equal(t, 49.9, res.Fixtures[0].Venue.Lat)
	assert.Equal(t, "https://foot.example/cal", res.Fixtures[0].SourceURL)
}

func TestCrawler_UnknownStrategy(t *testing.T) {
	mock := &MockFetcher{Data: map[string][]byte{}}
	src := SourceConfig{ID: "s", EntryURL: "https://foot.example/cal", Strategy: "pdf"}
	res := newTestCrawler(mock).Collect(context.Background(), src, lookahead())

	assert.Equal(t, StopConfig, res.Stop)
	assert.ErrorIs(t, res.Err, ErrUnknownStrategy)
	assert.Zero(t, mock.count())
}

func TestCrawler_CredentialDiscovery(t *testing.T) {
	records := fmt.Sprintf(`{"items": [{"starts_at": %q, "home": "Ham", "away": "Vervins"}]}`,
		crawlNow.Add(3*24*time.Hour).Format(time.RFC3339))
	mock := &MockFetcher{Data: map[string][]byte{
		"https://foot.example/calendrier":   []byte(`<script>window.cfg = {"apiKey": "abcdef0123456789abcd"};</script>`),
		"https://api.example/matchs?page=1": []byte(records),
	}}
	src := SourceConfig{
		ID: "api", Level: "R2", Competition: "R2", EntryURL: "https://api.example/matchs?page=1",
		Strategy: StrategyAPIRecords,
		Credentials: CredentialConfig{
			DiscoveryURL: "https://foot.example/calendrier",
			Header:       "X-Api-Key",
		},
	}

	res := newTestCrawler(mock).Collect(context.Background(), src, lookahead())

	require.Len(t, res.Fixtures, 1)
	require.Len(t, mock.Headers, 2)
	assert.Equal(t, "abcdef0123456789abcd", mock.Headers[1].Get("X-Api-Key"))
}

func TestCrawler_DiscoveryFailureContinues(t *testing.T) {
	records := fmt.Sprintf(`{"items": [{"starts_at": %q, "home": "Ham", "away": "Vervins"}]}`,
		crawlNow.Add(3*24*time.Hour).Format(time.RFC3339))
	mock := &MockFetcher{Data: map[string][]byte{
		"https://api.example/matchs": []byte(records),
	}}
	src := SourceConfig{
		ID: "api", Level: "R2", Competition: "R2", EntryURL: "https://api.example/matchs",
		Strategy:    StrategyAPIRecords,
		Credentials: CredentialConfig{DiscoveryURL: "https://foot.example/missing"},
	}

	res := newTestCrawler(mock).Collect(context.Background(), src, lookahead())
	assert.Len(t, res.Fixtures, 1)
	assert.Empty(t, mock.Headers[1])
}

func TestCrawler_TransportSelection(t *testing.T) {
	primary := &MockFetcher{Data: map[string][]byte{}}
	chrome := &MockFetcher{Data: map[string][]byte{"https://foot.example/cal": []byte("<p></p>")}}
	c := newTestCrawler(primary)
	c.Transports = map[string]Fetcher{TransportChrome: chrome}

	src := SourceConfig{ID: "c", Level: "D1", Competition: "D1", EntryURL: "https://foot.example/cal", Transport: TransportChrome}
	res := c.Collect(context.Background(), src, lookahead())

	assert.Equal(t, StopNoNext, res.Stop)
	assert.Equal(t, 1, chrome.count())
	assert.Zero(t, primary.count())
}
