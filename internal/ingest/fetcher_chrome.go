package ingest

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	crerr "github.com/cockroachdb/errors"

	"github.com/david/fixture-finder/internal/platform/logging"
)

// ChromeFetcher renders pages in headless Chrome for calendars that build their
// match list client-side. One browser runs at a time.
type ChromeFetcher struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	// Settle is how long to wait after navigation for scripts to populate the page.
	Settle time.Duration

	mu     sync.Mutex
	logger *logging.Logger
}

func NewChromeFetcher(cfg FetchConfig, logger *logging.Logger) *ChromeFetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &ChromeFetcher{
		UserAgent:      cfg.UserAgent,
		AcceptLanguage: cfg.AcceptLanguage,
		Timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second * 2,
		Settle:         2 * time.Second,
		logger:         logger,
	}
}

func (f *ChromeFetcher) Fetch(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chromeDir, err := os.MkdirTemp("", "fixture_chrome_")
	if err != nil {
		return nil, crerr.Wrap(err, "create chrome temp dir")
	}
	defer os.RemoveAll(chromeDir)

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserDataDir(chromeDir),
		chromedp.UserAgent(f.UserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, v ...interface{}) {
		f.logger.Debug("chromedp", "format", format, "args", v)
	}))
	defer cancelBrowser()

	headers := network.Headers{"Accept-Language": f.AcceptLanguage}
	for k, vs := range headersFromContext(ctx) {
		headers[k] = strings.Join(vs, ", ")
	}

	var html, finalURL string
	err = chromedp.Run(browserCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(targetURL),
		chromedp.Sleep(f.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, crerr.Wrap(ctx.Err(), "chromedp navigation")
		}
		return nil, markTransient(crerr.Wrap(err, "chromedp navigation"))
	}
	if finalURL == "" {
		finalURL = targetURL
	}

	return &FetchedDocument{
		URL:         finalURL,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        io.NopCloser(strings.NewReader(html)),
		FetchedAt:   time.Now(),
	}, nil
}
