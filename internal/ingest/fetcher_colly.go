package ingest

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/gocolly/colly/v2"

	"github.com/david/fixture-finder/internal/platform/logging"
)

// CollyFetcher implements Fetcher using Colly. It honours robots.txt unless told
// otherwise, detects legacy charsets and applies a per-domain delay.
type CollyFetcher struct {
	UserAgent         string
	AcceptLanguage    string
	RequestTimeout    time.Duration
	DomainDelay       time.Duration
	RandomDelayFactor float64
	IgnoreRobotsTxt   bool
	MaxBodySize       int
	AllowPrivateHosts bool
	Backoff           Backoff

	logger *logging.Logger
}

// NewCollyFetcher creates a CollyFetcher from the shared fetch configuration.
func NewCollyFetcher(cfg FetchConfig, backoff Backoff, logger *logging.Logger) *CollyFetcher {
	cfg = cfg.withDefaults()
	backoff.MaxRetries = cfg.MaxRetries
	if logger == nil {
		logger = logging.Default()
	}
	return &CollyFetcher{
		UserAgent:         cfg.UserAgent,
		AcceptLanguage:    cfg.AcceptLanguage,
		RequestTimeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		DomainDelay:       time.Duration(float64(time.Second) / cfg.RateLimitRPS),
		RandomDelayFactor: 0.5,
		MaxBodySize:       int(cfg.MaxBodyBytes),
		AllowPrivateHosts: cfg.AllowPrivateHosts,
		Backoff:           backoff,
		logger:            logger,
	}
}

// buildCollector creates a configured Colly collector bound to ctx.
func (f *CollyFetcher) buildCollector(ctx context.Context, host string) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.UserAgent(f.UserAgent),
		colly.MaxBodySize(f.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
		colly.StdlibContext(ctx),
	}
	if host != "" {
		opts = append(opts, colly.AllowedDomains(host))
	}
	if f.IgnoreRobotsTxt {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}

	c := colly.NewCollector(opts...)

	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       f.DomainDelay,
		RandomDelay: time.Duration(float64(f.DomainDelay) * f.RandomDelayFactor),
	})

	dial := safeDialContext
	if f.AllowPrivateHosts {
		dial = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}
	c.WithTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dial,
		ForceAttemptHTTP2:   true,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	c.SetRequestTimeout(f.RequestTimeout)

	headers := headersFromContext(ctx)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", f.AcceptLanguage)
		for k, vs := range headers {
			for _, v := range vs {
				r.Headers.Add(k, v)
			}
		}
	})

	return c
}

// Fetch implements the Fetcher interface, retrying transient failures with the shared backoff.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	parsedURL, err := url.Parse(targetURL)
	if err != nil || parsedURL.Host == "" {
		return nil, crerr.Newf("invalid URL %q", targetURL)
	}

	var lastErr error
	for attempt := 0; attempt <= f.Backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Debug("colly retry", "url", targetURL, "attempt", attempt, "error", lastErr)
			if err := f.Backoff.Wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		doc, err := f.visit(ctx, parsedURL.Hostname(), targetURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, crerr.Wrapf(lastErr, "max retries exceeded for %s", targetURL)
}

func (f *CollyFetcher) visit(ctx context.Context, host, targetURL string) (*FetchedDocument, error) {
	c := f.buildCollector(ctx, host)

	var result *FetchedDocument
	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		result = &FetchedDocument{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(r.Body)),
			FetchedAt:   time.Now(),
			Headers:     map[string][]string(r.Headers.Clone()),
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		switch {
		case status != 0 && shouldRetry(nil, status):
			fetchErr = markTransient(crerr.Wrapf(err, "status %d", status))
		case status != 0:
			fetchErr = crerr.Wrapf(err, "unexpected status code: %d", status)
		case shouldRetry(err, 0):
			fetchErr = markTransient(err)
		default:
			fetchErr = err
		}
	})

	if err := c.Visit(targetURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if result == nil {
		return nil, crerr.Newf("no response received for %s", targetURL)
	}
	return result, nil
}
