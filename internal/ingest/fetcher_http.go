package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	crerr "github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/david/fixture-finder/internal/platform/logging"
)

const defaultUserAgent = "fixture-finder/1.0 (+https://github.com/david/fixture-finder; calendrier football)"

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

// FetchConfig defines HTTP fetching configuration.
type FetchConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"` // Default: 20
	MaxRetries     int     `yaml:"max_retries,omitempty"`     // Default: 3, negative disables retries
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`  // Requests per second per host, default: 2
	Burst          int     `yaml:"burst,omitempty"`
	ProxyURL       string  `yaml:"proxy_url,omitempty"`
	AcceptLanguage string  `yaml:"accept_language,omitempty"`
	UserAgent      string  `yaml:"user_agent,omitempty"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes,omitempty"`
	// AllowPrivateHosts disables the private-address dial guard (local fixtures, tests).
	AllowPrivateHosts bool `yaml:"allow_private_hosts,omitempty"`
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = "fr-FR,fr;q=0.9,en;q=0.5"
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	return c
}

// RateLimitedFetcher provides per-host rate limiting, retries with backoff, and
// a bounded per-request timeout.
type RateLimitedFetcher struct {
	config   FetchConfig
	backoff  Backoff
	client   *http.Client
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	logger   *logging.Logger
}

// NewRateLimitedFetcher creates a fetcher. The backoff's MaxRetries is taken from config.
func NewRateLimitedFetcher(config FetchConfig, backoff Backoff, logger *logging.Logger) *RateLimitedFetcher {
	config = config.withDefaults()
	backoff.MaxRetries = config.MaxRetries
	if logger == nil {
		logger = logging.Default()
	}

	dial := safeDialContext
	checkRedirect := safeCheckRedirect
	if config.AllowPrivateHosts {
		dial = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
		checkRedirect = limitRedirects
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if config.ProxyURL != "" {
		if proxyURL, err := url.Parse(config.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &RateLimitedFetcher{
		config:  config,
		backoff: backoff,
		client: &http.Client{
			Timeout:       time.Duration(config.TimeoutSeconds) * time.Second,
			Transport:     transport,
			CheckRedirect: checkRedirect,
		},
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

func (f *RateLimitedFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.config.RateLimitRPS), f.config.Burst)
		f.limiters[host] = l
	}
	return l
}

// safeDialContext wraps the default dialer to block private IPs
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private IP: %s", ip)
		}
	}

	return d.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	if addr, ok := netip.AddrFromSlice(ip); ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	return nil
}

// safeCheckRedirect limits redirects and validates destinations
func safeCheckRedirect(req *http.Request, via []*http.Request) error {
	if err := limitRedirects(req, via); err != nil {
		return err
	}
	if req.URL == nil {
		return fmt.Errorf("invalid redirect URL")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect scheme blocked")
	}

	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("redirect host missing")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("redirect to internal host blocked")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("redirect to private IP blocked: %s", ip)
		}
	}
	return nil
}

// shouldRetry determines if an error or status code should trigger a retry
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		if crerr.Is(err, context.Canceled) || crerr.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		if crerr.As(err, &netErr) {
			return true
		}
		// Connection resets and EOFs surface as *url.Error wrapping syscall errors.
		var urlErr *url.Error
		return crerr.As(err, &urlErr)
	}
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

// Fetch implements the Fetcher interface with rate limiting and retries.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, rawURL string) (*FetchedDocument, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, crerr.Newf("invalid URL %q", rawURL)
	}
	limiter := f.limiter(strings.ToLower(u.Host))

	var lastErr error
	for attempt := 0; attempt <= f.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Debug("retrying fetch", "url", rawURL, "attempt", attempt, "error", lastErr)
			if err := f.backoff.Wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		doc, err := f.do(ctx, rawURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, crerr.Wrapf(lastErr, "max retries exceeded for %s", rawURL)
}

func (f *RateLimitedFetcher) do(ctx context.Context, rawURL string) (*FetchedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, crerr.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.config.AcceptLanguage)
	req.Header.Set("Cache-Control", "no-cache")
	for k, vs := range headersFromContext(ctx) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if shouldRetry(err, 0) {
			return nil, markTransient(crerr.Wrap(err, "send request"))
		}
		return nil, crerr.Wrap(err, "send request")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		statusErr := crerr.Newf("unexpected status code: %d", resp.StatusCode)
		if shouldRetry(nil, resp.StatusCode) {
			return nil, markTransient(statusErr)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, markTransient(crerr.Wrap(err, "read response body"))
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &FetchedDocument{
		URL:         finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        io.NopCloser(bytes.NewReader(body)),
		FetchedAt:   time.Now(),
		Headers:     resp.Header,
	}, nil
}

// ReadBody drains and closes a fetched document's body.
func ReadBody(doc *FetchedDocument, limit int64) ([]byte, error) {
	if doc == nil || doc.Body == nil {
		return nil, nil
	}
	defer doc.Body.Close()
	if limit <= 0 {
		limit = 8 << 20
	}
	return io.ReadAll(io.LimitReader(doc.Body, limit))
}
