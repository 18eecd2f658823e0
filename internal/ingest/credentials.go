package ingest

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	crerr "github.com/cockroachdb/errors"
)

// CredentialConfig describes opportunistic token discovery: the calendar's
// public page embeds the key its own front end uses against the JSON API.
type CredentialConfig struct {
	DiscoveryURL string `yaml:"discovery_url"`
	// Pattern must contain one capture group holding the token.
	Pattern string `yaml:"pattern,omitempty"`
	Header  string `yaml:"header,omitempty"` // Default: Authorization
	Prefix  string `yaml:"prefix,omitempty"` // e.g. "Bearer "
}

func (c CredentialConfig) Enabled() bool {
	return strings.TrimSpace(c.DiscoveryURL) != ""
}

var defaultTokenPattern = regexp.MustCompile(`(?i)["']?(?:api[_-]?key|access[_-]?token|bearer|token)["']?\s*[:=]\s*["']([A-Za-z0-9._\-]{16,})["']`)

type headersKey struct{}

// WithHeaders attaches extra request headers that fetchers add to every request made with ctx.
func WithHeaders(ctx context.Context, h http.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	merged := headersFromContext(ctx).Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for k, vs := range h {
		merged[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return context.WithValue(ctx, headersKey{}, merged)
}

func headersFromContext(ctx context.Context) http.Header {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(headersKey{}).(http.Header)
	return h
}

// DiscoverCredentials fetches the discovery page and captures a token into a header.
func DiscoverCredentials(ctx context.Context, fetcher Fetcher, cfg CredentialConfig) (http.Header, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	re := defaultTokenPattern
	if cfg.Pattern != "" {
		compiled, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, crerr.Wrap(err, "compile credential pattern")
		}
		if compiled.NumSubexp() < 1 {
			return nil, crerr.New("credential pattern needs a capture group")
		}
		re = compiled
	}

	doc, err := fetcher.Fetch(ctx, cfg.DiscoveryURL)
	if err != nil {
		return nil, crerr.Wrap(err, "fetch discovery page")
	}
	body, err := ReadBody(doc, 0)
	if err != nil {
		return nil, crerr.Wrap(err, "read discovery page")
	}

	m := re.FindSubmatch(body)
	if m == nil || len(m[1]) == 0 {
		return nil, crerr.Newf("no credential found on %s", cfg.DiscoveryURL)
	}

	header := cfg.Header
	if header == "" {
		header = "Authorization"
	}
	h := http.Header{}
	h.Set(header, cfg.Prefix+string(m[1]))
	return h, nil
}
