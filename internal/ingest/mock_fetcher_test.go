package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// MockFetcher serves canned bodies keyed by URL and records every request.
type MockFetcher struct {
	Data map[string][]byte

	mu       sync.Mutex
	Requests []string
	Headers  []http.Header
}

func (m *MockFetcher) Fetch(ctx context.Context, url string) (*FetchedDocument, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, url)
	m.Headers = append(m.Headers, headersFromContext(ctx))
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, ok := m.Data[url]
	if !ok {
		return nil, fmt.Errorf("mock 404: %s", url)
	}
	return &FetchedDocument{
		URL:        url,
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewReader(content)),
		Headers:    make(http.Header),
		FetchedAt:  parseTimeOrNow("2026-02-09T12:00:00Z"),
	}, nil
}

func (m *MockFetcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

func parseTimeOrNow(s string) (t time.Time) {
	t, _ = time.Parse(time.RFC3339, s)
	if t.IsZero() {
		t = time.Now()
	}
	return
}

// kickoffText renders t in the listing grammar used by the calendar pages.
func kickoffText(t time.Time) string {
	return NewDateNormalizer(nil).FormatKickoff(t)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 2}
}
