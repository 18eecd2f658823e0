package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fixture-finder/internal/platform/logging"
)

func testFetcher() *RateLimitedFetcher {
	return NewRateLimitedFetcher(
		FetchConfig{AllowPrivateHosts: true, RateLimitRPS: 1000, Burst: 10, MaxRetries: 2},
		fastBackoff(), logging.NewNop())
}

func TestRateLimitedFetcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "fr-FR,fr;q=0.9,en;q=0.5", r.Header.Get("Accept-Language"))
		assert.Contains(t, r.Header.Get("User-Agent"), "fixture-finder")
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	doc, err := testFetcher().Fetch(context.Background(), srv.URL+"/cal")
	require.NoError(t, err)
	body, err := ReadBody(doc, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRateLimitedFetcher_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRateLimitedFetcher_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRateLimitedFetcher_ContextHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("X-Api-Key"))
	}))
	defer srv.Close()

	ctx := WithHeaders(context.Background(), http.Header{"x-api-key": {"secret"}})
	doc, err := testFetcher().Fetch(ctx, srv.URL)
	require.NoError(t, err)
	body, _ := ReadBody(doc, 0)
	assert.Equal(t, "secret", string(body))
}

func TestRateLimitedFetcher_FollowsRedirectForBaseURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/cal", http.StatusFound)
	})
	mux.HandleFunc("/new/cal", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "moved")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	doc, err := testFetcher().Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new/cal", doc.URL)
}

func TestRateLimitedFetcher_BlocksPrivateHostsByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := NewRateLimitedFetcher(FetchConfig{MaxRetries: -1}, fastBackoff(), logging.NewNop())
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(nil, http.StatusTooManyRequests))
	assert.True(t, shouldRetry(nil, http.StatusInternalServerError))
	assert.False(t, shouldRetry(nil, http.StatusNotFound))
	assert.False(t, shouldRetry(nil, http.StatusForbidden))
	assert.False(t, shouldRetry(context.Canceled, 0))
	assert.False(t, shouldRetry(context.DeadlineExceeded, 0))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 350 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 350*time.Millisecond, b.Delay(3))
	assert.Equal(t, 350*time.Millisecond, b.Delay(10))

	b.Jitter = 10 * time.Millisecond
	d := b.Delay(1)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 110*time.Millisecond)
}

func TestBackoff_WaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backoff{Base: time.Hour}.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
