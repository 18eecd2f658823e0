package ingest

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is the single retry/pacing policy shared by fetchers and the crawler.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Jitter     time.Duration
	MaxRetries int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Max:        8 * time.Second,
		Jitter:     100 * time.Millisecond,
		MaxRetries: 3,
	}
}

// Delay returns the wait before retry number attempt (1-based):
// Base, 2*Base, 4*Base ... capped at Max, plus up to Jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	return sleepCtx(ctx, b.Delay(attempt))
}

// Pace sleeps for the base delay between consecutive pages of one source.
func (b Backoff) Pace(ctx context.Context) error {
	return sleepCtx(ctx, b.Base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
