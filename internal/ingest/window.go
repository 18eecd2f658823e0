package ingest

import (
	"fmt"
	"strings"
	"time"

	crerr "github.com/cockroachdb/errors"

	"github.com/david/fixture-finder/internal/models"
)

const (
	PolicyLookahead = "lookahead"
	PolicyWeekend   = "weekend"

	defaultWeekendHorizon = 45 * 24 * time.Hour
)

// TimeWindow is inclusive on both ends.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// WindowPolicy decides which fixtures a run publishes.
type WindowPolicy interface {
	// Window computes the span for the collected fixtures; false means nothing qualifies.
	Window(fixtures []models.Fixture, now time.Time) (TimeWindow, bool)
	// CrawlWindow is the superset the crawler filters against before the final window is known.
	CrawlWindow(now time.Time) TimeWindow
	Name() string
}

// LookaheadPolicy keeps fixtures in [now, now+Days*24h].
type LookaheadPolicy struct {
	Days int
}

func (p LookaheadPolicy) Name() string { return PolicyLookahead }

func (p LookaheadPolicy) CrawlWindow(now time.Time) TimeWindow {
	return TimeWindow{Start: now, End: now.Add(time.Duration(p.Days) * 24 * time.Hour)}
}

func (p LookaheadPolicy) Window(_ []models.Fixture, now time.Time) (TimeWindow, bool) {
	return p.CrawlWindow(now), true
}

// WeekendPolicy keeps the Saturday 00:00 to Sunday 23:59:59 span holding the
// earliest future fixture, in the civil calendar of Location.
type WeekendPolicy struct {
	Location *time.Location
	// Horizon bounds how far ahead the crawler looks for that weekend.
	Horizon time.Duration
}

func (p WeekendPolicy) Name() string { return PolicyWeekend }

func (p WeekendPolicy) loc() *time.Location {
	if p.Location == nil {
		return parisLocation
	}
	return p.Location
}

func (p WeekendPolicy) CrawlWindow(now time.Time) TimeWindow {
	h := p.Horizon
	if h <= 0 {
		h = defaultWeekendHorizon
	}
	return TimeWindow{Start: now, End: now.Add(h)}
}

func (p WeekendPolicy) Window(fixtures []models.Fixture, now time.Time) (TimeWindow, bool) {
	var (
		minStart time.Time
		found    bool
	)
	for _, f := range fixtures {
		if f.StartsAt.Before(now) {
			continue
		}
		if !found || f.StartsAt.Before(minStart) {
			minStart = f.StartsAt
			found = true
		}
	}
	if !found {
		return TimeWindow{}, false
	}
	return WeekendSpan(minStart, p.loc()), true
}

// WeekendSpan returns the weekend t belongs to: weekdays map to the coming
// Saturday, Sunday maps back to the Saturday before it.
func WeekendSpan(t time.Time, loc *time.Location) TimeWindow {
	sat := WeekendSaturday(t, loc)
	y, m, d := sat.Date()
	return TimeWindow{
		Start: sat,
		End:   time.Date(y, m, d+1, 23, 59, 59, 0, loc),
	}
}

// WeekendSaturday returns Saturday 00:00 of t's weekend in loc.
func WeekendSaturday(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	offset := (int(time.Saturday) - int(local.Weekday()) + 7) % 7
	if local.Weekday() == time.Sunday {
		offset = -1
	}
	y, m, d := local.Date()
	return time.Date(y, m, d+offset, 0, 0, 0, 0, loc)
}

// WeekendLabel renders a span in French, e.g. "14 févr.–15 févr. 2026".
func WeekendLabel(w TimeWindow, loc *time.Location) string {
	if loc == nil {
		loc = parisLocation
	}
	s, e := w.Start.In(loc), w.End.In(loc)
	return fmt.Sprintf("%d %s–%d %s %d", s.Day(), shortMonthsOut[s.Month()], e.Day(), shortMonthsOut[e.Month()], e.Year())
}

// NewWindowPolicy builds the named policy.
func NewWindowPolicy(name string, lookaheadDays int, horizon time.Duration, loc *time.Location) (WindowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyLookahead, "":
		if lookaheadDays <= 0 {
			lookaheadDays = 14
		}
		return LookaheadPolicy{Days: lookaheadDays}, nil
	case PolicyWeekend:
		return WeekendPolicy{Location: loc, Horizon: horizon}, nil
	default:
		return nil, crerr.Newf("unknown window policy %q", name)
	}
}

// Select filters fixtures to the policy's window and sorts them.
// An empty result is not an error.
func Select(fixtures []models.Fixture, now time.Time, policy WindowPolicy) []models.Fixture {
	w, ok := policy.Window(fixtures, now)
	if !ok {
		return []models.Fixture{}
	}
	out := make([]models.Fixture, 0, len(fixtures))
	for _, f := range fixtures {
		if f.StartsAt.Before(now) || !w.Contains(f.StartsAt) {
			continue
		}
		out = append(out, f)
	}
	models.SortFixtures(out)
	return out
}
