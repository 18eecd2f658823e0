package ingest

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/david/fixture-finder/internal/models"
)

// FixtureKey is the identity of a real-world match: kickoff instant, folded team
// names and level.
func FixtureKey(f models.Fixture) string {
	return strings.Join([]string{
		f.StartsAt.UTC().Format(time.RFC3339),
		FoldName(f.HomeTeam),
		FoldName(f.AwayTeam),
		strings.ToLower(strings.TrimSpace(f.Level)),
	}, "|")
}

// completeness scores enrichment; higher wins a key collision.
func completeness(f models.Fixture) int {
	score := 0
	if (f.Venue.Lat != 0 || f.Venue.Lon != 0) && !f.Venue.Location().IsFallback() {
		score += 4
	}
	if f.Venue.City != "" {
		score += 2
	}
	if f.Venue.Address != "" {
		score++
	}
	if defaultMatchLinkRe.MatchString(f.SourceURL) {
		score++
	}
	return score
}

// tiebreak is a total order over the non-identity fields so equal-score
// collisions resolve the same way whatever the input order.
func tiebreak(f models.Fixture) string {
	return strings.Join([]string{
		f.SourceURL,
		f.Level,
		f.Sport,
		f.StartsAt.Format(time.RFC3339),
		f.Venue.Name,
		f.Venue.City,
		f.Venue.Address,
		strconv.FormatFloat(f.Venue.Lat, 'f', 6, 64),
		strconv.FormatFloat(f.Venue.Lon, 'f', 6, 64),
		f.Competition,
		f.HomeTeam,
		f.AwayTeam,
		f.VenueKey,
	}, "\x00")
}

func ranksBefore(a, b models.Fixture) bool {
	ca, cb := completeness(a), completeness(b)
	if ca != cb {
		return ca > cb
	}
	return tiebreak(a) < tiebreak(b)
}

// Dedupe collapses fixtures sharing FixtureKey, keeping the most complete one.
// A winner missing a venue key or name borrows it from the next-ranked duplicate.
// The result is sorted like Select and does not depend on input order.
func Dedupe(fixtures []models.Fixture) []models.Fixture {
	groups := make(map[string][]models.Fixture, len(fixtures))
	for _, f := range fixtures {
		k := FixtureKey(f)
		groups[k] = append(groups[k], f)
	}

	out := make([]models.Fixture, 0, len(groups))
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool { return ranksBefore(group[i], group[j]) })
		winner := group[0]
		for _, other := range group[1:] {
			if winner.VenueKey == "" && other.VenueKey != "" {
				winner.VenueKey = other.VenueKey
			}
			if winner.Venue.Name == "" && other.Venue.Name != "" {
				winner.Venue.Name = other.Venue.Name
			}
		}
		out = append(out, winner)
	}
	models.SortFixtures(out)
	return out
}
