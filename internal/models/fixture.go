package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

const SportFootball = "football"

// Fallback coordinate used when a venue cannot be resolved (Saint-Quentin).
const (
	FallbackLat = 49.8489
	FallbackLon = 3.2876
)

// Location is the outcome of a venue lookup.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	City string  `json:"city"`
}

// FallbackLocation returns the default coordinate with no city.
func FallbackLocation() Location {
	return Location{Lat: FallbackLat, Lon: FallbackLon}
}

// IsFallback reports whether l carries the default coordinate.
func (l Location) IsFallback() bool {
	return l.Lat == FallbackLat && l.Lon == FallbackLon
}

type Venue struct {
	Name    string  `json:"name"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

func (v Venue) Location() Location {
	return Location{Lat: v.Lat, Lon: v.Lon, City: v.City}
}

// Fixture is a normalized football match.
type Fixture struct {
	Sport       string    `json:"sport"`
	Level       string    `json:"level"`
	StartsAt    time.Time `json:"starts_at"`
	Competition string    `json:"competition"`
	HomeTeam    string    `json:"home_team"`
	AwayTeam    string    `json:"away_team"`
	Venue       Venue     `json:"venue"`
	SourceURL   string    `json:"source_url"`

	// VenueKey identifies the home venue for lookups; not persisted.
	VenueKey string `json:"-"`
}

// RunRecord summarizes one pipeline run for the run history table.
type RunRecord struct {
	RunID       uuid.UUID      `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Status      string         `json:"status"`
	Sources     int            `json:"sources"`
	Kept        int            `json:"kept"`
	Published   int            `json:"published"`
	FetchErrors int            `json:"fetch_errors"`
	Counters    map[string]int `json:"counters"`
	Error       string         `json:"error,omitempty"`
}

const (
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

// SortFixtures orders by kickoff, then level, home team and away team.
func SortFixtures(fs []Fixture) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.HomeTeam != b.HomeTeam {
			return a.HomeTeam < b.HomeTeam
		}
		return a.AwayTeam < b.AwayTeam
	})
}
