package ingest

import (
	"context"
	"io"
	"time"

	"github.com/david/fixture-finder/internal/models"
)

// FetchedDocument represents the raw result of a fetch operation.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	FetchedAt   time.Time
	Headers     map[string][]string
}

// Fetcher retrieves raw content from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// VenueHint carries whatever venue data a page or record exposed next to a match.
type VenueHint struct {
	Key     string
	Name    string
	City    string
	Address string
	Lat     float64
	Lon     float64
}

func (h VenueHint) HasCoordinates() bool {
	return h.Lat != 0 || h.Lon != 0
}

// RawCandidate is an unvalidated fixture pulled from one page or record.
type RawCandidate struct {
	DateTimeText string
	HomeText     string
	AwayText     string
	OriginURL    string
	Venue        VenueHint
}

// Page is what an Extractor recovers from one fetched document.
type Page struct {
	Candidates []RawCandidate
	NextURL    string
	// Misses counts date occurrences or records that produced no candidate.
	Misses int
}

// Extractor turns raw content into candidates plus an optional pagination pointer.
// Implementations must never panic on malformed input.
type Extractor interface {
	Extract(content []byte, baseURL string) Page
}

// VenueResolver resolves coordinates for a venue key. It never fails; unresolved
// keys yield the fallback location.
type VenueResolver interface {
	Resolve(ctx context.Context, key string) models.Location
}
