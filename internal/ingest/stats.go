package ingest

import (
	"encoding/json"
	"time"

	"github.com/david/fixture-finder/internal/models"
)

// Counters aggregate per-page and per-candidate outcomes. They are the only
// place extraction misses and parse failures surface.
type Counters struct {
	Pages          int `json:"pages"`
	Fetched        int `json:"fetched"`
	FetchErrors    int `json:"fetch_errors"`
	ExtractedOK    int `json:"extracted_ok"`
	ExtractionMiss int `json:"extraction_miss"`
	ParseFail      int `json:"parse_fail"`
	Kept           int `json:"kept"`
}

func (c *Counters) Add(o Counters) {
	c.Pages += o.Pages
	c.Fetched += o.Fetched
	c.FetchErrors += o.FetchErrors
	c.ExtractedOK += o.ExtractedOK
	c.ExtractionMiss += o.ExtractionMiss
	c.ParseFail += o.ParseFail
	c.Kept += o.Kept
}

func (c Counters) Map() map[string]int {
	return map[string]int{
		"pages":           c.Pages,
		"fetched":         c.Fetched,
		"fetch_errors":    c.FetchErrors,
		"extracted_ok":    c.ExtractedOK,
		"extraction_miss": c.ExtractionMiss,
		"parse_fail":      c.ParseFail,
		"kept":            c.Kept,
	}
}

// StopReason records why a source stopped paginating. Every reason is a normal
// termination; FetchError and Timeout keep what was collected so far.
type StopReason string

const (
	StopCovered     StopReason = "covered"
	StopPageCeiling StopReason = "page_ceiling"
	StopBudget      StopReason = "request_budget"
	StopNoNext      StopReason = "no_next_page"
	StopSelfLink    StopReason = "self_link"
	StopCycle       StopReason = "cycle"
	StopFetchError  StopReason = "fetch_error"
	StopTimeout     StopReason = "timeout"
	StopSkipped     StopReason = "skipped"
	StopConfig      StopReason = "config_error"
)

// SourceResult is the outcome of crawling one source.
type SourceResult struct {
	SourceID string
	Fixtures []models.Fixture
	Counters Counters
	Stop     StopReason
	Err      error
	Duration time.Duration
}

// MarshalJSON writes Err as its message; error values have no exported fields.
func (r SourceResult) MarshalJSON() ([]byte, error) {
	type plain SourceResult
	out := struct {
		plain
		Err string `json:",omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Err = r.Err.Error()
	}
	return json.Marshal(out)
}

// RunReport summarizes a pipeline run.
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Finished  time.Time
	Sources   []SourceResult
	Totals    Counters
	// Deduplicated is the fixture count after deduplication, Published after windowing.
	Deduplicated int
	Published    int
	Window       TimeWindow
	Status       string
	// KeptPrevious is set when no source could be fetched and the stored
	// document was left as it was.
	KeptPrevious bool
}

// Partial reports whether any source ended on an error or was skipped.
func (r RunReport) Partial() bool {
	for _, s := range r.Sources {
		if s.Err != nil || s.Stop == StopSkipped {
			return true
		}
	}
	return false
}
