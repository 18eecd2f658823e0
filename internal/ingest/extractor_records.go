package ingest

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/microcosm-cc/bluemonday"
)

var (
	containerKeys = []string{"items", "data", "matches", "matchs", "results", "rencontres", "fixtures", "hydra:member"}

	startKeys = []string{"starts_at", "startsAt", "start", "start_time", "startTime", "kickoff", "kick_off", "datetime", "date_time", "dateTime", "date_heure", "date"}
	timeKeys  = []string{"time", "heure", "hour", "kickoff_time", "kickoffTime", "time_of_day"}

	homeKeys = []string{"home_team", "homeTeam", "home", "equipe_dom", "equipeDom", "equipe_domicile", "equipeDomicile", "domicile", "local", "team_home", "home_name"}
	awayKeys = []string{"away_team", "awayTeam", "away", "equipe_ext", "equipeExt", "equipe_exterieur", "equipeExterieur", "exterieur", "visitor", "visiteur", "team_away", "away_name"}
	nameKeys = []string{"name", "display_name", "displayName", "short_name", "shortName", "nom", "libelle", "label", "title"}
	linkKeys = []string{"url", "href", "link", "permalink"}

	venueKeys   = []string{"venue", "terrain", "stade", "stadium", "location", "lieu", "ground"}
	cityKeys    = []string{"city", "ville", "commune", "locality", "town"}
	addressKeys = []string{"address", "adresse"}
	streetKeys  = []string{"street", "rue", "line1", "street_address", "streetAddress"}
	postalKeys  = []string{"postal_code", "postalCode", "code_postal", "zip", "cp"}
	latKeys     = []string{"lat", "latitude"}
	lonKeys     = []string{"lon", "lng", "long", "longitude"}
	geoKeys     = []string{"geo", "coordinates", "position", "gps"}

	matchURLKeys = []string{"match_url", "matchUrl", "source_url", "url", "link", "href", "permalink"}

	trailingClockRe = regexp.MustCompile(`\d{1,2}\s*[h:]\s*(?:\d{2})?\s*$`)
)

// RecordExtractor decodes JSON calendars from the federation API.
type RecordExtractor struct {
	normalizer *DateNormalizer
	sanitizer  *bluemonday.Policy
}

func NewRecordExtractor(normalizer *DateNormalizer) *RecordExtractor {
	if normalizer == nil {
		normalizer = NewDateNormalizer(nil)
	}
	return &RecordExtractor{
		normalizer: normalizer,
		sanitizer:  bluemonday.StrictPolicy(),
	}
}

func (e *RecordExtractor) Extract(content []byte, baseURL string) (page Page) {
	defer func() {
		if r := recover(); r != nil {
			page = Page{}
		}
	}()

	var root any
	if err := sonic.Unmarshal(content, &root); err != nil {
		return Page{}
	}

	for _, rec := range recordList(root, 2) {
		m, ok := rec.(map[string]any)
		if !ok {
			page.Misses++
			continue
		}
		cand, ok := e.candidate(m, baseURL)
		if !ok {
			page.Misses++
			continue
		}
		page.Candidates = append(page.Candidates, cand)
	}
	page.NextURL = nextPointer(root, baseURL)
	return page
}

func recordList(root any, depth int) []any {
	switch v := root.(type) {
	case []any:
		return v
	case map[string]any:
		if depth <= 0 {
			return nil
		}
		for _, k := range containerKeys {
			if inner, ok := v[k]; ok {
				if list := recordList(inner, depth-1); list != nil {
					return list
				}
			}
		}
	}
	return nil
}

func (e *RecordExtractor) candidate(rec map[string]any, baseURL string) (RawCandidate, bool) {
	when, ok := e.kickoff(rec)
	if !ok {
		return RawCandidate{}, false
	}

	home, homeLink := e.team(rec, homeKeys, 0)
	away, _ := e.team(rec, awayKeys, 1)
	if home == "" || away == "" || FoldName(home) == FoldName(away) {
		return RawCandidate{}, false
	}

	cand := RawCandidate{
		DateTimeText: when,
		HomeText:     home,
		AwayText:     away,
		OriginURL:    baseURL,
		Venue:        e.venue(rec),
	}
	if link := stringAt(rec, matchURLKeys...); link != "" {
		cand.OriginURL = resolveURL(baseURL, link)
	}
	if homeLink != "" {
		cand.Venue.Key = CanonicalizeURL(resolveURL(baseURL, homeLink))
	}
	return cand, true
}

// kickoff returns timestamp text the DateNormalizer accepts. A separate
// time-of-day field always wins over the clock of the date value; the calendar
// date is read in the value's own offset.
func (e *RecordExtractor) kickoff(rec map[string]any) (string, bool) {
	raw := stringAt(rec, startKeys...)
	if raw == "" {
		return "", false
	}
	if tod := strings.TrimSpace(stringAt(rec, timeKeys...)); tod != "" {
		if t, err := e.normalizer.ParseDateAndTime(raw, tod); err == nil {
			return t.Format(time.RFC3339), true
		}
	}
	if _, err := e.normalizer.Parse(raw); err == nil {
		return raw, true
	}
	tod := trailingClockRe.FindString(raw)
	if tod == "" {
		return "", false
	}
	t, err := e.normalizer.ParseDateAndTime(raw, strings.TrimSpace(tod))
	if err != nil {
		return "", false
	}
	return t.Format(time.RFC3339), true
}

// team resolves a display name from flat keys, nested objects, a teams{home,away}
// object, or the side-th element of a teams/participants array.
func (e *RecordExtractor) team(rec map[string]any, keys []string, side int) (string, string) {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if name, link := e.teamValue(v); name != "" {
				return name, link
			}
		}
	}
	if teams, ok := rec["teams"].(map[string]any); ok {
		for _, k := range keys {
			if v, ok := teams[k]; ok {
				if name, link := e.teamValue(v); name != "" {
					return name, link
				}
			}
		}
	}
	for _, k := range []string{"teams", "participants", "equipes"} {
		if arr, ok := rec[k].([]any); ok && len(arr) == 2 {
			return e.teamValue(arr[side])
		}
	}
	return "", ""
}

func (e *RecordExtractor) teamValue(v any) (string, string) {
	switch t := v.(type) {
	case string:
		return e.clean(t), ""
	case map[string]any:
		name := stringAt(t, nameKeys...)
		if name == "" {
			if club, ok := t["club"].(map[string]any); ok {
				name = stringAt(club, nameKeys...)
			}
		}
		return e.clean(name), stringAt(t, linkKeys...)
	}
	return "", ""
}

func (e *RecordExtractor) venue(rec map[string]any) VenueHint {
	var hint VenueHint
	for _, k := range venueKeys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			hint.Name = e.clean(t)
		case map[string]any:
			hint.Name = e.clean(stringAt(t, nameKeys...))
			hint.City = e.clean(stringAt(t, cityKeys...))
			hint.Address, hint.City = e.address(t, hint.City)
			hint.Lat, hint.Lon = coordinates(t)
		}
		if hint.Name != "" || hint.City != "" || hint.HasCoordinates() {
			break
		}
	}
	if hint.City == "" {
		hint.City = e.clean(stringAt(rec, cityKeys...))
	}
	if !hint.HasCoordinates() {
		hint.Lat, hint.Lon = coordinates(rec)
	}
	return hint
}

func (e *RecordExtractor) address(m map[string]any, city string) (string, string) {
	for _, k := range addressKeys {
		switch a := m[k].(type) {
		case string:
			return e.clean(a), city
		case map[string]any:
			if city == "" {
				city = e.clean(stringAt(a, cityKeys...))
			}
			parts := make([]string, 0, 3)
			for _, p := range []string{stringAt(a, streetKeys...), stringAt(a, postalKeys...), stringAt(a, cityKeys...)} {
				if p = e.clean(p); p != "" {
					parts = append(parts, p)
				}
			}
			return strings.Join(parts, " "), city
		}
	}
	return "", city
}

func coordinates(m map[string]any) (float64, float64) {
	lat, okLat := floatAt(m, latKeys...)
	lon, okLon := floatAt(m, lonKeys...)
	if okLat && okLon && validCoordinate(lat, lon) {
		return lat, lon
	}
	for _, k := range geoKeys {
		if g, ok := m[k].(map[string]any); ok {
			lat, okLat = floatAt(g, latKeys...)
			lon, okLon = floatAt(g, lonKeys...)
			if okLat && okLon && validCoordinate(lat, lon) {
				return lat, lon
			}
		}
	}
	return 0, 0
}

func validCoordinate(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && (lat != 0 || lon != 0)
}

func (e *RecordExtractor) clean(s string) string {
	if s == "" {
		return ""
	}
	return normalizeSpace(html.UnescapeString(e.sanitizer.Sanitize(s)))
}

// nextPointer reads next, next_page, links.next, pagination.next or
// hydra:view.hydra:next. A bare page number is applied to baseURL's page parameter.
func nextPointer(root any, baseURL string) string {
	m, ok := root.(map[string]any)
	if !ok {
		return ""
	}
	candidates := []any{m["next"], m["next_page"], m["nextPage"]}
	for _, k := range []string{"links", "pagination", "meta", "_links"} {
		if inner, ok := m[k].(map[string]any); ok {
			candidates = append(candidates, inner["next"], inner["next_page"], inner["nextPage"])
		}
	}
	if view, ok := m["hydra:view"].(map[string]any); ok {
		candidates = append(candidates, view["hydra:next"])
	}

	for _, c := range candidates {
		switch v := c.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return resolveURL(baseURL, v)
			}
		case map[string]any:
			if href := stringAt(v, "href", "url"); href != "" {
				return resolveURL(baseURL, href)
			}
		case float64:
			if v > 0 {
				return withPageParam(baseURL, int(v))
			}
		}
	}
	return ""
}

func withPageParam(baseURL string, page int) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func stringAt(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func floatAt(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(v, ",", ".")), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
