package venue

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	crerr "github.com/cockroachdb/errors"

	"github.com/david/fixture-finder/internal/ingest"
	"github.com/david/fixture-finder/internal/models"
)

// Lookup resolves a venue key from its source. found is false when the source
// was reachable but carried no usable location; err is set only when it was not.
type Lookup interface {
	Lookup(ctx context.Context, key string) (loc models.Location, found bool, err error)
}

var (
	atCoordsRe   = regexp.MustCompile(`@(-?\d{1,2}\.\d+),(-?\d{1,3}\.\d+)`)
	pairRe       = regexp.MustCompile(`^\s*(-?\d{1,2}\.\d+)\s*,\s*(-?\d{1,3}\.\d+)\s*$`)
	osmFragment  = regexp.MustCompile(`map=\d+(?:\.\d+)?/(-?\d{1,2}\.\d+)/(-?\d{1,3}\.\d+)`)
	postalCityRe = regexp.MustCompile(`(?:^|\D)\d{5}\s+(\p{Lu}[\p{L}'’-]*(?:[ \t]+(?:\p{Lu}[\p{L}'’-]*|sur|sous|en|le|la|les|de|du|aux))*)`)
)

// PageLookup scrapes a club or venue page for map links and a postal address.
type PageLookup struct {
	Fetcher ingest.Fetcher
}

func NewPageLookup(fetcher ingest.Fetcher) *PageLookup {
	return &PageLookup{Fetcher: fetcher}
}

func (l *PageLookup) Lookup(ctx context.Context, key string) (models.Location, bool, error) {
	if !strings.HasPrefix(key, "http://") && !strings.HasPrefix(key, "https://") {
		return models.FallbackLocation(), false, nil
	}
	doc, err := l.Fetcher.Fetch(ctx, key)
	if err != nil {
		return models.Location{}, false, crerr.Wrapf(err, "fetch venue page %s", key)
	}
	body, err := ingest.ReadBody(doc, 0)
	if err != nil {
		return models.Location{}, false, crerr.Wrap(err, "read venue page")
	}
	loc, found := ParsePage(body)
	return loc, found, nil
}

// ParsePage extracts coordinates and city from an HTML page. Missing
// coordinates are replaced by the fallback location; found reports whether
// anything at all was recognized.
func ParsePage(content []byte) (models.Location, bool) {
	loc := models.FallbackLocation()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return loc, false
	}
	doc.Find("script, style, noscript").Remove()

	coords := false
	doc.Find("[data-lat]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		lat, ok1 := parseFloat(s.AttrOr("data-lat", ""))
		lon, ok2 := parseFloat(firstAttr(s, "data-lng", "data-lon", "data-long"))
		if ok1 && ok2 && validCoordinate(lat, lon) {
			loc.Lat, loc.Lon, coords = lat, lon, true
			return false
		}
		return true
	})
	if !coords {
		doc.Find("a[href], iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			ref := firstAttr(s, "href", "src")
			if lat, lon, ok := CoordinatesFromMapURL(ref); ok {
				loc.Lat, loc.Lon, coords = lat, lon, true
				return false
			}
			return true
		})
	}

	city := cityFromText(doc)
	if city != "" {
		loc.City = city
	}
	return loc, coords || city != ""
}

// CoordinatesFromMapURL reads a coordinate pair from Google Maps or
// OpenStreetMap links: "@lat,lon", q/ll/query/destination/center parameters,
// mlat/mlon, or a "#map=zoom/lat/lon" fragment.
func CoordinatesFromMapURL(raw string) (float64, float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, 0, false
	}
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, "google.") && !strings.Contains(lower, "goo.gl") &&
		!strings.Contains(lower, "openstreetmap") && !strings.Contains(lower, "osm.org") &&
		!strings.Contains(lower, "maps.apple") {
		return 0, 0, false
	}
	if m := atCoordsRe.FindStringSubmatch(raw); m != nil {
		if lat, lon, ok := pair(m[1], m[2]); ok {
			return lat, lon, true
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return 0, 0, false
	}
	q := u.Query()
	if lat, lon, ok := pair(q.Get("mlat"), q.Get("mlon")); ok {
		return lat, lon, true
	}
	for _, k := range []string{"q", "ll", "query", "destination", "center", "daddr", "sll"} {
		if m := pairRe.FindStringSubmatch(q.Get(k)); m != nil {
			if lat, lon, ok := pair(m[1], m[2]); ok {
				return lat, lon, true
			}
		}
	}
	if m := osmFragment.FindStringSubmatch(u.Fragment); m != nil {
		if lat, lon, ok := pair(m[1], m[2]); ok {
			return lat, lon, true
		}
	}
	return 0, 0, false
}

func cityFromText(doc *goquery.Document) string {
	var city string
	doc.Find("address, [itemprop=address], .adresse, .address, p, li, td, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 && goquery.NodeName(s) == "div" {
			return true
		}
		if m := postalCityRe.FindStringSubmatch(s.Text()); m != nil {
			city = trimCity(m[1])
			return city == ""
		}
		return true
	})
	return city
}

var cityStopWords = map[string]bool{"france": true, "cedex": true, "tel": true, "tél": true, "tél.": true, "fax": true}

// trimCity cuts the capture at the first word that cannot be part of a city name.
func trimCity(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if cityStopWords[strings.ToLower(strings.Trim(w, ".:"))] {
			words = words[:i]
			break
		}
	}
	for len(words) > 0 {
		last := strings.ToLower(words[len(words)-1])
		if last != "sur" && last != "sous" && last != "en" && last != "le" && last != "la" && last != "les" && last != "de" && last != "du" && last != "aux" {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Trim(strings.Join(words, " "), "-’' ")
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func pair(a, b string) (float64, float64, bool) {
	lat, ok1 := parseFloat(a)
	lon, ok2 := parseFloat(b)
	if !ok1 || !ok2 || !validCoordinate(lat, lon) {
		return 0, 0, false
	}
	return lat, lon, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func validCoordinate(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && (lat != 0 || lon != 0)
}
