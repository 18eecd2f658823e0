package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	crerr "github.com/cockroachdb/errors"
)

var (
	parisLocation     = loadLocation("Europe/Paris")
	defaultNormalizer = NewDateNormalizer(parisLocation)
)

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}

// Paris returns the civil timezone the federation publishes kickoffs in.
func Paris() *time.Location {
	return parisLocation
}

// monthAliases maps accent-folded month spellings seen on the source pages.
var monthAliases = map[string]time.Month{
	"janv": time.January, "jan": time.January, "janvier": time.January,
	"fevr": time.February, "fev": time.February, "fevrier": time.February, "fvr": time.February, "fe": time.February,
	"mars": time.March, "mar": time.March,
	"avr": time.April, "avril": time.April,
	"mai": time.May,
	"juin": time.June,
	"juil": time.July, "juillet": time.July,
	"aout": time.August, "aou": time.August,
	"sept": time.September, "sep": time.September, "septembre": time.September,
	"oct": time.October, "octobre": time.October,
	"nov": time.November, "novembre": time.November,
	"dec": time.December, "decembre": time.December,
}

var (
	// "sam. 14 fevr. 2026 - 18h00", weekday optional, minutes optional.
	frenchKickoffRe = regexp.MustCompile(`(?:([a-z]{2,9})\.?\s+)?(\d{1,2})(?:er)?\s+([a-z]{2,9})\.?\s+(\d{4})(?:\s*(?:-|–|—|a)\s*|\s+)(\d{1,2})\s*h\s*(\d{2})?`)
	isoKickoffRe    = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})[T ](\d{2}):(\d{2})(?::(\d{2})(?:\.\d+)?)?\s*(Z|[+-]\d{2}:?\d{2})?`)

	isoDateRe      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})`)
	slashDateRe    = regexp.MustCompile(`^(\d{1,2})[/.](\d{1,2})[/.](\d{4})`)
	longDateRe     = regexp.MustCompile(`(\d{1,2})(?:er)?\s+([a-z]{2,9})\.?\s+(\d{4})`)
	timeOfDayRe    = regexp.MustCompile(`^(\d{1,2})\s*(?:[h:]\s*(\d{2})?)?`)
	shortWeekdays  = [...]string{"dim.", "lun.", "mar.", "mer.", "jeu.", "ven.", "sam."}
	shortMonthsOut = [...]string{"", "janv.", "févr.", "mars", "avr.", "mai", "juin", "juil.", "août", "sept.", "oct.", "nov.", "déc."}
)

// DateNormalizer parses kickoff text into zoned timestamps.
type DateNormalizer struct {
	loc *time.Location
}

// NewDateNormalizer returns a normalizer anchored to loc (Europe/Paris when nil).
func NewDateNormalizer(loc *time.Location) *DateNormalizer {
	if loc == nil {
		loc = parisLocation
	}
	return &DateNormalizer{loc: loc}
}

func (n *DateNormalizer) Location() *time.Location {
	return n.loc
}

// Parse extracts the first valid kickoff from text. The French listing grammar
// is tried first, then ISO-8601. Offset-less ISO values are read as local civil
// time; values with an offset are converted into the local zone.
func (n *DateNormalizer) Parse(text string) (time.Time, error) {
	folded := foldAccents(text)
	if t, ok := n.parseFrench(folded); ok {
		return t, nil
	}
	if t, ok := n.parseISO(folded); ok {
		return t, nil
	}
	return time.Time{}, crerr.Wrapf(ErrTimeParse, "%q", abbreviate(text, 80))
}

// Matches reports whether text contains a parseable kickoff.
func (n *DateNormalizer) Matches(text string) bool {
	_, err := n.Parse(text)
	return err == nil
}

func (n *DateNormalizer) parseFrench(folded string) (time.Time, bool) {
	for _, m := range frenchKickoffRe.FindAllStringSubmatch(folded, -1) {
		month, ok := monthAliases[m[3]]
		if !ok {
			continue
		}
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[4])
		hour, _ := strconv.Atoi(m[5])
		minute := 0
		if m[6] != "" {
			minute, _ = strconv.Atoi(m[6])
		}
		if t, ok := n.civil(year, month, day, hour, minute); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func (n *DateNormalizer) parseISO(folded string) (time.Time, bool) {
	upper := strings.ToUpper(folded)
	for _, m := range isoKickoffRe.FindAllStringSubmatch(upper, -1) {
		year, _ := strconv.Atoi(m[1])
		mon, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		if mon < 1 || mon > 12 {
			continue
		}
		if m[7] == "" {
			if t, ok := n.civil(year, time.Month(mon), day, hour, minute); ok {
				return t, true
			}
			continue
		}
		zone, ok := parseOffset(m[7])
		if !ok || !validClock(hour, minute) || !validDay(year, time.Month(mon), day) {
			continue
		}
		t := time.Date(year, time.Month(mon), day, hour, minute, 0, 0, zone)
		return t.In(n.loc), true
	}
	return time.Time{}, false
}

// ParseDateAndTime composes a kickoff from separate date and time-of-day fields.
// Dates may be ISO (2026-02-14), numeric (14/02/2026) or French (14 février 2026);
// times may be 18h30, 18h, 18:30 or 18. An empty time defaults to midnight.
func (n *DateNormalizer) ParseDateAndTime(date, tod string) (time.Time, error) {
	date = strings.TrimSpace(foldAccents(date))
	year, month, day, ok := splitDate(date)
	if !ok {
		return time.Time{}, crerr.Wrapf(ErrTimeParse, "date %q", abbreviate(date, 40))
	}
	hour, minute := 0, 0
	if tod = strings.TrimSpace(strings.ToLower(tod)); tod != "" {
		m := timeOfDayRe.FindStringSubmatch(tod)
		if m == nil {
			return time.Time{}, crerr.Wrapf(ErrTimeParse, "time %q", abbreviate(tod, 20))
		}
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
	}
	t, ok := n.civil(year, month, day, hour, minute)
	if !ok {
		return time.Time{}, crerr.Wrapf(ErrTimeParse, "%s %s", date, tod)
	}
	return t, nil
}

// FormatKickoff renders t in the listing grammar, e.g. "sam. 14 févr. 2026 - 18h00".
func (n *DateNormalizer) FormatKickoff(t time.Time) string {
	t = t.In(n.loc)
	return fmt.Sprintf("%s %d %s %d - %02dh%02d",
		shortWeekdays[t.Weekday()], t.Day(), shortMonthsOut[t.Month()], t.Year(), t.Hour(), t.Minute())
}

func (n *DateNormalizer) civil(year int, month time.Month, day, hour, minute int) (time.Time, bool) {
	if year < 1900 || year > 2200 || !validDay(year, month, day) || !validClock(hour, minute) {
		return time.Time{}, false
	}
	return time.Date(year, month, day, hour, minute, 0, 0, n.loc), true
}

func splitDate(s string) (int, time.Month, int, bool) {
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return y, time.Month(mo), d, mo >= 1 && mo <= 12
	}
	if m := slashDateRe.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		return y, time.Month(mo), d, mo >= 1 && mo <= 12
	}
	if m := longDateRe.FindStringSubmatch(s); m != nil {
		mo, ok := monthAliases[m[2]]
		if !ok {
			return 0, 0, 0, false
		}
		d, _ := strconv.Atoi(m[1])
		y, _ := strconv.Atoi(m[3])
		return y, mo, d, true
	}
	return 0, 0, 0, false
}

func validDay(year int, month time.Month, day int) bool {
	if month < time.January || month > time.December || day < 1 {
		return false
	}
	// Day 0 of the following month is the last day of this one.
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return day <= last
}

func validClock(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

func parseOffset(s string) (*time.Location, bool) {
	if s == "Z" {
		return time.UTC, true
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(s[1:], ":", "")
	if len(digits) != 4 {
		return nil, false
	}
	h, err1 := strconv.Atoi(digits[:2])
	m, err2 := strconv.Atoi(digits[2:])
	if err1 != nil || err2 != nil || h > 14 || m > 59 {
		return nil, false
	}
	return time.FixedZone("", sign*(h*3600+m*60)), true
}

func abbreviate(s string, n int) string {
	r := []rune(normalizeSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
