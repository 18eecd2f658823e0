package ingest

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultTeamLookahead = 24

var (
	defaultTeamLinkRe  = regexp.MustCompile(`(?i)/(equipe|equipes|club|clubs|team|teams)([/?#.-]|$)`)
	defaultMatchLinkRe = regexp.MustCompile(`(?i)/(match|matchs|rencontre|rencontres|feuille-de-match)([/?#.-]|$)`)

	scorePairRe  = regexp.MustCompile(`^\d{1,2}\s*[-:]?\s*\d{1,2}$`)
	clockRe      = regexp.MustCompile(`^\d{1,2}\s*[h:]\s*\d{0,2}$`)
	roundLabelRe = regexp.MustCompile(`^(?:(?:journee|j|tour|groupe|poule|phase|match)\s*n?°?\s*\d+|\d+\s*(?:e|er|eme|ere)\s+(?:journee|tour))\b`)
	dateOnlyRe   = regexp.MustCompile(`\d{1,2}(?:er)?\s+[a-z]{2,9}\.?\s+\d{4}\s*$`)
	pageParamRe  = regexp.MustCompile(`(?i)^(page|p|journee|j|offset|start|day|pg)$`)
)

// Labels that never name a team: navigation, breadcrumbs, statuses.
var noiseLabels = map[string]struct{}{
	"accueil": {}, "competitions": {}, "competition": {}, "calendrier": {}, "classement": {},
	"resultats": {}, "resultat": {}, "agenda": {}, "journee": {}, "suivant": {}, "precedent": {},
	"page suivante": {}, "page precedente": {}, "voir": {}, "detail": {}, "details": {},
	"voir le match": {}, "feuille de match": {}, "fiche match": {}, "exempt": {}, "retour": {},
	"menu": {}, "rechercher": {}, "recherche": {}, "vs": {}, "contre": {}, "score": {},
	"forfait": {}, "reporte": {}, "report": {}, "annule": {}, "a jouer": {}, "domicile": {},
	"exterieur": {}, "terrain": {}, "stade": {}, "lieu": {}, "arbitre": {}, "plus": {},
	"imprimer": {}, "partager": {}, "filtrer": {}, "toutes les journees": {},
}

var nextSentinels = []string{"page suivante", "suivant", "suivante", "next", "»", "›", ">"}

// Inline formatting keeps its text joined to the surrounding run; every other
// element boundary ends a token.
var inlineAtoms = map[atom.Atom]bool{
	atom.B: true, atom.I: true, atom.Em: true, atom.Strong: true, atom.U: true, atom.S: true,
	atom.Small: true, atom.Big: true, atom.Sub: true, atom.Sup: true, atom.Mark: true,
	atom.Abbr: true, atom.Font: true, atom.Tt: true, atom.Wbr: true, atom.Time: true,
}

func splitsTokens(n *html.Node) bool {
	return n.Type == html.ElementNode && !inlineAtoms[n.DataAtom]
}

type textToken struct {
	Text string
	Href string
}

// TokenExtractor scans the visible text of a calendar page as an ordered token
// stream: a kickoff token followed, within a bounded lookahead, by two team names.
type TokenExtractor struct {
	normalizer  *DateNormalizer
	competition string
	teamLink    *regexp.Regexp
	matchLink   *regexp.Regexp
	Lookahead   int
}

func NewTokenExtractor(src SourceConfig, normalizer *DateNormalizer) *TokenExtractor {
	if normalizer == nil {
		normalizer = NewDateNormalizer(nil)
	}
	e := &TokenExtractor{
		normalizer:  normalizer,
		competition: FoldName(src.Competition),
		teamLink:    defaultTeamLinkRe,
		matchLink:   defaultMatchLinkRe,
		Lookahead:   defaultTeamLookahead,
	}
	if src.TeamLinkPattern != "" {
		if re, err := regexp.Compile(src.TeamLinkPattern); err == nil {
			e.teamLink = re
		}
	}
	if src.MatchLinkPattern != "" {
		if re, err := regexp.Compile(src.MatchLinkPattern); err == nil {
			e.matchLink = re
		}
	}
	return e
}

func (e *TokenExtractor) Extract(content []byte, baseURL string) (page Page) {
	defer func() {
		if r := recover(); r != nil {
			page = Page{}
		}
	}()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return Page{}
	}
	doc.Find("script, style, noscript, template, head, svg").Remove()

	tokens := tokenize(doc, baseURL)
	page.Candidates, page.Misses = e.scan(tokens, baseURL)
	page.NextURL = e.nextPage(doc, tokens, baseURL)
	return page
}

// tokenize walks the DOM in document order. Element boundaries delimit tokens,
// except for inline formatting.
func tokenize(doc *goquery.Document, baseURL string) []textToken {
	var (
		tokens []textToken
		buf    strings.Builder
		href   string
	)
	flush := func() {
		text := normalizeSpace(buf.String())
		buf.Reset()
		if text != "" {
			tokens = append(tokens, textToken{Text: text, Href: href})
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			buf.WriteString(n.Data)
			buf.WriteByte(' ')
			return
		case html.ElementNode:
			if splitsTokens(n) {
				flush()
			}
			if n.DataAtom == atom.A {
				href = anchorHref(n, baseURL)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if splitsTokens(n) {
			flush()
			if n.DataAtom == atom.A {
				href = ""
			}
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	flush()
	return tokens
}

func anchorHref(n *html.Node, baseURL string) string {
	for _, a := range n.Attr {
		if a.Key != "href" {
			continue
		}
		v := strings.TrimSpace(a.Val)
		lower := strings.ToLower(v)
		if v == "" || strings.HasPrefix(v, "#") || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
			return ""
		}
		return resolveURL(baseURL, v)
	}
	return ""
}

type teamToken struct {
	index  int
	name   string
	href   string
	anchor bool
}

func (e *TokenExtractor) scan(tokens []textToken, baseURL string) ([]RawCandidate, int) {
	var (
		out    []RawCandidate
		misses int
	)
	for i := 0; i < len(tokens); {
		dateText, width, ok := e.dateAt(tokens, i)
		if !ok {
			i++
			continue
		}

		cand, next, found := e.seekTeams(tokens, i+width, baseURL)
		if !found {
			misses++
			i += width
			continue
		}
		cand.DateTimeText = dateText
		if cand.OriginURL == baseURL && tokens[i].Href != "" && e.matchLink.MatchString(tokens[i].Href) {
			cand.OriginURL = tokens[i].Href
		}
		out = append(out, cand)
		i = next
	}
	return out, misses
}

// dateAt reports whether a kickoff starts at token i. A date and a bare clock
// in separate cells count as one kickoff spanning both, along with any
// punctuation-only tokens between them.
func (e *TokenExtractor) dateAt(tokens []textToken, i int) (string, int, bool) {
	text := tokens[i].Text
	if utf8.RuneCountInString(text) > 120 {
		return "", 0, false
	}
	if e.normalizer.Matches(text) {
		return text, 1, true
	}
	date := strings.TrimRight(text, dateSeparators)
	if !dateOnlyRe.MatchString(foldAccents(date)) {
		return "", 0, false
	}
	j := i + 1
	for j < len(tokens) && isSeparator(tokens[j].Text) {
		j++
	}
	if j < len(tokens) && clockRe.MatchString(foldAccents(tokens[j].Text)) {
		joined := date + " - " + tokens[j].Text
		if e.normalizer.Matches(joined) {
			return joined, j - i + 1, true
		}
	}
	return "", 0, false
}

const dateSeparators = " -–—:|,à"

func isSeparator(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (e *TokenExtractor) seekTeams(tokens []textToken, start int, baseURL string) (RawCandidate, int, bool) {
	limit := start + e.Lookahead
	if limit > len(tokens) {
		limit = len(tokens)
	}

	var anchors, plain []teamToken
	matchURL := ""
	for j := start; j < limit; j++ {
		tk := tokens[j]
		if _, _, isDate := e.dateAt(tokens, j); isDate {
			break
		}
		if tk.Href != "" && matchURL == "" && e.matchLink.MatchString(tk.Href) {
			matchURL = tk.Href
		}
		if len(anchors) >= 2 {
			// Keep looking only for a per-match link.
			continue
		}
		if !e.isTeamName(tk.Text) {
			continue
		}
		t := teamToken{index: j, name: cleanTeamName(tk.Text), href: tk.Href}
		if tk.Href != "" && e.teamLink.MatchString(tk.Href) {
			t.anchor = true
			anchors = append(anchors, t)
		}
		if len(plain) < 2 {
			plain = append(plain, t)
		}
	}

	pair := plain
	if len(anchors) >= 2 {
		pair = anchors
	}
	if len(pair) < 2 || FoldName(pair[0].name) == FoldName(pair[1].name) {
		return RawCandidate{}, 0, false
	}

	cand := RawCandidate{
		HomeText:  pair[0].name,
		AwayText:  pair[1].name,
		OriginURL: baseURL,
	}
	if matchURL != "" {
		cand.OriginURL = matchURL
	}
	if pair[0].anchor {
		cand.Venue.Key = CanonicalizeURL(pair[0].href)
	}
	return cand, pair[1].index + 1, true
}

func (e *TokenExtractor) isTeamName(text string) bool {
	n := utf8.RuneCountInString(text)
	if n < 2 || n > 60 || !hasLetter(text) {
		return false
	}
	folded := FoldName(strings.Trim(text, " -–—:|•·"))
	if folded == "" {
		return false
	}
	if _, ok := noiseLabels[folded]; ok {
		return false
	}
	if scorePairRe.MatchString(folded) || clockRe.MatchString(folded) || roundLabelRe.MatchString(folded) || dateOnlyRe.MatchString(folded) {
		return false
	}
	if e.competition != "" && (folded == e.competition || strings.Contains(folded, e.competition)) {
		return false
	}
	for _, s := range nextSentinels {
		if folded == s {
			return false
		}
	}
	return true
}

func cleanTeamName(s string) string {
	return normalizeSpace(strings.Trim(s, " -–—:|•·"))
}

// nextPage resolves the pagination pointer: rel=next, then a "next" sentinel
// label followed by the nearest link, then another page of the same calendar.
func (e *TokenExtractor) nextPage(doc *goquery.Document, tokens []textToken, baseURL string) string {
	current := CanonicalizeURL(baseURL)
	usable := func(href string) bool {
		return href != "" && CanonicalizeURL(href) != current
	}

	var next string
	doc.Find(`a[rel~="next"], link[rel~="next"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if href, ok := s.Attr("href"); ok {
			if abs := resolveURL(baseURL, href); usable(abs) && !strings.HasPrefix(strings.TrimSpace(href), "#") {
				next = abs
				return false
			}
		}
		return true
	})
	if next != "" {
		return next
	}

	doc.Find("a[aria-label], a[title]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := FoldName(s.AttrOr("aria-label", "") + " " + s.AttrOr("title", ""))
		if strings.Contains(label, "suivant") || label == "next" || strings.Contains(label, "next page") {
			if href, ok := s.Attr("href"); ok {
				if abs := resolveURL(baseURL, href); usable(abs) && !strings.HasPrefix(strings.TrimSpace(href), "#") {
					next = abs
					return false
				}
			}
		}
		return true
	})
	if next != "" {
		return next
	}

	for i, tk := range tokens {
		if !isNextSentinel(tk.Text) {
			continue
		}
		for j := i; j < len(tokens) && j <= i+3; j++ {
			if usable(tokens[j].Href) {
				return tokens[j].Href
			}
		}
	}

	return sameCalendarLink(tokens, baseURL, current)
}

func isNextSentinel(text string) bool {
	folded := FoldName(text)
	for _, s := range nextSentinels {
		if folded == s {
			return true
		}
	}
	return strings.HasPrefix(folded, "page suivante") || strings.HasPrefix(folded, "suivant")
}

// sameCalendarLink returns a link to the same host and path with a different
// query, preferring ones that differ on a paging parameter.
func sameCalendarLink(tokens []textToken, baseURL, current string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	var first string
	for _, tk := range tokens {
		if tk.Href == "" {
			continue
		}
		u, err := url.Parse(tk.Href)
		if err != nil || !strings.EqualFold(u.Host, base.Host) || u.Path != base.Path {
			continue
		}
		if CanonicalizeURL(tk.Href) == current {
			continue
		}
		if differsOnPageParam(base.Query(), u.Query()) {
			return tk.Href
		}
		if first == "" {
			first = tk.Href
		}
	}
	return first
}

func differsOnPageParam(a, b url.Values) bool {
	for k := range b {
		if pageParamRe.MatchString(k) && a.Get(k) != b.Get(k) {
			return true
		}
	}
	return false
}
