package meter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNoReading means the scraped fragment did not contain the expected
// "aflæst til" value. Usually the portal changed its markup or the
// fetcher grabbed the wrong element.
var ErrNoReading = errors.New("no meter reading in text")

// The portal renders the consumption line in Danish, e.g.
//
//	"Din måler er aflæst til: 442,675 m³ kl. 7.30, d. 28.02.2026"
//
// The value uses a decimal comma. The timestamp is optional and has no
// timezone; it is interpreted in the parser's configured location.
var (
	reValue = regexp.MustCompile(`(?i)aflæst til:\s*([0-9]+,[0-9]+)`)
	reWhen  = regexp.MustCompile(`(?i)kl\.\s*([0-9]{1,2})\.([0-9]{2}),\s*d\.\s*([0-9]{2})\.([0-9]{2})\.([0-9]{4})`)
	reSpace = regexp.MustCompile(`\s+`)
)

// TextParser extracts a Reading from the portal's consumption fragment.
type TextParser struct {
	loc *time.Location
}

// NewTextParser returns a parser that interprets the portal's naive
// timestamps in loc. A nil loc means time.Local.
func NewTextParser(loc *time.Location) *TextParser {
	if loc == nil {
		loc = time.Local
	}
	return &TextParser{loc: loc}
}

func (p *TextParser) Parse(raw string) (Reading, error) {
	txt := strings.TrimSpace(reSpace.ReplaceAllString(raw, " "))

	mv := reValue.FindStringSubmatch(txt)
	if mv == nil {
		return Reading{}, fmt.Errorf("%w: %q", ErrNoReading, truncate(txt, 200))
	}
	m3, err := strconv.ParseFloat(strings.ReplaceAll(mv[1], ",", "."), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("parse value %q: %w", mv[1], err)
	}

	r := Reading{M3: m3}
	if mw := reWhen.FindStringSubmatch(txt); mw != nil {
		hh, _ := strconv.Atoi(mw[1])
		mi, _ := strconv.Atoi(mw[2])
		dd, _ := strconv.Atoi(mw[3])
		mo, _ := strconv.Atoi(mw[4])
		yy, _ := strconv.Atoi(mw[5])
		t := time.Date(yy, time.Month(mo), dd, hh, mi, 0, 0, p.loc)
		r.ObservedAt = &t
	}
	return r, nil
}

// truncate cuts s to at most n bytes without splitting a rune; the
// fragment is Danish text, so multi-byte runes are the norm.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
