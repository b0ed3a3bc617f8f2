package extractor

import (
	"regexp"
	"strings"
	"time"
)

// OCR text from photographed signage is noisy and multi-candidate. The
// extractors return every candidate they find, best-first; picking a single
// value per field is the processor's job.

const nameLineWindow = 3

var (
	// A line that is mostly a decimal number is a price or a measurement,
	// not a business name.
	decimalLineRe = regexp.MustCompile(`\d+\.\d+`)

	// Sequence of capitalized words, the fallback business-name heuristic.
	capitalizedRunRe = regexp.MustCompile(`[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*`)

	// Currency amounts with explicit cents, e.g. "$12.34".
	priceRe = regexp.MustCompile(`\$(\d+\.\d{2})`)
)

// dateRule pairs an expiration phrasing with its priority. Rules are tried
// in order; explicit "expires"/"valid until" phrasing outranks a bare date.
type dateRule struct {
	name string
	re   *regexp.Regexp
}

var dateRules = []dateRule{
	{"expires", regexp.MustCompile(`(?i)exp(?:ires?)?\s*:?\s*(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`)},
	{"valid_until", regexp.MustCompile(`(?i)valid\s+until\s+(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`)},
	{"good_through", regexp.MustCompile(`(?i)good\s+through\s+(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`)},
	{"offer_ends", regexp.MustCompile(`(?i)(?:offer\s+)?ends?\s+(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`)},
	{"bare_date", regexp.MustCompile(`(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`)},
}

// Go's reference layouts accept unpadded components, so four layouts cover
// every month/day/year combination the rules can capture.
var dateLayouts = []string{
	"1/2/2006",
	"1/2/06",
	"1-2-2006",
	"1-2-06",
}

// Years before the pivot are shifted forward a century, so a 2-digit year
// below 50 reads as 20xx.
const centuryPivotYear = 1950

// DateCandidate is one date-shaped match. Parsed is nil when no layout
// accepted the raw token.
type DateCandidate struct {
	Rule   string
	Raw    string
	Parsed *time.Time
}

// BusinessNames returns name candidates from the first lines of the text,
// in line order. A line qualifies when its trimmed length exceeds 3 and it
// does not look like a decimal number.
func BusinessNames(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > nameLineWindow {
		lines = lines[:nameLineWindow]
	}

	var names []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > 3 && !decimalLineRe.MatchString(trimmed) {
			names = append(names, trimmed)
		}
	}
	return names
}

// BusinessNameFallback returns the first capitalized-word run in the text,
// or "" when there is none. Used only when BusinessNames finds nothing.
func BusinessNameFallback(text string) string {
	return capitalizedRunRe.FindString(text)
}

// Prices returns every dollars-and-cents amount in order of appearance,
// without the currency sign.
func Prices(text string) []string {
	var prices []string
	for _, match := range priceRe.FindAllStringSubmatch(text, -1) {
		prices = append(prices, match[1])
	}
	return prices
}

// ExpirationDates applies the date rules in priority order and returns every
// match. Candidates that no layout can parse keep a nil Parsed and are
// skipped downstream in favor of the next candidate.
func ExpirationDates(text string) []DateCandidate {
	var candidates []DateCandidate
	seen := make(map[string]bool)

	for _, rule := range dateRules {
		for _, match := range rule.re.FindAllStringSubmatch(text, -1) {
			raw := match[1]
			if seen[raw] {
				continue
			}
			seen[raw] = true
			candidates = append(candidates, DateCandidate{
				Rule:   rule.name,
				Raw:    raw,
				Parsed: parseDate(raw),
			})
		}
	}
	return candidates
}

func parseDate(raw string) *time.Time {
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if parsed.Year() < centuryPivotYear {
			parsed = parsed.AddDate(100, 0, 0)
		}
		return &parsed
	}
	return nil
}
