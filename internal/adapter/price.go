package adapter

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const numberPattern = `\d{1,3}(?:[ .,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`

var (
	numberRe    = regexp.MustCompile(numberPattern)
	bgnPriceRe  = regexp.MustCompile(`(?i)(` + numberPattern + `)\s*лв`)
	listPriceRe = regexp.MustCompile(`(?i)ПЦД:\s*(` + numberPattern + `)\s*лв`)
)

// parsePrice extracts the first number in text, accepting either comma or dot as
// the decimal separator and space, dot or comma as thousands separators.
func parsePrice(text string) *float64 {
	m := numberRe.FindString(normalizeSpaces(text))
	if m == "" {
		return nil
	}
	return normalizeNumber(m)
}

// parseBGN extracts the first amount followed by the лв currency marker.
func parseBGN(text string) *float64 {
	return submatchPrice(bgnPriceRe, text)
}

func submatchPrice(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(normalizeSpaces(text))
	if len(m) < 2 {
		return nil
	}
	return normalizeNumber(m[1])
}

func normalizeNumber(s string) *float64 {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil
	}
	last := strings.LastIndexAny(s, ".,")
	strip := strings.NewReplacer(".", "", ",", "")
	if last >= 0 && len(s)-last-1 <= 2 {
		s = strip.Replace(s[:last]) + "." + s[last+1:]
	} else {
		s = strip.Replace(s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	v = math.Round(v*100) / 100
	return &v
}

func normalizeSpaces(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

// regularPromo maps an (old, current) price pair onto regular and promo prices:
// with a struck-out price the current one is the promo, otherwise it is regular.
func regularPromo(old, current *float64) (regular, promo *float64) {
	switch {
	case old != nil && current != nil:
		return old, current
	case old != nil:
		return old, nil
	default:
		return current, nil
	}
}
