package ingest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var amountNumberRe = regexp.MustCompile(`\d[\d,\.]*`)

// parseAmount reads a monetary amount from a value produced by an extraction
// pass. Strings like "$50,000", "EUR 1.250.000" and "up to 75000" are
// accepted; when a range is given the larger figure is returned.
func parseAmount(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseAmountText(n)
	}
	return 0, false
}

func parseAmountText(text string) (float64, bool) {
	lower := strings.ToLower(text)
	matches := amountNumberRe.FindAllString(text, -1)
	var best float64
	found := false
	for _, m := range matches {
		val, ok := parseNumberToken(m)
		if !ok {
			continue
		}
		if strings.Contains(lower, "million") || strings.Contains(lower, " mio") {
			val *= 1_000_000
		} else if strings.HasSuffix(strings.TrimSpace(lower), "k") {
			val *= 1_000
		}
		if !found || val > best {
			best = val
			found = true
		}
	}
	return best, found
}

// parseNumberToken handles both "1,000.50" and the European "1.000,50".
func parseNumberToken(tok string) (float64, bool) {
	tok = strings.TrimRight(tok, ".,")
	if tok == "" {
		return 0, false
	}
	lastDot := strings.LastIndex(tok, ".")
	lastComma := strings.LastIndex(tok, ",")

	var clean string
	switch {
	case lastComma > lastDot && len(tok)-lastComma-1 != 3:
		// comma is the decimal separator
		clean = strings.ReplaceAll(tok, ".", "")
		clean = strings.Replace(clean, ",", ".", 1)
	case lastDot > lastComma && strings.Count(tok, ".") > 1:
		clean = strings.ReplaceAll(tok, ".", "")
		clean = strings.ReplaceAll(clean, ",", "")
	case lastDot > lastComma && len(tok)-lastDot-1 == 3 && lastComma == -1 && strings.Count(tok, ".") == 1 && len(tok) > 4:
		// "1.000" with a single dot and three trailing digits is a thousands mark
		clean = strings.ReplaceAll(tok, ".", "")
	default:
		clean = strings.ReplaceAll(tok, ",", "")
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 January 2006",
	"2 Jan 2006",
	"01/02/2006",
	"2006/01/02",
}

var datePrefixes = []string{"closing date:", "deadline:", "due date:", "expires:", "closes:", "ends:"}

// parseDate reads a calendar date from an extraction value. Only the day is
// significant: the result is normalized to midnight UTC.
func parseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return dayOf(d), !d.IsZero()
	case *time.Time:
		if d == nil {
			return time.Time{}, false
		}
		return dayOf(*d), !d.IsZero()
	case string:
		text := strings.TrimSpace(d)
		lower := strings.ToLower(text)
		for _, p := range datePrefixes {
			if strings.HasPrefix(lower, p) {
				text = strings.TrimSpace(text[len(p):])
				break
			}
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return dayOf(t), true
			}
		}
	}
	return time.Time{}, false
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// textOf renders a field value as comparison text.
func textOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case time.Time:
		return s.Format("2006-01-02")
	case json.Number:
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
