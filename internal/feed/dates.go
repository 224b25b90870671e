package feed

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dateFormats are tried in order. They cover RFC 822 variants used by RSS,
// ISO-8601 variants used by Atom, and a few English locale forms seen in the
// wild.
var dateFormats = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700", // RFC 822 with numeric zone
	"Mon, 02 Jan 2006 15:04:05 MST",   // RFC 822 with zone name
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04:05", // RFC 822 without zone
	"2006-01-02T15:04:05Z07:00", // ISO 8601 with offset or zulu
	"2006-01-02T15:04:05",       // ISO 8601 naive
	"2006-01-02 15:04:05",
	"2006-01-02", // date only
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

var monthAbbrevs = []string{
	"jan", "feb", "mar", "apr", "may", "jun",
	"jul", "aug", "sep", "oct", "nov", "dec",
}

// ResolveDate parses a feed date string. The policy is admission-permissive:
//
//   - a string matching one of the known formats parses exactly (naive times
//     are taken as UTC);
//   - otherwise, a 4-digit year within ±2 of the current year, or any English
//     month abbreviation, dates the item at now − windowDays/2;
//   - otherwise nil, which callers treat as "admit".
func ResolveDate(raw string, windowDays int, now time.Time) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}

	if m := yearPattern.FindString(raw); m != "" {
		year, err := strconv.Atoi(m)
		if err == nil && abs(year-now.Year()) <= 2 {
			t := now.AddDate(0, 0, -windowDays/2)
			return &t
		}
	}

	lower := strings.ToLower(raw)
	for _, month := range monthAbbrevs {
		if strings.Contains(lower, month) {
			t := now.AddDate(0, 0, -windowDays/2)
			return &t
		}
	}

	return nil
}

// WithinWindow reports whether t falls inside the window ending at now.
// A nil date is admitted (permissive null); future dates are not.
func WithinWindow(t *time.Time, windowDays int, now time.Time) bool {
	if t == nil {
		return true
	}
	delta := now.Sub(*t)
	return delta >= 0 && delta <= time.Duration(windowDays)*24*time.Hour
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
