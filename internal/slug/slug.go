// Package slug handles market slug formatting, parsing, and validation.
// A slug names one minute market: btc-YYYYMMDD-HHMM, always UTC.
package slug

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// slugRegex matches: btc-{YYYYMMDD}-{HHMM}
// Example: btc-20250815-1342
var slugRegex = regexp.MustCompile(`^btc-(\d{8})-(\d{4})$`)

var (
	// ErrInvalidSlug is returned for strings that do not match the
	// slug format or encode an impossible timestamp.
	ErrInvalidSlug = errors.New("slug: invalid market slug")
)

// Format derives the canonical slug for the minute starting at the
// given unix-millisecond timestamp.
func Format(minuteStart int64) string {
	t := time.UnixMilli(minuteStart).UTC()
	return fmt.Sprintf("btc-%04d%02d%02d-%02d%02d",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute())
}

// Parse validates a slug and returns the minute-start timestamp in
// unix milliseconds.
func Parse(s string) (int64, error) {
	m := slugRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSlug, s)
	}
	t, err := time.Parse("20060102-1504", m[1]+"-"+m[2])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSlug, s)
	}
	return t.UnixMilli(), nil
}

// MinuteStart truncates an arbitrary unix-millisecond timestamp to the
// start of its minute.
func MinuteStart(ts int64) int64 {
	return ts - ts%60_000
}
