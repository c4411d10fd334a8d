package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Slack timestamps are decimal strings like "1709740000.000100":
// epoch seconds, a dot, and a six-digit uniqueness suffix.

// tsLess compares two Slack timestamps numerically. Malformed values
// sort first so they never hold a watermark back.
func tsLess(a, b string) bool {
	return tsFloat(a) < tsFloat(b)
}

func tsFloat(ts string) float64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return f
}

// tsTime converts a Slack timestamp to wall-clock time. The seconds
// and fraction are parsed as integers: a float round trip can drift
// the sub-second part, and this value feeds window boundaries.
func tsTime(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}

	var nsec int64
	if fracPart != "" {
		frac, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Unix(0, 0).UTC()
		}
		for digits := len(fracPart); digits < 9; digits++ {
			frac *= 10
		}
		for digits := len(fracPart); digits > 9; digits-- {
			frac /= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec).UTC()
}

// timeTS renders wall-clock time as a Slack timestamp, used when an
// explicit since-override bounds the history fetch.
func timeTS(t time.Time) string {
	micros := t.UnixMicro()
	return fmt.Sprintf("%d.%06d", micros/1e6, micros%1e6)
}
