package directory

import (
	"fmt"
	"time"
)

// formatTimestamp renders t in daqfabric's wire format: a fixed-width UTC
// textual timestamp with microsecond precision, colon-separated
// throughout (YYYY-MM-DD:HH:MM:SS:ffffff). Go's time.Format cannot express
// a colon-delimited fractional component directly (it requires '.' or ','
// immediately before the fraction digits), so this builds the string by
// hand rather than via a reference-time layout.
func formatTimestamp(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-%02d:%02d:%02d:%02d:%06d",
		u.Year(), u.Month(), u.Day(),
		u.Hour(), u.Minute(), u.Second(),
		u.Nanosecond()/1000)
}

// parseTimestamp is the inverse of formatTimestamp.
func parseTimestamp(s string) (time.Time, error) {
	var y, mo, d, h, mi, sec, micro int
	n, err := fmt.Sscanf(s, "%04d-%02d-%02d:%02d:%02d:%02d:%06d",
		&y, &mo, &d, &h, &mi, &sec, &micro)
	if err != nil || n != 7 {
		return time.Time{}, fmt.Errorf("directory: malformed timestamp %q", s)
	}
	return time.Date(y, time.Month(mo), d, h, mi, sec, micro*1000, time.UTC), nil
}
