package timeutil

import "time"

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// NextMidnight returns the first midnight after t in the provided zone.
// Daily quota windows reset here.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	return TruncateToDay(t, loc).AddDate(0, 0, 1)
}
