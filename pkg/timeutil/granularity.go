// Package timeutil provides time bucketing helpers for frame and event
// queries.
package timeutil

import "time"

// Granularity is the bucket size for aggregating items over a time range.
type Granularity string

const (
	GranularitySecond Granularity = "second"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityWeek   Granularity = "week"
	GranularityMonth  Granularity = "month"
)

// ForRange picks the bucket size for a time span. Boundary values land in
// the coarser unit.
func ForRange(start, end time.Time) Granularity {
	return ForDuration(end.Sub(start))
}

// ForDuration picks the bucket size for a span length.
func ForDuration(d time.Duration) Granularity {
	seconds := d.Seconds()

	switch {
	case seconds < 30:
		return GranularitySecond
	case seconds < 1800: // 30 min
		return GranularityMinute
	case seconds < 43200: // 12 h
		return GranularityHour
	case seconds < 604800: // 7 d
		return GranularityDay
	case seconds < 1209600: // 14 d
		return GranularityWeek
	default:
		return GranularityMonth
	}
}

// Truncate floors t to the start of its bucket.
func Truncate(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularitySecond:
		return t.Truncate(time.Second)
	case GranularityMinute:
		return t.Truncate(time.Minute)
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		// Weeks start on Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return t
	}
}
