package reservation

import "time"

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NextDay(t time.Time) time.Time { return Day(t).AddDate(0, 0, 1) }

func SameDay(a, b time.Time) bool { return Day(a).Equal(Day(b)) }

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
