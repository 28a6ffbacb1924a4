package ledger

import "time"

// TimeLayout is fixed width so stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

func TimePtr(t time.Time) *string {
	s := FormatTime(t)
	return &s
}
