package utils

import (
	"time"
)

func StrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func ParseYMD(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return DateOnly(t), nil
}

// DateOnly strips t to midnight UTC to match DATE semantics.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateWindow normalizes an optional inclusive date range.
// If only from is provided -> from..today.
// If only to is provided   -> beginning..to.
func DateWindow(from, to *time.Time) (*time.Time, *time.Time) {
	var fromDate, toDate *time.Time
	if from != nil {
		f := DateOnly(*from)
		fromDate = &f
	}
	if to != nil {
		t := DateOnly(*to)
		toDate = &t
	}
	if fromDate != nil && toDate == nil {
		t := DateOnly(time.Now())
		toDate = &t
	}
	return fromDate, toDate
}
