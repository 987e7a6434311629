package models

import (
	"fmt"
	"time"
)

// Period is a calendar grouping.
type Period string

const (
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
)

// ParsePeriod treats "" as no grouping.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "", PeriodMonth, PeriodQuarter, PeriodYear:
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Start returns the first day of the period containing t, in UTC.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodQuarter:
		return QuarterStart(t.Year(), QuarterOf(t))
	default:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the following period.
func (p Period) Next(start time.Time) time.Time {
	switch p {
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	case PeriodQuarter:
		return start.AddDate(0, 3, 0)
	default:
		return start.AddDate(1, 0, 0)
	}
}

// Label renders the period containing t: 2024-10, 2024-Q4 or 2024.
func (p Period) Label(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodMonth:
		return t.Format("2006-01")
	case PeriodQuarter:
		return fmt.Sprintf("%d-Q%d", t.Year(), QuarterOf(t))
	default:
		return fmt.Sprintf("%d", t.Year())
	}
}

// QuarterOf returns 1-4.
func QuarterOf(t time.Time) int {
	return (int(t.Month())-1)/3 + 1
}

// QuarterStart returns the first day of a calendar quarter.
func QuarterStart(year, quarter int) time.Time {
	return time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}
