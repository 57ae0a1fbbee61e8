package metrics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a validated calendar month.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod validates a four digit year and a month in 1..12 ("3" and "03" are both accepted).
func ParsePeriod(year, month string) (Period, error) {
	year = strings.TrimSpace(year)
	month = strings.TrimSpace(month)

	if len(year) != 4 {
		return Period{}, fmt.Errorf("%w: year %q must have four digits", ErrInvalidPeriod, year)
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1 {
		return Period{}, fmt.Errorf("%w: year %q is not a number", ErrInvalidPeriod, year)
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return Period{}, fmt.Errorf("%w: month %q must be between 1 and 12", ErrInvalidPeriod, month)
	}
	return Period{Year: y, Month: time.Month(m)}, nil
}

// ParseYearMonth parses "YYYY-MM".
func ParseYearMonth(value string) (Period, error) {
	year, month, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok || len(month) != 2 {
		return Period{}, fmt.Errorf("%w: %q must be YYYY-MM", ErrInvalidPeriod, value)
	}
	return ParsePeriod(year, month)
}

// YearString renders the year as four digits.
func (p Period) YearString() string {
	return fmt.Sprintf("%04d", p.Year)
}

// MonthString renders the month zero padded.
func (p Period) MonthString() string {
	return fmt.Sprintf("%02d", int(p.Month))
}

func (p Period) String() string {
	return p.YearString() + "-" + p.MonthString()
}

// Window is an inclusive time range at millisecond resolution.
type Window struct {
	Start time.Time
	End   time.Time
}

// MonthWindow spans the first to the last millisecond of the period in loc.
// A nil loc means UTC.
func MonthWindow(period Period, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(period.Year, period.Month, 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
	return Window{Start: start, End: end}
}

// StartMillis is the window start in epoch milliseconds.
func (w Window) StartMillis() int64 {
	return w.Start.UnixMilli()
}

// EndMillis is the window end in epoch milliseconds.
func (w Window) EndMillis() int64 {
	return w.End.UnixMilli()
}

// ContainsMillis reports whether ms falls within the window, both ends inclusive.
func (w Window) ContainsMillis(ms int64) bool {
	return ms >= w.StartMillis() && ms <= w.EndMillis()
}

// Union spans from the earlier start to the later end. The windows are
// expected to overlap.
func (w Window) Union(other Window) Window {
	union := w
	if other.Start.Before(union.Start) {
		union.Start = other.Start
	}
	if other.End.After(union.End) {
		union.End = other.End
	}
	return union
}

func (w Window) String() string {
	return w.Start.Format(time.RFC3339Nano) + " - " + w.End.Format(time.RFC3339Nano)
}
