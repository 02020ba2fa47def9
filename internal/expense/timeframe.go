package expense

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a named window ending now
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
	TimeframeAll   Timeframe = "all"
)

// ParseTimeframe parses day, week, month or all
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(s))); tf {
	case TimeframeDay, TimeframeWeek, TimeframeMonth, TimeframeAll:
		return tf, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q (want day, week, month or all)", s)
	}
}

// Range returns the window containing now, in now's location.
// Weeks start on Monday. TimeframeAll is unbounded.
func (tf Timeframe) Range(now time.Time) DateRange {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	switch tf {
	case TimeframeDay:
		return DateRange{From: today, To: today.AddDate(0, 0, 1)}
	case TimeframeWeek:
		// Sunday is 0, so shift it to the end of the week
		offset := (int(today.Weekday()) + 6) % 7
		start := today.AddDate(0, 0, -offset)
		return DateRange{From: start, To: start.AddDate(0, 0, 7)}
	case TimeframeMonth:
		start := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
		return DateRange{From: start, To: start.AddDate(0, 1, 0)}
	default:
		return DateRange{}
	}
}
