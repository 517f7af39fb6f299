package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Cadence is the size of a monitor's evaluation window.
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

func ParseCadence(value string) (Cadence, error) {
	switch Cadence(strings.ToLower(strings.TrimSpace(value))) {
	case CadenceHourly:
		return CadenceHourly, nil
	case CadenceDaily:
		return CadenceDaily, nil
	case CadenceWeekly:
		return CadenceWeekly, nil
	case CadenceMonthly:
		return CadenceMonthly, nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("unknown cadence %q", value)}
	}
}

func (c Cadence) DisplayName() string {
	switch c {
	case CadenceHourly:
		return "Hourly"
	case CadenceDaily:
		return "Daily"
	case CadenceWeekly:
		return "Weekly"
	case CadenceMonthly:
		return "Monthly"
	default:
		return string(c)
	}
}

// Floor rounds t down to the most recent window boundary for the cadence.
// All boundaries are UTC; weekly windows start Monday 00:00, monthly windows
// on the first of the month.
func (c Cadence) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch c {
	case CadenceHourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case CadenceDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case CadenceWeekly:
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -daysSinceMonday)
	case CadenceMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Next returns the boundary one window after t. Monthly cadences step by
// calendar month, so t is expected to already sit on a boundary.
func (c Cadence) Next(t time.Time) time.Time {
	t = t.UTC()
	switch c {
	case CadenceHourly:
		return t.Add(time.Hour)
	case CadenceDaily:
		return t.AddDate(0, 0, 1)
	case CadenceWeekly:
		return t.AddDate(0, 0, 7)
	case CadenceMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t
	}
}
