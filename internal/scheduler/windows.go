package scheduler

import (
	"time"

	"driftwatch/internal/monitor"
)

// Window is one half-open evaluation interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// LatestClosedWindow steps from the monitor's last evaluated boundary in
// cadence increments and returns the most recently completed window, if
// any has closed. Catch-up never replays intermediate windows: when the
// pointer has fallen several windows behind, only the latest one is
// evaluated and missed reports how many earlier windows lapsed.
func LatestClosedWindow(c monitor.Cadence, pointer, now time.Time) (win Window, missed int, ok bool) {
	start := c.Floor(pointer)
	now = now.UTC()
	closed := 0
	for {
		end := c.Next(start)
		if end.After(now) {
			break
		}
		win = Window{Start: start, End: end}
		closed++
		start = end
	}
	if closed == 0 {
		return Window{}, 0, false
	}
	return win, closed - 1, true
}
