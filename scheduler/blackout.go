package scheduler

import (
	"fmt"
	"time"
)

// blackout is the recurring daily no-print window, in wall-clock
// minutes since midnight. A nil blackout allows every time. start ==
// end is treated as disabled, not a 24-hour block.
type blackout struct {
	start int // minutes since midnight
	end   int
}

// parseBlackout builds a window from "HH:MM" bounds. Both empty means
// no blackout; only one set is a configuration error.
func parseBlackout(startStr, endStr string) (*blackout, error) {
	if startStr == "" && endStr == "" {
		return nil, nil
	}
	if startStr == "" || endStr == "" {
		return nil, fmt.Errorf("blackout window needs both bounds, got start=%q end=%q", startStr, endStr)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return nil, fmt.Errorf("invalid blackout start: %w", err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return nil, fmt.Errorf("invalid blackout end: %w", err)
	}
	if start == end {
		return nil, nil
	}
	return &blackout{start: start, end: end}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%q is not HH:MM: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return h*60 + m, nil
}

// firstFeasible returns the earliest start at or after t such that
// [start, start+d) avoids every blackout occurrence. A job may end
// exactly when the blackout begins and start exactly when it ends.
func (b *blackout) firstFeasible(t time.Time, d time.Duration) time.Time {
	if b == nil {
		return t
	}
	for i := 0; i < 366; i++ { // bounded; horizon checks cut this off far sooner
		boEnd, ok := b.covering(t, d)
		if !ok {
			return t
		}
		t = boEnd
	}
	return t
}

// covering reports the end of the blackout occurrence overlapping
// [t, t+d), if any. Occurrences are checked for the previous, current
// and next day so windows that wrap midnight are seen from both sides.
func (b *blackout) covering(t time.Time, d time.Duration) (time.Time, bool) {
	end := t.Add(d)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for day := -1; day <= 1; day++ {
		boStart := midnight.AddDate(0, 0, day).Add(time.Duration(b.start) * time.Minute)
		boEnd := midnight.AddDate(0, 0, day).Add(time.Duration(b.end) * time.Minute)
		if b.end <= b.start {
			boEnd = boEnd.AddDate(0, 0, 1) // wraps midnight
		}
		if t.Before(boEnd) && boStart.Before(end) {
			return boEnd, true
		}
	}
	return time.Time{}, false
}
