package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietWindow is a tenant's do-not-disturb window in local wall-clock time.
// A window like 21:00-08:00 crosses midnight. Start == End disables it.
type QuietWindow struct {
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Location *time.Location
}

// NextAllowed returns the candidate instant unchanged when it falls outside
// the window, or the window's end instant (next day when the window crosses
// midnight) otherwise. It is evaluated at attempted-dispatch time, never at
// scheduling time, so a delayed tick is re-checked against current policy.
func NextAllowed(candidate time.Time, w QuietWindow) time.Time {
	startMin, err := parseClock(w.Start)
	if err != nil {
		return candidate
	}
	endMin, err := parseClock(w.End)
	if err != nil {
		return candidate
	}
	if startMin == endMin {
		return candidate
	}

	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := candidate.In(loc)
	cur := local.Hour()*60 + local.Minute()

	inside := false
	endsToday := true
	if startMin < endMin {
		// same-day window, e.g. 12:00-14:00
		inside = cur >= startMin && cur < endMin
	} else {
		// crosses midnight, e.g. 21:00-08:00
		if cur >= startMin {
			inside = true
			endsToday = false
		} else if cur < endMin {
			inside = true
		}
	}
	if !inside {
		return candidate
	}

	end := time.Date(local.Year(), local.Month(), local.Day(), endMin/60, endMin%60, 0, 0, loc)
	if !endsToday {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return h*60 + m, nil
}
