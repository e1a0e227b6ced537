package utils

import (
	"fmt"
	"sort"
	"time"

	"mailcadence/models"
)

// RNG supplies a pseudo-random value in [0, 1). Window-mode scheduling
// uses it to spread sends across a window; a nil RNG keeps the candidate
// time, and an RNG that returns 0 always lands on the window start.
type RNG func() float64

type clockWindow struct {
	start int // minutes since local midnight, inclusive
	end   int // exclusive
}

// ComputeScheduledUTC converts an abstract cadence into a concrete UTC
// dispatch instant. The candidate instant is now + delayHours; it is then
// shifted forward until it satisfies the schedule's timezone, weekday and
// window constraints. The function is pure: no I/O, no clock reads.
func ComputeScheduledUTC(now time.Time, delayHours int, contactTZ, fallbackTZ string, sc models.ScheduleConfig, rng RNG) (time.Time, error) {
	candidate := now.Add(time.Duration(delayHours) * time.Hour)

	mode := sc.Mode
	if mode == "" {
		mode = models.ScheduleModeImmediate
	}

	days := sc.AllowedWeekdays()
	restricted := len(days) > 0

	// Fast path: nothing constrains the candidate.
	if mode == models.ScheduleModeImmediate && !restricted && len(sc.SendWindows) == 0 {
		return candidate.UTC(), nil
	}

	loc, err := resolveLocation(sc, contactTZ, fallbackTZ)
	if err != nil {
		return time.Time{}, err
	}
	local := candidate.In(loc)

	switch mode {
	case models.ScheduleModeImmediate:
		if len(sc.SendWindows) > 0 {
			return scheduleInWindows(local, loc, days, sc.SendWindows, nil)
		}
		return scheduleNextAllowedDay(local, loc, days)

	case models.ScheduleModeFixed:
		return scheduleFixed(local, loc, days, sc.SendTime)

	case models.ScheduleModeWindow:
		if len(sc.SendWindows) == 0 {
			return time.Time{}, fmt.Errorf("window mode requires at least one send window")
		}
		return scheduleInWindows(local, loc, days, sc.SendWindows, rng)

	default:
		return time.Time{}, fmt.Errorf("unknown schedule mode %q", mode)
	}
}

// resolveLocation picks the effective timezone per the schedule policy
func resolveLocation(sc models.ScheduleConfig, contactTZ, fallbackTZ string) (*time.Location, error) {
	name := fallbackTZ
	if sc.RespectContactTimezone {
		if contactTZ != "" {
			name = contactTZ
		}
	} else if sc.Timezone != "" {
		name = sc.Timezone
	}
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// scheduleNextAllowedDay keeps the candidate when its weekday is allowed,
// otherwise rolls forward day by day to the next allowed weekday at local
// midnight.
func scheduleNextAllowedDay(local time.Time, loc *time.Location, days map[time.Weekday]bool) (time.Time, error) {
	if len(days) == 0 || days[local.Weekday()] {
		return local.UTC(), nil
	}
	d := local
	for i := 0; i < 7; i++ {
		d = midnightAfter(d, loc)
		if days[d.Weekday()] {
			return d.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no allowed send day within a week")
}

func scheduleFixed(local time.Time, loc *time.Location, days map[time.Weekday]bool, sendTime string) (time.Time, error) {
	mins, err := parseClock(sendTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid send_time: %w", err)
	}

	d := local
	// Today's slot already passed: start looking tomorrow.
	if minutesOfDay(d) > mins {
		d = midnightAfter(d, loc)
	}
	for i := 0; i < 8; i++ {
		if len(days) == 0 || days[d.Weekday()] {
			return atMinutes(d, mins, loc).UTC(), nil
		}
		d = midnightAfter(d, loc)
	}
	return time.Time{}, fmt.Errorf("no allowed send day within a week")
}

// scheduleInWindows places the candidate inside the union of send windows
// on the nearest allowed day. A non-nil rng samples an offset inside the
// chosen window; otherwise an in-window candidate stands and an
// out-of-window candidate snaps to the next window start.
func scheduleInWindows(local time.Time, loc *time.Location, days map[time.Weekday]bool, raw []models.SendWindow, rng RNG) (time.Time, error) {
	windows, err := parseWindows(raw)
	if err != nil {
		return time.Time{}, err
	}

	d := local
	for i := 0; i < 8; i++ {
		if len(days) == 0 || days[d.Weekday()] {
			cur := minutesOfDay(d)
			if i > 0 {
				cur = -1 // later days start before every window
			}
			for _, w := range windows {
				switch {
				case cur >= w.start && cur < w.end:
					if rng != nil {
						return atMinutes(d, sampleWindow(w, rng), loc).UTC(), nil
					}
					return d.UTC(), nil
				case cur < w.start:
					pos := w.start
					if rng != nil {
						pos = sampleWindow(w, rng)
					}
					return atMinutes(d, pos, loc).UTC(), nil
				}
			}
		}
		d = midnightAfter(d, loc)
	}
	return time.Time{}, fmt.Errorf("no allowed send day within a week")
}

func sampleWindow(w clockWindow, rng RNG) int {
	span := w.end - w.start
	if span <= 0 {
		return w.start
	}
	return w.start + int(rng()*float64(span))
}

func parseWindows(raw []models.SendWindow) ([]clockWindow, error) {
	windows := make([]clockWindow, 0, len(raw))
	for _, w := range raw {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid window start: %w", err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("invalid window end: %w", err)
		}
		if end <= start {
			return nil, fmt.Errorf("window end %s not after start %s", w.End, w.Start)
		}
		windows = append(windows, clockWindow{start: start, end: end})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].start < windows[j].start })
	return windows, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return h*60 + m, nil
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func atMinutes(day time.Time, mins int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), mins/60, mins%60, 0, 0, loc)
}

func midnightAfter(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}
