// Package clock implements the scheduler's time policy: validity windows,
// next-execution computation, and the process-wide timezone used for all
// of it. It is pure — no I/O, no global state beyond the configured
// location.
package clock

import "time"

// HourRange is an hour-of-day validity window [Start, End), 0 <= Start < End <= 24.
// A nil *HourRange means "no restriction".
type HourRange struct {
	Start int
	End   int
}

// Policy carries the process-wide timezone used to interpret every
// scheduling computation. It is constructed once at startup from
// configuration and threaded through the registry and dispatcher.
type Policy struct {
	loc *time.Location
}

// NewPolicy builds a Policy for the named IANA timezone (e.g. "America/New_York").
// An empty name resolves to UTC, matching time.LoadLocation's own convention.
func NewPolicy(tzName string) (*Policy, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, err
	}
	return &Policy{loc: loc}, nil
}

// Now returns the current time in the policy's configured location.
func (p *Policy) Now() time.Time {
	return time.Now().In(p.loc)
}

// In converts t into the policy's configured location.
func (p *Policy) In(t time.Time) time.Time {
	return t.In(p.loc)
}

// InWindow reports whether t falls inside the hour range. A nil range
// always matches.
func InWindow(t time.Time, r *HourRange) bool {
	if r == nil {
		return true
	}
	h := t.Hour()
	return h >= r.Start && h < r.End
}

// AdvanceToNextValid returns the earliest instant >= t that satisfies the
// hour range. If t is already in-window it is returned unchanged. Otherwise:
// if t's hour is before the window start, it snaps forward to start_hour:00:00
// on the same day; else it snaps to start_hour:00:00 on the following day.
func AdvanceToNextValid(t time.Time, r *HourRange) time.Time {
	if InWindow(t, r) {
		return t
	}

	startOfDay := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), r.Start, 0, 0, 0, day.Location())
	}

	if t.Hour() < r.Start {
		return startOfDay(t)
	}
	return startOfDay(t.AddDate(0, 0, 1))
}

// SameOrAfterDate reports whether t's calendar date is on or after end's.
// end_date is a calendar boundary, not an instant, so every comparison
// against it (scheduling, reordering) must go through this rather than a
// plain time.Time.After/Before on the raw instants.
func SameOrAfterDate(t, end time.Time) bool {
	ty, tm, td := t.Date()
	ey, em, ed := end.Date()
	if ty != ey {
		return ty > ey
	}
	if tm != em {
		return tm > em
	}
	return td >= ed
}

// NextExecution computes the next scheduled run time per spec: the first
// dispatch candidates on now, subsequent dispatches on lastExecution+interval;
// a candidate whose date has reached endDate yields no further schedule, and
// the hour-range is applied before that final end-date check.
func NextExecution(now time.Time, lastExecution time.Time, hasLast bool, intervalSeconds int, r *HourRange, endDate time.Time) (time.Time, bool) {
	var candidate time.Time
	if !hasLast {
		candidate = now
	} else {
		candidate = lastExecution.Add(time.Duration(intervalSeconds) * time.Second)
	}

	if SameOrAfterDate(candidate, endDate) {
		return time.Time{}, false
	}

	adjusted := AdvanceToNextValid(candidate, r)
	if SameOrAfterDate(adjusted, endDate) {
		return time.Time{}, false
	}

	return adjusted, true
}


