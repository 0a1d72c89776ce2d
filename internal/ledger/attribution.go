package ledger

import (
	"fmt"
	"time"
)

// Attribution records who performed an action and when.
type Attribution struct {
	ActorID string    `json:"actor_id"`
	At      time.Time `json:"at"`
}

// Clock returns the current time. Injected so tests control timestamps.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// MonotonicAfter returns now, or prev when now is earlier, so a sequence of
// stamps never goes backwards.
func MonotonicAfter(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

// Period is a calendar month.
type Period struct {
	Month time.Month `json:"month"`
	Year  int        `json:"year"`
}

// PeriodOf returns the calendar month containing t.
func PeriodOf(t time.Time) Period {
	return Period{Month: t.Month(), Year: t.Year()}
}

// Validate rejects months outside 1..12 and implausible years.
func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return fmt.Errorf("month must be between 1 and 12")
	}
	if p.Year < 1900 || p.Year > 9999 {
		return fmt.Errorf("year %d is out of range", p.Year)
	}
	return nil
}

// Start is the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Contains reports whether t, read in UTC, falls within the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return t.Year() == p.Year && t.Month() == p.Month
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
