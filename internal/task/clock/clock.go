// Package clock implements the scheduling time policy: daily execution
// windows, end-date cutoffs and next-execution computation.
package clock

import (
	"encoding/json"
	"fmt"
	"time"
)

// HourRange is a daily execution window in local hours. The window is
// half-open: a timestamp is inside when Start <= hour < End.
type HourRange struct {
	Start int
	End   int
}

// Valid reports whether the range is well formed.
func (r HourRange) Valid() bool {
	return r.Start >= 0 && r.Start < r.End && r.End <= 24
}

// Contains reports whether the given local hour falls inside the window.
func (r HourRange) Contains(hour int) bool {
	return hour >= r.Start && hour < r.End
}

// MarshalJSON encodes the range as a two-element array, e.g. [8, 22].
func (r HourRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Start, r.End})
}

// UnmarshalJSON decodes a two-element array into the range.
func (r *HourRange) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	r.Start, r.End = pair[0], pair[1]
	if !r.Valid() {
		return fmt.Errorf("invalid hour range [%d, %d]", r.Start, r.End)
	}
	return nil
}

// Date is a calendar date without a time component. The zero value means
// "no limit".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a date in "2006-01-02" form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// AddDays returns the date n days after d, normalizing month and year.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Time returns midnight of the date in the given location.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// String formats the date as "2006-01-02". The zero date formats empty.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time(time.UTC).Format(dateLayout)
}

// MarshalJSON encodes the date as "2006-01-02", or null when unset.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes "2006-01-02", treating null and "" as unset.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// InWindow reports whether t falls inside the daily window. A nil window
// means the whole day is valid.
func InWindow(t time.Time, r *HourRange) bool {
	if r == nil {
		return true
	}
	return r.Contains(t.Hour())
}

// AdvanceToNextValid moves t forward to the earliest instant inside the
// window. A timestamp already inside is returned unchanged. Before the
// window it snaps to the window start on the same day; at or past the
// window end it snaps to the window start on the next day.
func AdvanceToNextValid(t time.Time, r *HourRange) time.Time {
	if r == nil || r.Contains(t.Hour()) {
		return t
	}
	y, m, d := t.Date()
	if t.Hour() < r.Start {
		return time.Date(y, m, d, r.Start, 0, 0, 0, t.Location())
	}
	return time.Date(y, m, d+1, r.Start, 0, 0, 0, t.Location())
}

// NextExecution computes the next execution instant for a task. The
// candidate is now for a never-run task, otherwise last + interval.
// The candidate is pulled into the daily window, and nil is returned
// when the (possibly adjusted) candidate lands on or after the end date.
func NextExecution(now time.Time, last *time.Time, interval time.Duration, r *HourRange, endDate Date) *time.Time {
	candidate := now
	if last != nil {
		candidate = last.Add(interval)
	}

	if !endDate.IsZero() && !DateOf(candidate).Before(endDate) {
		return nil
	}

	adjusted := AdvanceToNextValid(candidate, r)

	if !endDate.IsZero() && !DateOf(adjusted).Before(endDate) {
		return nil
	}

	return &adjusted
}
