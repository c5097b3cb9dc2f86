// Package calendar implements the business-day arithmetic behind every
// regulatory deadline in the engine. A Calendar is read-only after
// construction so deadline decisions stay reproducible.
package calendar

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Calendar knows which days count as business days.
type Calendar struct {
	weekend  map[time.Weekday]bool
	holidays map[string]bool
}

// New builds a calendar with the given non-working weekdays and holiday dates.
// With no weekend days, Saturday and Sunday are assumed.
func New(weekend []time.Weekday, holidays []time.Time) *Calendar {
	w := make(map[time.Weekday]bool, 2)
	if len(weekend) == 0 {
		w[time.Saturday] = true
		w[time.Sunday] = true
	}
	for _, d := range weekend {
		w[d] = true
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d.Format(dayLayout)] = true
	}
	return &Calendar{weekend: w, holidays: h}
}

// ParseHolidays converts YYYY-MM-DD strings into holiday dates.
func ParseHolidays(dates []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(dates))
	for _, s := range dates {
		d, err := time.Parse(dayLayout, s)
		if err != nil {
			return nil, fmt.Errorf("calendar: parse holiday %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// IsBusinessDay reports whether t falls on a working day.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	if c.weekend[t.Weekday()] {
		return false
	}
	return !c.holidays[t.Format(dayLayout)]
}

// AddBusinessDays returns the date n business days after t (or before, for
// negative n). The time of day is preserved.
func (c *Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		t = t.AddDate(0, 0, step)
		if c.IsBusinessDay(t) {
			n--
		}
	}
	return t
}

// BusinessDaysRemaining counts the business days from now until deadline,
// exclusive of now's date, inclusive of the deadline's date. The result is
// zero when now and deadline share a date and negative once the deadline has
// passed.
func (c *Calendar) BusinessDaysRemaining(deadline, now time.Time) int {
	d := dateOnly(deadline)
	cur := dateOnly(now)
	if cur.Equal(d) {
		return 0
	}

	count := 0
	if cur.Before(d) {
		for cur.Before(d) {
			cur = cur.AddDate(0, 0, 1)
			if c.IsBusinessDay(cur) {
				count++
			}
		}
		return count
	}
	for cur.After(d) {
		if c.IsBusinessDay(cur) {
			count--
		}
		cur = cur.AddDate(0, 0, -1)
	}
	return count
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
