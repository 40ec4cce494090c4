/*
duedate.go - Payment due-date computation

Three billing terms, in precedence order:
  1. DueDayOfMonth: the next occurrence of that day of month. On the 15th
     with day 10 configured, the due date is the 10th of next month. Days
     past a short month's end clamp to its last day (31 -> Apr 30); a
     clamped date that lands on today counts as passed and rolls over.
  2. DueDays: N days from today.
  3. Neither: due immediately (today).
*/
package lesson

import (
	"time"

	"github.com/fluentclass/billing-engine/billing"
)

// DueDate computes when a per-lesson payment falls due, relative to today.
// The result is a date (midnight UTC).
func DueDate(terms billing.BillingTerms, today time.Time) time.Time {
	y, m, d := today.UTC().Date()
	base := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	switch {
	case terms.DueDayOfMonth != nil:
		// Clamp before comparing: on Feb 28 a configured day 30 lands on
		// Feb 28 itself, which counts as passed and rolls over too.
		due := monthDay(y, m, *terms.DueDayOfMonth)
		if !due.After(base) {
			year, month := y, m+1
			if month > time.December {
				month = time.January
				year++
			}
			due = monthDay(year, month, *terms.DueDayOfMonth)
		}
		return due

	case terms.DueDays != nil:
		return base.AddDate(0, 0, *terms.DueDays)

	default:
		return base
	}
}

// monthDay places day in the given month, clamped to the month's length.
func monthDay(year int, month time.Month, day int) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	// Day zero of the next month normalizes to this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
