// Package billing runs the daily recurring-charge cycle: it charges due
// subscriptions through the payment gateway, advances billing dates on a
// calendar-anniversary basis, applies the 1/3/7-day retry ladder on failure,
// and resets per-tenant AI quotas.
package billing

import "time"

// NextAnniversary returns the billing anniversary in the calendar month after
// from: the same day-of-month, clamped to that month's length. A day of 31
// charged on 2024-01-31 lands on 2024-02-29, and the cycle after that back on
// 2024-03-31. Never a fixed +30-day offset.
func NextAnniversary(from time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	y, m, _ := from.Date()
	next := time.Date(y, m+1, 1, 0, 0, 0, 0, from.Location())
	if last := daysInMonth(next); day > last {
		day = last
	}
	return time.Date(next.Year(), next.Month(), day, 0, 0, 0, 0, from.Location())
}

// IsAnniversary reports whether now falls on the subscription's anniversary
// day, with the same clamping rule: day 31 matches the last day of shorter
// months.
func IsAnniversary(now time.Time, day int) bool {
	if day < 1 {
		return false
	}
	if last := daysInMonth(now); day > last {
		day = last
	}
	return now.Day() == day
}

func daysInMonth(t time.Time) int {
	// Day zero of the following month.
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
