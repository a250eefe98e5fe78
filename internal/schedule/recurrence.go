// Package schedule holds the pure time arithmetic of the scheduled-message
// engine: recurrence stepping and the boundary conversion between a
// creator's wall clock and the scheduler's reference frame.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

type RecurrenceType string

const (
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
)

// Rule describes an optional repetition of a scheduled message.
// A nil *Rule means one-shot.
type Rule struct {
	Type    RecurrenceType
	EndDate *time.Time
}

// ParseRecurrenceType maps user input to a recurrence type.
func ParseRecurrenceType(s string) (RecurrenceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return RecurDaily, true
	case "weekly":
		return RecurWeekly, true
	case "monthly":
		return RecurMonthly, true
	default:
		return "", false
	}
}

// Next computes the fire time that follows prev under the rule.
//
// The second return is false when the rule has an end date and the computed
// occurrence would exceed it: the caller must not reschedule. That is a
// normal outcome, not an error; the error return is reserved for rules the
// calculator does not understand.
func Next(prev time.Time, r Rule) (time.Time, bool, error) {
	var next time.Time
	switch r.Type {
	case RecurDaily:
		next = prev.AddDate(0, 0, 1)
	case RecurWeekly:
		next = prev.AddDate(0, 0, 7)
	case RecurMonthly:
		next = addOneMonth(prev)
	default:
		return time.Time{}, false, fmt.Errorf("unknown recurrence type %q", r.Type)
	}
	if r.EndDate != nil && next.After(*r.EndDate) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// addOneMonth advances by one calendar month, clamping the day of month so
// Jan 31 lands on Feb 28 (or 29), never on Mar 2.
func addOneMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := lastDayOfMonth(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day 0 of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
