package service

import (
	"fmt"
	"time"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

// ScheduleResolver evaluates weekly recurring schedule rules against
// a point in time. It is stateless; "now" is always passed explicitly
// so callers (and tests) control the clock.
type ScheduleResolver struct{}

// NewScheduleResolver constructs a resolver.
func NewScheduleResolver() ScheduleResolver {
	return ScheduleResolver{}
}

// Resolve reports whether the rule is active right now and when its
// next occurrence starts.
//
// Activity is judged against today's literal occurrence of the rule
// (the current calendar date combined with the rule's start time),
// inclusive on both window boundaries. The next occurrence is the
// first future date matching the rule's weekday, pushed a week when
// today's start time has already passed and a further week when the
// candidate lands on a week whose ISO parity does not match the
// rule's filter.
//
// Week parity is the ISO calendar week number modulo two. Around the
// year boundary (week 52/53 rolling into week 1) consecutive weeks
// can share parity, so even/odd rules may mis-fire there. Known
// limitation, kept as-is.
func (ScheduleResolver) Resolve(rule models.ScheduleRule, now time.Time) (bool, time.Time, error) {
	start, end, err := ruleWindow(rule, now)
	if err != nil {
		return false, time.Time{}, err
	}

	daysAhead := (rule.DayOfWeek - isoWeekday(now) + 7) % 7
	candidate := start.AddDate(0, 0, daysAhead)
	if daysAhead == 0 && now.After(start) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	if rule.WeekParity != models.WeekParityAll && weekParity(candidate) != rule.WeekParity {
		candidate = candidate.AddDate(0, 0, 7)
	}

	active := !now.Before(start) && !now.After(end)
	return active, candidate, nil
}

// ruleWindow computes the rule's occurrence window on the calendar
// date of ref, in ref's location.
func ruleWindow(rule models.ScheduleRule, ref time.Time) (time.Time, time.Time, error) {
	clock, err := time.Parse("15:04", rule.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse rule start time %q: %w", rule.StartTime, err)
	}
	year, month, day := ref.Date()
	start := time.Date(year, month, day, clock.Hour(), clock.Minute(), 0, 0, ref.Location())
	end := start.Add(time.Duration(rule.DurationMinutes) * time.Minute)
	return start, end, nil
}

// isoWeekday maps time.Weekday to ISO numbering, Monday=1 Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// weekParity returns the ISO week parity of t.
func weekParity(t time.Time) models.WeekParity {
	_, week := t.ISOWeek()
	if week%2 == 1 {
		return models.WeekParityOdd
	}
	return models.WeekParityEven
}

// parityMatches reports whether the rule's parity filter admits the
// week containing t.
func parityMatches(parity models.WeekParity, t time.Time) bool {
	if parity == models.WeekParityAll || parity == "" {
		return true
	}
	return parity == weekParity(t)
}

// dateOf truncates t to midnight in its location.
func dateOf(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
