package models

import "time"

// WeekParity restricts a rule to even or odd ISO calendar weeks.
type WeekParity string

const (
	WeekParityAll  WeekParity = "all"
	WeekParityEven WeekParity = "even"
	WeekParityOdd  WeekParity = "odd"
)

// ScheduleRule is a weekly recurring template for a subject's lab
// slot. It is immutable once created; administrators replace rules
// instead of editing them. DayOfWeek is ISO numbering, Monday=1
// through Sunday=7. StartTime is a wall-clock "HH:MM" string.
type ScheduleRule struct {
	ID              string     `db:"id" json:"id"`
	SubjectID       string     `db:"subject_id" json:"subject_id"`
	DayOfWeek       int        `db:"day_of_week" json:"day_of_week"`
	StartTime       string     `db:"start_time" json:"start_time"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	WeekParity      WeekParity `db:"week_parity" json:"week_parity"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// ScheduleRuleDetail enriches ScheduleRule with subject info.
type ScheduleRuleDetail struct {
	ScheduleRule
	SubjectName string `db:"subject_name" json:"subject_name"`
}
