package models

import "time"

// SessionStatus is the lifecycle of a materialized lab session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// LabSession is one dated occurrence of a subject's lab slot,
// materialized from a ScheduleRule. At most one session exists per
// subject per calendar day. CurrentEntryID is a non-owning
// back-reference to the entry currently submitting; it is nil when
// nobody holds the slot. Sessions own their queue entries: deleting a
// session cascades to the entries.
type LabSession struct {
	ID             string        `db:"id" json:"id"`
	SubjectID      string        `db:"subject_id" json:"subject_id"`
	SessionDate    time.Time     `db:"session_date" json:"session_date"`
	StartTime      time.Time     `db:"start_time" json:"start_time"`
	EndTime        time.Time     `db:"end_time" json:"end_time"`
	Status         SessionStatus `db:"status" json:"status"`
	CurrentEntryID *string       `db:"current_entry_id" json:"current_entry_id,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// LabSessionDetail enriches LabSession with subject info.
type LabSessionDetail struct {
	LabSession
	SubjectName string `db:"subject_name" json:"subject_name"`
	SubjectCode string `db:"subject_code" json:"subject_code"`
}
