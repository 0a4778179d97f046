package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive EnrollmentStatus = "ACTIVE"
	EnrollmentStatusLeft   EnrollmentStatus = "LEFT"
)

// Enrollment registers a student for a subject. Queue operations use
// it as the authorization source: only enrolled students may join a
// subject's queue or read its state.
type Enrollment struct {
	ID        string           `db:"id" json:"id"`
	StudentID string           `db:"student_id" json:"student_id"`
	SubjectID string           `db:"subject_id" json:"subject_id"`
	JoinedAt  time.Time        `db:"joined_at" json:"joined_at"`
	Status    EnrollmentStatus `db:"status" json:"status"`
}

// EnrollmentDetail enriches Enrollment with student and subject info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	SubjectName string `db:"subject_name" json:"subject_name"`
}
