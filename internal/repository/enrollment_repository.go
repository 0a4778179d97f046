package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

// EnrollmentRepository handles persistence of subject enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// ExistsActive reports whether the student has an active enrollment
// for the subject.
func (r *EnrollmentRepository) ExistsActive(ctx context.Context, studentID, subjectID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND subject_id = $2 AND status = $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, subjectID, models.EnrollmentStatusActive); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return true, nil
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.JoinedAt.IsZero() {
		enrollment.JoinedAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusActive
	}
	const query = `INSERT INTO enrollments (id, student_id, subject_id, joined_at, status)
        VALUES (:id, :student_id, :subject_id, :joined_at, :status)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// ListBySubject returns active enrollments for a subject.
func (r *EnrollmentRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.subject_id, e.joined_at, e.status,
        u.full_name AS student_name, s.name AS subject_name
        FROM enrollments e
        LEFT JOIN users u ON u.id = e.student_id
        LEFT JOIN subjects s ON s.id = e.subject_id
        WHERE e.subject_id = $1 AND e.status = $2
        ORDER BY u.full_name`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, subjectID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list subject enrollments: %w", err)
	}
	return enrollments, nil
}

// ListByStudent returns active enrollments for a student.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.subject_id, e.joined_at, e.status,
        u.full_name AS student_name, s.name AS subject_name
        FROM enrollments e
        LEFT JOIN users u ON u.id = e.student_id
        LEFT JOIN subjects s ON s.id = e.subject_id
        WHERE e.student_id = $1 AND e.status = $2
        ORDER BY s.name`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// FindActive returns the student's active enrollment for the subject,
// or sql.ErrNoRows.
func (r *EnrollmentRepository) FindActive(ctx context.Context, studentID, subjectID string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, subject_id, joined_at, status FROM enrollments
        WHERE student_id = $1 AND subject_id = $2 AND status = $3 LIMIT 1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, studentID, subjectID, models.EnrollmentStatusActive); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// UpdateStatus updates the enrollment status.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	const query = `UPDATE enrollments SET status = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}
