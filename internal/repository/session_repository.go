package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

// SessionRepository handles persistence of lab sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, subject_id, session_date, start_time, end_time, status, current_entry_id, created_at`

// FindDetailByID returns a session with subject info.
func (r *SessionRepository) FindDetailByID(ctx context.Context, id string) (*models.LabSessionDetail, error) {
	const query = `SELECT ls.id, ls.subject_id, ls.session_date, ls.start_time, ls.end_time, ls.status, ls.current_entry_id, ls.created_at,
        s.name AS subject_name, s.code AS subject_code
        FROM lab_sessions ls
        LEFT JOIN subjects s ON s.id = ls.subject_id
        WHERE ls.id = $1`
	var detail models.LabSessionDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindBySubjectAndDate returns the subject's session for a calendar
// day, or sql.ErrNoRows. At most one exists per (subject, date).
func (r *SessionRepository) FindBySubjectAndDate(ctx context.Context, subjectID string, date time.Time) (*models.LabSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM lab_sessions WHERE subject_id = $1 AND session_date = $2`, sessionColumns)
	var session models.LabSession
	if err := r.db.GetContext(ctx, &session, query, subjectID, date.Format("2006-01-02")); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListForDate returns pending and active sessions for a calendar day.
func (r *SessionRepository) ListForDate(ctx context.Context, date time.Time) ([]models.LabSessionDetail, error) {
	const query = `SELECT ls.id, ls.subject_id, ls.session_date, ls.start_time, ls.end_time, ls.status, ls.current_entry_id, ls.created_at,
        s.name AS subject_name, s.code AS subject_code
        FROM lab_sessions ls
        LEFT JOIN subjects s ON s.id = ls.subject_id
        WHERE ls.session_date = $1 AND ls.status IN ($2, $3)
        ORDER BY ls.start_time`
	var sessions []models.LabSessionDetail
	if err := r.db.SelectContext(ctx, &sessions, query, date.Format("2006-01-02"), models.SessionStatusPending, models.SessionStatusActive); err != nil {
		return nil, fmt.Errorf("list sessions for date: %w", err)
	}
	return sessions, nil
}

// DeleteExpired removes active sessions whose window has fully
// elapsed. Queue entries cascade; expired sessions disappear rather
// than becoming history.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM lab_sessions WHERE end_time <= $1`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}
	return affected, nil
}

// ReplaceForDate atomically swaps the subject's session for the day:
// any existing session (and its entries, via cascade) is removed and
// the fresh one inserted. The ON CONFLICT guard keeps concurrent
// materializer runs from producing duplicate sessions; the loser of
// the race simply leaves the winner's row in place.
func (r *SessionRepository) ReplaceForDate(ctx context.Context, session *models.LabSession) (err error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session replace: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const deleteQuery = `DELETE FROM lab_sessions WHERE subject_id = $1 AND session_date = $2`
	if _, err = tx.ExecContext(ctx, deleteQuery, session.SubjectID, session.SessionDate.Format("2006-01-02")); err != nil {
		return fmt.Errorf("delete existing session: %w", err)
	}

	const insertQuery = `INSERT INTO lab_sessions (id, subject_id, session_date, start_time, end_time, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (subject_id, session_date) DO NOTHING`
	if _, err = tx.ExecContext(ctx, insertQuery,
		session.ID, session.SubjectID, session.SessionDate.Format("2006-01-02"),
		session.StartTime, session.EndTime, session.Status, session.CreatedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session replace: %w", err)
	}
	return nil
}

// Create inserts the session if the subject has none for the day yet.
// Existing sessions and their queues are left untouched; a concurrent
// insert for the same subject and date simply makes this a no-op.
func (r *SessionRepository) Create(ctx context.Context, session *models.LabSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO lab_sessions (id, subject_id, session_date, start_time, end_time, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (subject_id, session_date) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query,
		session.ID, session.SubjectID, session.SessionDate.Format("2006-01-02"),
		session.StartTime, session.EndTime, session.Status, session.CreatedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}
