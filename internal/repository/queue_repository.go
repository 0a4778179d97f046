package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

// QueueTx exposes queue mutations scoped to a transaction that holds
// a row lock on the session. Everything the queue engine decides from
// a read-then-write sequence (auto-admission, advancement) runs
// through this interface so concurrent requests serialize per
// session.
type QueueTx interface {
	// Session returns the locked session row as of transaction start.
	Session() *models.LabSession
	// HasOpenEntry reports whether the student already has a waiting
	// or submitting entry on the session.
	HasOpenEntry(studentID string) (bool, error)
	// InsertEntry appends a new entry.
	InsertEntry(entry *models.QueueEntry) error
	// FindEntry loads an entry belonging to the session.
	FindEntry(entryID string) (*models.QueueEntry, error)
	// FindStudentOpenEntry loads the student's waiting or submitting
	// entry, or sql.ErrNoRows.
	FindStudentOpenEntry(studentID string) (*models.QueueEntry, error)
	// OldestWaiting returns the next entry in FIFO order (join time,
	// then entry id), or nil when the queue has no waiters.
	OldestWaiting() (*models.QueueEntry, error)
	// MarkSubmitting promotes an entry and stamps its start time.
	MarkSubmitting(entryID string, at time.Time) error
	// MarkCompleted finishes an entry and stamps its end time.
	MarkCompleted(entryID string, at time.Time) error
	// DeleteEntry removes an entry outright (withdrawal).
	DeleteEntry(entryID string) error
	// HasOpenEntries reports whether any waiting or submitting
	// entries remain on the session.
	HasOpenEntries() (bool, error)
	// SetCurrentEntry updates the session's submitting back-reference.
	SetCurrentEntry(entryID *string) error
	// SetSessionStatus transitions the session status.
	SetSessionStatus(status models.SessionStatus) error
}

// QueueRepository handles persistence of queue entries.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const entryColumns = `id, session_id, student_id, join_time, status, start_time, end_time`

// WithSession runs fn inside a transaction holding a FOR UPDATE lock
// on the session row. Returns sql.ErrNoRows when the session does not
// exist.
func (r *QueueRepository) WithSession(ctx context.Context, sessionID string, fn func(QueueTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var session models.LabSession
	lockQuery := fmt.Sprintf(`SELECT %s FROM lab_sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	if err = tx.GetContext(ctx, &session, lockQuery, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("lock session: %w", err)
	}

	qtx := &queueTx{ctx: ctx, tx: tx, session: &session}
	if err = fn(qtx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit queue transaction: %w", err)
	}
	return nil
}

type queueTx struct {
	ctx     context.Context
	tx      *sqlx.Tx
	session *models.LabSession
}

func (q *queueTx) Session() *models.LabSession {
	return q.session
}

func (q *queueTx) HasOpenEntry(studentID string) (bool, error) {
	const query = `SELECT 1 FROM queue_entries WHERE session_id = $1 AND student_id = $2 AND status IN ($3, $4) LIMIT 1`
	var exists int
	if err := q.tx.GetContext(q.ctx, &exists, query, q.session.ID, studentID, models.EntryStatusWaiting, models.EntryStatusSubmitting); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check open entry: %w", err)
	}
	return true, nil
}

func (q *queueTx) InsertEntry(entry *models.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.SessionID = q.session.ID
	const query = `INSERT INTO queue_entries (id, session_id, student_id, join_time, status, start_time, end_time)
        VALUES (:id, :session_id, :student_id, :join_time, :status, :start_time, :end_time)`
	if _, err := q.tx.NamedExecContext(q.ctx, query, entry); err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func (q *queueTx) FindEntry(entryID string) (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE id = $1 AND session_id = $2`, entryColumns)
	var entry models.QueueEntry
	if err := q.tx.GetContext(q.ctx, &entry, query, entryID, q.session.ID); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (q *queueTx) FindStudentOpenEntry(studentID string) (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE session_id = $1 AND student_id = $2 AND status IN ($3, $4)
        ORDER BY join_time, id LIMIT 1`, entryColumns)
	var entry models.QueueEntry
	if err := q.tx.GetContext(q.ctx, &entry, query, q.session.ID, studentID, models.EntryStatusWaiting, models.EntryStatusSubmitting); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (q *queueTx) OldestWaiting() (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE session_id = $1 AND status = $2
        ORDER BY join_time, id LIMIT 1`, entryColumns)
	var entry models.QueueEntry
	if err := q.tx.GetContext(q.ctx, &entry, query, q.session.ID, models.EntryStatusWaiting); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find oldest waiting entry: %w", err)
	}
	return &entry, nil
}

func (q *queueTx) MarkSubmitting(entryID string, at time.Time) error {
	const query = `UPDATE queue_entries SET status = $2, start_time = $3 WHERE id = $1`
	if _, err := q.tx.ExecContext(q.ctx, query, entryID, models.EntryStatusSubmitting, at); err != nil {
		return fmt.Errorf("mark entry submitting: %w", err)
	}
	return nil
}

func (q *queueTx) MarkCompleted(entryID string, at time.Time) error {
	const query = `UPDATE queue_entries SET status = $2, end_time = $3 WHERE id = $1`
	if _, err := q.tx.ExecContext(q.ctx, query, entryID, models.EntryStatusCompleted, at); err != nil {
		return fmt.Errorf("mark entry completed: %w", err)
	}
	return nil
}

func (q *queueTx) DeleteEntry(entryID string) error {
	const query = `DELETE FROM queue_entries WHERE id = $1`
	if _, err := q.tx.ExecContext(q.ctx, query, entryID); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

func (q *queueTx) HasOpenEntries() (bool, error) {
	const query = `SELECT 1 FROM queue_entries WHERE session_id = $1 AND status IN ($2, $3) LIMIT 1`
	var exists int
	if err := q.tx.GetContext(q.ctx, &exists, query, q.session.ID, models.EntryStatusWaiting, models.EntryStatusSubmitting); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check open entries: %w", err)
	}
	return true, nil
}

func (q *queueTx) SetCurrentEntry(entryID *string) error {
	const query = `UPDATE lab_sessions SET current_entry_id = $2 WHERE id = $1`
	if _, err := q.tx.ExecContext(q.ctx, query, q.session.ID, entryID); err != nil {
		return fmt.Errorf("set current entry: %w", err)
	}
	q.session.CurrentEntryID = entryID
	return nil
}

func (q *queueTx) SetSessionStatus(status models.SessionStatus) error {
	const query = `UPDATE lab_sessions SET status = $2 WHERE id = $1`
	if _, err := q.tx.ExecContext(q.ctx, query, q.session.ID, status); err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	q.session.Status = status
	return nil
}

// ListBySession returns all entries for a session in FIFO order.
func (r *QueueRepository) ListBySession(ctx context.Context, sessionID string) ([]models.QueueEntryDetail, error) {
	const query = `SELECT e.id, e.session_id, e.student_id, e.join_time, e.status, e.start_time, e.end_time,
        u.full_name AS student_name
        FROM queue_entries e
        LEFT JOIN users u ON u.id = e.student_id
        WHERE e.session_id = $1
        ORDER BY e.join_time, e.id`
	var entries []models.QueueEntryDetail
	if err := r.db.SelectContext(ctx, &entries, query, sessionID); err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return entries, nil
}

// FindEntryByID returns an entry by its ID.
func (r *QueueRepository) FindEntryByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE id = $1`, entryColumns)
	var entry models.QueueEntry
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindStudentOpenEntry returns the student's waiting or submitting
// entry on the session, or sql.ErrNoRows.
func (r *QueueRepository) FindStudentOpenEntry(ctx context.Context, sessionID, studentID string) (*models.QueueEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM queue_entries WHERE session_id = $1 AND student_id = $2 AND status IN ($3, $4)
        ORDER BY join_time, id LIMIT 1`, entryColumns)
	var entry models.QueueEntry
	if err := r.db.GetContext(ctx, &entry, query, sessionID, studentID, models.EntryStatusWaiting, models.EntryStatusSubmitting); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Position computes the entry's 1-based place among open entries:
// the count of waiting or submitting entries that joined strictly
// earlier (ties broken by entry id) plus one. The value is derived on
// every read rather than stored, so it stays consistent as neighbours
// join and leave.
func (r *QueueRepository) Position(ctx context.Context, entry *models.QueueEntry) (int, error) {
	const query = `SELECT COUNT(*) FROM queue_entries
        WHERE session_id = $1 AND status IN ($2, $3)
        AND (join_time < $4 OR (join_time = $4 AND id < $5))`
	var ahead int
	if err := r.db.GetContext(ctx, &ahead, query, entry.SessionID, models.EntryStatusWaiting, models.EntryStatusSubmitting, entry.JoinTime, entry.ID); err != nil {
		return 0, fmt.Errorf("compute queue position: %w", err)
	}
	return ahead + 1, nil
}

// IsSerializationError reports whether the error is a Postgres
// serialization failure or deadlock, i.e. the transaction lost a race
// and should be retried.
func IsSerializationError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
