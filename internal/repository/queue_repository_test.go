package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

func newQueueRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func sessionRows(id string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "subject_id", "session_date", "start_time", "end_time", "status", "current_entry_id", "created_at"}).
		AddRow(id, "subj-1", time.Now(), time.Now(), time.Now().Add(90*time.Minute), models.SessionStatusActive, nil, time.Now())
}

func TestQueueRepositoryWithSessionLocksAndCommits(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM lab_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs("sess-1").
		WillReturnRows(sessionRows("sess-1"))
	mock.ExpectCommit()

	var seen *models.LabSession
	err := repo.WithSession(context.Background(), "sess-1", func(tx QueueTx) error {
		seen = tx.Session()
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Equal(t, "sess-1", seen.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryWithSessionMissingSession(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM lab_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.WithSession(context.Background(), "missing", func(tx QueueTx) error {
		t.Fatal("callback must not run")
		return nil
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryWithSessionRollsBackOnCallbackError(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM lab_sessions WHERE id = \$1 FOR UPDATE`).
		WithArgs("sess-1").
		WillReturnRows(sessionRows("sess-1"))
	mock.ExpectRollback()

	boom := fmt.Errorf("boom")
	err := repo.WithSession(context.Background(), "sess-1", func(tx QueueTx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryPositionCountsEarlierEntries(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	join := time.Date(2026, 1, 7, 10, 5, 0, 0, time.UTC)
	entry := &models.QueueEntry{ID: "entry-3", SessionID: "sess-1", JoinTime: join}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM queue_entries`).
		WithArgs("sess-1", models.EntryStatusWaiting, models.EntryStatusSubmitting, join, "entry-3").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	position, err := repo.Position(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, 3, position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRepositoryListBySessionOrdersByJoinTimeThenID(t *testing.T) {
	db, mock, cleanup := newQueueRepoMock(t)
	defer cleanup()
	repo := NewQueueRepository(db)

	join := time.Date(2026, 1, 7, 10, 5, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "session_id", "student_id", "join_time", "status", "start_time", "end_time", "student_name"}).
		AddRow("entry-1", "sess-1", "stu-1", join, models.EntryStatusSubmitting, join, nil, "Alice").
		AddRow("entry-2", "sess-1", "stu-2", join, models.EntryStatusWaiting, nil, nil, "Bob")
	mock.ExpectQuery(`ORDER BY e\.join_time, e\.id`).
		WithArgs("sess-1").
		WillReturnRows(rows)

	entries, err := repo.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "Alice", entries[0].StudentName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsSerializationError(t *testing.T) {
	require.True(t, IsSerializationError(&pq.Error{Code: "40001"}))
	require.True(t, IsSerializationError(&pq.Error{Code: "40P01"}))
	require.True(t, IsSerializationError(fmt.Errorf("commit: %w", &pq.Error{Code: "40001"})))
	require.False(t, IsSerializationError(&pq.Error{Code: "23505"}))
	require.False(t, IsSerializationError(errors.New("plain")))
	require.False(t, IsSerializationError(nil))
}
