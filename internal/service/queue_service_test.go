package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/internal/repository"
	"github.com/labqueue-io/lab-queue-api/pkg/config"
	appErrors "github.com/labqueue-io/lab-queue-api/pkg/errors"
)

type fakeQueueStore struct {
	session *models.LabSession
	entries []*models.QueueEntry
	nextID  int
}

func (f *fakeQueueStore) WithSession(_ context.Context, sessionID string, fn func(repository.QueueTx) error) error {
	if f.session == nil || f.session.ID != sessionID {
		return sql.ErrNoRows
	}
	return fn(&fakeQueueTx{store: f})
}

func (f *fakeQueueStore) ListBySession(_ context.Context, sessionID string) ([]models.QueueEntryDetail, error) {
	var details []models.QueueEntryDetail
	for _, e := range f.sorted() {
		if e.SessionID == sessionID {
			details = append(details, models.QueueEntryDetail{QueueEntry: *e})
		}
	}
	return details, nil
}

func (f *fakeQueueStore) FindEntryByID(_ context.Context, id string) (*models.QueueEntry, error) {
	for _, e := range f.entries {
		if e.ID == id {
			copied := *e
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeQueueStore) FindStudentOpenEntry(_ context.Context, sessionID, studentID string) (*models.QueueEntry, error) {
	for _, e := range f.sorted() {
		if e.SessionID == sessionID && e.StudentID == studentID && e.Status != models.EntryStatusCompleted {
			copied := *e
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeQueueStore) Position(_ context.Context, entry *models.QueueEntry) (int, error) {
	ahead := 0
	for _, e := range f.entries {
		if e.SessionID != entry.SessionID || e.Status == models.EntryStatusCompleted {
			continue
		}
		if e.JoinTime.Before(entry.JoinTime) || (e.JoinTime.Equal(entry.JoinTime) && e.ID < entry.ID) {
			ahead++
		}
	}
	return ahead + 1, nil
}

func (f *fakeQueueStore) sorted() []*models.QueueEntry {
	out := make([]*models.QueueEntry, len(f.entries))
	copy(out, f.entries)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinTime.Equal(out[j].JoinTime) {
			return out[i].JoinTime.Before(out[j].JoinTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type fakeQueueTx struct {
	store *fakeQueueStore
}

func (t *fakeQueueTx) Session() *models.LabSession { return t.store.session }

func (t *fakeQueueTx) HasOpenEntry(studentID string) (bool, error) {
	for _, e := range t.store.entries {
		if e.StudentID == studentID && e.Status != models.EntryStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeQueueTx) InsertEntry(entry *models.QueueEntry) error {
	t.store.nextID++
	entry.ID = fmt.Sprintf("entry-%03d", t.store.nextID)
	entry.SessionID = t.store.session.ID
	stored := *entry
	t.store.entries = append(t.store.entries, &stored)
	return nil
}

func (t *fakeQueueTx) FindEntry(entryID string) (*models.QueueEntry, error) {
	for _, e := range t.store.entries {
		if e.ID == entryID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (t *fakeQueueTx) FindStudentOpenEntry(studentID string) (*models.QueueEntry, error) {
	for _, e := range t.store.sorted() {
		if e.StudentID == studentID && e.Status != models.EntryStatusCompleted {
			copied := *e
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (t *fakeQueueTx) OldestWaiting() (*models.QueueEntry, error) {
	for _, e := range t.store.sorted() {
		if e.Status == models.EntryStatusWaiting {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (t *fakeQueueTx) MarkSubmitting(entryID string, at time.Time) error {
	return t.update(entryID, func(e *models.QueueEntry) {
		e.Status = models.EntryStatusSubmitting
		start := at
		e.StartTime = &start
	})
}

func (t *fakeQueueTx) MarkCompleted(entryID string, at time.Time) error {
	return t.update(entryID, func(e *models.QueueEntry) {
		e.Status = models.EntryStatusCompleted
		end := at
		e.EndTime = &end
	})
}

func (t *fakeQueueTx) DeleteEntry(entryID string) error {
	for i, e := range t.store.entries {
		if e.ID == entryID {
			t.store.entries = append(t.store.entries[:i], t.store.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *fakeQueueTx) HasOpenEntries() (bool, error) {
	for _, e := range t.store.entries {
		if e.Status != models.EntryStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeQueueTx) SetCurrentEntry(entryID *string) error {
	t.store.session.CurrentEntryID = entryID
	return nil
}

func (t *fakeQueueTx) SetSessionStatus(status models.SessionStatus) error {
	t.store.session.Status = status
	return nil
}

func (t *fakeQueueTx) update(entryID string, mutate func(*models.QueueEntry)) error {
	for _, e := range t.store.entries {
		if e.ID == entryID {
			mutate(e)
			return nil
		}
	}
	return sql.ErrNoRows
}

type fakeSessionProvider struct {
	store *fakeQueueStore
}

func (f *fakeSessionProvider) EnsureForSubject(_ context.Context, subjectID string, _ time.Time) (*models.LabSession, error) {
	if f.store.session != nil && f.store.session.SubjectID == subjectID {
		copied := *f.store.session
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeSessionProvider) FindDetail(_ context.Context, id string) (*models.LabSessionDetail, error) {
	if f.store.session != nil && f.store.session.ID == id {
		return &models.LabSessionDetail{LabSession: *f.store.session, SubjectName: "Operating Systems"}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
}

type fakeEnrollments struct {
	enrolled map[string]bool
}

func (f *fakeEnrollments) ExistsActive(_ context.Context, studentID, subjectID string) (bool, error) {
	return f.enrolled[studentID+"/"+subjectID], nil
}

type fakeSchedules struct {
	rule *models.ScheduleRule
}

func (f *fakeSchedules) FirstBySubject(_ context.Context, subjectID string) (*models.ScheduleRule, error) {
	if f.rule == nil {
		return nil, sql.ErrNoRows
	}
	return f.rule, nil
}

type capturingListener struct {
	events []models.PromotionEvent
}

func (l *capturingListener) HandlePromotion(_ context.Context, event models.PromotionEvent) {
	l.events = append(l.events, event)
}

type queueFixture struct {
	service  *QueueService
	store    *fakeQueueStore
	enroll   *fakeEnrollments
	listener *capturingListener
	now      time.Time
}

const (
	testSubjectID = "5f0c9f9e-1111-4222-8333-444455556666"
	testSessionID = "session-1"
)

func newQueueFixture(t *testing.T, status models.SessionStatus) *queueFixture {
	t.Helper()
	// The clock sits before the session window, so pending sessions
	// stay pending on join unless a test moves the window.
	now := mustTime(t, "2026-01-07 10:30:00")
	store := &fakeQueueStore{
		session: &models.LabSession{
			ID:          testSessionID,
			SubjectID:   testSubjectID,
			SessionDate: mustTime(t, "2026-01-07 00:00:00"),
			StartTime:   mustTime(t, "2026-01-07 14:00:00"),
			EndTime:     mustTime(t, "2026-01-07 15:30:00"),
			Status:      status,
		},
	}
	enroll := &fakeEnrollments{enrolled: map[string]bool{}}
	listener := &capturingListener{}
	svc := NewQueueService(store, &fakeSessionProvider{store: store}, enroll, &fakeSchedules{}, nil, nil,
		config.QueueConfig{ServiceTimeMinutes: 7, AdvanceRetries: 3}, nil, nil)
	svc.Subscribe(listener)
	svc.now = func() time.Time { return now }
	return &queueFixture{service: svc, store: store, enroll: enroll, listener: listener, now: now}
}

func (f *queueFixture) enrollStudent(studentID string) {
	f.enroll.enrolled[studentID+"/"+testSubjectID] = true
}

func (f *queueFixture) join(t *testing.T, studentID string) *models.JoinResult {
	t.Helper()
	f.enrollStudent(studentID)
	result, err := f.service.Join(context.Background(), &models.JWTClaims{UserID: studentID, Role: models.RoleStudent},
		JoinQueueRequest{SubjectID: testSubjectID})
	require.NoError(t, err)
	return result
}

func TestQueueJoinRequiresEnrollment(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	_, err := f.service.Join(context.Background(), &models.JWTClaims{UserID: "alice", Role: models.RoleStudent},
		JoinQueueRequest{SubjectID: testSubjectID})
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrForbidden.Code, typed.Code)
}

func TestQueueJoinNoSessionToday(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	f.store.session = nil
	f.enrollStudent("alice")
	_, err := f.service.Join(context.Background(), &models.JWTClaims{UserID: "alice", Role: models.RoleStudent},
		JoinQueueRequest{SubjectID: testSubjectID})
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrNotFound.Code, typed.Code)
}

func TestQueueJoinFIFOPositions(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)

	first := f.join(t, "alice")
	second := f.join(t, "bob")
	third := f.join(t, "carol")

	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, 3, third.Position)
	assert.Equal(t, 14, second.EstimatedWaitMinutes)
	assert.Equal(t, models.EntryStatusWaiting, first.Entry.Status)
}

func TestQueueJoinDuplicateRejected(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	f.join(t, "alice")

	_, err := f.service.Join(context.Background(), &models.JWTClaims{UserID: "alice", Role: models.RoleStudent},
		JoinQueueRequest{SubjectID: testSubjectID})
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrAlreadyQueued.Code, typed.Code)
}

func TestQueueJoinAutoAdmission(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)

	result := f.join(t, "alice")

	assert.Equal(t, models.EntryStatusSubmitting, result.Entry.Status)
	require.NotNil(t, result.Entry.StartTime)
	assert.Equal(t, f.now, *result.Entry.StartTime)
	require.NotNil(t, f.store.session.CurrentEntryID)
	assert.Equal(t, result.Entry.ID, *f.store.session.CurrentEntryID)
	require.Len(t, f.listener.events, 1)
	assert.Equal(t, result.Entry.ID, f.listener.events[0].EntryID)
}

func TestQueueJoinSecondStudentWaitsBehindSubmitter(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)

	first := f.join(t, "alice")
	second := f.join(t, "bob")

	assert.Equal(t, models.EntryStatusSubmitting, first.Entry.Status)
	assert.Equal(t, models.EntryStatusWaiting, second.Entry.Status)
	assert.Equal(t, first.Entry.ID, *f.store.session.CurrentEntryID)
	assert.Equal(t, 2, second.Position)
}

func TestQueueJoinActivatesPendingSessionInWindow(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	f.store.session.StartTime = mustTime(t, "2026-01-07 10:00:00")
	f.store.session.EndTime = mustTime(t, "2026-01-07 11:30:00")

	result := f.join(t, "alice")

	assert.Equal(t, models.SessionStatusActive, f.store.session.Status)
	assert.Equal(t, models.EntryStatusSubmitting, result.Entry.Status)
}

func TestQueueJoinCompletedSessionRejected(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusCompleted)
	f.enrollStudent("alice")
	_, err := f.service.Join(context.Background(), &models.JWTClaims{UserID: "alice", Role: models.RoleStudent},
		JoinQueueRequest{SubjectID: testSubjectID})
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrInvalidState.Code, typed.Code)
}

func TestQueueCompleteAdvancesOldestWaiting(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)
	first := f.join(t, "alice")
	second := f.join(t, "bob")
	f.join(t, "carol")
	f.listener.events = nil

	completed, err := f.service.Complete(context.Background(),
		&models.JWTClaims{UserID: "alice", Role: models.RoleStudent}, first.Entry.ID)
	require.NoError(t, err)

	assert.Equal(t, models.EntryStatusCompleted, completed.Status)
	require.NotNil(t, completed.EndTime)
	require.NotNil(t, f.store.session.CurrentEntryID)
	assert.Equal(t, second.Entry.ID, *f.store.session.CurrentEntryID)
	require.Len(t, f.listener.events, 1)
	assert.Equal(t, "bob", f.listener.events[0].StudentID)
}

func TestQueueCompleteLastEntryCompletesSession(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)
	only := f.join(t, "alice")

	_, err := f.service.Complete(context.Background(),
		&models.JWTClaims{UserID: "alice", Role: models.RoleStudent}, only.Entry.ID)
	require.NoError(t, err)

	assert.Nil(t, f.store.session.CurrentEntryID)
	assert.Equal(t, models.SessionStatusCompleted, f.store.session.Status)
}

func TestQueueCompleteRequiresSubmittingStatus(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)
	f.join(t, "alice")
	waiting := f.join(t, "bob")

	_, err := f.service.Complete(context.Background(),
		&models.JWTClaims{UserID: "bob", Role: models.RoleStudent}, waiting.Entry.ID)
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrInvalidState.Code, typed.Code)
}

func TestQueueCompleteRejectsNonOwner(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)
	first := f.join(t, "alice")
	f.join(t, "bob")

	_, err := f.service.Complete(context.Background(),
		&models.JWTClaims{UserID: "bob", Role: models.RoleStudent}, first.Entry.ID)
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrForbidden.Code, typed.Code)
}

func TestQueueCompleteAllowsInstructor(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)
	first := f.join(t, "alice")

	_, err := f.service.Complete(context.Background(),
		&models.JWTClaims{UserID: "prof", Role: models.RoleInstructor}, first.Entry.ID)
	assert.NoError(t, err)
}

func TestQueueWithdrawWaitingEntryShiftsPositions(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	f.join(t, "alice")
	f.join(t, "bob")
	carol := f.join(t, "carol")

	err := f.service.Withdraw(context.Background(),
		&models.JWTClaims{UserID: "bob", Role: models.RoleStudent}, testSessionID)
	require.NoError(t, err)

	entry, err := f.store.FindEntryByID(context.Background(), carol.Entry.ID)
	require.NoError(t, err)
	position, err := f.store.Position(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, 2, position)
}

func TestQueueWithdrawSubmitterOnActiveSessionPromotesNext(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusActive)
	f.join(t, "alice")
	second := f.join(t, "bob")
	f.listener.events = nil

	err := f.service.Withdraw(context.Background(),
		&models.JWTClaims{UserID: "alice", Role: models.RoleStudent}, testSessionID)
	require.NoError(t, err)

	require.NotNil(t, f.store.session.CurrentEntryID)
	assert.Equal(t, second.Entry.ID, *f.store.session.CurrentEntryID)
	require.Len(t, f.listener.events, 1)
	assert.Equal(t, "bob", f.listener.events[0].StudentID)
}

func TestQueueWithdrawOnPendingSessionOnlyClearsSlot(t *testing.T) {
	// An entry can hold the slot on a pending session when the session
	// was demoted after admission; withdrawal must not promote anyone.
	f := newQueueFixture(t, models.SessionStatusActive)
	f.join(t, "alice")
	f.join(t, "bob")
	f.store.session.Status = models.SessionStatusPending
	f.listener.events = nil

	err := f.service.Withdraw(context.Background(),
		&models.JWTClaims{UserID: "alice", Role: models.RoleStudent}, testSessionID)
	require.NoError(t, err)

	assert.Nil(t, f.store.session.CurrentEntryID)
	assert.Empty(t, f.listener.events)
	entry, err := f.store.FindStudentOpenEntry(context.Background(), testSessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusWaiting, entry.Status)
}

func TestQueueWithdrawWithoutEntry(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	err := f.service.Withdraw(context.Background(),
		&models.JWTClaims{UserID: "alice", Role: models.RoleStudent}, testSessionID)
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrNotFound.Code, typed.Code)
}

func TestQueueStateReportsCallerPosition(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	f.join(t, "alice")
	f.join(t, "bob")

	state, err := f.service.State(context.Background(),
		&models.JWTClaims{UserID: "bob", Role: models.RoleStudent}, testSessionID)
	require.NoError(t, err)

	assert.Len(t, state.Entries, 2)
	require.NotNil(t, state.CallerEntry)
	assert.Equal(t, 2, state.Position)
	assert.Equal(t, 14, state.EstimatedWaitMinutes)
	assert.False(t, state.IsActive)
	assert.Nil(t, state.NextOccurrence)
}

func TestQueueStateRequiresEnrollment(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	_, err := f.service.State(context.Background(),
		&models.JWTClaims{UserID: "mallory", Role: models.RoleStudent}, testSessionID)
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrForbidden.Code, typed.Code)

	// Staff see any session's queue without an enrollment.
	_, err = f.service.State(context.Background(),
		&models.JWTClaims{UserID: "prof", Role: models.RoleInstructor}, testSessionID)
	require.NoError(t, err)
}

func TestQueueStateUsesScheduleRule(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	f.enrollStudent("alice")
	f.service.schedules = &fakeSchedules{rule: &models.ScheduleRule{
		ID:              "rule-1",
		SubjectID:       testSubjectID,
		DayOfWeek:       3,
		StartTime:       "10:00",
		DurationMinutes: 90,
		WeekParity:      models.WeekParityAll,
	}}

	state, err := f.service.State(context.Background(),
		&models.JWTClaims{UserID: "alice", Role: models.RoleStudent}, testSessionID)
	require.NoError(t, err)

	assert.True(t, state.IsActive)
	require.NotNil(t, state.NextOccurrence)
	// 10:30 is past today's 10:00 start, so the projection rolls a week.
	assert.Equal(t, mustTime(t, "2026-01-14 10:00:00"), *state.NextOccurrence)
}

func TestQueueSerializationRetryExhaustion(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	calls := 0
	err := f.service.withRetry(context.Background(), func() error {
		calls++
		return &pq.Error{Code: "40001"}
	})
	var typed *appErrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, appErrors.ErrConflict.Code, typed.Code)
	assert.Equal(t, 4, calls)
}

func TestQueueSerializationRetryEventualSuccess(t *testing.T) {
	f := newQueueFixture(t, models.SessionStatusPending)
	calls := 0
	err := f.service.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &pq.Error{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
