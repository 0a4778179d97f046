package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

type fakeSessionStore struct {
	sessions map[string]*models.LabSession // keyed by subject_id + date
	retired  int64
	replaced []string
	nextID   int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]*models.LabSession{}}
}

func sessionKey(subjectID string, date time.Time) string {
	return subjectID + "@" + date.Format("2006-01-02")
}

func (f *fakeSessionStore) FindByID(_ context.Context, id string) (*models.LabSession, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeSessionStore) FindDetailByID(_ context.Context, id string) (*models.LabSessionDetail, error) {
	session, err := f.FindByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return &models.LabSessionDetail{LabSession: *session}, nil
}

func (f *fakeSessionStore) FindBySubjectAndDate(_ context.Context, subjectID string, date time.Time) (*models.LabSession, error) {
	if s, ok := f.sessions[sessionKey(subjectID, date)]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeSessionStore) ListForDate(_ context.Context, date time.Time) ([]models.LabSessionDetail, error) {
	var out []models.LabSessionDetail
	for _, s := range f.sessions {
		if s.SessionDate.Equal(dateOf(date)) && s.Status != models.SessionStatusCompleted {
			out = append(out, models.LabSessionDetail{LabSession: *s})
		}
	}
	return out, nil
}

func (f *fakeSessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var removed int64
	for key, s := range f.sessions {
		if !s.EndTime.After(now) {
			delete(f.sessions, key)
			removed++
		}
	}
	f.retired = removed
	return removed, nil
}

func (f *fakeSessionStore) ReplaceForDate(_ context.Context, session *models.LabSession) error {
	f.assignID(session)
	f.replaced = append(f.replaced, session.SubjectID)
	stored := *session
	f.sessions[sessionKey(session.SubjectID, session.SessionDate)] = &stored
	return nil
}

func (f *fakeSessionStore) Create(_ context.Context, session *models.LabSession) error {
	key := sessionKey(session.SubjectID, session.SessionDate)
	if _, ok := f.sessions[key]; ok {
		return nil
	}
	f.assignID(session)
	stored := *session
	f.sessions[key] = &stored
	return nil
}

func (f *fakeSessionStore) assignID(session *models.LabSession) {
	if session.ID == "" {
		f.nextID++
		session.ID = string(rune('a' + f.nextID))
	}
}

type fakeRuleSource struct {
	rules []models.ScheduleRule
}

func (f *fakeRuleSource) ListByDay(_ context.Context, dayOfWeek int) ([]models.ScheduleRule, error) {
	var out []models.ScheduleRule
	for _, r := range f.rules {
		if r.DayOfWeek == dayOfWeek {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleSource) ListBySubject(_ context.Context, subjectID string) ([]models.ScheduleRule, error) {
	var out []models.ScheduleRule
	for _, r := range f.rules {
		if r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestMaterializeCreatesSessionsForMatchingRules(t *testing.T) {
	// Wednesday 2026-01-07, ISO week 2 (even).
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
		{ID: "r2", SubjectID: "db", DayOfWeek: 3, StartTime: "12:00", DurationMinutes: 60, WeekParity: models.WeekParityEven},
		{ID: "r3", SubjectID: "net", DayOfWeek: 3, StartTime: "14:00", DurationMinutes: 60, WeekParity: models.WeekParityOdd},
		{ID: "r4", SubjectID: "algo", DayOfWeek: 4, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	result, err := svc.Materialize(context.Background(), now)
	require.NoError(t, err)

	// r3 fails parity, r4 is Thursday.
	assert.Equal(t, 2, result.Created)
	assert.ElementsMatch(t, []string{"os", "db"}, store.replaced)

	session, err := store.FindBySubjectAndDate(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, session.Status)
	assert.Equal(t, mustTime(t, "2026-01-07 10:00:00"), session.StartTime)
	assert.Equal(t, mustTime(t, "2026-01-07 11:30:00"), session.EndTime)
}

func TestMaterializeTwiceYieldsOneSessionPerSubjectAndDate(t *testing.T) {
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	first, err := svc.Materialize(context.Background(), now)
	require.NoError(t, err)
	second, err := svc.Materialize(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 1, second.Created)
	require.Len(t, store.sessions, 1)
	session, err := store.FindBySubjectAndDate(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Equal(t, dateOf(now), session.SessionDate)
}

func TestMaterializeMarksInWindowSessionActive(t *testing.T) {
	now := mustTime(t, "2026-01-07 10:30:00")
	store := newFakeSessionStore()
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	_, err := svc.Materialize(context.Background(), now)
	require.NoError(t, err)

	session, err := store.FindBySubjectAndDate(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, session.Status)
}

func TestMaterializeRetiresElapsedSessions(t *testing.T) {
	now := mustTime(t, "2026-01-07 12:00:00")
	store := newFakeSessionStore()
	stale := &models.LabSession{
		ID: "old", SubjectID: "os",
		SessionDate: dateOf(mustTime(t, "2026-01-06 00:00:00")),
		StartTime:   mustTime(t, "2026-01-06 10:00:00"),
		EndTime:     mustTime(t, "2026-01-06 11:30:00"),
		Status:      models.SessionStatusActive,
	}
	store.sessions[sessionKey("os", stale.SessionDate)] = stale
	svc := NewSessionService(store, &fakeRuleSource{}, nil, nil)

	result, err := svc.Materialize(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Retired)
	_, err = store.FindBySubjectAndDate(context.Background(), "os", stale.SessionDate)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestEnsureForSubjectKeepsExistingSession(t *testing.T) {
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	existing := &models.LabSession{
		ID: "keep", SubjectID: "os",
		SessionDate: dateOf(now),
		StartTime:   mustTime(t, "2026-01-07 10:00:00"),
		EndTime:     mustTime(t, "2026-01-07 11:30:00"),
		Status:      models.SessionStatusPending,
	}
	store.sessions[sessionKey("os", dateOf(now))] = existing
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	session, err := svc.EnsureForSubject(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Equal(t, "keep", session.ID)
	assert.Empty(t, store.replaced)
}

func TestEnsureForSubjectCreatesMissingSession(t *testing.T) {
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	session, err := svc.EnsureForSubject(context.Background(), "os", now)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.SessionStatusPending, session.Status)
	assert.Equal(t, dateOf(now), session.SessionDate)
}

func TestEnsureForSubjectNoRuleToday(t *testing.T) {
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 5, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	session, err := svc.EnsureForSubject(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestEnsureForSubjectRetiresElapsedSession(t *testing.T) {
	// The session's window ended at 09:30; by 10:30 it must not be
	// handed back to the queue path still active.
	now := mustTime(t, "2026-01-07 10:30:00")
	store := newFakeSessionStore()
	elapsed := &models.LabSession{
		ID: "stale", SubjectID: "os",
		SessionDate: dateOf(now),
		StartTime:   mustTime(t, "2026-01-07 08:00:00"),
		EndTime:     mustTime(t, "2026-01-07 09:30:00"),
		Status:      models.SessionStatusActive,
	}
	store.sessions[sessionKey("os", dateOf(now))] = elapsed
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "08:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	session, err := svc.EnsureForSubject(context.Background(), "os", now)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEqual(t, "stale", session.ID)
	assert.Equal(t, models.SessionStatusPending, session.Status)
}

func TestEnsureForDateRetiresElapsedSessions(t *testing.T) {
	now := mustTime(t, "2026-01-07 12:00:00")
	store := newFakeSessionStore()
	elapsed := &models.LabSession{
		ID: "stale", SubjectID: "os",
		SessionDate: dateOf(now),
		StartTime:   mustTime(t, "2026-01-07 10:00:00"),
		EndTime:     mustTime(t, "2026-01-07 11:30:00"),
		Status:      models.SessionStatusActive,
	}
	store.sessions[sessionKey("os", dateOf(now))] = elapsed
	svc := NewSessionService(store, &fakeRuleSource{}, nil, nil)

	svc.EnsureForDate(context.Background(), now)

	_, err := store.FindBySubjectAndDate(context.Background(), "os", now)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestEnsureForDateFillsMissingSessionsOnly(t *testing.T) {
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	existing := &models.LabSession{
		ID: "keep", SubjectID: "os",
		SessionDate: dateOf(now),
		StartTime:   mustTime(t, "2026-01-07 10:00:00"),
		EndTime:     mustTime(t, "2026-01-07 11:30:00"),
		Status:      models.SessionStatusPending,
	}
	store.sessions[sessionKey("os", dateOf(now))] = existing
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityAll},
		{ID: "r2", SubjectID: "db", DayOfWeek: 3, StartTime: "12:00", DurationMinutes: 60, WeekParity: models.WeekParityAll},
		{ID: "r3", SubjectID: "net", DayOfWeek: 3, StartTime: "14:00", DurationMinutes: 60, WeekParity: models.WeekParityOdd},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	svc.EnsureForDate(context.Background(), now)

	kept, err := store.FindBySubjectAndDate(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Equal(t, "keep", kept.ID)

	created, err := store.FindBySubjectAndDate(context.Background(), "db", now)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, created.Status)

	_, err = store.FindBySubjectAndDate(context.Background(), "net", now)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestEnsureForSubjectParityMismatch(t *testing.T) {
	// Week 2 is even; odd-week rule yields nothing today.
	now := mustTime(t, "2026-01-07 09:00:00")
	store := newFakeSessionStore()
	rules := &fakeRuleSource{rules: []models.ScheduleRule{
		{ID: "r1", SubjectID: "os", DayOfWeek: 3, StartTime: "10:00", DurationMinutes: 90, WeekParity: models.WeekParityOdd},
	}}
	svc := NewSessionService(store, rules, nil, nil)

	session, err := svc.EnsureForSubject(context.Background(), "os", now)
	require.NoError(t, err)
	assert.Nil(t, session)
}
