package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	appErrors "github.com/labqueue-io/lab-queue-api/pkg/errors"
)

type sessionStore interface {
	FindDetailByID(ctx context.Context, id string) (*models.LabSessionDetail, error)
	FindBySubjectAndDate(ctx context.Context, subjectID string, date time.Time) (*models.LabSession, error)
	ListForDate(ctx context.Context, date time.Time) ([]models.LabSessionDetail, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ReplaceForDate(ctx context.Context, session *models.LabSession) error
	Create(ctx context.Context, session *models.LabSession) error
}

type ruleSource interface {
	ListByDay(ctx context.Context, dayOfWeek int) ([]models.ScheduleRule, error)
	ListBySubject(ctx context.Context, subjectID string) ([]models.ScheduleRule, error)
}

// MaterializeResult summarizes one materializer pass.
type MaterializeResult struct {
	Retired int64 `json:"retired"`
	Created int   `json:"created"`
}

// SessionService turns schedule rules into dated lab sessions and
// retires sessions whose window has elapsed.
type SessionService struct {
	sessions sessionStore
	rules    ruleSource
	resolver ScheduleResolver
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewSessionService constructs SessionService.
func NewSessionService(sessions sessionStore, rules ruleSource, metrics *MetricsService, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{sessions: sessions, rules: rules, resolver: NewScheduleResolver(), metrics: metrics, logger: logger}
}

// Materialize rebuilds today's sessions from the schedule rules:
// expired sessions are retired, then every rule matching today's
// weekday and week parity gets a fresh session for the day. A rebuilt
// session replaces any existing one together with its queue, so this
// belongs on an administrative trigger, not on the request path.
func (s *SessionService) Materialize(ctx context.Context, now time.Time) (*MaterializeResult, error) {
	retired, err := s.sessions.DeleteExpired(ctx, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire expired sessions")
	}
	if retired > 0 {
		s.logger.Info("retired expired sessions", zap.Int64("count", retired))
	}

	rules, err := s.rules.ListByDay(ctx, isoWeekday(now))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule rules")
	}

	created := 0
	for _, rule := range rules {
		if !parityMatches(rule.WeekParity, now) {
			continue
		}
		session, err := s.sessionFromRule(rule, now)
		if err != nil {
			s.logger.Warn("skipping malformed schedule rule", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if err := s.sessions.ReplaceForDate(ctx, session); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to materialize session")
		}
		created++
	}
	if s.metrics != nil {
		s.metrics.SessionsMaterialized(created)
	}
	s.logger.Info("materialized sessions", zap.Int("created", created), zap.Int64("retired", retired))
	return &MaterializeResult{Retired: retired, Created: created}, nil
}

// EnsureForSubject guarantees the subject has a current session for
// today when a rule schedules one, without disturbing a live session
// or its queue. A session whose window has elapsed is retired and
// recreated as pending, so the queue path never sees a stale active
// session. Returns nil when no rule puts the subject on today's
// calendar.
func (s *SessionService) EnsureForSubject(ctx context.Context, subjectID string, now time.Time) (*models.LabSession, error) {
	existing, err := s.sessions.FindBySubjectAndDate(ctx, subjectID, now)
	switch {
	case err == nil:
		if existing.EndTime.After(now) {
			return existing, nil
		}
		if _, err := s.sessions.DeleteExpired(ctx, now); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to retire expired sessions")
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up session")
	}

	rules, err := s.rules.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule rules")
	}
	for _, rule := range rules {
		if rule.DayOfWeek != isoWeekday(now) || !parityMatches(rule.WeekParity, now) {
			continue
		}
		session, err := s.sessionFromRule(rule, now)
		if err != nil {
			s.logger.Warn("skipping malformed schedule rule", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
		}
		// Re-read so a concurrent creator's row wins over ours.
		fresh, err := s.sessions.FindBySubjectAndDate(ctx, subjectID, now)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up session")
		}
		if s.metrics != nil {
			s.metrics.SessionsMaterialized(1)
		}
		return fresh, nil
	}
	return nil, nil
}

// EnsureForDate retires elapsed sessions and fills in today's missing
// ones for every rule that fires on the date, leaving live sessions
// and their queues untouched. Failures degrade to fewer sessions
// rather than an error, so the read path stays available on
// scheduling misconfiguration.
func (s *SessionService) EnsureForDate(ctx context.Context, now time.Time) {
	if _, err := s.sessions.DeleteExpired(ctx, now); err != nil {
		s.logger.Warn("failed to retire expired sessions", zap.Error(err))
	}
	rules, err := s.rules.ListByDay(ctx, isoWeekday(now))
	if err != nil {
		s.logger.Warn("failed to load schedule rules", zap.Error(err))
		return
	}
	for _, rule := range rules {
		if !parityMatches(rule.WeekParity, now) {
			continue
		}
		if _, err := s.sessions.FindBySubjectAndDate(ctx, rule.SubjectID, now); err == nil {
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("failed to look up session", zap.String("subject_id", rule.SubjectID), zap.Error(err))
			continue
		}
		session, err := s.sessionFromRule(rule, now)
		if err != nil {
			s.logger.Warn("skipping malformed schedule rule", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			s.logger.Warn("failed to create session", zap.String("subject_id", rule.SubjectID), zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.SessionsMaterialized(1)
		}
	}
}

// ListForDate returns the pending and active sessions for a day.
func (s *SessionService) ListForDate(ctx context.Context, date time.Time) ([]models.LabSessionDetail, error) {
	sessions, err := s.sessions.ListForDate(ctx, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	if sessions == nil {
		sessions = []models.LabSessionDetail{}
	}
	return sessions, nil
}

// FindDetail returns one session with subject info.
func (s *SessionService) FindDetail(ctx context.Context, id string) (*models.LabSessionDetail, error) {
	detail, err := s.sessions.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return detail, nil
}

func (s *SessionService) sessionFromRule(rule models.ScheduleRule, now time.Time) (*models.LabSession, error) {
	start, end, err := ruleWindow(rule, now)
	if err != nil {
		return nil, err
	}
	status := models.SessionStatusPending
	if !now.Before(start) && !now.After(end) {
		status = models.SessionStatusActive
	}
	return &models.LabSession{
		SubjectID:   rule.SubjectID,
		SessionDate: dateOf(now),
		StartTime:   start,
		EndTime:     end,
		Status:      status,
	}, nil
}
