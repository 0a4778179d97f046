package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/internal/repository"
	"github.com/labqueue-io/lab-queue-api/pkg/config"
	appErrors "github.com/labqueue-io/lab-queue-api/pkg/errors"
)

type queueStore interface {
	WithSession(ctx context.Context, sessionID string, fn func(repository.QueueTx) error) error
	ListBySession(ctx context.Context, sessionID string) ([]models.QueueEntryDetail, error)
	FindEntryByID(ctx context.Context, id string) (*models.QueueEntry, error)
	FindStudentOpenEntry(ctx context.Context, sessionID, studentID string) (*models.QueueEntry, error)
	Position(ctx context.Context, entry *models.QueueEntry) (int, error)
}

type sessionProvider interface {
	EnsureForSubject(ctx context.Context, subjectID string, now time.Time) (*models.LabSession, error)
	FindDetail(ctx context.Context, id string) (*models.LabSessionDetail, error)
}

type enrollmentChecker interface {
	ExistsActive(ctx context.Context, studentID, subjectID string) (bool, error)
}

type scheduleReader interface {
	FirstBySubject(ctx context.Context, subjectID string) (*models.ScheduleRule, error)
}

// PromotionListener is notified after a queue transaction commits an
// entry into the submitting slot.
type PromotionListener interface {
	HandlePromotion(ctx context.Context, event models.PromotionEvent)
}

// JoinQueueRequest describes a join payload.
type JoinQueueRequest struct {
	SubjectID string `json:"subject_id" validate:"required,uuid"`
}

// QueueService is the queue engine behind all queue endpoints. Every
// mutation runs inside a transaction holding a row lock on the
// session, so the single-submitter invariant and FIFO advancement
// hold under concurrent requests.
type QueueService struct {
	repo        queueStore
	sessions    sessionProvider
	enrollments enrollmentChecker
	schedules   scheduleReader
	cache       *CacheService
	metrics     *MetricsService
	resolver    ScheduleResolver
	cfg         config.QueueConfig
	listeners   []PromotionListener
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewQueueService constructs QueueService.
func NewQueueService(repo queueStore, sessions sessionProvider, enrollments enrollmentChecker, schedules scheduleReader, cache *CacheService, metrics *MetricsService, cfg config.QueueConfig, validate *validator.Validate, logger *zap.Logger) *QueueService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceTimeMinutes <= 0 {
		cfg.ServiceTimeMinutes = 7
	}
	if cfg.AdvanceRetries <= 0 {
		cfg.AdvanceRetries = 3
	}
	return &QueueService{
		repo:        repo,
		sessions:    sessions,
		enrollments: enrollments,
		schedules:   schedules,
		cache:       cache,
		metrics:     metrics,
		resolver:    NewScheduleResolver(),
		cfg:         cfg,
		validator:   validate,
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe registers a listener for promotion events. Not safe to
// call once requests are being served.
func (s *QueueService) Subscribe(listener PromotionListener) {
	if listener != nil {
		s.listeners = append(s.listeners, listener)
	}
}

// Join places the student at the tail of today's queue for the
// subject. The session is ensured first, so joining materializes the
// day's session on demand. When the session is active and nobody
// holds the submitting slot, the new entry is admitted immediately.
func (s *QueueService) Join(ctx context.Context, actor *models.JWTClaims, req JoinQueueRequest) (*models.JoinResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid join request")
	}
	now := s.now()

	enrolled, err := s.enrollments.ExistsActive(ctx, actor.UserID, req.SubjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if !enrolled {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not enrolled in this subject")
	}

	session, err := s.sessions.EnsureForSubject(ctx, req.SubjectID, now)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no lab session scheduled for today")
	}

	var entry models.QueueEntry
	var events []models.PromotionEvent
	err = s.withRetry(ctx, func() error {
		entry = models.QueueEntry{StudentID: actor.UserID, JoinTime: now, Status: models.EntryStatusWaiting}
		events = events[:0]
		return s.repo.WithSession(ctx, session.ID, func(tx repository.QueueTx) error {
			sess := tx.Session()
			if sess.Status == models.SessionStatusCompleted {
				return appErrors.Clone(appErrors.ErrInvalidState, "session is already completed")
			}
			if sess.Status == models.SessionStatusPending && !now.Before(sess.StartTime) && !now.After(sess.EndTime) {
				if err := tx.SetSessionStatus(models.SessionStatusActive); err != nil {
					return err
				}
			}
			open, err := tx.HasOpenEntry(actor.UserID)
			if err != nil {
				return err
			}
			if open {
				return appErrors.ErrAlreadyQueued
			}
			if err := tx.InsertEntry(&entry); err != nil {
				return err
			}
			if sess.Status == models.SessionStatusActive && sess.CurrentEntryID == nil {
				if err := tx.MarkSubmitting(entry.ID, now); err != nil {
					return err
				}
				if err := tx.SetCurrentEntry(&entry.ID); err != nil {
					return err
				}
				entry.Status = models.EntryStatusSubmitting
				start := now
				entry.StartTime = &start
				events = append(events, models.PromotionEvent{
					SessionID: sess.ID, EntryID: entry.ID, StudentID: entry.StudentID,
					SubjectID: sess.SubjectID, PromotedAt: now,
				})
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, s.normalize(err, "failed to join queue")
	}

	position, err := s.repo.Position(ctx, &entry)
	if err != nil {
		s.logger.Warn("failed to compute position after join", zap.String("entry_id", entry.ID), zap.Error(err))
		position = 0
	}

	s.metrics.QueueJoin()
	s.publish(ctx, events)
	s.invalidateState(ctx, session.ID)
	s.logger.Info("student joined queue",
		zap.String("session_id", session.ID),
		zap.String("student_id", actor.UserID),
		zap.Int("position", position))

	return &models.JoinResult{
		Entry:                entry,
		Position:             position,
		EstimatedWaitMinutes: position * s.cfg.ServiceTimeMinutes,
	}, nil
}

// State returns the session's queue snapshot: entries in FIFO order,
// the caller's position and wait estimate, and the schedule's
// activity and next occurrence. Positions are a point-in-time
// projection; concurrent joins and withdrawals may outdate them by
// the time the response lands.
func (s *QueueService) State(ctx context.Context, actor *models.JWTClaims, sessionID string) (*models.QueueState, error) {
	now := s.now()
	cacheKey := s.stateCacheKey(sessionID, actor.UserID)
	if s.cache.Enabled() {
		var cached models.QueueState
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	detail, err := s.sessions.FindDetail(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if actor.Role == models.RoleStudent {
		enrolled, err := s.enrollments.ExistsActive(ctx, actor.UserID, detail.SubjectID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
		}
		if !enrolled {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "student is not enrolled in this subject")
		}
	}

	entries, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list queue entries")
	}
	if entries == nil {
		entries = []models.QueueEntryDetail{}
	}

	state := &models.QueueState{Session: *detail, Entries: entries}

	callerEntry, err := s.repo.FindStudentOpenEntry(ctx, sessionID, actor.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load caller entry")
	}
	if callerEntry != nil {
		position, err := s.repo.Position(ctx, callerEntry)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute position")
		}
		state.CallerEntry = callerEntry
		state.Position = position
		state.EstimatedWaitMinutes = position * s.cfg.ServiceTimeMinutes
	}

	rule, err := s.schedules.FirstBySubject(ctx, detail.SubjectID)
	switch {
	case err == nil:
		active, next, resolveErr := s.resolver.Resolve(*rule, now)
		if resolveErr != nil {
			s.logger.Warn("failed to resolve schedule rule", zap.String("rule_id", rule.ID), zap.Error(resolveErr))
			state.IsActive = detail.Status == models.SessionStatusActive
		} else {
			state.IsActive = active
			state.NextOccurrence = &next
		}
	case errors.Is(err, sql.ErrNoRows):
		state.IsActive = detail.Status == models.SessionStatusActive
	default:
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule rule")
	}

	if s.cache.Enabled() {
		_ = s.cache.Set(ctx, cacheKey, state, s.cfg.StateCacheTTL)
	}
	return state, nil
}

// Complete finishes the caller's defense and advances the queue: the
// oldest waiting entry takes the submitting slot, or the session
// completes when nobody is left.
func (s *QueueService) Complete(ctx context.Context, actor *models.JWTClaims, entryID string) (*models.QueueEntry, error) {
	ref, err := s.repo.FindEntryByID(ctx, entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load queue entry")
	}

	now := s.now()
	var completed *models.QueueEntry
	var events []models.PromotionEvent
	err = s.withRetry(ctx, func() error {
		events = events[:0]
		return s.repo.WithSession(ctx, ref.SessionID, func(tx repository.QueueTx) error {
			entry, err := tx.FindEntry(entryID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return appErrors.Clone(appErrors.ErrNotFound, "queue entry not found")
				}
				return err
			}
			if entry.StudentID != actor.UserID && actor.Role == models.RoleStudent {
				return appErrors.Clone(appErrors.ErrForbidden, "entry belongs to another student")
			}
			if entry.Status != models.EntryStatusSubmitting {
				return appErrors.Clone(appErrors.ErrInvalidState, "entry is not in the submitting slot")
			}
			if err := tx.MarkCompleted(entry.ID, now); err != nil {
				return err
			}
			entry.Status = models.EntryStatusCompleted
			end := now
			entry.EndTime = &end
			completed = entry

			event, err := s.advance(tx, now)
			if err != nil {
				return err
			}
			if event != nil {
				events = append(events, *event)
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, s.normalize(err, "failed to complete entry")
	}

	s.metrics.QueueCompletion()
	s.publish(ctx, events)
	s.invalidateState(ctx, ref.SessionID)
	s.logger.Info("defense completed",
		zap.String("session_id", ref.SessionID),
		zap.String("entry_id", entryID))
	return completed, nil
}

// Withdraw removes the caller's open entry from the session's queue.
// When the departing entry held the submitting slot on an active
// session, the oldest waiting entry is promoted in its place; on a
// pending session the slot is only cleared.
func (s *QueueService) Withdraw(ctx context.Context, actor *models.JWTClaims, sessionID string) error {
	now := s.now()
	var events []models.PromotionEvent
	err := s.withRetry(ctx, func() error {
		events = events[:0]
		return s.repo.WithSession(ctx, sessionID, func(tx repository.QueueTx) error {
			entry, err := tx.FindStudentOpenEntry(actor.UserID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return appErrors.Clone(appErrors.ErrNotFound, "no open entry on this session")
				}
				return err
			}
			heldSlot := entry.Status == models.EntryStatusSubmitting
			if err := tx.DeleteEntry(entry.ID); err != nil {
				return err
			}
			if !heldSlot {
				return nil
			}
			if tx.Session().Status != models.SessionStatusActive {
				return tx.SetCurrentEntry(nil)
			}
			event, err := s.advance(tx, now)
			if err != nil {
				return err
			}
			if event != nil {
				events = append(events, *event)
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return s.normalize(err, "failed to withdraw from queue")
	}

	s.metrics.QueueWithdrawal()
	s.publish(ctx, events)
	s.invalidateState(ctx, sessionID)
	s.logger.Info("student withdrew from queue",
		zap.String("session_id", sessionID),
		zap.String("student_id", actor.UserID))
	return nil
}

// advance hands the submitting slot to the oldest waiting entry. With
// no waiters the slot is cleared, and the session completes once no
// open entries remain at all.
func (s *QueueService) advance(tx repository.QueueTx, now time.Time) (*models.PromotionEvent, error) {
	next, err := tx.OldestWaiting()
	if err != nil {
		return nil, err
	}
	if next != nil {
		if err := tx.MarkSubmitting(next.ID, now); err != nil {
			return nil, err
		}
		if err := tx.SetCurrentEntry(&next.ID); err != nil {
			return nil, err
		}
		return &models.PromotionEvent{
			SessionID:  tx.Session().ID,
			EntryID:    next.ID,
			StudentID:  next.StudentID,
			SubjectID:  tx.Session().SubjectID,
			PromotedAt: now,
		}, nil
	}
	if err := tx.SetCurrentEntry(nil); err != nil {
		return nil, err
	}
	open, err := tx.HasOpenEntries()
	if err != nil {
		return nil, err
	}
	if !open {
		if err := tx.SetSessionStatus(models.SessionStatusCompleted); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// withRetry reruns fn when it loses a serialization race, up to the
// configured bound.
func (s *QueueService) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.AdvanceRetries; attempt++ {
		if attempt > 0 {
			s.metrics.SerializationRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		err = fn()
		if err == nil || !repository.IsSerializationError(err) {
			return err
		}
		s.logger.Warn("queue transaction lost serialization race, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, appErrors.ErrConflict.Message)
}

func (s *QueueService) publish(ctx context.Context, events []models.PromotionEvent) {
	for _, event := range events {
		if s.metrics != nil {
			s.metrics.QueuePromotion()
		}
		for _, listener := range s.listeners {
			listener.HandlePromotion(ctx, event)
		}
	}
}

func (s *QueueService) invalidateState(ctx context.Context, sessionID string) {
	if !s.cache.Enabled() {
		return
	}
	_ = s.cache.Invalidate(ctx, fmt.Sprintf("queue:state:%s:*", sessionID))
}

func (s *QueueService) stateCacheKey(sessionID, userID string) string {
	return fmt.Sprintf("queue:state:%s:%s", sessionID, userID)
}

// normalize passes typed domain errors through and wraps everything
// else as internal.
func (s *QueueService) normalize(err error, message string) error {
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
