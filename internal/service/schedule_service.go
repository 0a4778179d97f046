package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	appErrors "github.com/labqueue-io/lab-queue-api/pkg/errors"
)

type scheduleRepository interface {
	FindByID(ctx context.Context, id string) (*models.ScheduleRule, error)
	ListBySubject(ctx context.Context, subjectID string) ([]models.ScheduleRule, error)
	Create(ctx context.Context, rule *models.ScheduleRule) error
	Delete(ctx context.Context, id string) error
}

type subjectLookup interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

// CreateScheduleRequest describes a new weekly rule. DayOfWeek is ISO
// numbering, Monday=1 through Sunday=7.
type CreateScheduleRequest struct {
	DayOfWeek       int    `json:"day_of_week" validate:"required,min=1,max=7"`
	StartTime       string `json:"start_time" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1,max=720"`
	WeekParity      string `json:"week_parity" validate:"omitempty,oneof=all even odd"`
}

// ScheduleService manages the weekly recurring rules sessions are
// materialized from. Rules are immutable; replace instead of edit.
type ScheduleService struct {
	repo      scheduleRepository
	subjects  subjectLookup
	validator *validator.Validate
	logger    *zap.Logger
}

// NewScheduleService constructs ScheduleService.
func NewScheduleService(repo scheduleRepository, subjects subjectLookup, validate *validator.Validate, logger *zap.Logger) *ScheduleService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleService{repo: repo, subjects: subjects, validator: validate, logger: logger}
}

// ListBySubject returns the subject's rules.
func (s *ScheduleService) ListBySubject(ctx context.Context, subjectID string) ([]models.ScheduleRule, error) {
	if _, err := s.subjects.FindByID(ctx, subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	rules, err := s.repo.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list schedule rules")
	}
	if rules == nil {
		rules = []models.ScheduleRule{}
	}
	return rules, nil
}

// Create adds a weekly rule for the subject.
func (s *ScheduleService) Create(ctx context.Context, subjectID string, req CreateScheduleRequest) (*models.ScheduleRule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid schedule payload")
	}
	if _, err := time.Parse("15:04", req.StartTime); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_time must be HH:MM")
	}
	if _, err := s.subjects.FindByID(ctx, subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	parity := models.WeekParity(req.WeekParity)
	if parity == "" {
		parity = models.WeekParityAll
	}
	rule := &models.ScheduleRule{
		ID:              uuid.NewString(),
		SubjectID:       subjectID,
		DayOfWeek:       req.DayOfWeek,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		WeekParity:      parity,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create schedule rule")
	}
	s.logger.Info("schedule rule created",
		zap.String("subject_id", subjectID),
		zap.Int("day_of_week", rule.DayOfWeek),
		zap.String("start_time", rule.StartTime))
	return rule, nil
}

// Delete removes a rule. Already materialized sessions are untouched.
func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "schedule rule not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule rule")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete schedule rule")
	}
	return nil
}
