package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/labqueue-io/lab-queue-api/internal/models"
)

// ScheduleRepository handles persistence of schedule rules.
type ScheduleRepository struct {
	db *sqlx.DB
}

// NewScheduleRepository constructs the repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, subject_id, day_of_week, start_time, duration_minutes, week_parity, created_at`

// FindByID returns a schedule rule by its ID.
func (r *ScheduleRepository) FindByID(ctx context.Context, id string) (*models.ScheduleRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM schedule_rules WHERE id = $1`, scheduleColumns)
	var rule models.ScheduleRule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListBySubject returns all rules for a subject ordered by weekday.
func (r *ScheduleRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.ScheduleRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM schedule_rules WHERE subject_id = $1 ORDER BY day_of_week, start_time`, scheduleColumns)
	var rules []models.ScheduleRule
	if err := r.db.SelectContext(ctx, &rules, query, subjectID); err != nil {
		return nil, fmt.Errorf("list subject rules: %w", err)
	}
	return rules, nil
}

// FirstBySubject returns the earliest rule for a subject, or
// sql.ErrNoRows when the subject has no schedule.
func (r *ScheduleRepository) FirstBySubject(ctx context.Context, subjectID string) (*models.ScheduleRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM schedule_rules WHERE subject_id = $1 ORDER BY day_of_week, start_time LIMIT 1`, scheduleColumns)
	var rule models.ScheduleRule
	if err := r.db.GetContext(ctx, &rule, query, subjectID); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListByDay returns rules firing on the given ISO weekday (Mon=1).
func (r *ScheduleRepository) ListByDay(ctx context.Context, dayOfWeek int) ([]models.ScheduleRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM schedule_rules WHERE day_of_week = $1 ORDER BY start_time`, scheduleColumns)
	var rules []models.ScheduleRule
	if err := r.db.SelectContext(ctx, &rules, query, dayOfWeek); err != nil {
		return nil, fmt.Errorf("list rules by day: %w", err)
	}
	return rules, nil
}

// Create persists a new schedule rule.
func (r *ScheduleRepository) Create(ctx context.Context, rule *models.ScheduleRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO schedule_rules (id, subject_id, day_of_week, start_time, duration_minutes, week_parity, created_at)
        VALUES (:id, :subject_id, :day_of_week, :start_time, :duration_minutes, :week_parity, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		return fmt.Errorf("create schedule rule: %w", err)
	}
	return nil
}

// Delete removes a schedule rule. Rules are immutable; replacement is
// delete plus create.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM schedule_rules WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete schedule rule: %w", err)
	}
	return nil
}
