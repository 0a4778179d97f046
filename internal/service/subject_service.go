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

type subjectRepository interface {
	List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, int, error)
	FindByID(ctx context.Context, id string) (*models.Subject, error)
	Create(ctx context.Context, subject *models.Subject) error
	Update(ctx context.Context, subject *models.Subject) error
	Delete(ctx context.Context, id string) error
}

type enrollmentRepository interface {
	ExistsActive(ctx context.Context, studentID, subjectID string) (bool, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	ListBySubject(ctx context.Context, subjectID string) ([]models.EnrollmentDetail, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error)
	FindActive(ctx context.Context, studentID, subjectID string) (*models.Enrollment, error)
	UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error
}

type studentLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// CreateSubjectRequest describes subject creation payload.
type CreateSubjectRequest struct {
	Code        string `json:"code" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// UpdateSubjectRequest describes subject update payload.
type UpdateSubjectRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// EnrollStudentRequest registers a student to a subject.
type EnrollStudentRequest struct {
	StudentID string `json:"student_id" validate:"required,uuid"`
}

// SubjectService manages subjects and their enrollments.
type SubjectService struct {
	repo        subjectRepository
	enrollments enrollmentRepository
	students    studentLookup
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewSubjectService constructs SubjectService.
func NewSubjectService(repo subjectRepository, enrollments enrollmentRepository, students studentLookup, validate *validator.Validate, logger *zap.Logger) *SubjectService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubjectService{repo: repo, enrollments: enrollments, students: students, validator: validate, logger: logger}
}

// List returns subjects with pagination metadata.
func (s *SubjectService) List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, *models.Pagination, error) {
	subjects, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return subjects, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one subject.
func (s *SubjectService) Get(ctx context.Context, id string) (*models.Subject, error) {
	subject, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	return subject, nil
}

// Create registers a new subject.
func (s *SubjectService) Create(ctx context.Context, req CreateSubjectRequest) (*models.Subject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	now := time.Now().UTC()
	subject := &models.Subject{
		ID:          uuid.NewString(),
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subject")
	}
	s.logger.Info("subject created", zap.String("subject_id", subject.ID), zap.String("code", subject.Code))
	return subject, nil
}

// Update modifies a subject's name and description.
func (s *SubjectService) Update(ctx context.Context, id string, req UpdateSubjectRequest) (*models.Subject, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	subject, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	subject.Name = req.Name
	subject.Description = req.Description
	subject.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subject")
	}
	return subject, nil
}

// Delete removes a subject together with its schedules, sessions and
// enrollments (cascade).
func (s *SubjectService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete subject")
	}
	s.logger.Info("subject deleted", zap.String("subject_id", id))
	return nil
}

// Enroll registers a student on the subject.
func (s *SubjectService) Enroll(ctx context.Context, subjectID string, req EnrollStudentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if _, err := s.Get(ctx, subjectID); err != nil {
		return nil, err
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrValidation, "only students can be enrolled")
	}

	exists, err := s.enrollments.ExistsActive(ctx, req.StudentID, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if exists {
		return nil, appErrors.New("ALREADY_ENROLLED", appErrors.ErrConflict.Status, "student is already enrolled")
	}

	enrollment := &models.Enrollment{
		ID:        uuid.NewString(),
		StudentID: req.StudentID,
		SubjectID: subjectID,
		JoinedAt:  time.Now().UTC(),
		Status:    models.EnrollmentStatusActive,
	}
	if err := s.enrollments.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enroll student")
	}
	s.logger.Info("student enrolled", zap.String("subject_id", subjectID), zap.String("student_id", req.StudentID))
	return enrollment, nil
}

// Unenroll marks the student's enrollment on the subject as left.
func (s *SubjectService) Unenroll(ctx context.Context, subjectID, studentID string) error {
	if _, err := s.Get(ctx, subjectID); err != nil {
		return err
	}
	enrollment, err := s.enrollments.FindActive(ctx, studentID, subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if err := s.enrollments.UpdateStatus(ctx, enrollment.ID, models.EnrollmentStatusLeft); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment")
	}
	s.logger.Info("student unenrolled", zap.String("subject_id", subjectID), zap.String("student_id", studentID))
	return nil
}

// MyEnrollments lists the student's active enrollments.
func (s *SubjectService) MyEnrollments(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error) {
	enrollments, err := s.enrollments.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	if enrollments == nil {
		enrollments = []models.EnrollmentDetail{}
	}
	return enrollments, nil
}

// Enrollments lists the subject's enrollments.
func (s *SubjectService) Enrollments(ctx context.Context, subjectID string) ([]models.EnrollmentDetail, error) {
	if _, err := s.Get(ctx, subjectID); err != nil {
		return nil, err
	}
	enrollments, err := s.enrollments.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	if enrollments == nil {
		enrollments = []models.EnrollmentDetail{}
	}
	return enrollments, nil
}
