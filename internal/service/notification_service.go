package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/pkg/config"
	"github.com/labqueue-io/lab-queue-api/pkg/jobs"
)

// Notifier delivers a rendered message to a recipient address. The
// address is the user's telegram id; delivery mechanics live behind
// this interface.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}

// LogNotifier writes notifications to the application log. It stands
// in wherever no external delivery channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the message.
func (n *LogNotifier) Notify(_ context.Context, recipient, message string) error {
	n.logger.Info("notification", zap.String("recipient", recipient), zap.String("message", message))
	return nil
}

type userDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type subjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

// NotificationService tells students their defense slot has opened.
// It subscribes to queue promotions and hands delivery to a worker
// queue; delivery failures never reach queue state.
type NotificationService struct {
	users    userDirectory
	subjects subjectReader
	notifier Notifier
	queue    *jobs.Queue
	logger   *zap.Logger
}

type promotionJob struct {
	Event models.PromotionEvent
}

// NewNotificationService constructs the service and its worker queue.
// Call Start before subscribing it to the queue engine.
func NewNotificationService(users userDirectory, subjects subjectReader, notifier Notifier, cfg config.NotificationsConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	s := &NotificationService{users: users, subjects: subjects, notifier: notifier, logger: logger}
	s.queue = jobs.NewQueue("promotion-notifications", s.deliver, jobs.Options{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the delivery workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// HandlePromotion implements PromotionListener. Enqueue failures are
// logged and swallowed; the promotion itself already committed.
func (s *NotificationService) HandlePromotion(_ context.Context, event models.PromotionEvent) {
	err := s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "promotion",
		Payload: promotionJob{Event: event},
	})
	if err != nil {
		s.logger.Warn("failed to enqueue promotion notification",
			zap.String("entry_id", event.EntryID), zap.Error(err))
	}
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(promotionJob)
	if !ok {
		s.logger.Error("unexpected job payload", zap.String("job_id", job.ID))
		return nil
	}
	event := payload.Event

	user, err := s.users.FindByID(ctx, event.StudentID)
	if err != nil {
		return fmt.Errorf("load promoted student: %w", err)
	}
	if user.TelegramID == nil || *user.TelegramID == "" {
		s.logger.Debug("promoted student has no telegram id", zap.String("student_id", event.StudentID))
		return nil
	}

	subjectName := event.SubjectID
	if subject, err := s.subjects.FindByID(ctx, event.SubjectID); err == nil {
		subjectName = subject.Name
	}

	message := fmt.Sprintf("You're up! Your %s lab defense slot is open as of %s.",
		subjectName, event.PromotedAt.Format("15:04"))
	if err := s.notifier.Notify(ctx, *user.TelegramID, message); err != nil {
		return fmt.Errorf("deliver promotion notification: %w", err)
	}
	return nil
}
