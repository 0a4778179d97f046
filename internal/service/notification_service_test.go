package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/pkg/config"
	"github.com/labqueue-io/lab-queue-api/pkg/jobs"
)

type fakeUserDirectory struct {
	users map[string]*models.User
}

func (f *fakeUserDirectory) FindByID(_ context.Context, id string) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

type fakeSubjectReader struct {
	subjects map[string]*models.Subject
}

func (f *fakeSubjectReader) FindByID(_ context.Context, id string) (*models.Subject, error) {
	if s, ok := f.subjects[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

type capturingNotifier struct {
	recipients []string
	messages   []string
}

func (n *capturingNotifier) Notify(_ context.Context, recipient, message string) error {
	n.recipients = append(n.recipients, recipient)
	n.messages = append(n.messages, message)
	return nil
}

func promotionTestJob(event models.PromotionEvent) jobs.Job {
	return jobs.Job{ID: "job-1", Type: "promotion", Payload: promotionJob{Event: event}}
}

func newNotificationFixture(users *fakeUserDirectory, subjects *fakeSubjectReader, notifier Notifier) *NotificationService {
	return NewNotificationService(users, subjects, notifier, config.NotificationsConfig{}, nil)
}

func TestNotificationDeliversToTelegramID(t *testing.T) {
	tgID := "tg-42"
	users := &fakeUserDirectory{users: map[string]*models.User{
		"alice": {ID: "alice", TelegramID: &tgID},
	}}
	subjects := &fakeSubjectReader{subjects: map[string]*models.Subject{
		"os": {ID: "os", Name: "Operating Systems"},
	}}
	notifier := &capturingNotifier{}
	svc := newNotificationFixture(users, subjects, notifier)

	event := models.PromotionEvent{
		SessionID:  "sess-1",
		EntryID:    "entry-1",
		StudentID:  "alice",
		SubjectID:  "os",
		PromotedAt: time.Date(2026, 1, 7, 10, 30, 0, 0, time.UTC),
	}
	err := svc.deliver(context.Background(), promotionTestJob(event))
	require.NoError(t, err)

	require.Len(t, notifier.recipients, 1)
	assert.Equal(t, "tg-42", notifier.recipients[0])
	assert.Contains(t, notifier.messages[0], "Operating Systems")
	assert.Contains(t, notifier.messages[0], "10:30")
}

func TestNotificationSkipsStudentWithoutTelegramID(t *testing.T) {
	users := &fakeUserDirectory{users: map[string]*models.User{
		"bob": {ID: "bob"},
	}}
	notifier := &capturingNotifier{}
	svc := newNotificationFixture(users, &fakeSubjectReader{}, notifier)

	err := svc.deliver(context.Background(), promotionTestJob(models.PromotionEvent{StudentID: "bob"}))
	require.NoError(t, err)
	assert.Empty(t, notifier.recipients)
}

func TestNotificationFallsBackToSubjectID(t *testing.T) {
	tgID := "tg-7"
	users := &fakeUserDirectory{users: map[string]*models.User{
		"carol": {ID: "carol", TelegramID: &tgID},
	}}
	notifier := &capturingNotifier{}
	svc := newNotificationFixture(users, &fakeSubjectReader{}, notifier)

	event := models.PromotionEvent{StudentID: "carol", SubjectID: "net-220", PromotedAt: time.Now()}
	err := svc.deliver(context.Background(), promotionTestJob(event))
	require.NoError(t, err)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "net-220")
}

func TestNotificationErrorsWhenStudentMissing(t *testing.T) {
	notifier := &capturingNotifier{}
	svc := newNotificationFixture(&fakeUserDirectory{}, &fakeSubjectReader{}, notifier)

	err := svc.deliver(context.Background(), promotionTestJob(models.PromotionEvent{StudentID: "ghost"}))
	require.Error(t, err)
	assert.Empty(t, notifier.recipients)
}
