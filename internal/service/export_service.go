package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	appErrors "github.com/labqueue-io/lab-queue-api/pkg/errors"
	"github.com/labqueue-io/lab-queue-api/pkg/export"
)

type sessionDetailReader interface {
	FindDetail(ctx context.Context, id string) (*models.LabSessionDetail, error)
}

type queueEntryLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.QueueEntryDetail, error)
}

// ExportResult carries a rendered queue sheet.
type ExportResult struct {
	Data        []byte
	ContentType string
	Filename    string
}

// ExportService renders a session's queue sheet for instructors.
type ExportService struct {
	sessions sessionDetailReader
	entries  queueEntryLister
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
}

// NewExportService constructs ExportService.
func NewExportService(sessions sessionDetailReader, entries queueEntryLister, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		sessions: sessions,
		entries:  entries,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
	}
}

// Export renders the session's queue as CSV or PDF.
func (s *ExportService) Export(ctx context.Context, sessionID, format string) (*ExportResult, error) {
	if format != "csv" && format != "pdf" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	session, err := s.sessions.FindDetail(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.entries.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list queue entries")
	}

	dataset := export.Dataset{
		Headers: []string{"#", "Student", "Status", "Joined", "Started", "Finished"},
	}
	for i, entry := range entries {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"#":        strconv.Itoa(i + 1),
			"Student":  entry.StudentName,
			"Status":   string(entry.Status),
			"Joined":   entry.JoinTime.Format("15:04:05"),
			"Started":  formatOptionalTime(entry.StartTime),
			"Finished": formatOptionalTime(entry.EndTime),
		})
	}

	date := session.SessionDate.Format("2006-01-02")
	switch format {
	case "csv":
		data, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{
			Data:        data,
			ContentType: "text/csv",
			Filename:    fmt.Sprintf("queue-%s-%s.csv", session.SubjectCode, date),
		}, nil
	default:
		title := fmt.Sprintf("%s lab queue, %s", session.SubjectName, date)
		data, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{
			Data:        data,
			ContentType: "application/pdf",
			Filename:    fmt.Sprintf("queue-%s-%s.pdf", session.SubjectCode, date),
		}, nil
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("15:04:05")
}
