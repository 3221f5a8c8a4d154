package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/neuroscan/internal/entity"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
	"github.com/joseph-ayodele/neuroscan/internal/utils"
)

const (
	sheet    = "Sessions"
	pageSize = 500
)

// Service produces XLSX workbooks of analysis sessions.
type Service struct {
	sessions repository.SessionRepository
	results  repository.ResultRepository
	logger   *slog.Logger
}

func NewService(sessions repository.SessionRepository, results repository.ResultRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: sessions, results: results, logger: logger}
}

// ExportSessionsXLSX returns a workbook (as bytes) of sessions created in the
// given window, newest first.
// If only from is provided -> from..today (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> all sessions.
func (s *Service) ExportSessionsXLSX(ctx context.Context, from, to *time.Time) ([]byte, error) {
	start := time.Now()
	fromDate, toDate := utils.DateWindow(from, to)

	rows, err := s.collect(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Session Code",
		"Created At",
		"Status",
		"Analysis Type",
		"Patient Ref",
		"Prediction",
		"Diagnosis",
		"Confidence (%)",
		"Consensus (%)",
		"Completed At",
		"Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(sheet, "A1", "K1", style)
	}

	for i, r := range rows {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.Code)
		write(2, r.CreatedAt.UTC().Format(time.RFC3339))
		write(3, string(r.Status))
		write(4, string(r.AnalysisType))
		write(5, r.PatientRef)
		if r.Prediction != nil {
			write(6, string(*r.Prediction))
			write(7, r.Prediction.Info().Name)
		}
		if r.Confidence != nil {
			write(8, *r.Confidence)
		}
		if r.ConsensusStrength != nil {
			write(9, *r.ConsensusStrength)
		}
		if r.CompletedAt != nil {
			write(10, r.CompletedAt.UTC().Format(time.RFC3339))
		}
		if r.ErrorMessage != nil {
			write(11, truncate(*r.ErrorMessage, 200))
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 20) // code
	_ = f.SetColWidth(sheet, "B", "B", 22) // created
	_ = f.SetColWidth(sheet, "C", "E", 16)
	_ = f.SetColWidth(sheet, "F", "F", 12)
	_ = f.SetColWidth(sheet, "G", "G", 30) // diagnosis
	_ = f.SetColWidth(sheet, "H", "I", 14)
	_ = f.SetColWidth(sheet, "J", "J", 22)
	_ = f.SetColWidth(sheet, "K", "K", 60) // error

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(rows),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// collect pages through sessions newest first, stopping once they predate from.
func (s *Service) collect(ctx context.Context, from, to *time.Time) ([]entity.SessionSummary, error) {
	var out []entity.SessionSummary
	for offset := 0; ; offset += pageSize {
		page, err := s.sessions.ListSessions(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("query sessions: %w", err)
		}
		ids := make([]uuid.UUID, 0, len(page))
		keep := page[:0]
		older := false
		for _, sess := range page {
			day := utils.DateOnly(sess.CreatedAt)
			if from != nil && day.Before(*from) {
				older = true
				continue
			}
			if to != nil && day.After(*to) {
				continue
			}
			keep = append(keep, sess)
			ids = append(ids, sess.ID)
		}
		latest, err := s.results.LatestResults(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("query results: %w", err)
		}
		for _, sess := range keep {
			sum := entity.SessionSummary{Session: sess}
			if r, ok := latest[sess.ID]; ok {
				sum.Prediction = r.Prediction
				sum.Confidence = r.Confidence
				sum.ConsensusStrength = r.ConsensusStrength
			}
			out = append(out, sum)
		}
		if len(page) < pageSize || older {
			return out, nil
		}
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
