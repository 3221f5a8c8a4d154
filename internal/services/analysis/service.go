package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
	"github.com/joseph-ayodele/neuroscan/internal/ingest"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
	"github.com/joseph-ayodele/neuroscan/internal/similarity"
	"github.com/joseph-ayodele/neuroscan/internal/statuscache"
	"github.com/joseph-ayodele/neuroscan/internal/utils"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
)

// Service is the entry point transports use to submit and inspect analyses.
type Service struct {
	ingestor ingest.Ingestor
	sessions repository.SessionRepository
	results  repository.ResultRepository
	cache    statuscache.Cache
	logger   *slog.Logger
}

// NewService creates a new analysis service. cache may be nil.
func NewService(ing ingest.Ingestor, sessions repository.SessionRepository, results repository.ResultRepository, cache statuscache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = statuscache.Noop{}
	}
	return &Service{ingestor: ing, sessions: sessions, results: results, cache: cache, logger: logger}
}

// SubmitResult acknowledges an accepted upload.
type SubmitResult struct {
	SessionID   uuid.UUID               `json:"session_id"`
	SessionCode string                  `json:"session_code"`
	Status      constants.SessionStatus `json:"status"`
	InputURL    string                  `json:"input_url,omitempty"`
}

// DiagnosisView is the client-facing summary of a diagnosis.
type DiagnosisView struct {
	Label             constants.Class                   `json:"prediction"`
	DisplayName       string                            `json:"display_name"`
	Color             string                            `json:"color"`
	Confidence        float64                           `json:"confidence"`
	ConfidenceLevel   string                            `json:"confidence_level"`
	ConsensusStrength float64                           `json:"consensus_strength"`
	TotalSlices       int                               `json:"total_slices"`
	Distribution      map[constants.Class]voteCountView `json:"distribution"`
	Probabilities     map[constants.Class]float64       `json:"mean_probabilities,omitempty"`
}

type voteCountView struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// StatusView is what a client sees for one session.
type StatusView struct {
	SessionID    string                          `json:"session_id"`
	SessionCode  string                          `json:"session_code,omitempty"`
	Status       constants.SessionStatus         `json:"status"`
	AnalysisType constants.AnalysisType          `json:"analysis_type,omitempty"`
	PatientRef   string                          `json:"patient_ref,omitempty"`
	CreatedAt    *time.Time                      `json:"created_at,omitempty"`
	CompletedAt  *time.Time                      `json:"completed_at,omitempty"`
	ErrorMessage string                          `json:"error_message,omitempty"`
	Diagnosis    *DiagnosisView                  `json:"diagnosis,omitempty"`
	Volumes      *volumetrics.Measurements       `json:"volumes,omitempty"`
	Comparisons  []volumetrics.Comparison        `json:"comparisons,omitempty"`
	Similarity   *similarity.Result              `json:"similarity,omitempty"`
	Metadata     *pipeline.Metadata              `json:"metadata,omitempty"`
	ReportURLs   map[constants.ReportType]string `json:"report_urls,omitempty"`
	ChartURLs    map[constants.ChartType]string  `json:"chart_urls,omitempty"`
	SliceURLs    map[constants.Plane][]string    `json:"slice_urls,omitempty"`
	Source       string                          `json:"source"`
}

// Submit validates an upload and queues its analysis.
func (s *Service) Submit(ctx context.Context, up ingest.Upload) (SubmitResult, error) {
	validator := common.NewValidator()
	validator.Field("filename", up.Filename, common.Required).
		Field("patient_ref", up.PatientRef, common.MaxLen(128))
	if validator.HasErrors() {
		return SubmitResult{}, fmt.Errorf("%s: %w", validator.ErrorMessage(), common.ErrValidation)
	}

	res, err := s.ingestor.Ingest(ctx, up)
	if err != nil {
		s.logger.Error("analysis.submit.failed", "filename", up.Filename, "err", err)
		return SubmitResult{}, err
	}
	s.logger.Info("analysis.submitted", "session_id", res.SessionID, "session_code", res.SessionCode)
	return SubmitResult{
		SessionID:   res.SessionID,
		SessionCode: res.SessionCode,
		Status:      res.Status,
		InputURL:    res.InputURL,
	}, nil
}

// Status returns the current view of a session, addressed by UUID or by
// session code. The cache answers first; the database is authoritative.
func (s *Service) Status(ctx context.Context, ref string) (StatusView, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return StatusView{}, fmt.Errorf("session reference is required: %w", common.ErrInvalidInput)
	}
	id, idErr := uuid.Parse(ref)
	if idErr == nil {
		if v, ok := s.fromCache(ctx, id.String()); ok {
			return v, nil
		}
	}

	var (
		sess *entity.Session
		err  error
	)
	if idErr == nil {
		sess, err = s.sessions.GetSession(ctx, id)
	} else {
		if verr := common.SessionCode("session_code", ref); verr != nil {
			return StatusView{}, fmt.Errorf("%s: %w", verr.Message, common.ErrInvalidInput)
		}
		sess, err = s.sessions.GetSessionByCode(ctx, ref)
	}
	if err != nil {
		return StatusView{}, err
	}

	v := sessionView(sess)
	if !sess.Status.IsTerminal() {
		return v, nil
	}
	row, err := s.results.GetLatestResult(ctx, sess.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return v, nil
	case err != nil:
		return StatusView{}, err
	}
	var rec pipeline.Result
	if err := json.Unmarshal(row.Record, &rec); err != nil {
		s.logger.Warn("analysis.status.record.corrupt", "session_id", sess.ID, "err", err)
		return v, nil
	}
	applyRecord(&v, rec)

	if err := s.cache.Set(ctx, statuscache.Entry{SessionID: sess.ID.String(), Status: sess.Status, Payload: row.Record}); err != nil {
		s.logger.Warn("analysis.status.cache.fill.failed", "session_id", sess.ID, "err", err)
	}
	return v, nil
}

// fromCache serves terminal sessions whose record is cached. In-flight
// entries only carry the status, so those still go to the database.
func (s *Service) fromCache(ctx context.Context, id string) (StatusView, bool) {
	e, err := s.cache.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			s.logger.Warn("analysis.status.cache.get.failed", "session_id", id, "err", err)
		}
		return StatusView{}, false
	}
	if !e.Status.IsTerminal() || len(e.Payload) == 0 {
		return StatusView{}, false
	}
	var rec pipeline.Result
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		s.logger.Warn("analysis.status.cache.corrupt", "session_id", id, "err", err)
		return StatusView{}, false
	}
	v := StatusView{SessionID: id, SessionCode: rec.SessionCode, Status: e.Status, ErrorMessage: rec.ErrorDetail}
	applyRecord(&v, rec)
	v.Source = "cache"
	return v, true
}

func sessionView(sess *entity.Session) StatusView {
	created := sess.CreatedAt
	v := StatusView{
		SessionID:    sess.ID.String(),
		SessionCode:  sess.Code,
		Status:       sess.Status,
		AnalysisType: sess.AnalysisType,
		PatientRef:   sess.PatientRef,
		CreatedAt:    &created,
		CompletedAt:  sess.CompletedAt,
		ErrorMessage: utils.StrOrEmpty(sess.ErrorMessage),
		Source:       "database",
	}
	return v
}

func applyRecord(v *StatusView, rec pipeline.Result) {
	if v.AnalysisType == "" {
		v.AnalysisType = rec.Metadata.AnalysisType
	}
	md := rec.Metadata
	v.Metadata = &md
	v.Volumes = rec.Volumes
	v.Comparisons = rec.Comparisons
	v.Similarity = rec.Similarity
	v.ReportURLs = rec.ReportURLs
	v.ChartURLs = rec.ChartURLs
	v.SliceURLs = rec.SliceURLs
	if d := rec.Diagnosis; d != nil {
		info := d.Label.Info()
		dv := &DiagnosisView{
			Label:             d.Label,
			DisplayName:       info.Name,
			Color:             info.Color,
			Confidence:        d.MeanConfidence,
			ConfidenceLevel:   classify.ConfidenceLevel(d.MeanConfidence),
			ConsensusStrength: d.ConsensusStrength,
			TotalSlices:       d.TotalSlices,
			Distribution:      make(map[constants.Class]voteCountView, len(d.Distribution)),
			Probabilities:     d.MeanProbabilities,
		}
		for c, vc := range d.Distribution {
			dv.Distribution[c] = voteCountView{Count: vc.Count, Percentage: vc.Percentage}
		}
		v.Diagnosis = dv
	}
}

// List returns sessions newest first with their latest prediction.
func (s *Service) List(ctx context.Context, limit, offset int) ([]entity.SessionSummary, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative: %w", common.ErrInvalidInput)
	}
	sessions, err := s.sessions.ListSessions(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(sessions))
	for i := range sessions {
		ids[i] = sessions[i].ID
	}
	latest, err := s.results.LatestResults(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]entity.SessionSummary, len(sessions))
	for i, sess := range sessions {
		out[i] = entity.SessionSummary{Session: sess}
		if r, ok := latest[sess.ID]; ok {
			out[i].Prediction = r.Prediction
			out[i].Confidence = r.Confidence
			out[i].ConsensusStrength = r.ConsensusStrength
		}
	}
	s.logger.Debug("analysis.list.ok", "count", len(out), "limit", limit, "offset", offset)
	return out, nil
}
