package pipeline

import (
	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/similarity"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
	"github.com/joseph-ayodele/neuroscan/internal/vote"
)

// Stage names used in logs and omissions.
const (
	StagePreprocess  = "preprocess"
	StageExtract     = "extract"
	StageClassify    = "classify"
	StageAggregate   = "aggregate"
	StageVolumetrics = "volumetrics"
	StageSimilarity  = "similarity"
	StageCharts      = "charts"
	StageSlices      = "viewer_slices"
	StageReports     = "reports"
	StagePersist     = "persist"
)

// Request is one analysis run. InputPath is a temporary file owned by the
// run; it is removed when Run returns.
type Request struct {
	SessionID    uuid.UUID
	SessionCode  string
	PatientRef   string
	InputPath    string
	AnalysisType constants.AnalysisType
}

// Metadata describes how a result was produced.
type Metadata struct {
	AnalysisType           constants.AnalysisType `json:"analysis_type"`
	ElapsedSeconds         float64                `json:"elapsed_seconds"`
	PreprocessingSucceeded bool                   `json:"preprocessing_succeeded"`
	ModelVersion           string                 `json:"model_version"`
	ClassifierKind         classify.Kind          `json:"classifier_kind,omitempty"`
	Plane                  constants.Plane        `json:"plane"`
	SlicesAnalyzed         int                    `json:"slices_analyzed"`
	SlicesFailed           int                    `json:"slices_failed"`
}

// Omission records an optional artifact that was not produced.
type Omission struct {
	Stage  string `json:"stage"`
	Item   string `json:"item,omitempty"`
	Reason string `json:"reason"`
}

// Result is the outcome of one run and the document persisted for it.
// It is not modified after Run returns.
type Result struct {
	SessionID   string                          `json:"session_id"`
	SessionCode string                          `json:"session_code,omitempty"`
	Status      constants.ResultStatus          `json:"status"`
	Diagnosis   *vote.Diagnosis                 `json:"diagnosis,omitempty"`
	Volumes     *volumetrics.Measurements       `json:"volumes,omitempty"`
	Comparisons []volumetrics.Comparison        `json:"comparisons,omitempty"`
	Similarity  *similarity.Result              `json:"similarity,omitempty"`
	Metadata    Metadata                        `json:"metadata"`
	ReportURLs  map[constants.ReportType]string `json:"report_urls,omitempty"`
	ChartURLs   map[constants.ChartType]string  `json:"chart_urls,omitempty"`
	SliceURLs   map[constants.Plane][]string    `json:"slice_urls,omitempty"`
	Omissions   []Omission                      `json:"omissions,omitempty"`
	ErrorDetail string                          `json:"error_detail,omitempty"`

	// SessionStatus is the terminal status the session was moved to. It is
	// empty when the session was not in a state this run could own.
	SessionStatus constants.SessionStatus `json:"-"`
}

func (r *Result) omit(stage, item string, err error) {
	r.Omissions = append(r.Omissions, Omission{Stage: stage, Item: item, Reason: err.Error()})
}
