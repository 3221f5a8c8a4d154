package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
)

// Session represents an analysis session for data transfer between layers.
type Session struct {
	ID            uuid.UUID               `json:"id"`
	Code          string                  `json:"code"`
	Status        constants.SessionStatus `json:"status"`
	AnalysisType  constants.AnalysisType  `json:"analysis_type"`
	PatientRef    string                  `json:"patient_ref,omitempty"`
	InputFilename string                  `json:"input_filename"`
	InputURL      string                  `json:"input_url,omitempty"`
	ErrorMessage  *string                 `json:"error_message,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
}
