package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
)

// Result is one persisted pipeline outcome. Record holds the full
// schema-validated document; the scalar columns are denormalized from it for
// listing and export.
type Result struct {
	ID                uuid.UUID              `json:"id"`
	SessionID         uuid.UUID              `json:"session_id"`
	Status            constants.ResultStatus `json:"status"`
	Prediction        *constants.Class       `json:"prediction,omitempty"`
	Confidence        *float64               `json:"confidence,omitempty"`
	ConsensusStrength *float64               `json:"consensus_strength,omitempty"`
	ClassifierKind    string                 `json:"classifier_kind,omitempty"`
	ModelVersion      string                 `json:"model_version"`
	Record            json.RawMessage        `json:"record"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// SessionSummary joins a session with its latest result for listings.
type SessionSummary struct {
	Session
	Prediction        *constants.Class `json:"prediction,omitempty"`
	Confidence        *float64         `json:"confidence,omitempty"`
	ConsensusStrength *float64         `json:"consensus_strength,omitempty"`
}
