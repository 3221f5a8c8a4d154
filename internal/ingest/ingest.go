package ingest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
)

// Upload is one scan submitted for analysis.
type Upload struct {
	Filename     string
	Body         io.Reader
	AnalysisType string
	PatientRef   string
	TraceID      string
}

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath  string
	SessionID   uuid.UUID
	SessionCode string
	Status      constants.SessionStatus
	HashHex     string
	Bytes       int64
	InputURL    string
	UploadedAt  time.Time
	Err         string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// Ingestor is the behavior the analysis service and the inbox depend on.
type Ingestor interface {
	// Ingest stages an upload, opens a session and queues the run.
	Ingest(ctx context.Context, up Upload) (IngestionResult, error)
	// IngestPath submits a file already on disk. The file itself is left in place.
	IngestPath(ctx context.Context, path, analysisType, patientRef string) (IngestionResult, error)
	// IngestDirectory submits every scan under root.
	IngestDirectory(ctx context.Context, root, analysisType string, skipHidden bool) ([]IngestionResult, DirStats, error)
}
