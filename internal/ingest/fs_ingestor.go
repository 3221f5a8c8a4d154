package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/async"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
	"github.com/joseph-ayodele/neuroscan/internal/storage"
)

const sessionCodeAttempts = 3

// FSIngestor stages uploads on the local filesystem and hands them to the queue.
type FSIngestor struct {
	Sessions repository.SessionRepository
	Store    storage.Store
	Queue    async.Queue
	TempDir  string
	MaxBytes int64 // 0 means unlimited
	logger   *slog.Logger
}

func NewFSIngestor(sessions repository.SessionRepository, store storage.Store, queue async.Queue, tempDir string, logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "neuroscan")
	}
	return &FSIngestor{Sessions: sessions, Store: store, Queue: queue, TempDir: tempDir, logger: logger}
}

func (i *FSIngestor) Ingest(ctx context.Context, up Upload) (IngestionResult, error) {
	name := safeName(up.Filename)
	if !AllowedFile(name) {
		i.logger.Warn("ingest.rejected", "filename", up.Filename, "reason", "extension")
		return IngestionResult{}, fmt.Errorf("unsupported file %q, expected .nii or .nii.gz: %w", up.Filename, common.ErrInput)
	}
	atype, ok := constants.ParseAnalysisType(up.AnalysisType)
	if !ok {
		return IngestionResult{}, fmt.Errorf("unknown analysis_type %q: %w", up.AnalysisType, common.ErrInvalidInput)
	}

	staged, hash, n, err := i.stage(name, up.Body)
	if err != nil {
		return IngestionResult{}, err
	}

	sess, err := i.createSession(ctx, atype, up.PatientRef, name)
	if err != nil {
		removeQuietly(staged)
		return IngestionResult{}, err
	}
	log := i.logger.With("session_id", sess.ID, "session_code", sess.Code)

	out := IngestionResult{
		SourcePath:  up.Filename,
		SessionID:   sess.ID,
		SessionCode: sess.Code,
		Status:      sess.Status,
		HashHex:     hash,
		Bytes:       n,
		UploadedAt:  sess.CreatedAt,
	}
	out.InputURL = i.archive(ctx, log, sess, staged, name)

	job := async.Job{
		Request: pipeline.Request{
			SessionID:    sess.ID,
			SessionCode:  sess.Code,
			PatientRef:   sess.PatientRef,
			InputPath:    staged,
			AnalysisType: atype,
		},
		SubmittedAt: time.Now(),
		TraceID:     up.TraceID,
	}
	if err := i.Queue.Enqueue(ctx, job); err != nil {
		log.Error("ingest.enqueue.failed", "err", err)
		removeQuietly(staged)
		msg := "could not queue analysis: " + err.Error()
		if uerr := i.Sessions.UpdateSessionStatus(context.WithoutCancel(ctx), sess.ID, constants.SessionStatusFailed, &msg); uerr != nil {
			log.Error("ingest.status.update.failed", "err", uerr)
		}
		return out, common.StageError(common.ErrInternal, "ENQUEUE_FAILED", err)
	}
	log.Info("ingest.queued", "bytes", n, "sha256", hash, "analysis_type", atype)
	return out, nil
}

// stage copies body into a private temp file, hashing it on the way.
func (i *FSIngestor) stage(name string, body io.Reader) (path, hash string, n int64, err error) {
	if body == nil {
		return "", "", 0, fmt.Errorf("empty upload: %w", common.ErrInput)
	}
	if err := os.MkdirAll(i.TempDir, 0o755); err != nil {
		return "", "", 0, common.StageError(common.ErrInternal, "TEMP_DIR", err)
	}
	f, err := os.CreateTemp(i.TempDir, "upload-*-"+name)
	if err != nil {
		return "", "", 0, common.StageError(common.ErrInternal, "TEMP_FILE", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = common.StageError(common.ErrInternal, "TEMP_FILE", cerr)
		}
		if err != nil {
			removeQuietly(f.Name())
		}
	}()

	src := body
	if i.MaxBytes > 0 {
		src = io.LimitReader(body, i.MaxBytes+1)
	}
	h := sha256.New()
	n, err = io.Copy(io.MultiWriter(f, h), src)
	if err != nil {
		return "", "", 0, fmt.Errorf("read upload: %w: %v", common.ErrInput, err)
	}
	if n == 0 {
		return "", "", 0, fmt.Errorf("empty upload: %w", common.ErrInput)
	}
	if i.MaxBytes > 0 && n > i.MaxBytes {
		return "", "", 0, fmt.Errorf("upload exceeds %d bytes: %w", i.MaxBytes, common.ErrInput)
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), n, nil
}

// createSession retries on a code collision; codes carry only four random
// characters per day.
func (i *FSIngestor) createSession(ctx context.Context, atype constants.AnalysisType, patientRef, filename string) (*entity.Session, error) {
	var lastErr error
	for attempt := 0; attempt < sessionCodeAttempts; attempt++ {
		code, err := common.NewSessionCode(time.Now())
		if err != nil {
			return nil, common.StageError(common.ErrInternal, "SESSION_CODE", err)
		}
		sess, err := i.Sessions.CreateSession(ctx, repository.NewSession{
			Code:          code,
			AnalysisType:  atype,
			PatientRef:    patientRef,
			InputFilename: filename,
		})
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, common.ErrValidation) {
			return nil, err
		}
		lastErr = err
		i.logger.Warn("ingest.session.create.retry", "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}

// archive keeps a copy of the raw scan in the scans bucket. It is best-effort:
// the run works from the staged file.
func (i *FSIngestor) archive(ctx context.Context, log *slog.Logger, sess *entity.Session, staged, name string) string {
	if i.Store == nil {
		return ""
	}
	data, err := os.ReadFile(staged)
	if err != nil {
		log.Warn("ingest.archive.read.failed", "err", err)
		return ""
	}
	url, err := i.Store.Upload(ctx, constants.BucketScans, sess.Code+"/"+name, data, "application/octet-stream")
	if err != nil {
		log.Warn("ingest.archive.upload.failed", "err", err)
		return ""
	}
	if err := i.Sessions.SetInputURL(ctx, sess.ID, url); err != nil {
		log.Warn("ingest.archive.record.failed", "err", err)
	}
	return url
}

// IngestPath submits a scan from disk. The pipeline deletes its input, so the
// file is copied into a staged upload first.
func (i *FSIngestor) IngestPath(ctx context.Context, path, analysisType, patientRef string) (IngestionResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return IngestionResult{}, fmt.Errorf("abs path: %w", err)
	}
	if !AllowedFile(abs) {
		return IngestionResult{}, fmt.Errorf("unsupported file %q: %w", abs, common.ErrInput)
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return IngestionResult{}, fmt.Errorf("%s: %w: %w", abs, common.ErrInput, common.ErrNotFound)
		}
		return IngestionResult{}, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	res, err := i.Ingest(ctx, Upload{Filename: filepath.Base(abs), Body: f, AnalysisType: analysisType, PatientRef: patientRef})
	res.SourcePath = abs
	return res, err
}

// IngestDirectory walks root, skips hidden if requested,
// and calls IngestPath for each scan. Returns per-file results + aggregate stats.
func (i *FSIngestor) IngestDirectory(ctx context.Context, root, analysisType string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, fmt.Errorf("root path is required: %w", common.ErrInvalidInput)
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedFile(path) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path, analysisType, "")
		if err != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		return nil
	})

	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	i.logger.Info("ingest.directory.done", "root", root, "matched", stats.Matched, "succeeded", stats.Succeeded, "failed", stats.Failed)
	return results, stats, nil
}

func removeQuietly(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
