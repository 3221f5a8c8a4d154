package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/charts"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
	"github.com/joseph-ayodele/neuroscan/internal/preprocess"
	"github.com/joseph-ayodele/neuroscan/internal/reports"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
	"github.com/joseph-ayodele/neuroscan/internal/result"
	"github.com/joseph-ayodele/neuroscan/internal/statuscache"
	"github.com/joseph-ayodele/neuroscan/internal/storage"
)

// Preprocessor produces tissue probability maps from a raw volume.
type Preprocessor interface {
	Run(ctx context.Context, input, workDir string) (preprocess.Output, error)
}

// ClassifierProvider chooses the classifier for one run.
type ClassifierProvider interface {
	Select(ctx context.Context, vocab []constants.Class) (classify.Classifier, classify.Kind)
	ModelVersion(k classify.Kind) string
}

// ChartRenderer draws one chart as PNG bytes.
type ChartRenderer interface {
	Render(ctx context.Context, kind constants.ChartType, in charts.Input) ([]byte, error)
}

// ReportGenerator renders one report as PDF bytes.
type ReportGenerator interface {
	Generate(ctx context.Context, t constants.ReportType, d reports.Data) ([]byte, error)
}

// Deps are the collaborators of a Processor. Preprocessor and Cache may be nil.
type Deps struct {
	Sessions     repository.SessionRepository
	Results      repository.ResultRepository
	Store        storage.Store
	Cache        statuscache.Cache
	Preprocessor Preprocessor
	Classifiers  ClassifierProvider
	Charts       ChartRenderer
	Reports      ReportGenerator
}

// Options tunes a run.
type Options struct {
	SliceCount          int
	Plane               constants.Plane
	BrainThreshold      float64
	ViewerSliceCount    int
	UploadViewerSlices  bool
	ClassifyConcurrency int
	ClassifyTimeout     time.Duration
	UploadTimeout       time.Duration
	TempDir             string
}

// OptionsFrom maps the application pipeline section.
func OptionsFrom(c common.PipelineConfig) Options {
	return Options{
		SliceCount:          c.SliceCount,
		Plane:               constants.Plane(c.Plane),
		BrainThreshold:      c.BrainThreshold,
		ViewerSliceCount:    c.ViewerSliceCount,
		UploadViewerSlices:  c.UploadViewerSlices,
		ClassifyConcurrency: c.ClassifyConcurrency,
		ClassifyTimeout:     c.ClassifyTimeout,
		UploadTimeout:       c.UploadTimeout,
		TempDir:             c.TempDir,
	}
}

func (o *Options) defaults() {
	if o.SliceCount <= 0 {
		o.SliceCount = 5
	}
	if o.Plane == "" {
		o.Plane = constants.PlaneAxial
	}
	if o.BrainThreshold <= 0 {
		o.BrainThreshold = 10
	}
	if o.ViewerSliceCount <= 0 {
		o.ViewerSliceCount = 20
	}
	if o.ClassifyConcurrency <= 0 {
		o.ClassifyConcurrency = 1
	}
	if o.ClassifyTimeout <= 0 {
		o.ClassifyTimeout = 30 * time.Second
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 30 * time.Second
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
}

// Processor runs the analysis stages for one session at a time per call.
// It holds no per-run state, so one Processor serves every worker.
type Processor struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func NewProcessor(deps Deps, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = statuscache.Noop{}
	}
	opts.defaults()
	return &Processor{deps: deps, opts: opts, logger: logger}
}

// asset is an uploaded object, kept so a failed run can remove it.
type asset struct{ bucket, key string }

// run carries the state of one execution.
type run struct {
	req      Request
	vocab    []constants.Class
	workDir  string
	res      Result
	uploaded []asset
	record   *entity.Result
	logger   *slog.Logger
	start    time.Time
}

// Run executes every stage for req and drives the session to a terminal
// status. It never returns an error: failures are reported in the Result
// and the session row. The input file is removed on every path.
func (p *Processor) Run(ctx context.Context, req Request) (res Result) {
	r := &run{
		req:    req,
		vocab:  constants.Vocabulary(req.AnalysisType),
		logger: p.logger.With("session_id", req.SessionID, "session_code", req.SessionCode),
		start:  time.Now(),
		res: Result{
			SessionID:   req.SessionID.String(),
			SessionCode: req.SessionCode,
			Status:      constants.ResultStatusError,
			Metadata: Metadata{
				AnalysisType: req.AnalysisType,
				Plane:        p.opts.Plane,
			},
		},
	}
	ctx = common.WithSessionID(ctx, req.SessionID.String())
	ctx = common.WithLogger(ctx, r.logger)

	defer p.cleanup(r)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline.panic", "panic", rec)
			res = p.fail(ctx, r, common.NewAppError("PIPELINE_PANIC", "pipeline panicked", fmt.Errorf("%v", rec)))
		}
	}()

	r.logger.Info("pipeline.started", "analysis_type", req.AnalysisType, "input", req.InputPath)
	if err := p.markProcessing(ctx, r); err != nil {
		return p.fail(ctx, r, err)
	}

	wd, err := os.MkdirTemp(p.ensureTempDir(), "run-"+req.SessionID.String()+"-")
	if err != nil {
		return p.fail(ctx, r, common.StageError(common.ErrInput, "TEMP_DIR", err))
	}
	r.workDir = wd

	if err := p.analyze(ctx, r); err != nil {
		return p.fail(ctx, r, err)
	}
	p.artifacts(ctx, r)

	if len(r.res.ReportURLs) == 0 {
		return p.fail(ctx, r, common.StageError(common.ErrReportGeneration, "NO_REPORTS", errors.New("no report could be produced")))
	}

	r.res.Status = constants.ResultStatusSuccess
	r.res.Metadata.ElapsedSeconds = time.Since(r.start).Seconds()
	if err := p.persist(ctx, r); err != nil {
		return p.fail(ctx, r, err)
	}
	p.finish(ctx, r, constants.SessionStatusCompleted, nil)
	r.logger.Info("pipeline.completed",
		"diagnosis", r.res.Diagnosis.Label,
		"reports", len(r.res.ReportURLs),
		"omissions", len(r.res.Omissions),
		"duration_ms", time.Since(r.start).Milliseconds(),
	)
	return r.res
}

func (p *Processor) ensureTempDir() string {
	if err := os.MkdirAll(p.opts.TempDir, 0o755); err != nil {
		p.logger.Warn("pipeline.tempdir.unavailable", "dir", p.opts.TempDir, "err", err)
		return os.TempDir()
	}
	return p.opts.TempDir
}

func (p *Processor) markProcessing(ctx context.Context, r *run) error {
	sctx := context.WithoutCancel(ctx)
	if err := p.deps.Sessions.UpdateSessionStatus(sctx, r.req.SessionID, constants.SessionStatusProcessing, nil); err != nil {
		return common.StageError(common.ErrPersistence, "STATUS_PROCESSING", err)
	}
	p.cacheStatus(sctx, r, constants.SessionStatusProcessing, nil)
	return nil
}

// fail ends the run as failed: an error record is stored best-effort and the
// session is moved to failed. Uploaded assets are removed unless the run got
// as far as the reports and none of them could be produced; the charts and
// slices of such a run stay available.
func (p *Processor) fail(ctx context.Context, r *run, cause error) Result {
	sctx := context.WithoutCancel(ctx)
	r.res.Status = constants.ResultStatusError
	r.res.ErrorDetail = cause.Error()
	r.res.Metadata.ElapsedSeconds = time.Since(r.start).Seconds()
	r.logger.Error("pipeline.failed", "err", cause, "duration_ms", time.Since(r.start).Milliseconds())

	if !errors.Is(cause, common.ErrReportGeneration) {
		p.removeAssets(sctx, r)
		r.res.ReportURLs, r.res.ChartURLs, r.res.SliceURLs = nil, nil, nil
	}

	// a refused transition means another writer owns the session; leave it alone
	if errors.Is(cause, repository.ErrInvalidTransition) || errors.Is(cause, common.ErrNotFound) {
		return r.res
	}
	if err := p.persist(ctx, r); err != nil {
		r.logger.Warn("pipeline.persist.error_record.failed", "err", err)
	}
	msg := cause.Error()
	p.finish(ctx, r, constants.SessionStatusFailed, &msg)
	return r.res
}

func (p *Processor) finish(ctx context.Context, r *run, status constants.SessionStatus, msg *string) {
	sctx := context.WithoutCancel(ctx)
	r.res.SessionStatus = status
	if err := p.deps.Sessions.UpdateSessionStatus(sctx, r.req.SessionID, status, msg); err != nil {
		r.logger.Error("pipeline.status.update.failed", "status", status, "err", err)
	}
	payload, err := json.Marshal(r.res)
	if err != nil {
		payload = nil
	}
	p.cacheStatus(sctx, r, status, payload)
}

func (p *Processor) cacheStatus(ctx context.Context, r *run, status constants.SessionStatus, payload []byte) {
	err := p.deps.Cache.Set(ctx, statuscache.Entry{
		SessionID: r.req.SessionID.String(),
		Status:    status,
		Payload:   payload,
	})
	if err != nil {
		r.logger.Warn("pipeline.cache.set.failed", "status", status, "err", err)
	}
}

// checkpoint stores the diagnosis as a pending record as soon as the vote is
// in, so it outlives a run that dies later. A failed write is retried as an
// insert by persist.
func (p *Processor) checkpoint(ctx context.Context, r *run) {
	final := r.res.Status
	r.res.Status = constants.ResultStatusPending
	r.res.Metadata.ElapsedSeconds = time.Since(r.start).Seconds()
	defer func() { r.res.Status = final }()
	if err := p.persist(ctx, r); err != nil {
		r.logger.Warn("pipeline.checkpoint.failed", "err", err)
	}
}

// persist validates the record and writes it as the session's latest result.
// The first write of a run inserts the row; later writes update it.
func (p *Processor) persist(ctx context.Context, r *run) error {
	sctx := context.WithoutCancel(ctx)
	doc, err := json.Marshal(r.res)
	if err != nil {
		return common.StageError(common.ErrPersistence, "RECORD_ENCODE", err)
	}
	if err := result.Validate(doc, r.vocab); err != nil {
		return common.StageError(common.ErrPersistence, "RECORD_SCHEMA", err)
	}
	row := &entity.Result{ID: uuid.New(), SessionID: r.req.SessionID}
	if r.record != nil {
		row.ID = r.record.ID
	}
	row.Status = r.res.Status
	row.ClassifierKind = string(r.res.Metadata.ClassifierKind)
	row.ModelVersion = r.res.Metadata.ModelVersion
	row.Record = doc
	if d := r.res.Diagnosis; d != nil {
		label, conf, cons := d.Label, d.MeanConfidence, d.ConsensusStrength
		row.Prediction, row.Confidence, row.ConsensusStrength = &label, &conf, &cons
	}

	if r.record == nil {
		if err := p.deps.Results.CreateResult(sctx, row); err != nil {
			return common.StageError(common.ErrPersistence, "RECORD_INSERT", err)
		}
	} else if err := p.deps.Results.UpdateResult(sctx, row); err != nil {
		return common.StageError(common.ErrPersistence, "RECORD_UPDATE", err)
	}
	r.record = row
	r.logger.Info("pipeline.persist.ok", "result_id", row.ID, "status", row.Status)
	return nil
}

func (p *Processor) removeAssets(ctx context.Context, r *run) {
	for _, a := range r.uploaded {
		if err := p.deps.Store.Delete(ctx, a.bucket, a.key); err != nil {
			r.logger.Warn("pipeline.asset.delete.failed", "bucket", a.bucket, "key", a.key, "err", err)
		}
	}
	if len(r.uploaded) > 0 {
		r.logger.Info("pipeline.assets.removed", "count", len(r.uploaded))
	}
	r.uploaded = nil
}

func (p *Processor) cleanup(r *run) {
	if r.req.InputPath != "" {
		if err := os.Remove(r.req.InputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("pipeline.cleanup.input.failed", "path", r.req.InputPath, "err", err)
		}
	}
	if r.workDir != "" {
		if err := os.RemoveAll(r.workDir); err != nil {
			r.logger.Warn("pipeline.cleanup.workdir.failed", "dir", r.workDir, "err", err)
		}
	}
}
