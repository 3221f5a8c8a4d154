package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/charts"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/preprocess"
	"github.com/joseph-ayodele/neuroscan/internal/reports"
	"github.com/joseph-ayodele/neuroscan/internal/similarity"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
	"github.com/joseph-ayodele/neuroscan/internal/vote"
)

// analyze runs the stages that produce the diagnosis and measurements.
// A returned error ends the run as failed.
func (p *Processor) analyze(ctx context.Context, r *run) error {
	seg := p.preprocess(ctx, r)

	vol, err := p.load(r, seg)
	if err != nil {
		return common.StageError(common.ErrExtraction, "LOAD_VOLUME", err)
	}
	slices, err := volume.ExtractSlices(vol, p.opts.Plane, p.opts.SliceCount, p.opts.BrainThreshold)
	if err != nil {
		return common.StageError(common.ErrExtraction, "EXTRACT_SLICES", err)
	}
	if len(slices) == 0 {
		return common.StageError(common.ErrExtraction, "EXTRACT_SLICES", errors.New("no slices in window"))
	}
	r.logger.Info("pipeline.extract.ok", "plane", p.opts.Plane, "slices", len(slices), "shape", vol.Shape)

	preds, err := p.classify(ctx, r, slices)
	if err != nil {
		return err
	}

	d, err := vote.Aggregate(preds, r.vocab)
	if err != nil {
		return common.StageError(common.ErrInternal, "AGGREGATE", err)
	}
	r.res.Diagnosis = &d
	r.logger.Info("pipeline.aggregate.ok",
		"diagnosis", d.Label,
		"consensus", d.ConsensusStrength,
		"confidence", d.MeanConfidence,
	)
	p.checkpoint(ctx, r)

	m := p.volumetrics(r, seg, d.Label)
	r.res.Volumes = &m
	r.res.Comparisons = volumetrics.Compare(m)

	if s, err := similarity.Analyze(d, m, r.vocab); err != nil {
		r.logger.Warn("pipeline.similarity.failed", "err", err)
		r.res.omit(StageSimilarity, "", err)
	} else {
		r.res.Similarity = &s
	}

	if p.opts.UploadViewerSlices {
		p.viewerSlices(ctx, r, vol)
	}
	return nil
}

// load reads the volume the slices are cut from: the grey matter map when
// preprocessing produced one, else the raw scan. An unreadable map costs
// only the preprocessing.
func (p *Processor) load(r *run, seg preprocess.Output) (*volume.Volume, error) {
	if seg.GrayMatter != "" {
		vol, err := p.timed(r, StageExtract, func() (*volume.Volume, error) {
			return volume.LoadAndNormalize(seg.GrayMatter)
		})
		if err == nil {
			r.logger.Info("pipeline.extract.source", "source", "gray_matter", "path", seg.GrayMatter)
			return vol, nil
		}
		r.res.omit(StagePreprocess, "gray_matter", err)
	}
	r.logger.Info("pipeline.extract.source", "source", "raw", "path", r.req.InputPath)
	return p.timed(r, StageExtract, func() (*volume.Volume, error) {
		return volume.LoadAndNormalize(r.req.InputPath)
	})
}

// timed runs fn and logs its duration under stage.
func (p *Processor) timed(r *run, stage string, fn func() (*volume.Volume, error)) (*volume.Volume, error) {
	start := time.Now()
	v, err := fn()
	if err != nil {
		r.logger.Error("pipeline."+stage+".failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	r.logger.Info("pipeline."+stage+".loaded", "duration_ms", time.Since(start).Milliseconds())
	return v, nil
}

// preprocess segments the scan. Failure only costs the measured volumes.
func (p *Processor) preprocess(ctx context.Context, r *run) preprocess.Output {
	if p.deps.Preprocessor == nil {
		r.logger.Info("pipeline.preprocess.skipped", "reason", "no preprocessor configured")
		return preprocess.Output{}
	}
	start := time.Now()
	out, err := p.deps.Preprocessor.Run(ctx, r.req.InputPath, r.workDir)
	if err != nil {
		r.logger.Warn("pipeline.preprocess.failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		r.res.omit(StagePreprocess, "", err)
		return preprocess.Output{}
	}
	r.res.Metadata.PreprocessingSucceeded = true
	r.logger.Info("pipeline.preprocess.ok",
		"gray_matter", out.GrayMatter,
		"white_matter", out.WhiteMatter,
		"skipped", out.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

// classify runs the run's classifier over every slice, bounded by
// ClassifyConcurrency. Failed slices are dropped; zero successes is fatal.
func (p *Processor) classify(ctx context.Context, r *run, slices []volume.Slice) ([]classify.Prediction, error) {
	clf, kind := p.deps.Classifiers.Select(ctx, r.vocab)
	r.res.Metadata.ClassifierKind = kind
	r.res.Metadata.ModelVersion = p.deps.Classifiers.ModelVersion(kind)
	r.logger.Info("pipeline.classify.started", "classifier", kind, "slices", len(slices))

	var (
		mu     sync.Mutex
		preds  = make([]classify.Prediction, 0, len(slices))
		failed int
	)
	g := new(errgroup.Group)
	g.SetLimit(p.opts.ClassifyConcurrency)
	for _, s := range slices {
		s := s
		g.Go(func() error {
			pred, err := classifyOne(ctx, clf, s, p.opts.ClassifyTimeout)
			if err == nil {
				pred.SliceIndex = s.Index
				var ok bool
				if pred, ok = classify.Restrict(pred, r.vocab); !ok {
					err = fmt.Errorf("no probability mass on %v", r.vocab)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				r.logger.Warn("pipeline.classify.slice.failed", "slice_index", s.Index, "err", err)
				return nil
			}
			preds = append(preds, pred)
			return nil
		})
	}
	_ = g.Wait()

	// keep input order for the audit trail
	sort.Slice(preds, func(i, j int) bool { return preds[i].SliceIndex < preds[j].SliceIndex })
	r.res.Metadata.SlicesAnalyzed = len(preds)
	r.res.Metadata.SlicesFailed = failed
	if len(preds) == 0 {
		return nil, common.StageError(common.ErrPartialClassification, "NO_PREDICTIONS",
			fmt.Errorf("all %d slices failed: %w", len(slices), common.ErrEmptyInput))
	}
	r.logger.Info("pipeline.classify.ok", "succeeded", len(preds), "failed", failed)
	return preds, nil
}

// classifyOne runs a single slice under its own deadline. A panicking
// classifier fails only that slice.
func classifyOne(ctx context.Context, clf classify.Classifier, s volume.Slice, timeout time.Duration) (pred classify.Prediction, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("classifier panic: %v", rec)
		}
	}()
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return clf.Classify(sctx, s)
}

// volumetrics measures the probability maps, or estimates from the label
// when preprocessing did not run or its maps cannot be read.
func (p *Processor) volumetrics(r *run, seg preprocess.Output, label constants.Class) volumetrics.Measurements {
	if seg.GrayMatter != "" {
		m, err := volumetrics.ExtractFiles(seg.GrayMatter, seg.WhiteMatter, r.logger)
		if err == nil {
			r.logger.Info("pipeline.volumetrics.ok", "total_brain", m.TotalBrain, "source", m.Source)
			return m
		}
		r.logger.Warn("pipeline.volumetrics.failed", "err", err)
		r.res.omit(StageVolumetrics, "measured", fmt.Errorf("%w: %v", common.ErrVolumetricFallback, err))
	}
	m := volumetrics.Synthetic(label)
	r.logger.Info("pipeline.volumetrics.synthetic", "label", label, "total_brain", m.TotalBrain)
	return m
}

// viewerSlices uploads browsable PNGs for every plane. Each slice is optional.
func (p *Processor) viewerSlices(ctx context.Context, r *run, vol *volume.Volume) {
	byPlane, err := volume.ViewerSlices(vol, p.opts.ViewerSliceCount, p.opts.BrainThreshold)
	if err != nil {
		r.logger.Warn("pipeline.viewer_slices.failed", "err", err)
		r.res.omit(StageSlices, "", err)
		return
	}
	urls := make(map[constants.Plane][]string, len(byPlane))
	for _, plane := range constants.Planes {
		for i, s := range byPlane[plane] {
			key := fmt.Sprintf("slices/%s/%s/slice_%03d.png", r.req.SessionCode, plane, i)
			data, err := s.PNG()
			if err == nil {
				var url string
				if url, err = p.upload(ctx, r, constants.BucketReportAssets, key, data, "image/png"); err == nil {
					urls[plane] = append(urls[plane], url)
					continue
				}
			}
			r.logger.Warn("pipeline.viewer_slices.upload.failed", "key", key, "err", err)
			r.res.omit(StageSlices, key, err)
		}
	}
	if len(urls) > 0 {
		r.res.SliceURLs = urls
	}
}

// artifacts renders and uploads the charts and the three reports. Every item
// is optional; omissions are recorded on the result.
func (p *Processor) artifacts(ctx context.Context, r *run) {
	pngs := p.charts(ctx, r)

	data := reports.Data{
		SessionID:              r.req.SessionID.String(),
		SessionCode:            r.req.SessionCode,
		PatientRef:             r.req.PatientRef,
		AnalysisType:           r.req.AnalysisType,
		Vocabulary:             r.vocab,
		GeneratedAt:            time.Now(),
		Diagnosis:              *r.res.Diagnosis,
		Measurements:           *r.res.Volumes,
		Comparisons:            r.res.Comparisons,
		Similarity:             r.res.Similarity,
		Charts:                 pngs,
		ModelVersion:           r.res.Metadata.ModelVersion,
		ClassifierKind:         r.res.Metadata.ClassifierKind,
		PreprocessingSucceeded: r.res.Metadata.PreprocessingSucceeded,
		SlicesFailed:           r.res.Metadata.SlicesFailed,
		ElapsedSeconds:         time.Since(r.start).Seconds(),
	}
	for _, t := range constants.ReportTypes {
		key := filepath.ToSlash(filepath.Join("reports", r.req.SessionID.String(), string(t)+"_report.pdf"))
		pdf, err := p.deps.Reports.Generate(ctx, t, data)
		if err != nil {
			r.logger.Warn("pipeline.reports.generate.failed", "report", t, "err", err)
			r.res.omit(StageReports, string(t), err)
			continue
		}
		url, err := p.upload(ctx, r, constants.BucketReportAssets, key, pdf, "application/pdf")
		if err != nil {
			r.logger.Warn("pipeline.reports.upload.failed", "report", t, "err", err)
			r.res.omit(StageReports, string(t), err)
			continue
		}
		if r.res.ReportURLs == nil {
			r.res.ReportURLs = make(map[constants.ReportType]string, len(constants.ReportTypes))
		}
		r.res.ReportURLs[t] = url
		r.logger.Info("pipeline.reports.ok", "report", t, "bytes", len(pdf))
	}
}

// charts renders and uploads each chart. Rendered PNGs are returned even when
// the upload fails so the reports can still embed them.
func (p *Processor) charts(ctx context.Context, r *run) map[constants.ChartType][]byte {
	in := charts.Input{
		Vocabulary:  r.vocab,
		Diagnosis:   *r.res.Diagnosis,
		Similarity:  r.res.Similarity,
		Comparisons: r.res.Comparisons,
	}
	pngs := make(map[constants.ChartType][]byte, len(constants.ChartTypes))
	for _, kind := range constants.ChartTypes {
		png, err := p.deps.Charts.Render(ctx, kind, in)
		if err != nil {
			r.logger.Warn("pipeline.charts.render.failed", "chart", kind, "err", err)
			r.res.omit(StageCharts, string(kind), err)
			continue
		}
		pngs[kind] = png
		key := fmt.Sprintf("report_assets/%s/%s.png", r.req.SessionID, kind)
		url, err := p.upload(ctx, r, constants.BucketReportAssets, key, png, "image/png")
		if err != nil {
			r.logger.Warn("pipeline.charts.upload.failed", "chart", kind, "err", err)
			r.res.omit(StageCharts, string(kind), err)
			continue
		}
		if r.res.ChartURLs == nil {
			r.res.ChartURLs = make(map[constants.ChartType]string, len(constants.ChartTypes))
		}
		r.res.ChartURLs[kind] = url
	}
	return pngs
}

// upload stores one object under the upload timeout and remembers it for
// cleanup on failure.
func (p *Processor) upload(ctx context.Context, r *run, bucket, key string, data []byte, contentType string) (string, error) {
	uctx, cancel := context.WithTimeout(ctx, p.opts.UploadTimeout)
	defer cancel()
	url, err := p.deps.Store.Upload(uctx, bucket, key, data, contentType)
	if err != nil {
		return "", err
	}
	r.uploaded = append(r.uploaded, asset{bucket: bucket, key: key})
	return url, nil
}
