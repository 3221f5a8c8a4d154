package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/charts"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/entity"
	"github.com/joseph-ayodele/neuroscan/internal/nifti"
	"github.com/joseph-ayodele/neuroscan/internal/preprocess"
	"github.com/joseph-ayodele/neuroscan/internal/reports"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
	"github.com/joseph-ayodele/neuroscan/internal/statuscache"
	"github.com/joseph-ayodele/neuroscan/internal/storage"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
)

type classifierFunc func(ctx context.Context, s volume.Slice) (classify.Prediction, error)

func (f classifierFunc) Classify(ctx context.Context, s volume.Slice) (classify.Prediction, error) {
	return f(ctx, s)
}

type fakeProvider struct {
	clf  classify.Classifier
	kind classify.Kind
}

func (f fakeProvider) Select(context.Context, []constants.Class) (classify.Classifier, classify.Kind) {
	return f.clf, f.kind
}

func (f fakeProvider) ModelVersion(k classify.Kind) string { return "test-" + string(k) }

type fakeCharts struct {
	fail  map[constants.ChartType]bool
	panic bool
}

func (f fakeCharts) Render(_ context.Context, kind constants.ChartType, _ charts.Input) ([]byte, error) {
	if f.panic {
		panic("renderer exploded")
	}
	if f.fail[kind] {
		return nil, errors.New("render failed")
	}
	return []byte("\x89PNG " + string(kind)), nil
}

type fakeReports struct {
	fail map[constants.ReportType]bool
}

func (f fakeReports) Generate(_ context.Context, t constants.ReportType, d reports.Data) ([]byte, error) {
	if f.fail[t] {
		return nil, common.StageError(common.ErrReportGeneration, "REPORT_ERROR", errors.New("boom"))
	}
	return []byte("%PDF-1.3 " + string(t) + " " + string(d.Diagnosis.Label)), nil
}

type fakePreprocessor struct {
	out preprocess.Output
	err error
}

func (f fakePreprocessor) Run(context.Context, string, string) (preprocess.Output, error) {
	return f.out, f.err
}

type failingResults struct{ repository.ResultRepository }

func (failingResults) CreateResult(context.Context, *entity.Result) error {
	return common.StageError(common.ErrPersistence, "DB_INSERT", errors.New("disk full"))
}

type failingUpdates struct{ repository.ResultRepository }

func (failingUpdates) UpdateResult(context.Context, *entity.Result) error {
	return common.StageError(common.ErrPersistence, "DB_UPDATE", errors.New("connection reset"))
}

// recordingResults logs the status of every write before passing it on.
type recordingResults struct {
	repository.ResultRepository
	mu     sync.Mutex
	writes []string
}

func (r *recordingResults) CreateResult(ctx context.Context, res *entity.Result) error {
	r.mu.Lock()
	r.writes = append(r.writes, "create:"+string(res.Status))
	r.mu.Unlock()
	return r.ResultRepository.CreateResult(ctx, res)
}

func (r *recordingResults) UpdateResult(ctx context.Context, res *entity.Result) error {
	r.mu.Lock()
	r.writes = append(r.writes, "update:"+string(res.Status))
	r.mu.Unlock()
	return r.ResultRepository.UpdateResult(ctx, res)
}

// sliceShapes wraps a classifier and remembers the size of every slice it saw.
type sliceShapes struct {
	mu     sync.Mutex
	shapes [][2]int
}

func (s *sliceShapes) wrap(next classify.Classifier) classify.Classifier {
	return classifierFunc(func(ctx context.Context, sl volume.Slice) (classify.Prediction, error) {
		s.mu.Lock()
		s.shapes = append(s.shapes, [2]int{sl.Width, sl.Height})
		s.mu.Unlock()
		return next.Classify(ctx, sl)
	})
}

type recordingCache struct {
	mu      sync.Mutex
	entries []statuscache.Entry
}

func (c *recordingCache) Get(context.Context, string) (*statuscache.Entry, error) {
	return nil, common.ErrNotFound
}

func (c *recordingCache) Set(_ context.Context, e statuscache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *recordingCache) Delete(context.Context, string) error { return nil }

func (c *recordingCache) statuses() []constants.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]constants.SessionStatus, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Status
	}
	return out
}

// votes returns a classifier that predicts labels[i % len] for the i-th call.
func votes(labels ...constants.Class) classify.Classifier {
	var (
		mu sync.Mutex
		n  int
	)
	return classifierFunc(func(_ context.Context, s volume.Slice) (classify.Prediction, error) {
		mu.Lock()
		l := labels[n%len(labels)]
		n++
		mu.Unlock()
		probs := map[constants.Class]float64{constants.ClassCN: 10, constants.ClassMCI: 10, constants.ClassAD: 10}
		probs[l] = 80
		return classify.Prediction{Label: l, Confidence: 80, Probabilities: probs}, nil
	})
}

type harness struct {
	t        *testing.T
	sessions repository.SessionRepository
	results  repository.ResultRepository
	store    *storage.FSStore
	cache    *recordingCache
	deps     Deps
	session  *entity.Session
	input    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := repository.OpenSQLite(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store, err := storage.NewFSStore(t.TempDir(), "http://assets.test/files", nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:        t,
		sessions: repository.NewSessionRepository(db, nil),
		results:  repository.NewResultRepository(db, nil),
		store:    store,
		cache:    &recordingCache{},
	}
	h.session, err = h.sessions.CreateSession(ctx, repository.NewSession{
		Code:          "MRI-20261018-AB12",
		AnalysisType:  constants.AnalysisMultiDisease,
		PatientRef:    "P-7",
		InputFilename: "scan.nii",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.deps = Deps{
		Sessions:    h.sessions,
		Results:     h.results,
		Store:       store,
		Cache:       h.cache,
		Classifiers: fakeProvider{clf: votes(constants.ClassAD, constants.ClassAD, constants.ClassCN), kind: classify.KindFallback},
		Charts:      fakeCharts{},
		Reports:     fakeReports{},
	}
	h.input = writeScan(t, filepath.Join(t.TempDir(), "scan.nii"))
	return h
}

// writeScan writes a 16³ volume with a bright cube in the middle.
func writeScan(t *testing.T, path string) string {
	t.Helper()
	im := &nifti.Image{Dims: [3]int{16, 16, 16}, PixDim: [3]float64{1, 1, 1}}
	im.Data = make([]float32, im.Len())
	for z := 4; z < 12; z++ {
		for y := 4; y < 12; y++ {
			for x := 4; x < 12; x++ {
				im.Data[x+y*16+z*256] = 500
			}
		}
	}
	if err := nifti.WriteFile(path, im); err != nil {
		t.Fatalf("write scan: %v", err)
	}
	return path
}

func (h *harness) run(opts Options) Result {
	h.t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = h.t.TempDir()
	}
	p := NewProcessor(h.deps, opts, nil)
	return p.Run(context.Background(), Request{
		SessionID:    h.session.ID,
		SessionCode:  h.session.Code,
		PatientRef:   h.session.PatientRef,
		InputPath:    h.input,
		AnalysisType: constants.AnalysisMultiDisease,
	})
}

func (h *harness) stored() *entity.Session {
	h.t.Helper()
	s, err := h.sessions.GetSession(context.Background(), h.session.ID)
	if err != nil {
		h.t.Fatal(err)
	}
	return s
}

func (h *harness) assertInputRemoved() {
	h.t.Helper()
	if _, err := os.Stat(h.input); !errors.Is(err, os.ErrNotExist) {
		h.t.Fatalf("input file still present: %v", err)
	}
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t)
	rec := &recordingResults{ResultRepository: h.results}
	h.deps.Results = rec
	res := h.run(Options{SliceCount: 3})

	if res.Status != constants.ResultStatusSuccess || res.SessionStatus != constants.SessionStatusCompleted {
		t.Fatalf("status = %s/%s, detail %q", res.Status, res.SessionStatus, res.ErrorDetail)
	}
	if res.Diagnosis.Label != constants.ClassAD || res.Diagnosis.TotalSlices != 3 {
		t.Fatalf("diagnosis = %+v", res.Diagnosis)
	}
	if len(res.ReportURLs) != 3 || len(res.ChartURLs) != 3 {
		t.Fatalf("reports %v charts %v", res.ReportURLs, res.ChartURLs)
	}
	wantURL := "http://assets.test/files/report-assets/reports/" + h.session.ID.String() + "/clinician_report.pdf"
	if res.ReportURLs[constants.ReportClinician] != wantURL {
		t.Errorf("clinician url = %s", res.ReportURLs[constants.ReportClinician])
	}
	// no preprocessor: label-driven volumes
	if res.Volumes.Source != volumetrics.SourceSynthetic || res.Metadata.PreprocessingSucceeded {
		t.Errorf("volumes = %+v", res.Volumes)
	}
	if res.Metadata.ModelVersion != "test-fallback" || res.Metadata.ClassifierKind != classify.KindFallback {
		t.Errorf("metadata = %+v", res.Metadata)
	}
	h.assertInputRemoved()

	s := h.stored()
	if s.Status != constants.SessionStatusCompleted || s.CompletedAt == nil {
		t.Fatalf("session = %+v", s)
	}
	row, err := h.results.GetLatestResult(context.Background(), h.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Prediction == nil || *row.Prediction != constants.ClassAD || row.Status != constants.ResultStatusSuccess {
		t.Fatalf("result row = %+v", row)
	}
	var doc Result
	if err := json.Unmarshal(row.Record, &doc); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(res.ReportURLs, doc.ReportURLs); diff != "" {
		t.Errorf("persisted report urls (-run +stored):\n%s", diff)
	}
	// the diagnosis is stored before the artifacts exist, then completed in place
	if diff := cmp.Diff([]string{"create:pending", "update:success"}, rec.writes); diff != "" {
		t.Errorf("result writes (-want +got):\n%s", diff)
	}

	want := []constants.SessionStatus{constants.SessionStatusProcessing, constants.SessionStatusCompleted}
	if diff := cmp.Diff(want, h.cache.statuses()); diff != "" {
		t.Errorf("cached statuses (-want +got):\n%s", diff)
	}
}

func TestRunReportOutcomeDecidesStatus(t *testing.T) {
	all := map[constants.ReportType]bool{constants.ReportTechnical: true, constants.ReportClinician: true, constants.ReportPatient: true}
	tests := []struct {
		name        string
		failReports map[constants.ReportType]bool
		failCharts  bool
		want        constants.SessionStatus
	}{
		{name: "all reports fail", failReports: all, want: constants.SessionStatusFailed},
		{
			name:        "one report succeeds with charts failing",
			failReports: map[constants.ReportType]bool{constants.ReportTechnical: true, constants.ReportClinician: true},
			failCharts:  true,
			want:        constants.SessionStatusCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Reports = fakeReports{fail: tt.failReports}
			if tt.failCharts {
				h.deps.Charts = fakeCharts{fail: map[constants.ChartType]bool{
					constants.ChartSimilarity: true, constants.ChartVolume: true, constants.ChartConfidence: true,
				}}
			}
			res := h.run(Options{SliceCount: 3})
			if res.SessionStatus != tt.want || h.stored().Status != tt.want {
				t.Fatalf("status = %s (stored %s), want %s", res.SessionStatus, h.stored().Status, tt.want)
			}
			h.assertInputRemoved()
			if tt.want == constants.SessionStatusCompleted {
				if len(res.ReportURLs) != 1 || res.ReportURLs[constants.ReportPatient] == "" {
					t.Fatalf("report urls = %v", res.ReportURLs)
				}
				if len(res.Omissions) != 5 {
					t.Fatalf("omissions = %+v", res.Omissions)
				}
			}
		})
	}
}

func TestFailedRunRemovesUploadedAssets(t *testing.T) {
	h := newHarness(t)
	h.deps.Results = failingUpdates{h.results}
	res := h.run(Options{SliceCount: 3, UploadViewerSlices: true, ViewerSliceCount: 2})
	if res.SessionStatus != constants.SessionStatusFailed {
		t.Fatalf("status = %s", res.SessionStatus)
	}
	if res.ReportURLs != nil || res.ChartURLs != nil || res.SliceURLs != nil {
		t.Fatalf("urls kept after failure: %v %v %v", res.ReportURLs, res.ChartURLs, res.SliceURLs)
	}
	for _, key := range []string{
		"reports/" + h.session.ID.String() + "/patient_report.pdf",
		"report_assets/" + h.session.ID.String() + "/volume_chart.png",
		"slices/" + h.session.Code + "/axial/slice_000.png",
	} {
		p, err := h.store.Path(constants.BucketReportAssets, key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still stored", key)
		}
	}
	s := h.stored()
	if s.ErrorMessage == nil || *s.ErrorMessage == "" {
		t.Fatalf("error message not recorded: %+v", s)
	}
	// the record written after the vote survives the failed final write
	row, err := h.results.GetLatestResult(context.Background(), h.session.ID)
	if err != nil {
		t.Fatalf("diagnosis record missing: %v", err)
	}
	if row.Status != constants.ResultStatusPending || row.Prediction == nil || *row.Prediction != constants.ClassAD {
		t.Fatalf("row = %+v", row)
	}
}

func TestNoReportsKeepsChartsAndSlices(t *testing.T) {
	h := newHarness(t)
	h.deps.Reports = fakeReports{fail: map[constants.ReportType]bool{
		constants.ReportTechnical: true, constants.ReportClinician: true, constants.ReportPatient: true,
	}}
	res := h.run(Options{SliceCount: 3, UploadViewerSlices: true, ViewerSliceCount: 2})
	if res.SessionStatus != constants.SessionStatusFailed {
		t.Fatalf("status = %s", res.SessionStatus)
	}
	if len(res.ChartURLs) != 3 || len(res.SliceURLs) != 3 {
		t.Fatalf("charts %v slices %v", res.ChartURLs, res.SliceURLs)
	}
	for _, key := range []string{
		"report_assets/" + h.session.ID.String() + "/volume_chart.png",
		"slices/" + h.session.Code + "/axial/slice_000.png",
	} {
		p, err := h.store.Path(constants.BucketReportAssets, key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", key, err)
		}
	}
	row, err := h.results.GetLatestResult(context.Background(), h.session.ID)
	if err != nil {
		t.Fatalf("error record missing: %v", err)
	}
	if row.Status != constants.ResultStatusError || row.Prediction == nil {
		t.Fatalf("row = %+v", row)
	}
}

func TestInputRemovedOnEveryFailingStage(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "extraction",
			setup: func(h *harness) {
				if err := os.WriteFile(h.input, []byte("not a volume"), 0o644); err != nil {
					h.t.Fatal(err)
				}
			},
		},
		{
			name: "classification",
			setup: func(h *harness) {
				h.deps.Classifiers = fakeProvider{kind: classify.KindReal, clf: classifierFunc(
					func(context.Context, volume.Slice) (classify.Prediction, error) {
						return classify.Prediction{}, common.ErrModelUnavailable
					})}
			},
		},
		{
			name: "reports",
			setup: func(h *harness) {
				h.deps.Reports = fakeReports{fail: map[constants.ReportType]bool{
					constants.ReportTechnical: true, constants.ReportClinician: true, constants.ReportPatient: true,
				}}
			},
		},
		{
			name:  "persistence",
			setup: func(h *harness) { h.deps.Results = failingResults{h.results} },
		},
		{
			name:  "panic",
			setup: func(h *harness) { h.deps.Charts = fakeCharts{panic: true} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			tmp := t.TempDir()
			res := h.run(Options{SliceCount: 3, TempDir: tmp})

			if res.SessionStatus != constants.SessionStatusFailed || res.Status != constants.ResultStatusError {
				t.Fatalf("status = %s/%s", res.SessionStatus, res.Status)
			}
			if res.ErrorDetail == "" {
				t.Error("error detail empty")
			}
			h.assertInputRemoved()
			left, err := os.ReadDir(tmp)
			if err != nil {
				t.Fatal(err)
			}
			if len(left) != 0 {
				t.Errorf("work dir left behind: %v", left)
			}
			if got := h.stored().Status; got != constants.SessionStatusFailed {
				t.Errorf("stored status = %s", got)
			}
		})
	}
}

func TestPartialClassificationContinues(t *testing.T) {
	h := newHarness(t)
	var (
		mu sync.Mutex
		n  int
	)
	base := votes(constants.ClassMCI)
	h.deps.Classifiers = fakeProvider{kind: classify.KindReal, clf: classifierFunc(
		func(ctx context.Context, s volume.Slice) (classify.Prediction, error) {
			mu.Lock()
			n++
			call := n
			mu.Unlock()
			switch call {
			case 1:
				return classify.Prediction{}, errors.New("worker hiccup")
			case 2:
				panic("bad slice")
			}
			return base.Classify(ctx, s)
		})}
	res := h.run(Options{SliceCount: 5})
	if res.SessionStatus != constants.SessionStatusCompleted {
		t.Fatalf("status = %s: %s", res.SessionStatus, res.ErrorDetail)
	}
	if res.Metadata.SlicesAnalyzed != 3 || res.Metadata.SlicesFailed != 2 {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
	if res.Diagnosis.Label != constants.ClassMCI {
		t.Fatalf("label = %s", res.Diagnosis.Label)
	}
	for i := 1; i < len(res.Diagnosis.Predictions); i++ {
		if res.Diagnosis.Predictions[i-1].SliceIndex > res.Diagnosis.Predictions[i].SliceIndex {
			t.Fatalf("predictions out of slice order: %+v", res.Diagnosis.Predictions)
		}
	}
}

func TestPreprocessFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.deps.Preprocessor = fakePreprocessor{err: common.StageError(common.ErrPreprocess, "PREPROCESS_FAILED", errors.New("matlab missing"))}
	res := h.run(Options{SliceCount: 3})
	if res.SessionStatus != constants.SessionStatusCompleted {
		t.Fatalf("status = %s: %s", res.SessionStatus, res.ErrorDetail)
	}
	if res.Metadata.PreprocessingSucceeded || res.Volumes.Source != volumetrics.SourceSynthetic {
		t.Fatalf("metadata %+v volumes %+v", res.Metadata, res.Volumes)
	}
	if len(res.Omissions) == 0 || res.Omissions[0].Stage != StagePreprocess {
		t.Fatalf("omissions = %+v", res.Omissions)
	}
}

func TestSlicesComeFromGrayMatterMap(t *testing.T) {
	writeMap := func(t *testing.T) string {
		t.Helper()
		im := &nifti.Image{Dims: [3]int{40, 30, 20}, PixDim: [3]float64{1.5, 1.5, 1.5}}
		im.Data = make([]float32, im.Len())
		for i := range im.Data {
			im.Data[i] = 0.8
		}
		p := filepath.Join(t.TempDir(), preprocess.GrayMatterPrefix+"scan.nii")
		if err := nifti.WriteFile(p, im); err != nil {
			t.Fatal(err)
		}
		return p
	}
	tests := []struct {
		name     string
		prep     func(t *testing.T) fakePreprocessor
		want     [2]int
		omission bool
	}{
		{
			name: "preprocessed",
			prep: func(t *testing.T) fakePreprocessor {
				return fakePreprocessor{out: preprocess.Output{GrayMatter: writeMap(t)}}
			},
			want: [2]int{40, 30},
		},
		{
			name: "preprocessing failed",
			prep: func(t *testing.T) fakePreprocessor {
				return fakePreprocessor{err: common.StageError(common.ErrPreprocess, "PREPROCESS_EXEC", errors.New("exit 1"))}
			},
			want:     [2]int{16, 16},
			omission: true,
		},
		{
			name: "unreadable map",
			prep: func(t *testing.T) fakePreprocessor {
				p := filepath.Join(t.TempDir(), "mwp1broken.nii")
				if err := os.WriteFile(p, []byte("truncated"), 0o644); err != nil {
					t.Fatal(err)
				}
				return fakePreprocessor{out: preprocess.Output{GrayMatter: p}}
			},
			want:     [2]int{16, 16},
			omission: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Preprocessor = tt.prep(t)
			seen := &sliceShapes{}
			h.deps.Classifiers = fakeProvider{clf: seen.wrap(votes(constants.ClassCN)), kind: classify.KindFallback}

			res := h.run(Options{SliceCount: 3})
			if res.SessionStatus != constants.SessionStatusCompleted {
				t.Fatalf("status = %s: %s", res.SessionStatus, res.ErrorDetail)
			}
			want := [][2]int{tt.want, tt.want, tt.want}
			if diff := cmp.Diff(want, seen.shapes); diff != "" {
				t.Errorf("slice shapes (-want +got):\n%s", diff)
			}
			var omitted bool
			for _, o := range res.Omissions {
				omitted = omitted || o.Stage == StagePreprocess
			}
			if omitted != tt.omission {
				t.Errorf("preprocess omission = %v, want %v (%+v)", omitted, tt.omission, res.Omissions)
			}
		})
	}
}

func TestMeasuredGrayMatterVolume(t *testing.T) {
	h := newHarness(t)
	// 100x100x40 voxels at p=1.0 sum to 400000; 1.5mm isotropic.
	im := &nifti.Image{Dims: [3]int{100, 100, 40}, PixDim: [3]float64{1.5, 1.5, 1.5}}
	im.Data = make([]float32, im.Len())
	for i := range im.Data {
		im.Data[i] = 1
	}
	gm := filepath.Join(t.TempDir(), preprocess.GrayMatterPrefix+"scan.nii")
	if err := nifti.WriteFile(gm, im); err != nil {
		t.Fatal(err)
	}
	h.deps.Preprocessor = fakePreprocessor{out: preprocess.Output{GrayMatter: gm}}

	res := h.run(Options{SliceCount: 3})
	if res.SessionStatus != constants.SessionStatusCompleted {
		t.Fatalf("status = %s: %s", res.SessionStatus, res.ErrorDetail)
	}
	if !res.Metadata.PreprocessingSucceeded || res.Volumes.Source != volumetrics.SourceMeasured {
		t.Fatalf("volumes = %+v", res.Volumes)
	}
	if math.Abs(res.Volumes.GrayMatter-1350.0) > 1e-6 {
		t.Fatalf("gray matter = %v, want 1350", res.Volumes.GrayMatter)
	}
	if !res.Volumes.Estimated[constants.RegionWhiteMatter] {
		t.Error("white matter without a map must be flagged estimated")
	}
}

func TestRunRefusesTerminalSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sessions.UpdateSessionStatus(ctx, h.session.ID, constants.SessionStatusProcessing, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.sessions.UpdateSessionStatus(ctx, h.session.ID, constants.SessionStatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	res := h.run(Options{SliceCount: 3})
	if !strings.Contains(res.ErrorDetail, repository.ErrInvalidTransition.Error()) || res.SessionStatus != "" {
		t.Fatalf("expected refused transition, got %q (%s)", res.ErrorDetail, res.SessionStatus)
	}
	if got := h.stored().Status; got != constants.SessionStatusCompleted {
		t.Fatalf("terminal status overwritten: %s", got)
	}
	if _, err := h.results.GetLatestResult(ctx, h.session.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("no record should be written, got %v", err)
	}
	h.assertInputRemoved()
}

func TestRunHonoursTimeoutForStatusWrites(t *testing.T) {
	h := newHarness(t)
	h.deps.Classifiers = fakeProvider{kind: classify.KindReal, clf: classifierFunc(
		func(ctx context.Context, _ volume.Slice) (classify.Prediction, error) {
			<-ctx.Done()
			return classify.Prediction{}, ctx.Err()
		})}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := NewProcessor(h.deps, Options{SliceCount: 2, TempDir: t.TempDir()}, nil)
	res := p.Run(ctx, Request{
		SessionID:    h.session.ID,
		SessionCode:  h.session.Code,
		InputPath:    h.input,
		AnalysisType: constants.AnalysisMultiDisease,
	})
	if res.SessionStatus != constants.SessionStatusFailed || h.stored().Status != constants.SessionStatusFailed {
		t.Fatalf("timed-out run must still reach failed, got %s / %s", res.SessionStatus, h.stored().Status)
	}
}
