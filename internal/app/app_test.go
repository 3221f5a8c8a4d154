package app

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/async"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/ingest"
	"github.com/joseph-ayodele/neuroscan/internal/nifti"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
)

func scanBytes(t *testing.T) []byte {
	t.Helper()
	im := &nifti.Image{Dims: [3]int{24, 24, 24}, PixDim: [3]float64{1, 1, 1}}
	im.Data = make([]float32, im.Len())
	for z := 6; z < 18; z++ {
		for y := 6; y < 18; y++ {
			for x := 6; x < 18; x++ {
				im.Data[x+y*24+z*576] = float32(200 + x + y + z)
			}
		}
	}
	var buf bytes.Buffer
	if err := nifti.Write(&buf, im); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEndToEndFallbackRun(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := common.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.PublicBaseURL = "http://neuroscan.test/files"
	cfg.Pipeline.TempDir = t.TempDir()
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.UploadViewerSlices = false
	cfg.Classifier.ForceFallback = true
	cfg.Classifier.Seed = 7
	cfg.Cache.RedisAddr = mr.Addr()

	done := make(chan pipeline.Result, 1)
	ctx := context.Background()
	a, err := Build(ctx, cfg, Options{
		InMemory: true,
		OnDone:   func(_ async.Job, r pipeline.Result) { done <- r },
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	sub, err := a.Analysis.Submit(ctx, ingest.Upload{
		Filename:     "subject01.nii",
		Body:         bytes.NewReader(scanBytes(t)),
		AnalysisType: "multi-disease",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var res pipeline.Result
	select {
	case res = <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("run did not finish")
	}
	if res.Status != constants.ResultStatusSuccess || res.SessionStatus != constants.SessionStatusCompleted {
		t.Fatalf("result = %+v", res)
	}
	if len(res.ReportURLs) != len(constants.ReportTypes) {
		t.Fatalf("reports = %v", res.ReportURLs)
	}
	for rt, u := range res.ReportURLs {
		bucket, key, ok := a.Store.ParseURL(u)
		if !ok {
			t.Fatalf("%s url %q not from store", rt, u)
		}
		p, err := a.Store.Path(bucket, key)
		if err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(p)
		if err != nil || !bytes.HasPrefix(data, []byte("%PDF")) {
			t.Fatalf("%s report at %s unreadable: %v", rt, p, err)
		}
	}
	if left, _ := os.ReadDir(cfg.Pipeline.TempDir); len(left) != 0 {
		t.Errorf("temp dir not cleaned: %v", left)
	}

	view, err := a.Analysis.Status(ctx, sub.SessionID.String())
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != constants.SessionStatusCompleted || view.Diagnosis == nil || view.Source != "cache" {
		t.Fatalf("view = %+v", view)
	}
	if view.Metadata == nil || view.Metadata.PreprocessingSucceeded {
		t.Errorf("preprocessing should be reported as skipped: %+v", view.Metadata)
	}
}

func TestBuildFailsOnBadDatabase(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = t.TempDir() + "/missing/dir/db.sqlite"
	if _, err := Build(context.Background(), cfg, Options{}, nil); err == nil {
		t.Fatal("expected an error for an unreachable database")
	}
}
