package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/app"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/ingest"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
)

// analyze runs one scan through the pipeline in the foreground and prints the
// result document.
func main() {
	var (
		file         = flag.String("file", "", "path to a .nii or .nii.gz scan (required)")
		analysisType = flag.String("type", "multi-disease", "analysis type: multi-disease, ad-only or mci-only")
		patientRef   = flag.String("patient", "", "optional patient reference")
		inmem        = flag.Bool("inmem", true, "use an in-memory SQLite database")
		fallback     = flag.Bool("fallback", false, "skip the model and use the stand-in classifier")
		verbose      = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: analyze -file scan.nii.gz [-type ad-only] [-patient P-1]")
		os.Exit(2)
	}
	atype, ok := constants.ParseAnalysisType(*analysisType)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown analysis type %q\n", *analysisType)
		os.Exit(2)
	}
	if !ingest.AllowedFile(*file) {
		fmt.Fprintf(os.Stderr, "%s is not a .nii or .nii.gz file\n", *file)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *fallback {
		cfg.Classifier.ForceFallback = true
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, app.Options{InMemory: *inmem}, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	os.Exit(analyze(ctx, a, logger, *file, atype, *patientRef))
}

// analyze returns the process exit code so the app is closed before exiting.
func analyze(ctx context.Context, a *app.App, logger *slog.Logger, path string, atype constants.AnalysisType, patientRef string) int {
	defer a.Close(ctx)

	res, err := run(ctx, a, path, atype, patientRef)
	if err != nil {
		logger.Error("analysis could not start", "error", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("failed to write result", "error", err)
		return 1
	}
	if res.Status != constants.ResultStatusSuccess {
		return 3
	}
	return 0
}

// run creates a session for path and runs the processor on a private copy,
// since a run removes its input.
func run(ctx context.Context, a *app.App, path string, atype constants.AnalysisType, patientRef string) (pipeline.Result, error) {
	code, err := common.NewSessionCode(time.Now())
	if err != nil {
		return pipeline.Result{}, err
	}
	name := filepath.Base(path)
	sess, err := a.Sessions.CreateSession(ctx, repository.NewSession{
		Code:          code,
		AnalysisType:  atype,
		PatientRef:    patientRef,
		InputFilename: name,
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	if err := os.MkdirAll(a.Config.Pipeline.TempDir, 0o755); err != nil {
		return pipeline.Result{}, err
	}
	staged, err := os.CreateTemp(a.Config.Pipeline.TempDir, "analyze-*-"+name)
	if err != nil {
		return pipeline.Result{}, err
	}
	src, err := os.Open(path)
	if err != nil {
		staged.Close()
		os.Remove(staged.Name())
		return pipeline.Result{}, err
	}
	_, err = io.Copy(staged, src)
	src.Close()
	if cerr := staged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staged.Name())
		return pipeline.Result{}, err
	}

	return a.Processor.Run(ctx, pipeline.Request{
		SessionID:    sess.ID,
		SessionCode:  sess.Code,
		PatientRef:   patientRef,
		InputPath:    staged.Name(),
		AnalysisType: atype,
	}), nil
}
