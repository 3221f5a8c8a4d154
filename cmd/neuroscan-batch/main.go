package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/app"
	"github.com/joseph-ayodele/neuroscan/internal/async"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/ingest"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
	"github.com/joseph-ayodele/neuroscan/internal/utils"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

// tally counts finished runs; changed is signalled after every update.
type tally struct {
	mu        sync.Mutex
	completed int
	failed    int
	changed   chan struct{}
}

func (t *tally) done(_ async.Job, r pipeline.Result) {
	t.mu.Lock()
	if r.Status == constants.ResultStatusSuccess {
		t.completed++
	} else {
		t.failed++
	}
	t.mu.Unlock()
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *tally) counts() (completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.failed
}

// wait blocks until n runs have finished or ctx ends.
func (t *tally) wait(ctx context.Context, n int) bool {
	for {
		if c, f := t.counts(); c+f >= n {
			return true
		}
		select {
		case <-t.changed:
		case <-ctx.Done():
			return false
		}
	}
}

func main() {
	var (
		inmem        = flag.Bool("inmem", false, "use in-memory SQLite database")
		dir          = flag.String("dir", "", "directory of .nii/.nii.gz scans to analyze once")
		watch        = flag.String("watch", "", "inbox directory to watch; scans dropped here are submitted")
		analysisType = flag.String("type", "multi-disease", "analysis type: multi-disease, ad-only or mci-only")
		out          = flag.String("out", "", "output XLSX file path (defaults next to --dir)")
		fromStr      = flag.String("from", "", "export sessions created from YYYY-MM-DD")
		toStr        = flag.String("to", "", "export sessions created up to YYYY-MM-DD")
	)
	flag.Parse()

	if (*dir == "") == (*watch == "") {
		printError("Error: exactly one of --dir or --watch is required\n")
		os.Exit(1)
	}
	if _, ok := constants.ParseAnalysisType(*analysisType); !ok {
		printError("Error: unknown --type %q\n", *analysisType)
		os.Exit(1)
	}
	var from, to *time.Time
	for _, f := range []struct {
		raw string
		dst **time.Time
	}{{*fromStr, &from}, {*toStr, &to}} {
		if f.raw == "" {
			continue
		}
		parsed, err := utils.ParseYMD(f.raw)
		if err != nil {
			printError("Error: invalid date %q, use YYYY-MM-DD: %v\n", f.raw, err)
			os.Exit(1)
		}
		*f.dst = &parsed
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}
	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !*inmem {
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid config", "error", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := &tally{changed: make(chan struct{}, 1)}
	a, err := app.Build(ctx, cfg, app.Options{InMemory: *inmem, OnDone: t.done}, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if *watch != "" {
		debounce := cfg.Inbox.Debounce
		if err := ingest.WatchInbox(ctx, a.Ingestor, *watch, *analysisType, debounce, logger); err != nil {
			logger.Error("inbox watcher failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting ingestion", "dir", *dir, "analysis_type", *analysisType)
	_, stats, err := a.Ingestor.IngestDirectory(ctx, *dir, *analysisType, true)
	if err != nil {
		logger.Error("failed to ingest directory", "error", err)
		os.Exit(1)
	}
	logger.Info("ingestion complete",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed)

	if !t.wait(ctx, int(stats.Succeeded)) {
		logger.Warn("interrupted before all analyses finished")
	}

	if *out == "" {
		*out = filepath.Join(filepath.Dir(filepath.Clean(*dir)), "neuroscan-sessions.xlsx")
	}
	xlsx, err := a.Export.ExportSessionsXLSX(context.Background(), from, to)
	if err != nil {
		logger.Error("failed to export sessions", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsx, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	completed, failed := t.counts()
	logger.Info("batch processing complete",
		"submitted", stats.Succeeded,
		"completed", completed,
		"failed", failed,
		"output_file", *out)

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Scans submitted: %d\n", stats.Succeeded)
	fmt.Printf("- Completed: %d\n", completed)
	fmt.Printf("- Failed: %d\n", failed)
	fmt.Printf("- Output: %s\n", *out)
}
