package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProcessedDir receives inbox files once they have been submitted. Hidden
// directories are never watched, so moved files do not fire again.
const ProcessedDir = ".processed"

type WatchConfig struct {
	Roots       []string      // directories to watch (recursive)
	InitialScan bool          // if true, walk roots and emit existing files
	Debounce    time.Duration // coalesce rapid write/rename bursts per file
	Logger      *slog.Logger
}

// StartWatcher emits the paths of volume files created or rewritten under the
// roots. A path is emitted once it has been quiet for Debounce, so a scan still
// being copied in is not picked up half-written. Both channels close when ctx
// ends.
func StartWatcher(ctx context.Context, cfg WatchConfig) (<-chan string, <-chan error, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Roots) == 0 {
		log.Error("watcher.start.failed", "reason", "no roots provided")
		return nil, nil, errors.New("no roots provided")
	}
	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("watcher.create.failed", "err", err)
		return nil, nil, err
	}

	var initial []string
	addDir := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if hidden(cfg.Roots, path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return w.Add(path)
			}
			if cfg.InitialScan && AllowedFile(path) {
				initial = append(initial, path)
			}
			return nil
		})
	}
	for _, r := range cfg.Roots {
		if err := addDir(r); err != nil {
			log.Error("watcher.root.failed", "root", r, "err", err)
			_ = w.Close()
			return nil, nil, err
		}
	}

	go func() {
		defer close(evCh)
		defer close(errCh)
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn("watcher.close.failed", "err", err)
			}
		}()

		emit := func(p string) bool {
			select {
			case evCh <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range initial {
			if !emit(p) {
				return
			}
		}

		// pending maps a path to the time of its last event
		pending := map[string]time.Time{}
		tick := cfg.Debounce / 2
		if tick <= 0 {
			tick = 50 * time.Millisecond
		}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if hidden(cfg.Roots, e.Name) {
					continue
				}
				if e.Op&fsnotify.Create == fsnotify.Create {
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
						if err := addDir(e.Name); err != nil {
							log.Warn("watcher.dir.add.failed", "path", e.Name, "err", err)
						}
						continue
					}
				}
				if AllowedFile(e.Name) && e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending[e.Name] = time.Now()
				}
			case now := <-ticker.C:
				for p, last := range pending {
					if now.Sub(last) < cfg.Debounce {
						continue
					}
					delete(pending, p)
					if _, err := os.Stat(p); err != nil {
						continue // renamed away or deleted
					}
					if !emit(p) {
						return
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("watcher.error", "err", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

// hidden reports whether any component of path below its root starts with a dot.
func hidden(roots []string, path string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
			if strings.HasPrefix(part, ".") {
				return true
			}
		}
		return false
	}
	return false
}

// WatchInbox submits every scan that appears under dir until ctx ends. A
// submitted file is moved into dir/.processed; a rejected one stays put.
func WatchInbox(ctx context.Context, ing Ingestor, dir, analysisType string, debounce time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	done := filepath.Join(dir, ProcessedDir)
	if err := os.MkdirAll(done, 0o755); err != nil {
		return err
	}
	events, errs, err := StartWatcher(ctx, WatchConfig{Roots: []string{dir}, InitialScan: true, Debounce: debounce, Logger: logger})
	if err != nil {
		return err
	}
	logger.Info("inbox.watching", "dir", dir, "analysis_type", analysisType)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("inbox.watch.error", "err", err)
		case path, ok := <-events:
			if !ok {
				return nil
			}
			res, err := ing.IngestPath(ctx, path, analysisType, "")
			if err != nil {
				logger.Error("inbox.submit.failed", "path", path, "err", err)
				continue
			}
			dest := filepath.Join(done, res.SessionCode+"-"+filepath.Base(path))
			if err := os.Rename(path, dest); err != nil {
				logger.Warn("inbox.move.failed", "path", path, "err", err)
			}
			logger.Info("inbox.submitted", "path", path, "session_id", res.SessionID, "session_code", res.SessionCode)
		}
	}
}
