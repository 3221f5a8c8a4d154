package classify

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
)

const maxFrameBytes = 64 << 20

// Proc is a running inference worker process.
type Proc struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader // optional
	Wait   func() error
	Kill   func() error
}

// Launcher starts the inference worker. Tests substitute an in-memory pipe.
type Launcher interface {
	Launch(name string, args ...string) (*Proc, error)
}

type execLauncher struct{}

// ExecLauncher spawns real subprocesses.
func ExecLauncher() Launcher { return execLauncher{} }

func (execLauncher) Launch(name string, args ...string) (*Proc, error) {
	// Not CommandContext: the worker outlives any single request.
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Proc{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
		Kill:   func() error { return cmd.Process.Kill() },
	}, nil
}

// RealConfig configures the model-backed classifier.
type RealConfig struct {
	Python       string
	Script       string
	WeightsPath  string
	StartTimeout time.Duration
	WriteTimeout time.Duration
}

type wireRequest struct {
	Type   string `msgpack:"type"`
	ID     uint64 `msgpack:"id,omitempty"`
	Image  []byte `msgpack:"image,omitempty"`
	Width  int    `msgpack:"width,omitempty"`
	Height int    `msgpack:"height,omitempty"`
}

type wireResponse struct {
	Type          string    `msgpack:"type"`
	ID            uint64    `msgpack:"id"`
	Classes       []string  `msgpack:"classes"`
	ModelVersion  string    `msgpack:"model_version"`
	Probabilities []float64 `msgpack:"probabilities"`
	Error         string    `msgpack:"error"`
}

// RealClassifier drives a long-lived inference worker over stdin/stdout using
// length-prefixed msgpack frames (4-byte big-endian length, then body). The
// worker owns resizing, cropping and normalization with the model's own
// statistics; this side only ships the grayscale PNG.
type RealClassifier struct {
	cfg      RealConfig
	launcher Launcher
	logger   *slog.Logger

	mu      sync.Mutex
	proc    *Proc
	classes []constants.Class
	version string
	seq     uint64
}

func NewRealClassifier(cfg RealConfig, launcher Launcher, logger *slog.Logger) *RealClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	if launcher == nil {
		launcher = ExecLauncher()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &RealClassifier{cfg: cfg, launcher: launcher, logger: logger}
}

// ModelVersion is the version reported by the worker handshake.
func (c *RealClassifier) ModelVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Ensure starts the worker if it is not running and completes the handshake.
// Any failure is reported as common.ErrModelUnavailable.
func (c *RealClassifier) Ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return nil
	}
	if c.cfg.WeightsPath == "" {
		return fmt.Errorf("%w: no weights configured", common.ErrModelUnavailable)
	}
	if _, err := os.Stat(c.cfg.WeightsPath); err != nil {
		return fmt.Errorf("%w: weights %s: %v", common.ErrModelUnavailable, c.cfg.WeightsPath, err)
	}

	start := time.Now()
	proc, err := c.launcher.Launch(c.cfg.Python, c.cfg.Script, "--weights", c.cfg.WeightsPath)
	if err != nil {
		c.logger.Error("classifier.worker.spawn_failed", "python", c.cfg.Python, "script", c.cfg.Script, "err", err)
		return fmt.Errorf("%w: spawn: %v", common.ErrModelUnavailable, err)
	}
	if proc.Stderr != nil {
		go c.logStderr(proc.Stderr)
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()
	var resp wireResponse
	if err := c.roundTrip(hctx, proc, wireRequest{Type: "hello"}, &resp); err != nil {
		stop(proc)
		c.logger.Error("classifier.worker.handshake_failed", "err", err)
		return fmt.Errorf("%w: handshake: %v", common.ErrModelUnavailable, err)
	}
	if resp.Type != "ready" || resp.Error != "" {
		stop(proc)
		return fmt.Errorf("%w: worker not ready: %s", common.ErrModelUnavailable, resp.Error)
	}
	classes, err := parseClasses(resp.Classes)
	if err != nil {
		stop(proc)
		return fmt.Errorf("%w: %v", common.ErrModelUnavailable, err)
	}

	c.proc, c.classes, c.version = proc, classes, resp.ModelVersion
	if c.version == "" {
		c.version = constants.ModelVersion
	}
	c.logger.Info("classifier.worker.ready",
		"model_version", c.version,
		"classes", len(classes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (c *RealClassifier) Classify(ctx context.Context, s volume.Slice) (Prediction, error) {
	if err := c.Ensure(ctx); err != nil {
		return Prediction{}, err
	}
	img, err := s.PNG()
	if err != nil {
		return Prediction{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return Prediction{}, fmt.Errorf("%w: worker stopped", common.ErrModelUnavailable)
	}
	c.seq++
	id := c.seq
	var resp wireResponse
	req := wireRequest{Type: "classify", ID: id, Image: img, Width: s.Width, Height: s.Height}
	if err := c.roundTrip(ctx, c.proc, req, &resp); err != nil {
		// The stream may hold a half-read frame; restart on next use.
		c.resetLocked()
		return Prediction{}, fmt.Errorf("classify slice %d: %w", s.Index, err)
	}
	if resp.ID != id {
		c.resetLocked()
		return Prediction{}, fmt.Errorf("classify slice %d: response id %d, want %d", s.Index, resp.ID, id)
	}
	if resp.Error != "" {
		return Prediction{}, fmt.Errorf("classify slice %d: worker: %s", s.Index, resp.Error)
	}

	classes := c.classes
	if len(resp.Classes) > 0 {
		if classes, err = parseClasses(resp.Classes); err != nil {
			return Prediction{}, err
		}
	}
	if len(resp.Probabilities) != len(classes) {
		return Prediction{}, fmt.Errorf("classify slice %d: %d probabilities for %d classes", s.Index, len(resp.Probabilities), len(classes))
	}
	p := Prediction{SliceIndex: s.Index, Probabilities: make(map[constants.Class]float64, len(classes))}
	for i, cls := range classes {
		pr := resp.Probabilities[i] * 100
		p.Probabilities[cls] = pr
		if p.Label == "" || pr > p.Confidence {
			p.Label, p.Confidence = cls, pr
		}
	}
	return p, nil
}

// Close stops the worker: stdin is closed so it can exit, then it is killed
// if it has not gone away within two seconds.
func (c *RealClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

func (c *RealClassifier) resetLocked() {
	if c.proc == nil {
		return
	}
	stop(c.proc)
	c.proc = nil
}

func stop(p *Proc) {
	_ = p.Stdin.Close()
	if p.Wait == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if p.Kill != nil {
			_ = p.Kill()
		}
	}
}

func (c *RealClassifier) roundTrip(ctx context.Context, p *Proc, req wireRequest, resp *wireResponse) error {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- writeFrame(p.Stdin, body) }()
	select {
	case err := <-writeErr:
		if err != nil {
			return err
		}
	case <-time.After(c.cfg.WriteTimeout):
		return errors.New("write to worker timed out")
	case <-ctx.Done():
		return ctx.Err()
	}

	type result struct {
		body []byte
		err  error
	}
	readCh := make(chan result, 1)
	go func() {
		b, err := readFrame(p.Stdout)
		readCh <- result{b, err}
	}()
	select {
	case r := <-readCh:
		if r.err != nil {
			return r.err
		}
		if err := msgpack.Unmarshal(r.body, resp); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeFrame(w io.Writer, body []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame (%d bytes): %w", n, err)
	}
	return body, nil
}

func parseClasses(names []string) ([]constants.Class, error) {
	if len(names) == 0 {
		return append([]constants.Class(nil), constants.ModelClasses...), nil
	}
	out := make([]constants.Class, len(names))
	for i, n := range names {
		c, ok := constants.ParseClass(n)
		if !ok {
			return nil, fmt.Errorf("unknown model class %q", n)
		}
		out[i] = c
	}
	return out, nil
}

func (c *RealClassifier) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			c.logger.Error("classifier.worker.stderr", "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			c.logger.Warn("classifier.worker.stderr", "line", line)
		default:
			c.logger.Debug("classifier.worker.stderr", "line", line)
		}
	}
}
