package preprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/neuroscan/internal/common"
)

// Output prefixes written by the segmentation tool: modulated grey matter
// and modulated white matter probability maps.
const (
	GrayMatterPrefix  = "mwp1"
	WhiteMatterPrefix = "mwp2"
)

// Config describes how to invoke the segmentation tool. Args may contain
// the placeholders {script}, {input} and {workdir}.
type Config struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

// ConfigFrom maps the application preprocess section.
func ConfigFrom(c common.PreprocessConfig) Config {
	return Config{Binary: c.Binary, Args: c.Args, Timeout: c.Timeout}
}

// Output names the probability maps produced for one input. WhiteMatter is
// empty when the tool did not write one.
type Output struct {
	GrayMatter  string
	WhiteMatter string
	Skipped     bool // input was already a grey matter map
}

// Preprocessor turns a raw T1 volume into tissue probability maps.
type Preprocessor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func New(cfg Config, runner Runner, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"script", "{script}"}
	}
	return &Preprocessor{cfg: cfg, runner: runner, logger: logger}
}

// Enabled reports whether a segmentation binary is configured.
func (p *Preprocessor) Enabled() bool { return p.cfg.Binary != "" }

// Run segments input and returns the grey matter map path. Outputs are
// placed in workDir, which the caller owns. Every failure wraps
// common.ErrPreprocess.
func (p *Preprocessor) Run(ctx context.Context, input, workDir string) (Output, error) {
	name := filepath.Base(input)
	if strings.Contains(name, GrayMatterPrefix) {
		p.logger.Info("preprocess.skipped", "reason", "input is already a grey matter map", "file", name)
		return Output{GrayMatter: input, WhiteMatter: sibling(input), Skipped: true}, nil
	}
	if !p.Enabled() {
		return Output{}, common.StageError(common.ErrPreprocess, "PREPROCESS_DISABLED", errors.New("no segmentation binary configured"))
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Output{}, common.StageError(common.ErrPreprocess, "PREPROCESS_IO", err)
	}

	// the tool writes next to its input, so work on a private copy
	staged := filepath.Join(workDir, name)
	if filepath.Clean(input) != filepath.Clean(staged) {
		if err := copyFile(input, staged); err != nil {
			return Output{}, common.StageError(common.ErrPreprocess, "PREPROCESS_IO", err)
		}
	}
	script := filepath.Join(workDir, "segment_job.m")
	if err := os.WriteFile(script, []byte(batchScript(staged)), 0o644); err != nil {
		return Output{}, common.StageError(common.ErrPreprocess, "PREPROCESS_IO", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	args := p.expandArgs(script, staged, workDir)
	if _, stderr, err := p.runner.Run(ctx, p.cfg.Binary, p.logger, args...); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (timeout %s)", ctx.Err(), p.cfg.Timeout)
		}
		p.logger.Warn("preprocess.failed", "file", name, "duration_ms", time.Since(start).Milliseconds(), "stderr", truncate(string(stderr), 2<<10), "err", err)
		return Output{}, common.StageError(common.ErrPreprocess, "PREPROCESS_EXEC", err)
	}

	gm := findOutput(GrayMatterPrefix+name, workDir)
	if gm == "" {
		return Output{}, common.StageError(common.ErrPreprocess, "PREPROCESS_OUTPUT",
			fmt.Errorf("%s%s not found after segmentation", GrayMatterPrefix, name))
	}
	out := Output{GrayMatter: gm, WhiteMatter: sibling(gm)}
	p.logger.Info("preprocess.ok",
		"file", name,
		"gray_matter", filepath.Base(out.GrayMatter),
		"white_matter", filepath.Base(out.WhiteMatter),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (p *Preprocessor) expandArgs(script, input, workDir string) []string {
	r := strings.NewReplacer("{script}", script, "{input}", input, "{workdir}", workDir)
	out := make([]string, len(p.cfg.Args))
	for i, a := range p.cfg.Args {
		out[i] = r.Replace(a)
	}
	return out
}

// findOutput looks where the tool is known to write: an mri/ folder next to
// the input, or the input's own directory.
func findOutput(file, dir string) string {
	for _, c := range []string{filepath.Join(dir, "mri", file), filepath.Join(dir, file)} {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c
		}
	}
	return ""
}

// sibling returns the white matter map that belongs to a grey matter map,
// or "" when it does not exist.
func sibling(gm string) string {
	dir, name := filepath.Split(gm)
	i := strings.LastIndex(name, GrayMatterPrefix)
	if i < 0 {
		return ""
	}
	wm := filepath.Join(dir, name[:i]+WhiteMatterPrefix+name[i+len(GrayMatterPrefix):])
	if _, err := os.Stat(wm); err != nil {
		return ""
	}
	return wm
}

func batchScript(input string) string {
	in := filepath.ToSlash(input)
	return strings.Join([]string{
		"spm_jobman('initcfg');",
		"matlabbatch = {};",
		fmt.Sprintf("matlabbatch{1}.spm.tools.cat.estwrite.data = {'%s,1'};", in),
		"matlabbatch{1}.spm.tools.cat.estwrite.nproc = 0;",
		"matlabbatch{1}.spm.tools.cat.estwrite.output.surface = 0;",
		"matlabbatch{1}.spm.tools.cat.estwrite.output.GM.native = 0;",
		"matlabbatch{1}.spm.tools.cat.estwrite.output.GM.mod = 1;",
		"matlabbatch{1}.spm.tools.cat.estwrite.output.WM.native = 0;",
		"matlabbatch{1}.spm.tools.cat.estwrite.output.WM.mod = 1;",
		"spm_jobman('run', matlabbatch);",
		"exit;",
		"",
	}, "\n")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
