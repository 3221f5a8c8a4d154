package charts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"strconv"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/similarity"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
	"github.com/joseph-ayodele/neuroscan/internal/vote"
)

// ErrNoData is returned when the input for a chart is missing.
var ErrNoData = errors.New("charts: no data for chart")

var (
	colorNormal     = mustHex("#10b981")
	colorBorderline = mustHex("#f59e0b")
	colorAbnormal   = mustHex("#ef4444")
)

// Input carries everything any chart may need. Similarity is nil when that
// stage did not produce a result.
type Input struct {
	Vocabulary  []constants.Class
	Diagnosis   vote.Diagnosis
	Similarity  *similarity.Result
	Comparisons []volumetrics.Comparison
}

// Renderer draws PNG charts.
type Renderer struct {
	width  vg.Length
	height vg.Length
	logger *slog.Logger
}

func NewRenderer(logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{width: 8 * vg.Inch, height: 4.5 * vg.Inch, logger: logger}
}

// Render draws the chart of type kind.
func (r *Renderer) Render(ctx context.Context, kind constants.ChartType, in Input) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	var (
		b   []byte
		err error
	)
	switch kind {
	case constants.ChartSimilarity:
		if in.Similarity == nil {
			return nil, fmt.Errorf("%s: %w", kind, ErrNoData)
		}
		b, err = r.Similarity(*in.Similarity, in.Vocabulary, in.Diagnosis.Label)
	case constants.ChartVolume:
		b, err = r.VolumeComparison(in.Comparisons)
	case constants.ChartConfidence:
		b, err = r.Confidence(in.Diagnosis.MeanProbabilities, in.Vocabulary)
	default:
		return nil, fmt.Errorf("unknown chart type %q", kind)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Debug("charts.rendered", "chart", kind, "bytes", len(b), "duration_ms", time.Since(start).Milliseconds())
	return b, nil
}

// Similarity draws one horizontal bar per class; the predicted class is
// outlined.
func (r *Renderer) Similarity(res similarity.Result, vocab []constants.Class, predicted constants.Class) ([]byte, error) {
	if len(vocab) == 0 {
		return nil, ErrNoData
	}
	p := plot.New()
	p.Title.Text = "Brain Pattern Similarity Comparison"
	p.X.Label.Text = "Similarity Score (%)"
	p.X.Min, p.X.Max = 0, 100

	names := make([]string, len(vocab))
	for i, c := range vocab {
		names[i] = c.Info().Name
		bars, err := singleBar(len(vocab), i, res.Scores[c]*100, mustHex(c.Info().Color))
		if err != nil {
			return nil, err
		}
		if c == predicted {
			bars.LineStyle.Width = vg.Points(2.5)
			bars.LineStyle.Color = mustHex("#2c3e50")
		}
		p.Add(bars)
	}
	p.Add(plotter.NewGrid())
	p.NominalY(names...)
	if err := addValueLabels(p, vocab, func(c constants.Class) float64 { return res.Scores[c] * 100 }); err != nil {
		return nil, err
	}
	return encode(p, r.width, r.height)
}

// Confidence draws the mean per-class probability (already in percent).
func (r *Renderer) Confidence(probs map[constants.Class]float64, vocab []constants.Class) ([]byte, error) {
	if len(vocab) == 0 || len(probs) == 0 {
		return nil, ErrNoData
	}
	p := plot.New()
	p.Title.Text = "AI Prediction Confidence Distribution"
	p.X.Label.Text = "Confidence (%)"
	p.X.Min, p.X.Max = 0, 100

	names := make([]string, len(vocab))
	for i, c := range vocab {
		names[i] = c.Info().Name
		bars, err := singleBar(len(vocab), i, probs[c], mustHex(c.Info().Color))
		if err != nil {
			return nil, err
		}
		p.Add(bars)
	}
	p.NominalY(names...)
	if err := addValueLabels(p, vocab, func(c constants.Class) float64 { return probs[c] }); err != nil {
		return nil, err
	}
	return encode(p, r.width, 3*vg.Inch)
}

// VolumeComparison draws each region as a percentage of its normative
// midpoint, coloured by status, with the normative band edges as markers.
func (r *Renderer) VolumeComparison(cmps []volumetrics.Comparison) ([]byte, error) {
	if len(cmps) == 0 {
		return nil, ErrNoData
	}
	n := len(cmps)
	normal := make(plotter.Values, n)
	border := make(plotter.Values, n)
	abnormal := make(plotter.Values, n)
	lows := make(plotter.XYs, n)
	highs := make(plotter.XYs, n)
	names := make([]string, n)
	for i, c := range cmps {
		mid := c.Range.Mid()
		if mid <= 0 {
			continue
		}
		pct := c.Value / mid * 100
		switch {
		case c.Status == volumetrics.StatusNormal:
			normal[i] = pct
		case c.Borderline():
			border[i] = pct
		default:
			abnormal[i] = pct
		}
		lows[i] = plotter.XY{X: c.Range.Min / mid * 100, Y: float64(i)}
		highs[i] = plotter.XY{X: c.Range.Max / mid * 100, Y: float64(i)}
		names[i] = c.Label
		if c.Estimated {
			names[i] += " (est.)"
		}
	}

	p := plot.New()
	p.Title.Text = "Brain Volumetric Analysis: Subject vs. Normative Range"
	p.X.Label.Text = "% of normative midpoint"
	p.X.Min = 0

	for _, s := range []struct {
		vals plotter.Values
		col  color.Color
	}{{normal, colorNormal}, {border, colorBorderline}, {abnormal, colorAbnormal}} {
		bars, err := plotter.NewBarChart(s.vals, vg.Points(18))
		if err != nil {
			return nil, err
		}
		bars.Horizontal = true
		bars.Color = s.col
		bars.LineStyle.Width = 0
		p.Add(bars)
	}
	for _, edge := range []plotter.XYs{lows, highs} {
		sc, err := plotter.NewScatter(edge)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = colorNormal
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
	}
	p.Add(plotter.NewGrid())
	p.NominalY(names...)
	return encode(p, r.width, vg.Length(n)*0.6*vg.Inch+1.5*vg.Inch)
}

// singleBar builds a horizontal bar series of length n with only index i set,
// so each class can carry its own colour.
func singleBar(n, i int, v float64, col color.Color) (*plotter.BarChart, error) {
	vals := make(plotter.Values, n)
	vals[i] = v
	bars, err := plotter.NewBarChart(vals, vg.Points(28))
	if err != nil {
		return nil, err
	}
	bars.Horizontal = true
	bars.Color = col
	bars.LineStyle.Width = 0
	return bars, nil
}

func addValueLabels(p *plot.Plot, vocab []constants.Class, value func(constants.Class) float64) error {
	xys := make(plotter.XYs, len(vocab))
	labels := make([]string, len(vocab))
	for i, c := range vocab {
		v := value(c)
		xys[i] = plotter.XY{X: v + 2, Y: float64(i)}
		labels[i] = strconv.FormatFloat(v, 'f', 1, 64) + "%"
	}
	l, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
	if err != nil {
		return err
	}
	p.Add(l)
	return nil
}

func encode(p *plot.Plot, w, h vg.Length) ([]byte, error) {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return nil, fmt.Errorf("charts: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("charts: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// mustHex parses #rrggbb; malformed input yields grey.
func mustHex(s string) color.RGBA {
	c := color.RGBA{R: 0x7f, G: 0x8c, B: 0x8d, A: 0xff}
	if len(s) != 7 || s[0] != '#' {
		return c
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return c
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
