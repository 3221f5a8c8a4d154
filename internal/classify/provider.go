package classify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
)

// Provider picks the classifier for a run. The choice is made once, so a
// run's predictions are either all model-backed or all stand-in.
type Provider struct {
	real          *RealClassifier
	forceFallback bool
	seed          int64
	logger        *slog.Logger
}

// NewProvider wraps an optional real classifier. seed 0 means time-seeded fallback draws.
func NewProvider(real *RealClassifier, forceFallback bool, seed int64, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{real: real, forceFallback: forceFallback, seed: seed, logger: logger}
}

// Select returns the classifier to use for every slice of one run.
func (p *Provider) Select(ctx context.Context, vocab []constants.Class) (Classifier, Kind) {
	if !p.forceFallback && p.real != nil {
		err := p.real.Ensure(ctx)
		if err == nil {
			return &restricted{inner: p.real, vocab: vocab}, KindReal
		}
		p.logger.Warn("classifier.real.unavailable", "err", err)
	}
	seed := p.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p.logger.Info("classifier.fallback.selected", "forced", p.forceFallback)
	return NewFallbackClassifier(vocab, uint64(seed), p.logger), KindFallback
}

// ModelVersion reports the version string to record for a run of kind k.
func (p *Provider) ModelVersion(k Kind) string {
	if k == KindReal && p.real != nil {
		if v := p.real.ModelVersion(); v != "" {
			return v
		}
	}
	if k == KindFallback {
		return constants.ModelVersion + "-fallback"
	}
	return constants.ModelVersion
}

type restricted struct {
	inner Classifier
	vocab []constants.Class
}

func (r *restricted) Classify(ctx context.Context, s volume.Slice) (Prediction, error) {
	p, err := r.inner.Classify(ctx, s)
	if err != nil {
		return Prediction{}, err
	}
	out, ok := Restrict(p, r.vocab)
	if !ok {
		return Prediction{}, fmt.Errorf("slice %d: no probability mass over %v", s.Index, r.vocab)
	}
	return out, nil
}
