package classify

import (
	"context"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/volume"
)

// Classifier is the per-slice stage: 2D slice -> class distribution.
type Classifier interface {
	Classify(ctx context.Context, s volume.Slice) (Prediction, error)
}

// Kind tells which implementation produced a run's predictions.
type Kind string

const (
	KindReal     Kind = "real"
	KindFallback Kind = "fallback"
)

// Prediction is one slice's output. Confidence and Probabilities are percentages.
type Prediction struct {
	SliceIndex    int                         `json:"slice_index"`
	Label         constants.Class             `json:"label"`
	Confidence    float64                     `json:"confidence"`
	Probabilities map[constants.Class]float64 `json:"probabilities"`
}

// Restrict limits a prediction to vocab: probabilities of classes outside the
// vocabulary are dropped, the remainder is rescaled to 100 and the label and
// confidence are re-derived. The second return is false when no vocabulary
// class carries any probability mass.
func Restrict(p Prediction, vocab []constants.Class) (Prediction, bool) {
	total := 0.0
	for _, c := range vocab {
		total += p.Probabilities[c]
	}
	if total <= 0 {
		return p, false
	}
	out := Prediction{SliceIndex: p.SliceIndex, Probabilities: make(map[constants.Class]float64, len(vocab))}
	for _, c := range vocab {
		pr := p.Probabilities[c] / total * 100
		out.Probabilities[c] = pr
		if out.Label == "" || pr > out.Confidence {
			out.Label, out.Confidence = c, pr
		}
	}
	return out, true
}

// ConfidenceLevel buckets a percentage confidence for display.
func ConfidenceLevel(confidence float64) string {
	switch {
	case confidence >= 90:
		return "Very High"
	case confidence >= 80:
		return "High"
	case confidence >= 70:
		return "Moderate"
	case confidence >= 60:
		return "Low"
	default:
		return "Very Low"
	}
}
