package vote

import (
	"fmt"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
)

// VoteCount is one class's share of the slice votes.
type VoteCount struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Diagnosis is the patient-level result of majority voting.
type Diagnosis struct {
	Label             constants.Class               `json:"label"`
	ConsensusStrength float64                       `json:"consensus_strength"`
	MeanConfidence    float64                       `json:"mean_confidence"`
	Distribution      map[constants.Class]VoteCount `json:"distribution"`
	MeanProbabilities map[constants.Class]float64   `json:"mean_probabilities"`
	Predictions       []classify.Prediction         `json:"predictions"`
	TotalSlices       int                           `json:"total_slices"`
}

// Aggregate combines per-slice predictions into one diagnosis.
//
// The winning label has the most votes; ties go to the class listed first in
// vocab. MeanConfidence averages only the predictions that voted for the
// winner. Distribution has an entry for every vocabulary class, zero-vote
// classes included. Labels outside vocab are counted in the total but can
// never win.
func Aggregate(preds []classify.Prediction, vocab []constants.Class) (Diagnosis, error) {
	if len(preds) == 0 {
		return Diagnosis{}, fmt.Errorf("aggregate: %w", common.ErrEmptyInput)
	}
	if len(vocab) == 0 {
		return Diagnosis{}, fmt.Errorf("aggregate: empty vocabulary: %w", common.ErrInvalidInput)
	}

	counts := make(map[constants.Class]int, len(vocab))
	confSum := make(map[constants.Class]float64, len(vocab))
	probSum := make(map[constants.Class]float64, len(vocab))
	for _, p := range preds {
		counts[p.Label]++
		confSum[p.Label] += p.Confidence
		for _, c := range vocab {
			probSum[c] += p.Probabilities[c]
		}
	}

	winner := vocab[0]
	for _, c := range vocab[1:] {
		if counts[c] > counts[winner] {
			winner = c
		}
	}
	if counts[winner] == 0 {
		return Diagnosis{}, fmt.Errorf("aggregate: no prediction within vocabulary %v: %w", vocab, common.ErrInvalidInput)
	}

	total := float64(len(preds))
	d := Diagnosis{
		Label:             winner,
		ConsensusStrength: float64(counts[winner]) / total * 100,
		MeanConfidence:    confSum[winner] / float64(counts[winner]),
		Distribution:      make(map[constants.Class]VoteCount, len(vocab)),
		MeanProbabilities: make(map[constants.Class]float64, len(vocab)),
		Predictions:       append([]classify.Prediction(nil), preds...),
		TotalSlices:       len(preds),
	}
	for _, c := range vocab {
		d.Distribution[c] = VoteCount{Count: counts[c], Percentage: float64(counts[c]) / total * 100}
		d.MeanProbabilities[c] = probSum[c] / total
	}
	return d, nil
}
