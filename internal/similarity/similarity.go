package similarity

import (
	"fmt"
	"math"
	"strings"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/volumetrics"
	"github.com/joseph-ayodele/neuroscan/internal/vote"
)

// Weights of the two evidence sources in a class score.
const (
	probabilityWeight = 0.6
	volumeWeight      = 0.4
)

// Feature compares one region of the patient against each class's reference
// profile. Values are fractions of the normative maximum.
type Feature struct {
	Name      string                      `json:"name"`
	Patient   float64                     `json:"patient"`
	Reference map[constants.Class]float64 `json:"reference"`
}

// Result scores how closely the scan resembles each class's reference pattern.
type Result struct {
	Scores         map[constants.Class]float64 `json:"scores"`
	Highest        constants.Class             `json:"highest"`
	Overall        string                      `json:"overall"`
	Interpretation string                      `json:"interpretation"`
	Features       []Feature                   `json:"features"`
}

// Analyze scores every class in vocab in [0,1]. A score blends the mean
// slice probability for the class with how well the measured volumes match
// the class's reference volume profile.
func Analyze(d vote.Diagnosis, m volumetrics.Measurements, vocab []constants.Class) (Result, error) {
	if len(vocab) == 0 {
		return Result{}, fmt.Errorf("similarity: empty vocabulary: %w", common.ErrInvalidInput)
	}
	res := Result{Scores: make(map[constants.Class]float64, len(vocab))}
	for _, c := range vocab {
		prob := d.MeanProbabilities[c] / 100
		score := probabilityWeight*prob + volumeWeight*profileMatch(m, volumetrics.Synthetic(c))
		score = math.Round(clamp01(score)*1000) / 1000
		res.Scores[c] = score
		if res.Highest == "" || score > res.Scores[res.Highest] {
			res.Highest = c
		}
	}
	res.Overall = fmt.Sprintf("Higher Similarity to %s Pattern", res.Highest)
	res.Interpretation = interpret(res.Scores, res.Highest, vocab)
	res.Features = features(m, vocab)
	return res, nil
}

// profileMatch is 1 minus the mean relative difference across regions.
func profileMatch(m, ref volumetrics.Measurements) float64 {
	sum, n := 0.0, 0
	for _, r := range constants.Regions {
		want := ref.Value(r)
		if want == 0 {
			continue
		}
		sum += math.Abs(m.Value(r)-want) / want
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp01(1 - sum/float64(n))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

var featureRegions = []struct {
	name   string
	region constants.Region
}{
	{"Hippocampal Volume", constants.RegionHippocampus},
	{"Gray Matter Volume", constants.RegionGrayMatter},
	{"White Matter Volume", constants.RegionWhiteMatter},
	{"Ventricular Size", constants.RegionVentricles},
	{"CSF Volume", constants.RegionCSF},
	{"Total Brain Volume", constants.RegionTotalBrain},
}

func features(m volumetrics.Measurements, vocab []constants.Class) []Feature {
	out := make([]Feature, 0, len(featureRegions))
	for _, fr := range featureRegions {
		hi := constants.NormativeRanges[fr.region].Max
		f := Feature{Name: fr.name, Patient: m.Value(fr.region) / hi, Reference: make(map[constants.Class]float64, len(vocab))}
		for _, c := range vocab {
			f.Reference[c] = volumetrics.Synthetic(c).Value(fr.region) / hi
		}
		out = append(out, f)
	}
	return out
}

func interpret(scores map[constants.Class]float64, highest constants.Class, vocab []constants.Class) string {
	var b strings.Builder
	b.WriteString("Similarity Analysis Results:\n\n")
	b.WriteString("The patient's brain MRI features were compared against reference patterns for each diagnostic group.\n\n")
	for _, c := range vocab {
		fmt.Fprintf(&b, "- Similarity to %s (%s): %.1f%%\n", c.Info().Name, c, scores[c]*100)
	}
	b.WriteString("\nOverall Assessment:\n")
	fmt.Fprintf(&b, "The brain patterns show highest similarity to %s reference patterns.\n", highest.Info().Name)
	if highest == constants.ClassCN {
		b.WriteString("This suggests brain structure within normal parameters for age group.\n")
	} else {
		b.WriteString("This finding warrants clinical correlation and further evaluation.\n")
	}
	b.WriteString("\nNote: Similarity scores represent pattern matching with reference profiles and should be interpreted alongside clinical findings.")
	return b.String()
}
