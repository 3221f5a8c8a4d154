package volumetrics

import "github.com/joseph-ayodele/neuroscan/constants"

// Status is a measurement's position relative to its normative range.
type Status string

const (
	StatusBelow  Status = "Below Normal"
	StatusNormal Status = "Normal"
	StatusAbove  Status = "Above Normal"
)

// borderlineDeviation is the out-of-range deviation still drawn as borderline.
const borderlineDeviation = 10.0

// Comparison is one region checked against its normative range.
type Comparison struct {
	Region           constants.Region `json:"region"`
	Label            string           `json:"label"`
	Value            float64          `json:"value"`
	Range            constants.Range  `json:"range"`
	Status           Status           `json:"status"`
	DeviationPercent float64          `json:"deviation_percent"`
	Estimated        bool             `json:"estimated"`
}

// Borderline reports an out-of-range value within 10% of the violated bound.
func (c Comparison) Borderline() bool {
	return c.Status != StatusNormal && c.DeviationPercent <= borderlineDeviation
}

// CompareToNormative classifies value against r. Bounds are inclusive. Out of
// range, the deviation is the distance past the violated bound as a percentage
// of that bound; in range, it is the signed distance from the midpoint as a
// percentage of the midpoint.
func CompareToNormative(value float64, r constants.Range) (Status, float64) {
	switch {
	case value < r.Min:
		return StatusBelow, (r.Min - value) / r.Min * 100
	case value > r.Max:
		return StatusAbove, (value - r.Max) / r.Max * 100
	}
	mid := r.Mid()
	if mid == 0 {
		return StatusNormal, 0
	}
	return StatusNormal, (value - mid) / mid * 100
}

// Compare checks every region of m against constants.NormativeRanges, in
// display order.
func Compare(m Measurements) []Comparison {
	out := make([]Comparison, 0, len(constants.Regions))
	for _, region := range constants.Regions {
		r := constants.NormativeRanges[region]
		v := m.Value(region)
		status, dev := CompareToNormative(v, r)
		out = append(out, Comparison{
			Region:           region,
			Label:            region.Label(),
			Value:            v,
			Range:            r,
			Status:           status,
			DeviationPercent: dev,
			Estimated:        m.Estimated[region],
		})
	}
	return out
}
