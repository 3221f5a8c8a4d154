package volume

import (
	"math"
	"sort"
)

// DefaultBrainThreshold marks non-negligible tissue on the normalized [0,255] scale.
const DefaultBrainThreshold = 10

// Percentile returns the p-quantile (0..1) of all voxels, interpolating
// linearly between the two nearest ranks.
func Percentile(v *Volume, p float64) float64 {
	if v.Len() == 0 {
		return 0
	}
	xs := make([]float64, len(v.Data))
	for i, d := range v.Data {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)
	h := p * float64(len(xs)-1)
	lo := int(math.Floor(h))
	if lo >= len(xs)-1 {
		return xs[len(xs)-1]
	}
	if lo < 0 {
		return xs[0]
	}
	return xs[lo] + (h-float64(lo))*(xs[lo+1]-xs[lo])
}

// Normalize clips intensities to [0, p99] and rescales to [0, 255] in place.
// A volume whose p99 is zero is left untouched.
func Normalize(v *Volume) {
	p99 := Percentile(v, 0.99)
	if p99 == 0 {
		return
	}
	scale := float32(255 / p99)
	hi := float32(p99)
	for i, d := range v.Data {
		switch {
		case d <= 0:
			v.Data[i] = 0
		case d >= hi:
			v.Data[i] = 255
		default:
			v.Data[i] = d * scale
		}
	}
}

// BrainCenter returns, per axis, the midpoint between the first and last index
// holding a voxel above threshold. An empty mask yields the geometric center.
func BrainCenter(v *Volume, threshold float64) [3]int {
	lo := [3]int{v.Shape[0], v.Shape[1], v.Shape[2]}
	hi := [3]int{-1, -1, -1}
	t := float32(threshold)
	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			row := v.Index(0, y, z)
			for x := 0; x < v.Shape[0]; x++ {
				if v.Data[row+x] <= t {
					continue
				}
				idx := [3]int{x, y, z}
				for a := 0; a < 3; a++ {
					if idx[a] < lo[a] {
						lo[a] = idx[a]
					}
					if idx[a] > hi[a] {
						hi[a] = idx[a]
					}
				}
			}
		}
	}
	if hi[0] < 0 {
		return [3]int{v.Shape[0] / 2, v.Shape[1] / 2, v.Shape[2] / 2}
	}
	return [3]int{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, (lo[2] + hi[2]) / 2}
}
