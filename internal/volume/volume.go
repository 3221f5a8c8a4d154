package volume

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/nifti"
)

// Volume is a 3D scalar array in the canonical RAS+ frame: axis 0 runs
// left→right, axis 1 posterior→anterior, axis 2 inferior→superior.
// Data is x-fastest.
type Volume struct {
	Data        []float32
	Shape       [3]int
	Spacing     [3]float64 // mm per axis
	Orientation string     // axis codes, "RAS" once canonical
}

// New allocates a zeroed RAS volume.
func New(shape [3]int, spacing [3]float64) *Volume {
	return &Volume{
		Data:        make([]float32, shape[0]*shape[1]*shape[2]),
		Shape:       shape,
		Spacing:     spacing,
		Orientation: "RAS",
	}
}

// Len is the voxel count.
func (v *Volume) Len() int { return v.Shape[0] * v.Shape[1] * v.Shape[2] }

// Index maps (x, y, z) to the flat offset.
func (v *Volume) Index(x, y, z int) int { return x + y*v.Shape[0] + z*v.Shape[0]*v.Shape[1] }

// At returns the voxel at (x, y, z).
func (v *Volume) At(x, y, z int) float32 { return v.Data[v.Index(x, y, z)] }

// Set stores a voxel at (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) { v.Data[v.Index(x, y, z)] = val }

// VoxelVolume is the physical size of one voxel in mm³.
func (v *Volume) VoxelVolume() float64 { return v.Spacing[0] * v.Spacing[1] * v.Spacing[2] }

// Load reads a NIfTI file and reorients it to RAS+. No intensity change.
func Load(path string) (*Volume, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("volume %s: %w: %w", path, common.ErrInput, common.ErrNotFound)
		}
		return nil, fmt.Errorf("volume %s: %w: %v", path, common.ErrInput, err)
	}
	im, err := nifti.ReadFile(path)
	if err != nil {
		if errors.Is(err, nifti.ErrFormat) {
			return nil, fmt.Errorf("volume %s: %w: %w", path, common.ErrFormat, err)
		}
		return nil, fmt.Errorf("volume %s: %w: %v", path, common.ErrInput, err)
	}
	return Canonicalize(im), nil
}

// LoadAndNormalize loads a volume, forces RAS+ and applies the p99 clip/rescale.
func LoadAndNormalize(path string) (*Volume, error) {
	v, err := Load(path)
	if err != nil {
		return nil, err
	}
	Normalize(v)
	return v, nil
}

// AxisCodes returns the anatomical direction each voxel axis points to,
// e.g. "LAS" for a radiological-convention image.
func AxisCodes(affine [4][4]float64) string {
	perm, flip := orientation(affine)
	pos := [3]byte{'R', 'A', 'S'}
	neg := [3]byte{'L', 'P', 'I'}
	codes := make([]byte, 3)
	for i := 0; i < 3; i++ {
		if flip[i] {
			codes[i] = neg[perm[i]]
		} else {
			codes[i] = pos[perm[i]]
		}
	}
	return string(codes)
}

// orientation finds, for each voxel axis, the world axis it is closest to and
// whether it runs against it. Ties and oblique collisions are resolved greedily
// by the largest remaining direction cosine.
func orientation(affine [4][4]float64) (perm [3]int, flip [3]bool) {
	var used [3]bool
	var assigned [3]bool
	for round := 0; round < 3; round++ {
		best, bi, bj := -1.0, -1, -1
		for i := 0; i < 3; i++ { // voxel axis (column)
			if assigned[i] {
				continue
			}
			norm := math.Sqrt(affine[0][i]*affine[0][i] + affine[1][i]*affine[1][i] + affine[2][i]*affine[2][i])
			if norm == 0 {
				norm = 1
			}
			for j := 0; j < 3; j++ { // world axis (row)
				if used[j] {
					continue
				}
				c := math.Abs(affine[j][i]) / norm
				if c > best {
					best, bi, bj = c, i, j
				}
			}
		}
		perm[bi] = bj
		flip[bi] = affine[bj][bi] < 0
		assigned[bi] = true
		used[bj] = true
	}
	return perm, flip
}

// Canonicalize permutes and flips the image data so that voxel axes follow RAS+.
func Canonicalize(im *nifti.Image) *Volume {
	perm, flip := orientation(im.Affine)

	var shape [3]int
	var spacing [3]float64
	for i := 0; i < 3; i++ {
		shape[perm[i]] = im.Dims[i]
		spacing[perm[i]] = im.PixDim[i]
	}
	out := New(shape, spacing)

	identity := perm == [3]int{0, 1, 2} && flip == [3]bool{}
	if identity {
		copy(out.Data, im.Data)
		return out
	}

	var dst [3]int
	for z := 0; z < im.Dims[2]; z++ {
		for y := 0; y < im.Dims[1]; y++ {
			for x := 0; x < im.Dims[0]; x++ {
				src := [3]int{x, y, z}
				for i := 0; i < 3; i++ {
					c := src[i]
					if flip[i] {
						c = im.Dims[i] - 1 - c
					}
					dst[perm[i]] = c
				}
				out.Set(dst[0], dst[1], dst[2], im.At(x, y, z))
			}
		}
	}
	return out
}
