package volume

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/joseph-ayodele/neuroscan/constants"
	"github.com/joseph-ayodele/neuroscan/internal/common"
)

// Slice is one 2D plane cut from a canonical volume, rotated so superior is up.
// Pixels are row-major, Width*Height, in [0,255].
type Slice struct {
	Plane  constants.Plane
	Axis   int
	Index  int
	Width  int
	Height int
	Pixels []uint8
}

// PlaneAxis maps an anatomical plane to the canonical axis it cuts across.
func PlaneAxis(p constants.Plane) (int, error) {
	switch p {
	case constants.PlaneSagittal:
		return 0, nil
	case constants.PlaneCoronal:
		return 1, nil
	case constants.PlaneAxial:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown plane %q: %w", p, common.ErrInvalidInput)
}

// Window returns [start, end) of a count-wide band centered on center, clipped
// to [0, size). Near a boundary the band is shorter than count.
func Window(center, count, size int) (int, int) {
	start := center - count/2
	if start < 0 {
		start = 0
	}
	end := start + count
	if end > size {
		end = size
	}
	return start, end
}

// ExtractSlices cuts count slices along plane centered on the brain center.
func ExtractSlices(v *Volume, plane constants.Plane, count int, threshold float64) ([]Slice, error) {
	axis, err := PlaneAxis(plane)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("slice count %d: %w", count, common.ErrInvalidInput)
	}
	if v.Len() == 0 {
		return nil, fmt.Errorf("empty volume: %w", common.ErrExtraction)
	}
	center := BrainCenter(v, threshold)
	start, end := Window(center[axis], count, v.Shape[axis])

	out := make([]Slice, 0, end-start)
	for idx := start; idx < end; idx++ {
		out = append(out, cut(v, plane, axis, idx))
	}
	return out, nil
}

// cut takes the plane at index along axis. The in-plane axes (u < w) are
// rotated 90° counter-clockwise: column c is u, row r is w counted from the top.
func cut(v *Volume, plane constants.Plane, axis, index int) Slice {
	u, w := inPlaneAxes(axis)
	width, height := v.Shape[u], v.Shape[w]
	s := Slice{
		Plane:  plane,
		Axis:   axis,
		Index:  index,
		Width:  width,
		Height: height,
		Pixels: make([]uint8, width*height),
	}
	var pos [3]int
	pos[axis] = index
	for r := 0; r < height; r++ {
		pos[w] = height - 1 - r
		for c := 0; c < width; c++ {
			pos[u] = c
			s.Pixels[r*width+c] = toByte(v.At(pos[0], pos[1], pos[2]))
		}
	}
	return s
}

func inPlaneAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

func toByte(f float32) uint8 {
	switch {
	case f <= 0 || math.IsNaN(float64(f)):
		return 0
	case f >= 255:
		return 255
	}
	return uint8(math.Round(float64(f)))
}

// At returns the pixel at row r, column c.
func (s Slice) At(r, c int) uint8 { return s.Pixels[r*s.Width+c] }

// Image wraps the pixels as a grayscale image without copying.
func (s Slice) Image() *image.Gray {
	return &image.Gray{Pix: s.Pixels, Stride: s.Width, Rect: image.Rect(0, 0, s.Width, s.Height)}
}

// PNG encodes the slice as an 8-bit grayscale PNG.
func (s Slice) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.Image()); err != nil {
		return nil, fmt.Errorf("encode slice %s/%d: %w", s.Plane, s.Index, err)
	}
	return buf.Bytes(), nil
}

// ViewerSlices cuts count slices for every plane, centered on the brain.
func ViewerSlices(v *Volume, count int, threshold float64) (map[constants.Plane][]Slice, error) {
	out := make(map[constants.Plane][]Slice, len(constants.Planes))
	for _, p := range constants.Planes {
		s, err := ExtractSlices(v, p, count, threshold)
		if err != nil {
			return nil, err
		}
		out[p] = s
	}
	return out, nil
}
