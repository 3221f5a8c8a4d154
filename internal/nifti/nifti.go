// Package nifti reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz).
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const headerSize = 348

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// ErrFormat is returned for input that is not a readable NIfTI-1 volume.
var ErrFormat = errors.New("nifti: unsupported or corrupt file")

// Image is a decoded 3D volume. Data is laid out x-fastest: index = x + y*Dims[0] + z*Dims[0]*Dims[1].
type Image struct {
	Dims     [3]int
	PixDim   [3]float64
	Affine   [4][4]float64 // voxel -> world (mm), RAS+ world frame
	Datatype int16
	Data     []float32
}

// Len is the voxel count.
func (im *Image) Len() int { return im.Dims[0] * im.Dims[1] * im.Dims[2] }

// At returns the voxel value at (x, y, z).
func (im *Image) At(x, y, z int) float32 {
	return im.Data[x+y*im.Dims[0]+z*im.Dims[0]*im.Dims[1]]
}

type header struct {
	SizeofHdr  int32
	_          [36]byte
	Dim        [8]int16
	IntentP    [3]float32
	IntentCode int16
	Datatype   int16
	Bitpix     int16
	SliceStart int16
	Pixdim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XyztUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	Toffset    float32
	_          [8]byte
	Descrip    [80]byte
	AuxFile    [24]byte
	QformCode  int16
	SformCode  int16
	QuaternB   float32
	QuaternC   float32
	QuaternD   float32
	QoffsetX   float32
	QoffsetY   float32
	QoffsetZ   float32
	SrowX      [4]float32
	SrowY      [4]float32
	SrowZ      [4]float32
	IntentName [16]byte
	Magic      [4]byte
}

// ReadFile opens path and decodes it. Gzip compression is detected from the content.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a NIfTI-1 stream, transparently handling gzip.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrFormat, err)
		}
		defer gz.Close()
		src = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == headerSize:
	case binary.BigEndian.Uint32(raw[:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad sizeof_hdr", ErrFormat)
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if m := string(h.Magic[:3]); m != "n+1" {
		return nil, fmt.Errorf("%w: magic %q (only single-file n+1 supported)", ErrFormat, m)
	}
	if h.Dim[0] < 3 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrFormat, h.Dim[0])
	}
	for i := 4; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return nil, fmt.Errorf("%w: 4D+ volumes are not supported", ErrFormat)
		}
	}

	im := &Image{Datatype: h.Datatype}
	for i := 0; i < 3; i++ {
		if h.Dim[i+1] <= 0 {
			return nil, fmt.Errorf("%w: dim[%d]=%d", ErrFormat, i+1, h.Dim[i+1])
		}
		im.Dims[i] = int(h.Dim[i+1])
		im.PixDim[i] = math.Abs(float64(h.Pixdim[i+1]))
		if im.PixDim[i] == 0 {
			im.PixDim[i] = 1
		}
	}
	im.Affine = affineFromHeader(&h, im.PixDim)

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %v", ErrFormat, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, src, skip); err != nil {
		return nil, fmt.Errorf("%w: vox_offset: %v", ErrFormat, err)
	}

	data, err := readVoxels(src, order, h.Datatype, im.Len())
	if err != nil {
		return nil, err
	}
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		slope, inter := h.SclSlope, h.SclInter
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}
	im.Data = data
	return im, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, dt int16, n int) ([]float32, error) {
	size := 0
	switch dt {
	case DTUint8, DTInt8:
		size = 1
	case DTInt16, DTUint16:
		size = 2
	case DTInt32, DTUint32, DTFloat32:
		size = 4
	case DTFloat64:
		size = 8
	default:
		return nil, fmt.Errorf("%w: datatype %d", ErrFormat, dt)
	}
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: voxel data: %v", ErrFormat, err)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		b := buf[i*size:]
		switch dt {
		case DTUint8:
			out[i] = float32(b[0])
		case DTInt8:
			out[i] = float32(int8(b[0]))
		case DTInt16:
			out[i] = float32(int16(order.Uint16(b)))
		case DTUint16:
			out[i] = float32(order.Uint16(b))
		case DTInt32:
			out[i] = float32(int32(order.Uint32(b)))
		case DTUint32:
			out[i] = float32(order.Uint32(b))
		case DTFloat32:
			out[i] = math.Float32frombits(order.Uint32(b))
		case DTFloat64:
			out[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}
	return out, nil
}

// affineFromHeader prefers sform, then qform, then a scaled identity.
func affineFromHeader(h *header, pix [3]float64) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1
	switch {
	case h.SformCode > 0:
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		aa := 1 - (b*b + c*c + d*d)
		if aa < 1e-7 {
			aa = 0
			n := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/n, c/n, d/n
		} else {
			aa = math.Sqrt(aa)
		}
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		r := [3][3]float64{
			{aa*aa + b*b - c*c - d*d, 2 * (b*c - aa*d), 2 * (b*d + aa*c)},
			{2 * (b*c + aa*d), aa*aa + c*c - b*b - d*d, 2 * (c*d - aa*b)},
			{2 * (b*d - aa*c), 2 * (c*d + aa*b), aa*aa + d*d - c*c - b*b},
		}
		scale := [3]float64{pix[0], pix[1], pix[2] * qfac}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a[i][j] = r[i][j] * scale[j]
			}
		}
		a[0][3], a[1][3], a[2][3] = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)
	default:
		a[0][0], a[1][1], a[2][2] = pix[0], pix[1], pix[2]
	}
	return a
}

// Write encodes im as an uncompressed float32 NIfTI-1 with the affine stored as sform.
func Write(w io.Writer, im *Image) error {
	if len(im.Data) != im.Len() {
		return fmt.Errorf("nifti: data length %d does not match dims %v", len(im.Data), im.Dims)
	}
	h := header{
		SizeofHdr: headerSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		QformCode: 0,
		SformCode: 2,
		XyztUnits: 2, // mm
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(im.Dims[0]), int16(im.Dims[1]), int16(im.Dims[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(im.PixDim[0]), float32(im.PixDim[1]), float32(im.PixDim[2]), 1, 1, 1, 1}
	aff := im.Affine
	if aff[3][3] == 0 {
		aff[0][0], aff[1][1], aff[2][2], aff[3][3] = im.PixDim[0], im.PixDim[1], im.PixDim[2], 1
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(aff[0][j])
		h.SrowY[j] = float32(aff[1][j])
		h.SrowZ[j] = float32(aff[2][j])
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := bw.Write(make([]byte, 4)); err != nil { // extension flag
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, im.Data); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFile writes im to path, gzip-compressing when the name ends in .gz.
func WriteFile(path string, im *Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if len(path) > 3 && path[len(path)-3:] == ".gz" {
		gz := gzip.NewWriter(f)
		if err := Write(gz, im); err != nil {
			return err
		}
		return gz.Close()
	}
	return Write(f, im)
}
