// Package nifti implements the minimal NIfTI-1 reading and writing the
// pipeline needs for native voxel operations: masking, defacing geometry,
// and intensity normalization. Registration backends exchange files on
// disk and never go through this package.
//
// Header layout follows the official nifti1.h definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

const headerSize = 348

// Data type codes from nifti1.h. Only the types that occur in practice in
// anatomical MR volumes are supported.
const (
	TypeUint8   int16 = 2
	TypeInt16   int16 = 4
	TypeInt32   int16 = 8
	TypeFloat32 int16 = 16
	TypeFloat64 int16 = 64
)

// Header is the fixed 348-byte NIfTI-1 header.
type Header struct {
	SizeofHdr          int32
	UnusedDataType     [10]int8
	UnusedDbName       [18]int8
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      int8
	DimInfo            int8
	Dim                [8]int16
	IntentP1           float32
	IntentP2           float32
	IntentP3           float32
	IntentCode         int16
	Datatype           int16
	Bitpix             int16
	SliceStart         int16
	Pixdim             [8]float32
	VoxOffset          float32
	SclSlope           float32
	SclInter           float32
	SliceEnd           int16
	SliceCode          int8
	XyztUnits          int8
	CalMax             float32
	CalMin             float32
	SliceDuration      float32
	Toffset            float32
	UnusedGlmax        int32
	UnusedGlmin        int32
	Descrip            [80]int8
	AuxFile            [24]int8
	QformCode          int16
	SformCode          int16
	QuaternB           float32
	QuaternC           float32
	QuaternD           float32
	QoffsetX           float32
	QoffsetY           float32
	QoffsetZ           float32
	SrowX              [4]float32
	SrowY              [4]float32
	SrowZ              [4]float32
	IntentName         [16]int8
	Magic              [4]int8
}

// Image holds a decoded volume. Data is stored as float64 in NIfTI order
// (x fastest), with scl_slope/scl_inter already applied.
type Image struct {
	Header Header
	Data   []float64
	order  binary.ByteOrder
}

// Shape returns the spatial dimensions (nx, ny, nz).
func (img *Image) Shape() (int, int, int) {
	return int(img.Header.Dim[1]), int(img.Header.Dim[2]), int(img.Header.Dim[3])
}

// At returns the voxel value at (i, j, k).
func (img *Image) At(i, j, k int) float64 {
	nx, ny, _ := img.Shape()
	return img.Data[i+nx*(j+ny*k)]
}

// Set stores a voxel value at (i, j, k).
func (img *Image) Set(i, j, k int, v float64) {
	nx, ny, _ := img.Shape()
	img.Data[i+nx*(j+ny*k)] = v
}

// Min returns the minimum voxel value, the conventional background value
// for resampling padding and defacing fill.
func (img *Image) Min() float64 {
	min := math.Inf(1)
	for _, v := range img.Data {
		if v < min {
			min = v
		}
	}
	return min
}

// Read decodes a .nii or .nii.gz volume.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nifti read: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("nifti read %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	img, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("nifti read %s: %w", path, err)
	}
	return img, nil
}

func decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	// sizeof_hdr doubles as the endianness probe.
	var order binary.ByteOrder = binary.LittleEndian
	if binary.LittleEndian.Uint32(raw[:4]) != headerSize {
		if binary.BigEndian.Uint32(raw[:4]) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr != %d)", headerSize)
		}
		order = binary.BigEndian
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, err
	}
	magic := string([]byte{byte(hdr.Magic[0]), byte(hdr.Magic[1]), byte(hdr.Magic[2])})
	if magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("unsupported magic %q", magic)
	}
	if hdr.Dim[0] < 3 || hdr.Dim[1] < 1 || hdr.Dim[2] < 1 || hdr.Dim[3] < 1 {
		return nil, fmt.Errorf("expected a 3D volume, dim=%v", hdr.Dim)
	}

	n := int(hdr.Dim[1]) * int(hdr.Dim[2]) * int(hdr.Dim[3])
	// Trailing dims (time, vectors) must be singleton for anatomical use.
	for d := int16(4); d <= hdr.Dim[0]; d++ {
		if hdr.Dim[d] > 1 {
			return nil, fmt.Errorf("non-singleton dimension %d (%d)", d, hdr.Dim[d])
		}
	}

	// Skip from end of header to vox_offset.
	if skip := int64(hdr.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, n*int(hdr.Bitpix)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	data := make([]float64, n)
	switch hdr.Datatype {
	case TypeUint8:
		for i := range data {
			data[i] = float64(buf[i])
		}
	case TypeInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case TypeInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case TypeFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case TypeFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype %d", hdr.Datatype)
	}

	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Image{Header: hdr, Data: data, order: order}, nil
}

// Write encodes the image as float32 voxels, gzipped when the path ends
// in .gz. Header geometry is taken from img.Header; datatype, bitpix and
// scaling are rewritten to match the stored data.
func Write(path string, img *Image) error {
	hdr := img.Header
	hdr.SizeofHdr = headerSize
	hdr.Datatype = TypeFloat32
	hdr.Bitpix = 32
	hdr.VoxOffset = 352
	hdr.SclSlope = 1
	hdr.SclInter = 0
	hdr.Magic = [4]int8{'n', '+', '1', 0}

	order := img.order
	if order == nil {
		order = binary.LittleEndian
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nifti write: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := binary.Write(w, order, &hdr); err != nil {
		return fmt.Errorf("nifti write %s: %w", path, err)
	}
	// 4 bytes of zeroed extension flags pad the header to vox_offset.
	if _, err := w.Write(make([]byte, 4)); err != nil {
		return fmt.Errorf("nifti write %s: %w", path, err)
	}

	buf := make([]byte, 4*len(img.Data))
	for i, v := range img.Data {
		order.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("nifti write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("nifti write %s: %w", path, err)
		}
	}
	return f.Close()
}

// NewImage creates a zero-filled volume with the given shape and an
// otherwise default header.
func NewImage(nx, ny, nz int) *Image {
	var hdr Header
	hdr.SizeofHdr = headerSize
	hdr.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, 1, 1, 1, 0, 0, 0, 0}
	hdr.Datatype = TypeFloat32
	hdr.Bitpix = 32
	hdr.SclSlope = 1
	hdr.Magic = [4]int8{'n', '+', '1', 0}
	return &Image{Header: hdr, Data: make([]float64, nx*ny*nz)}
}
