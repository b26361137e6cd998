// Package raster reads and writes single-image GeoTIFF rasters and cuts pixel windows.
package raster

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is the pixel sample type shared by every band of an image.
type DataType uint8

const (
	Uint8 DataType = iota + 1
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

// Size returns the sample width in bytes.
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("DataType(%d)", uint8(d))
}

// IsFloat reports whether samples are IEEE floats.
func (d DataType) IsFloat() bool { return d == Float32 || d == Float64 }

func (d DataType) sampleFormat() uint16 {
	switch d {
	case Int8, Int16, Int32:
		return sampleFormatInt
	case Float32, Float64:
		return sampleFormatFloat
	}
	return sampleFormatUint
}

func dataTypeOf(bits int, format uint16) (DataType, error) {
	switch format {
	case sampleFormatUint, sampleFormatVoid:
		switch bits {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		case 32:
			return Uint32, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	}
	return 0, UnsupportedError(fmt.Sprintf("%d-bit samples with sample format %d", bits, format))
}

// Affine maps pixel (col, row) to model space:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Apply returns the model coordinates of the pixel corner (col, row).
func (a Affine) Apply(col, row float64) (x, y float64) {
	return a.A*col + a.B*row + a.C, a.D*col + a.E*row + a.F
}

// Window returns the transform of a window whose top-left pixel is (col, row).
func (a Affine) Window(col, row int) Affine {
	x, y := a.Apply(float64(col), float64(row))
	return Affine{A: a.A, B: a.B, C: x, D: a.D, E: a.E, F: y}
}

// PixelSize returns the ground size of one pixel along columns and rows.
func (a Affine) PixelSize() (float64, float64) {
	return math.Hypot(a.A, a.D), math.Hypot(a.B, a.E)
}

// Window is a rectangle in pixel space.
type Window struct {
	ColOff, RowOff int
	Width, Height  int
}

func (w Window) String() string {
	return fmt.Sprintf("window(col=%d,row=%d,%dx%d)", w.ColOff, w.RowOff, w.Width, w.Height)
}

// Image holds decoded samples, pixel interleaved and little-endian, row major.
type Image struct {
	Width, Height int
	Bands         int
	DataType      DataType
	Pix           []byte

	// Transform is nil when the source carries no georeferencing.
	Transform *Affine
	CRS       string
	NoData    string
}

// NewImage allocates a zeroed image.
func NewImage(width, height, bands int, dt DataType) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Bands:    bands,
		DataType: dt,
		Pix:      make([]byte, width*height*bands*dt.Size()),
	}
}

func (im *Image) offset(col, row, band int) int {
	return ((row*im.Width+col)*im.Bands + band) * im.DataType.Size()
}

// At returns one sample converted to float64.
func (im *Image) At(col, row, band int) float64 {
	p := im.Pix[im.offset(col, row, band):]
	le := binary.LittleEndian
	switch im.DataType {
	case Uint8:
		return float64(p[0])
	case Int8:
		return float64(int8(p[0]))
	case Uint16:
		return float64(le.Uint16(p))
	case Int16:
		return float64(int16(le.Uint16(p)))
	case Uint32:
		return float64(le.Uint32(p))
	case Int32:
		return float64(int32(le.Uint32(p)))
	case Float32:
		return float64(math.Float32frombits(le.Uint32(p)))
	case Float64:
		return math.Float64frombits(le.Uint64(p))
	}
	return math.NaN()
}

// Set stores v, converted to the image data type, at one sample.
func (im *Image) Set(col, row, band int, v float64) {
	p := im.Pix[im.offset(col, row, band):]
	le := binary.LittleEndian
	switch im.DataType {
	case Uint8:
		p[0] = uint8(v)
	case Int8:
		p[0] = byte(int8(v))
	case Uint16:
		le.PutUint16(p, uint16(v))
	case Int16:
		le.PutUint16(p, uint16(int16(v)))
	case Uint32:
		le.PutUint32(p, uint32(v))
	case Int32:
		le.PutUint32(p, uint32(int32(v)))
	case Float32:
		le.PutUint32(p, math.Float32bits(float32(v)))
	case Float64:
		le.PutUint64(p, math.Float64bits(v))
	}
}

// Window copies the pixels of w into a new image carrying the windowed transform.
func (im *Image) Window(w Window) (*Image, error) {
	if w.Width <= 0 || w.Height <= 0 || w.ColOff < 0 || w.RowOff < 0 ||
		w.ColOff+w.Width > im.Width || w.RowOff+w.Height > im.Height {
		return nil, fmt.Errorf("%s outside %dx%d image", w, im.Width, im.Height)
	}
	out := NewImage(w.Width, w.Height, im.Bands, im.DataType)
	out.CRS = im.CRS
	out.NoData = im.NoData
	if im.Transform != nil {
		t := im.Transform.Window(w.ColOff, w.RowOff)
		out.Transform = &t
	}

	rowBytes := w.Width * im.Bands * im.DataType.Size()
	for r := 0; r < w.Height; r++ {
		src := im.offset(w.ColOff, w.RowOff+r, 0)
		copy(out.Pix[r*rowBytes:(r+1)*rowBytes], im.Pix[src:src+rowBytes])
	}
	return out, nil
}
