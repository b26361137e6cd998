package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hhrutter/lzw"
	"github.com/klauspost/compress/zlib"
)

// A FormatError reports that the input is not a valid TIFF.
type FormatError string

func (e FormatError) Error() string { return "raster: invalid format: " + string(e) }

// An UnsupportedError reports that the input uses a valid but unimplemented TIFF feature.
type UnsupportedError string

func (e UnsupportedError) Error() string { return "raster: unsupported feature: " + string(e) }

// Baseline and GeoTIFF tag numbers.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736
	tagGeoASCIIParams  = 34737
	tagGDALNoData      = 42113
)

// Field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
)

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8,
	dtFloat: 4, dtDouble: 8,
}

const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	photometricMinIsBlack = 1
	photometricRGB        = 2

	predictorNone       = 1
	predictorHorizontal = 2

	planarChunky = 1
	planarPlanar = 2

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
	sampleFormatVoid  = 4
)

// field is one decoded IFD entry with its raw value bytes in file byte order.
type field struct {
	typ   uint16
	count uint32
	data  []byte
}

func (f field) uints(bo binary.ByteOrder) ([]uint64, error) {
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case dtByte, dtUndefined:
			out[i] = uint64(f.data[i])
		case dtShort:
			out[i] = uint64(bo.Uint16(f.data[2*i:]))
		case dtLong:
			out[i] = uint64(bo.Uint32(f.data[4*i:]))
		default:
			return nil, FormatError(fmt.Sprintf("field type %d is not an unsigned integer", f.typ))
		}
	}
	return out, nil
}

func (f field) floats(bo binary.ByteOrder) ([]float64, error) {
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case dtDouble:
			out[i] = math.Float64frombits(bo.Uint64(f.data[8*i:]))
		case dtFloat:
			out[i] = float64(math.Float32frombits(bo.Uint32(f.data[4*i:])))
		case dtRational:
			num, den := bo.Uint32(f.data[8*i:]), bo.Uint32(f.data[8*i+4:])
			if den == 0 {
				return nil, FormatError("zero rational denominator")
			}
			out[i] = float64(num) / float64(den)
		default:
			u, err := f.uints(bo)
			if err != nil {
				return nil, err
			}
			out[i] = float64(u[i])
		}
	}
	return out, nil
}

func (f field) ascii() string {
	return string(bytes.TrimRight(f.data, "\x00"))
}

// chunkLayout describes how an image is cut into strips or tiles.
type chunkLayout struct {
	width, height int
	bands         int
	sampleSize    int
	planar        bool
	tiled         bool
	chunkW        int // full chunk width (image width for strips)
	chunkH        int // rows per strip or tile height
	across, down  int
}

func newLayout(width, height, bands, sampleSize int, planar, tiled bool, chunkW, chunkH int) chunkLayout {
	if !tiled {
		chunkW = width
	}
	return chunkLayout{
		width: width, height: height, bands: bands, sampleSize: sampleSize,
		planar: planar, tiled: tiled,
		chunkW: chunkW, chunkH: chunkH,
		across: (width + chunkW - 1) / chunkW,
		down:   (height + chunkH - 1) / chunkH,
	}
}

func (l chunkLayout) perPlane() int { return l.across * l.down }

func (l chunkLayout) count() int {
	if l.planar {
		return l.perPlane() * l.bands
	}
	return l.perPlane()
}

func (l chunkLayout) samplesPerChunkPixel() int {
	if l.planar {
		return 1
	}
	return l.bands
}

// rect returns the plane and visible pixel rectangle of chunk i, plus the number of
// rows stored in it. Tiles always store chunkH rows; the last strip may be shorter.
func (l chunkLayout) rect(i int) (plane, x0, y0, w, h, storedRows int) {
	if l.planar {
		plane = i / l.perPlane()
		i %= l.perPlane()
	}
	x0 = (i % l.across) * l.chunkW
	y0 = (i / l.across) * l.chunkH
	w = min(l.chunkW, l.width-x0)
	h = min(l.chunkH, l.height-y0)
	storedRows = h
	if l.tiled {
		storedRows = l.chunkH
	}
	return plane, x0, y0, w, h, storedRows
}

func (l chunkLayout) chunkBytes(storedRows int) int {
	return l.chunkW * storedRows * l.samplesPerChunkPixel() * l.sampleSize
}

func decompress(compression uint16, data []byte, expected int) ([]byte, error) {
	var rc io.ReadCloser
	switch compression {
	case compressionNone:
		if len(data) < expected {
			return nil, FormatError(fmt.Sprintf("chunk holds %d bytes, need %d", len(data), expected))
		}
		return data[:expected], nil
	case compressionLZW:
		rc = lzw.NewReader(bytes.NewReader(data), true)
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, FormatError(fmt.Sprintf("deflate: %v", err))
		}
		rc = zr
	default:
		return nil, UnsupportedError(fmt.Sprintf("compression %d", compression))
	}
	defer rc.Close()

	// Some writers truncate the final chunk; missing samples stay zero.
	out := make([]byte, expected)
	if _, err := io.ReadFull(rc, out); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, FormatError(fmt.Sprintf("decompress chunk: %v", err))
	}
	return out, nil
}

func compress(c Compression, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZW:
		w := lzw.NewWriter(&buf, true)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionDeflate:
		w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, UnsupportedError(fmt.Sprintf("compression %d", c))
	}
	return buf.Bytes(), nil
}

// swapSamples converts between big- and little-endian sample order in place.
func swapSamples(p []byte, size int) {
	if size == 1 {
		return
	}
	for i := 0; i+size <= len(p); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			p[a], p[b] = p[b], p[a]
		}
	}
}

// undoHorizontalPredictor integrates little-endian integer samples row by row.
func undoHorizontalPredictor(p []byte, rowSamples, spp, size int) {
	le := binary.LittleEndian
	rowBytes := rowSamples * size
	for r := 0; r+rowBytes <= len(p); r += rowBytes {
		row := p[r : r+rowBytes]
		for i := spp; i < rowSamples; i++ {
			cur, prev := i*size, (i-spp)*size
			switch size {
			case 1:
				row[cur] += row[prev]
			case 2:
				le.PutUint16(row[cur:], le.Uint16(row[cur:])+le.Uint16(row[prev:]))
			case 4:
				le.PutUint32(row[cur:], le.Uint32(row[cur:])+le.Uint32(row[prev:]))
			case 8:
				le.PutUint64(row[cur:], le.Uint64(row[cur:])+le.Uint64(row[prev:]))
			}
		}
	}
}

// applyHorizontalPredictor differences little-endian integer samples row by row.
func applyHorizontalPredictor(p []byte, rowSamples, spp, size int) {
	le := binary.LittleEndian
	rowBytes := rowSamples * size
	for r := 0; r+rowBytes <= len(p); r += rowBytes {
		row := p[r : r+rowBytes]
		for i := rowSamples - 1; i >= spp; i-- {
			cur, prev := i*size, (i-spp)*size
			switch size {
			case 1:
				row[cur] -= row[prev]
			case 2:
				le.PutUint16(row[cur:], le.Uint16(row[cur:])-le.Uint16(row[prev:]))
			case 4:
				le.PutUint32(row[cur:], le.Uint32(row[cur:])-le.Uint32(row[prev:]))
			case 8:
				le.PutUint64(row[cur:], le.Uint64(row[cur:])-le.Uint64(row[prev:]))
			}
		}
	}
}
