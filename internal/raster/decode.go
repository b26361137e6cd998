package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
)

// DefaultMaxBytes caps the decoded sample buffer when no explicit limit is given.
const DefaultMaxBytes int64 = 1 << 30

// Read decodes a GeoTIFF from r.
func Read(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses the first image of a classic TIFF, including its GeoTIFF tags.
func Decode(data []byte) (*Image, error) {
	return DecodeLimit(data, DefaultMaxBytes)
}

// DecodeLimit is Decode with a cap on the decoded sample buffer. Images whose declared
// dimensions need more than maxBytes are rejected before anything is allocated.
// maxBytes <= 0 selects DefaultMaxBytes.
func DecodeLimit(data []byte, maxBytes int64) (*Image, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(data) < 8 {
		return nil, FormatError(fmt.Sprintf("%d byte file", len(data)))
	}
	var bo binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, FormatError("bad byte order mark")
	}
	switch bo.Uint16(data[2:]) {
	case 42:
	case 43:
		return nil, UnsupportedError("BigTIFF")
	default:
		return nil, FormatError("bad magic number")
	}

	fields, err := readIFD(data, bo, bo.Uint32(data[4:]))
	if err != nil {
		return nil, err
	}
	d := decoder{data: data, bo: bo, fields: fields, maxBytes: uint64(maxBytes)}
	return d.decode()
}

func readIFD(data []byte, bo binary.ByteOrder, off uint32) (map[uint16]field, error) {
	if int(off)+2 > len(data) {
		return nil, FormatError(fmt.Sprintf("IFD offset %d out of range", off))
	}
	n := int(bo.Uint16(data[off:]))
	start := int(off) + 2
	if start+12*n > len(data) {
		return nil, FormatError("truncated IFD")
	}

	fields := make(map[uint16]field, n)
	for i := 0; i < n; i++ {
		e := data[start+12*i : start+12*(i+1)]
		tag, typ, count := bo.Uint16(e), bo.Uint16(e[2:]), bo.Uint32(e[4:])
		size, ok := typeSize[typ]
		if !ok {
			continue
		}
		if uint64(count)*uint64(size) > uint64(len(data)) {
			return nil, FormatError(fmt.Sprintf("tag %d claims %d values", tag, count))
		}
		total := int(count) * size
		var val []byte
		if total <= 4 {
			val = e[8 : 8+total]
		} else {
			vo := int(bo.Uint32(e[8:]))
			if vo+total > len(data) {
				return nil, FormatError(fmt.Sprintf("tag %d value out of range", tag))
			}
			val = data[vo : vo+total]
		}
		fields[tag] = field{typ: typ, count: count, data: val}
	}
	return fields, nil
}

type decoder struct {
	data     []byte
	bo       binary.ByteOrder
	fields   map[uint16]field
	maxBytes uint64
}

func (d *decoder) uints(tag uint16) ([]uint64, bool, error) {
	f, ok := d.fields[tag]
	if !ok || f.count == 0 {
		return nil, false, nil
	}
	v, err := f.uints(d.bo)
	return v, true, err
}

func (d *decoder) uint(tag uint16, def uint64) (uint64, error) {
	v, ok, err := d.uints(tag)
	if err != nil || !ok {
		return def, err
	}
	return v[0], nil
}

func (d *decoder) decode() (*Image, error) {
	width, err := d.uint(tagImageWidth, 0)
	if err != nil {
		return nil, err
	}
	height, err := d.uint(tagImageLength, 0)
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		return nil, FormatError("missing image dimensions")
	}
	spp, err := d.uint(tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	if spp == 0 {
		return nil, FormatError("zero samples per pixel")
	}

	bits, err := d.uniform(tagBitsPerSample, 1)
	if err != nil {
		return nil, err
	}
	format, err := d.uniform(tagSampleFormat, sampleFormatUint)
	if err != nil {
		return nil, err
	}
	dt, err := dataTypeOf(int(bits), uint16(format))
	if err != nil {
		return nil, err
	}

	total, ok := checkedProduct(width, height, spp, uint64(dt.Size()))
	if !ok || total > d.maxBytes {
		return nil, UnsupportedError(fmt.Sprintf("%dx%d image with %d %s bands exceeds the %d byte decode limit",
			width, height, spp, dt, d.maxBytes))
	}

	compression, err := d.uint(tagCompression, compressionNone)
	if err != nil {
		return nil, err
	}
	if compression == compressionNone && total > uint64(len(d.data)) {
		return nil, FormatError(fmt.Sprintf("uncompressed image needs %d bytes, file holds %d", total, len(d.data)))
	}
	predictor, err := d.uint(tagPredictor, predictorNone)
	if err != nil {
		return nil, err
	}
	switch {
	case predictor == predictorNone:
	case predictor == predictorHorizontal && !dt.IsFloat():
	default:
		return nil, UnsupportedError(fmt.Sprintf("predictor %d for %s samples", predictor, dt))
	}
	planarCfg, err := d.uint(tagPlanarConfig, planarChunky)
	if err != nil {
		return nil, err
	}
	planar := planarCfg == planarPlanar && spp > 1

	w, h, bands := int(width), int(height), int(spp)
	var (
		layout          chunkLayout
		offsets, counts []uint64
	)
	if _, tiled := d.fields[tagTileWidth]; tiled {
		tw, err := d.uint(tagTileWidth, 0)
		if err != nil {
			return nil, err
		}
		th, err := d.uint(tagTileLength, 0)
		if err != nil {
			return nil, err
		}
		if tw == 0 || th == 0 {
			return nil, FormatError("zero tile size")
		}
		cspp := spp
		if planar {
			cspp = 1
		}
		if chunk, ok := checkedProduct(tw, th, cspp, uint64(dt.Size())); !ok || chunk > d.maxBytes {
			return nil, UnsupportedError(fmt.Sprintf("%dx%d tiles exceed the %d byte decode limit", tw, th, d.maxBytes))
		}
		layout = newLayout(w, h, bands, dt.Size(), planar, true, int(tw), int(th))
		offsets, _, err = d.uints(tagTileOffsets)
		if err != nil {
			return nil, err
		}
		counts, _, err = d.uints(tagTileByteCounts)
		if err != nil {
			return nil, err
		}
	} else {
		rps, err := d.uint(tagRowsPerStrip, height)
		if err != nil {
			return nil, err
		}
		if rps == 0 || rps > height {
			rps = height
		}
		layout = newLayout(w, h, bands, dt.Size(), planar, false, w, int(rps))
		offsets, _, err = d.uints(tagStripOffsets)
		if err != nil {
			return nil, err
		}
		counts, _, err = d.uints(tagStripByteCounts)
		if err != nil {
			return nil, err
		}
	}
	if len(offsets) < layout.count() || len(counts) < layout.count() {
		return nil, FormatError(fmt.Sprintf("%d chunks declared, %d needed", min(len(offsets), len(counts)), layout.count()))
	}

	im := NewImage(w, h, bands, dt)
	if err := d.readChunks(im, layout, uint16(compression), predictor == predictorHorizontal, offsets, counts); err != nil {
		return nil, err
	}
	if err := d.readGeo(im); err != nil {
		return nil, err
	}
	return im, nil
}

// checkedProduct multiplies vs, reporting false when the product does not fit an int64.
func checkedProduct(vs ...uint64) (uint64, bool) {
	p := uint64(1)
	for _, v := range vs {
		hi, lo := bits.Mul64(p, v)
		if hi != 0 || lo > math.MaxInt64 {
			return 0, false
		}
		p = lo
	}
	return p, true
}

// uniform returns the value of a per-sample tag, requiring every sample to agree.
func (d *decoder) uniform(tag uint16, def uint64) (uint64, error) {
	v, ok, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	for _, x := range v[1:] {
		if x != v[0] {
			return 0, UnsupportedError(fmt.Sprintf("mixed values %v for tag %d", v, tag))
		}
	}
	return v[0], nil
}

func (d *decoder) readChunks(im *Image, l chunkLayout, compression uint16, predictor bool, offsets, counts []uint64) error {
	size := im.DataType.Size()
	cspp := l.samplesPerChunkPixel()
	rowBytes := l.chunkW * cspp * size

	for i := 0; i < l.count(); i++ {
		plane, x0, y0, w, h, stored := l.rect(i)
		off, n := offsets[i], counts[i]
		if off+n > uint64(len(d.data)) {
			return FormatError(fmt.Sprintf("chunk %d out of range", i))
		}
		raw, err := decompress(compression, d.data[off:off+n], l.chunkBytes(stored))
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if compression == compressionNone {
			raw = bytes.Clone(raw)
		}
		if d.bo == binary.BigEndian {
			swapSamples(raw, size)
		}
		if predictor {
			undoHorizontalPredictor(raw, l.chunkW*cspp, cspp, size)
		}

		for r := 0; r < h; r++ {
			src := raw[r*rowBytes:]
			if !l.planar {
				dst := im.offset(x0, y0+r, 0)
				copy(im.Pix[dst:dst+w*cspp*size], src[:w*cspp*size])
				continue
			}
			for c := 0; c < w; c++ {
				dst := im.offset(x0+c, y0+r, plane)
				copy(im.Pix[dst:dst+size], src[c*size:(c+1)*size])
			}
		}
	}
	return nil
}

func (d *decoder) readGeo(im *Image) error {
	if f, ok := d.fields[tagModelTransform]; ok && f.count >= 16 {
		m, err := f.floats(d.bo)
		if err != nil {
			return err
		}
		im.Transform = &Affine{A: m[0], B: m[1], C: m[3], D: m[4], E: m[5], F: m[7]}
	} else if sf, ok := d.fields[tagModelPixelScale]; ok && sf.count >= 2 {
		tf, ok := d.fields[tagModelTiepoint]
		if ok && tf.count >= 6 {
			s, err := sf.floats(d.bo)
			if err != nil {
				return err
			}
			t, err := tf.floats(d.bo)
			if err != nil {
				return err
			}
			im.Transform = &Affine{
				A: s[0], C: t[3] - t[0]*s[0],
				E: -s[1], F: t[4] + t[1]*s[1],
			}
		}
	}

	if keys, ok, err := d.uints(tagGeoKeyDirectory); err != nil {
		return err
	} else if ok {
		im.CRS = crsFromGeoKeys(keys)
	}
	if f, ok := d.fields[tagGDALNoData]; ok {
		im.NoData = f.ascii()
	}
	return nil
}
