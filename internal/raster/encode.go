package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
)

// Compression selects the lossless codec used for written chunks.
type Compression uint16

const (
	CompressionNone    Compression = compressionNone
	CompressionLZW     Compression = compressionLZW
	CompressionDeflate Compression = compressionDeflate
)

// ParseCompression maps "lzw", "deflate" or "none" to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lzw":
		return CompressionLZW, nil
	case "deflate", "zip":
		return CompressionDeflate, nil
	case "none":
		return CompressionNone, nil
	}
	return 0, UnsupportedError(fmt.Sprintf("compression %q", s))
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZW:
		return "lzw"
	case CompressionDeflate:
		return "deflate"
	}
	return fmt.Sprintf("Compression(%d)", uint16(c))
}

// Options tune Encode. The zero value writes LZW-compressed little-endian strips.
type Options struct {
	Compression Compression
	// Predictor enables horizontal differencing; ignored for float samples.
	Predictor bool
	// TileSize writes square tiles of this side (a multiple of 16) instead of strips.
	TileSize  int
	Planar    bool
	BigEndian bool
}

const targetStripBytes = 64 << 10

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(im *Image, opts *Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, im, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes im as a single-image GeoTIFF.
func Encode(w io.Writer, im *Image, opts *Options) error {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Compression == 0 {
		o.Compression = CompressionLZW
	}
	size := im.DataType.Size()
	if im.Width <= 0 || im.Height <= 0 || im.Bands <= 0 || size == 0 {
		return fmt.Errorf("raster: cannot encode %dx%dx%d %s image", im.Width, im.Height, im.Bands, im.DataType)
	}
	if len(im.Pix) != im.Width*im.Height*im.Bands*size {
		return fmt.Errorf("raster: pixel buffer holds %d bytes, want %d", len(im.Pix), im.Width*im.Height*im.Bands*size)
	}
	if o.TileSize < 0 || o.TileSize%16 != 0 {
		return fmt.Errorf("raster: tile size %d is not a multiple of 16", o.TileSize)
	}
	predictor := o.Predictor && !im.DataType.IsFloat()
	planar := o.Planar && im.Bands > 1

	var l chunkLayout
	if o.TileSize > 0 {
		l = newLayout(im.Width, im.Height, im.Bands, size, planar, true, o.TileSize, o.TileSize)
	} else {
		spp := im.Bands
		if planar {
			spp = 1
		}
		rps := max(1, targetStripBytes/(im.Width*spp*size))
		l = newLayout(im.Width, im.Height, im.Bands, size, planar, false, im.Width, min(rps, im.Height))
	}

	chunks := make([][]byte, l.count())
	for i := range chunks {
		raw := extractChunk(im, l, i)
		cspp := l.samplesPerChunkPixel()
		if predictor {
			applyHorizontalPredictor(raw, l.chunkW*cspp, cspp, size)
		}
		if o.BigEndian {
			swapSamples(raw, size)
		}
		c, err := compress(o.Compression, raw)
		if err != nil {
			return fmt.Errorf("raster: compress chunk %d: %w", i, err)
		}
		chunks[i] = c
	}

	var bo binary.ByteOrder = binary.LittleEndian
	mark := "II"
	if o.BigEndian {
		bo, mark = binary.BigEndian, "MM"
	}

	offsets := make([]uint32, len(chunks))
	counts := make([]uint32, len(chunks))
	pos := uint32(8)
	for i, c := range chunks {
		offsets[i], counts[i] = pos, uint32(len(c))
		pos += uint32(len(c))
	}
	ifdOff := pos + pos%2

	ifd := newIFD(bo)
	ifd.longs(tagImageWidth, uint32(im.Width))
	ifd.longs(tagImageLength, uint32(im.Height))
	ifd.shorts(tagBitsPerSample, repeat(uint16(size*8), im.Bands)...)
	ifd.shorts(tagCompression, uint16(o.Compression))
	photometric := uint16(photometricMinIsBlack)
	extra := im.Bands - 1
	if im.DataType == Uint8 && im.Bands >= 3 {
		photometric, extra = photometricRGB, im.Bands-3
	}
	ifd.shorts(tagPhotometric, photometric)
	ifd.shorts(tagSamplesPerPixel, uint16(im.Bands))
	if l.tiled {
		ifd.shorts(tagTileWidth, uint16(l.chunkW))
		ifd.shorts(tagTileLength, uint16(l.chunkH))
		ifd.longs(tagTileOffsets, offsets...)
		ifd.longs(tagTileByteCounts, counts...)
	} else {
		ifd.longs(tagStripOffsets, offsets...)
		ifd.longs(tagRowsPerStrip, uint32(l.chunkH))
		ifd.longs(tagStripByteCounts, counts...)
	}
	if planar {
		ifd.shorts(tagPlanarConfig, planarPlanar)
	} else {
		ifd.shorts(tagPlanarConfig, planarChunky)
	}
	if predictor {
		ifd.shorts(tagPredictor, predictorHorizontal)
	}
	if extra > 0 {
		ifd.shorts(tagExtraSamples, repeat(uint16(0), extra)...)
	}
	ifd.shorts(tagSampleFormat, repeat(im.DataType.sampleFormat(), im.Bands)...)
	if t := im.Transform; t != nil {
		if t.B == 0 && t.D == 0 {
			ifd.doubles(tagModelPixelScale, t.A, -t.E, 0)
			ifd.doubles(tagModelTiepoint, 0, 0, 0, t.C, t.F, 0)
		} else {
			ifd.doubles(tagModelTransform,
				t.A, t.B, 0, t.C,
				t.D, t.E, 0, t.F,
				0, 0, 0, 0,
				0, 0, 0, 1)
		}
	}
	if im.Transform != nil || im.CRS != "" {
		ifd.shorts(tagGeoKeyDirectory, geoKeysFor(im.CRS)...)
	}
	if im.NoData != "" {
		ifd.ascii(tagGDALNoData, im.NoData)
	}

	var out bytes.Buffer
	out.WriteString(mark)
	hdr := make([]byte, 6)
	bo.PutUint16(hdr, 42)
	bo.PutUint32(hdr[2:], ifdOff)
	out.Write(hdr)
	for _, c := range chunks {
		out.Write(c)
	}
	if pos%2 == 1 {
		out.WriteByte(0)
	}
	ifd.writeTo(&out, ifdOff)

	_, err := w.Write(out.Bytes())
	return err
}

// extractChunk copies chunk i out of the image, zero padding partial tiles.
func extractChunk(im *Image, l chunkLayout, i int) []byte {
	plane, x0, y0, w, h, stored := l.rect(i)
	size := im.DataType.Size()
	cspp := l.samplesPerChunkPixel()
	rowBytes := l.chunkW * cspp * size
	buf := make([]byte, l.chunkBytes(stored))
	for r := 0; r < h; r++ {
		dst := buf[r*rowBytes:]
		if !l.planar {
			src := im.offset(x0, y0+r, 0)
			copy(dst[:w*cspp*size], im.Pix[src:src+w*cspp*size])
			continue
		}
		for c := 0; c < w; c++ {
			src := im.offset(x0+c, y0+r, plane)
			copy(dst[c*size:(c+1)*size], im.Pix[src:src+size])
		}
	}
	return buf
}

func repeat[T any](v T, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	data     []byte
}

type ifdBuilder struct {
	bo      binary.ByteOrder
	entries []ifdEntry
}

func newIFD(bo binary.ByteOrder) *ifdBuilder { return &ifdBuilder{bo: bo} }

func (b *ifdBuilder) shorts(tag uint16, v ...uint16) {
	data := make([]byte, 2*len(v))
	for i, x := range v {
		b.bo.PutUint16(data[2*i:], x)
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: dtShort, count: uint32(len(v)), data: data})
}

func (b *ifdBuilder) longs(tag uint16, v ...uint32) {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		b.bo.PutUint32(data[4*i:], x)
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: dtLong, count: uint32(len(v)), data: data})
}

func (b *ifdBuilder) doubles(tag uint16, v ...float64) {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		b.bo.PutUint64(data[8*i:], math.Float64bits(x))
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: dtDouble, count: uint32(len(v)), data: data})
}

func (b *ifdBuilder) ascii(tag uint16, s string) {
	data := append([]byte(s), 0)
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: dtASCII, count: uint32(len(data)), data: data})
}

// writeTo appends the IFD at offset off followed by the out-of-line values.
func (b *ifdBuilder) writeTo(out *bytes.Buffer, off uint32) {
	slices.SortFunc(b.entries, func(x, y ifdEntry) int { return int(x.tag) - int(y.tag) })

	n := len(b.entries)
	extraOff := off + uint32(2+12*n+4)
	var extra bytes.Buffer

	head := make([]byte, 2)
	b.bo.PutUint16(head, uint16(n))
	out.Write(head)
	for _, e := range b.entries {
		rec := make([]byte, 12)
		b.bo.PutUint16(rec, e.tag)
		b.bo.PutUint16(rec[2:], e.typ)
		b.bo.PutUint32(rec[4:], e.count)
		if len(e.data) <= 4 {
			copy(rec[8:], e.data)
		} else {
			b.bo.PutUint32(rec[8:], extraOff+uint32(extra.Len()))
			extra.Write(e.data)
			if extra.Len()%2 == 1 {
				extra.WriteByte(0)
			}
		}
		out.Write(rec)
	}
	out.Write(make([]byte, 4)) // no next IFD
	out.Write(extra.Bytes())
}
