package raster

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h, bands int, dt DataType) *Image {
	im := NewImage(w, h, bands, dt)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			for b := 0; b < bands; b++ {
				im.Set(c, r, b, float64((r*7+c*3+b*11)%200))
			}
		}
	}
	return im
}

func TestRoundTrip(t *testing.T) {
	utm := &Affine{A: 0.05, C: 500000, E: -0.05, F: 4600000}
	rotated := &Affine{A: 0.5, B: 0.1, C: 10, D: 0.1, E: -0.5, F: 20}

	tests := []struct {
		name      string
		image     *Image
		opts      *Options
		transform *Affine
		crs       string
	}{
		{name: "rgb uint8 lzw", image: gradient(70, 45, 3, Uint8), transform: utm, crs: "EPSG:32631"},
		{name: "uint16 deflate predictor big endian", image: gradient(33, 20, 1, Uint16),
			opts: &Options{Compression: CompressionDeflate, Predictor: true, BigEndian: true}, transform: utm, crs: "EPSG:2154"},
		{name: "float32 tiled planar", image: gradient(40, 33, 2, Float32),
			opts: &Options{TileSize: 16, Planar: true}, transform: rotated, crs: "EPSG:4326"},
		{name: "int16 uncompressed without georef", image: gradient(9, 5, 4, Int16),
			opts: &Options{Compression: CompressionNone}},
		{name: "float64 lzw tiled", image: gradient(17, 17, 1, Float64), opts: &Options{TileSize: 16}, crs: "EPSG:3857"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.image.Transform = tt.transform
			tt.image.CRS = tt.crs

			data, err := EncodeBytes(tt.image, tt.opts)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)

			assert.Equal(t, tt.image.Width, got.Width)
			assert.Equal(t, tt.image.Height, got.Height)
			assert.Equal(t, tt.image.Bands, got.Bands)
			assert.Equal(t, tt.image.DataType, got.DataType)
			assert.Equal(t, tt.crs, got.CRS)
			assert.True(t, cmp.Equal(tt.image.Transform, got.Transform), cmp.Diff(tt.image.Transform, got.Transform))
			assert.Equal(t, tt.image.Pix, got.Pix)
		})
	}
}

func TestNoDataIsCarried(t *testing.T) {
	im := gradient(8, 8, 1, Float32)
	im.NoData = "-9999"

	data, err := EncodeBytes(im, nil)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "-9999", got.NoData)
}

func TestWindow(t *testing.T) {
	im := gradient(100, 80, 2, Uint16)
	im.Transform = &Affine{A: 0.1, C: 500000, E: -0.1, F: 4600000}
	im.CRS = "EPSG:32631"

	win, err := im.Window(Window{ColOff: 30, RowOff: 20, Width: 50, Height: 40})
	require.NoError(t, err)
	assert.Equal(t, 50, win.Width)
	assert.Equal(t, 40, win.Height)
	assert.Equal(t, "EPSG:32631", win.CRS)
	assert.Equal(t, im.At(30, 20, 1), win.At(0, 0, 1))
	assert.Equal(t, im.At(79, 59, 0), win.At(49, 39, 0))

	require.NotNil(t, win.Transform)
	assert.InDelta(t, 500003.0, win.Transform.C, 1e-9)
	assert.InDelta(t, 4599998.0, win.Transform.F, 1e-9)

	_, err = im.Window(Window{ColOff: 60, RowOff: 0, Width: 50, Height: 10})
	assert.Error(t, err)
	_, err = im.Window(Window{Width: 0, Height: 10})
	assert.Error(t, err)
}

func TestAffinePixelSize(t *testing.T) {
	sx, sy := Affine{A: 0.25, E: -0.5}.PixelSize()
	assert.InDelta(t, 0.25, sx, 1e-12)
	assert.InDelta(t, 0.5, sy, 1e-12)

	x, y := Affine{A: 2, C: 100, E: -2, F: 50}.Window(10, 5).Apply(0, 0)
	assert.InDelta(t, 120.0, x, 1e-12)
	assert.InDelta(t, 40.0, y, 1e-12)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a tiff at all"))
	var formatErr FormatError
	assert.True(t, errors.As(err, &formatErr))

	_, err = Decode([]byte{'I', 'I', 43, 0, 8, 0, 0, 0})
	var unsupported UnsupportedError
	assert.True(t, errors.As(err, &unsupported))
}

// setLong overwrites the inline LONG value of tag in the first IFD of a little-endian TIFF.
func setLong(t *testing.T, data []byte, tag uint16, v uint32) {
	t.Helper()
	off := binary.LittleEndian.Uint32(data[4:])
	n := int(binary.LittleEndian.Uint16(data[off:]))
	for i := 0; i < n; i++ {
		e := int(off) + 2 + 12*i
		if binary.LittleEndian.Uint16(data[e:]) != tag {
			continue
		}
		require.Equal(t, uint16(dtLong), binary.LittleEndian.Uint16(data[e+2:]))
		binary.LittleEndian.PutUint32(data[e+8:], v)
		return
	}
	t.Fatalf("tag %d not found", tag)
}

func TestDecodeRejectsOversizedHeaders(t *testing.T) {
	lzwData, err := EncodeBytes(gradient(37, 29, 3, Uint16), &Options{Compression: CompressionLZW})
	require.NoError(t, err)
	rawData, err := EncodeBytes(gradient(37, 29, 3, Uint16), &Options{Compression: CompressionNone})
	require.NoError(t, err)

	tests := []struct {
		name          string
		src           []byte
		width, height uint32
		wantFormat    bool
		wantMsg       string
	}{
		{name: "product overflows", src: lzwData, width: 0xFFFFFFFF, height: 0xFFFFFFFF, wantMsg: "decode limit"},
		{name: "above the default cap", src: lzwData, width: 40000, height: 40000, wantMsg: "decode limit"},
		{name: "uncompressed larger than the file", src: rawData, width: 37, height: 1000, wantFormat: true, wantMsg: "uncompressed image needs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte(nil), tt.src...)
			setLong(t, data, tagImageWidth, tt.width)
			setLong(t, data, tagImageLength, tt.height)

			im, err := Decode(data)
			require.Error(t, err)
			assert.Nil(t, im)
			assert.Contains(t, err.Error(), tt.wantMsg)
			if tt.wantFormat {
				var formatErr FormatError
				assert.True(t, errors.As(err, &formatErr))
			} else {
				var unsupported UnsupportedError
				assert.True(t, errors.As(err, &unsupported))
			}
		})
	}
}

func TestDecodeLimit(t *testing.T) {
	src := gradient(37, 29, 3, Uint16)
	data, err := EncodeBytes(src, &Options{Compression: CompressionDeflate})
	require.NoError(t, err)
	size := int64(len(src.Pix))

	im, err := DecodeLimit(data, size)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, im.Pix)

	_, err = DecodeLimit(data, size-1)
	var unsupported UnsupportedError
	assert.True(t, errors.As(err, &unsupported))
}

func TestParseEPSG(t *testing.T) {
	code, ok := ParseEPSG("epsg:4326")
	assert.True(t, ok)
	assert.Equal(t, 4326, code)

	_, ok = ParseEPSG("WGS84")
	assert.False(t, ok)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("DEFLATE")
	require.NoError(t, err)
	assert.Equal(t, CompressionDeflate, c)

	_, err = ParseCompression("jpeg")
	assert.Error(t, err)
}
