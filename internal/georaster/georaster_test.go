package georaster

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/ggrab/pkg/tile"
)

func gradient(w, h, bands int, alpha byte) *tile.Image {
	img := tile.NewImage(w, h, bands)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*img.Stride() + x*bands
			img.Pix[o] = byte(x * 7)
			if bands == 4 {
				img.Pix[o+1] = byte(y * 13)
				img.Pix[o+2] = byte(x + y)
				img.Pix[o+3] = alpha
			}
		}
	}
	return img
}

func TestGeoTIFFRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		img   *tile.Image
		bands int
	}{
		{"gray", gradient(17, 9, 1, 0), 1},
		{"rgb", gradient(16, 12, 4, 0xff), 4},
		{"rgba", gradient(5, 7, 4, 0x80), 4},
	}
	transform := FromOrigin(261878.5, 6653215.25, 0.6614, 0.6614)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(tc.img, 25833, transform)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, WriteGeoTIFF(&buf, r))

			got, err := Read(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, 25833, got.EPSG)
			assert.True(t, got.Transform.AlmostEqual(transform, 1e-6), "transform %v", got.Transform)
			assert.Equal(t, tc.bands, got.Image.Bands)
			assert.Equal(t, tc.img.Width, got.Image.Width)
			assert.Equal(t, tc.img.Height, got.Image.Height)
			assert.Equal(t, tc.img.Pix, got.Image.Pix)
		})
	}
}

func TestGeoTIFFRotatedTransform(t *testing.T) {
	transform := Affine{1000, 2, 0.5, 5000, 0.25, -2}
	r, err := New(gradient(4, 4, 1, 0), 25833, transform)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteGeoTIFF(&buf, r))
	got, err := Read(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, got.Transform.AlmostEqual(transform, 1e-9))
}

func TestReadRejectsNonTIFF(t *testing.T) {
	_, err := Read([]byte("\x89PNG\r\n\x1a\n"))
	assert.Error(t, err)
}

func TestWriteFileAtomicLeavesNothingOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tif")
	boom := errors.New("boom")

	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var wf *tile.WriteFailure
	assert.ErrorAs(t, err, &wf)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "nope", "out.tif"), func(w io.Writer) error { return nil })
	var wf *tile.WriteFailure
	assert.ErrorAs(t, err, &wf)
}

func TestSaveWithWorldFile(t *testing.T) {
	dir := t.TempDir()
	r, err := New(gradient(8, 8, 4, 0xff), 25833, FromOrigin(100, 200, 2, 2))
	require.NoError(t, err)

	written, err := Save(filepath.Join(dir, "mosaic.png"), r, tile.FormatPNG, true)
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, filepath.Join(dir, "mosaic.pgw"), written[1])

	data, err := os.ReadFile(written[1])
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	assert.Equal(t, []string{"2.0000000000", "0.0000000000", "0.0000000000", "-2.0000000000", "101.0000000000", "199.0000000000"}, lines)

	png, err := os.ReadFile(written[0])
	require.NoError(t, err)
	decoded, err := tile.Decode(png, 4)
	require.NoError(t, err)
	assert.Equal(t, r.Image.Pix, decoded.Pix)
}

func TestCrop(t *testing.T) {
	r, err := New(gradient(100, 100, 1, 0), 25833, FromOrigin(0, 100, 1, 1))
	require.NoError(t, err)

	got, err := Crop(r, 50, 50, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Image.Width)
	assert.Equal(t, 20, got.Image.Height)
	assert.True(t, got.Transform.AlmostEqual(FromOrigin(40, 60, 1, 1), 1e-9))
	assert.Equal(t, r.Image.Pix[60*100+40], got.Image.Pix[0])
	assert.Equal(t, tile.BoundingBox{MinX: 40, MinY: 40, MaxX: 60, MaxY: 60}, got.Bounds())
}

func TestCropClipsAtEdge(t *testing.T) {
	r, err := New(gradient(10, 10, 1, 0), 25833, FromOrigin(0, 10, 1, 1))
	require.NoError(t, err)

	got, err := Crop(r, 0, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Image.Width)
	assert.Equal(t, 2, got.Image.Height)
}

func TestCropOutside(t *testing.T) {
	r, err := New(gradient(10, 10, 1, 0), 25833, FromOrigin(0, 10, 1, 1))
	require.NoError(t, err)

	_, err = Crop(r, 500, 500, 4)
	var ce *tile.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestCropPixels(t *testing.T) {
	r, err := New(gradient(10, 10, 4, 0xff), 25833, FromOrigin(0, 10, 1, 1))
	require.NoError(t, err)

	got, err := CropPixels(r, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Image.Width)
	assert.True(t, got.Transform.AlmostEqual(FromOrigin(3, 7, 1, 1), 1e-9))
}

func elevation(w, h int) *tile.Image {
	img := tile.NewFloat32Image(w, h)
	for i := 0; i < w*h; i++ {
		img.SetFloat32(i, 100.25+float32(i)*0.5)
	}
	return img
}

func TestGeoTIFFFloat32RoundTrip(t *testing.T) {
	img := elevation(6, 4)
	img.SetFloat32(5, tile.NoDataFloat32)
	r, err := New(img, 25833, FromOrigin(1000, 2000, 10, 10))
	require.NoError(t, err)
	require.NotNil(t, r.NoData)

	dir := t.TempDir()
	path := filepath.Join(dir, "dtm.tif")
	written, err := Save(path, r, tile.FormatGeoTIFF, false)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, written)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, tile.Float32, got.Image.Type)
	assert.Equal(t, 1, got.Image.Bands)
	assert.Equal(t, 25833, got.EPSG)
	require.NotNil(t, got.NoData)
	assert.Equal(t, float64(tile.NoDataFloat32), *got.NoData)
	assert.Equal(t, img.Pix, got.Image.Pix)
}

func TestDecodeFloat32MapsNoData(t *testing.T) {
	img := elevation(3, 3)
	img.SetFloat32(4, -9999)
	nd := -9999.0
	r := &GeoRaster{Image: img, EPSG: 25833, Transform: FromOrigin(0, 30, 10, 10), NoData: &nd}

	var buf bytes.Buffer
	require.NoError(t, WriteGeoTIFF(&buf, r))

	got, err := DecodeFloat32(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tile.NoDataFloat32, got.Float32At(4))
	assert.InDelta(t, 100.25, got.Float32At(0), 1e-6)
}

func TestDecodeFloat32RejectsRGB(t *testing.T) {
	r, err := New(gradient(4, 4, 4, 0xff), 25833, FromOrigin(0, 4, 1, 1))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteGeoTIFF(&buf, r))

	_, err = DecodeFloat32(buf.Bytes())
	assert.Error(t, err)
}

func TestEncodeFloat32AsPNGFails(t *testing.T) {
	r, err := New(elevation(2, 2), 25833, FromOrigin(0, 2, 1, 1))
	require.NoError(t, err)
	_, err = Bytes(r, tile.FormatPNG)
	assert.ErrorIs(t, err, tile.ErrNotEightBit)
}

func TestCropFloat32(t *testing.T) {
	r, err := New(elevation(10, 10), 25833, FromOrigin(0, 10, 1, 1))
	require.NoError(t, err)

	got, err := CropPixels(r, 4)
	require.NoError(t, err)
	assert.Equal(t, tile.Float32, got.Image.Type)
	assert.Equal(t, r.Image.Float32At(3*10+3), got.Image.Float32At(0))
	assert.Equal(t, r.NoData, got.NoData)
}
