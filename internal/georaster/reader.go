package georaster

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/airbusgeo/godal"

	"github.com/kiesman99/ggrab/pkg/tile"
)

var errNotTIFF = errors.New("geotiff: not a TIFF file")

// ReadFile reads a georeferenced raster from disk. Byte rasters keep one
// band, or four when the file has three or more (RGB gains an opaque
// alpha). Any other sample type is read as a single float32 band.
func ReadFile(path string) (*GeoRaster, error) {
	registerDrivers()
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("geotiff: open %s: %w", path, err)
	}
	defer ds.Close()
	return readDataset(ds)
}

// Read decodes a GeoTIFF held in memory
func Read(data []byte) (*GeoRaster, error) {
	if !isTIFF(data) {
		return nil, errNotTIFF
	}
	name, cleanup, err := tempTIFF(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return ReadFile(name)
}

// DecodeFloat32 decodes a single band GeoTIFF payload, such as a WCS
// elevation coverage, into a float32 image. Samples equal to the file's
// nodata value become tile.NoDataFloat32.
func DecodeFloat32(data []byte) (*tile.Image, error) {
	r, err := Read(data)
	if err != nil {
		return nil, err
	}
	src := r.Image
	if src.Bands != 1 {
		return nil, fmt.Errorf("geotiff: coverage has %d bands, want 1", src.Bands)
	}
	out := src
	if src.Type != tile.Float32 {
		out = tile.NewFloat32Image(src.Width, src.Height)
		for i := 0; i < src.Width*src.Height; i++ {
			out.SetFloat32(i, float32(src.Sample(i)))
		}
	}
	if r.NoData != nil {
		for i := 0; i < out.Width*out.Height; i++ {
			if float64(out.Float32At(i)) == float64(float32(*r.NoData)) {
				out.SetFloat32(i, tile.NoDataFloat32)
			}
		}
	}
	return out, nil
}

func readDataset(ds *godal.Dataset) (*GeoRaster, error) {
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("geotiff: no georeferencing: %w", err)
	}
	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("geotiff: no raster bands")
	}
	st := ds.Structure()
	w, h := st.SizeX, st.SizeY

	sr := ds.SpatialRef()
	if sr != nil {
		defer sr.Close()
	}
	r := &GeoRaster{Transform: Affine(gt), EPSG: epsgOf(sr)}
	if nd, ok := bands[0].NoData(); ok {
		r.NoData = &nd
	}

	if bands[0].Structure().DataType != godal.Byte {
		samples := make([]float32, w*h)
		if err := bands[0].Read(0, 0, samples, w, h); err != nil {
			return nil, fmt.Errorf("geotiff: read band 1: %w", err)
		}
		img := tile.NewFloat32Image(w, h)
		for i, v := range samples {
			img.SetFloat32(i, v)
		}
		r.Image = img
		return r, nil
	}

	out := 1
	if len(bands) >= 3 {
		out = 4
	}
	img := tile.NewImage(w, h, out)
	samples := make([]byte, w*h)
	for b := 0; b < min(len(bands), out); b++ {
		if err := bands[b].Read(0, 0, samples, w, h); err != nil {
			return nil, fmt.Errorf("geotiff: read band %d: %w", b+1, err)
		}
		for i, v := range samples {
			img.Pix[i*out+b] = v
		}
	}
	if out == 4 && len(bands) == 3 {
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
	}
	r.Image = img
	return r, nil
}

// epsgOf returns the EPSG code of sr, or 0 when it has none
func epsgOf(sr *godal.SpatialRef) int {
	if sr == nil || sr.AuthorityName("") != "EPSG" {
		return 0
	}
	code, err := strconv.Atoi(sr.AuthorityCode(""))
	if err != nil {
		return 0
	}
	return code
}

func isTIFF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) ||
		bytes.HasPrefix(data, []byte("II+\x00")) || bytes.HasPrefix(data, []byte("MM\x00+"))
}
