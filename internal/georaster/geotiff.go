package georaster

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/kiesman99/ggrab/pkg/tile"
)

var registerOnce sync.Once

// registerDrivers loads the GDAL drivers once per process
func registerDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// creation options of every GeoTIFF we write
var tiffOptions = []string{"TILED=YES", "COMPRESS=DEFLATE", "BIGTIFF=IF_SAFER"}

// WriteGeoTIFFFile writes r to path with its CRS, geotransform and nodata
// value. Opaque RGBA rasters are written as RGB.
func WriteGeoTIFFFile(path string, r *GeoRaster) (err error) {
	registerDrivers()

	img := r.Image
	bands := img.Bands
	dtype := godal.Byte
	opts := append([]string(nil), tiffOptions...)
	switch {
	case img.Type == tile.Float32:
		dtype = godal.Float32
		opts = append(opts, "PREDICTOR=3")
	case img.Bands == 4 && img.Opaque():
		bands = 3
		opts = append(opts, "PHOTOMETRIC=RGB")
	case img.Bands == 4:
		opts = append(opts, "PHOTOMETRIC=RGB", "ALPHA=YES")
	}

	ds, err := godal.Create(godal.GTiff, path, bands, dtype, img.Width, img.Height, godal.CreationOption(opts...))
	if err != nil {
		return fmt.Errorf("geotiff: create %s: %w", path, err)
	}
	defer func() {
		if cerr := ds.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("geotiff: close %s: %w", path, cerr)
		}
	}()

	if err := ds.SetGeoTransform([6]float64(r.Transform)); err != nil {
		return fmt.Errorf("geotiff: set geotransform: %w", err)
	}
	if r.EPSG > 0 {
		sr, err := godal.NewSpatialRefFromEPSG(r.EPSG)
		if err != nil {
			return fmt.Errorf("geotiff: EPSG:%d: %w", r.EPSG, err)
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			return fmt.Errorf("geotiff: set spatial reference: %w", err)
		}
	}

	n := img.Width * img.Height
	for b, band := range ds.Bands() {
		if r.NoData != nil {
			if err := band.SetNoData(*r.NoData); err != nil {
				return fmt.Errorf("geotiff: set nodata: %w", err)
			}
		}
		var buf any
		if img.Type == tile.Float32 {
			samples := make([]float32, n)
			for i := range samples {
				samples[i] = img.Float32At(i)
			}
			buf = samples
		} else {
			samples := make([]byte, n)
			for i := range samples {
				samples[i] = img.Pix[i*img.Bands+b]
			}
			buf = samples
		}
		if err := band.Write(0, 0, buf, img.Width, img.Height); err != nil {
			return fmt.Errorf("geotiff: write band %d: %w", b+1, err)
		}
	}
	return nil
}

// WriteGeoTIFF encodes r as a GeoTIFF into w. GDAL writes to files only,
// so the raster goes through a temporary file.
func WriteGeoTIFF(w io.Writer, r *GeoRaster) error {
	name, cleanup, err := tempTIFF(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := WriteGeoTIFFFile(name, r); err != nil {
		return err
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// tempTIFF creates a temporary .tif holding data and returns its name and
// a function removing it
func tempTIFF(data []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "ggrab-*.tif")
	if err != nil {
		return "", nil, err
	}
	name := f.Name()
	cleanup := func() {
		os.Remove(name)
		os.Remove(name + ".aux.xml")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return name, cleanup, nil
}
