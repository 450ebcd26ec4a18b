// Package georaster writes, reads and crops georeferenced rasters through GDAL.
package georaster

import (
	"fmt"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// GeoRaster is a pixel buffer with a CRS and a pixel-to-world transform
type GeoRaster struct {
	Image     *tile.Image
	EPSG      int
	Transform Affine
	// NoData is the sample value marking missing pixels, if any
	NoData *float64
}

// New wraps an image. The image must not be modified afterwards.
func New(img *tile.Image, epsg int, transform Affine) (*GeoRaster, error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("georaster: empty image")
	}
	switch {
	case img.Type == tile.Float32 && img.Bands != 1:
		return nil, fmt.Errorf("georaster: float32 rasters have one band, got %d", img.Bands)
	case img.Bands != 1 && img.Bands != 4:
		return nil, fmt.Errorf("georaster: unsupported band count %d", img.Bands)
	}
	if len(img.Pix) != img.Width*img.Height*img.BytesPerPixel() {
		return nil, fmt.Errorf("georaster: buffer length %d does not match %dx%dx%d %s", len(img.Pix), img.Width, img.Height, img.Bands, img.Type)
	}
	r := &GeoRaster{Image: img, EPSG: epsg, Transform: transform}
	if img.Type == tile.Float32 {
		nd := float64(tile.NoDataFloat32)
		r.NoData = &nd
	}
	return r, nil
}

// Bounds returns the world extent of a north-up raster
func (r *GeoRaster) Bounds() tile.BoundingBox {
	x0, y0 := r.Transform.Apply(0, 0)
	x1, y1 := r.Transform.Apply(float64(r.Image.Width), float64(r.Image.Height))
	return tile.BoundingBox{
		MinX: min(x0, x1),
		MinY: min(y0, y1),
		MaxX: max(x0, x1),
		MaxY: max(y0, y1),
	}
}
