package georaster

import (
	"fmt"
	"math"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// Crop cuts a square window of side metres centred on (cx, cy). The window
// is clipped to the raster; a window entirely outside it is an error.
func Crop(r *GeoRaster, cx, cy, side float64) (*GeoRaster, error) {
	if side <= 0 {
		return nil, &tile.ConfigurationError{Field: "side", Message: fmt.Sprintf("crop side must be positive, got %g", side)}
	}
	if !r.Transform.NorthUp() {
		return nil, &tile.ConfigurationError{Field: "input", Message: "cannot crop a rotated raster"}
	}
	half := side / 2
	c0, r0, _ := r.Transform.Invert(cx-half, cy+half)
	c1, r1, _ := r.Transform.Invert(cx+half, cy-half)

	col0 := int(math.Floor(math.Min(c0, c1)))
	row0 := int(math.Floor(math.Min(r0, r1)))
	col1 := int(math.Ceil(math.Max(c0, c1)))
	row1 := int(math.Ceil(math.Max(r0, r1)))
	return window(r, col0, row0, col1, row1)
}

// CropPixels cuts a size x size window from the middle of the raster
func CropPixels(r *GeoRaster, size int) (*GeoRaster, error) {
	if size <= 0 {
		return nil, &tile.ConfigurationError{Field: "pixels", Message: fmt.Sprintf("crop size must be positive, got %d", size)}
	}
	col0 := (r.Image.Width - size) / 2
	row0 := (r.Image.Height - size) / 2
	return window(r, col0, row0, col0+size, row0+size)
}

// window copies pixels [col0,col1) x [row0,row1), clipped to the image
func window(r *GeoRaster, col0, row0, col1, row1 int) (*GeoRaster, error) {
	src := r.Image
	col0, row0 = max(col0, 0), max(row0, 0)
	col1, row1 = min(col1, src.Width), min(row1, src.Height)
	if col0 >= col1 || row0 >= row1 {
		return nil, &tile.ConfigurationError{Field: "center", Message: "crop window does not overlap the raster"}
	}

	w, h := col1-col0, row1-row0
	dst := tile.NewImage(w, h, src.Bands)
	if src.Type == tile.Float32 {
		dst = tile.NewFloat32Image(w, h)
	}
	for y := 0; y < h; y++ {
		so := (row0+y)*src.Stride() + col0*src.BytesPerPixel()
		copy(dst.Pix[y*dst.Stride():(y+1)*dst.Stride()], src.Pix[so:so+dst.Stride()])
	}
	return &GeoRaster{
		Image:     dst,
		EPSG:      r.EPSG,
		Transform: r.Transform.Shift(float64(col0), float64(row0)),
		NoData:    r.NoData,
	}, nil
}
