// Package render turns georeferenced rasters into 8-bit previews: min-max
// stretched images and colour coded class maps.
package render

import (
	"fmt"
	"math"

	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// Normalize stretches the samples of r linearly so the smallest becomes 0
// and the largest 255. One band rasters become gray, RGBA rasters become
// opaque RGB with one stretch shared by the three colour channels. Nodata
// pixels are black and do not take part in the stretch.
func Normalize(r *georaster.GeoRaster) (*tile.Image, error) {
	src := r.Image
	if src.Bands != 1 && src.Bands != 4 {
		return nil, fmt.Errorf("render: unsupported band count %d", src.Bands)
	}
	n := src.Width * src.Height
	channels := min(src.Bands, 3)
	value := func(p, c int) float64 {
		if src.Type == tile.Float32 {
			return src.Sample(p)
		}
		return float64(src.Pix[p*src.Bands+c])
	}
	valid := func(p int) bool {
		if src.Bands != 1 {
			return true
		}
		v := value(p, 0)
		if math.IsNaN(v) {
			return false
		}
		if r.NoData != nil && v == *r.NoData {
			return false
		}
		return !(src.Type == tile.Float32 && float32(v) == tile.NoDataFloat32)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for p := 0; p < n; p++ {
		if !valid(p) {
			continue
		}
		for c := 0; c < channels; c++ {
			v := value(p, c)
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}

	out := tile.NewImage(src.Width, src.Height, src.Bands)
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	for p := 0; p < n; p++ {
		if src.Bands == 4 {
			out.Pix[p*4+3] = 0xff
		}
		if !valid(p) {
			continue
		}
		for c := 0; c < channels; c++ {
			out.Pix[p*out.Bands+c] = byte(math.Round((value(p, c) - lo) * scale))
		}
	}
	return out, nil
}

// Class colours of a three class raster such as the SR16 tree species map
var classColours = map[int][3]byte{
	1: {0, 0, 0xff},
	2: {0, 0xff, 0},
	3: {0xff, 0, 0},
}

// Classes colours a one band class raster: class 3 red, class 2 green and
// class 1 blue. Other classes and nodata are black. The result is opaque
// and framed by a one pixel black border, so it is two pixels wider and
// taller than r.
func Classes(r *georaster.GeoRaster) (*tile.Image, error) {
	src := r.Image
	if src.Bands != 1 {
		return nil, fmt.Errorf("render: class raster must have one band, got %d", src.Bands)
	}
	w, h := src.Width+2, src.Height+2
	out := tile.NewImage(w, h, 4)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			v := src.Sample(y*src.Width + x)
			if r.NoData != nil && v == *r.NoData {
				continue
			}
			colour, ok := classColours[int(v)]
			if !ok || float64(int(v)) != v {
				continue
			}
			o := ((y+1)*w + x + 1) * 4
			copy(out.Pix[o:o+3], colour[:])
		}
	}
	return out, nil
}
