package georaster

import "math"

// Affine maps pixel (col, row) to world (x, y) using the GDAL geotransform
// layout:
//
//	x = a[0] + col*a[1] + row*a[2]
//	y = a[3] + col*a[4] + row*a[5]
type Affine [6]float64

// FromOrigin builds a north-up transform whose top-left corner is (x, y)
func FromOrigin(x, y, xres, yres float64) Affine {
	return Affine{x, xres, 0, y, 0, -yres}
}

// Apply maps a pixel position to world coordinates
func (a Affine) Apply(col, row float64) (float64, float64) {
	return a[0] + col*a[1] + row*a[2], a[3] + col*a[4] + row*a[5]
}

// Invert maps world coordinates back to a (fractional) pixel position.
// ok is false when the transform is singular.
func (a Affine) Invert(x, y float64) (col, row float64, ok bool) {
	det := a[1]*a[5] - a[2]*a[4]
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := x-a[0], y-a[3]
	col = (dx*a[5] - dy*a[2]) / det
	row = (dy*a[1] - dx*a[4]) / det
	return col, row, true
}

// NorthUp reports whether the transform has no rotation terms
func (a Affine) NorthUp() bool {
	return a[2] == 0 && a[4] == 0
}

// Shift returns the transform re-anchored at pixel (col, row)
func (a Affine) Shift(col, row float64) Affine {
	x, y := a.Apply(col, row)
	out := a
	out[0], out[3] = x, y
	return out
}

// AlmostEqual compares two transforms term by term
func (a Affine) AlmostEqual(b Affine, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}
