package tile

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// Format selects the output encoding of a mosaic
type Format int

// Output format constants
const (
	FormatGeoTIFF Format = iota
	FormatPNG
)

// ParseFormat maps a CLI/config name to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geotiff", "tiff", "tif", "gtiff":
		return FormatGeoTIFF, nil
	case "png":
		return FormatPNG, nil
	}
	return 0, &ConfigurationError{Field: "format", Message: fmt.Sprintf("unknown format %q (want geotiff|png)", s)}
}

func (f Format) String() string {
	if f == FormatPNG {
		return "png"
	}
	return "geotiff"
}

// Extension returns the conventional file extension including the dot
func (f Format) Extension() string {
	if f == FormatPNG {
		return ".png"
	}
	return ".tif"
}

// BoundingBox is an axis-aligned rectangle in a planar CRS
type BoundingBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// ParseBoundingBox parses "min_x,min_y,max_x,max_y"
func ParseBoundingBox(s string) (BoundingBox, error) {
	var b BoundingBox
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return b, &ConfigurationError{Field: "bbox", Message: "bbox must be in format 'min_x,min_y,max_x,max_y'"}
	}
	vals, err := parseFloats(parts)
	if err != nil {
		return b, &ConfigurationError{Field: "bbox", Message: "invalid bbox", Err: err}
	}
	b = BoundingBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}
	return b, b.Validate()
}

// Validate checks the box is finite with min < max on both axes
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return &ConfigurationError{Field: "bbox", Message: fmt.Sprintf("coordinates must be finite, got %s", b)}
		}
	}
	if !(b.MinX < b.MaxX) {
		return &ConfigurationError{Field: "bbox", Message: fmt.Sprintf("min_x (%g) must be less than max_x (%g)", b.MinX, b.MaxX)}
	}
	if !(b.MinY < b.MaxY) {
		return &ConfigurationError{Field: "bbox", Message: fmt.Sprintf("min_y (%g) must be less than max_y (%g)", b.MinY, b.MaxY)}
	}
	return nil
}

func (b BoundingBox) Width() float64  { return b.MaxX - b.MinX }
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }

// Center returns the midpoint of the box
func (b BoundingBox) Center() (float64, float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

// Bound converts to an orb.Bound
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// FromBound converts an orb.Bound
func FromBound(ob orb.Bound) BoundingBox {
	return BoundingBox{MinX: ob.Min.X(), MinY: ob.Min.Y(), MaxX: ob.Max.X(), MaxY: ob.Max.Y()}
}

// Around returns the square box of the given half size centred on (x, y)
func Around(x, y, halfSize float64) BoundingBox {
	return BoundingBox{MinX: x - halfSize, MinY: y - halfSize, MaxX: x + halfSize, MaxY: y + halfSize}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%.17g,%.17g,%.17g,%.17g", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// Spec identifies one tile of a grid: column I, image row J (0 = north),
// its world extent and its pixel offset in the mosaic.
type Spec struct {
	I, J     int
	BBox     BoundingBox
	OffsetX  int
	OffsetY  int
	TileSize int
}

func (s Spec) String() string {
	return fmt.Sprintf("tile(%d,%d)", s.I, s.J)
}

// DataType is the sample type of an Image
type DataType int

// Sample types
const (
	Uint8 DataType = iota
	Float32
)

// NoDataFloat32 marks float32 samples without a value
const NoDataFloat32 float32 = -32767

// ParseDataType maps "uint8" or "float32" to a DataType
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uint8", "byte":
		return Uint8, nil
	case "float32":
		return Float32, nil
	}
	return 0, &ConfigurationError{Field: "data_type", Message: fmt.Sprintf("unknown data type %q (want uint8|float32)", s)}
}

func (d DataType) String() string {
	if d == Float32 {
		return "float32"
	}
	return "uint8"
}

// Size is the number of bytes per sample
func (d DataType) Size() int {
	if d == Float32 {
		return 4
	}
	return 1
}

// Image holds an interleaved pixel buffer. Uint8 images have 1 (gray) or
// 4 (RGBA) bands; Float32 images have one band stored little endian.
type Image struct {
	Pix    []byte
	Width  int
	Height int
	Bands  int
	Type   DataType
}

// NewImage allocates a zeroed 8-bit image
func NewImage(width, height, bands int) *Image {
	return &Image{
		Pix:    make([]byte, width*height*bands),
		Width:  width,
		Height: height,
		Bands:  bands,
	}
}

// NewFloat32Image allocates a single band float32 image
func NewFloat32Image(width, height int) *Image {
	return &Image{
		Pix:    make([]byte, width*height*4),
		Width:  width,
		Height: height,
		Bands:  1,
		Type:   Float32,
	}
}

// BytesPerPixel is the size of one pixel across all bands
func (im *Image) BytesPerPixel() int {
	return im.Bands * im.Type.Size()
}

// Stride is the number of bytes per row
func (im *Image) Stride() int {
	return im.Width * im.BytesPerPixel()
}

// Float32At returns sample i of a float32 image
func (im *Image) Float32At(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(im.Pix[4*i:]))
}

// SetFloat32 stores sample i of a float32 image
func (im *Image) SetFloat32(i int, v float32) {
	binary.LittleEndian.PutUint32(im.Pix[4*i:], math.Float32bits(v))
}

// Sample returns sample i as float64 for either data type
func (im *Image) Sample(i int) float64 {
	if im.Type == Float32 {
		return float64(im.Float32At(i))
	}
	return float64(im.Pix[i])
}

// Opaque reports whether every pixel of an RGBA image has full alpha.
// Gray images are always opaque.
func (im *Image) Opaque() bool {
	if im.Bands != 4 || im.Type != Uint8 {
		return true
	}
	for i := 3; i < len(im.Pix); i += 4 {
		if im.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

// ValidateLatLon checks a WGS84 coordinate is in range
func ValidateLatLon(lat, lon float64) error {
	if !(lat >= -90 && lat <= 90) {
		return &ConfigurationError{Field: "center", Message: fmt.Sprintf("latitude %g out of range [-90, 90]", lat)}
	}
	if !(lon >= -180 && lon <= 180) {
		return &ConfigurationError{Field: "center", Message: fmt.Sprintf("longitude %g out of range [-180, 180]", lon)}
	}
	return nil
}
