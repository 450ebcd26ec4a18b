// Package planner partitions a bounding box into a grid of fixed-size tiles.
package planner

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// DefaultMaxPixels bounds the mosaic to 20000x20000 pixels
const DefaultMaxPixels int64 = 20000 * 20000

// coverage tolerance for extents that are an exact multiple of the tile span
const epsilon = 1e-9

// Geocache UTM33 resolutions in metres per pixel, indexed by zoom level.
var zoomResolutions = []float64{
	21674.7100160867, 10837.35500804335, 5418.677504021675, 2709.3387520108377,
	1354.6693760054188, 677.3346880027094, 338.6673440013547, 169.33367200067735,
	84.66683600033868, 42.33341800016934, 21.16670900008467, 10.583354500042335,
	5.291677250021167, 2.6458386250105836, 1.3229193125052918, 0.6614596562526459,
	0.33072982812632296, 0.16536491406316148,
}

// MaxZoom is the deepest zoom level of the resolution table
var MaxZoom = len(zoomResolutions) - 1

// ResolutionForZoom returns the pixel size for a zoom level
func ResolutionForZoom(zoom int) (float64, error) {
	if zoom < 0 || zoom > MaxZoom {
		return 0, &tile.ConfigurationError{Field: "zoom", Message: fmt.Sprintf("zoom must be between 0 and %d, got %d", MaxZoom, zoom)}
	}
	return zoomResolutions[zoom], nil
}

// Request describes the area and grid parameters of one run.
// Either BBox or Center+HalfSize must be set.
type Request struct {
	BBox       *tile.BoundingBox
	Center     *orb.Point
	HalfSize   float64
	TileSize   int
	Resolution float64
	MaxPixels  int64
}

// Plan is the immutable tile grid covering a requested extent
type Plan struct {
	Requested  tile.BoundingBox
	TileSize   int
	Resolution float64
	NumX       int
	NumY       int
	Tiles      []tile.Spec
}

// New computes the tile grid for a request
func New(req Request) (*Plan, error) {
	if req.TileSize <= 0 {
		return nil, &tile.ConfigurationError{Field: "tile_size", Message: fmt.Sprintf("tile size must be positive, got %d", req.TileSize)}
	}
	if !(req.Resolution > 0) || math.IsInf(req.Resolution, 0) {
		return nil, &tile.ConfigurationError{Field: "resolution", Message: fmt.Sprintf("resolution must be positive, got %g", req.Resolution)}
	}

	var bbox tile.BoundingBox
	switch {
	case req.BBox != nil:
		bbox = *req.BBox
	case req.Center != nil:
		if !(req.HalfSize > 0) {
			return nil, &tile.ConfigurationError{Field: "half_size", Message: fmt.Sprintf("half size must be positive, got %g", req.HalfSize)}
		}
		bbox = tile.Around(req.Center.X(), req.Center.Y(), req.HalfSize)
	default:
		return nil, &tile.ConfigurationError{Field: "bbox", Message: "either a bounding box or a center point is required"}
	}
	if err := bbox.Validate(); err != nil {
		return nil, err
	}

	span := req.Resolution * float64(req.TileSize)
	fx := tileCount(bbox.Width(), span)
	fy := tileCount(bbox.Height(), span)

	maxPixels := req.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	// compare in float64 so huge extents cannot overflow the pixel count
	ts := float64(req.TileSize)
	if fx*ts*fy*ts > float64(maxPixels) {
		return nil, &tile.ConfigurationError{
			Field:   "bbox",
			Message: fmt.Sprintf("requested mosaic of %.0fx%.0f pixels exceeds the limit of %d pixels", fx*ts, fy*ts, maxPixels),
		}
	}
	numX, numY := int(fx), int(fy)

	p := &Plan{
		Requested:  bbox,
		TileSize:   req.TileSize,
		Resolution: req.Resolution,
		NumX:       numX,
		NumY:       numY,
		Tiles:      make([]tile.Spec, 0, numX*numY),
	}

	// Row-major from the north-west corner. Image row j is world row
	// numY-j-1 counted up from min_y.
	for j := 0; j < numY; j++ {
		worldRow := numY - j - 1
		for i := 0; i < numX; i++ {
			p.Tiles = append(p.Tiles, tile.Spec{
				I: i,
				J: j,
				BBox: tile.BoundingBox{
					MinX: bbox.MinX + float64(i)*span,
					MinY: bbox.MinY + float64(worldRow)*span,
					MaxX: bbox.MinX + float64(i+1)*span,
					MaxY: bbox.MinY + float64(worldRow+1)*span,
				},
				OffsetX:  i * req.TileSize,
				OffsetY:  j * req.TileSize,
				TileSize: req.TileSize,
			})
		}
	}

	return p, nil
}

// tileCount is the number of tiles of span covering extent, as a float so
// the caller can range check it before converting
func tileCount(extent, span float64) float64 {
	return max(math.Ceil(extent/span-epsilon), 1)
}

// Width is the mosaic width in pixels
func (p *Plan) Width() int { return p.NumX * p.TileSize }

// Height is the mosaic height in pixels
func (p *Plan) Height() int { return p.NumY * p.TileSize }

// Extent is the world area actually covered by the grid. It starts at the
// requested south-west corner and may reach past the requested north and
// east edges.
func (p *Plan) Extent() tile.BoundingBox {
	span := p.Resolution * float64(p.TileSize)
	return tile.BoundingBox{
		MinX: p.Requested.MinX,
		MinY: p.Requested.MinY,
		MaxX: p.Requested.MinX + float64(p.NumX)*span,
		MaxY: p.Requested.MinY + float64(p.NumY)*span,
	}
}

// Transform anchors the mosaic at the north-west corner of the grid extent
func (p *Plan) Transform() georaster.Affine {
	ext := p.Extent()
	return georaster.FromOrigin(ext.MinX, ext.MaxY, p.Resolution, p.Resolution)
}

// Footprints renders the grid as a GeoJSON feature collection in the
// planar CRS of the request.
func (p *Plan) Footprints() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, spec := range p.Tiles {
		f := geojson.NewFeature(spec.BBox.Bound().ToPolygon())
		f.Properties["i"] = spec.I
		f.Properties["j"] = spec.J
		f.Properties["offset_x"] = spec.OffsetX
		f.Properties["offset_y"] = spec.OffsetY
		fc.Append(f)
	}
	fc.ExtraMembers = geojson.Properties{
		"num_tiles_x": p.NumX,
		"num_tiles_y": p.NumY,
		"tile_size":   p.TileSize,
		"resolution":  p.Resolution,
	}
	return fc
}
