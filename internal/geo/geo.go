// Package geo projects WGS84 coordinates into the planar CRS of a run.
// It links PROJ through cgo.
package geo

import (
	"fmt"
	"sync"

	"github.com/twpayne/go-proj/v11"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// PROJ projects from EPSG:4326 to a target EPSG code
type PROJ struct {
	mu   sync.Mutex
	pj   *proj.PJ
	epsg int
}

// NewPROJ creates a transformation from EPSG:4326 to EPSG:<epsg>
func NewPROJ(epsg int) (*PROJ, error) {
	pj, err := proj.NewCRSToCRS("EPSG:4326", fmt.Sprintf("EPSG:%d", epsg), nil)
	if err != nil {
		return nil, &tile.ConfigurationError{Field: "crs", Message: fmt.Sprintf("cannot project to EPSG:%d", epsg), Err: err}
	}
	return &PROJ{pj: pj, epsg: epsg}, nil
}

// Forward projects (lat, lon). EPSG:4326 is latitude first.
func (p *PROJ) Forward(lat, lon float64) (float64, float64, error) {
	if err := tile.ValidateLatLon(lat, lon); err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	coords := [][]float64{{lat, lon}}
	if err := p.pj.ForwardFloat64Slices(coords); err != nil {
		return 0, 0, fmt.Errorf("project %g,%g to EPSG:%d: %w", lat, lon, p.epsg, err)
	}
	return coords[0][0], coords[0][1], nil
}

// Close releases the PROJ object
func (p *PROJ) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pj != nil {
		p.pj.Destroy()
		p.pj = nil
	}
}
