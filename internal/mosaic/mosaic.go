// Package mosaic assembles decoded tiles into one shared pixel buffer.
package mosaic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// Policy decides what a run does when a tile cannot be fetched
type Policy int

const (
	// PolicyAbort cancels the run on the first failed tile
	PolicyAbort Policy = iota
	// PolicyFill paints failed tiles with the fill colour and continues
	PolicyFill
)

// ParsePolicy maps "abort" or "fill" to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return PolicyAbort, nil
	case "fill":
		return PolicyFill, nil
	}
	return 0, &tile.ConfigurationError{Field: "on_error", Message: fmt.Sprintf("unknown policy %q (want abort|fill)", s)}
}

func (p Policy) String() string {
	if p == PolicyFill {
		return "fill"
	}
	return "abort"
}

var (
	// ErrIncomplete is returned by Mosaic while tiles are still outstanding
	ErrIncomplete = errors.New("mosaic: tiles outstanding")
	// ErrResolved is returned when a tile is placed after being marked failed, or the reverse
	ErrResolved = errors.New("mosaic: tile already resolved")
)

// tile states
const (
	statePending uint32 = iota
	stateWriting
	statePlaced
	stateFailed
)

// Failure records a tile that was marked failed
type Failure struct {
	Spec tile.Spec
	Err  error
}

// Assembler owns the mosaic buffer of one run. Place and MarkFailed may be
// called concurrently; each tile writes a disjoint region of the buffer.
type Assembler struct {
	numX, numY int
	tileSize   int
	fill       [4]byte

	img    *tile.Image
	states []atomic.Uint32

	placed atomic.Int64
	failed atomic.Int64

	mu       sync.Mutex
	failures []Failure
}

// New allocates a numX x numY grid of tileSize tiles with the given band
// count and sample type. Failed 8-bit tiles are painted with fill (only
// fill[0] for gray); failed float32 tiles get tile.NoDataFloat32.
func New(numX, numY, tileSize, bands int, dtype tile.DataType, fill [4]byte) (*Assembler, error) {
	if numX <= 0 || numY <= 0 || tileSize <= 0 {
		return nil, &tile.ConfigurationError{Field: "grid", Message: fmt.Sprintf("invalid grid %dx%d of %d px tiles", numX, numY, tileSize)}
	}
	var img *tile.Image
	switch {
	case dtype == tile.Float32 && bands == 1:
		img = tile.NewFloat32Image(numX*tileSize, numY*tileSize)
	case dtype == tile.Uint8 && (bands == 1 || bands == 4):
		img = tile.NewImage(numX*tileSize, numY*tileSize, bands)
	default:
		return nil, &tile.ConfigurationError{Field: "bands", Message: fmt.Sprintf("unsupported layout of %d %s bands", bands, dtype)}
	}
	return &Assembler{
		numX:     numX,
		numY:     numY,
		tileSize: tileSize,
		fill:     fill,
		img:      img,
		states:   make([]atomic.Uint32, numX*numY),
	}, nil
}

// Total is the number of tiles in the grid
func (a *Assembler) Total() int { return a.numX * a.numY }

func (a *Assembler) index(spec tile.Spec) (int, error) {
	if spec.I < 0 || spec.I >= a.numX || spec.J < 0 || spec.J >= a.numY {
		return 0, fmt.Errorf("mosaic: %s outside %dx%d grid", spec, a.numX, a.numY)
	}
	return spec.J*a.numX + spec.I, nil
}

// Place copies img into the region of spec at (i*tileSize, j*tileSize).
// Placing an already placed tile is a no-op.
func (a *Assembler) Place(spec tile.Spec, img *tile.Image) error {
	idx, err := a.index(spec)
	if err != nil {
		return err
	}
	if img.Width != a.tileSize || img.Height != a.tileSize || img.Bands != a.img.Bands || img.Type != a.img.Type {
		return fmt.Errorf("mosaic: %s is %dx%dx%d %s, want %dx%dx%d %s", spec,
			img.Width, img.Height, img.Bands, img.Type, a.tileSize, a.tileSize, a.img.Bands, a.img.Type)
	}

	state := &a.states[idx]
	if !state.CompareAndSwap(statePending, stateWriting) {
		if state.Load() == stateFailed {
			return fmt.Errorf("%w: %s was marked failed", ErrResolved, spec)
		}
		return nil
	}

	a.blit(spec, img.Pix)
	state.Store(statePlaced)
	a.placed.Add(1)
	return nil
}

// MarkFailed records err for spec and paints its region with the fill colour
func (a *Assembler) MarkFailed(spec tile.Spec, cause error) error {
	idx, err := a.index(spec)
	if err != nil {
		return err
	}
	state := &a.states[idx]
	if !state.CompareAndSwap(statePending, stateWriting) {
		if state.Load() == stateFailed {
			return nil
		}
		return fmt.Errorf("%w: %s was already placed", ErrResolved, spec)
	}

	a.paint(spec)
	a.mu.Lock()
	a.failures = append(a.failures, Failure{Spec: spec, Err: cause})
	a.mu.Unlock()
	state.Store(stateFailed)
	a.failed.Add(1)
	return nil
}

func (a *Assembler) blit(spec tile.Spec, pix []byte) {
	rowLen := a.tileSize * a.img.BytesPerPixel()
	stride := a.img.Stride()
	base := spec.J*a.tileSize*stride + spec.I*rowLen
	for y := 0; y < a.tileSize; y++ {
		copy(a.img.Pix[base+y*stride:base+y*stride+rowLen], pix[y*rowLen:(y+1)*rowLen])
	}
}

func (a *Assembler) paint(spec tile.Spec) {
	pixel := a.fill[:a.img.Bands]
	if a.img.Type == tile.Float32 {
		nodata := tile.NewFloat32Image(1, 1)
		nodata.SetFloat32(0, tile.NoDataFloat32)
		pixel = nodata.Pix
	}
	row := make([]byte, a.tileSize*len(pixel))
	for x := 0; x < a.tileSize; x++ {
		copy(row[x*len(pixel):], pixel)
	}
	stride := a.img.Stride()
	base := spec.J*a.tileSize*stride + spec.I*len(row)
	for y := 0; y < a.tileSize; y++ {
		copy(a.img.Pix[base+y*stride:], row)
	}
}

// Placed is the number of tiles placed so far
func (a *Assembler) Placed() int { return int(a.placed.Load()) }

// Failed is the number of tiles marked failed so far
func (a *Assembler) Failed() int { return int(a.failed.Load()) }

// Complete reports whether every tile is placed or marked failed
func (a *Assembler) Complete() bool {
	return a.placed.Load()+a.failed.Load() == int64(a.Total())
}

// Mosaic returns the assembled buffer once the grid is complete. The
// buffer must not be modified afterwards.
func (a *Assembler) Mosaic() (*tile.Image, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("%w: %d placed, %d failed of %d", ErrIncomplete, a.Placed(), a.Failed(), a.Total())
	}
	return a.img, nil
}

// Failures returns the failed tiles ordered by row, then column
func (a *Assembler) Failures() []Failure {
	a.mu.Lock()
	out := append([]Failure(nil), a.failures...)
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spec.J != out[j].Spec.J {
			return out[i].Spec.J < out[j].Spec.J
		}
		return out[i].Spec.I < out[j].Spec.I
	})
	return out
}
