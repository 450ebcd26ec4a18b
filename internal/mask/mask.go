// Package mask turns transparent land-cover exports into binary masks and
// combines them.
package mask

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// On is the value of a set mask pixel
const On = 0xff

// threshold above which a gray pixel counts as set
const threshold = 128

// AlphaToMask returns a gray mask that is On wherever img is not fully
// transparent. Gray inputs are thresholded instead.
func AlphaToMask(img *tile.Image) *tile.Image {
	out := tile.NewImage(img.Width, img.Height, 1)
	if img.Bands == 1 {
		for i, v := range img.Pix {
			if v > threshold {
				out.Pix[i] = On
			}
		}
		return out
	}
	for i := range out.Pix {
		if img.Pix[i*img.Bands+img.Bands-1] != 0 {
			out.Pix[i] = On
		}
	}
	return out
}

// Union ORs gray masks of equal size
func Union(masks ...*tile.Image) (*tile.Image, error) {
	if len(masks) == 0 {
		return nil, fmt.Errorf("mask: union of no masks")
	}
	if err := sameSize(masks); err != nil {
		return nil, err
	}
	out := tile.NewImage(masks[0].Width, masks[0].Height, 1)
	for _, m := range masks {
		for i, v := range m.Pix {
			if v > threshold {
				out.Pix[i] = On
			}
		}
	}
	return out, nil
}

// StackChannels places up to three gray masks into the R, G and B channels
// of an opaque RGBA image. Missing channels stay zero.
func StackChannels(masks ...*tile.Image) (*tile.Image, error) {
	if len(masks) == 0 || len(masks) > 3 {
		return nil, fmt.Errorf("mask: stack needs 1 to 3 masks, got %d", len(masks))
	}
	if err := sameSize(masks); err != nil {
		return nil, err
	}
	out := tile.NewImage(masks[0].Width, masks[0].Height, 4)
	for p := 0; p < out.Width*out.Height; p++ {
		for c, m := range masks {
			out.Pix[p*4+c] = m.Pix[p]
		}
		out.Pix[p*4+3] = 0xff
	}
	return out, nil
}

// Rotate90CW rotates an image a quarter turn clockwise
func Rotate90CW(img *tile.Image) *tile.Image {
	b := img.Bands
	out := tile.NewImage(img.Height, img.Width, b)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			// (x, y) moves to (h-1-y, x)
			src := y*img.Stride() + x*b
			dst := x*out.Stride() + (img.Height-1-y)*b
			copy(out.Pix[dst:dst+b], img.Pix[src:src+b])
		}
	}
	return out
}

func sameSize(masks []*tile.Image) error {
	w, h := masks[0].Width, masks[0].Height
	for i, m := range masks {
		if m.Bands != 1 {
			return fmt.Errorf("mask: input %d has %d bands, want 1", i, m.Bands)
		}
		if m.Width != w || m.Height != h {
			return fmt.Errorf("mask: input %d is %dx%d, want %dx%d", i, m.Width, m.Height, w, h)
		}
	}
	return nil
}

// Layer is one land-cover layer of an ArcGIS map service
type Layer struct {
	Name string
	ID   int
}

// ParseLayer parses "name=id"
func ParseLayer(s string) (Layer, error) {
	name, id, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return Layer{}, &tile.ConfigurationError{Field: "layer", Message: fmt.Sprintf("layer must be name=id, got %q", s)}
	}
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil || n < 0 {
		return Layer{}, &tile.ConfigurationError{Field: "layer", Message: fmt.Sprintf("invalid layer id in %q", s), Err: err}
	}
	name = strings.TrimSpace(name)
	if reserved[strcase.ToSnake(name)] {
		return Layer{}, &tile.ConfigurationError{Field: "layer", Message: fmt.Sprintf("layer name %q collides with a combined mask file", name)}
	}
	return Layer{Name: name, ID: n}, nil
}

// names of the combined outputs written next to the per-layer masks
var reserved = map[string]bool{"all": true, "channels": true}

// ShowParam is the ArcGIS "layers" value selecting only this layer
func (l Layer) ShowParam() string {
	return "show:" + strconv.Itoa(l.ID)
}

// FileName is "<prefix>_<layer>.png" with the layer name in snake case
func FileName(prefix, name string) string {
	return prefix + "_" + strcase.ToSnake(name) + ".png"
}
