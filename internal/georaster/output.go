package georaster

import (
	"bytes"
	"fmt"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// Encode serializes the raster in the given format
func Encode(w io.Writer, r *GeoRaster, format tile.Format) error {
	switch format {
	case tile.FormatGeoTIFF:
		return WriteGeoTIFF(w, r)
	case tile.FormatPNG:
		if r.Image.Type != tile.Uint8 {
			return tile.ErrNotEightBit
		}
		return png.Encode(w, r.Image.ToImage())
	}
	return fmt.Errorf("unknown format %v", format)
}

// Bytes encodes the raster into memory
func Bytes(r *GeoRaster, format tile.Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the raster atomically and, when worldFile is set, an ESRI
// world file next to it. It returns the paths written.
func Save(path string, r *GeoRaster, format tile.Format, worldFile bool) ([]string, error) {
	if path == "" {
		return nil, &tile.ConfigurationError{Field: "output", Message: "output path is required"}
	}
	var err error
	if format == tile.FormatGeoTIFF {
		err = WriteFileAtomicPath(path, func(tmp string) error {
			return WriteGeoTIFFFile(tmp, r)
		})
	} else {
		err = WriteFileAtomic(path, func(w io.Writer) error {
			return Encode(w, r, format)
		})
	}
	if err != nil {
		return nil, err
	}
	written := []string{path}

	if worldFile {
		wf := WorldFilePath(path, format)
		if err := WriteFileAtomic(wf, func(w io.Writer) error {
			_, err := w.Write(WorldFile(r.Transform))
			return err
		}); err != nil {
			return written, err
		}
		written = append(written, wf)
	}
	return written, nil
}

// WorldFilePath replaces the extension of path with the world file one
func WorldFilePath(path string, format tile.Format) string {
	ext := ".tfw"
	if format == tile.FormatPNG {
		ext = ".pgw"
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// WorldFile renders the six-line ESRI world file. World files reference
// the centre of the top-left pixel.
func WorldFile(t Affine) []byte {
	cx, cy := t.Apply(0.5, 0.5)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", t[1])
	fmt.Fprintf(&buf, "%24.10f\n", t[4])
	fmt.Fprintf(&buf, "%24.10f\n", t[2])
	fmt.Fprintf(&buf, "%24.10f\n", t[5])
	fmt.Fprintf(&buf, "%24.10f\n", cx)
	fmt.Fprintf(&buf, "%24.10f\n", cy)
	return buf.Bytes()
}
