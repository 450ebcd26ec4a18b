package tile

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/tiff"
)

// ErrUnknownImageFormat is returned for payloads that are not PNG, JPEG or TIFF
var ErrUnknownImageFormat = errors.New("unrecognized image format")

var (
	sigPNG    = []byte{0x89, 0x50, 0x4E, 0x47}
	sigJPEG   = []byte{0xFF, 0xD8}
	sigTIFFLE = []byte{'I', 'I', 42, 0}
	sigTIFFBE = []byte{'M', 'M', 0, 42}
)

// Decode detects the payload format and decodes it into an Image with the
// requested band count (1 or 4).
func Decode(data []byte, bands int) (*Image, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case bytes.HasPrefix(data, sigPNG):
		img, err = png.Decode(bytes.NewReader(data))
	case bytes.HasPrefix(data, sigJPEG):
		img, err = jpeg.Decode(bytes.NewReader(data))
	case bytes.HasPrefix(data, sigTIFFLE), bytes.HasPrefix(data, sigTIFFBE):
		img, err = tiff.Decode(bytes.NewReader(data))
	default:
		return nil, ErrUnknownImageFormat
	}
	if err != nil {
		return nil, err
	}
	return FromImage(img, bands)
}

// FromImage converts any image.Image to an Image with the given band count
func FromImage(img image.Image, bands int) (*Image, error) {
	b := img.Bounds()
	switch bands {
	case 1:
		gray, ok := img.(*image.Gray)
		if !ok || gray.Stride != b.Dx() || b.Min != (image.Point{}) {
			gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
			draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		}
		return &Image{Pix: gray.Pix, Width: b.Dx(), Height: b.Dy(), Bands: 1}, nil
	case 4:
		// NRGBA keeps straight alpha, which is what PNG and TIFF store
		rgba, ok := img.(*image.NRGBA)
		if !ok || rgba.Stride != 4*b.Dx() || b.Min != (image.Point{}) {
			rgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
			draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
		}
		return &Image{Pix: rgba.Pix, Width: b.Dx(), Height: b.Dy(), Bands: 4}, nil
	}
	return nil, fmt.Errorf("unsupported band count %d", bands)
}

// ErrNotEightBit is returned when an 8-bit encoding is asked of float samples
var ErrNotEightBit = errors.New("image has float32 samples; render it to 8 bits first")

// ToImage wraps an 8-bit buffer as a standard library image without copying
func (im *Image) ToImage() image.Image {
	r := image.Rect(0, 0, im.Width, im.Height)
	if im.Bands == 1 {
		return &image.Gray{Pix: im.Pix, Stride: im.Stride(), Rect: r}
	}
	return &image.NRGBA{Pix: im.Pix, Stride: im.Stride(), Rect: r}
}

// EncodePNG writes the image as PNG
func EncodePNG(im *Image) ([]byte, error) {
	if im.Type != Uint8 {
		return nil, ErrNotEightBit
	}
	var out bytes.Buffer
	if err := png.Encode(&out, im.ToImage()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
