// Package imageprep validates uploaded photos and shrinks oversized ones
// before they are sent to the face detector.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned for data that is not a decodable image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// DefaultMaxPixels caps the declared raster size of an upload (40 megapixels).
const DefaultMaxPixels = 40_000_000

const jpegQuality = 90

// Image is a photo ready to be sent to the detector.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
	// Resized is true when Data was re-encoded as JPEG.
	Resized bool
}

// Prepare decodes data and, when its longest side exceeds maxDimension,
// scales it down and re-encodes it as JPEG. A maxDimension <= 0 disables scaling.
//
// Images whose header declares more than maxPixels pixels are rejected before
// any pixel data is decoded. A maxPixels <= 0 applies DefaultMaxPixels.
func Prepare(data []byte, maxDimension, maxPixels int) (*Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedFormat)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedFormat, cfg.Width, cfg.Height, maxPixels)
	}

	out := &Image{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}
	if maxDimension <= 0 || (cfg.Width <= maxDimension && cfg.Height <= maxDimension) {
		return out, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	width, height := fit(cfg.Width, cfg.Height, maxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}
	return &Image{
		Data:    buf.Bytes(),
		Format:  "jpeg",
		Width:   width,
		Height:  height,
		Resized: true,
	}, nil
}

// fit scales (w, h) so the longest side equals limit, keeping the aspect ratio.
func fit(w, h, limit int) (int, int) {
	if w >= h {
		nh := h * limit / w
		if nh < 1 {
			nh = 1
		}
		return limit, nh
	}
	nw := w * limit / h
	if nw < 1 {
		nw = 1
	}
	return nw, limit
}
