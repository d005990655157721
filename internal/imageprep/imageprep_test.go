package imageprep

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestPrepareKeepsSmallImages(t *testing.T) {
	data := encodePNG(t, 40, 30)

	img, err := Prepare(data, 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Resized || img.Format != "png" {
		t.Fatalf("expected untouched png, got %+v", img)
	}
	if !bytes.Equal(img.Data, data) {
		t.Fatal("expected original bytes to be kept")
	}
}

func TestPrepareScalesLargeImages(t *testing.T) {
	img, err := Prepare(encodePNG(t, 200, 100), 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !img.Resized || img.Format != "jpeg" {
		t.Fatalf("expected resized jpeg, got format=%s resized=%t", img.Format, img.Resized)
	}
	if img.Width != 50 || img.Height != 25 {
		t.Fatalf("expected 50x25, got %dx%d", img.Width, img.Height)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
	if err != nil {
		t.Fatalf("resized data is not a jpeg: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Fatalf("unexpected decoded bounds %v", b)
	}
}

func TestPrepareScalingDisabled(t *testing.T) {
	img, err := Prepare(encodePNG(t, 200, 100), 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Resized {
		t.Fatal("expected no scaling when disabled")
	}
}

func TestPrepareRejectsNonImages(t *testing.T) {
	_, err := Prepare([]byte("definitely not an image"), 100, 0)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFitPortrait(t *testing.T) {
	w, h := fit(300, 1200, 600)
	if w != 150 || h != 600 {
		t.Fatalf("expected 150x600, got %dx%d", w, h)
	}
}

// withDeclaredSize rewrites the IHDR dimensions of a PNG without touching its
// pixel data, so the header claims a raster far larger than the payload.
func withDeclaredSize(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	if string(out[12:16]) != "IHDR" {
		t.Fatalf("expected IHDR chunk first, got %q", out[12:16])
	}
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestPrepareRejectsOversizedDeclaredRaster(t *testing.T) {
	data := withDeclaredSize(t, encodePNG(t, 8, 8), 8000, 8000)

	_, err := Prepare(data, 1600, 0)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestPrepareHonoursPixelLimit(t *testing.T) {
	data := encodePNG(t, 20, 10)

	if _, err := Prepare(data, 0, 200); err != nil {
		t.Fatalf("expected image at the limit to pass, got %v", err)
	}
	if _, err := Prepare(data, 0, 199); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat above the limit, got %v", err)
	}
}
