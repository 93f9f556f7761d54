package vision

import (
	"bytes"
	"image"
	"image/color"
	"testing"
)

func TestAnnotateDoesNotModifySource(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	before := make([]uint8, len(src.Pix))
	copy(before, src.Pix)

	dst := Annotate(src, []Overlay{
		{Box: image.Rect(10, 10, 60, 60), Label: "1 male", Color: ColorMale},
	})

	if !bytes.Equal(before, src.Pix) {
		t.Error("Annotate modified the source image")
	}
	if dst == src {
		t.Error("Annotate returned the source image")
	}
}

func TestAnnotateDrawsBorder(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	dst := Annotate(src, []Overlay{
		{Box: image.Rect(20, 30, 80, 90), Color: ColorFemale},
	})

	if got := dst.RGBAAt(20, 30); got != ColorFemale {
		t.Errorf("top-left border pixel = %v, want %v", got, ColorFemale)
	}
	if got := dst.RGBAAt(79, 89); got != ColorFemale {
		t.Errorf("bottom-right border pixel = %v, want %v", got, ColorFemale)
	}
	// Interior stays untouched.
	if got := dst.RGBAAt(50, 60); got != (color.RGBA{0, 0, 0, 0}) {
		t.Errorf("interior pixel = %v, want untouched", got)
	}
}

func TestAnnotateClipsOutOfBoundsOverlay(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 50, 50))
	// Must not panic and must ignore the fully out-of-bounds box.
	dst := Annotate(src, []Overlay{
		{Box: image.Rect(-20, -20, 60, 60), Color: ColorUnknown},
		{Box: image.Rect(200, 200, 300, 300), Color: ColorUnknown},
	})
	if dst.Bounds() != src.Bounds() {
		t.Errorf("bounds changed: %v", dst.Bounds())
	}
}

func TestEncodeJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	data, err := EncodeJPEG(img, 80)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("EncodeJPEG returned empty data")
	}
	// JPEG SOI marker.
	if data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("missing JPEG SOI marker, got % x", data[:2])
	}
}
