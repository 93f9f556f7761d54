package vision

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay is one labelled box to draw onto an annotated frame.
type Overlay struct {
	Box   image.Rectangle
	Label string
	Color color.RGBA
}

// Colors used for track overlays, keyed by resolved gender.
var (
	ColorMale    = color.RGBA{66, 135, 245, 255}
	ColorFemale  = color.RGBA{235, 64, 129, 255}
	ColorUnknown = color.RGBA{160, 160, 160, 255}
)

const borderWidth = 2

// Annotate returns a copy of the frame with the given overlays drawn on.
// The source image is never modified; the annotated copy is what gets
// encoded into snapshots, so it must not share pixels with the frame the
// producer will reuse.
func Annotate(src *image.RGBA, overlays []Overlay) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, ov := range overlays {
		box := ov.Box.Intersect(dst.Bounds())
		if box.Empty() {
			continue
		}
		drawBorder(dst, box, ov.Color)
		if ov.Label != "" {
			drawLabel(dst, box, ov.Label, ov.Color)
		}
	}
	return dst
}

func drawBorder(dst *image.RGBA, box image.Rectangle, c color.RGBA) {
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+borderWidth),
		image.Rect(box.Min.X, box.Max.Y-borderWidth, box.Max.X, box.Max.Y),
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+borderWidth, box.Max.Y),
		image.Rect(box.Max.X-borderWidth, box.Min.Y, box.Max.X, box.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), &image.Uniform{c}, image.Point{}, draw.Src)
	}
}

// drawLabel renders the label above the box on a filled background strip,
// or inside the box when there is no room above.
func drawLabel(dst *image.RGBA, box image.Rectangle, label string, c color.RGBA) {
	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()

	strip := image.Rect(box.Min.X, box.Min.Y-textH-2, box.Min.X+textW+6, box.Min.Y)
	if strip.Min.Y < dst.Bounds().Min.Y {
		strip = strip.Add(image.Pt(0, textH+2+borderWidth))
	}
	strip = strip.Intersect(dst.Bounds())
	if strip.Empty() {
		return
	}
	draw.Draw(dst, strip, &image.Uniform{c}, image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(strip.Min.X + 3),
			Y: fixed.I(strip.Max.Y - 3),
		},
	}
	d.DrawString(label)
}

// EncodeJPEG encodes an image at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
