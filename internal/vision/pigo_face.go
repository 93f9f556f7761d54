package vision

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// PigoFaceDetector implements the face stage with the pigo pixel-intensity
// comparison cascade. It runs entirely on the CPU with no native runtime,
// which keeps the face stage available even on boxes without onnxruntime.
type PigoFaceDetector struct {
	classifier *pigo.Pigo

	// MinFaceSize rejects candidate windows smaller than this many pixels;
	// tiny windows are dominated by noise.
	MinFaceSize int

	// ShiftFactor and ScaleFactor control the sliding-window sweep.
	ShiftFactor float64
	ScaleFactor float64
}

// qualityScale maps pigo's unbounded quality score onto [0, 1] so the
// cascade threshold applies uniformly across stage backends. A quality of
// 10 or more saturates to full confidence.
const qualityScale = 10.0

// NewPigoFaceDetector loads and unpacks a pigo cascade file. A missing or
// corrupt cascade is a model-load failure: fatal at startup, there is no
// cascade-less mode.
func NewPigoFaceDetector(cascadePath string) (*PigoFaceDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read face cascade %q: %w", cascadePath, err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade %q: %w", cascadePath, err)
	}
	return &PigoFaceDetector{
		classifier:  classifier,
		MinFaceSize: 20,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
	}, nil
}

// DetectFaces runs the pigo cascade over the person sub-region only, never
// the full frame. Returned boxes are in full-frame coordinates.
func (d *PigoFaceDetector) DetectFaces(img *image.RGBA, region image.Rectangle) ([]Detection, error) {
	region = region.Intersect(img.Bounds())
	rows, cols := region.Dy(), region.Dx()
	if rows < d.MinFaceSize || cols < d.MinFaceSize {
		return nil, nil
	}

	gray := grayscaleRegion(img, region)

	maxSize := rows
	if cols < rows {
		maxSize = cols
	}

	params := pigo.CascadeParams{
		MinSize:     d.MinFaceSize,
		MaxSize:     maxSize,
		ShiftFactor: d.ShiftFactor,
		ScaleFactor: d.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, 0.2)

	out := make([]Detection, 0, len(dets))
	for _, det := range dets {
		half := det.Scale / 2
		box := image.Rect(
			region.Min.X+det.Col-half,
			region.Min.Y+det.Row-half,
			region.Min.X+det.Col+half,
			region.Min.Y+det.Row+half,
		).Intersect(region)
		if box.Empty() {
			continue
		}
		conf := float64(det.Q) / qualityScale
		if conf > 1 {
			conf = 1
		}
		out = append(out, Detection{Box: box, Label: "face", Confidence: conf})
	}
	return out, nil
}

// grayscaleRegion extracts a region as 8-bit luma, row-major.
func grayscaleRegion(img *image.RGBA, region image.Rectangle) []uint8 {
	rows, cols := region.Dy(), region.Dx()
	gray := make([]uint8, rows*cols)
	for y := 0; y < rows; y++ {
		off := img.PixOffset(region.Min.X, region.Min.Y+y)
		for x := 0; x < cols; x++ {
			r := img.Pix[off]
			g := img.Pix[off+1]
			b := img.Pix[off+2]
			// Integer Rec. 601 luma.
			gray[y*cols+x] = uint8((299*int(r) + 587*int(g) + 114*int(b)) / 1000)
			off += 4
		}
	}
	return gray
}
