// Package vision holds the frame and detection types shared by the capture
// source, the detector cascade, and the tracking pipeline.
package vision

import (
	"image"
	"time"
)

// Gender is an apparent-gender label produced by the gender stage.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderUnknown Gender = "unknown"
)

// Frame is a single captured image with its acquisition metadata. The
// producer loop owns a Frame exclusively for the duration of one cycle;
// anything that outlives the cycle must be copied out.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
}

// Detection is one box emitted by a single cascade stage. Detections are
// ephemeral: they exist only within the cycle that produced them.
type Detection struct {
	Box        image.Rectangle
	Label      string
	Confidence float64
}

// GenderObservation is one per-cycle gender vote for a person whose face
// was found and classified this cycle.
type GenderObservation struct {
	Label      Gender
	Confidence float64
}

// PersonDetection is the cascade's per-person output: the person box plus
// an optional gender observation. Gender is nil when the face stage found
// no candidate inside the person region this cycle.
type PersonDetection struct {
	Box        image.Rectangle
	Confidence float64
	Gender     *GenderObservation
}

// Centroid returns the center of the person box.
func (d PersonDetection) Centroid() (float64, float64) {
	return float64(d.Box.Min.X+d.Box.Max.X) / 2, float64(d.Box.Min.Y+d.Box.Max.Y) / 2
}

// IoU returns the intersection-over-union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
