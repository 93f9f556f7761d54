package vision

import (
	"image"
	"sort"

	"github.com/crowdsense-data/crowdsense/internal/monitoring"
)

// PersonDetector locates people in a full frame.
type PersonDetector interface {
	DetectPersons(img *image.RGBA) ([]Detection, error)
}

// FaceDetector locates faces within the given sub-region of a frame.
// Returned boxes are in full-frame coordinates.
type FaceDetector interface {
	DetectFaces(img *image.RGBA, region image.Rectangle) ([]Detection, error)
}

// GenderClassifier scores the apparent gender of a face crop.
type GenderClassifier interface {
	ClassifyGender(img *image.RGBA, face image.Rectangle) (GenderObservation, error)
}

// Cascade chains the three inference stages: person localisation, face
// localisation restricted to person regions, and gender classification
// restricted to face regions. Each stage applies its own confidence
// threshold; sub-threshold detections are discarded, not passed on.
//
// The cascade keeps no state across cycles, so stage thresholds can be
// retuned between runs without residue.
type Cascade struct {
	Persons PersonDetector
	Faces   FaceDetector
	Genders GenderClassifier

	PersonThreshold float64
	FaceThreshold   float64
	GenderThreshold float64

	// OverlapIoU is the limit above which two person boxes are considered
	// duplicates of the same person; the lower-confidence box is dropped.
	OverlapIoU float64

	// FacePadding expands the chosen face box by this fraction on each
	// side before gender classification. Hair and surrounding context
	// carry signal the tight face box loses.
	FacePadding float64
}

// facePaddingDefault matches the crop expansion the gender model was
// evaluated with.
const facePaddingDefault = 0.20

// Detect runs the full cascade over one frame. An inference error in any
// stage is logged and treated as an empty result for that stage this
// cycle; it never aborts the cycle.
func (c *Cascade) Detect(frame *Frame) []PersonDetection {
	if frame == nil || frame.Image == nil {
		return nil
	}

	persons, err := c.Persons.DetectPersons(frame.Image)
	if err != nil {
		monitoring.Logf("[Cascade] person stage failed: %v", err)
		return nil
	}

	kept := persons[:0]
	for _, p := range persons {
		if p.Confidence >= c.PersonThreshold {
			kept = append(kept, p)
		}
	}
	kept = c.suppressOverlaps(kept)

	out := make([]PersonDetection, 0, len(kept))
	for _, p := range kept {
		box := p.Box.Intersect(frame.Image.Bounds())
		if box.Empty() {
			continue
		}
		det := PersonDetection{Box: box, Confidence: p.Confidence}
		det.Gender = c.observeGender(frame.Image, box)
		out = append(out, det)
	}
	return out
}

// observeGender runs the face and gender stages within one person region.
// A nil return means "seen but gender unknown this cycle"; the tracker
// tolerates that.
func (c *Cascade) observeGender(img *image.RGBA, person image.Rectangle) *GenderObservation {
	faces, err := c.Faces.DetectFaces(img, person)
	if err != nil {
		monitoring.Logf("[Cascade] face stage failed: %v", err)
		return nil
	}

	best := Detection{}
	for _, f := range faces {
		if f.Confidence < c.FaceThreshold {
			continue
		}
		// The person box bounds the search; a face centred outside it
		// belongs to someone else.
		if !f.Box.Overlaps(person) {
			continue
		}
		if f.Box.Dx()*f.Box.Dy() > best.Box.Dx()*best.Box.Dy() {
			best = f
		}
	}
	if best.Box.Empty() {
		return nil
	}

	padded := c.padFace(best.Box, person)
	obs, err := c.Genders.ClassifyGender(img, padded)
	if err != nil {
		monitoring.Logf("[Cascade] gender stage failed: %v", err)
		return nil
	}
	if obs.Label == GenderUnknown || obs.Confidence < c.GenderThreshold {
		return nil
	}
	return &obs
}

// padFace expands the face box by the configured fraction, clipped to the
// enclosing person region.
func (c *Cascade) padFace(face, person image.Rectangle) image.Rectangle {
	pad := c.FacePadding
	if pad == 0 {
		pad = facePaddingDefault
	}
	dx := int(float64(face.Dx()) * pad)
	dy := int(float64(face.Dy()) * pad)
	return image.Rect(face.Min.X-dx, face.Min.Y-dy, face.Max.X+dx, face.Max.Y+dy).Intersect(person)
}

// suppressOverlaps drops person boxes that overlap a higher-confidence box
// beyond the IoU limit, merging duplicate detections of one person.
func (c *Cascade) suppressOverlaps(dets []Detection) []Detection {
	if len(dets) < 2 || c.OverlapIoU <= 0 {
		return dets
	}

	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		duplicate := false
		for _, k := range kept {
			if IoU(d.Box, k.Box) > c.OverlapIoU {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, d)
		}
	}
	return kept
}
