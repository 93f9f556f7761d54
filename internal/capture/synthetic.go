package capture

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// walker is one scripted person in the synthetic scene. Walkers bounce
// off the frame edges and appear/disappear on a fixed duty cycle so the
// scene's population and dominant gender change over time.
type walker struct {
	gender vision.Gender
	x, y   float64
	vx, vy float64
	w, h   int

	// Visible while frameCount%period < visibleFor.
	period     uint64
	visibleFor uint64
}

func (w *walker) visible(frame uint64) bool {
	if w.period == 0 {
		return true
	}
	return frame%w.period < w.visibleFor
}

func (w *walker) box() image.Rectangle {
	return image.Rect(int(w.x)-w.w/2, int(w.y)-w.h/2, int(w.x)+w.w/2, int(w.y)+w.h/2)
}

// faceBox is the head region at the top of the walker's body box.
func (w *walker) faceBox() image.Rectangle {
	b := w.box()
	size := w.w / 2
	cx := (b.Min.X + b.Max.X) / 2
	return image.Rect(cx-size/2, b.Min.Y+4, cx+size/2, b.Min.Y+4+size)
}

// Synthetic is a camera-free frame source for development. It renders a
// scripted scene and, because it knows exactly what it drew, it can stand
// in for the detector stages too: wire it as the capture source and all
// three model backends and the whole pipeline runs with no camera, no
// model files, and no native runtime.
type Synthetic struct {
	clock  timeutil.Clock
	width  int
	height int

	// interval paces Read to the configured frame rate.
	interval time.Duration

	mu     sync.Mutex
	frames uint64
	cast   []*walker
	closed bool
}

// NewSynthetic builds a synthetic source with a default cast: two male
// walkers, two female walkers, and one whose face stays hidden, on duty
// cycles that shift the dominant gender every minute or so at 15 fps.
func NewSynthetic(width, height int, targetFPS float64, clock timeutil.Clock) *Synthetic {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if targetFPS <= 0 {
		targetFPS = 15
	}
	fw, fh := float64(width), float64(height)
	return &Synthetic{
		clock:    clock,
		width:    width,
		height:   height,
		interval: time.Duration(float64(time.Second) / targetFPS),
		cast: []*walker{
			{gender: vision.GenderMale, x: fw * 0.2, y: fh * 0.5, vx: 2.1, vy: 0.4, w: 90, h: 240, period: 1800, visibleFor: 1500},
			{gender: vision.GenderMale, x: fw * 0.7, y: fh * 0.4, vx: -1.4, vy: 0.9, w: 84, h: 220, period: 2400, visibleFor: 1300},
			{gender: vision.GenderFemale, x: fw * 0.5, y: fh * 0.6, vx: 1.7, vy: -0.6, w: 80, h: 215, period: 1800, visibleFor: 1100},
			{gender: vision.GenderFemale, x: fw * 0.85, y: fh * 0.55, vx: -2.3, vy: -0.3, w: 86, h: 230, period: 2400, visibleFor: 2100},
			// Face never detected: exercises the unknown-gender path.
			{gender: vision.GenderUnknown, x: fw * 0.35, y: fh * 0.45, vx: 1.1, vy: 1.2, w: 88, h: 225, period: 3000, visibleFor: 900},
		},
	}
}

// Read renders the next frame of the scripted scene, paced to the target
// frame rate.
func (s *Synthetic) Read(ctx context.Context) (*vision.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.clock.After(s.interval):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	s.frames++
	s.advance()

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{34, 34, 40, 255}}, image.Point{}, draw.Src)
	for _, w := range s.cast {
		if !w.visible(s.frames) {
			continue
		}
		body := w.box().Intersect(img.Bounds())
		draw.Draw(img, body, &image.Uniform{color.RGBA{120, 120, 140, 255}}, image.Point{}, draw.Src)
		if w.gender != vision.GenderUnknown {
			face := w.faceBox().Intersect(img.Bounds())
			draw.Draw(img, face, &image.Uniform{color.RGBA{224, 190, 170, 255}}, image.Point{}, draw.Src)
		}
	}

	return &vision.Frame{
		Seq:       s.frames,
		Timestamp: s.clock.Now(),
		Image:     img,
	}, nil
}

// advance moves every walker one step, bouncing off the frame edges.
func (s *Synthetic) advance() {
	for _, w := range s.cast {
		w.x += w.vx
		w.y += w.vy
		if w.x < float64(w.w)/2 || w.x > float64(s.width)-float64(w.w)/2 {
			w.vx = -w.vx
			w.x += 2 * w.vx
		}
		if w.y < float64(w.h)/2 || w.y > float64(s.height)-float64(w.h)/2 {
			w.vy = -w.vy
			w.y += 2 * w.vy
		}
	}
}

// Close stops the source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// DetectPersons reports the walkers visible in the most recently rendered
// frame. The producer runs detection immediately after Read, before the
// scene advances again, so ground truth and frame content agree.
func (s *Synthetic) DetectPersons(img *image.RGBA) ([]vision.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dets []vision.Detection
	for _, w := range s.cast {
		if !w.visible(s.frames) {
			continue
		}
		box := w.box().Intersect(img.Bounds())
		if box.Empty() {
			continue
		}
		dets = append(dets, vision.Detection{Box: box, Label: "person", Confidence: 0.95})
	}
	return dets, nil
}

// DetectFaces reports the face of the walker whose body occupies the
// region, when that walker shows one.
func (s *Synthetic) DetectFaces(img *image.RGBA, region image.Rectangle) ([]vision.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dets []vision.Detection
	for _, w := range s.cast {
		if !w.visible(s.frames) || w.gender == vision.GenderUnknown {
			continue
		}
		face := w.faceBox()
		if !face.Overlaps(region) {
			continue
		}
		dets = append(dets, vision.Detection{Box: face.Intersect(region), Label: "face", Confidence: 0.9})
	}
	return dets, nil
}

// ClassifyGender reports the scripted gender of the walker whose face
// region was cropped.
func (s *Synthetic) ClassifyGender(img *image.RGBA, face image.Rectangle) (vision.GenderObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.cast {
		if !w.visible(s.frames) {
			continue
		}
		if w.faceBox().Overlaps(face) {
			return vision.GenderObservation{Label: w.gender, Confidence: 0.92}, nil
		}
	}
	return vision.GenderObservation{Label: vision.GenderUnknown}, nil
}
