package capture

import (
	"context"
	"testing"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

func newTestSynthetic() (*Synthetic, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewSynthetic(1280, 720, 15, clock), clock
}

func readFrame(t *testing.T, s *Synthetic, clock *timeutil.MockClock) *vision.Frame {
	t.Helper()
	type result struct {
		frame *vision.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.Read(context.Background())
		ch <- result{f, err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(100 * time.Millisecond)
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("Read: %v", r.err)
			}
			return r.frame
		case <-deadline:
			t.Fatal("Read never returned")
		default:
		}
	}
}

func TestReadProducesSequencedFrames(t *testing.T) {
	s, clock := newTestSynthetic()
	defer s.Close()

	f1 := readFrame(t, s, clock)
	f2 := readFrame(t, s, clock)

	if f1.Seq != 1 || f2.Seq != 2 {
		t.Errorf("sequences = %d, %d, want 1, 2", f1.Seq, f2.Seq)
	}
	if f1.Image.Bounds().Dx() != 1280 || f1.Image.Bounds().Dy() != 720 {
		t.Errorf("frame bounds = %v", f1.Image.Bounds())
	}
}

func TestReadHonorsContextCancellation(t *testing.T) {
	s, _ := newTestSynthetic()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Read(ctx); err != context.Canceled {
		t.Errorf("Read = %v, want context.Canceled", err)
	}
}

func TestReadAfterCloseFails(t *testing.T) {
	s, clock := newTestSynthetic()
	readFrame(t, s, clock)
	s.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		errCh <- err
	}()
	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(100 * time.Millisecond)
		select {
		case err := <-errCh:
			if err != ErrSourceClosed {
				t.Errorf("Read after Close = %v, want ErrSourceClosed", err)
			}
			return
		case <-deadline:
			t.Fatal("Read never returned after Close")
		default:
		}
	}
}

func TestGroundTruthMatchesRenderedScene(t *testing.T) {
	s, clock := newTestSynthetic()
	defer s.Close()

	frame := readFrame(t, s, clock)

	dets, err := s.DetectPersons(frame.Image)
	if err != nil {
		t.Fatalf("DetectPersons: %v", err)
	}
	if len(dets) == 0 {
		t.Fatal("no walkers visible in the opening scene")
	}

	background := frame.Image.RGBAAt(5, 5)
	for _, d := range dets {
		// The center of a reported body box is drawn, not background.
		cx := (d.Box.Min.X + d.Box.Max.X) / 2
		cy := (d.Box.Min.Y + d.Box.Max.Y) / 2
		if frame.Image.RGBAAt(cx, cy) == background {
			t.Errorf("reported walker at %v but center pixel is background", d.Box)
		}
	}
}

func TestCascadeOverSyntheticScene(t *testing.T) {
	s, clock := newTestSynthetic()
	defer s.Close()

	c := &vision.Cascade{
		Persons:         s,
		Faces:           s,
		Genders:         s,
		PersonThreshold: 0.75,
		FaceThreshold:   0.60,
		GenderThreshold: 0.75,
		OverlapIoU:      0.4,
	}

	frame := readFrame(t, s, clock)
	persons := c.Detect(frame)
	if len(persons) == 0 {
		t.Fatal("cascade found nobody in the synthetic scene")
	}

	var withGender int
	for _, p := range persons {
		if p.Gender != nil {
			withGender++
			if p.Gender.Label == vision.GenderUnknown {
				t.Error("observation carries an unknown label")
			}
		}
	}
	if withGender == 0 {
		t.Error("no walker resolved a gender observation")
	}
}
