// Package pipeline runs the census producer loop: capture, detect, track,
// annotate, publish. Exactly one Producer owns the capture source and the
// tracker; every other component consumes published snapshots.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/capture"
	"github.com/crowdsense-data/crowdsense/internal/census"
	"github.com/crowdsense-data/crowdsense/internal/monitoring"
	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// SnapshotObserver receives every published snapshot synchronously on the
// producer goroutine. Implementations must be fast; anything slow belongs
// on a bus subscription instead.
type SnapshotObserver interface {
	Observe(*census.Snapshot)
}

// Producer is the single owner of the capture source. Run drives the
// cycle until the context is cancelled or the capture failure budget is
// exhausted.
type Producer struct {
	Source  capture.Source
	Cascade *vision.Cascade
	Tracker *track.Tracker
	Bus     *census.Bus

	// Observer is an optional synchronous sink for published snapshots.
	Observer SnapshotObserver

	Clock timeutil.Clock

	// FrameSkip runs the cascade on every n-th captured frame. Skipped
	// frames are drained from the source but produce no cycle.
	FrameSkip int

	// CaptureTimeout bounds one Read; a timed-out read counts as a
	// capture failure.
	CaptureTimeout time.Duration

	// MaxCaptureFailures is the consecutive failure budget. Exceeding it
	// makes Run return an error; supervision-level restarts are the
	// caller's job.
	MaxCaptureFailures int

	// JPEGQuality for the annotated snapshot image.
	JPEGQuality int
}

// isNilInterface checks if an interface value holds a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Run executes the producer loop. It returns nil on context cancellation
// after finishing the in-flight cycle, or an error when capture fails
// beyond the budget.
func (p *Producer) Run(ctx context.Context) error {
	if p.Clock == nil {
		p.Clock = timeutil.RealClock{}
	}
	frameSkip := p.FrameSkip
	if frameSkip < 1 {
		frameSkip = 1
	}

	monitoring.Logf("[Producer] starting: frame skip %d, capture timeout %s, failure budget %d",
		frameSkip, p.CaptureTimeout, p.MaxCaptureFailures)

	var captured uint64
	failures := 0
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Producer] stopping: %v", ctx.Err())
			return nil
		default:
		}

		frame, err := p.readFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				monitoring.Logf("[Producer] stopping: %v", ctx.Err())
				return nil
			}
			failures++
			monitoring.Logf("[Producer] capture failure %d/%d: %v", failures, p.MaxCaptureFailures, err)
			if p.MaxCaptureFailures > 0 && failures >= p.MaxCaptureFailures {
				return fmt.Errorf("capture failed %d consecutive times: %w", failures, err)
			}
			continue
		}
		failures = 0

		captured++
		if captured%uint64(frameSkip) != 0 {
			continue
		}

		p.cycle(frame)
	}
}

// readFrame reads one frame, bounded by CaptureTimeout on the producer's
// clock so tests can drive timeouts.
func (p *Producer) readFrame(ctx context.Context) (*vision.Frame, error) {
	if p.CaptureTimeout <= 0 {
		return p.Source.Read(ctx)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		frame *vision.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := p.Source.Read(readCtx)
		ch <- result{frame, err}
	}()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-p.Clock.After(p.CaptureTimeout):
		cancel()
		<-ch
		return nil, fmt.Errorf("frame read exceeded %s", p.CaptureTimeout)
	}
}

// cycle runs detection, tracking, annotation, and publish for one frame.
// Inference errors inside the cascade surface as empty detections; the
// cycle always publishes.
func (p *Producer) cycle(frame *vision.Frame) {
	dets := p.Cascade.Detect(frame)
	p.Tracker.Update(dets)

	tracks := p.Tracker.Tracks()
	summaries := census.Summarize(tracks)

	overlays := make([]vision.Overlay, 0, len(tracks))
	for _, t := range tracks {
		g := t.ResolvedGender()
		c := vision.ColorUnknown
		switch g {
		case vision.GenderMale:
			c = vision.ColorMale
		case vision.GenderFemale:
			c = vision.ColorFemale
		}
		overlays = append(overlays, vision.Overlay{
			Box:   t.Box,
			Label: fmt.Sprintf("#%d %s", t.ID, g),
			Color: c,
		})
	}

	var annotated []byte
	jpeg, err := vision.EncodeJPEG(vision.Annotate(frame.Image, overlays), p.JPEGQuality)
	if err != nil {
		monitoring.Logf("[Producer] annotation encode failed: %v", err)
	} else {
		annotated = jpeg
	}

	snap := &census.Snapshot{
		Timestamp:     frame.Timestamp,
		Cycle:         p.Tracker.Cycle(),
		Counts:        p.Tracker.Counts(),
		Tracks:        summaries,
		AnnotatedJPEG: annotated,
	}
	p.Bus.Publish(snap)
	monitoring.Tracef("[Producer] cycle %d: total=%d male=%d female=%d",
		snap.Cycle, snap.Counts.Total, snap.Counts.Male, snap.Counts.Female)

	if !isNilInterface(p.Observer) {
		p.Observer.Observe(snap)
	}
}
