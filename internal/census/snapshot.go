// Package census publishes the pipeline's per-cycle output: an immutable
// snapshot of counts, track summaries, and the annotated frame. Exactly
// one producer publishes; any number of consumers read, each tolerating
// snapshots older than the camera's current frame.
package census

import (
	"time"

	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// BoxSummary is a JSON-friendly bounding box.
type BoxSummary struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TrackSummary is the published view of one live track.
type TrackSummary struct {
	ID             int64         `json:"id"`
	Box            BoxSummary    `json:"box"`
	Gender         vision.Gender `json:"gender"`
	State          track.State   `json:"state"`
	DisappearedFor int           `json:"disappeared_for,omitempty"`
}

// Snapshot is one internally consistent published state. Snapshots are
// immutable after publish; consumers must never mutate one.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Cycle     uint64         `json:"cycle"`
	Counts    track.Counts   `json:"counts"`
	Tracks    []TrackSummary `json:"tracks"`

	// AnnotatedJPEG is the annotated frame, ready to serve. Empty when
	// annotation is disabled.
	AnnotatedJPEG []byte `json:"-"`
}

// Summarize converts live tracks into their published form.
func Summarize(tracks []*track.Track) []TrackSummary {
	out := make([]TrackSummary, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, TrackSummary{
			ID: t.ID,
			Box: BoxSummary{
				X:      t.Box.Min.X,
				Y:      t.Box.Min.Y,
				Width:  t.Box.Dx(),
				Height: t.Box.Dy(),
			},
			Gender:         t.ResolvedGender(),
			State:          t.State,
			DisappearedFor: t.DisappearedFor(),
		})
	}
	return out
}
