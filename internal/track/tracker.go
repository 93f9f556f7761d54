// Package track maintains persistent identities over per-cycle person
// detections. Identity is centroid proximity: each cycle the tracker pairs
// existing tracks with new detections globally closest first, carries
// unmatched tracks through a disappearance grace period, and accumulates
// bounded gender votes per track.
package track

import (
	"image"
	"math"
	"sort"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// State is a track's lifecycle phase.
type State string

const (
	// StateActive means the track was matched to a detection this cycle.
	StateActive State = "active"
	// StateStale means the track missed at least one cycle but is still
	// within the disappearance grace period.
	StateStale State = "stale"
	// StateRemoved means the track exceeded the grace period. Removed
	// tracks are dropped at the end of the cycle; their IDs are never
	// reused.
	StateRemoved State = "removed"
)

// trailLen bounds the per-track centroid history kept for overlays.
const trailLen = 64

// Track is one tracked person.
type Track struct {
	ID int64

	Box   image.Rectangle
	State State

	FirstSeen time.Time
	LastSeen  time.Time

	cx, cy      float64
	trail       []image.Point
	disappeared int
	votes       []vision.Gender
}

// Centroid returns the track's last known center position.
func (t *Track) Centroid() (float64, float64) {
	return t.cx, t.cy
}

// Trail returns the recent centroid history, oldest first.
func (t *Track) Trail() []image.Point {
	out := make([]image.Point, len(t.trail))
	copy(out, t.trail)
	return out
}

// DisappearedFor returns how many consecutive cycles the track has been
// unmatched. Zero while the track is active.
func (t *Track) DisappearedFor() int {
	return t.disappeared
}

// ResolvedGender returns the majority gender over the track's vote window.
// A tie or an empty window resolves to unknown; resolution never sticks,
// later votes can flip it.
func (t *Track) ResolvedGender() vision.Gender {
	var male, female int
	for _, v := range t.votes {
		switch v {
		case vision.GenderMale:
			male++
		case vision.GenderFemale:
			female++
		}
	}
	switch {
	case male > female:
		return vision.GenderMale
	case female > male:
		return vision.GenderFemale
	default:
		return vision.GenderUnknown
	}
}

func (t *Track) observe(det vision.PersonDetection, now time.Time, voteWindow int) {
	t.Box = det.Box
	t.cx, t.cy = det.Centroid()
	t.LastSeen = now
	t.disappeared = 0
	t.State = StateActive

	t.trail = append(t.trail, image.Pt(int(t.cx), int(t.cy)))
	if len(t.trail) > trailLen {
		t.trail = t.trail[len(t.trail)-trailLen:]
	}

	if det.Gender != nil {
		t.votes = append(t.votes, det.Gender.Label)
		if len(t.votes) > voteWindow {
			t.votes = t.votes[len(t.votes)-voteWindow:]
		}
	}
}

// Counts is the resolved census for one cycle. Tracks whose gender is
// unresolved contribute to Total only, so Total >= Male + Female always
// holds.
type Counts struct {
	Total  int `json:"total"`
	Male   int `json:"male"`
	Female int `json:"female"`
}

// Tracker associates detections with tracks across cycles. It is not safe
// for concurrent use; the producer loop is the sole caller.
type Tracker struct {
	// MatchDistance is the maximum centroid distance, in pixels, at which
	// a detection can continue an existing track.
	MatchDistance float64

	// MaxDisappeared is how many consecutive unmatched cycles a track
	// survives before removal.
	MaxDisappeared int

	// VoteWindow bounds the per-track gender vote history.
	VoteWindow int

	clock  timeutil.Clock
	nextID int64
	tracks []*Track
	cycle  uint64
}

// New returns a Tracker with the given association parameters.
func New(matchDistance float64, maxDisappeared, voteWindow int, clock timeutil.Clock) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		MatchDistance:  matchDistance,
		MaxDisappeared: maxDisappeared,
		VoteWindow:     voteWindow,
		clock:          clock,
	}
}

// candidate is one feasible track/detection pairing.
type candidate struct {
	dist     float64
	trackIdx int
	detIdx   int
	dx, dy   float64
}

// Update advances the tracker by one cycle. Matched tracks absorb their
// detection, unmatched detections become new tracks, and unmatched tracks
// age toward removal. The association is greedy over globally smallest
// distances, so a closer pair always wins over a farther one regardless of
// input order.
func (tr *Tracker) Update(dets []vision.PersonDetection) {
	now := tr.clock.Now()
	tr.cycle++

	// Feasible pairings only: distance beyond MatchDistance can never
	// continue a track.
	var cands []candidate
	for ti, t := range tr.tracks {
		for di, d := range dets {
			dx, dy := d.Centroid()
			dist := math.Hypot(dx-t.cx, dy-t.cy)
			if dist <= tr.MatchDistance {
				cands = append(cands, candidate{dist: dist, trackIdx: ti, detIdx: di, dx: dx, dy: dy})
			}
		}
	}

	// Equal distances break by track age, then by detection position,
	// keeping the outcome independent of detection input order. Two
	// detections at the same position are interchangeable.
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if tr.tracks[a.trackIdx].ID != tr.tracks[b.trackIdx].ID {
			return tr.tracks[a.trackIdx].ID < tr.tracks[b.trackIdx].ID
		}
		if a.dx != b.dx {
			return a.dx < b.dx
		}
		return a.dy < b.dy
	})

	matchedTracks := make([]bool, len(tr.tracks))
	matchedDets := make([]bool, len(dets))
	for _, c := range cands {
		if matchedTracks[c.trackIdx] || matchedDets[c.detIdx] {
			continue
		}
		matchedTracks[c.trackIdx] = true
		matchedDets[c.detIdx] = true
		tr.tracks[c.trackIdx].observe(dets[c.detIdx], now, tr.VoteWindow)
	}

	// Unmatched tracks age; those past the grace period are removed and
	// their IDs retired for good.
	kept := tr.tracks[:0]
	for ti, t := range tr.tracks {
		if matchedTracks[ti] {
			kept = append(kept, t)
			continue
		}
		t.disappeared++
		if t.disappeared > tr.MaxDisappeared {
			t.State = StateRemoved
			continue
		}
		t.State = StateStale
		kept = append(kept, t)
	}
	tr.tracks = kept

	// Unmatched detections start new tracks.
	for di, d := range dets {
		if matchedDets[di] {
			continue
		}
		tr.nextID++
		t := &Track{
			ID:        tr.nextID,
			FirstSeen: now,
		}
		t.observe(d, now, tr.VoteWindow)
		tr.tracks = append(tr.tracks, t)
	}
}

// Counts returns the current census over active tracks only. A stale
// track is a person no longer observed; it survives for re-association
// but never inflates the published counts. Only tracks with a resolved
// majority count toward Male or Female.
func (tr *Tracker) Counts() Counts {
	var c Counts
	for _, t := range tr.tracks {
		if t.disappeared > 0 {
			continue
		}
		c.Total++
		switch t.ResolvedGender() {
		case vision.GenderMale:
			c.Male++
		case vision.GenderFemale:
			c.Female++
		}
	}
	return c
}

// Tracks returns the live tracks ordered by ID. Callers get the track
// pointers themselves; mutation is the tracker's job, reading is theirs.
func (tr *Tracker) Tracks() []*Track {
	out := make([]*Track, len(tr.tracks))
	copy(out, tr.tracks)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cycle returns the number of Update calls so far.
func (tr *Tracker) Cycle() uint64 {
	return tr.cycle
}
