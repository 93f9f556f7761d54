package track

import (
	"image"
	"testing"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// detAt builds a 20x20 person detection centered on (cx, cy).
func detAt(cx, cy int) vision.PersonDetection {
	return vision.PersonDetection{
		Box:        image.Rect(cx-10, cy-10, cx+10, cy+10),
		Confidence: 0.9,
	}
}

func detWithGender(cx, cy int, g vision.Gender) vision.PersonDetection {
	d := detAt(cx, cy)
	d.Gender = &vision.GenderObservation{Label: g, Confidence: 0.9}
	return d
}

func newTestTracker(matchDistance float64, maxDisappeared int) *Tracker {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(matchDistance, maxDisappeared, 20, clock)
}

func TestMajorityVoteResolvesGender(t *testing.T) {
	tr := newTestTracker(150, 50)

	// One person matched across 5 cycles with a noisy vote sequence.
	votes := []vision.Gender{
		vision.GenderMale, vision.GenderMale, vision.GenderFemale,
		vision.GenderMale, vision.GenderMale,
	}
	for _, v := range votes {
		tr.Update([]vision.PersonDetection{detWithGender(100, 100, v)})
	}

	tracks := tr.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(tracks))
	}
	if got := tracks[0].ResolvedGender(); got != vision.GenderMale {
		t.Errorf("ResolvedGender = %v, want male", got)
	}
}

func TestGenderTieAndEmptyWindowAreUnknown(t *testing.T) {
	tr := newTestTracker(150, 50)

	// No votes at all.
	tr.Update([]vision.PersonDetection{detAt(100, 100)})
	if got := tr.Tracks()[0].ResolvedGender(); got != vision.GenderUnknown {
		t.Errorf("empty window: ResolvedGender = %v, want unknown", got)
	}

	// One male and one female vote.
	tr.Update([]vision.PersonDetection{detWithGender(100, 100, vision.GenderMale)})
	tr.Update([]vision.PersonDetection{detWithGender(100, 100, vision.GenderFemale)})
	if got := tr.Tracks()[0].ResolvedGender(); got != vision.GenderUnknown {
		t.Errorf("tie: ResolvedGender = %v, want unknown", got)
	}
}

func TestVoteWindowIsBounded(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := New(150, 50, 3, clock)

	// Early male votes must fall out of a window of 3 once female votes
	// displace them.
	for i := 0; i < 5; i++ {
		tr.Update([]vision.PersonDetection{detWithGender(100, 100, vision.GenderMale)})
	}
	for i := 0; i < 3; i++ {
		tr.Update([]vision.PersonDetection{detWithGender(100, 100, vision.GenderFemale)})
	}

	if got := tr.Tracks()[0].ResolvedGender(); got != vision.GenderFemale {
		t.Errorf("ResolvedGender = %v, want female after window displaced male votes", got)
	}
}

func TestRemovalAfterGracePeriodAndNoIDReuse(t *testing.T) {
	const maxDisappeared = 3
	tr := newTestTracker(150, maxDisappeared)

	tr.Update([]vision.PersonDetection{detAt(100, 100)})
	firstID := tr.Tracks()[0].ID

	// The track survives exactly maxDisappeared unmatched cycles.
	for i := 0; i < maxDisappeared; i++ {
		tr.Update(nil)
		if len(tr.Tracks()) != 1 {
			t.Fatalf("track removed after %d unmatched cycles, want survival through %d", i+1, maxDisappeared)
		}
		if got := tr.Tracks()[0].State; got != StateStale {
			t.Errorf("State = %v after miss, want stale", got)
		}
	}

	// One more miss removes it.
	tr.Update(nil)
	if len(tr.Tracks()) != 0 {
		t.Fatal("track not removed after exceeding grace period")
	}

	// A new person at the same spot gets a fresh ID.
	tr.Update([]vision.PersonDetection{detAt(100, 100)})
	if got := tr.Tracks()[0].ID; got <= firstID {
		t.Errorf("new track ID %d not greater than removed ID %d", got, firstID)
	}
}

func TestDisappearedCountResetsOnMatch(t *testing.T) {
	tr := newTestTracker(150, 50)

	tr.Update([]vision.PersonDetection{detAt(100, 100)})
	if got := tr.Tracks()[0].DisappearedFor(); got != 0 {
		t.Errorf("DisappearedFor = %d after match, want 0", got)
	}

	for i := 1; i <= 4; i++ {
		tr.Update(nil)
		if got := tr.Tracks()[0].DisappearedFor(); got != i {
			t.Errorf("DisappearedFor = %d after %d misses, want %d", got, i, i)
		}
	}

	tr.Update([]vision.PersonDetection{detAt(105, 100)})
	if got := tr.Tracks()[0].DisappearedFor(); got != 0 {
		t.Errorf("DisappearedFor = %d after re-match, want 0", got)
	}
	if got := tr.Tracks()[0].State; got != StateActive {
		t.Errorf("State = %v after re-match, want active", got)
	}
}

func TestClosestDetectionWinsAssociation(t *testing.T) {
	tr := newTestTracker(5, 50)

	// Existing track at (12, 12).
	tr.Update([]vision.PersonDetection{detAt(12, 12)})
	id := tr.Tracks()[0].ID

	// Next cycle offers (10, 10) at distance 2*sqrt(2) and (13, 13) at
	// distance sqrt(2). The track takes the closer one; (10, 10) spawns
	// a new track.
	tr.Update([]vision.PersonDetection{detAt(10, 10), detAt(13, 13)})

	tracks := tr.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	for _, tk := range tracks {
		cx, cy := tk.Centroid()
		if tk.ID == id {
			if cx != 13 || cy != 13 {
				t.Errorf("existing track at (%v, %v), want (13, 13)", cx, cy)
			}
		} else {
			if cx != 10 || cy != 10 {
				t.Errorf("new track at (%v, %v), want (10, 10)", cx, cy)
			}
		}
	}
}

func TestAssociationIndependentOfInputOrder(t *testing.T) {
	run := func(dets []vision.PersonDetection) map[int64][2]float64 {
		tr := newTestTracker(150, 50)
		tr.Update([]vision.PersonDetection{detAt(50, 50), detAt(200, 50)})
		tr.Update(dets)

		out := make(map[int64][2]float64)
		for _, tk := range tr.Tracks() {
			cx, cy := tk.Centroid()
			out[tk.ID] = [2]float64{cx, cy}
		}
		return out
	}

	forward := run([]vision.PersonDetection{detAt(60, 55), detAt(190, 60)})
	reversed := run([]vision.PersonDetection{detAt(190, 60), detAt(60, 55)})

	if len(forward) != len(reversed) {
		t.Fatalf("track counts differ: %d vs %d", len(forward), len(reversed))
	}
	for id, pos := range forward {
		if reversed[id] != pos {
			t.Errorf("track %d at %v forward but %v reversed", id, pos, reversed[id])
		}
	}
}

func TestBeyondThresholdSpawnsNewTrack(t *testing.T) {
	tr := newTestTracker(50, 50)

	tr.Update([]vision.PersonDetection{detAt(100, 100)})
	// A detection 200px away cannot continue the track even though it is
	// the only candidate.
	tr.Update([]vision.PersonDetection{detAt(300, 100)})

	tracks := tr.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2 (old stale + new)", len(tracks))
	}
	if tracks[0].State != StateStale {
		t.Errorf("original track State = %v, want stale", tracks[0].State)
	}
	if tracks[1].State != StateActive {
		t.Errorf("new track State = %v, want active", tracks[1].State)
	}
}

func TestCountsInvariant(t *testing.T) {
	tr := newTestTracker(150, 50)

	tr.Update([]vision.PersonDetection{
		detWithGender(50, 50, vision.GenderMale),
		detWithGender(200, 50, vision.GenderFemale),
		detAt(350, 50),
	})

	c := tr.Counts()
	if c.Total != 3 {
		t.Errorf("Total = %d, want 3", c.Total)
	}
	if c.Male != 1 || c.Female != 1 {
		t.Errorf("Male, Female = %d, %d, want 1, 1", c.Male, c.Female)
	}
	if c.Total < c.Male+c.Female {
		t.Errorf("invariant violated: total %d < male %d + female %d", c.Total, c.Male, c.Female)
	}
}

func TestStaleTracksExcludedFromCounts(t *testing.T) {
	tr := newTestTracker(150, 10)

	tr.Update([]vision.PersonDetection{detWithGender(50, 50, vision.GenderFemale)})
	tr.Update(nil)

	// The person left the frame; the track survives for re-association but
	// must not inflate the published counts.
	if c := tr.Counts(); c.Total != 0 || c.Female != 0 {
		t.Errorf("Counts = %+v after unmatched cycle, want zero", c)
	}
	if got := len(tr.Tracks()); got != 1 {
		t.Fatalf("got %d tracks, want the stale track retained", got)
	}

	// Re-matched, the track counts again with its votes intact.
	tr.Update([]vision.PersonDetection{detAt(55, 50)})
	if c := tr.Counts(); c.Total != 1 || c.Female != 1 {
		t.Errorf("Counts = %+v after re-match, want total 1 female 1", c)
	}
}

func TestEquidistantTieBreaksByPositionNotOrder(t *testing.T) {
	run := func(dets []vision.PersonDetection) (trackPos, newPos [2]float64) {
		tr := newTestTracker(150, 50)
		tr.Update([]vision.PersonDetection{detAt(100, 100)})
		id := tr.Tracks()[0].ID

		tr.Update(dets)
		for _, tk := range tr.Tracks() {
			cx, cy := tk.Centroid()
			if tk.ID == id {
				trackPos = [2]float64{cx, cy}
			} else {
				newPos = [2]float64{cx, cy}
			}
		}
		return trackPos, newPos
	}

	// Both detections are exactly 10px from the track.
	left, right := detAt(90, 100), detAt(110, 100)

	fwdTrack, fwdNew := run([]vision.PersonDetection{left, right})
	revTrack, revNew := run([]vision.PersonDetection{right, left})

	if fwdTrack != revTrack || fwdNew != revNew {
		t.Errorf("assignment depends on input order: forward (%v, %v) vs reversed (%v, %v)",
			fwdTrack, fwdNew, revTrack, revNew)
	}
}
