package adtrigger

import (
	"testing"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

func newTestGate() (*Gate, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewGate(2*time.Second, 15*time.Second, clock), clock
}

var (
	maleScene   = track.Counts{Total: 3, Male: 2, Female: 1}
	femaleScene = track.Counts{Total: 3, Male: 1, Female: 2}
	tiedScene   = track.Counts{Total: 2, Male: 1, Female: 1}
)

func TestSignalAfterDwell(t *testing.T) {
	g, clock := newTestGate()

	if sig := g.Observe(maleScene); sig != nil {
		t.Fatal("signal emitted before dwell elapsed")
	}
	clock.Advance(time.Second)
	if sig := g.Observe(maleScene); sig != nil {
		t.Fatal("signal emitted at 1s, dwell is 2s")
	}
	clock.Advance(time.Second)

	sig := g.Observe(maleScene)
	if sig == nil {
		t.Fatal("no signal after dwell elapsed")
	}
	if sig.Gender != vision.GenderMale {
		t.Errorf("Gender = %v, want male", sig.Gender)
	}
	if sig.ID == "" {
		t.Error("signal has no ID")
	}
	if sig.Counts != maleScene {
		t.Errorf("Counts = %+v, want %+v", sig.Counts, maleScene)
	}
}

func TestRevertWithinDwellEmitsNothing(t *testing.T) {
	g, clock := newTestGate()

	// Commit male first.
	g.Observe(maleScene)
	clock.Advance(2 * time.Second)
	if sig := g.Observe(maleScene); sig == nil {
		t.Fatal("male never committed")
	}

	// Flip to female, revert before the dwell elapses.
	clock.Advance(20 * time.Second)
	g.Observe(femaleScene)
	clock.Advance(time.Second)
	g.Observe(maleScene)

	// Female dominance returns; its dwell restarts from zero.
	clock.Advance(time.Second)
	if sig := g.Observe(femaleScene); sig != nil {
		t.Error("signal emitted for a flip that never held the dwell period")
	}
	if g.Current() != vision.GenderMale {
		t.Errorf("Current = %v, want male still committed", g.Current())
	}
}

func TestMinIntervalSuppressesSignal(t *testing.T) {
	g, clock := newTestGate()

	g.Observe(maleScene)
	clock.Advance(2 * time.Second)
	if sig := g.Observe(maleScene); sig == nil {
		t.Fatal("male never signaled")
	}

	// Female holds the dwell but arrives inside the spacing window.
	g.Observe(femaleScene)
	clock.Advance(2 * time.Second)
	if sig := g.Observe(femaleScene); sig != nil {
		t.Error("signal emitted within minimum spacing")
	}
	// The change itself still committed.
	if g.Current() != vision.GenderFemale {
		t.Errorf("Current = %v, want female committed despite suppression", g.Current())
	}
}

func TestSignalsSpacedByMinInterval(t *testing.T) {
	g, clock := newTestGate()

	var emitted []time.Time
	observe := func(c track.Counts) {
		if sig := g.Observe(c); sig != nil {
			emitted = append(emitted, sig.At)
		}
	}

	// Alternate dominance every 3 seconds for a minute.
	scenes := []track.Counts{maleScene, femaleScene}
	for i := 0; i < 20; i++ {
		scene := scenes[i%2]
		observe(scene)
		clock.Advance(2 * time.Second)
		observe(scene)
		clock.Advance(time.Second)
	}

	if len(emitted) < 2 {
		t.Fatalf("only %d signals emitted", len(emitted))
	}
	for i := 1; i < len(emitted); i++ {
		if gap := emitted[i].Sub(emitted[i-1]); gap < 15*time.Second {
			t.Errorf("signals %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestTieIsNotADominantChange(t *testing.T) {
	g, clock := newTestGate()

	g.Observe(maleScene)
	clock.Advance(2 * time.Second)
	g.Observe(maleScene)

	clock.Advance(20 * time.Second)
	if sig := g.Observe(tiedScene); sig != nil {
		t.Error("signal emitted for a tie")
	}
	if g.Current() != vision.GenderMale {
		t.Errorf("Current = %v, want male unchanged by tie", g.Current())
	}

	// A tie also interrupts a pending candidate's hold.
	g.Observe(femaleScene)
	clock.Advance(time.Second)
	g.Observe(tiedScene)
	clock.Advance(time.Second)
	if sig := g.Observe(femaleScene); sig != nil {
		t.Error("dwell survived a tie interruption")
	}
}

func TestEmptySceneClearsCandidate(t *testing.T) {
	g, clock := newTestGate()

	g.Observe(maleScene)
	clock.Advance(time.Second)
	g.Observe(track.Counts{})
	clock.Advance(time.Second)

	if sig := g.Observe(maleScene); sig != nil {
		t.Error("dwell survived an empty scene")
	}
}

func TestSignalIDsAreUnique(t *testing.T) {
	g, clock := newTestGate()

	ids := make(map[string]bool)
	scenes := []track.Counts{maleScene, femaleScene}
	for i := 0; i < 6; i++ {
		scene := scenes[i%2]
		g.Observe(scene)
		clock.Advance(2 * time.Second)
		if sig := g.Observe(scene); sig != nil {
			if ids[sig.ID] {
				t.Fatalf("duplicate signal ID %s", sig.ID)
			}
			ids[sig.ID] = true
		}
		clock.Advance(15 * time.Second)
	}
	if len(ids) < 2 {
		t.Fatalf("expected several signals, got %d", len(ids))
	}
}
