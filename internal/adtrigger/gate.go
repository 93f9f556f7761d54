// Package adtrigger turns count snapshots into debounced ad-trigger
// signals. A signal fires only when the dominant gender has held steady
// for the dwell period, and never within the minimum spacing of the
// previous signal. Display timing and asset choice are the ad catalog's
// business, not the gate's.
package adtrigger

import (
	"time"

	"github.com/google/uuid"

	"github.com/crowdsense-data/crowdsense/internal/monitoring"
	"github.com/crowdsense-data/crowdsense/internal/timeutil"
	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// Signal is one discrete trigger event. IDs are unique across restarts.
type Signal struct {
	ID     string        `json:"id"`
	Gender vision.Gender `json:"gender"`
	Counts track.Counts  `json:"counts"`
	At     time.Time     `json:"at"`
}

// Gate debounces dominant-gender changes. It is not safe for concurrent
// use; one consumer goroutine feeds it.
type Gate struct {
	// Dwell is how long a new dominant gender must hold before it can
	// trigger.
	Dwell time.Duration

	// MinInterval is the minimum spacing between emitted signals.
	MinInterval time.Duration

	clock timeutil.Clock

	current        vision.Gender
	candidate      vision.Gender
	candidateSince time.Time

	lastSignalAt time.Time
	hasSignaled  bool
}

// NewGate returns a Gate with no dominant gender committed yet.
func NewGate(dwell, minInterval time.Duration, clock timeutil.Clock) *Gate {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Gate{
		Dwell:       dwell,
		MinInterval: minInterval,
		clock:       clock,
		current:     vision.GenderUnknown,
	}
}

// dominant returns the majority gender of one observation. A tie, or an
// empty scene, has no dominant gender.
func dominant(c track.Counts) vision.Gender {
	switch {
	case c.Male > c.Female:
		return vision.GenderMale
	case c.Female > c.Male:
		return vision.GenderFemale
	default:
		return vision.GenderUnknown
	}
}

// Observe feeds one count observation through the gate. It returns a
// Signal when a dominant-gender change has survived the dwell period and
// the spacing allows, nil otherwise.
func (g *Gate) Observe(c track.Counts) *Signal {
	now := g.clock.Now()
	dom := dominant(c)

	// Ties and reversions clear the pending candidate; dwell requires a
	// continuous hold.
	if dom == vision.GenderUnknown || dom == g.current {
		g.candidate = vision.GenderUnknown
		return nil
	}

	if g.candidate != dom {
		g.candidate = dom
		g.candidateSince = now
	}
	if now.Sub(g.candidateSince) < g.Dwell {
		return nil
	}

	// The change is real: commit it even if spacing suppresses the
	// signal, so a later unrelated flip measures dwell from its own
	// start.
	g.current = dom
	g.candidate = vision.GenderUnknown

	if g.hasSignaled && now.Sub(g.lastSignalAt) < g.MinInterval {
		monitoring.Tracef("[AdTrigger] change to %s suppressed by spacing", dom)
		return nil
	}

	g.lastSignalAt = now
	g.hasSignaled = true
	sig := &Signal{
		ID:     uuid.NewString(),
		Gender: dom,
		Counts: c,
		At:     now,
	}
	monitoring.Logf("[AdTrigger] signal %s: dominant gender %s (total=%d male=%d female=%d)",
		sig.ID, dom, c.Total, c.Male, c.Female)
	return sig
}

// Current returns the committed dominant gender, unknown before the first
// commit.
func (g *Gate) Current() vision.Gender {
	return g.current
}
