package ads

import (
	"sync/atomic"
	"time"

	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// Impression is one ad shown in response to a trigger signal.
type Impression struct {
	Asset     Asset         `json:"asset"`
	TriggerID string        `json:"trigger_id"`
	Gender    vision.Gender `json:"gender"`
	At        time.Time     `json:"at"`
}

// Display holds the currently showing ad. The trigger consumer writes,
// the HTTP surface reads; an atomic pointer keeps both wait-free.
type Display struct {
	current atomic.Pointer[Impression]
}

// Show replaces the current ad.
func (d *Display) Show(imp Impression) {
	d.current.Store(&imp)
}

// Current returns the showing ad, nil before the first trigger.
func (d *Display) Current() *Impression {
	return d.current.Load()
}
