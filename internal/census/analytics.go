package census

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// HistorySample is one count observation in the trailing window.
type HistorySample struct {
	Timestamp time.Time    `json:"timestamp"`
	Counts    track.Counts `json:"counts"`
}

// Report is a read-only analytics view derived from published snapshots.
type Report struct {
	PeakTotal   int       `json:"peak_total"`
	PeakAt      time.Time `json:"peak_at,omitzero"`
	MeanTotal   float64   `json:"mean_total"`
	StdDevTotal float64   `json:"stddev_total"`
	P90Total    float64   `json:"p90_total"`

	// Cumulative distinct people observed since startup, by the gender
	// each track last resolved to.
	CumulativeTotal  int `json:"cumulative_total"`
	CumulativeMale   int `json:"cumulative_male"`
	CumulativeFemale int `json:"cumulative_female"`

	History []HistorySample `json:"history"`
}

// Analytics accumulates derived statistics over published snapshots. It
// keeps a bounded trailing window of count samples plus running peak and
// cumulative figures; persistence across restarts belongs to the database
// layer, not here.
type Analytics struct {
	mu sync.Mutex

	window  int
	history []HistorySample

	peakTotal int
	peakAt    time.Time

	// live maps track ID to its latest resolved gender. When an ID stops
	// appearing it has left the scene; its final gender folds into the
	// cumulative counters.
	live             map[int64]vision.Gender
	cumulativeTotal  int
	cumulativeMale   int
	cumulativeFemale int
}

// NewAnalytics returns an Analytics with the given trailing window length.
func NewAnalytics(window int) *Analytics {
	if window < 1 {
		window = 1
	}
	return &Analytics{
		window: window,
		live:   make(map[int64]vision.Gender),
	}
}

// Observe folds one published snapshot into the running statistics.
func (a *Analytics) Observe(snap *Snapshot) {
	if snap == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, HistorySample{Timestamp: snap.Timestamp, Counts: snap.Counts})
	if len(a.history) > a.window {
		a.history = a.history[len(a.history)-a.window:]
	}

	if snap.Counts.Total > a.peakTotal {
		a.peakTotal = snap.Counts.Total
		a.peakAt = snap.Timestamp
	}

	seen := make(map[int64]bool, len(snap.Tracks))
	for _, t := range snap.Tracks {
		seen[t.ID] = true
		if _, ok := a.live[t.ID]; !ok {
			a.cumulativeTotal++
		}
		a.live[t.ID] = t.Gender
	}
	for id, g := range a.live {
		if seen[id] {
			continue
		}
		switch g {
		case vision.GenderMale:
			a.cumulativeMale++
		case vision.GenderFemale:
			a.cumulativeFemale++
		}
		delete(a.live, id)
	}
}

// Report returns the current derived statistics. The history slice is a
// copy; callers may hold it as long as they like.
func (a *Analytics) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	history := make([]HistorySample, len(a.history))
	copy(history, a.history)

	totals := make([]float64, len(a.history))
	for i, s := range a.history {
		totals[i] = float64(s.Counts.Total)
	}
	var mean, stddev, p90 float64
	if len(totals) > 0 {
		mean = stat.Mean(totals, nil)
		sorted := make([]float64, len(totals))
		copy(sorted, totals)
		sort.Float64s(sorted)
		p90 = stat.Quantile(0.9, stat.Empirical, sorted, nil)
	}
	if len(totals) > 1 {
		stddev = stat.StdDev(totals, nil)
	}

	// Live tracks with a resolved gender count toward the cumulative
	// figures too; they are people observed, just not yet departed.
	male, female := a.cumulativeMale, a.cumulativeFemale
	for _, g := range a.live {
		switch g {
		case vision.GenderMale:
			male++
		case vision.GenderFemale:
			female++
		}
	}

	return Report{
		PeakTotal:        a.peakTotal,
		PeakAt:           a.peakAt,
		MeanTotal:        mean,
		StdDevTotal:      stddev,
		P90Total:         p90,
		CumulativeTotal:  a.cumulativeTotal,
		CumulativeMale:   male,
		CumulativeFemale: female,
		History:          history,
	}
}
