package burst

import (
	"slices"
	"time"
)

// Signal is the outcome of a burst evaluation.
type Signal string

const (
	SignalNone           Signal = ""
	SignalFrequentErrors Signal = "frequent_errors"
)

// Default detection parameters.
const (
	DefaultMinEvents = 3
	DefaultGap       = 60 * time.Second
)

// Detector flags same-class errors that recur faster than Gap.
// It only sees the window it is handed, so anything evicted from the
// window is forgotten.
type Detector struct {
	MinEvents int           // minimum entries before evaluating (default 3)
	Gap       time.Duration // inter-arrival gap considered "too frequent" (default 60s)
}

// New returns a Detector with default parameters.
func New() Detector { return Detector{MinEvents: DefaultMinEvents, Gap: DefaultGap} }

// RecordAndEvaluate inspects the timestamps of a bounded error window and
// reports SignalFrequentErrors when any consecutive gap is below Gap.
// The window is not modified.
func (d Detector) RecordAndEvaluate(window []time.Time) Signal {
	minEvents := d.MinEvents
	if minEvents <= 0 {
		minEvents = DefaultMinEvents
	}
	gap := d.Gap
	if gap <= 0 {
		gap = DefaultGap
	}
	if len(window) < minEvents {
		return SignalNone
	}
	ts := slices.Clone(window)
	slices.SortFunc(ts, func(a, b time.Time) int { return a.Compare(b) })
	for i := 1; i < len(ts); i++ {
		if ts[i].Sub(ts[i-1]) < gap {
			return SignalFrequentErrors
		}
	}
	return SignalNone
}
