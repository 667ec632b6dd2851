// Package instantread implements the lightweight smoothing filter for
// the probe's "instant read" temperature channel, with an idle-based
// fallback to clear stale readings.
package instantread

import (
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/idlemonitor"
)

// IdleTimeout is how long without a new reading before the filter is
// considered stale and its fields should be cleared from the snapshot.
const IdleTimeout = 5 * time.Second

// smoothingFactor weights the new sample against the running smoothed
// value; small enough to damp single-sample radio noise without
// introducing visible lag on a channel the UI expects to react to
// immediately.
const smoothingFactor = 0.3

// Filter smooths instant-read samples and tracks raw/smoothed values.
type Filter struct {
	monitor  *idlemonitor.Monitor
	smoothed float64
	raw      float64
	hasValue bool
}

// New creates an empty Filter.
func New() *Filter {
	return &Filter{monitor: idlemonitor.New()}
}

// Update folds in a new instant-read sample (Celsius), touching the
// idle monitor.
func (f *Filter) Update(celsius float64) {
	f.monitor.Touch()
	f.raw = celsius
	if !f.hasValue {
		f.smoothed = celsius
		f.hasValue = true
		return
	}
	f.smoothed += smoothingFactor * (celsius - f.smoothed)
}

// Value returns the smoothed and raw instant-read temperatures, and
// whether the filter currently holds a live (non-idle) value.
func (f *Filter) Value() (smoothed, raw float64, ok bool) {
	if !f.hasValue || f.monitor.IsIdle(IdleTimeout) {
		return 0, 0, false
	}
	return f.smoothed, f.raw, true
}

// IsIdle reports whether the filter has gone stale per IdleTimeout;
// stale instant-read fields are cleared from the snapshot.
func (f *Filter) IsIdle() bool {
	return f.monitor.IsIdle(IdleTimeout)
}

// Reset clears the filter back to its construction state.
func (f *Filter) Reset() {
	f.smoothed, f.raw, f.hasValue = 0, 0, false
}
