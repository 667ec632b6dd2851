// Package adarbiter selects, per probe and per advertising mode, which
// link's advertisements are currently authoritative.
package adarbiter

import (
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/idlemonitor"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
)

// Mode is an advertising mode that arbitrates a preferred source. The
// Probe State Machine arbitrates only the two modes below.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeInstantRead
)

// Idle timeouts per mode.
const (
	NormalIdleTimeout      = 5 * time.Second
	InstantReadIdleTimeout = 3 * time.Second
)

func (m Mode) idleTimeout() time.Duration {
	if m == ModeInstantRead {
		return InstantReadIdleTimeout
	}
	return NormalIdleTimeout
}

// preferredAdvertiser is the per-mode record.
type preferredAdvertiser struct {
	current  link.ID
	hasValue bool
	hopCount int
	monitor  *idlemonitor.Monitor
}

// Decision reports what Apply did, so the caller can decide how much
// of the advertisement to fold into the probe snapshot (for a suppressed
// advertisement only the link's own record is updated: RSSI, in-range,
// connectable, hop count and connection state).
type Decision struct {
	// Publish is true when this link is (or just became) preferred for
	// the mode and the event should be folded into the snapshot.
	Publish bool
	// Replaced is true when the preferred device changed as part of
	// this call.
	Replaced bool
}

// Arbiter holds one Preferred Advertiser record per arbitrating mode
// for a single probe.
type Arbiter struct {
	records map[Mode]*preferredAdvertiser
}

// New creates an Arbiter with fresh records for Normal and InstantRead.
func New() *Arbiter {
	return &Arbiter{
		records: map[Mode]*preferredAdvertiser{
			ModeNormal:      {monitor: idlemonitor.New()},
			ModeInstantRead: {monitor: idlemonitor.New()},
		},
	}
}

// Apply runs the preferred-advertiser policy for an
// advertisement observed on linkID with the given hop count. A Mode
// value other than Normal/InstantRead gets its own record on first use
// and is arbitrated under the Normal idle timeout; the Probe State
// Machine calls Apply only for the two arbitrating modes.
func (a *Arbiter) Apply(mode Mode, linkID link.ID, hopCount int) Decision {
	rec, ok := a.records[mode]
	if !ok {
		rec = &preferredAdvertiser{monitor: idlemonitor.New()}
		a.records[mode] = rec
	}

	switch {
	case !rec.hasValue:
		rec.current, rec.hasValue, rec.hopCount = linkID, true, hopCount
		rec.monitor.Touch()
		return Decision{Publish: true, Replaced: true}

	case hopCount < rec.hopCount:
		rec.current, rec.hopCount = linkID, hopCount
		rec.monitor.Touch()
		return Decision{Publish: true, Replaced: true}

	case rec.current == linkID:
		rec.monitor.Touch()
		return Decision{Publish: true}

	case rec.monitor.IsIdle(mode.idleTimeout()):
		rec.current, rec.hopCount = linkID, hopCount
		rec.monitor.Touch()
		return Decision{Publish: true, Replaced: true}

	default:
		return Decision{}
	}
}

// Preferred returns the current preferred link for mode, if any.
func (a *Arbiter) Preferred(mode Mode) (link.ID, bool) {
	rec, ok := a.records[mode]
	if !ok || !rec.hasValue {
		return link.ID{}, false
	}
	return rec.current, true
}

// IsPreferred reports whether linkID is the current preferred source
// for mode.
func (a *Arbiter) IsPreferred(mode Mode, linkID link.ID) bool {
	preferred, ok := a.Preferred(mode)
	return ok && preferred == linkID
}
