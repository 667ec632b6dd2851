// Package linkarbiter owns the set of candidate links for one probe —
// the direct link plus zero or more repeated links via MeatNet nodes —
// computes the derived views the Probe State Machine fuses into a
// snapshot, and implements the connect/disconnect policy.
package linkarbiter

import (
	"sort"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/settings"
)

// SettlingTimeout is how long a newly-discovered direct link is held
// before the arbiter decides whether a mesh route makes it redundant.
const SettlingTimeout = 5 * time.Second

// Arbiter holds the candidate link set for a single probe.
type Arbiter struct {
	direct   *link.Record
	repeated map[link.ID]*link.Record

	directDiscoverAt time.Time // zero means unset

	settings settings.Settings
}

// New creates an empty Arbiter using the given settings snapshot.
func New(s settings.Settings) *Arbiter {
	return &Arbiter{
		repeated: make(map[link.ID]*link.Record),
		settings: s,
	}
}

// SetSettings replaces the settings snapshot the arbiter branches on.
func (a *Arbiter) SetSettings(s settings.Settings) {
	a.settings = s
}

// SetDirect attaches or replaces the direct link record. Passing nil
// clears it. A probe has at most one direct link.
func (a *Arbiter) SetDirect(rec *link.Record) {
	a.direct = rec
}

// UpsertRepeated attaches or updates a repeated link record, keyed by
// its (device, serial) pair.
func (a *Arbiter) UpsertRepeated(rec *link.Record) {
	a.repeated[rec.ID] = rec
}

// RemoveRepeated detaches a repeated link.
func (a *Arbiter) RemoveRepeated(id link.ID) {
	delete(a.repeated, id)
}

// RawDirect returns the direct link record regardless of its
// connection state, or nil if none is attached.
func (a *Arbiter) RawDirect() *link.Record {
	return a.direct
}

// RepeatedLinks returns all attached repeated link records, in
// insertion-nondeterministic order; callers needing a stable order
// should use PreferredMeatNetLink or sort the result themselves.
func (a *Arbiter) RepeatedLinks() []*link.Record {
	out := make([]*link.Record, 0, len(a.repeated))
	for _, r := range a.repeated {
		out = append(out, r)
	}
	return out
}

// DirectLink returns the direct link if it is connected, else nil.
func (a *Arbiter) DirectLink() *link.Record {
	if a.direct != nil && a.direct.ConnectionState == link.StateConnected {
		return a.direct
	}
	return nil
}

// ConnectedNodeLinks returns repeated links currently connected.
func (a *Arbiter) ConnectedNodeLinks() []*link.Record {
	var out []*link.Record
	for _, r := range a.repeated {
		if r.ConnectionState == link.StateConnected {
			out = append(out, r)
		}
	}
	return out
}

// sortedRepeatedByHop returns repeated links ordered by (hop_count,
// device_id), ascending.
func (a *Arbiter) sortedRepeatedByHop() []*link.Record {
	out := a.RepeatedLinks()
	sort.Slice(out, func(i, j int) bool {
		if out[i].HopCount != out[j].HopCount {
			return out[i].HopCount < out[j].HopCount
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// PreferredMeatNetLink picks the data source: if mesh is
// disabled, it's just DirectLink(); else the connected direct link if
// present, else the connected repeated link with the lowest
// (hop_count, device_id) that is not in NoRoute.
func (a *Arbiter) PreferredMeatNetLink() *link.Record {
	if !a.settings.MeshEnabled {
		return a.DirectLink()
	}
	if d := a.DirectLink(); d != nil {
		return d
	}
	for _, r := range a.sortedRepeatedByHop() {
		if r.ConnectionState == link.StateConnected {
			return r
		}
	}
	return nil
}

// HasMeatNetRoute reports whether any repeated link is connected.
// A link in StateNoRoute is, by definition, not
// StateConnected, so this single check covers both conditions.
func (a *Arbiter) HasMeatNetRoute() bool {
	for _, r := range a.repeated {
		if r.ConnectionState == link.StateConnected {
			return true
		}
	}
	return false
}

// IsOutOfRange reports whether no candidate link (direct or repeated)
// is currently in range.
func (a *Arbiter) IsOutOfRange() bool {
	if a.direct != nil && a.direct.IsInRange {
		return false
	}
	for _, r := range a.repeated {
		if r.IsInRange {
			return false
		}
	}
	return true
}

// ShouldConnect decides whether a connect should be issued to rec.
// fromAPICall distinguishes a caller-initiated
// connect request from the arbiter's own advertisement-driven
// evaluation.
func (a *Arbiter) ShouldConnect(rec *link.Record, fromAPICall bool) bool {
	canConnect := rec.CanConnect()

	if a.settings.MeshEnabled {
		if rec.IsRepeater {
			return canConnect
		}
		// Direct link under mesh.
		if !canConnect {
			return false
		}
		if a.directDiscoverAt.IsZero() {
			a.directDiscoverAt = time.Now()
			return false
		}
		if time.Now().Before(a.directDiscoverAt.Add(SettlingTimeout)) {
			return false
		}
		return !a.HasMeatNetRoute()
	}

	// Mesh disabled: repeated links are never connected.
	if rec.IsRepeater {
		return false
	}
	if fromAPICall {
		rec.ShouldAutoReconnect = a.settings.AutoReconnect
		return canConnect
	}
	return rec.ShouldAutoReconnect && canConnect
}

// ShouldDisconnect decides whether rec should be disconnected.
func (a *Arbiter) ShouldDisconnect(rec *link.Record, fromAPICall bool) bool {
	if a.settings.MeshEnabled {
		// Mesh links are cooperatively shared; an explicit opt-in flag
		// is required to disconnect from them, and even then it is the
		// caller's responsibility to gate on it before invoking this
		// policy for a mesh link.
		return false
	}
	if !rec.IsRepeater {
		if fromAPICall {
			rec.ShouldAutoReconnect = false
		}
		return rec.ConnectionState.IsConnected()
	}
	return false
}

// ShouldDropDirectLinkForMeatNet reports whether the direct link
// should be released in favor of mesh links to free host resources:
// the direct link is connected, a mesh route exists, and no log
// upload is in progress.
func (a *Arbiter) ShouldDropDirectLinkForMeatNet(upload link.UploadState) bool {
	return a.DirectLink() != nil && a.HasMeatNetRoute() && upload != link.UploadProbeUploadInProgress
}

// ResetDirectDiscovery clears the settling timestamp, e.g. when the
// direct link is lost and later rediscovered.
func (a *Arbiter) ResetDirectDiscovery() {
	a.directDiscoverAt = time.Time{}
}
