package probe

import (
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/prediction"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
)

// SessionInfo identifies a probe-side log-record namespace: log
// sequence numbers are only comparable within one session.
type SessionInfo struct {
	SessionID    string
	SamplePeriodMillis int
}

// PredictionInfo is the set of prediction-derived fields on a Snapshot.
type PredictionInfo struct {
	State                prediction.State
	Mode                 uint8
	Type                 uint8
	SetPointCelsius      float64
	HeatStartCelsius     float64
	RawSeconds           int
	DisplayedSeconds     int
	EstimatedCoreCelsius float64
	PercentThroughCook   float64
}

// Snapshot is the immutable, fully-fused view of a logical probe.
// The Probe State Machine is the only
// writer; every published Snapshot is a fresh value, never a mutation
// of a previously-published one.
type Snapshot struct {
	SerialNumber    string
	PreferredLinkMAC string
	ConnectionState link.ConnectionState

	FirmwareVersion  string
	HardwareRevision string
	Model            link.ModelInfo

	SessionInfo       SessionInfo
	MinSequenceNumber *uint32
	MaxSequenceNumber *uint32

	HasInstantRead      bool
	InstantReadSmoothed float64
	InstantReadRaw      float64

	NormalModeTemperatures [8]float64
	CoreTemperature        float64
	SurfaceTemperature     float64
	AmbientTemperature     float64

	Prediction PredictionInfo

	Battery scan.BatteryStatus
	Color   uint8
	ProbeID uint8

	PreferredLinkHopCount int

	UploadState       link.UploadState
	RecordsDownloaded int
	LogUploadPercent  float64

	StatusNotificationsStale bool
	PredictionStale          bool

	Overheating   bool
	HighAlarm     bool
	LowAlarm      bool
}

// virtualSensorValues derives core/surface/
// ambient from the raw 8-channel array at the fixed indices the
// advertisement/status payload already carries.
func virtualSensorValues(temps [8]float64, sensors scan.VirtualSensors) (core, surface, ambient float64) {
	core = valueAt(temps, sensors.Core)
	surface = valueAt(temps, sensors.Surface)
	ambient = valueAt(temps, sensors.Ambient)
	return
}

func valueAt(temps [8]float64, idx int) float64 {
	if idx < 0 || idx >= len(temps) {
		return 0
	}
	return temps[idx]
}

// snapshotsEqual compares two Snapshots by value. Snapshot can't use
// == directly: MinSequenceNumber/MaxSequenceNumber are pointers, and a
// straight == would compare pointer identity rather than the
// underlying sequence numbers, causing a spurious republish on every
// status notification even when nothing actually changed.
func snapshotsEqual(a, b Snapshot) bool {
	if !uint32PtrEqual(a.MinSequenceNumber, b.MinSequenceNumber) ||
		!uint32PtrEqual(a.MaxSequenceNumber, b.MaxSequenceNumber) {
		return false
	}
	a.MinSequenceNumber, b.MinSequenceNumber = nil, nil
	a.MaxSequenceNumber, b.MaxSequenceNumber = nil, nil
	return a == b
}

func uint32PtrEqual(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
