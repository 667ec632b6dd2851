// Package link defines the data-link types and the collaborator
// interface the fusion engine uses to reach a probe, directly or
// through a MeatNet repeater. The radio transport, GATT plumbing, and
// wire codec behind a Link are external collaborators; this package
// only describes the shape the engine depends on.
package link

import (
	"context"
	"errors"
	"time"
)

// Collaborator errors surfaced at command boundaries.
var (
	ErrConnectTimeout  = errors.New("link: connect timed out")
	ErrRequestTimeout  = errors.New("link: request timed out")
	ErrNotConnectable  = errors.New("link: not connectable")
	ErrInDFU           = errors.New("link: device is in DFU mode")
	ErrAlreadyPinned   = errors.New("link: log transfer already owned by another link")
)

// Request timeouts.
const (
	DirectRequestTimeout  = 5 * time.Second
	MeshedRequestTimeout  = 30 * time.Second
)

// ID uniquely identifies a link: the radio source that delivers data
// for a probe, and the probe it delivers data for. A
// direct link has DeviceID == the probe's own MAC; a repeated link has
// DeviceID == the repeater node's MAC.
type ID struct {
	DeviceID     string
	SerialNumber string
}

// ConnectionState is the per-link connection state.
type ConnectionState uint8

const (
	StateOutOfRange ConnectionState = iota
	StateAdvertisingNotConnectable
	StateAdvertisingConnectable
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateNoRoute
)

// String returns a human-readable connection state name.
func (s ConnectionState) String() string {
	switch s {
	case StateOutOfRange:
		return "OUT_OF_RANGE"
	case StateAdvertisingNotConnectable:
		return "ADVERTISING_NOT_CONNECTABLE"
	case StateAdvertisingConnectable:
		return "ADVERTISING_CONNECTABLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateNoRoute:
		return "NO_ROUTE"
	default:
		return "UNKNOWN"
	}
}

// IsDisconnected reports whether the state permits a new connect
// attempt.
func (s ConnectionState) IsDisconnected() bool {
	switch s {
	case StateDisconnected, StateAdvertisingConnectable, StateAdvertisingNotConnectable, StateOutOfRange, StateNoRoute:
		return true
	default:
		return false
	}
}

// IsConnected reports whether the link is currently connected.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected
}

// ModelInfo is the static identity read from a connected link:
// firmware version, hardware revision, model/SKU info.
type ModelInfo struct {
	FirmwareVersion string
	HardwareRevision string
	SKU             string
	ManufacturingLot string
}

// Record is the per-link bookkeeping record the Link Arbiter and
// Network Manager maintain.
type Record struct {
	ID                 ID
	DeviceID           string
	SerialNumber       string
	IsRepeater         bool
	ConnectionState    ConnectionState
	RSSI               int
	IsInRange          bool
	IsConnectable      bool
	IsInDFU            bool
	HopCount           int
	Model              ModelInfo
	ShouldAutoReconnect bool

	// Link is the live collaborator behind this record, nil until the
	// link has been attached by the Network Manager.
	Link Link
}

// IsDirect reports whether this record describes a direct (non-repeated)
// link to the probe.
func (r *Record) IsDirect() bool {
	return r != nil && !r.IsRepeater
}

// CanConnect reports whether a new connect attempt is permitted:
// disconnected, connectable, and not in DFU mode.
func (r *Record) CanConnect() bool {
	return r != nil && r.ConnectionState.IsDisconnected() && r.IsConnectable && !r.IsInDFU
}

// RSSIReading is one sample from ObserveRemoteRSSI; Err is set instead
// of RSSI on a failed read.
type RSSIReading struct {
	RSSI int
	Err  error
}

// StatusNotification is a connected-mode status packet delivered over
// a Link's notification characteristic.
type StatusNotification struct {
	MinSequenceNumber uint32
	MaxSequenceNumber uint32
	Temperatures      [8]float64
	VirtualCore       int
	VirtualSurface    int
	VirtualAmbient    int
	InstantReadCelsius float64
	HasInstantRead     bool
	Battery            uint8
	ProbeID            uint8
	Color              uint8
	PredictionRawSeconds int
	PredictionSequence   int
	PredictionState      uint8
	PredictionMode       uint8
	PredictionType       uint8
	PredictionSetPoint   float64
	PredictionHeatStart  float64
	SessionID            string
	SamplePeriodMillis   int
	Overheating          bool
}

// Link is the capability interface a physical radio source exposes.
// Implementations are provided by the host radio stack;
// production code never implements this package-side beyond test
// doubles (internal/mock).
type Link interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	ReadFirmwareVersion(ctx context.Context) (string, error)
	ReadHardwareRevision(ctx context.Context) (string, error)
	ReadModelInformation(ctx context.Context) (ModelInfo, error)

	// ObserveConnectionState returns a channel of connection-state
	// changes for this link, closed when the link is torn down.
	ObserveConnectionState() <-chan ConnectionState
	// ObserveRemoteRSSI returns a channel of RSSI samples, or an error
	// reading on failure.
	ObserveRemoteRSSI() <-chan RSSIReading
	// ObserveOutOfRange fires once each time the host loses range on
	// this link.
	ObserveOutOfRange() <-chan struct{}
	// ObserveProbeStatus returns a channel of connected-mode status
	// notifications.
	ObserveProbeStatus() <-chan StatusNotification
	// ObserveAdvertisingPackets returns advertisements observed while
	// connected (repeaters may still relay adverts over GATT).
	ObserveAdvertisingPackets() <-chan []byte

	SendSessionInformationRequest(ctx context.Context) error
	SendSetProbeColor(ctx context.Context, color uint8) (bool, error)
	SendSetProbeID(ctx context.Context, id uint8) (bool, error)
	SendSetPrediction(ctx context.Context, setPointCelsius float64, mode uint8) (bool, error)
	SendConfigureFoodSafe(ctx context.Context, params []byte) (bool, error)
	SendResetFoodSafe(ctx context.Context) (bool, error)
	SendSetPowerMode(ctx context.Context, mode uint8) (bool, error)
	SendResetProbe(ctx context.Context) (bool, error)
	SendLogRequest(ctx context.Context, minSequence, maxSequence uint32) (bool, error)

	// RequestTimeout is 5s for a direct probe link, 30s for a meshed
	// (repeated) link.
	RequestTimeout() time.Duration
}
