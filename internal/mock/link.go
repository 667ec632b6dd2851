// Package mock provides hand-written fakes for the fusion engine's
// external collaborators: the Link capability interface and the
// Scanner advertisement source. Tests and the probe-console binary
// drive the engine through these instead of a real radio stack.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/link"
)

// LinkHandlers holds optional callbacks for link operations. A nil
// handler makes the operation succeed: error-only operations return
// nil, and the (ok, error) commands, SendLogRequest included, report
// ok=true.
type LinkHandlers struct {
	// OnConnect is called for Connect. Returning an error fails the
	// connect without any state transition.
	OnConnect func(ctx context.Context) error

	// OnDisconnect is called for Disconnect.
	OnDisconnect func(ctx context.Context) error

	// OnLogRequest is called for SendLogRequest.
	OnLogRequest func(minSequence, maxSequence uint32) (bool, error)

	// OnSessionInfoRequest is called for SendSessionInformationRequest.
	OnSessionInfoRequest func(ctx context.Context) error
}

// Link is a scriptable link.Link fake. Its Push* methods inject events
// into the observation channels the engine collects from.
type Link struct {
	// DeviceID identifies the radio source this link fakes.
	DeviceID string

	// SerialNumber is the probe this link delivers data for.
	SerialNumber string

	// IsRepeater marks the link as a repeated (meshed) one, which also
	// selects the longer meshed request timeout.
	IsRepeater bool

	// Model is returned by ReadModelInformation.
	Model link.ModelInfo

	// Handlers are callbacks for link operations.
	Handlers LinkHandlers

	mu sync.Mutex

	// Commands records every command sent over this link, in order.
	Commands []string

	states     chan link.ConnectionState
	rssi       chan link.RSSIReading
	outOfRange chan struct{}
	status     chan link.StatusNotification
	adverts    chan []byte

	connected bool
}

// NewLink creates a Link fake for (deviceID, serialNumber).
func NewLink(deviceID, serialNumber string, isRepeater bool) *Link {
	return &Link{
		DeviceID:     deviceID,
		SerialNumber: serialNumber,
		IsRepeater:   isRepeater,
		Model:        link.ModelInfo{FirmwareVersion: "1.0.0", HardwareRevision: "rev-a"},
		states:       make(chan link.ConnectionState, 16),
		rssi:         make(chan link.RSSIReading, 16),
		outOfRange:   make(chan struct{}, 4),
		status:       make(chan link.StatusNotification, 16),
		adverts:      make(chan []byte, 16),
	}
}

func (l *Link) record(command string) {
	l.mu.Lock()
	l.Commands = append(l.Commands, command)
	l.mu.Unlock()
}

// SentCommands returns a copy of the commands sent so far.
func (l *Link) SentCommands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.Commands))
	copy(out, l.Commands)
	return out
}

// IsConnected reports whether the last Connect/Disconnect left the
// fake connected.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Connect implements link.Link. On success it also pushes the
// Connecting and Connected transitions onto the state channel, the way
// a real radio stack reports them.
func (l *Link) Connect(ctx context.Context) error {
	l.record("connect")
	if l.Handlers.OnConnect != nil {
		if err := l.Handlers.OnConnect(ctx); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.PushConnectionState(link.StateConnecting)
	l.PushConnectionState(link.StateConnected)
	return nil
}

// Disconnect implements link.Link.
func (l *Link) Disconnect(ctx context.Context) error {
	l.record("disconnect")
	if l.Handlers.OnDisconnect != nil {
		if err := l.Handlers.OnDisconnect(ctx); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	l.PushConnectionState(link.StateDisconnecting)
	l.PushConnectionState(link.StateDisconnected)
	return nil
}

// ReadFirmwareVersion implements link.Link.
func (l *Link) ReadFirmwareVersion(ctx context.Context) (string, error) {
	return l.Model.FirmwareVersion, nil
}

// ReadHardwareRevision implements link.Link.
func (l *Link) ReadHardwareRevision(ctx context.Context) (string, error) {
	return l.Model.HardwareRevision, nil
}

// ReadModelInformation implements link.Link.
func (l *Link) ReadModelInformation(ctx context.Context) (link.ModelInfo, error) {
	return l.Model, nil
}

// ObserveConnectionState implements link.Link.
func (l *Link) ObserveConnectionState() <-chan link.ConnectionState { return l.states }

// ObserveRemoteRSSI implements link.Link.
func (l *Link) ObserveRemoteRSSI() <-chan link.RSSIReading { return l.rssi }

// ObserveOutOfRange implements link.Link.
func (l *Link) ObserveOutOfRange() <-chan struct{} { return l.outOfRange }

// ObserveProbeStatus implements link.Link.
func (l *Link) ObserveProbeStatus() <-chan link.StatusNotification { return l.status }

// ObserveAdvertisingPackets implements link.Link.
func (l *Link) ObserveAdvertisingPackets() <-chan []byte { return l.adverts }

// SendSessionInformationRequest implements link.Link.
func (l *Link) SendSessionInformationRequest(ctx context.Context) error {
	l.record("session_info")
	if l.Handlers.OnSessionInfoRequest != nil {
		return l.Handlers.OnSessionInfoRequest(ctx)
	}
	return nil
}

// SendSetProbeColor implements link.Link.
func (l *Link) SendSetProbeColor(ctx context.Context, color uint8) (bool, error) {
	l.record("set_probe_color")
	return true, nil
}

// SendSetProbeID implements link.Link.
func (l *Link) SendSetProbeID(ctx context.Context, id uint8) (bool, error) {
	l.record("set_probe_id")
	return true, nil
}

// SendSetPrediction implements link.Link.
func (l *Link) SendSetPrediction(ctx context.Context, setPointCelsius float64, mode uint8) (bool, error) {
	l.record("set_prediction")
	return true, nil
}

// SendConfigureFoodSafe implements link.Link.
func (l *Link) SendConfigureFoodSafe(ctx context.Context, params []byte) (bool, error) {
	l.record("configure_food_safe")
	return true, nil
}

// SendResetFoodSafe implements link.Link.
func (l *Link) SendResetFoodSafe(ctx context.Context) (bool, error) {
	l.record("reset_food_safe")
	return true, nil
}

// SendSetPowerMode implements link.Link.
func (l *Link) SendSetPowerMode(ctx context.Context, mode uint8) (bool, error) {
	l.record("set_power_mode")
	return true, nil
}

// SendResetProbe implements link.Link.
func (l *Link) SendResetProbe(ctx context.Context) (bool, error) {
	l.record("reset_probe")
	return true, nil
}

// SendLogRequest implements link.Link.
func (l *Link) SendLogRequest(ctx context.Context, minSequence, maxSequence uint32) (bool, error) {
	l.record("log_request")
	if l.Handlers.OnLogRequest != nil {
		return l.Handlers.OnLogRequest(minSequence, maxSequence)
	}
	return true, nil
}

// RequestTimeout implements link.Link.
func (l *Link) RequestTimeout() time.Duration {
	if l.IsRepeater {
		return link.MeshedRequestTimeout
	}
	return link.DirectRequestTimeout
}

// PushConnectionState injects a connection-state transition.
func (l *Link) PushConnectionState(state link.ConnectionState) {
	select {
	case l.states <- state:
	default:
	}
}

// PushRSSI injects one RSSI sample.
func (l *Link) PushRSSI(reading link.RSSIReading) {
	select {
	case l.rssi <- reading:
	default:
	}
}

// PushOutOfRange injects an out-of-range signal.
func (l *Link) PushOutOfRange() {
	select {
	case l.outOfRange <- struct{}{}:
	default:
	}
}

// PushStatus injects a connected-mode status notification.
func (l *Link) PushStatus(status link.StatusNotification) {
	select {
	case l.status <- status:
	default:
	}
}

var _ link.Link = (*Link)(nil)
