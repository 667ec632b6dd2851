// Package probe implements the Probe State Machine: the fusion heart
// of the engine. One Machine exists per logical probe
// (serial number) and owns a Link Arbiter, an Advertisement Arbiter,
// a Prediction Linearizer, an Instant-Read Filter, and the snapshot/
// status/log-event broadcast flows.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/adarbiter"
	"github.com/combustion-inc/meatnet-fusion/pkg/flow"
	"github.com/combustion-inc/meatnet-fusion/pkg/idlemonitor"
	"github.com/combustion-inc/meatnet-fusion/pkg/instantread"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/linkarbiter"
	"github.com/combustion-inc/meatnet-fusion/pkg/logstore"
	"github.com/combustion-inc/meatnet-fusion/pkg/prediction"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
	"github.com/combustion-inc/meatnet-fusion/pkg/settings"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

// Timeouts owned by the Probe State Machine.
const (
	StatusNotificationsStaleTimeout = 15 * time.Second
	StaleWatchdogPoll               = 1 * time.Second
	StaleWatchdogWarmup             = 30 * time.Second
	PredictionStaleTimeout          = 60 * time.Second
	OutOfRangeTimeout               = 15 * time.Second
	MaxConsecutiveRSSIFailures      = 5
)

// StatusEvent is published on every applied status notification.
type StatusEvent struct {
	SerialNumber string
	DeviceID     string
	Snapshot     Snapshot
}

// LogEvent is published across a log transfer's lifecycle.
type LogEvent struct {
	SerialNumber      string
	Phase             string // "requested" | "completed" | "reassigned"
	PinnedDeviceID    string
	RecordsDownloaded int
}

// Machine is the Probe State Machine for one logical probe.
type Machine struct {
	serialNumber string

	mu sync.Mutex

	linkArbiter *linkarbiter.Arbiter
	adArbiter   *adarbiter.Arbiter

	statusMonitor     *idlemonitor.Monitor
	predictionMonitor *idlemonitor.Monitor
	instantRead       *instantread.Filter
	linearizer        *prediction.Linearizer

	settings settings.Settings

	sessionInfo        SessionInfo
	haveSessionInfo    bool
	sessionInfoTimeout bool
	minSeq, maxSeq     *uint32

	uploadState       link.UploadState
	recordsDownloaded int
	pinnedLogLink     *link.ID

	rssiFailures map[link.ID]int
	lastAdvert   map[link.ID]time.Time

	startedAt time.Time

	lastTemps          [8]float64
	lastVirtualSensors scan.VirtualSensors
	battery            scan.BatteryStatus
	color              uint8
	probeID            uint8
	overheating        bool

	isPredicting         bool
	predictionRaw        int
	predictionDisplayed  int
	predictionMode       uint8
	predictionType       uint8
	predictionSetPoint   float64
	predictionHeatStart  float64

	snapshot Snapshot

	simulated      bool
	simulatedState link.ConnectionState

	completionHook logstore.CompletionHook
	telemetry      telemetry.Logger

	snapshotFlow *flow.Broadcaster[Snapshot]
	statusFlow   *flow.Broadcaster[StatusEvent]
	logFlow      *flow.Broadcaster[LogEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithCompletionHook sets the persistence-hook collaborator invoked
// when a log transfer finishes.
func WithCompletionHook(hook logstore.CompletionHook) Option {
	return func(m *Machine) { m.completionHook = hook }
}

// WithTelemetry sets the protocol event logger.
func WithTelemetry(t telemetry.Logger) Option {
	return func(m *Machine) { m.telemetry = t }
}

// New creates a Machine for serialNumber and starts its cooperative
// background tasks (linearizer ticker lifecycle, staleness watchdog).
func New(serialNumber string, s settings.Settings, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Machine{
		serialNumber:      serialNumber,
		linkArbiter:       linkarbiter.New(s),
		adArbiter:         adarbiter.New(),
		statusMonitor:     idlemonitor.New(),
		predictionMonitor: idlemonitor.New(),
		instantRead:       instantread.New(),
		settings:          s,
		uploadState:       link.UploadUnavailable,
		rssiFailures:      make(map[link.ID]int),
		lastAdvert:        make(map[link.ID]time.Time),
		startedAt:         time.Now(),
		telemetry:         telemetry.NoopLogger{},
		snapshotFlow:      flow.New[Snapshot](flow.DropOldest, 0),
		statusFlow:        flow.New[StatusEvent](flow.DropOldest, 0),
		logFlow:           flow.New[LogEvent](flow.Blocking, 0),
		ctx:               ctx,
		cancel:            cancel,
	}
	m.snapshot = Snapshot{SerialNumber: serialNumber, ConnectionState: link.StateOutOfRange}

	for _, opt := range opts {
		opt(m)
	}

	m.linearizer = prediction.New(m.onLinearizerTick)

	m.wg.Add(1)
	go m.stalenessWatchdog()

	return m
}

// SerialNumber returns this machine's probe serial number.
func (m *Machine) SerialNumber() string { return m.serialNumber }

// Close cancels all cooperative tasks and stops the linearizer.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
	m.linearizer.Stop()
	m.snapshotFlow.Close()
	m.statusFlow.Close()
	m.logFlow.Close()
}

// Snapshots returns a subscription to the published Snapshot stream.
func (m *Machine) Snapshots() (<-chan Snapshot, func()) {
	return m.snapshotFlow.Subscribe()
}

// StatusEvents returns a subscription to applied status notifications.
func (m *Machine) StatusEvents() (<-chan StatusEvent, func()) {
	return m.statusFlow.Subscribe()
}

// LogEvents returns a subscription to the log-transfer lifecycle.
func (m *Machine) LogEvents() (<-chan LogEvent, func()) {
	return m.logFlow.Subscribe()
}

// CurrentSnapshot returns the most recently published snapshot.
func (m *Machine) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// AttachDirectLink registers rec as this probe's direct link.
func (m *Machine) AttachDirectLink(rec *link.Record) {
	m.mu.Lock()
	m.linkArbiter.SetDirect(rec)
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// AttachRepeatedLink registers rec as a repeated link via a MeatNet
// node.
func (m *Machine) AttachRepeatedLink(rec *link.Record) {
	m.mu.Lock()
	m.linkArbiter.UpsertRepeated(rec)
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// DetachRepeatedLink removes a repeated link, e.g. when its node goes
// away entirely.
func (m *Machine) DetachRepeatedLink(id link.ID) {
	m.mu.Lock()
	m.linkArbiter.RemoveRepeated(id)
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// SetSimulated marks this probe as backed by a simulated device
// reporting state directly.
func (m *Machine) SetSimulated(state link.ConnectionState) {
	m.mu.Lock()
	m.simulated = true
	m.simulatedState = state
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// ClearSimulated removes simulated-device precedence.
func (m *Machine) ClearSimulated() {
	m.mu.Lock()
	m.simulated = false
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// SetSettings updates the settings snapshot the Link Arbiter branches
// on.
func (m *Machine) SetSettings(s settings.Settings) {
	m.mu.Lock()
	m.settings = s
	m.linkArbiter.SetSettings(s)
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// recordFor returns the link.Record for id, or nil if it is not the
// direct link or one of the repeated links.
func (m *Machine) recordFor(id link.ID) *link.Record {
	if d := m.linkArbiter.RawDirect(); d != nil && d.ID == id {
		return d
	}
	for _, r := range m.linkArbiter.RepeatedLinks() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *Machine) logEvent(ev telemetry.Event) {
	ev.Timestamp = time.Now()
	ev.SerialNumber = m.serialNumber
	m.telemetry.Log(ev)
}
