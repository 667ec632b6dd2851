// Package network implements the Network Manager: the upstream
// dispatcher that maps incoming advertisements to the right Probe
// State Machine and manages the set of physical link objects.
// It owns three indexes — devices by device id, links
// by (device, serial) pair, probe machines by serial number — plus the
// firmware map for orphaned repeaters that carry no probe.
package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/flow"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/logstore"
	"github.com/combustion-inc/meatnet-fusion/pkg/probe"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
	"github.com/combustion-inc/meatnet-fusion/pkg/settings"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

// OrphanSerial is the serial number a repeater advertises when it has
// no associated probe.
const OrphanSerial = "0"

var (
	// ErrUnknownProbe is returned by operations addressing a serial
	// number the manager is not tracking.
	ErrUnknownProbe = errors.New("network: unknown probe serial")
)

// LinkFactory is the host-radio-stack collaborator that materializes a
// live Link for a sighted (device, serial) pair. The engine never
// builds transport itself.
type LinkFactory interface {
	NewLink(deviceID, serialNumber string, isRepeater bool) link.Link
}

// LinkFactoryFunc adapts a function to the LinkFactory interface.
type LinkFactoryFunc func(deviceID, serialNumber string, isRepeater bool) link.Link

// NewLink calls f.
func (f LinkFactoryFunc) NewLink(deviceID, serialNumber string, isRepeater bool) link.Link {
	return f(deviceID, serialNumber, isRepeater)
}

// DeviceKind distinguishes the two device index entries.
type DeviceKind uint8

const (
	DeviceProbe DeviceKind = iota
	DeviceRepeater
)

// Device is one entry in the device index: a physical radio source and
// the set of probe serials it currently provides links for.
type Device struct {
	ID      string
	Kind    DeviceKind
	Serials map[string]struct{}
}

// ProbeEventKind classifies a ProbeEvent.
type ProbeEventKind uint8

const (
	ProbeDiscovered ProbeEventKind = iota
	ProbeRemoved
)

// ProbeEvent is published on the discovered-probes flow when a probe
// manager is created or finalized.
type ProbeEvent struct {
	Kind         ProbeEventKind
	SerialNumber string
}

// Manager is the process-wide Network Manager. Unit tests instantiate
// a fresh one; there is no package-level singleton.
type Manager struct {
	mu sync.Mutex

	settings settings.Settings
	factory  LinkFactory

	devices map[string]*Device
	links   map[link.ID]*link.Record
	probes  map[string]*probe.Machine

	// firmwareState tracks firmware info for repeaters with no
	// associated probe.
	firmwareState  map[string]link.ModelInfo
	orphanInFlight map[string]bool

	// nodeSem serializes request/response exchanges per node so at most
	// one request is outstanding per node at a time.
	nodeSem map[string]chan struct{}

	pumpCancels map[link.ID]context.CancelFunc

	probeEvents *flow.Broadcaster[ProbeEvent]

	completionHook logstore.CompletionHook
	telemetry      telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithCompletionHook sets the log-transfer persistence hook passed
// through to every probe machine the manager creates.
func WithCompletionHook(hook logstore.CompletionHook) Option {
	return func(m *Manager) { m.completionHook = hook }
}

// WithTelemetry sets the protocol event logger, shared with every
// probe machine the manager creates.
func WithTelemetry(t telemetry.Logger) Option {
	return func(m *Manager) { m.telemetry = t }
}

// New creates a Manager. factory materializes Links for newly-sighted
// (device, serial) pairs.
func New(s settings.Settings, factory LinkFactory, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		settings:       s,
		factory:        factory,
		devices:        make(map[string]*Device),
		links:          make(map[link.ID]*link.Record),
		probes:         make(map[string]*probe.Machine),
		firmwareState:  make(map[string]link.ModelInfo),
		orphanInFlight: make(map[string]bool),
		nodeSem:        make(map[string]chan struct{}),
		pumpCancels:    make(map[link.ID]context.CancelFunc),
		probeEvents:    flow.New[ProbeEvent](flow.DropOldest, 0),
		telemetry:      telemetry.NoopLogger{},
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes scanner until its advertisement channel closes or ctx
// is done, routing each advertisement through HandleAdvertisement.
func (m *Manager) Run(ctx context.Context, scanner scan.Scanner) {
	adverts := scanner.Advertisements()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case adv, ok := <-adverts:
			if !ok {
				return
			}
			m.HandleAdvertisement(adv)
		}
	}
}

// HandleAdvertisement routes one decoded advertisement:
// allowlist/product filtering, orphan-repeater firmware discovery,
// index maintenance, then dispatch into the probe machine.
func (m *Manager) HandleAdvertisement(adv scan.Advertisement) {
	if !m.settings.MeshEnabled && adv.Product != scan.ProductProbe {
		return
	}
	if !m.settings.Allows(adv.SerialNumber) {
		return
	}
	if adv.SerialNumber == OrphanSerial {
		m.handleOrphanRepeater(adv)
		return
	}

	isRepeater := adv.Product != scan.ProductProbe || adv.HopCount > 0

	m.mu.Lock()
	dev, ok := m.devices[adv.DeviceID]
	if !ok {
		kind := DeviceProbe
		if isRepeater {
			kind = DeviceRepeater
		}
		dev = &Device{ID: adv.DeviceID, Kind: kind, Serials: make(map[string]struct{})}
		m.devices[adv.DeviceID] = dev
	}
	dev.Serials[adv.SerialNumber] = struct{}{}

	machine, ok := m.probes[adv.SerialNumber]
	discovered := false
	if !ok {
		machine = probe.New(adv.SerialNumber, m.settings,
			probe.WithCompletionHook(m.completionHook),
			probe.WithTelemetry(m.telemetry),
		)
		m.probes[adv.SerialNumber] = machine
		discovered = true
	}

	id := link.ID{DeviceID: adv.DeviceID, SerialNumber: adv.SerialNumber}
	rec, ok := m.links[id]
	created := false
	if !ok {
		rec = &link.Record{
			ID:           id,
			DeviceID:     adv.DeviceID,
			SerialNumber: adv.SerialNumber,
			IsRepeater:   isRepeater,
			HopCount:     adv.HopCount,
			Link:         m.factory.NewLink(adv.DeviceID, adv.SerialNumber, isRepeater),
		}
		m.links[id] = rec
		created = true
	}
	m.mu.Unlock()

	if discovered {
		m.probeEvents.Publish(ProbeEvent{Kind: ProbeDiscovered, SerialNumber: adv.SerialNumber})
	}
	if created {
		if isRepeater {
			machine.AttachRepeatedLink(rec)
		} else {
			machine.AttachDirectLink(rec)
		}
		m.startLinkPumps(rec, machine)
	}

	machine.HandleAdvertisement(id, adv)
}

// Probe returns the probe machine for serial, or nil if untracked.
func (m *Manager) Probe(serial string) *probe.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes[serial]
}

// Probes returns the serial numbers of all tracked probes.
func (m *Manager) Probes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.probes))
	for serial := range m.probes {
		out = append(out, serial)
	}
	return out
}

// ProbeEvents returns a subscription to probe discovery/removal.
func (m *Manager) ProbeEvents() (<-chan ProbeEvent, func()) {
	return m.probeEvents.Subscribe()
}

// FirmwareStateOfNetwork returns a copy of the orphaned-repeater
// firmware map.
func (m *Manager) FirmwareStateOfNetwork() map[string]link.ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]link.ModelInfo, len(m.firmwareState))
	for id, info := range m.firmwareState {
		out[id] = info
	}
	return out
}

// Unlink drops serial from the fleet: it disconnects
// only the devices that serve no other probe ("sole providers"),
// removes every link for this serial, finalizes the probe machine, and
// emits ProbeRemoved.
func (m *Manager) Unlink(serial string) error {
	m.mu.Lock()
	machine, ok := m.probes[serial]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownProbe
	}

	providers := make(map[string]struct{})
	nonProviders := make(map[string]struct{})
	for id := range m.links {
		if id.SerialNumber == serial {
			providers[id.DeviceID] = struct{}{}
		} else {
			nonProviders[id.DeviceID] = struct{}{}
		}
	}

	var toDisconnect []*link.Record
	var toCancel []context.CancelFunc
	for id, rec := range m.links {
		if id.SerialNumber != serial {
			continue
		}
		if _, shared := nonProviders[id.DeviceID]; !shared {
			toDisconnect = append(toDisconnect, rec)
		}
		if cancel, ok := m.pumpCancels[id]; ok {
			toCancel = append(toCancel, cancel)
			delete(m.pumpCancels, id)
		}
		delete(m.links, id)
	}
	delete(m.probes, serial)
	for _, dev := range m.devices {
		delete(dev.Serials, serial)
	}
	m.mu.Unlock()

	for _, cancel := range toCancel {
		cancel()
	}
	for _, rec := range toDisconnect {
		if rec.Link == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), rec.Link.RequestTimeout())
		_ = rec.Link.Disconnect(ctx)
		cancel()
	}
	machine.Close()

	m.probeEvents.Publish(ProbeEvent{Kind: ProbeRemoved, SerialNumber: serial})
	return nil
}

// Finish cancels every child task deterministically and finalizes all
// probe machines.
func (m *Manager) Finish() {
	m.cancel()

	m.mu.Lock()
	machines := make([]*probe.Machine, 0, len(m.probes))
	for _, machine := range m.probes {
		machines = append(machines, machine)
	}
	m.probes = make(map[string]*probe.Machine)
	m.links = make(map[link.ID]*link.Record)
	for id, cancel := range m.pumpCancels {
		cancel()
		delete(m.pumpCancels, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, machine := range machines {
		machine.Close()
	}
	m.probeEvents.Close()
}

// withNode runs fn while holding the per-node semaphore, so at most
// one request/response exchange is outstanding per node.
func (m *Manager) withNode(ctx context.Context, deviceID string, fn func() error) error {
	m.mu.Lock()
	sem, ok := m.nodeSem[deviceID]
	if !ok {
		sem = make(chan struct{}, 1)
		m.nodeSem[deviceID] = sem
	}
	m.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return fn()
}

func (m *Manager) logEvent(ev telemetry.Event) {
	ev.Timestamp = time.Now()
	m.telemetry.Log(ev)
}
