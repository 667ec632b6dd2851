package probe

import (
	"context"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/adarbiter"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/logstore"
	"github.com/combustion-inc/meatnet-fusion/pkg/prediction"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

// HandleAdvertisement applies one decoded advertisement observed on
// linkID. A suppressed advertisement (the
// Advertisement Arbiter's Decision.Publish == false) still refreshes
// the link's own RSSI/in-range/connectable bookkeeping, since those
// describe the link itself rather than the arbitrated probe reading.
func (m *Machine) HandleAdvertisement(linkID link.ID, adv scan.Advertisement) {
	m.mu.Lock()
	rec := m.recordFor(linkID)
	if rec != nil {
		m.lastAdvert[linkID] = time.Now()
		rec.RSSI = adv.RSSI
		rec.IsInRange = true
		rec.IsConnectable = adv.IsConnectable
		rec.HopCount = adv.HopCount
		if rec.ConnectionState != link.StateConnected &&
			rec.ConnectionState != link.StateConnecting &&
			rec.ConnectionState != link.StateDisconnecting {
			if adv.IsConnectable {
				rec.ConnectionState = link.StateAdvertisingConnectable
			} else {
				rec.ConnectionState = link.StateAdvertisingNotConnectable
			}
		}
	}

	var decision adarbiter.Decision
	switch adv.Mode {
	case scan.ModeNormal:
		decision = m.adArbiter.Apply(adarbiter.ModeNormal, linkID, adv.HopCount)
	case scan.ModeInstantRead:
		decision = m.adArbiter.Apply(adarbiter.ModeInstantRead, linkID, adv.HopCount)
	}

	if decision.Publish {
		switch adv.Mode {
		case scan.ModeNormal:
			m.lastTemps = [8]float64(adv.ProbeTemperatures)
			m.lastVirtualSensors = adv.VirtualSensors
			m.battery = adv.Battery
			m.color = adv.Color
			m.probeID = adv.ProbeID
		case scan.ModeInstantRead:
			m.instantRead.Update(adv.InstantReadCelsius)
			m.battery = adv.Battery
			m.color = adv.Color
			m.probeID = adv.ProbeID
		}
	}

	shouldConnect := rec != nil && m.linkArbiter.ShouldConnect(rec, false)
	m.mu.Unlock()

	m.logEvent(telemetry.Event{
		DeviceID: linkID.DeviceID,
		Category: telemetry.CategoryAdvertisement,
		Advertisement: &telemetry.AdvertisementEvent{
			Mode:       adv.Mode.String(),
			HopCount:   adv.HopCount,
			Suppressed: !decision.Publish,
			Replaced:   decision.Replaced,
		},
	})

	if shouldConnect {
		go m.issueConnect(rec)
	}

	m.recomputeAndPublish()
}

// HandleConnectionStateChange applies an observed connection-state
// transition for linkID.
func (m *Machine) HandleConnectionStateChange(linkID link.ID, newState link.ConnectionState) {
	m.mu.Lock()
	rec := m.recordFor(linkID)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	oldState := rec.ConnectionState
	rec.ConnectionState = newState
	if newState.IsDisconnected() && rec.IsDirect() {
		m.linkArbiter.ResetDirectDiscovery()
	}

	var dropDirect, pinnedLost bool
	var direct *link.Record
	if rec.IsRepeater && newState == link.StateConnected && m.linkArbiter.ShouldDropDirectLinkForMeatNet(m.uploadState) {
		dropDirect = true
		direct = m.linkArbiter.RawDirect()
	}
	if m.pinnedLogLink != nil && *m.pinnedLogLink == linkID {
		switch newState {
		case link.StateDisconnected, link.StateNoRoute, link.StateOutOfRange:
			pinnedLost = true
		}
	}
	isRepeater := rec.IsRepeater
	m.mu.Unlock()

	m.logEvent(telemetry.Event{
		DeviceID: linkID.DeviceID,
		Category: telemetry.CategoryLink,
		Link: &telemetry.LinkEvent{
			IsRepeater: isRepeater,
			OldState:   oldState.String(),
			NewState:   newState.String(),
		},
	})

	if dropDirect && direct != nil {
		go m.issueDisconnect(direct)
	}
	if pinnedLost {
		m.finishLogTransfer("reassigned", link.UploadUnavailable)
	}

	m.recomputeAndPublish()
}

// HandleStatusNotification applies a connected-mode status packet.
// Only the preferred link's notifications are accepted, unless this
// probe is backed by a simulated device.
func (m *Machine) HandleStatusNotification(linkID link.ID, status link.StatusNotification) {
	m.mu.Lock()
	preferred := m.linkArbiter.PreferredMeatNetLink()
	if !m.simulated && (preferred == nil || preferred.ID != linkID) {
		m.mu.Unlock()
		return
	}
	m.statusMonitor.Touch()
	m.sessionInfoTimeout = false

	sessionChanged := m.haveSessionInfo && m.sessionInfo.SessionID != status.SessionID
	finishPrevious := sessionChanged && m.uploadState == link.UploadProbeUploadInProgress
	m.mu.Unlock()

	// The interrupted transfer is finished while the old session and its
	// sequence range are still current, so its record names that session.
	if finishPrevious {
		m.finishLogTransfer("reassigned", link.UploadUnavailable)
	}

	m.mu.Lock()
	if !m.haveSessionInfo || sessionChanged {
		m.sessionInfo = SessionInfo{SessionID: status.SessionID, SamplePeriodMillis: status.SamplePeriodMillis}
		m.haveSessionInfo = true
		// Open Question resolution: a session change clears the known
		// sequence-number range rather than carrying the old one forward.
		m.minSeq, m.maxSeq = nil, nil
	}
	minSeq, maxSeq := status.MinSequenceNumber, status.MaxSequenceNumber
	m.minSeq, m.maxSeq = &minSeq, &maxSeq

	m.lastTemps = status.Temperatures
	m.lastVirtualSensors = scan.VirtualSensors{Core: status.VirtualCore, Surface: status.VirtualSurface, Ambient: status.VirtualAmbient}
	m.battery = scan.BatteryStatus(status.Battery)
	m.color = status.Color
	m.probeID = status.ProbeID
	// TODO: repeater firmware <= 2.2.0 can set the overheating flag
	// spuriously; add a temperature sanity check once the thresholds
	// are known.
	m.overheating = status.Overheating

	if status.HasInstantRead {
		m.instantRead.Update(status.InstantReadCelsius)
	}

	m.predictionMonitor.Touch()
	m.isPredicting = prediction.State(status.PredictionState) == prediction.StatePredicting
	m.predictionRaw = status.PredictionRawSeconds
	m.predictionMode = status.PredictionMode
	m.predictionType = status.PredictionType
	m.predictionSetPoint = status.PredictionSetPoint
	m.predictionHeatStart = status.PredictionHeatStart

	sample := prediction.Sample{
		RawSeconds:      status.PredictionRawSeconds,
		SequenceNumber:  status.PredictionSequence,
		State:           prediction.State(status.PredictionState),
		SetPointCelsius: status.PredictionSetPoint,
	}
	if seconds, ok := m.linearizer.Apply(sample); ok {
		m.predictionDisplayed = seconds
	}
	m.mu.Unlock()

	m.logEvent(telemetry.Event{
		DeviceID: linkID.DeviceID,
		Category: telemetry.CategoryStatus,
		Status: &telemetry.StatusEvent{
			FromPreferredLink: true,
			MinSequence:       status.MinSequenceNumber,
			MaxSequence:       status.MaxSequenceNumber,
			SessionChanged:    sessionChanged,
		},
	})

	m.statusFlow.Publish(StatusEvent{
		SerialNumber: m.serialNumber,
		DeviceID:     linkID.DeviceID,
		Snapshot:     m.CurrentSnapshot(),
	})

	m.recomputeAndPublish()
}

// HandleRemoteRSSI applies one RSSI poll result, disconnecting the
// link after MaxConsecutiveRSSIFailures consecutive read failures.
func (m *Machine) HandleRemoteRSSI(linkID link.ID, reading link.RSSIReading) {
	m.mu.Lock()
	rec := m.recordFor(linkID)
	if rec == nil {
		m.mu.Unlock()
		return
	}

	if reading.Err != nil {
		m.rssiFailures[linkID]++
		failures := m.rssiFailures[linkID]
		m.mu.Unlock()

		m.logEvent(telemetry.Event{
			DeviceID: linkID.DeviceID,
			Category: telemetry.CategoryError,
			Error:    &telemetry.ErrorEvent{Context: "remote_rssi", Message: reading.Err.Error()},
		})
		if failures >= MaxConsecutiveRSSIFailures {
			go m.issueDisconnect(rec)
		}
		return
	}

	m.rssiFailures[linkID] = 0
	rec.RSSI = reading.RSSI
	isRepeater := rec.IsRepeater
	m.mu.Unlock()

	rssi := reading.RSSI
	m.logEvent(telemetry.Event{
		DeviceID: linkID.DeviceID,
		Category: telemetry.CategoryLink,
		Link:     &telemetry.LinkEvent{IsRepeater: isRepeater, RSSI: &rssi},
	})
}

// HandleOutOfRange applies an explicit out-of-range signal for linkID.
func (m *Machine) HandleOutOfRange(linkID link.ID) {
	m.mu.Lock()
	rec := m.recordFor(linkID)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.IsInRange = false
	isRepeater := rec.IsRepeater
	m.mu.Unlock()

	m.logEvent(telemetry.Event{
		DeviceID: linkID.DeviceID,
		Category: telemetry.CategoryLink,
		Link:     &telemetry.LinkEvent{IsRepeater: isRepeater, OutOfRange: true},
	})
	m.recomputeAndPublish()
}

// HandleDeviceInfoResponse applies a firmware/hardware/model read
// completed for linkID.
func (m *Machine) HandleDeviceInfoResponse(linkID link.ID, model link.ModelInfo) {
	m.mu.Lock()
	rec := m.recordFor(linkID)
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.Model = model
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// RequestLog pins the current preferred link and requests the
// firmware's outstanding log record range. The pinned
// link is not migrated mid-transfer even if a better route later
// appears.
func (m *Machine) RequestLog(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.uploadState == link.UploadProbeUploadInProgress {
		m.mu.Unlock()
		return false, ErrLogTransferInProgress
	}
	preferred := m.linkArbiter.PreferredMeatNetLink()
	if preferred == nil || preferred.Link == nil {
		m.mu.Unlock()
		return false, ErrNoRoute
	}

	id := preferred.ID
	m.pinnedLogLink = &id
	m.uploadState = link.UploadProbeUploadInProgress
	m.recordsDownloaded = 0

	var minSeq, maxSeq uint32
	if m.minSeq != nil {
		minSeq = *m.minSeq
	}
	if m.maxSeq != nil {
		maxSeq = *m.maxSeq
	}
	collaborator := preferred.Link
	deviceID := preferred.DeviceID
	m.mu.Unlock()

	m.logFlow.Publish(LogEvent{SerialNumber: m.serialNumber, Phase: "requested", PinnedDeviceID: deviceID})
	m.logEvent(telemetry.Event{
		DeviceID:    deviceID,
		Category:    telemetry.CategoryLogTransfer,
		LogTransfer: &telemetry.LogTransferEvent{Phase: "requested", PinnedDeviceID: deviceID},
	})

	ok, err := collaborator.SendLogRequest(ctx, minSeq, maxSeq)
	if err != nil || !ok {
		m.mu.Lock()
		m.uploadState = link.UploadUnavailable
		m.pinnedLogLink = nil
		m.mu.Unlock()
		m.recomputeAndPublish()
		return false, err
	}

	m.recomputeAndPublish()
	return true, nil
}

// CompleteLogTransfer marks the in-progress log transfer finished,
// recording recordsDownloaded and invoking the completion hook.
func (m *Machine) CompleteLogTransfer(recordsDownloaded int) {
	m.mu.Lock()
	m.recordsDownloaded = recordsDownloaded
	m.mu.Unlock()
	m.finishLogTransfer("completed", link.UploadComplete)
	m.recomputeAndPublish()
}

// finishLogTransfer unpins the log link, invokes the completion hook
// collaborator, and publishes a LogEvent. Safe to call even if no
// transfer is in progress. terminal is the upload state the probe is
// left in: Complete for a transfer that ran to the end, Unavailable
// for one interrupted by a session change or pinned-link loss.
func (m *Machine) finishLogTransfer(reason string, terminal link.UploadState) {
	m.mu.Lock()
	if m.pinnedLogLink == nil {
		m.uploadState = link.UploadUnavailable
		m.mu.Unlock()
		return
	}

	rec := logstore.CompletionRecord{
		SerialNumber:      m.serialNumber,
		DeviceID:          m.pinnedLogLink.DeviceID,
		SessionID:         m.sessionInfo.SessionID,
		RecordsDownloaded: m.recordsDownloaded,
		CompletedAt:       time.Now(),
	}
	if m.minSeq != nil {
		rec.MinSequenceNumber = *m.minSeq
	}
	if m.maxSeq != nil {
		rec.MaxSequenceNumber = *m.maxSeq
	}
	pinnedDevice := rec.DeviceID
	m.uploadState = terminal
	m.pinnedLogLink = nil
	m.mu.Unlock()

	if m.completionHook != nil {
		m.completionHook(rec)
	}
	m.logFlow.Publish(LogEvent{
		SerialNumber:      m.serialNumber,
		Phase:             reason,
		PinnedDeviceID:    pinnedDevice,
		RecordsDownloaded: rec.RecordsDownloaded,
	})
	m.logEvent(telemetry.Event{
		DeviceID:    pinnedDevice,
		Category:    telemetry.CategoryLogTransfer,
		LogTransfer: &telemetry.LogTransferEvent{Phase: reason, PinnedDeviceID: pinnedDevice, RecordsDownloaded: rec.RecordsDownloaded},
	})
}

func (m *Machine) issueConnect(rec *link.Record) {
	if rec.Link == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, rec.Link.RequestTimeout())
	defer cancel()
	if err := rec.Link.Connect(ctx); err != nil {
		m.logEvent(telemetry.Event{
			DeviceID: rec.DeviceID,
			Category: telemetry.CategoryError,
			Error:    &telemetry.ErrorEvent{Context: "connect", Message: err.Error()},
		})
		return
	}
	m.logEvent(telemetry.Event{
		DeviceID: rec.DeviceID,
		Category: telemetry.CategoryLink,
		Link:     &telemetry.LinkEvent{IsRepeater: rec.IsRepeater, Command: "connect"},
	})
}

func (m *Machine) issueDisconnect(rec *link.Record) {
	if rec.Link == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, rec.Link.RequestTimeout())
	defer cancel()
	if err := rec.Link.Disconnect(ctx); err != nil {
		m.logEvent(telemetry.Event{
			DeviceID: rec.DeviceID,
			Category: telemetry.CategoryError,
			Error:    &telemetry.ErrorEvent{Context: "disconnect", Message: err.Error()},
		})
		return
	}
	m.logEvent(telemetry.Event{
		DeviceID: rec.DeviceID,
		Category: telemetry.CategoryLink,
		Link:     &telemetry.LinkEvent{IsRepeater: rec.IsRepeater, Command: "disconnect"},
	})
}

// onLinearizerTick is the Linearizer's onTick collaborator callback:
// it fires from the linearizer's internal ticker goroutine,
// independent of any inbound status notification.
func (m *Machine) onLinearizerTick(seconds int) {
	m.mu.Lock()
	m.predictionDisplayed = seconds
	raw := m.predictionRaw
	m.mu.Unlock()

	m.logEvent(telemetry.Event{
		Category:   telemetry.CategoryPrediction,
		Prediction: &telemetry.PredictionEvent{RawSeconds: raw, SecondsRemaining: seconds, FineResolution: true},
	})
	m.recomputeAndPublish()
}

// stalenessWatchdog polls for transitions that no inbound event would
// otherwise trigger a republish for: a status stream going idle
// without an explicit disconnect, or a link aging out of range. The
// staleness flags themselves only start reporting after the warm-up
// (see buildSnapshotLocked); link aging runs from the start.
func (m *Machine) stalenessWatchdog() {
	defer m.wg.Done()

	ticker := time.NewTicker(StaleWatchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.expireStaleLinks()
			m.recomputeAndPublish()
		}
	}
}

// expireStaleLinks marks links whose advertisements stopped more than
// OutOfRangeTimeout ago as out of range. Connected links are exempt:
// a connected link does not advertise.
func (m *Machine) expireStaleLinks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	var recs []*link.Record
	if d := m.linkArbiter.RawDirect(); d != nil {
		recs = append(recs, d)
	}
	recs = append(recs, m.linkArbiter.RepeatedLinks()...)

	for _, rec := range recs {
		if rec.ConnectionState == link.StateConnected ||
			rec.ConnectionState == link.StateConnecting ||
			rec.ConnectionState == link.StateDisconnecting {
			continue
		}
		last, seen := m.lastAdvert[rec.ID]
		if !seen || now.Sub(last) < OutOfRangeTimeout {
			continue
		}
		rec.IsInRange = false
		if rec.ConnectionState == link.StateAdvertisingConnectable ||
			rec.ConnectionState == link.StateAdvertisingNotConnectable {
			rec.ConnectionState = link.StateOutOfRange
		}
	}
}

// recomputeAndPublish rebuilds the snapshot from current state and
// publishes it only if it actually changed.
func (m *Machine) recomputeAndPublish() {
	m.mu.Lock()
	snap := m.buildSnapshotLocked()
	changed := !snapshotsEqual(snap, m.snapshot)
	m.snapshot = snap
	m.mu.Unlock()

	if !changed {
		return
	}
	m.snapshotFlow.Publish(snap)
	m.logEvent(telemetry.Event{
		Category: telemetry.CategorySnapshot,
		Snapshot: &telemetry.SnapshotEvent{ConnectionState: snap.ConnectionState.String(), PreferredLinkID: snap.PreferredLinkMAC},
	})
}

func (m *Machine) buildSnapshotLocked() Snapshot {
	snap := Snapshot{
		SerialNumber:           m.serialNumber,
		ConnectionState:        m.deriveConnectionStateLocked(),
		SessionInfo:            m.sessionInfo,
		MinSequenceNumber:      m.minSeq,
		MaxSequenceNumber:      m.maxSeq,
		NormalModeTemperatures: m.lastTemps,
		Battery:                m.battery,
		Color:                  m.color,
		ProbeID:                m.probeID,
		UploadState:            m.uploadState,
		RecordsDownloaded:      m.recordsDownloaded,
		Overheating:            m.overheating,
	}

	if preferred := m.linkArbiter.PreferredMeatNetLink(); preferred != nil {
		snap.PreferredLinkMAC = preferred.DeviceID
		snap.PreferredLinkHopCount = preferred.HopCount
		snap.FirmwareVersion = preferred.Model.FirmwareVersion
		snap.HardwareRevision = preferred.Model.HardwareRevision
		snap.Model = preferred.Model
	}

	core, surface, ambient := virtualSensorValues(m.lastTemps, m.lastVirtualSensors)
	snap.CoreTemperature = core
	snap.SurfaceTemperature = surface
	snap.AmbientTemperature = ambient

	if smoothed, raw, ok := m.instantRead.Value(); ok {
		snap.HasInstantRead = true
		snap.InstantReadSmoothed = smoothed
		snap.InstantReadRaw = raw
	}

	predState := prediction.StateUnknown
	if m.isPredicting {
		predState = prediction.StatePredicting
	}
	snap.Prediction = PredictionInfo{
		State:                predState,
		Mode:                 m.predictionMode,
		Type:                 m.predictionType,
		SetPointCelsius:      m.predictionSetPoint,
		HeatStartCelsius:     m.predictionHeatStart,
		RawSeconds:           m.predictionRaw,
		DisplayedSeconds:     m.predictionDisplayed,
		EstimatedCoreCelsius: core,
		PercentThroughCook:   prediction.PercentThroughCook(core, m.predictionSetPoint, m.predictionHeatStart),
	}

	if time.Since(m.startedAt) >= StaleWatchdogWarmup {
		snap.StatusNotificationsStale = m.statusMonitor.IsIdle(StatusNotificationsStaleTimeout)
		snap.PredictionStale = m.isPredicting && m.predictionMonitor.IsIdle(PredictionStaleTimeout)
	}

	if snap.UploadState == link.UploadProbeUploadInProgress && snap.MinSequenceNumber != nil && snap.MaxSequenceNumber != nil {
		total := float64(*snap.MaxSequenceNumber-*snap.MinSequenceNumber) + 1
		if total > 0 {
			pct := float64(m.recordsDownloaded) / total * 100
			if pct > 100 {
				pct = 100
			}
			snap.LogUploadPercent = pct
		}
	}

	return snap
}

// deriveConnectionStateLocked fuses every candidate link's state into
// the single probe-level reported connection state.
// Callers must hold m.mu.
func (m *Machine) deriveConnectionStateLocked() link.ConnectionState {
	if m.simulated {
		return m.simulatedState
	}

	direct := m.linkArbiter.RawDirect()
	if !m.settings.MeshEnabled {
		if direct == nil {
			return link.StateOutOfRange
		}
		return direct.ConnectionState
	}

	preferred := m.linkArbiter.PreferredMeatNetLink()
	if direct != nil && preferred != nil && direct.ID == preferred.ID {
		return direct.ConnectionState
	}

	if m.linkArbiter.IsOutOfRange() {
		return link.StateOutOfRange
	}

	states := m.allLinkStatesLocked()

	for _, st := range states {
		if st == link.StateConnected {
			if m.sessionInfoTimeout && m.uploadState != link.UploadProbeUploadInProgress {
				return link.StateNoRoute
			}
			return link.StateConnected
		}
	}
	for _, st := range states {
		if st == link.StateConnecting {
			return link.StateConnecting
		}
	}
	for _, st := range states {
		if st == link.StateDisconnecting {
			return link.StateDisconnecting
		}
	}
	for _, st := range states {
		if st == link.StateAdvertisingConnectable {
			return link.StateAdvertisingConnectable
		}
	}
	for _, st := range states {
		if st == link.StateAdvertisingNotConnectable {
			return link.StateAdvertisingNotConnectable
		}
	}
	return link.StateNoRoute
}

func (m *Machine) allLinkStatesLocked() []link.ConnectionState {
	var out []link.ConnectionState
	if d := m.linkArbiter.RawDirect(); d != nil {
		out = append(out, d.ConnectionState)
	}
	for _, r := range m.linkArbiter.RepeatedLinks() {
		out = append(out, r.ConnectionState)
	}
	return out
}
