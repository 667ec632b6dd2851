package network

import (
	"context"

	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/probe"
	"github.com/combustion-inc/meatnet-fusion/pkg/retry"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

// deviceInfoReadAttempts bounds the firmware/hardware/model read retry
// loop; a still-missing field is retried again on the next connect.
const deviceInfoReadAttempts = 3

// startLinkPumps spawns the cooperative collectors for one link:
// connection state, RSSI, out-of-range, and status notifications, each
// handed to the owning probe machine.
// All four stop when the link is unlinked or the manager finishes.
func (m *Manager) startLinkPumps(rec *link.Record, machine *probe.Machine) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.pumpCancels[rec.ID] = cancel
	m.mu.Unlock()

	states := rec.Link.ObserveConnectionState()
	rssi := rec.Link.ObserveRemoteRSSI()
	outOfRange := rec.Link.ObserveOutOfRange()
	status := rec.Link.ObserveProbeStatus()

	m.wg.Add(4)

	go func() {
		defer m.wg.Done()
		infoRead := false
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-states:
				if !ok {
					return
				}
				machine.HandleConnectionStateChange(rec.ID, state)
				if state == link.StateConnected && !infoRead {
					infoRead = true
					go m.readDeviceInfo(ctx, rec, machine)
				} else if state == link.StateDisconnected {
					infoRead = false
				}
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case reading, ok := <-rssi:
				if !ok {
					return
				}
				machine.HandleRemoteRSSI(rec.ID, reading)
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-outOfRange:
				if !ok {
					return
				}
				machine.HandleOutOfRange(rec.ID)
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case notification, ok := <-status:
				if !ok {
					return
				}
				machine.HandleStatusNotification(rec.ID, notification)
			}
		}
	}()
}

// readDeviceInfo reads firmware/hardware/model identity from a freshly
// connected link under the per-node semaphore, handing the result to
// the probe machine. Failures are logged and left for the next connect
// to retry.
func (m *Manager) readDeviceInfo(ctx context.Context, rec *link.Record, machine *probe.Machine) {
	var model link.ModelInfo
	err := m.withNode(ctx, rec.DeviceID, func() error {
		return retry.Do(ctx, deviceInfoReadAttempts, func() error {
			readCtx, cancel := context.WithTimeout(ctx, rec.Link.RequestTimeout())
			defer cancel()

			info, err := rec.Link.ReadModelInformation(readCtx)
			if err != nil {
				return err
			}
			if info.FirmwareVersion == "" {
				if info.FirmwareVersion, err = rec.Link.ReadFirmwareVersion(readCtx); err != nil {
					return err
				}
			}
			if info.HardwareRevision == "" {
				if info.HardwareRevision, err = rec.Link.ReadHardwareRevision(readCtx); err != nil {
					return err
				}
			}
			model = info
			return nil
		})
	})
	if err != nil {
		m.logEvent(telemetry.Event{
			SerialNumber: rec.SerialNumber,
			DeviceID:     rec.DeviceID,
			Category:     telemetry.CategoryError,
			Error:        &telemetry.ErrorEvent{Context: "device_info", Message: err.Error()},
		})
		return
	}
	machine.HandleDeviceInfoResponse(rec.ID, model)
}
