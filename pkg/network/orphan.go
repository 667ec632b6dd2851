package network

import (
	"context"

	"github.com/combustion-inc/meatnet-fusion/pkg/retry"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

// orphanReadAttempts bounds the transient connect-read-disconnect
// exchange against an orphaned repeater.
const orphanReadAttempts = 3

// handleOrphanRepeater handles a repeater advertising serial "0" — no
// associated probe. If mesh is enabled and the device
// is not already known, a transient link is created just long enough
// to read its firmware identity into firmware_state_of_network.
func (m *Manager) handleOrphanRepeater(adv scan.Advertisement) {
	if !m.settings.MeshEnabled {
		return
	}

	m.mu.Lock()
	_, known := m.firmwareState[adv.DeviceID]
	inFlight := m.orphanInFlight[adv.DeviceID]
	if known || inFlight {
		m.mu.Unlock()
		return
	}
	m.orphanInFlight[adv.DeviceID] = true
	m.mu.Unlock()

	transient := m.factory.NewLink(adv.DeviceID, OrphanSerial, true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.orphanInFlight, adv.DeviceID)
			m.mu.Unlock()
		}()

		err := m.withNode(m.ctx, adv.DeviceID, func() error {
			return retry.Do(m.ctx, orphanReadAttempts, func() error {
				ctx, cancel := context.WithTimeout(m.ctx, transient.RequestTimeout())
				defer cancel()

				if err := transient.Connect(ctx); err != nil {
					return err
				}
				defer func() {
					disconnectCtx, disconnectCancel := context.WithTimeout(m.ctx, transient.RequestTimeout())
					_ = transient.Disconnect(disconnectCtx)
					disconnectCancel()
				}()

				info, err := transient.ReadModelInformation(ctx)
				if err != nil {
					return err
				}
				m.mu.Lock()
				m.firmwareState[adv.DeviceID] = info
				m.mu.Unlock()
				return nil
			})
		})
		if err != nil {
			m.logEvent(telemetry.Event{
				DeviceID: adv.DeviceID,
				Category: telemetry.CategoryError,
				Error:    &telemetry.ErrorEvent{Context: "orphan_firmware_read", Message: err.Error()},
			})
		}
	}()
}
