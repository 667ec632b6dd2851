package probe

import (
	"context"

	"github.com/google/uuid"

	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

// Connect evaluates the connect policy for every candidate link with
// from_api_call=true and issues Connect to each link the
// policy approves. It returns ErrNoRoute when no candidate exists.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	var targets []*link.Record
	if d := m.linkArbiter.RawDirect(); d != nil && m.linkArbiter.ShouldConnect(d, true) {
		targets = append(targets, d)
	}
	for _, r := range m.linkArbiter.RepeatedLinks() {
		if m.linkArbiter.ShouldConnect(r, true) {
			targets = append(targets, r)
		}
	}
	hasAny := m.linkArbiter.RawDirect() != nil || len(m.linkArbiter.RepeatedLinks()) > 0
	m.mu.Unlock()

	if !hasAny {
		return ErrNoRoute
	}
	for _, rec := range targets {
		go m.issueConnect(rec)
	}
	return nil
}

// Disconnect evaluates the disconnect policy for every candidate link
// with from_api_call=true. Mesh links are only eligible when the
// CanDisconnectFromMeatNetDevices opt-in is set.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	var targets []*link.Record
	if d := m.linkArbiter.RawDirect(); d != nil && m.linkArbiter.ShouldDisconnect(d, true) {
		targets = append(targets, d)
	}
	if m.settings.MeshEnabled && m.settings.CanDisconnectFromMeatNetDevices {
		for _, r := range m.linkArbiter.ConnectedNodeLinks() {
			targets = append(targets, r)
		}
	}
	m.mu.Unlock()

	for _, rec := range targets {
		go m.issueDisconnect(rec)
	}
	return nil
}

// RequestSessionInformation sends a session-information request over
// the preferred link. A failure or timeout sets the session-info
// timeout flag, which feeds the NoRoute derivation.
func (m *Machine) RequestSessionInformation(ctx context.Context) error {
	collaborator, deviceID, err := m.preferredCollaborator()
	if err != nil {
		return err
	}

	corrID := uuid.NewString()
	m.logCommand(deviceID, corrID, "session_info", "request", false, nil)

	reqCtx, cancel := context.WithTimeout(ctx, collaborator.RequestTimeout())
	defer cancel()
	if err := collaborator.SendSessionInformationRequest(reqCtx); err != nil {
		m.mu.Lock()
		m.sessionInfoTimeout = true
		m.mu.Unlock()
		m.logCommand(deviceID, corrID, "session_info", "response", false, err)
		m.recomputeAndPublish()
		return err
	}
	m.logCommand(deviceID, corrID, "session_info", "response", true, nil)
	return nil
}

// HandleSessionInfoResponse applies a session-information response
// delivered over linkID's notification stream.
func (m *Machine) HandleSessionInfoResponse(linkID link.ID, info SessionInfo) {
	m.mu.Lock()
	preferred := m.linkArbiter.PreferredMeatNetLink()
	if !m.simulated && (preferred == nil || preferred.ID != linkID) {
		m.mu.Unlock()
		return
	}
	m.sessionInfoTimeout = false
	changed := m.haveSessionInfo && m.sessionInfo.SessionID != info.SessionID
	finishPrevious := changed && m.uploadState == link.UploadProbeUploadInProgress
	m.mu.Unlock()

	if finishPrevious {
		m.finishLogTransfer("reassigned", link.UploadUnavailable)
	}

	m.mu.Lock()
	if !m.haveSessionInfo || changed {
		m.sessionInfo = info
		m.haveSessionInfo = true
		m.minSeq, m.maxSeq = nil, nil
	}
	m.mu.Unlock()
	m.recomputeAndPublish()
}

// SetProbeColor sets the probe's color over the preferred link.
func (m *Machine) SetProbeColor(ctx context.Context, color uint8) (bool, error) {
	return m.execCommand(ctx, "set_probe_color", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendSetProbeColor(ctx, color)
	})
}

// SetProbeID sets the probe's numeric id over the preferred link.
func (m *Machine) SetProbeID(ctx context.Context, id uint8) (bool, error) {
	return m.execCommand(ctx, "set_probe_id", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendSetProbeID(ctx, id)
	})
}

// SetPrediction configures the probe-side prediction set point and
// mode over the preferred link.
func (m *Machine) SetPrediction(ctx context.Context, setPointCelsius float64, mode uint8) (bool, error) {
	return m.execCommand(ctx, "set_prediction", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendSetPrediction(ctx, setPointCelsius, mode)
	})
}

// ConfigureFoodSafe configures the probe's food-safe tracking.
func (m *Machine) ConfigureFoodSafe(ctx context.Context, params []byte) (bool, error) {
	return m.execCommand(ctx, "configure_food_safe", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendConfigureFoodSafe(ctx, params)
	})
}

// ResetFoodSafe resets the probe's food-safe tracking.
func (m *Machine) ResetFoodSafe(ctx context.Context) (bool, error) {
	return m.execCommand(ctx, "reset_food_safe", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendResetFoodSafe(ctx)
	})
}

// SetPowerMode sets the probe's power mode.
func (m *Machine) SetPowerMode(ctx context.Context, mode uint8) (bool, error) {
	return m.execCommand(ctx, "set_power_mode", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendSetPowerMode(ctx, mode)
	})
}

// ResetProbe factory-resets the probe.
func (m *Machine) ResetProbe(ctx context.Context) (bool, error) {
	return m.execCommand(ctx, "reset_probe", func(ctx context.Context, l link.Link) (bool, error) {
		return l.SendResetProbe(ctx)
	})
}

// execCommand runs one request/response exchange over the current
// preferred link under that link's request timeout (5s direct, 30s
// meshed), logging a correlated request and response pair.
func (m *Machine) execCommand(ctx context.Context, name string, fn func(context.Context, link.Link) (bool, error)) (bool, error) {
	collaborator, deviceID, err := m.preferredCollaborator()
	if err != nil {
		return false, err
	}

	corrID := uuid.NewString()
	m.logCommand(deviceID, corrID, name, "request", false, nil)

	reqCtx, cancel := context.WithTimeout(ctx, collaborator.RequestTimeout())
	defer cancel()
	ok, err := fn(reqCtx, collaborator)
	m.logCommand(deviceID, corrID, name, "response", ok, err)
	return ok, err
}

// preferredCollaborator resolves the current preferred link's Link
// collaborator, or ErrNoRoute when no connected route exists.
func (m *Machine) preferredCollaborator() (link.Link, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	preferred := m.linkArbiter.PreferredMeatNetLink()
	if preferred == nil || preferred.Link == nil {
		return nil, "", ErrNoRoute
	}
	return preferred.Link, preferred.DeviceID, nil
}

func (m *Machine) logCommand(deviceID, corrID, name, phase string, ok bool, err error) {
	ev := telemetry.Event{
		DeviceID: deviceID,
		Category: telemetry.CategoryCommand,
		Command: &telemetry.CommandEvent{
			CorrelationID: corrID,
			Name:          name,
			Phase:         phase,
			OK:            ok,
		},
	}
	if err != nil {
		ev.Command.Error = err.Error()
	}
	m.logEvent(ev)
}
