package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/combustion-inc/meatnet-fusion/internal/mock"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
	"github.com/combustion-inc/meatnet-fusion/pkg/settings"
)

func probeAdvert(deviceID, serial string) scan.Advertisement {
	return scan.Advertisement{
		DeviceID:      deviceID,
		SerialNumber:  serial,
		Product:       scan.ProductProbe,
		Mode:          scan.ModeNormal,
		IsConnectable: true,
	}
}

func repeatedAdvert(deviceID, serial string, hop int) scan.Advertisement {
	return scan.Advertisement{
		DeviceID:      deviceID,
		SerialNumber:  serial,
		Product:       scan.ProductDisplay,
		Mode:          scan.ModeNormal,
		HopCount:      hop,
		IsConnectable: true,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_DiscoversProbeOnFirstSighting(t *testing.T) {
	fleet := mock.NewFleet()
	m := New(settings.Default(), fleet)
	defer m.Finish()

	events, unsubscribe := m.ProbeEvents()
	defer unsubscribe()

	m.HandleAdvertisement(probeAdvert("D1", "S1"))

	require.NotNil(t, m.Probe("S1"))
	select {
	case ev := <-events:
		require.Equal(t, ProbeDiscovered, ev.Kind)
		require.Equal(t, "S1", ev.SerialNumber)
	case <-time.After(time.Second):
		t.Fatal("no ProbeDiscovered event")
	}

	// A second sighting of the same pair must not re-discover.
	m.HandleAdvertisement(probeAdvert("D1", "S1"))
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestManager_DropsDisallowedSerial(t *testing.T) {
	s := settings.Default()
	s.ProbeAllowlist = map[string]struct{}{"S1": {}}

	fleet := mock.NewFleet()
	m := New(s, fleet)
	defer m.Finish()

	m.HandleAdvertisement(probeAdvert("D2", "S2"))
	require.Nil(t, m.Probe("S2"))

	m.HandleAdvertisement(probeAdvert("D1", "S1"))
	require.NotNil(t, m.Probe("S1"))
}

func TestManager_MeshDisabledDropsNonProbeProducts(t *testing.T) {
	s := settings.Default()
	s.MeshEnabled = false

	fleet := mock.NewFleet()
	m := New(s, fleet)
	defer m.Finish()

	m.HandleAdvertisement(repeatedAdvert("N1", "S1", 1))
	require.Nil(t, m.Probe("S1"), "repeater advertisement must be dropped with mesh disabled")
}

func TestManager_OrphanRepeaterFirmwareRead(t *testing.T) {
	fleet := mock.NewFleet()
	m := New(settings.Default(), fleet)
	defer m.Finish()

	m.HandleAdvertisement(scan.Advertisement{
		DeviceID:     "N9",
		SerialNumber: OrphanSerial,
		Product:      scan.ProductDisplay,
	})

	eventually(t, func() bool {
		_, ok := m.FirmwareStateOfNetwork()["N9"]
		return ok
	}, "orphan repeater firmware never published")

	transient := fleet.Link("N9", OrphanSerial)
	require.NotNil(t, transient)
	// The disconnect runs just after the firmware info is published.
	eventually(t, func() bool { return !transient.IsConnected() }, "transient link must be disconnected after the read")
	require.Nil(t, m.Probe(OrphanSerial), "an orphan must not create a probe manager")
}

// S6: unlink disconnects only sole providers.
func TestManager_UnlinkDisconnectsOnlySoleProviders(t *testing.T) {
	fleet := mock.NewFleet()
	m := New(settings.Default(), fleet)
	defer m.Finish()

	// N1 serves S1 and S2; N2 serves only S1.
	m.HandleAdvertisement(repeatedAdvert("N1", "S1", 1))
	m.HandleAdvertisement(repeatedAdvert("N1", "S2", 1))
	m.HandleAdvertisement(repeatedAdvert("N2", "S1", 1))

	events, unsubscribe := m.ProbeEvents()
	defer unsubscribe()

	require.NoError(t, m.Unlink("S1"))

	n2 := fleet.Link("N2", "S1")
	require.NotNil(t, n2)
	require.Contains(t, n2.SentCommands(), "disconnect", "sole provider N2 must be disconnected")

	for _, serial := range []string{"S1", "S2"} {
		if l := fleet.Link("N1", serial); l != nil {
			require.NotContains(t, l.SentCommands(), "disconnect", "shared provider N1 must stay connected")
		}
	}

	require.Nil(t, m.Probe("S1"))
	require.NotNil(t, m.Probe("S2"))

	select {
	case ev := <-events:
		require.Equal(t, ProbeRemoved, ev.Kind)
		require.Equal(t, "S1", ev.SerialNumber)
	case <-time.After(time.Second):
		t.Fatal("no ProbeRemoved event")
	}

	require.ErrorIs(t, m.Unlink("S1"), ErrUnknownProbe)
}

func TestManager_StatusNotificationsFlowIntoProbe(t *testing.T) {
	s := settings.Default()
	s.MeshEnabled = false

	fleet := mock.NewFleet()
	m := New(s, fleet)
	defer m.Finish()

	m.HandleAdvertisement(probeAdvert("D1", "S1"))
	machine := m.Probe("S1")
	require.NotNil(t, machine)

	l := fleet.Link("D1", "S1")
	require.NotNil(t, l)

	// With mesh disabled an API connect is approved by the
	// auto-reconnect policy; the mock link pushes Connecting/Connected,
	// which the pump feeds back into the machine.
	require.NoError(t, machine.Connect(context.Background()))
	eventually(t, func() bool {
		return machine.CurrentSnapshot().ConnectionState.IsConnected()
	}, "probe never reported connected")

	l.PushStatus(link.StatusNotification{
		MinSequenceNumber: 3,
		MaxSequenceNumber: 12,
		Temperatures:      [8]float64{40, 41, 42, 43, 44, 45, 46, 47},
		SessionID:         "sess-1",
	})

	eventually(t, func() bool {
		snap := machine.CurrentSnapshot()
		return snap.SessionInfo.SessionID == "sess-1" &&
			snap.MaxSequenceNumber != nil && *snap.MaxSequenceNumber == 12
	}, "status notification never reached the probe machine")
}
