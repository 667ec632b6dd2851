package probe

import (
	"context"
	"testing"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/adarbiter"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/logstore"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
	"github.com/combustion-inc/meatnet-fusion/pkg/settings"
)

// fakeLink is a minimal link.Link stub for probe.Machine tests. It
// never pushes anything on its Observe* channels; Machine only reads
// from them via the Network Manager, never directly.
type fakeLink struct {
	connectErr     error
	disconnectErr  error
	logRequestOK   bool
	logRequestErr  error
	sessionInfoErr error
}

func (f *fakeLink) Connect(ctx context.Context) error    { return f.connectErr }
func (f *fakeLink) Disconnect(ctx context.Context) error { return f.disconnectErr }

func (f *fakeLink) ReadFirmwareVersion(ctx context.Context) (string, error)  { return "1.0.0", nil }
func (f *fakeLink) ReadHardwareRevision(ctx context.Context) (string, error) { return "rev-a", nil }
func (f *fakeLink) ReadModelInformation(ctx context.Context) (link.ModelInfo, error) {
	return link.ModelInfo{}, nil
}

func (f *fakeLink) ObserveConnectionState() <-chan link.ConnectionState    { return nil }
func (f *fakeLink) ObserveRemoteRSSI() <-chan link.RSSIReading             { return nil }
func (f *fakeLink) ObserveOutOfRange() <-chan struct{}                     { return nil }
func (f *fakeLink) ObserveProbeStatus() <-chan link.StatusNotification     { return nil }
func (f *fakeLink) ObserveAdvertisingPackets() <-chan []byte               { return nil }

func (f *fakeLink) SendSessionInformationRequest(ctx context.Context) error {
	return f.sessionInfoErr
}
func (f *fakeLink) SendSetProbeColor(ctx context.Context, color uint8) (bool, error) {
	return true, nil
}
func (f *fakeLink) SendSetProbeID(ctx context.Context, id uint8) (bool, error) { return true, nil }
func (f *fakeLink) SendSetPrediction(ctx context.Context, setPointCelsius float64, mode uint8) (bool, error) {
	return true, nil
}
func (f *fakeLink) SendConfigureFoodSafe(ctx context.Context, params []byte) (bool, error) {
	return true, nil
}
func (f *fakeLink) SendResetFoodSafe(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeLink) SendSetPowerMode(ctx context.Context, mode uint8) (bool, error) {
	return true, nil
}
func (f *fakeLink) SendResetProbe(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeLink) SendLogRequest(ctx context.Context, minSequence, maxSequence uint32) (bool, error) {
	return f.logRequestOK, f.logRequestErr
}

func (f *fakeLink) RequestTimeout() time.Duration { return time.Second }

func directRecord(serial, deviceID string) *link.Record {
	return &link.Record{
		ID:              link.ID{DeviceID: deviceID, SerialNumber: serial},
		DeviceID:        deviceID,
		SerialNumber:    serial,
		IsRepeater:      false,
		ConnectionState: link.StateAdvertisingConnectable,
		IsConnectable:   true,
		IsInRange:       true,
		Link:            &fakeLink{},
	}
}

func repeatedRecord(serial, deviceID string, hop int) *link.Record {
	return &link.Record{
		ID:              link.ID{DeviceID: deviceID, SerialNumber: serial},
		DeviceID:        deviceID,
		SerialNumber:    serial,
		IsRepeater:      true,
		ConnectionState: link.StateConnected,
		IsConnectable:   true,
		IsInRange:       true,
		HopCount:        hop,
		Link:            &fakeLink{},
	}
}

// S1: single direct probe, normal mode, default settings.
func TestMachine_DirectOnlyProbe(t *testing.T) {
	m := New("S1", settings.Default())
	defer m.Close()

	rec := directRecord("S1", "D1")
	m.AttachDirectLink(rec)

	m.HandleAdvertisement(rec.ID, scan.Advertisement{
		DeviceID: "D1", SerialNumber: "S1", Mode: scan.ModeNormal, IsConnectable: true,
		ProbeTemperatures: scan.ProbeTemperatures{20, 21, 22, 23, 24, 25, 26, 27},
	})

	if got, ok := m.adArbiter.Preferred(adarbiter.ModeNormal); !ok || got != rec.ID {
		t.Fatalf("expected D1 preferred advertiser, got %+v", got)
	}
	snap := m.CurrentSnapshot()
	if snap.ConnectionState != link.StateAdvertisingConnectable {
		t.Fatalf("expected advertising-connectable, got %v", snap.ConnectionState)
	}

	m.HandleConnectionStateChange(rec.ID, link.StateConnected)
	if got := m.CurrentSnapshot().ConnectionState; got != link.StateConnected {
		t.Fatalf("expected connected after state change, got %v", got)
	}
}

// S2: advertiser switches to the lower-hop-count repeater.
func TestMachine_AdvertiserSwitchesByHopCount(t *testing.T) {
	m := New("S1", settings.Default())
	defer m.Close()

	n1 := repeatedRecord("S1", "N1", 2)
	n2 := repeatedRecord("S1", "N2", 1)
	m.AttachRepeatedLink(n1)
	m.AttachRepeatedLink(n2)

	m.HandleAdvertisement(n1.ID, scan.Advertisement{DeviceID: "N1", SerialNumber: "S1", Mode: scan.ModeNormal, HopCount: 2, IsConnectable: true})
	if got, ok := m.adArbiter.Preferred(adarbiter.ModeNormal); !ok || got != n1.ID {
		t.Fatalf("expected N1 preferred first, got %+v", got)
	}

	m.HandleAdvertisement(n2.ID, scan.Advertisement{DeviceID: "N2", SerialNumber: "S1", Mode: scan.ModeNormal, HopCount: 1, IsConnectable: true})
	if got, ok := m.adArbiter.Preferred(adarbiter.ModeNormal); !ok || got != n2.ID {
		t.Fatalf("expected N2 (lower hop) preferred, got %+v", got)
	}
}

func TestMachine_StatusNotificationUpdatesSnapshot(t *testing.T) {
	m := New("S1", settings.Default())
	defer m.Close()

	rec := directRecord("S1", "D1")
	rec.ConnectionState = link.StateConnected
	m.AttachDirectLink(rec)

	m.HandleStatusNotification(rec.ID, link.StatusNotification{
		MinSequenceNumber: 10,
		MaxSequenceNumber: 20,
		Temperatures:      [8]float64{30, 31, 32, 33, 34, 35, 36, 37},
		SessionID:         "sess-a",
		PredictionState:   uint8(1), // prediction.StatePredicting
		PredictionRawSeconds: 600,
		PredictionSequence:   1,
	})

	snap := m.CurrentSnapshot()
	if snap.MinSequenceNumber == nil || *snap.MinSequenceNumber != 10 {
		t.Fatalf("expected min sequence 10, got %+v", snap.MinSequenceNumber)
	}
	if snap.MaxSequenceNumber == nil || *snap.MaxSequenceNumber != 20 {
		t.Fatalf("expected max sequence 20, got %+v", snap.MaxSequenceNumber)
	}
	if snap.SessionInfo.SessionID != "sess-a" {
		t.Fatalf("expected session sess-a, got %q", snap.SessionInfo.SessionID)
	}
	if snap.StatusNotificationsStale {
		t.Fatal("status should not be stale immediately after a notification")
	}
}

func TestMachine_IgnoresStatusFromNonPreferredLink(t *testing.T) {
	m := New("S1", settings.Default())
	defer m.Close()

	direct := directRecord("S1", "D1")
	direct.ConnectionState = link.StateConnected
	other := directRecord("S1", "D2")
	m.AttachDirectLink(direct)

	m.HandleStatusNotification(other.ID, link.StatusNotification{SessionID: "sess-a", MinSequenceNumber: 1, MaxSequenceNumber: 2})

	if snap := m.CurrentSnapshot(); snap.SessionInfo.SessionID != "" {
		t.Fatalf("expected notification from a foreign link to be ignored, got session %q", snap.SessionInfo.SessionID)
	}
}

func TestMachine_SessionChangeFinishesInProgressLogTransfer(t *testing.T) {
	rec := directRecord("S1", "D1")
	rec.ConnectionState = link.StateConnected
	rec.Link = &fakeLink{logRequestOK: true}

	var completed []logstore.CompletionRecord
	m := New("S1", settings.Default(), WithCompletionHook(func(r logstore.CompletionRecord) {
		completed = append(completed, r)
	}))
	defer m.Close()

	m.AttachDirectLink(rec)
	m.HandleStatusNotification(rec.ID, link.StatusNotification{SessionID: "sess-a", MinSequenceNumber: 0, MaxSequenceNumber: 9})

	ok, err := m.RequestLog(context.Background())
	if err != nil || !ok {
		t.Fatalf("RequestLog: ok=%v err=%v", ok, err)
	}

	m.HandleStatusNotification(rec.ID, link.StatusNotification{SessionID: "sess-b", MinSequenceNumber: 0, MaxSequenceNumber: 4})

	if len(completed) != 1 {
		t.Fatalf("expected 1 completion record from the session change, got %d", len(completed))
	}
	if completed[0].SessionID != "sess-a" {
		t.Fatalf("expected the finished record to carry the old session, got %q", completed[0].SessionID)
	}

	snap := m.CurrentSnapshot()
	if snap.SessionInfo.SessionID != "sess-b" {
		t.Fatalf("expected adopted new session sess-b, got %q", snap.SessionInfo.SessionID)
	}
	if snap.MinSequenceNumber == nil || *snap.MinSequenceNumber != 0 || snap.MaxSequenceNumber == nil || *snap.MaxSequenceNumber != 4 {
		t.Fatalf("expected sequence range from the new notification, got %+v/%+v", snap.MinSequenceNumber, snap.MaxSequenceNumber)
	}
}

func TestMachine_RequestLogRejectsWhenAlreadyInProgress(t *testing.T) {
	rec := directRecord("S1", "D1")
	rec.ConnectionState = link.StateConnected
	rec.Link = &fakeLink{logRequestOK: true}

	m := New("S1", settings.Default())
	defer m.Close()
	m.AttachDirectLink(rec)

	if ok, err := m.RequestLog(context.Background()); !ok || err != nil {
		t.Fatalf("first RequestLog: ok=%v err=%v", ok, err)
	}
	if ok, err := m.RequestLog(context.Background()); ok || err != ErrLogTransferInProgress {
		t.Fatalf("expected ErrLogTransferInProgress, got ok=%v err=%v", ok, err)
	}
}

func TestMachine_RequestLogFailsWithNoRoute(t *testing.T) {
	m := New("S1", settings.Default())
	defer m.Close()

	if ok, err := m.RequestLog(context.Background()); ok || err != ErrNoRoute {
		t.Fatalf("expected ErrNoRoute, got ok=%v err=%v", ok, err)
	}
}

func TestMachine_MeshDisabledReportsDirectStateOnly(t *testing.T) {
	m := New("S1", settings.Settings{MeshEnabled: false})
	defer m.Close()

	if got := m.CurrentSnapshot().ConnectionState; got != link.StateOutOfRange {
		t.Fatalf("expected out-of-range with no direct link, got %v", got)
	}

	rec := directRecord("S1", "D1")
	m.AttachDirectLink(rec)
	if got := m.CurrentSnapshot().ConnectionState; got != link.StateAdvertisingConnectable {
		t.Fatalf("expected direct link's own state, got %v", got)
	}
}
