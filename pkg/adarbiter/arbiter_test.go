package adarbiter

import (
	"testing"
	"time"

	"github.com/combustion-inc/meatnet-fusion/pkg/link"
)

func TestApply_FirstAdvertisementPublishes(t *testing.T) {
	a := New()
	d := a.Apply(ModeNormal, link.ID{DeviceID: "D1"}, 1)
	if !d.Publish || !d.Replaced {
		t.Fatalf("expected publish+replace on first sighting, got %+v", d)
	}
	got, ok := a.Preferred(ModeNormal)
	if !ok || got != (link.ID{DeviceID: "D1"}) {
		t.Fatalf("preferred = %+v, %v", got, ok)
	}
}

// S2: advertiser switch by hop count.
func TestApply_LowerHopCountReplaces(t *testing.T) {
	a := New()
	a.Apply(ModeNormal, link.ID{DeviceID: "D1"}, 1)
	d := a.Apply(ModeNormal, link.ID{DeviceID: "D2"}, 0)
	if !d.Publish || !d.Replaced {
		t.Fatalf("expected replace on lower hop count, got %+v", d)
	}
	got, _ := a.Preferred(ModeNormal)
	if got != (link.ID{DeviceID: "D2"}) {
		t.Fatalf("preferred = %+v, want D2", got)
	}
}

func TestApply_HigherHopCountSuppressed(t *testing.T) {
	a := New()
	a.Apply(ModeNormal, link.ID{DeviceID: "D1"}, 0)
	d := a.Apply(ModeNormal, link.ID{DeviceID: "D2"}, 1)
	if d.Publish {
		t.Fatalf("expected suppression of higher hop count, got %+v", d)
	}
	got, _ := a.Preferred(ModeNormal)
	if got != (link.ID{DeviceID: "D1"}) {
		t.Fatalf("preferred changed unexpectedly: %+v", got)
	}
}

// S3: sticky on equal hop count until idle, then next advertiser wins
// even at equal hop count.
func TestApply_EqualHopCountStickyUntilIdle(t *testing.T) {
	a := New()
	a.Apply(ModeInstantRead, link.ID{DeviceID: "D1"}, 1)

	d := a.Apply(ModeInstantRead, link.ID{DeviceID: "D2"}, 1)
	if d.Publish {
		t.Fatalf("equal hop count should stay suppressed while incumbent alive, got %+v", d)
	}

	// D1 keeps advertising; D2 stays suppressed.
	d = a.Apply(ModeInstantRead, link.ID{DeviceID: "D1"}, 1)
	if !d.Publish || d.Replaced {
		t.Fatalf("incumbent re-advertising should publish without replace, got %+v", d)
	}

	// D1's re-advertisement just touched its monitor, so it is not idle
	// and D2 at the same hop count is still suppressed.
	d = a.Apply(ModeInstantRead, link.ID{DeviceID: "D2"}, 1)
	if d.Publish {
		t.Fatalf("D2 should still be suppressed right after D1 touch, got %+v", d)
	}
}

func TestApply_IdleIncumbentYieldsAtEqualHop(t *testing.T) {
	a := New()
	a.records[ModeInstantRead].monitor.Touch()
	a.Apply(ModeInstantRead, link.ID{DeviceID: "D1"}, 1)

	// Force the incumbent's monitor into the past by touching then
	// waiting past the InstantRead idle timeout.
	time.Sleep(InstantReadIdleTimeout + 5*time.Millisecond)

	d := a.Apply(ModeInstantRead, link.ID{DeviceID: "D2"}, 1)
	if !d.Publish || !d.Replaced {
		t.Fatalf("expected D2 to win once incumbent goes idle, got %+v", d)
	}
	got, _ := a.Preferred(ModeInstantRead)
	if got != (link.ID{DeviceID: "D2"}) {
		t.Fatalf("preferred = %+v, want D2", got)
	}
}

func TestApply_PostReplacementMonitorNotIdle(t *testing.T) {
	a := New()
	a.Apply(ModeNormal, link.ID{DeviceID: "D1"}, 1)
	a.Apply(ModeNormal, link.ID{DeviceID: "D2"}, 0)

	if a.records[ModeNormal].monitor.IsIdle(NormalIdleTimeout) {
		t.Fatal("monitor should not be idle immediately after a replacement event")
	}
}

func TestIsPreferred(t *testing.T) {
	a := New()
	id := link.ID{DeviceID: "D1"}
	a.Apply(ModeNormal, id, 0)
	if !a.IsPreferred(ModeNormal, id) {
		t.Fatal("expected D1 to be preferred")
	}
	if a.IsPreferred(ModeNormal, link.ID{DeviceID: "D2"}) {
		t.Fatal("D2 should not be preferred")
	}
}
