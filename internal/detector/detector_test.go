package detector

import (
	"context"
	"testing"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/signaling"
	"github.com/confocus/focus/xmpp/jid"
)

func TestDecodeBridgeExtensionStressLevel(t *testing.T) {
	raw := []byte(`<vendor version="2.3.0"/><region>us-east</region><stress-level>0.42</stress-level><relay id="relay-1"/><stats-id>jvb-abc</stats-id>`)
	ext := decodeBridgeExtension(raw)
	if ext.Vendor.Version != "2.3.0" {
		t.Fatalf("version: got %q", ext.Vendor.Version)
	}
	if ext.Region != "us-east" {
		t.Fatalf("region: got %q", ext.Region)
	}
	if ext.stress() != 0.42 {
		t.Fatalf("stress: got %v", ext.stress())
	}
	if ext.Relay.ID != "relay-1" {
		t.Fatalf("relay id: got %q", ext.Relay.ID)
	}
	if ext.GracefulShutdown != nil {
		t.Fatalf("graceful-shutdown: expected absent")
	}
}

func TestDecodeBridgeExtensionStatsStressFallback(t *testing.T) {
	raw := []byte(`<vendor version="2.3.0"/><stats><stress>0.75</stress></stats><graceful-shutdown/>`)
	ext := decodeBridgeExtension(raw)
	if ext.stress() != 0.75 {
		t.Fatalf("stress fallback: got %v", ext.stress())
	}
	if ext.GracefulShutdown == nil {
		t.Fatalf("graceful-shutdown: expected present")
	}
}

func TestDecodeBridgeExtensionNoStress(t *testing.T) {
	ext := decodeBridgeExtension([]byte(`<vendor version="2.3.0"/>`))
	if ext.stress() != 0 {
		t.Fatalf("stress: got %v, want 0", ext.stress())
	}
}

func TestBridgeDetectorHandleEventUpdatesCatalog(t *testing.T) {
	catalog := bridge.NewCatalog()
	d := NewBridgeDetector(nil, catalog, jid.MustParse("bridges@operator.example"))

	d.HandleEvent(signaling.Event{
		Kind: signaling.EventOccupantPresence,
		From: jid.MustParse("bridges@operator.example/jvb-1"),
		Raw:  []byte(`<vendor version="2.3.0"/><region>us-east</region><stress-level>0.1</stress-level><relay id="r1"/>`),
	})

	b, ok := catalog.Get("bridges@operator.example/jvb-1")
	if !ok {
		t.Fatalf("expected bridge to be registered")
	}
	if !b.Operational || b.Region != "us-east" || b.RelayID != "r1" {
		t.Fatalf("unexpected bridge state: %+v", b)
	}
}

func TestBridgeDetectorHandleEventMarksDownOnLeave(t *testing.T) {
	catalog := bridge.NewCatalog()
	d := NewBridgeDetector(nil, catalog, jid.MustParse("bridges@operator.example"))
	addr := jid.MustParse("bridges@operator.example/jvb-1")

	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantPresence, From: addr, Raw: []byte(`<vendor version="1"/>`)})
	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantLeft, From: addr})

	b, ok := catalog.Get(addr.String())
	if !ok {
		t.Fatalf("expected bridge entry to remain after mark-down")
	}
	if b.Operational {
		t.Fatalf("expected bridge to be non-operational after leave")
	}
}

func TestWorkerDetectorTracksOccupants(t *testing.T) {
	d := NewWorkerDetector(nil, KindRecorder, jid.MustParse("recorders@operator.example"))

	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantPresence, From: jid.MustParse("recorders@operator.example/rec-1")})
	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantPresence, From: jid.MustParse("recorders@operator.example/rec-2")})

	got := d.Workers().Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(got))
	}
}

func TestWorkerDetectorRemovesOnLeave(t *testing.T) {
	d := NewWorkerDetector(nil, KindTranscriber, jid.MustParse("transcribers@operator.example"))
	addr := jid.MustParse("transcribers@operator.example/t-1")

	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantPresence, From: addr})
	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantLeft, From: addr})

	if got := d.Workers().Snapshot(); len(got) != 0 {
		t.Fatalf("expected worker removed, got %v", got)
	}
}

func TestStopClearsWorkerSetWithoutChannel(t *testing.T) {
	d := NewWorkerDetector(nil, KindGateway, jid.MustParse("gateways@operator.example"))
	d.HandleEvent(signaling.Event{Kind: signaling.EventOccupantPresence, From: jid.MustParse("gateways@operator.example/g-1")})

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := d.Workers().Snapshot(); len(got) != 0 {
		t.Fatalf("expected workers cleared after Stop, got %v", got)
	}
}

func TestBridgeDetectorIgnoresInviteEvents(t *testing.T) {
	catalog := bridge.NewCatalog()
	d := NewBridgeDetector(nil, catalog, jid.MustParse("bridges@operator.example"))

	d.HandleEvent(signaling.Event{Kind: signaling.EventInvite})

	if snap := catalog.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected no catalog entries from an invite event, got %v", snap)
	}
}
