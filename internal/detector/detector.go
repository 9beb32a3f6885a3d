// Package detector implements the thin presence-to-events transducers of
// §4.8: a detector joins one operator room, translates the occupant
// presence it sees there into bridge catalog updates or a worker set, and
// has no state beyond that translation. Detectors do not touch each other
// or any conference.
package detector

import (
	"context"
	"encoding/xml"
	"sync"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/signaling"
	"github.com/confocus/focus/xmpp/jid"
	"github.com/confocus/focus/xmpp/muc"
)

// Kind identifies what an operator room's occupants represent.
type Kind string

// The operator-room kinds this repo watches, per §4.8 and SPEC_FULL.md §C:
// bridges translate into internal/bridge.Catalog updates, the other three
// into a worker Set.
const (
	KindBridge      Kind = "bridge"
	KindRecorder    Kind = "recorder"
	KindTranscriber Kind = "transcriber"
	KindGateway     Kind = "gateway"
)

// Worker is one occupant of a non-bridge operator room.
type Worker struct {
	Address string
}

// Set is the in-memory worker registry a non-bridge Detector maintains.
// Reads take a snapshot copy; there is no notion of selection policy here,
// unlike internal/bridge.Catalog — a detector's consumer decides how to use
// the set.
type Set struct {
	mu     sync.RWMutex
	byAddr map[string]Worker
}

func newSet() *Set {
	return &Set{byAddr: make(map[string]Worker)}
}

func (s *Set) upsert(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddr[w.Address] = w
}

func (s *Set) remove(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byAddr, addr)
}

func (s *Set) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddr = make(map[string]Worker)
}

// Snapshot returns every worker currently known.
func (s *Set) Snapshot() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Worker, 0, len(s.byAddr))
	for _, w := range s.byAddr {
		out = append(out, w)
	}
	return out
}

// bridgeExtension is the decoded shape of the bridge-brewery presence
// extensions named in §6: a vendor element with a version attribute, a
// region element, a stress-level element (or a stress child of a stats
// element as a fallback), a relay element with an id attribute, a
// graceful-shutdown marker, and a stats-id element.
type bridgeExtension struct {
	Vendor struct {
		Version string `xml:"version,attr"`
	} `xml:"vendor"`
	Region      string   `xml:"region"`
	StressLevel *float64 `xml:"stress-level"`
	Stats       struct {
		Stress *float64 `xml:"stress"`
	} `xml:"stats"`
	Relay struct {
		ID string `xml:"id,attr"`
	} `xml:"relay"`
	GracefulShutdown *struct{} `xml:"graceful-shutdown"`
	StatsID          string    `xml:"stats-id"`
}

func (e bridgeExtension) stress() float64 {
	if e.StressLevel != nil {
		return *e.StressLevel
	}
	if e.Stats.Stress != nil {
		return *e.Stats.Stress
	}
	return 0
}

// decodeBridgeExtension parses the sibling elements captured by
// signaling.Event.Raw (the muc#user <x/> element's inner XML, which has no single
// root of its own) by wrapping them in a synthetic root first.
func decodeBridgeExtension(raw []byte) bridgeExtension {
	var ext bridgeExtension
	wrapped := append([]byte("<extension>"), raw...)
	wrapped = append(wrapped, []byte("</extension>")...)
	_ = xml.Unmarshal(wrapped, &ext)
	return ext
}

// Detector watches one operator room and keeps either a bridge catalog or a
// worker Set in sync with its occupants' presence.
type Detector struct {
	Kind Kind
	Room jid.JID

	adapter *signaling.Adapter
	catalog *bridge.Catalog
	workers *Set

	mu      sync.Mutex
	channel *muc.Channel
}

// NewBridgeDetector returns a Detector that keeps catalog in sync with the
// occupants of room (the bridge-brewery room).
func NewBridgeDetector(adapter *signaling.Adapter, catalog *bridge.Catalog, room jid.JID) *Detector {
	return &Detector{Kind: KindBridge, Room: room, adapter: adapter, catalog: catalog}
}

// NewWorkerDetector returns a Detector of the given non-bridge kind that
// keeps its own Set in sync with the occupants of room.
func NewWorkerDetector(adapter *signaling.Adapter, kind Kind, room jid.JID) *Detector {
	return &Detector{Kind: kind, Room: room, adapter: adapter, workers: newSet()}
}

// Workers returns the worker set this detector maintains, or nil for a
// bridge detector.
func (d *Detector) Workers() *Set {
	return d.workers
}

// Start joins the operator room, per §4.8.
func (d *Detector) Start(ctx context.Context) error {
	ch, err := d.adapter.JoinMUC(ctx, d.Room)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.channel = ch
	d.mu.Unlock()
	return nil
}

// Stop leaves the operator room and clears any worker set this detector
// maintains, per §4.8.
func (d *Detector) Stop(ctx context.Context) error {
	d.mu.Lock()
	ch := d.channel
	d.channel = nil
	d.mu.Unlock()

	if d.workers != nil {
		d.workers.clear()
	}
	if ch == nil {
		return nil
	}
	return ch.Leave(ctx, "")
}

// HandleEvent translates one signaling event from this detector's room. The
// caller routes events by matching ev.From.Bare() against Room — a detector
// has no subscription mechanism of its own beyond the join/leave Start/Stop
// perform.
func (d *Detector) HandleEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventOccupantPresence:
		d.upsert(ev)
	case signaling.EventOccupantLeft:
		d.remove(ev)
	}
}

func (d *Detector) upsert(ev signaling.Event) {
	addr := ev.From.String()
	if d.catalog != nil {
		ext := decodeBridgeExtension(ev.Raw)
		d.catalog.Update(addr, ext.Vendor.Version, ext.Region, ext.Relay.ID, ext.stress(), ext.GracefulShutdown != nil)
		return
	}
	if d.workers != nil {
		d.workers.upsert(Worker{Address: addr})
	}
}

func (d *Detector) remove(ev signaling.Event) {
	addr := ev.From.String()
	if d.catalog != nil {
		d.catalog.MarkDown(addr)
		return
	}
	if d.workers != nil {
		d.workers.remove(addr)
	}
}
