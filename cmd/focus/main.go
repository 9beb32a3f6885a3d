// Command focus runs the conference-focus process: it dials the chat
// service, joins the operator rooms that feed the bridge catalog and the
// worker detectors, and creates/tears down conferences on request.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/confocus/focus/internal/admin"
	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/config"
	"github.com/confocus/focus/internal/conference"
	"github.com/confocus/focus/internal/detector"
	"github.com/confocus/focus/internal/focus"
	"github.com/confocus/focus/internal/signaling"
	"github.com/confocus/focus/internal/xmppio"
	"github.com/confocus/focus/xmpp"
	"github.com/confocus/focus/xmpp/dial"
	"github.com/confocus/focus/xmpp/jid"
	"github.com/confocus/focus/xmpp/mux"
	"github.com/confocus/focus/xmpp/muc"
)

// focusNick is the MUC nickname the process uses in every room it joins;
// the core has no reason to make this configurable per room.
const focusNick = "focus"

// shutdownGrace bounds how long the process waits, once it is asked to
// stop, for in-flight conferences to drain before exiting anyway.
const shutdownGrace = 20 * time.Second

func main() {
	configPath := flag.String("config", "focus.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	origin, err := jid.Parse(cfg.XMPP.ComponentAddr)
	if err != nil {
		log.Fatalf("xmpp: parsing xmpp.component_addr %q: %v", cfg.XMPP.ComponentAddr, err)
	}

	conn, err := dial.Client(ctx, "tcp", origin)
	if err != nil {
		log.Fatalf("xmpp: dialing %s: %v", origin, err)
	}

	session, err := xmpp.NewClientSession(ctx, origin, cfg.XMPP.SharedSecret, conn)
	if err != nil {
		log.Fatalf("xmpp: establishing session for %s: %v", origin, err)
	}

	m := mux.New()
	adapter := signaling.NewAdapter(session, m)

	serveErr := make(chan error, 1)
	go func() { serveErr <- session.Serve(m) }()

	catalog := bridge.NewCatalog()
	rpc := xmppio.NewBridgeRPC(adapter)
	transport := xmppio.NewParticipantTransport(adapter)

	members := newRoster()

	factory := func(room string, props focus.Props, onStopped func(reason string)) (*conference.Coordinator, error) {
		roomJID, err := jid.Parse(room)
		if err != nil {
			return nil, fmt.Errorf("focus: parsing room address %q: %w", room, err)
		}
		if _, err := adapter.JoinMUC(ctx, roomJID, muc.Nick(focusNick)); err != nil {
			return nil, fmt.Errorf("focus: joining conference room %s: %w", room, err)
		}
		return conference.New(room, conferenceConfig(cfg), catalog, rpc, transport, func(reason string) {
			members.forget(room)
			onStopped(reason)
		}), nil
	}
	manager := focus.NewManager(factory)

	xmppio.NewInboundRouter(adapter, manager.Get)

	// adm is the admin seam an embedding binary wires to its own transport
	// (§6 names no HTTP listener as part of the core); this process only
	// exercises it to log its own health.
	adm := admin.New(manager, catalog)
	go logHealth(ctx, adm)

	detectors := startDetectors(ctx, adapter, catalog, cfg)

	go runEventLoop(ctx, adapter, manager, members, detectors)

	select {
	case <-ctx.Done():
		log.Println("focus: shutdown signal received, draining conferences")
	case err := <-serveErr:
		log.Printf("focus: session ended: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	manager.Iterate(func(c *conference.Coordinator) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop(drainCtx, "server-shutdown")
		}()
	})
	wg.Wait()

	for _, d := range detectors {
		_ = d.Stop(drainCtx)
	}
	_ = session.Close()
}

// logHealth periodically reports the admin seam's health check, the only
// activity this process drives on its own initiative rather than in
// response to an inbound event.
func logHealth(ctx context.Context, adm *admin.Admin) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := adm.GetHealth()
			if !h.Success {
				log.Printf("focus: health check failed: code=%d sticky=%v message=%s", h.Code, h.Sticky, h.Message)
			}
		}
	}
}

// conferenceConfig translates the process-wide configuration tree into the
// per-conference tunables conference.New expects.
func conferenceConfig(cfg config.Config) conference.Config {
	return conference.Config{
		PinnedBridgeVersion:   cfg.Conference.PinnedBridgeVersion,
		MaxSenders:            cfg.Conference.MaxSenders,
		MuteAudioAtSenders:    cfg.Conference.MuteAudioAtSenders,
		MuteVideoAtSenders:    cfg.Conference.MuteVideoAtSenders,
		SourceLimits:          cfg.Conference.SourceLimits,
		RestartLimiter:        cfg.Participant.RestartLimiter,
		MeshID:                cfg.Bridge.MeshID,
		StartTimeout:          cfg.Conference.StartTimeout,
		SingleParticipantWait: cfg.Conference.SingleParticipantWait,
		EmptyTimeout:          cfg.Conference.EmptyTimeout,
		FlushInterval:         cfg.Participant.FlushInterval,
	}
}

// startDetectors joins the bridge-brewery room and any configured worker
// operator rooms, returning the full set so main can Stop them on shutdown.
func startDetectors(ctx context.Context, adapter *signaling.Adapter, catalog *bridge.Catalog, cfg config.Config) []*detector.Detector {
	var out []*detector.Detector

	join := func(addr string, mk func(room jid.JID) *detector.Detector) {
		if addr == "" {
			return
		}
		room, err := jid.Parse(addr)
		if err != nil {
			log.Printf("focus: parsing operator room %q: %v", addr, err)
			return
		}
		d := mk(room)
		if err := d.Start(ctx); err != nil {
			log.Printf("focus: joining operator room %s: %v", addr, err)
			return
		}
		out = append(out, d)
	}

	join(cfg.XMPP.BridgeMUC, func(room jid.JID) *detector.Detector {
		return detector.NewBridgeDetector(adapter, catalog, room)
	})
	join(cfg.XMPP.RecorderMUC, func(room jid.JID) *detector.Detector {
		return detector.NewWorkerDetector(adapter, detector.KindRecorder, room)
	})
	join(cfg.XMPP.TranscriberMUC, func(room jid.JID) *detector.Detector {
		return detector.NewWorkerDetector(adapter, detector.KindTranscriber, room)
	})
	join(cfg.XMPP.GatewayMUC, func(room jid.JID) *detector.Detector {
		return detector.NewWorkerDetector(adapter, detector.KindGateway, room)
	})

	return out
}

// runEventLoop is the single consumer of the adapter's MUC occupancy
// events: it routes each one to whichever operator-room detector owns that
// room, or else treats it as a conference-room occupant.
func runEventLoop(ctx context.Context, adapter *signaling.Adapter, manager *focus.Manager, members *roster, detectors []*detector.Detector) {
	byRoom := make(map[string]*detector.Detector, len(detectors))
	for _, d := range detectors {
		byRoom[d.Room.Bare().String()] = d
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-adapter.Events():
			if !ok {
				return
			}
			if ev.Kind == signaling.EventInvite {
				continue
			}
			room := ev.From.Bare().String()
			if d, ok := byRoom[room]; ok {
				d.HandleEvent(ev)
				continue
			}
			handleConferenceOccupant(ctx, manager, members, room, ev)
		}
	}
}

func handleConferenceOccupant(ctx context.Context, manager *focus.Manager, members *roster, room string, ev signaling.Event) {
	id := ev.From.String()
	switch ev.Kind {
	case signaling.EventOccupantLeft:
		c, ok := manager.Get(room)
		if !ok {
			return
		}
		if members.remove(room, id) {
			c.Leave(ctx, id)
		}
	case signaling.EventOccupantPresence:
		// A room's first occupant presence is itself the "chat join" trigger
		// for creation (spec §4.6/§4.7), not only an explicit admin request.
		c, _, err := manager.GetOrCreate(room, focus.Props{})
		if err != nil {
			log.Printf("focus: creating conference for room %s: %v", room, err)
			return
		}
		if members.add(room, id) {
			role, region := xmppio.ParticipantRoleAndRegion(ev.Item.Role, ev.Raw)
			c.Join(ctx, id, role, region)
		}
	}
}

// roster deduplicates a room's occupant-presence events into one Join per
// occupant: xmpp/muc's HandleUserPresence fires for every presence update,
// not only the occupant's first one, and conference.Coordinator has no
// reason to protect itself against a duplicate Join call.
type roster struct {
	mu      sync.Mutex
	members map[string]map[string]bool
}

func newRoster() *roster {
	return &roster{members: make(map[string]map[string]bool)}
}

// add reports whether id was newly added to room's roster.
func (r *roster) add(room, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		set = make(map[string]bool)
		r.members[room] = set
	}
	if set[id] {
		return false
	}
	set[id] = true
	return true
}

// remove reports whether id was present in room's roster.
func (r *roster) remove(room, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok || !set[id] {
		return false
	}
	delete(set, id)
	return true
}

// forget drops room's roster entirely, once its conference has stopped.
func (r *roster) forget(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, room)
}
