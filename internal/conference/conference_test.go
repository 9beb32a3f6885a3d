package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/bridgesession"
	"github.com/confocus/focus/internal/participant"
	"github.com/confocus/focus/internal/ratelimit"
	"github.com/confocus/focus/internal/sourcemap"
)

type fakeRPC struct {
	mu      sync.Mutex
	removed []string
	expired []string
}

func (f *fakeRPC) Allocate(ctx context.Context, bridgeAddr, sessionID string, created bool, params bridgesession.ParticipantParams) (bridgesession.Allocation, error) {
	return bridgesession.Allocation{Transport: bridgesession.Transport{UFrag: "u-" + params.ID}}, nil
}
func (f *fakeRPC) Update(ctx context.Context, bridgeAddr, sessionID, participantID string, update bridgesession.Update) error {
	return nil
}
func (f *fakeRPC) RemoveParticipant(ctx context.Context, bridgeAddr, sessionID, participantID string) error {
	f.mu.Lock()
	f.removed = append(f.removed, participantID)
	f.mu.Unlock()
	return nil
}
func (f *fakeRPC) ExpireSession(ctx context.Context, bridgeAddr, sessionID string) error {
	f.mu.Lock()
	f.expired = append(f.expired, sessionID)
	f.mu.Unlock()
	return nil
}
func (f *fakeRPC) AddRelay(ctx context.Context, bridgeAddr, sessionID string, peer bridgesession.RelayPeer) error {
	return nil
}
func (f *fakeRPC) ModifyRelay(ctx context.Context, bridgeAddr, sessionID, peerRelayID string, add []bridgesession.RelayEndpoint, remove []string) error {
	return nil
}
func (f *fakeRPC) RemoveRelay(ctx context.Context, bridgeAddr, sessionID, peerRelayID string) error {
	return nil
}

type event struct {
	kind string
	id   string
	set  sourcemap.EndpointSourceSet
}

type fakeTransport struct {
	mu     sync.Mutex
	events []event
}

func (f *fakeTransport) Offer(ctx context.Context, id string, alloc bridgesession.Allocation, audioMuted, videoMuted bool) error {
	f.mu.Lock()
	f.events = append(f.events, event{kind: "offer", id: id})
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) SourceAdd(ctx context.Context, id string, set sourcemap.EndpointSourceSet) error {
	f.mu.Lock()
	f.events = append(f.events, event{kind: "add", id: id, set: set})
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) SourceRemove(ctx context.Context, id string, set sourcemap.EndpointSourceSet) error {
	f.mu.Lock()
	f.events = append(f.events, event{kind: "remove", id: id, set: set})
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) Terminate(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	f.events = append(f.events, event{kind: "terminate", id: id})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) waitFor(t *testing.T, kind, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, e := range f.events {
			if e.kind == kind && e.id == id {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event for %s", kind, id)
}

func testCatalog() *bridge.Catalog {
	c := bridge.NewCatalog()
	c.Update("bridge-a", "1.0", "eu", "relay-a", 0.1, false)
	return c
}

func newTestCoordinator(onStopped func(string)) (*Coordinator, *fakeTransport) {
	tr := &fakeTransport{}
	cfg := Config{
		MuteAudioAtSenders:    -1,
		MuteVideoAtSenders:    -1,
		SourceLimits:          sourcemap.DefaultLimits,
		RestartLimiter:        ratelimit.Config{MinInterval: time.Millisecond, Window: time.Second, MaxBurst: 5},
		StartTimeout:          time.Hour,
		SingleParticipantWait: time.Hour,
		EmptyTimeout:          time.Hour,
		FlushInterval:         10 * time.Millisecond,
	}
	c := New("room@conference.example", cfg, testCatalog(), &fakeRPC{}, tr, onStopped)
	return c, tr
}

func TestJoinSendsOffer(t *testing.T) {
	c, tr := newTestCoordinator(nil)
	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	tr.waitFor(t, "offer", "p1")
}

func TestSessionAcceptActivatesAndDisarmsStartTimer(t *testing.T) {
	c, tr := newTestCoordinator(nil)
	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	tr.waitFor(t, "offer", "p1")

	if err := c.HandleSessionAccept("p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		t.Fatalf("expected the conference to be marked started")
	}
}

func TestSourceAddFansOutToOtherActiveParticipants(t *testing.T) {
	c, tr := newTestCoordinator(nil)
	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	c.Join(context.Background(), "p2", participant.RoleParticipant, "eu")
	tr.waitFor(t, "offer", "p1")
	tr.waitFor(t, "offer", "p2")

	if err := c.HandleSessionAccept("p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.HandleSessionAccept("p2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	set := sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{{SSRC: 10, Type: sourcemap.Audio}}}
	accepted, err := c.HandleSourceAdd(context.Background(), "p1", set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accepted.Sources) != 1 {
		t.Fatalf("expected the source to be accepted, got %+v", accepted)
	}

	tr.waitFor(t, "add", "p2")
}

func TestSourceAddFanOutSkipsVisitors(t *testing.T) {
	c, tr := newTestCoordinator(nil)
	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	c.Join(context.Background(), "watcher", participant.RoleVisitor, "eu")
	tr.waitFor(t, "offer", "p1")
	tr.waitFor(t, "offer", "watcher")
	_ = c.HandleSessionAccept("p1")
	_ = c.HandleSessionAccept("watcher")

	set := sourcemap.EndpointSourceSet{Sources: []sourcemap.Source{{SSRC: 11, Type: sourcemap.Video}}}
	if _, err := c.HandleSourceAdd(context.Background(), "p1", set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, e := range tr.events {
		if e.kind == "add" && e.id == "watcher" {
			t.Fatalf("expected a visitor not to receive the fan-out")
		}
	}
}

func TestSessionTerminateRestartDeniedDoesNotReinvite(t *testing.T) {
	c, tr := newTestCoordinator(nil)
	cfg := c.cfg
	cfg.RestartLimiter = ratelimit.Config{MinInterval: time.Hour, Window: time.Hour, MaxBurst: 1}
	c.limiter = ratelimit.New(cfg.RestartLimiter)

	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	tr.waitFor(t, "offer", "p1")
	_ = c.HandleSessionAccept("p1")

	c.limiter.Allow("p1", time.Now()) // consume the only allowed attempt

	reinvited, err := c.HandleSessionTerminate(context.Background(), "p1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reinvited {
		t.Fatalf("expected no reinvite once the limiter is exhausted")
	}
}

func TestStopNotifiesOnceAndIsIdempotent(t *testing.T) {
	var reasons []string
	var mu sync.Mutex
	c, tr := newTestCoordinator(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	tr.waitFor(t, "offer", "p1")

	c.Stop(context.Background(), "manual")
	c.Stop(context.Background(), "manual-again")

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "manual" {
		t.Fatalf("expected exactly one stop notification, got %v", reasons)
	}
}

func TestValidSessionRejectsStaleID(t *testing.T) {
	c, tr := newTestCoordinator(nil)
	c.Join(context.Background(), "p1", participant.RoleParticipant, "eu")
	tr.waitFor(t, "offer", "p1")

	if c.ValidSession("p1", "not-the-real-session-id") {
		t.Fatalf("expected a stale session id to be rejected")
	}
}

func TestHandleSourceAddRejectsUnknownParticipant(t *testing.T) {
	c, _ := newTestCoordinator(nil)
	_, err := c.HandleSourceAdd(context.Background(), "ghost", sourcemap.EndpointSourceSet{})
	if err == nil {
		t.Fatalf("expected an error for an unknown participant")
	}
	if errors.Is(err, participant.ErrWrongState) {
		t.Fatalf("expected an unknown-participant error, not a state-transition error")
	}
}
