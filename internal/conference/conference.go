// Package conference implements the per-room coordinator of §4.6: MUC
// membership, invite/allocate/offer flow, source fan-out, the three
// independent lifecycle timers, and re-invite on ice failure, participant
// restart, or bridge loss.
package conference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/bridgesession"
	"github.com/confocus/focus/internal/participant"
	"github.com/confocus/focus/internal/ratelimit"
	"github.com/confocus/focus/internal/sourcemap"
)

// Config carries the per-conference tunables of §3/§4.6.
type Config struct {
	PinnedBridgeVersion string
	MaxSenders          int
	MuteAudioAtSenders  int
	MuteVideoAtSenders  int
	SourceLimits        sourcemap.Limits
	RestartLimiter      ratelimit.Config
	MeshID              string

	StartTimeout          time.Duration
	SingleParticipantWait time.Duration
	EmptyTimeout          time.Duration

	// FlushInterval is the base coalesced source-flush delay; the actual
	// delay used grows with participant count (§4.5).
	FlushInterval time.Duration
}

// Transport is the conference-facing half of the signaling dialog: sending
// an invite offer, incremental source updates, and a terminate, all keyed
// by participant id. A concrete implementation builds the Jingle-shaped IQs
// from these calls and sends them via internal/signaling; this package
// never touches the wire format directly.
type Transport interface {
	Offer(ctx context.Context, participantID string, alloc bridgesession.Allocation, startAudioMuted, startVideoMuted bool) error
	SourceAdd(ctx context.Context, participantID string, set sourcemap.EndpointSourceSet) error
	SourceRemove(ctx context.Context, participantID string, set sourcemap.EndpointSourceSet) error
	Terminate(ctx context.Context, participantID string, reason string) error
}

// Coordinator owns one conference room's state.
type Coordinator struct {
	Room      string
	MeetingID string

	cfg       Config
	transport Transport
	bridges   *bridgesession.Manager
	sources   *sourcemap.Validating
	limiter   *ratelimit.Limiter
	onStopped func(reason string)

	mu           sync.Mutex
	participants map[string]*participant.Participant
	allocSession map[string]string // participant id -> bridge session id of its current allocation
	started      bool
	stopped      bool
	createdAt    time.Time

	startTimer  *time.Timer
	singleTimer *time.Timer
	emptyTimer  *time.Timer
}

// New returns a Coordinator for room, ready to accept Join calls. onStopped
// is invoked exactly once, with the reason the conference stopped, so the
// focus manager can remove it from its registry.
func New(room string, cfg Config, catalog *bridge.Catalog, rpc bridgesession.RPC, transport Transport, onStopped func(reason string)) *Coordinator {
	c := &Coordinator{
		Room:         room,
		MeetingID:    uuid.NewString(),
		cfg:          cfg,
		transport:    transport,
		bridges:      bridgesession.NewManager(catalog, rpc, cfg.MeshID),
		sources:      sourcemap.NewValidating(cfg.SourceLimits),
		limiter:      ratelimit.New(cfg.RestartLimiter),
		onStopped:    onStopped,
		participants: make(map[string]*participant.Participant),
		allocSession: make(map[string]string),
		createdAt:    time.Now(),
	}
	c.startTimer = time.AfterFunc(cfg.StartTimeout, func() { c.checkStartTimeout() })
	return c
}

// flushInterval scales the coalesced source-flush delay with the current
// participant count, per §4.5.
func (c *Coordinator) flushInterval() time.Duration {
	c.mu.Lock()
	n := len(c.participants)
	c.mu.Unlock()
	if n <= 1 {
		return c.cfg.FlushInterval
	}
	d := c.cfg.FlushInterval * time.Duration(n)
	if ceiling := 2 * time.Second; d > ceiling {
		return ceiling
	}
	return d
}

// Join handles a MUC member-joined event for an occupant that is not the
// focus itself: it constructs a Participant and schedules an invite.
func (c *Coordinator) Join(ctx context.Context, id string, role participant.Role, region string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	p := participant.New(id, role, region, c.limiter, c.flushInterval, func(add, remove sourcemap.EndpointSourceSet) {
		c.flushSources(ctx, id, add, remove)
	})
	c.participants[id] = p
	c.mu.Unlock()

	c.recalcMembershipTimers()
	go c.invite(ctx, p)
}

// Leave handles a MUC member-left event: the Participant is terminated, its
// bridge allocation released, and its accepted sources withdrawn from every
// other participant.
func (c *Coordinator) Leave(ctx context.Context, id string) {
	c.mu.Lock()
	p, ok := c.participants[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.participants, id)
	delete(c.allocSession, id)
	c.mu.Unlock()

	p.Terminate()
	withdrawn, _ := c.sources.Snapshot().Get(id)
	c.sources.RemoveOwner(id)
	if !withdrawn.Empty() {
		c.fanOut(id, sourcemap.EndpointSourceSet{}, withdrawn)
	}
	_ = c.bridges.RemoveParticipant(ctx, id)

	c.recalcMembershipTimers()
}

// SetRole updates a member's role atomically, e.g. on a MUC role-change
// presence.
func (c *Coordinator) SetRole(id string, role participant.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.participants[id]; ok {
		p.Role = role
	}
}

// invite selects a bridge, allocates the participant's endpoint, and drives
// the offer. A failed allocation (no bridge available) ends the invite
// attempt without disturbing the rest of the conference.
func (c *Coordinator) invite(ctx context.Context, p *participant.Participant) {
	audioMuted, videoMuted := c.mutedFlags()

	alloc, err := c.bridges.Allocate(ctx, bridgesession.ParticipantParams{
		ID:     p.ID,
		Region: p.Region,
	}, c.cfg.PinnedBridgeVersion)
	if err != nil {
		p.Terminate()
		return
	}

	c.mu.Lock()
	c.allocSession[p.ID] = alloc.SessionID
	c.mu.Unlock()

	if err := c.transport.Offer(ctx, p.ID, alloc, audioMuted, videoMuted); err != nil {
		p.Terminate()
		_ = c.bridges.RemoveParticipant(ctx, p.ID)
		return
	}
	_ = p.OfferSent()
}

// reinvite terminates the participant's current session locally (no
// terminate is sent to the peer) and allocates a fresh one, possibly on a
// different bridge. The
// participant's occupant id and role/region are preserved; a restarted
// session is represented internally as a new Participant, per §4.5.
func (c *Coordinator) reinvite(ctx context.Context, id string) {
	c.mu.Lock()
	old, ok := c.participants[id]
	if !ok || c.stopped {
		c.mu.Unlock()
		return
	}
	role, region := old.Role, old.Region
	c.mu.Unlock()

	old.Terminate()
	_ = c.bridges.RemoveParticipant(ctx, id)

	np := participant.New(id, role, region, c.limiter, c.flushInterval, func(add, remove sourcemap.EndpointSourceSet) {
		c.flushSources(ctx, id, add, remove)
	})
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.participants[id] = np
	c.mu.Unlock()

	c.invite(ctx, np)
}

// ValidSession reports whether sessionID is still the current allocation
// for participant id, letting callers discard stale ice-failed/terminate
// notifications whose bridge session id no longer matches, per §4.6.
func (c *Coordinator) ValidSession(id, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocSession[id] == sessionID
}

// HandleSessionAccept processes a remote session-accept.
func (c *Coordinator) HandleSessionAccept(id string) error {
	p, ok := c.participantByID(id)
	if !ok {
		return fmt.Errorf("conference: unknown participant %q", id)
	}
	if err := p.SessionAccept(); err != nil {
		return err
	}
	c.noteActivated()
	return nil
}

// HandleSourceAdd validates a proposed source-add against the conference's
// source map and, on success, fans the accepted delta out to every other
// qualifying participant and reflects the owner's new full set to its
// bridge.
func (c *Coordinator) HandleSourceAdd(ctx context.Context, id string, proposed sourcemap.EndpointSourceSet) (sourcemap.EndpointSourceSet, error) {
	p, ok := c.participantByID(id)
	if !ok {
		return sourcemap.EndpointSourceSet{}, fmt.Errorf("conference: unknown participant %q", id)
	}
	if err := p.RequireActive(); err != nil {
		return sourcemap.EndpointSourceSet{}, err
	}

	accepted, err := c.sources.TryAdd(id, proposed)
	if err != nil {
		return sourcemap.EndpointSourceSet{}, err
	}
	if accepted.Empty() {
		return accepted, nil
	}

	c.fanOut(id, accepted, sourcemap.EndpointSourceSet{})
	c.reflectFullSet(ctx, id)
	return accepted, nil
}

// HandleSourceRemove mirrors HandleSourceAdd for removals.
func (c *Coordinator) HandleSourceRemove(ctx context.Context, id string, toRemove sourcemap.EndpointSourceSet) (sourcemap.EndpointSourceSet, error) {
	p, ok := c.participantByID(id)
	if !ok {
		return sourcemap.EndpointSourceSet{}, fmt.Errorf("conference: unknown participant %q", id)
	}
	if err := p.RequireActive(); err != nil {
		return sourcemap.EndpointSourceSet{}, err
	}

	removed, err := c.sources.TryRemove(id, toRemove)
	if err != nil {
		return sourcemap.EndpointSourceSet{}, err
	}
	if removed.Empty() {
		return removed, nil
	}

	c.fanOut(id, sourcemap.EndpointSourceSet{}, removed)
	c.reflectFullSet(ctx, id)
	return removed, nil
}

// HandleTransportInfo forwards transport credentials to the bridge owning
// id.
func (c *Coordinator) HandleTransportInfo(ctx context.Context, id string, transport bridgesession.Transport) error {
	p, ok := c.participantByID(id)
	if !ok {
		return fmt.Errorf("conference: unknown participant %q", id)
	}
	if err := p.RequireActive(); err != nil {
		return err
	}
	return c.bridges.UpdateParticipant(ctx, id, bridgesession.Update{Transport: &transport})
}

// HandleIceFailed processes a remote ice-failed session-info: if the
// restart rate limiter allows it, a re-invite is driven asynchronously and
// reinvited reports true; otherwise the session ends.
func (c *Coordinator) HandleIceFailed(ctx context.Context, id string) (reinvited bool, err error) {
	p, ok := c.participantByID(id)
	if !ok {
		return false, fmt.Errorf("conference: unknown participant %q", id)
	}
	ok2, err := p.IceFailed(time.Now())
	if err != nil {
		return false, err
	}
	if ok2 {
		go c.reinvite(ctx, id)
	}
	return ok2, nil
}

// HandleSessionTerminate processes a remote session-terminate. When restart
// is true and the rate limiter allows it, a re-invite is driven
// asynchronously and reinvited reports true; otherwise the participant
// leaves the conference. Either way the caller still answers the IQ that
// carried this terminate.
func (c *Coordinator) HandleSessionTerminate(ctx context.Context, id string, restart bool) (reinvited bool, err error) {
	p, ok := c.participantByID(id)
	if !ok {
		return false, fmt.Errorf("conference: unknown participant %q", id)
	}
	reinvited, err = p.SessionTerminate(restart, time.Now())
	if err != nil {
		return false, err
	}
	if reinvited {
		go c.reinvite(ctx, id)
	} else {
		c.Leave(ctx, id)
	}
	return reinvited, nil
}

// HandleBridgeLoss escalates a lost bridge connection to every participant
// it hosted, per §4.4's failure semantics: the conference re-invites them.
func (c *Coordinator) HandleBridgeLoss(ctx context.Context, ids []string) {
	for _, id := range ids {
		go c.reinvite(ctx, id)
	}
}

func (c *Coordinator) participantByID(id string) (*participant.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[id]
	return p, ok
}

func (c *Coordinator) reflectFullSet(ctx context.Context, id string) {
	full, _ := c.sources.Snapshot().Get(id)
	_ = c.bridges.UpdateParticipant(ctx, id, bridgesession.Update{Sources: &full})
}

// fanOut enqueues add/remove onto every participant other than owner that
// qualifies to receive owner's streams (role filtering per §4.6): a
// recorder or transcriber receives every stream so it can capture the
// room; a visitor receives none, since visitors are spectator-only by
// design in this deployment (§9 Open Question decision — see DESIGN.md);
// every other role receives everything.
func (c *Coordinator) fanOut(owner string, add, remove sourcemap.EndpointSourceSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.participants {
		if id == owner {
			continue
		}
		if q.Role == participant.RoleVisitor {
			continue
		}
		q.EnqueueSources(add, remove)
	}
}

func (c *Coordinator) flushSources(ctx context.Context, id string, add, remove sourcemap.EndpointSourceSet) {
	if !add.Empty() {
		_ = c.transport.SourceAdd(ctx, id, add)
	}
	if !remove.Empty() {
		_ = c.transport.SourceRemove(ctx, id, remove)
	}
}

// mutedFlags computes startAudioMuted/startVideoMuted from the current
// active-participant count and the configured thresholds, per §4.6. A
// threshold < 0 disables muting on that media type.
func (c *Coordinator) mutedFlags() (audio, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := 0
	for _, p := range c.participants {
		if p.State() == participant.Active {
			active++
		}
	}
	if c.cfg.MuteAudioAtSenders >= 0 && active >= c.cfg.MuteAudioAtSenders {
		audio = true
	}
	if c.cfg.MuteVideoAtSenders >= 0 && active >= c.cfg.MuteVideoAtSenders {
		video = true
	}
	return audio, video
}

// Stats is a point-in-time snapshot for the admin collaborator (§4.7).
type Stats struct {
	Room             string
	MeetingID        string
	ParticipantCount int
	CreatedAt        time.Time
}

// Snapshot returns the conference's current stats.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Room:             c.Room,
		MeetingID:        c.MeetingID,
		ParticipantCount: len(c.participants),
		CreatedAt:        c.createdAt,
	}
}

// recalcMembershipTimers (re)arms the single-participant and empty timers
// based on the current participant count. The start timer is not touched
// here; noteActivated disarms it the first time a participant becomes
// active.
func (c *Coordinator) recalcMembershipTimers() {
	c.mu.Lock()
	n := len(c.participants)
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	if c.singleTimer != nil {
		c.singleTimer.Stop()
	}
	if n == 1 {
		c.singleTimer = time.AfterFunc(c.cfg.SingleParticipantWait, c.checkSingleParticipantTimeout)
	}

	if n == 0 {
		if c.emptyTimer != nil {
			c.emptyTimer.Stop()
		}
		c.emptyTimer = time.AfterFunc(c.cfg.EmptyTimeout, c.checkEmptyTimeout)
	}
}

func (c *Coordinator) checkStartTimeout() {
	c.mu.Lock()
	stopped := c.stopped
	started := c.started
	c.mu.Unlock()
	if stopped || started {
		return
	}
	c.Stop(context.Background(), "start-timeout")
}

func (c *Coordinator) checkSingleParticipantTimeout() {
	c.mu.Lock()
	n := len(c.participants)
	stopped := c.stopped
	c.mu.Unlock()
	if stopped || n != 1 {
		return
	}
	c.Stop(context.Background(), "single-participant-timeout")
}

func (c *Coordinator) checkEmptyTimeout() {
	c.mu.Lock()
	n := len(c.participants)
	stopped := c.stopped
	c.mu.Unlock()
	if stopped || n != 0 {
		return
	}
	c.Stop(context.Background(), "empty-timeout")
}

// noteActivated records that at least one participant reached the active
// state, disarming the start timeout permanently. Call it after a
// successful HandleSessionAccept.
func (c *Coordinator) noteActivated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
}

// Stop tears down the conference: every participant is terminated, every
// bridge session is expired, and onStopped is notified. Stop is idempotent.
func (c *Coordinator) Stop(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	parts := make([]*participant.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		parts = append(parts, p)
	}
	c.participants = make(map[string]*participant.Participant)
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	if c.singleTimer != nil {
		c.singleTimer.Stop()
	}
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
	}
	c.mu.Unlock()

	for _, p := range parts {
		p.Terminate()
	}
	_ = c.bridges.ExpireAll(ctx)
	if c.onStopped != nil {
		c.onStopped(reason)
	}
}
