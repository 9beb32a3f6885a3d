// Package participant implements the per-participant session state machine
// of §4.5: the pending/active/ended lifecycle over the signaling dialog, the
// in-order inbound IQ queue, and the coalesced outbound source-signaling
// queue.
package participant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confocus/focus/internal/ratelimit"
	"github.com/confocus/focus/internal/sourcemap"
)

// State is a participant session's position in its lifecycle.
type State int

// The states named in §3's ParticipantSessionState.
const (
	Pending State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role is the participant's standing inside the room, per §3.
type Role int

// The roles enumerated in §3.
const (
	RoleParticipant Role = iota
	RoleModerator
	RoleVisitor
	RoleRecorder
	RoleTranscriber
	RoleGateway
)

// ErrWrongState reports an attempt to run a transition that the table of
// §4.5 does not allow from the participant's current state.
var ErrWrongState = errors.New("participant: operation not valid in current state")

// Participant is one occupant's session state machine, owned exclusively by
// its conference.
type Participant struct {
	ID     string // occupant address inside the room
	Role   Role
	Region string

	mu    sync.Mutex
	state State

	limiter *ratelimit.Limiter

	queue   *Queue
	sources *sourceQueue
}

// New returns a Participant in the initial pending state. limiter is the
// conference's shared restart rate limiter, keyed by ID; interval returns
// the coalesced-flush delay to use each time one is armed (a function of
// current participant count, per §4.5); onFlush is called with the pending
// source diff whenever a flush fires or the session becomes active.
func New(id string, role Role, region string, limiter *ratelimit.Limiter, interval func() time.Duration, onFlush func(add, remove sourcemap.EndpointSourceSet)) *Participant {
	return &Participant{
		ID:      id,
		Role:    role,
		Region:  region,
		state:   Pending,
		limiter: limiter,
		queue:   NewQueue(),
		sources: newSourceQueue(interval, onFlush),
	}
}

// State reports the participant's current lifecycle state.
func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Queue returns the in-order inbound IQ queue for this participant's
// session. All inbound IQ handling for this participant must run through
// it, per §4.5's "processed one at a time" requirement.
func (p *Participant) Queue() *Queue {
	return p.queue
}

// EnqueueSources appends a source diff to the coalesced signaling queue;
// see §4.5's "Source signaling queue".
func (p *Participant) EnqueueSources(add, remove sourcemap.EndpointSourceSet) {
	p.sources.enqueue(add, remove)
}

// OfferSent records that a local offer was just sent to a pending
// participant. It is a no-op transition (pending stays pending); the
// response timeout itself is the caller's responsibility to arm.
func (p *Participant) OfferSent() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Pending {
		return fmt.Errorf("%w: offer-sent from %s", ErrWrongState, p.state)
	}
	return nil
}

// SessionAccept handles a remote session-accept: pending becomes active and
// the coalesced signaling queue flushes immediately so the participant
// learns about any sources that accumulated while pending.
func (p *Participant) SessionAccept() error {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return fmt.Errorf("%w: session-accept from %s", ErrWrongState, p.state)
	}
	p.state = Active
	p.mu.Unlock()
	p.sources.flushNow()
	return nil
}

// Timeout handles a pending session whose response window elapsed without a
// session-accept.
func (p *Participant) Timeout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Pending {
		return fmt.Errorf("%w: timeout from %s", ErrWrongState, p.state)
	}
	p.state = Ended
	p.sources.stop()
	return nil
}

// RequireActive reports ErrWrongState unless the participant is active; use
// it to guard source-add/remove, transport-info, and transport-replace
// handling, which are only meaningful once a session is established.
func (p *Participant) RequireActive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Active {
		return fmt.Errorf("%w: expected active, got %s", ErrWrongState, p.state)
	}
	return nil
}

// SessionTerminate handles a remote session-terminate. When restart is
// false the session simply ends. When restart is true, the outcome depends
// on the per-participant restart rate limiter: reinvite reports whether the
// conference should allocate a fresh session; when it does not, the caller
// must answer resource-constraint instead of a plain success. Either way
// the session ends — a restarted session is a new Participant, not a
// continuation of this one.
func (p *Participant) SessionTerminate(restart bool, now time.Time) (reinvite bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Ended {
		return false, fmt.Errorf("%w: session-terminate from %s", ErrWrongState, p.state)
	}
	reinvite = restart && p.allowRestart(now)
	p.state = Ended
	p.sources.stop()
	return reinvite, nil
}

// IceFailed handles a remote ice-failed session-info, which per §4.5 is
// itself a restart trigger subject to the same rate limiter as an explicit
// restart terminate. Unlike SessionTerminate, a permitted ice-failed report
// does not end the session by itself — the conference drives the re-invite
// while this session stays active until superseded. Only a rejected restart
// ends the session here.
func (p *Participant) IceFailed(now time.Time) (reinvite bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Active {
		return false, fmt.Errorf("%w: ice-failed from %s", ErrWrongState, p.state)
	}
	if p.allowRestart(now) {
		return true, nil
	}
	p.state = Ended
	p.sources.stop()
	return false, nil
}

// allowRestart consults the restart rate limiter, if any. A nil limiter
// (e.g. in tests that do not exercise rate limiting) always allows.
func (p *Participant) allowRestart(now time.Time) bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.Allow(p.ID, now)
}

// TransportReplace records a local transport swap after the participant's
// endpoint migrated to a different bridge; it stays active.
func (p *Participant) TransportReplace() error {
	return p.RequireActive()
}

// Terminate ends the session locally regardless of the current state. It is
// idempotent: terminating an already-ended participant is a no-op.
func (p *Participant) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Ended {
		return
	}
	p.state = Ended
	p.sources.stop()
	p.queue.Close()
}
