// Package bridgesession implements the per-conference bridge session
// manager of §4.4: it maintains one BridgeSession per bridge in use,
// allocates and updates participant endpoints on those bridges, and wires
// the relay mesh that lets endpoints on different bridges reach each other
// over Octo.
package bridgesession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/confocus/focus/internal/bridge"
	"github.com/confocus/focus/internal/sourcemap"
	"github.com/confocus/focus/xmpp/jid"
)

// ErrNoBridgeAvailable is returned by Allocate when every candidate bridge
// has been tried and failed, per §4.4.
var ErrNoBridgeAvailable = errors.New("bridgesession: no bridge available")

// ErrDuplicateRelay is returned when a relay already exists between the two
// given bridges.
var ErrDuplicateRelay = errors.New("bridgesession: relay already exists")

// Transport is the ICE/DTLS transport description a bridge hands back for a
// newly allocated or migrated endpoint, destined for a Jingle offer.
type Transport struct {
	Candidates  []TransportCandidate
	Fingerprint string
	UFrag       string
	Pwd         string
	SCTPPort    int
}

// TransportCandidate is one ICE candidate.
type TransportCandidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	IP         string
	Port       int
	Type       string
}

// Allocation is the result of allocating a participant's endpoint on a
// bridge: the transport for the Jingle offer, plus any sources the bridge
// itself contributes (e.g. injected feedback streams).
type Allocation struct {
	BridgeAddress   string
	SessionID       string
	Transport       Transport
	FeedbackSources sourcemap.EndpointSourceSet
}

// ParticipantParams describes the participant an allocation is for.
type ParticipantParams struct {
	ID             string
	Region         string
	InitialSources sourcemap.EndpointSourceSet
}

// Update is an incremental modification to an already-allocated endpoint.
type Update struct {
	Transport *Transport
	Sources   *sourcemap.EndpointSourceSet
	LastN     *int
}

// RelayEndpoint is one participant's mirrored presence on a peer bridge,
// carried over a relay so its sources reach endpoints on every other
// bridge in the mesh.
type RelayEndpoint struct {
	ParticipantID string
	Sources       sourcemap.EndpointSourceSet
}

// RelayPeer identifies a bridge to mirror onto another bridge's session as
// an Octo relay, along with every endpoint already active on that peer at
// the moment the relay is created.
type RelayPeer struct {
	RelayID   string
	Address   string
	Endpoints []RelayEndpoint
}

// RPC is the bridge-facing transport the manager drives; a production
// implementation sends these as requests over the signaling adapter to the
// bridge's own JID, while tests can substitute an in-memory fake.
type RPC interface {
	Allocate(ctx context.Context, bridgeAddr string, sessionID string, created bool, params ParticipantParams) (Allocation, error)
	Update(ctx context.Context, bridgeAddr, sessionID, participantID string, update Update) error
	RemoveParticipant(ctx context.Context, bridgeAddr, sessionID, participantID string) error
	ExpireSession(ctx context.Context, bridgeAddr, sessionID string) error
	AddRelay(ctx context.Context, bridgeAddr, sessionID string, peer RelayPeer) error
	// ModifyRelay carries a participant-churn delta for peerRelayID's mirrored
	// endpoint set: add upserts an endpoint's current sources, remove drops a
	// participant that left the peer bridge entirely.
	ModifyRelay(ctx context.Context, bridgeAddr, sessionID, peerRelayID string, add []RelayEndpoint, remove []string) error
	RemoveRelay(ctx context.Context, bridgeAddr, sessionID string, peerRelayID string) error
}

// endpoint records the last-sent state for one participant on one bridge's
// session, per §3 BridgeSession.
type endpoint struct {
	transport Transport
	sources   sourcemap.EndpointSourceSet
}

// session is one BridgeSession: the conference's use of a single bridge.
type session struct {
	id          string
	bridgeAddr  string
	relayID     string
	created     bool
	endpoints   map[string]*endpoint  // participant id -> endpoint
	relays      map[string]RelayPeer  // peer relay id -> peer
}

// Manager maintains every BridgeSession a single conference is using.
type Manager struct {
	mu      sync.Mutex
	catalog *bridge.Catalog
	rpc     RPC
	meshID  string

	sessions map[string]*session // bridge address -> session
	owner    map[string]string   // participant id -> bridge address
}

// NewManager returns a Manager for one conference, selecting bridges from
// catalog and driving them via rpc. meshID scopes the relay mesh (§4.4); an
// empty meshID is treated as "default".
func NewManager(catalog *bridge.Catalog, rpc RPC, meshID string) *Manager {
	if meshID == "" {
		meshID = "default"
	}
	return &Manager{
		catalog:  catalog,
		rpc:      rpc,
		meshID:   meshID,
		sessions: make(map[string]*session),
		owner:    make(map[string]string),
	}
}

// Allocate selects a bridge for params if the participant has none yet,
// opens its BridgeSession if new, and issues an allocation request. On
// failure the bridge is marked non-operational for this conference only
// (via the selector's per-call exclusion set, not the shared catalog
// state) and a different bridge is tried; each candidate is tried at most
// once.
func (m *Manager) Allocate(ctx context.Context, params ParticipantParams, pinnedVersion string) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inUse := make(map[string]bool, len(m.sessions))
	for addr := range m.sessions {
		inUse[addr] = true
	}
	excluded := make(map[string]bool)

	for {
		cons := bridge.Constraints{
			VersionPin: pinnedVersion,
			Region:     params.Region,
			InUse:      inUse,
			Excluded:   excluded,
		}
		b, ok := m.catalog.Select(cons)
		if !ok {
			return Allocation{}, ErrNoBridgeAvailable
		}

		alloc, err := m.allocateOn(ctx, b.Address, params)
		if err == nil {
			m.owner[params.ID] = b.Address
			return alloc, nil
		}
		excluded[b.Address] = true
	}
}

func (m *Manager) allocateOn(ctx context.Context, addr string, params ParticipantParams) (Allocation, error) {
	sess, ok := m.sessions[addr]
	created := !ok
	if !ok {
		relayID := addr
		if b, ok := m.catalog.Get(addr); ok && b.RelayID != "" {
			relayID = b.RelayID
		}
		sess = &session{
			id:         uuid.NewString(),
			bridgeAddr: addr,
			relayID:    relayID,
			endpoints:  make(map[string]*endpoint),
			relays:     make(map[string]RelayPeer),
		}
	}

	alloc, err := m.rpc.Allocate(ctx, addr, sess.id, created, params)
	if err != nil {
		return Allocation{}, err
	}
	alloc.BridgeAddress = addr
	alloc.SessionID = sess.id

	sess.created = true
	sess.endpoints[params.ID] = &endpoint{sources: params.InitialSources}
	m.sessions[addr] = sess

	if err := m.mirrorParticipantAdded(ctx, addr, params.ID, params.InitialSources); err != nil {
		return Allocation{}, err
	}
	if err := m.reconcileRelays(ctx); err != nil {
		return Allocation{}, err
	}
	return alloc, nil
}

// UpdateParticipant sends an incremental modify to the bridge owning
// participantID.
func (m *Manager) UpdateParticipant(ctx context.Context, participantID string, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.owner[participantID]
	if !ok {
		return fmt.Errorf("bridgesession: unknown participant %q", participantID)
	}
	sess := m.sessions[addr]
	ep, ok := sess.endpoints[participantID]
	if !ok {
		return fmt.Errorf("bridgesession: unknown participant %q on bridge %s", participantID, addr)
	}

	if err := m.rpc.Update(ctx, addr, sess.id, participantID, update); err != nil {
		return err
	}
	if update.Transport != nil {
		ep.transport = *update.Transport
	}
	if update.Sources != nil {
		ep.sources = *update.Sources
		if err := m.mirrorParticipantAdded(ctx, addr, participantID, ep.sources); err != nil {
			return err
		}
	}
	return nil
}

// RemoveParticipant expires the endpoint on the bridge owning participantID;
// if that bridge session drops to zero endpoints, the session itself is
// expired and its relays torn down.
func (m *Manager) RemoveParticipant(ctx context.Context, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.owner[participantID]
	if !ok {
		return nil
	}
	delete(m.owner, participantID)

	sess, ok := m.sessions[addr]
	if !ok {
		return nil
	}
	if err := m.rpc.RemoveParticipant(ctx, addr, sess.id, participantID); err != nil {
		return err
	}
	delete(sess.endpoints, participantID)
	if err := m.mirrorParticipantRemoved(ctx, addr, participantID); err != nil {
		return err
	}

	if len(sess.endpoints) == 0 {
		if err := m.expireSession(ctx, sess); err != nil {
			return err
		}
		delete(m.sessions, addr)
		return m.teardownRelaysTo(ctx, sess)
	}
	return nil
}

// ExpireAll tears down every bridge session this conference holds.
func (m *Manager) ExpireAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for addr, sess := range m.sessions {
		if err := m.expireSession(ctx, sess); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sessions, addr)
	}
	m.owner = make(map[string]string)
	return firstErr
}

func (m *Manager) expireSession(ctx context.Context, sess *session) error {
	return m.rpc.ExpireSession(ctx, sess.bridgeAddr, sess.id)
}

// AddRelay creates a relay from the bridge at addr to peer outside the
// automatic mesh reconciliation done by Allocate/RemoveParticipant. It
// reports ErrDuplicateRelay if one already exists for that peer.
func (m *Manager) AddRelay(ctx context.Context, addr string, peer RelayPeer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[addr]
	if !ok {
		return fmt.Errorf("bridgesession: unknown bridge %q", addr)
	}
	if _, ok := sess.relays[peer.RelayID]; ok {
		return ErrDuplicateRelay
	}
	if other, ok := m.sessions[peer.Address]; ok {
		peer.Endpoints = collectEndpoints(other)
	}
	if err := m.rpc.AddRelay(ctx, addr, sess.id, peer); err != nil {
		return err
	}
	sess.relays[peer.RelayID] = peer
	return nil
}

// reconcileRelays ensures a full mesh of relays exists between every bridge
// session currently in use, creating any missing pairs; it is called after
// every allocation that changes the set of bridges in use. Each relay is
// created carrying the peer bridge's full current endpoint set, per §4.4.
func (m *Manager) reconcileRelays(ctx context.Context) error {
	addrs := make([]string, 0, len(m.sessions))
	for addr := range m.sessions {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, a := range addrs {
		sessA := m.sessions[a]
		for _, b := range addrs {
			if a == b {
				continue
			}
			sessB := m.sessions[b]
			if _, ok := sessA.relays[sessB.relayID]; ok {
				continue
			}
			peer := RelayPeer{RelayID: sessB.relayID, Address: b, Endpoints: collectEndpoints(sessB)}
			if err := m.rpc.AddRelay(ctx, a, sessA.id, peer); err != nil {
				return err
			}
			sessA.relays[sessB.relayID] = peer
		}
	}
	return nil
}

// collectEndpoints snapshots every participant currently allocated on sess,
// for mirroring onto a newly created relay.
func collectEndpoints(sess *session) []RelayEndpoint {
	out := make([]RelayEndpoint, 0, len(sess.endpoints))
	for id, ep := range sess.endpoints {
		out = append(out, RelayEndpoint{ParticipantID: id, Sources: ep.sources})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// mirrorParticipantAdded forwards participantID's current sources, over
// modify-relay, to every bridge session that already relays addr's session
// — the delta half of §4.4's "adding a participant triggers deltas on every
// peer bridge." Relay pairs created after this call pick up the endpoint
// through reconcileRelays' own snapshot instead.
func (m *Manager) mirrorParticipantAdded(ctx context.Context, addr, participantID string, sources sourcemap.EndpointSourceSet) error {
	sess, ok := m.sessions[addr]
	if !ok {
		return nil
	}
	add := []RelayEndpoint{{ParticipantID: participantID, Sources: sources}}
	for otherAddr, other := range m.sessions {
		if otherAddr == addr {
			continue
		}
		if _, ok := other.relays[sess.relayID]; !ok {
			continue
		}
		if err := m.rpc.ModifyRelay(ctx, otherAddr, other.id, sess.relayID, add, nil); err != nil {
			return err
		}
	}
	return nil
}

// mirrorParticipantRemoved withdraws participantID, over modify-relay, from
// every bridge session that relays addr's session.
func (m *Manager) mirrorParticipantRemoved(ctx context.Context, addr, participantID string) error {
	sess, ok := m.sessions[addr]
	if !ok {
		return nil
	}
	for otherAddr, other := range m.sessions {
		if otherAddr == addr {
			continue
		}
		if _, ok := other.relays[sess.relayID]; !ok {
			continue
		}
		if err := m.rpc.ModifyRelay(ctx, otherAddr, other.id, sess.relayID, nil, []string{participantID}); err != nil {
			return err
		}
	}
	return nil
}

// teardownRelaysTo removes the relay every remaining bridge session holds
// back to gone, once gone's own session has been expired and dropped.
func (m *Manager) teardownRelaysTo(ctx context.Context, gone *session) error {
	for addr, sess := range m.sessions {
		if _, ok := sess.relays[gone.relayID]; !ok {
			continue
		}
		if err := m.rpc.RemoveRelay(ctx, addr, sess.id, gone.relayID); err != nil {
			return err
		}
		delete(sess.relays, gone.relayID)
	}
	return nil
}

// BridgeJID returns the JID to address RPC requests for addr to.
func BridgeJID(addr string) (jid.JID, error) {
	return jid.Parse(addr)
}
