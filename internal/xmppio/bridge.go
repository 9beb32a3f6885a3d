package xmppio

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/confocus/focus/internal/bridgesession"
	"github.com/confocus/focus/internal/signaling"
	"github.com/confocus/focus/xmpp/jid"
	"github.com/confocus/focus/xmpp/stanza"
)

// BridgeRPC drives a conference's bridge sessions over the bridge-control
// namespace, satisfying bridgesession.RPC.
type BridgeRPC struct {
	adapter *signaling.Adapter
}

// NewBridgeRPC returns a BridgeRPC that sends requests via adapter.
func NewBridgeRPC(adapter *signaling.Adapter) *BridgeRPC {
	return &BridgeRPC{adapter: adapter}
}

type allocateRequest struct {
	XMLName   xml.Name      `xml:"urn:confocus:focus:bridge allocate"`
	SessionID string        `xml:"session-id,attr"`
	Create    bool          `xml:"create,attr"`
	Endpoint  string        `xml:"endpoint,attr"`
	Region    string        `xml:"region,attr,omitempty"`
	Sources   wireSourceSet `xml:"sources"`
}

type allocateResult struct {
	XMLName         xml.Name      `xml:"urn:confocus:focus:bridge allocate"`
	Transport       wireTransport `xml:"transport"`
	FeedbackSources wireSourceSet `xml:"feedback-sources"`
}

// Allocate opens (or reuses) a bridge session on bridgeAddr and allocates
// params' endpoint on it.
func (b *BridgeRPC) Allocate(ctx context.Context, bridgeAddr, sessionID string, created bool, params bridgesession.ParticipantParams) (bridgesession.Allocation, error) {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return bridgesession.Allocation{}, fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	var result allocateResult
	err = b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, allocateRequest{
		SessionID: sessionID,
		Create:    created,
		Endpoint:  params.ID,
		Region:    params.Region,
		Sources:   toWireSourceSet(params.InitialSources),
	}, &result)
	if err != nil {
		return bridgesession.Allocation{}, err
	}
	return bridgesession.Allocation{
		BridgeAddress:   bridgeAddr,
		SessionID:       sessionID,
		Transport:       fromWireTransport(result.Transport),
		FeedbackSources: fromWireSourceSet(result.FeedbackSources),
	}, nil
}

type updateRequest struct {
	XMLName   xml.Name       `xml:"urn:confocus:focus:bridge update"`
	SessionID string         `xml:"session-id,attr"`
	Endpoint  string         `xml:"endpoint,attr"`
	LastN     *int           `xml:"last-n,attr,omitempty"`
	Transport *wireTransport `xml:"transport,omitempty"`
	Sources   *wireSourceSet `xml:"sources,omitempty"`
}

// Update sends an incremental modify for participantID's endpoint.
func (b *BridgeRPC) Update(ctx context.Context, bridgeAddr, sessionID, participantID string, update bridgesession.Update) error {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	req := updateRequest{SessionID: sessionID, Endpoint: participantID, LastN: update.LastN}
	if update.Transport != nil {
		wt := toWireTransport(*update.Transport)
		req.Transport = &wt
	}
	if update.Sources != nil {
		ws := toWireSourceSet(*update.Sources)
		req.Sources = &ws
	}
	return b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, req, nil)
}

type removeParticipantRequest struct {
	XMLName   xml.Name `xml:"urn:confocus:focus:bridge remove-participant"`
	SessionID string   `xml:"session-id,attr"`
	Endpoint  string   `xml:"endpoint,attr"`
}

// RemoveParticipant expires participantID's endpoint on bridgeAddr's
// session.
func (b *BridgeRPC) RemoveParticipant(ctx context.Context, bridgeAddr, sessionID, participantID string) error {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	return b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ},
		removeParticipantRequest{SessionID: sessionID, Endpoint: participantID}, nil)
}

type expireSessionRequest struct {
	XMLName   xml.Name `xml:"urn:confocus:focus:bridge expire-session"`
	SessionID string   `xml:"session-id,attr"`
}

// ExpireSession tears down sessionID on bridgeAddr entirely.
func (b *BridgeRPC) ExpireSession(ctx context.Context, bridgeAddr, sessionID string) error {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	return b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ},
		expireSessionRequest{SessionID: sessionID}, nil)
}

type relayEndpoint struct {
	Endpoint string        `xml:"endpoint,attr"`
	Sources  wireSourceSet `xml:"sources"`
}

type relayRequest struct {
	XMLName     xml.Name        `xml:"urn:confocus:focus:bridge add-relay"`
	SessionID   string          `xml:"session-id,attr"`
	PeerRelayID string          `xml:"peer-relay-id,attr"`
	PeerAddress string          `xml:"peer-address,attr"`
	Endpoints   []relayEndpoint `xml:"endpoint-set>endpoint,omitempty"`
}

// AddRelay mirrors peer, and every endpoint already active on it, onto
// bridgeAddr's session as an Octo relay.
func (b *BridgeRPC) AddRelay(ctx context.Context, bridgeAddr, sessionID string, peer bridgesession.RelayPeer) error {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	req := relayRequest{SessionID: sessionID, PeerRelayID: peer.RelayID, PeerAddress: peer.Address}
	for _, ep := range peer.Endpoints {
		req.Endpoints = append(req.Endpoints, relayEndpoint{Endpoint: ep.ParticipantID, Sources: toWireSourceSet(ep.Sources)})
	}
	return b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, req, nil)
}

type modifyRelayRequest struct {
	XMLName     xml.Name        `xml:"urn:confocus:focus:bridge modify-relay"`
	SessionID   string          `xml:"session-id,attr"`
	PeerRelayID string          `xml:"peer-relay-id,attr"`
	Add         []relayEndpoint `xml:"add>endpoint,omitempty"`
	Remove      []string        `xml:"remove>endpoint,omitempty"`
}

// ModifyRelay forwards an endpoint-churn delta (added and/or removed
// participants) for peerRelayID's mirrored state on bridgeAddr's session.
func (b *BridgeRPC) ModifyRelay(ctx context.Context, bridgeAddr, sessionID, peerRelayID string, add []bridgesession.RelayEndpoint, remove []string) error {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	req := modifyRelayRequest{SessionID: sessionID, PeerRelayID: peerRelayID, Remove: remove}
	for _, ep := range add {
		req.Add = append(req.Add, relayEndpoint{Endpoint: ep.ParticipantID, Sources: toWireSourceSet(ep.Sources)})
	}
	return b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, req, nil)
}

type removeRelayRequest struct {
	XMLName     xml.Name `xml:"urn:confocus:focus:bridge remove-relay"`
	SessionID   string   `xml:"session-id,attr"`
	PeerRelayID string   `xml:"peer-relay-id,attr"`
}

// RemoveRelay tears down the relay to peerRelayID on bridgeAddr's session.
func (b *BridgeRPC) RemoveRelay(ctx context.Context, bridgeAddr, sessionID, peerRelayID string) error {
	to, err := jid.Parse(bridgeAddr)
	if err != nil {
		return fmt.Errorf("xmppio: bad bridge address %q: %w", bridgeAddr, err)
	}
	return b.adapter.RequestElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ},
		removeRelayRequest{SessionID: sessionID, PeerRelayID: peerRelayID}, nil)
}
