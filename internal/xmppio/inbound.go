package xmppio

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/confocus/focus/internal/conference"
	"github.com/confocus/focus/internal/signaling"
	"github.com/confocus/focus/xmpp/stanza"
)

// ConferenceLookup resolves a MUC room address to the conference currently
// running there, if any. A production implementation is
// (*internal/focus.Manager).Get.
type ConferenceLookup func(room string) (*conference.Coordinator, bool)

// InboundRouter registers handlers for the session-negotiation namespace's
// participant-originated requests (session-accept, session-terminate,
// session-info, source-add, source-remove, transport-info) and dispatches
// each to the conference running in the sender's room.
type InboundRouter struct {
	adapter *signaling.Adapter
	lookup  ConferenceLookup
}

// NewInboundRouter registers the session-negotiation handlers on adapter,
// resolving the target conference for each inbound request via lookup.
func NewInboundRouter(adapter *signaling.Adapter, lookup ConferenceLookup) *InboundRouter {
	r := &InboundRouter{adapter: adapter, lookup: lookup}
	r.adapter.RegisterIQHandler(xml.Name{Space: NSSession, Local: "session-accept"}, r.handleSessionAccept)
	r.adapter.RegisterIQHandler(xml.Name{Space: NSSession, Local: "session-terminate"}, r.handleSessionTerminate)
	r.adapter.RegisterIQHandler(xml.Name{Space: NSSession, Local: "session-info"}, r.handleSessionInfo)
	r.adapter.RegisterIQHandler(xml.Name{Space: NSSession, Local: "source-add"}, r.handleSourceAdd)
	r.adapter.RegisterIQHandler(xml.Name{Space: NSSession, Local: "source-remove"}, r.handleSourceRemove)
	r.adapter.RegisterIQHandler(xml.Name{Space: NSSession, Local: "transport-info"}, r.handleTransportInfo)
	return r
}

// coordinatorFor resolves the conference and participant id (the sender's
// full occupant address) for an inbound request.
func (r *InboundRouter) coordinatorFor(iq stanza.IQ) (*conference.Coordinator, string, error) {
	room := iq.From.Bare().String()
	c, ok := r.lookup(room)
	if !ok {
		return nil, "", fmt.Errorf("xmppio: no conference running for room %q", room)
	}
	return c, iq.From.String(), nil
}

func decodePayload(start *xml.StartElement, r xml.TokenReader, v interface{}) error {
	d := xml.NewTokenDecoder(r)
	return d.DecodeElement(v, start)
}

func (r *InboundRouter) handleSessionAccept(ctx context.Context, iq stanza.IQ, start *xml.StartElement, _ xml.TokenReader) (xml.TokenReader, error) {
	c, id, err := r.coordinatorFor(iq)
	if err != nil {
		return nil, err
	}
	return nil, c.HandleSessionAccept(id)
}

func (r *InboundRouter) handleSessionTerminate(ctx context.Context, iq stanza.IQ, start *xml.StartElement, rd xml.TokenReader) (xml.TokenReader, error) {
	c, id, err := r.coordinatorFor(iq)
	if err != nil {
		return nil, err
	}
	var payload sessionTerminateInbound
	if err := decodePayload(start, rd, &payload); err != nil {
		return nil, err
	}
	reinvited, err := c.HandleSessionTerminate(ctx, id, payload.Restart)
	if err != nil {
		return nil, err
	}
	if payload.Restart && !reinvited {
		return nil, &stanza.Error{Type: stanza.Wait, Condition: stanza.ResourceConstraint}
	}
	return nil, nil
}

func (r *InboundRouter) handleSessionInfo(ctx context.Context, iq stanza.IQ, start *xml.StartElement, rd xml.TokenReader) (xml.TokenReader, error) {
	c, id, err := r.coordinatorFor(iq)
	if err != nil {
		return nil, err
	}
	var payload sessionInfo
	if err := decodePayload(start, rd, &payload); err != nil {
		return nil, err
	}
	if payload.Reason == "ice-failed" {
		_, err = c.HandleIceFailed(ctx, id)
		return nil, err
	}
	return nil, nil
}

func (r *InboundRouter) handleSourceAdd(ctx context.Context, iq stanza.IQ, start *xml.StartElement, rd xml.TokenReader) (xml.TokenReader, error) {
	c, id, err := r.coordinatorFor(iq)
	if err != nil {
		return nil, err
	}
	var payload sourceAdd
	if err := decodePayload(start, rd, &payload); err != nil {
		return nil, err
	}
	_, err = c.HandleSourceAdd(ctx, id, fromWireSourceSet(payload.Sources))
	return nil, err
}

func (r *InboundRouter) handleSourceRemove(ctx context.Context, iq stanza.IQ, start *xml.StartElement, rd xml.TokenReader) (xml.TokenReader, error) {
	c, id, err := r.coordinatorFor(iq)
	if err != nil {
		return nil, err
	}
	var payload sourceRemove
	if err := decodePayload(start, rd, &payload); err != nil {
		return nil, err
	}
	_, err = c.HandleSourceRemove(ctx, id, fromWireSourceSet(payload.Sources))
	return nil, err
}

type transportInfoPayload struct {
	XMLName   xml.Name      `xml:"urn:confocus:focus:session transport-info"`
	Transport wireTransport `xml:"transport"`
}

func (r *InboundRouter) handleTransportInfo(ctx context.Context, iq stanza.IQ, start *xml.StartElement, rd xml.TokenReader) (xml.TokenReader, error) {
	c, id, err := r.coordinatorFor(iq)
	if err != nil {
		return nil, err
	}
	var payload transportInfoPayload
	if err := decodePayload(start, rd, &payload); err != nil {
		return nil, err
	}
	return nil, c.HandleTransportInfo(ctx, id, fromWireTransport(payload.Transport))
}

type sessionTerminateInbound struct {
	XMLName xml.Name `xml:"urn:confocus:focus:session session-terminate"`
	Restart bool     `xml:"restart,attr,omitempty"`
}

type sessionInfo struct {
	XMLName xml.Name `xml:"urn:confocus:focus:session session-info"`
	Reason  string   `xml:"reason,attr,omitempty"`
}
