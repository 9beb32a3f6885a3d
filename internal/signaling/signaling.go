// Package signaling adapts the generic xmpp.Session/mux machinery to the
// conference-focus domain: a request/response IQ adapter with dynamic
// per-namespace handler registration, and a MUC presence/message event
// stream, decoupling the rest of the core from the transport.
package signaling

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"mellium.im/xmlstream"

	"github.com/confocus/focus/xmpp"
	"github.com/confocus/focus/xmpp/jid"
	"github.com/confocus/focus/xmpp/mux"
	"github.com/confocus/focus/xmpp/muc"
	"github.com/confocus/focus/xmpp/stanza"
)

// DefaultRequestTimeout bounds how long Request waits for a reply when the
// caller's context carries no earlier deadline.
const DefaultRequestTimeout = 15 * time.Second

// Handler answers a single IQ child payload. It returns the TokenReader to
// use as the result payload, or an error to report back to the peer.
// Returning a *stanza.Error reports that condition verbatim; any other error
// is reported as internal-server-error.
type Handler func(ctx context.Context, iq stanza.IQ, start *xml.StartElement, r xml.TokenReader) (xml.TokenReader, error)

// EventKind distinguishes the events delivered on an Adapter's event
// channel.
type EventKind int

// The event kinds an Adapter emits.
const (
	EventOccupantPresence EventKind = iota
	EventOccupantLeft
	EventInvite
)

// Event is a single MUC occupancy event.
type Event struct {
	Kind   EventKind
	From   jid.JID
	Item   muc.Item
	Invite muc.Invitation

	// Raw is the inner XML of the muc#user <x/> element that carried Item,
	// verbatim. Most callers only need Item; a detector watching an
	// operator room (§4.8) decodes its own extension elements (vendor,
	// region, stress, relay, graceful-shutdown) out of it.
	Raw []byte
}

// Adapter is the conference-focus signaling transport: one per XMPP
// connection (component or client session).
type Adapter struct {
	session *xmpp.Session
	muc     *muc.Client

	mu       sync.RWMutex
	handlers map[xml.Name]Handler

	events chan Event

	regMu sync.Mutex
	regCB []func(registered bool)
}

// NewAdapter wraps session. mx is the ServeMux session.Serve will be run
// against; New registers the adapter's catch-all IQ routes and MUC client on
// it, so callers must pass the same mux to xmpp.Session.Serve.
func NewAdapter(session *xmpp.Session, mx *mux.ServeMux) *Adapter {
	a := &Adapter{
		session:  session,
		handlers: make(map[xml.Name]Handler),
		events:   make(chan Event, 64),
	}
	a.muc = &muc.Client{
		HandleInvite: func(inv muc.Invitation) {
			a.events <- Event{Kind: EventInvite, Invite: inv}
		},
		HandleUserPresence: func(p stanza.Presence, item muc.Item, raw []byte) {
			kind := EventOccupantPresence
			if p.Type == stanza.UnavailablePresence {
				kind = EventOccupantLeft
			}
			a.events <- Event{Kind: kind, From: p.From, Item: item, Raw: raw}
		},
	}

	mux.IQFunc(stanza.GetIQ, xml.Name{}, mux.IQHandlerFunc(a.dispatch))(mx)
	mux.IQFunc(stanza.SetIQ, xml.Name{}, mux.IQHandlerFunc(a.dispatch))(mx)
	muc.HandleClient(a.muc)(mx)

	return a
}

// Events returns the channel of MUC occupancy events. The adapter never
// closes it; callers select on it alongside their own shutdown signal.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// RegisterIQHandler installs h to answer "get"/"set" IQs whose direct child
// has the given name. Registering the same name twice replaces the previous
// handler, since conference lifecycle (e.g. a restarted component) may need
// to re-register.
func (a *Adapter) RegisterIQHandler(child xml.Name, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[child] = h
}

// UnregisterIQHandler removes any handler registered for child.
func (a *Adapter) UnregisterIQHandler(child xml.Name) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handlers, child)
}

// dispatch is the single mux entry point for every get/set IQ; it looks up
// the registered handler for the payload's namespace+name and answers
// service-unavailable if none is registered, or internal-server-error if the
// handler itself fails or panics.
func (a *Adapter) dispatch(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	a.mu.RLock()
	h, ok := a.handlers[start.Name]
	a.mu.RUnlock()
	if !ok {
		return a.writeError(t, iq, start, &stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
	}

	defer func() {
		if r := recover(); r != nil {
			err = a.writeError(t, iq, start, &stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError, Text: fmt.Sprintf("panic: %v", r)})
		}
	}()
	payload, herr := h(ctx, iq, start, xmlstream.Inner(t))
	if herr != nil {
		var se *stanza.Error
		if !errors.As(herr, &se) {
			se = &stanza.Error{Type: stanza.Cancel, Condition: stanza.InternalServerError, Text: herr.Error()}
		}
		return a.writeError(t, iq, start, se)
	}

	_, err = xmlstream.Copy(t, iq.Result(xmlstream.Wrap(payload, *start)))
	return err
}

func (a *Adapter) writeError(t xmlstream.TokenReadEncoder, iq stanza.IQ, start *xml.StartElement, se *stanza.Error) error {
	errIQ := stanza.IQ{
		ID:   iq.ID,
		To:   iq.From,
		From: iq.To,
		Type: stanza.ErrorIQ,
	}
	payload := xmlstream.MultiReader(
		xmlstream.Wrap(nil, *start),
		se.TokenReader(),
	)
	_, err := xmlstream.Copy(t, errIQ.Wrap(payload))
	return err
}

// Send writes el to the peer without expecting a reply.
func (a *Adapter) Send(ctx context.Context, el xml.TokenReader) error {
	return a.session.Send(ctx, el)
}

// Request sends iq (a "get" or "set") and returns the parsed response, or
// the peer's stanza error. If ctx has no deadline, DefaultRequestTimeout is
// applied.
func (a *Adapter) Request(ctx context.Context, iq stanza.IQ, payload xml.TokenReader) (xmlstream.TokenReadCloser, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	if iq.Type == "" {
		iq.Type = stanza.GetIQ
	}
	return a.session.SendIQElement(ctx, payload, iq)
}

// RequestElement is like Request, except payload and result are ordinary
// encoding/xml-tagged structs rather than a hand-built token stream: payload
// is marshaled into the IQ, and the reply's payload is unmarshaled into
// result (which may be nil if the caller only cares that the request
// succeeded).
func (a *Adapter) RequestElement(ctx context.Context, iq stanza.IQ, payload, result interface{}) error {
	data, err := xml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshaling request payload: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	if iq.Type == "" {
		iq.Type = stanza.SetIQ
	}
	return a.session.UnmarshalIQElement(ctx, xml.NewDecoder(bytes.NewReader(data)), iq, result)
}

// SendElement marshals payload (an encoding/xml-tagged struct) and writes it
// to the peer without expecting a reply, for one-way notifications such as
// transport-info.
func (a *Adapter) SendElement(ctx context.Context, iq stanza.IQ, payload interface{}) error {
	data, err := xml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshaling notification payload: %w", err)
	}
	if iq.Type == "" {
		iq.Type = stanza.SetIQ
	}
	return a.session.Send(ctx, iq.Wrap(xml.NewDecoder(bytes.NewReader(data))))
}

// JoinMUC joins the given room under nick, per the spec's "the adapter owns
// MUC join/leave" responsibility; the conference coordinator does not touch
// xmpp/muc directly.
func (a *Adapter) JoinMUC(ctx context.Context, room jid.JID, opt ...muc.Option) (*muc.Channel, error) {
	return a.muc.Join(ctx, room, a.session, opt...)
}

// OnRegistrationChanged registers fn to be called whenever the underlying
// connection transitions between registered and unregistered (e.g. a fresh
// connection versus a drop). The connection-management layer calls
// NotifyRegistrationChanged; Adapter does not drive reconnection itself.
func (a *Adapter) OnRegistrationChanged(fn func(registered bool)) {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	a.regCB = append(a.regCB, fn)
}

// NotifyRegistrationChanged invokes every callback registered via
// OnRegistrationChanged with registered.
func (a *Adapter) NotifyRegistrationChanged(registered bool) {
	a.regMu.Lock()
	cbs := append([]func(bool){}, a.regCB...)
	a.regMu.Unlock()
	for _, cb := range cbs {
		cb(registered)
	}
}

