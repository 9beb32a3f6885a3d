// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"

	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"github.com/confocus/focus/xmpp/internal"
	"github.com/confocus/focus/xmpp/internal/attr"
	"github.com/confocus/focus/xmpp/internal/ns"
	"github.com/confocus/focus/xmpp/internal/saslerr"
	"github.com/confocus/focus/xmpp/jid"
	"github.com/confocus/focus/xmpp/stanza"
)

// Errors returned by the xmpp package.
var (
	ErrInputStreamClosed  = errors.New("xmpp: attempted to read token from closed stream")
	ErrOutputStreamClosed = errors.New("xmpp: attempted to write token to closed stream")
)

// SessionState is a bitmask describing how far a Session has progressed
// through connection establishment.
type SessionState uint8

const (
	// Secure indicates that the underlying connection is encrypted.
	Secure SessionState = 1 << iota

	// Authn indicates that SASL authentication has completed.
	Authn

	// Ready indicates that the stream is fully negotiated and stanzas may be
	// sent and received.
	Ready

	// Received indicates the session was initiated by a foreign entity. The
	// focus never receives sessions; it only dials out.
	Received

	// OutputStreamClosed indicates the output stream has been closed with a
	// closing </stream:stream> tag.
	OutputStreamClosed

	// InputStreamClosed indicates the input stream has been closed.
	InputStreamClosed
)

// A Session represents a single, persistent client-to-server XMPP
// connection: the stream negotiation, SASL PLAIN authentication, and
// resource binding happen once, in NewClientSession, and the returned
// Session is then used for the lifetime of the focus's connection to the
// component or server it signals through.
type Session struct {
	rwc io.ReadWriteCloser

	state SessionState
	slock sync.RWMutex

	origin   jid.JID
	location jid.JID

	in struct {
		sync.Mutex
		d xml.TokenReader
	}

	encMu sync.Mutex
	out   *xml.Encoder

	pendingMu sync.Mutex
	pending   map[string]chan xmlstream.TokenReadCloser

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientSession authenticates with SASL PLAIN over rw and binds a
// resource, returning a Session ready for Serve. origin's resourcepart, if
// set, is requested explicitly; otherwise the server is asked to assign
// one.
func NewClientSession(ctx context.Context, origin jid.JID, password string, rw io.ReadWriteCloser) (*Session, error) {
	location, err := jid.Parse(origin.Domainpart())
	if err != nil {
		return nil, fmt.Errorf("xmpp: invalid origin domain: %w", err)
	}
	s := &Session{
		rwc:      rw,
		origin:   origin,
		location: location,
		pending:  make(map[string]chan xmlstream.TokenReadCloser),
		closed:   make(chan struct{}),
	}
	s.in.d = xml.NewDecoder(rw)
	s.out = xml.NewEncoder(rw)

	if _, err := internal.SendNewStream(s.rwc, false, internal.DefaultVersion, "", s.location.String(), s.origin.String(), ""); err != nil {
		return nil, fmt.Errorf("xmpp: opening stream: %w", err)
	}
	if _, err := internal.ExpectNewStream(ctx, s.in.d, false); err != nil {
		return nil, fmt.Errorf("xmpp: awaiting stream: %w", err)
	}

	if err := s.authenticate(ctx, password); err != nil {
		return nil, fmt.Errorf("xmpp: authenticating: %w", err)
	}
	s.slock.Lock()
	s.state |= Authn
	s.slock.Unlock()

	// A successful SASL negotiation requires a fresh stream.
	s.in.d = xml.NewDecoder(rw)
	s.out = xml.NewEncoder(rw)
	if _, err := internal.SendNewStream(s.rwc, false, internal.DefaultVersion, "", s.location.String(), s.origin.String(), ""); err != nil {
		return nil, fmt.Errorf("xmpp: restarting stream: %w", err)
	}
	if _, err := internal.ExpectNewStream(ctx, s.in.d, false); err != nil {
		return nil, fmt.Errorf("xmpp: awaiting restarted stream: %w", err)
	}

	bound, err := s.bind(ctx)
	if err != nil {
		return nil, fmt.Errorf("xmpp: binding resource: %w", err)
	}
	s.origin = bound

	s.slock.Lock()
	s.state |= Ready
	s.slock.Unlock()

	return s, nil
}

const (
	saslAuthFmt  = `<auth xmlns='%s' mechanism='PLAIN'>%s</auth>`
	bindIQFmt    = `<iq id='%s' type='set'><bind xmlns='%s'/></iq>`
	bindIQResFmt = `<iq id='%s' type='set'><bind xmlns='%s'><resource>%s</resource></bind></iq>`
)

// NewRawSession wraps an already-established connection in a Session
// without performing stream negotiation, SASL authentication, or resource
// binding. It is for use by transports that establish equivalent guarantees
// out of band (for example a test harness wiring two in-memory pipes
// together) and should not be used to talk to a real XMPP server.
func NewRawSession(rw io.ReadWriteCloser, origin, location jid.JID, state SessionState) *Session {
	s := &Session{
		rwc:      rw,
		origin:   origin,
		location: location,
		pending:  make(map[string]chan xmlstream.TokenReadCloser),
		closed:   make(chan struct{}),
		state:    state | Ready,
	}
	s.in.d = xml.NewDecoder(rw)
	s.out = xml.NewEncoder(rw)
	return s
}

func (s *Session) authenticate(ctx context.Context, password string) error {
	client := sasl.NewClient(sasl.Plain, sasl.Credentials(s.origin.Localpart(), password))
	_, resp, err := client.Step(nil)
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(resp)
	if enc == "" {
		enc = "="
	}
	if _, err := fmt.Fprintf(s.rwc, saslAuthFmt, ns.SASL, enc); err != nil {
		return err
	}

	d := xml.NewTokenDecoder(s.in.d)
	tok, err := d.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("xmpp: expected SASL response element, got %T", tok)
	}
	switch start.Name {
	case xml.Name{Space: ns.SASL, Local: "success"}:
		return xmlstream.Skip(d)
	case xml.Name{Space: ns.SASL, Local: "failure"}:
		fail := saslerr.Failure{}
		if err := d.DecodeElement(&fail, &start); err != nil {
			return err
		}
		return fail
	default:
		return fmt.Errorf("xmpp: unexpected element %v during SASL negotiation", start.Name)
	}
}

func (s *Session) bind(ctx context.Context) (jid.JID, error) {
	id := attr.RandomID()
	var err error
	if resource := s.origin.Resourcepart(); resource == "" {
		_, err = fmt.Fprintf(s.rwc, bindIQFmt, id, ns.Bind)
	} else {
		_, err = fmt.Fprintf(s.rwc, bindIQResFmt, id, ns.Bind, resource)
	}
	if err != nil {
		return jid.JID{}, err
	}

	d := xml.NewTokenDecoder(s.in.d)
	tok, err := d.Token()
	if err != nil {
		return jid.JID{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return jid.JID{}, fmt.Errorf("xmpp: expected bind result iq, got %T", tok)
	}
	resp := struct {
		stanza.IQ
		Bind struct {
			JID string `xml:"jid"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	}{}
	if err := d.DecodeElement(&resp, &start); err != nil {
		return jid.JID{}, err
	}
	if resp.IQ.ID != id {
		return jid.JID{}, fmt.Errorf("xmpp: bind response id mismatch: want=%s got=%s", id, resp.IQ.ID)
	}
	if resp.IQ.Type == stanza.ErrorIQ {
		return jid.JID{}, fmt.Errorf("xmpp: server refused resource bind")
	}
	return jid.Parse(resp.Bind.JID)
}

// Serve reads stanzas from the session until the stream closes or an error
// occurs, dispatching each to h unless it carries the id of a pending
// request registered through sendResp, in which case it is routed back to
// the waiting caller instead.
func (s *Session) Serve(h Handler) (err error) {
	s.in.Lock()
	defer s.in.Unlock()
	defer s.closeOnce.Do(func() { close(s.closed) })

	discard := xmlstream.Discard()
	for {
		tok, err := s.in.d.Token()
		if err != nil {
			return err
		}
		var start xml.StartElement
		switch t := tok.(type) {
		case xml.StartElement:
			start = t
		case xml.EndElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "stream" {
				return nil
			}
			continue
		default:
			continue
		}

		inner := xmlstream.Inner(s.in.d)
		_, _, id, _ := getIDTyp(start.Attr)
		if id != "" {
			s.pendingMu.Lock()
			rc, waiting := s.pending[id]
			if waiting {
				delete(s.pending, id)
			}
			s.pendingMu.Unlock()
			if waiting {
				done := make(chan struct{})
				full := xmlstream.Wrap(inner, start)
				rc <- &tokenReadCloser{TokenReader: full, done: done}
				<-done
				if _, err := xmlstream.Copy(discard, full); err != nil {
					return err
				}
				continue
			}
		}

		rw := struct {
			xml.TokenReader
			xmlstream.TokenWriter
		}{TokenReader: inner, TokenWriter: s}
		if err := h.HandleXMPP(rw, &start); err != nil {
			return err
		}
		if _, err := xmlstream.Copy(discard, rw); err != nil {
			return err
		}
	}
}

// tokenReadCloser adapts a plain xml.TokenReader into an
// xmlstream.TokenReadCloser, signaling done when Close is called so that
// Serve's read loop can resume consuming the underlying stream.
type tokenReadCloser struct {
	xml.TokenReader
	done     chan struct{}
	closeErr error
	once     sync.Once
}

func (t *tokenReadCloser) Close() error {
	t.once.Do(func() { close(t.done) })
	return t.closeErr
}

// Token satisfies xml.TokenReader.
func (s *Session) Token() (xml.Token, error) {
	s.slock.RLock()
	defer s.slock.RUnlock()
	if s.state&InputStreamClosed == InputStreamClosed {
		return nil, ErrInputStreamClosed
	}
	return s.in.d.Token()
}

// EncodeToken satisfies xmlstream.TokenWriter.
func (s *Session) EncodeToken(t xml.Token) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if s.State()&OutputStreamClosed == OutputStreamClosed {
		return ErrOutputStreamClosed
	}
	return s.out.EncodeToken(t)
}

// Flush satisfies xmlstream.TokenWriter.
func (s *Session) Flush() error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if s.State()&OutputStreamClosed == OutputStreamClosed {
		return ErrOutputStreamClosed
	}
	return s.out.Flush()
}

// Feature reports whether a stream feature with the given namespace was
// advertised by the server. The focus's stream negotiation is fixed
// (SASL PLAIN followed by resource bind) so this always returns false; it
// exists so extension packages written against the wider negotiation model
// (for instance disco's entity-caps feature) degrade gracefully instead of
// failing to compile.
func (s *Session) Feature(namespace string) (data interface{}, ok bool) {
	return nil, false
}

// Conn returns the session's backing connection. It should rarely be used
// directly; it is exposed for extensions that need to wrap the connection
// in a new layer.
func (s *Session) Conn() io.ReadWriteCloser {
	return s.rwc
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.state
}

// LocalAddr returns the bound address of this session.
func (s *Session) LocalAddr() jid.JID {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.origin
}

// RemoteAddr returns the address of the server or component this session is
// connected to.
func (s *Session) RemoteAddr() jid.JID {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.location
}

// Close ends the output stream by sending a closing </stream:stream> tag.
// It does not close the underlying connection; callers that own rwc should
// close it themselves once Serve returns.
func (s *Session) Close() error {
	s.slock.Lock()
	defer s.slock.Unlock()
	if s.state&OutputStreamClosed == OutputStreamClosed {
		return nil
	}
	s.state |= OutputStreamClosed
	_, err := s.rwc.Write([]byte(`</stream:stream>`))
	return err
}
