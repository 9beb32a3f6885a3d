// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest contains testing helpers for the xmpp package and its
// subpackages.
package xmpptest

import (
	"encoding/xml"
	"net"

	"mellium.im/xmlstream"
	"github.com/confocus/focus/xmpp"
	"github.com/confocus/focus/xmpp/jid"
)

var noopHandler = xmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	return nil
})

// ClientServer wires two in-memory xmpp.Session values together so that
// tests can exercise code that sends stanzas over a Session without dialing
// a real connection.
type ClientServer struct {
	Client *xmpp.Session
	Server *xmpp.Session
}

type options struct {
	clientState xmpp.SessionState
	serverState xmpp.SessionState
	clientJID   jid.JID
	serverJID   jid.JID
	client      xmpp.Handler
	server      xmpp.Handler
}

// Option configures a ClientServer.
type Option func(*options)

// ClientState ORs state into the client session's state.
func ClientState(state xmpp.SessionState) Option {
	return func(o *options) { o.clientState |= state }
}

// ServerState ORs state into the server session's state.
func ServerState(state xmpp.SessionState) Option {
	return func(o *options) { o.serverState |= state }
}

// ClientHandler sets the handler used to service stanzas read by the client
// session's Serve loop.
func ClientHandler(h xmpp.Handler) Option {
	return func(o *options) { o.client = h }
}

// ClientHandlerFunc is like ClientHandler but takes a function.
func ClientHandlerFunc(h xmpp.HandlerFunc) Option {
	return ClientHandler(h)
}

// ServerHandler sets the handler used to service stanzas read by the server
// session's Serve loop.
func ServerHandler(h xmpp.Handler) Option {
	return func(o *options) { o.server = h }
}

// ServerHandlerFunc is like ServerHandler but takes a function.
func ServerHandlerFunc(h xmpp.HandlerFunc) Option {
	return ServerHandler(h)
}

// NewClientServer creates a pair of sessions connected over an in-memory
// pipe and starts serving both sides in the background. The returned
// ClientServer's sessions are already established (SessionState Ready) and
// require no further negotiation.
func NewClientServer(o ...Option) *ClientServer {
	opts := options{
		clientJID: jid.MustParse("test@example.net/focus"),
		serverJID: jid.MustParse("example.net"),
		client:    noopHandler,
		server:    noopHandler,
	}
	for _, f := range o {
		f(&opts)
	}

	clientConn, serverConn := net.Pipe()

	cs := &ClientServer{
		Client: xmpp.NewRawSession(clientConn, opts.clientJID, opts.serverJID, opts.clientState),
		Server: xmpp.NewRawSession(serverConn, opts.serverJID, opts.clientJID, opts.serverState|xmpp.Received),
	}

	go cs.Client.Serve(opts.client)
	go cs.Server.Serve(opts.server)

	return cs
}

// Close closes both sessions' underlying connections.
func (cs *ClientServer) Close() error {
	if err := cs.Client.Conn().Close(); err != nil {
		return err
	}
	return cs.Server.Conn().Close()
}
