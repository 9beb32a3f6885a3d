// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the xmpp package and
// other internal packages.
package ns // import "github.com/confocus/focus/xmpp/internal/ns"

// List of commonly used namespaces.
const (
	Bind     = "urn:ietf:params:xml:ns:xmpp-bind"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
	XML      = "http://www.w3.org/XML/1998/namespace"

	// Stream is the namespace of the root <stream:stream/> element and its
	// <stream:error/> and <stream:features/> children.
	Stream = "http://etherx.jabber.org/streams"

	// Client is the default namespace of stanzas exchanged between a client
	// and its server.
	Client = "jabber:client"

	// Server is the default namespace of stanzas exchanged between servers.
	Server = "jabber:server"

	// Stanza is the namespace of the stanza-level <error/> conditions defined
	// in RFC 6120 §8.3.3.
	Stanza = "urn:ietf:params:xml:ns:xmpp-stanzas"
)
