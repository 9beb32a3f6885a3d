// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package jid implements the XMPP address format (historically, "Jabber ID").
package jid // import "github.com/confocus/focus/xmpp/jid"

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/precis"
)

// Errors returned by the jid package.
var (
	ErrEmptyPart   = errors.New("jid: a localpart or resourcepart is present but empty")
	ErrLongPart    = errors.New("jid: a localpart, domainpart, or resourcepart is too long")
	ErrInvalidPart = errors.New("jid: an invalid character was found in one of the parts")
)

// JID represents an XMPP address (Jabber ID) comprising an optional
// localpart, a domainpart, and an optional resourcepart.
//
// JID is a value type and is safe to compare with ==.
type JID struct {
	localpart  string
	domainpart string
	resource   string
}

// Parse parses a string into a JID, applying the PRECIS IdentifierClass and
// UsernameCaseMapped profiles to the localpart, IDNA to the domainpart, and
// the OpaqueString profile to the resourcepart, per RFC 7622.
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if the string cannot be parsed.
// It is intended for use in tests and package-level variable initialization.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// New builds a JID from its three constituent parts, normalizing each.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}

	var err error
	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
	}

	domainpart, err = idna.ToUnicode(domainpart)
	if err != nil {
		// Hosts that aren't valid domains (bare IPs, .onion, etc.) are passed
		// through unmodified; IDNA only normalizes label encoding.
		domainpart = strings.TrimSuffix(domainpart, ".")
	}

	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
	}

	return JID{localpart: localpart, domainpart: domainpart, resource: resourcepart}, nil
}

// SplitString splits a string representation of a JID into its localpart,
// domainpart, and resourcepart. The parts are not normalized or validated.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	parts := strings.SplitN(s, "/", 2)
	head := parts[0]
	if len(parts) == 2 {
		resourcepart = parts[1]
		if resourcepart == "" {
			return "", "", "", ErrEmptyPart
		}
	}

	if idx := strings.Index(head, "@"); idx >= 0 {
		localpart = head[:idx]
		domainpart = head[idx+1:]
		if localpart == "" {
			return "", "", "", ErrEmptyPart
		}
	} else {
		domainpart = head
	}
	domainpart = strings.TrimSuffix(domainpart, ".")
	return localpart, domainpart, resourcepart, nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 || len(domainpart) > 1023 || len(resourcepart) > 1023 {
		return ErrLongPart
	}
	if domainpart == "" {
		return ErrEmptyPart
	}
	if strings.ContainsAny(localpart, "\"&'/:<>@") {
		return ErrInvalidPart
	}
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") && strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil {
			return ErrInvalidPart
		}
	}
	return nil
}

// Localpart returns the localpart of the JID, if any.
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the domainpart of the JID.
func (j JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the resourcepart of the JID, if any.
func (j JID) Resourcepart() string { return j.resource }

// Bare returns a copy of the JID with the resourcepart removed.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// WithResource returns a copy of the JID with the resourcepart replaced,
// normalizing the new resourcepart with the OpaqueString PRECIS profile.
func (j JID) WithResource(resourcepart string) (JID, error) {
	return New(j.localpart, j.domainpart, resourcepart)
}

// Equal reports whether j and j2 represent the same address.
func (j JID) Equal(j2 JID) bool {
	return j.localpart == j2.localpart && j.domainpart == j2.domainpart && j.resource == j2.resource
}

// Domain returns a copy of the JID with the localpart and resourcepart
// removed.
func (j JID) Domain() JID {
	return JID{domainpart: j.domainpart}
}

// Network satisfies net.Addr and always returns "xmpp".
func (j JID) Network() string {
	return "xmpp"
}

// String returns the string representation of the JID as described in
// RFC 7622 §3.3.
func (j JID) String() string {
	var b strings.Builder
	if j.localpart != "" {
		b.WriteString(j.localpart)
		b.WriteByte('@')
	}
	b.WriteString(j.domainpart)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// MarshalXMLAttr satisfies xml.MarshalerAttr so that a JID can be used
// directly as the value of an XML attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.domainpart == "" {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
