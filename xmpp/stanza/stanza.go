// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"github.com/confocus/focus/xmpp/internal/ns"
	"github.com/confocus/focus/xmpp/jid"
)

// Namespaces used to qualify the three stanza kinds, and the delay extension
// (XEP-0203) used on both messages and presences to mark delayed delivery.
const (
	NSClient = "jabber:client"
	NSServer = "jabber:server"
	NSDelay  = "urn:xmpp:delay"
)

// WrapIQ wraps a payload in an IQ stanza built from iq's To, From, ID, Lang,
// and Type.
func WrapIQ(iq IQ, payload xml.TokenReader) xml.TokenReader {
	return iq.Wrap(payload)
}

// WrapMessage wraps a payload in a message stanza.
func WrapMessage(to jid.JID, typ MessageType, payload xml.TokenReader) xml.TokenReader {
	return Message{To: to, Type: typ}.Wrap(payload)
}

// WrapPresence wraps a payload in a presence stanza.
func WrapPresence(to jid.JID, typ PresenceType, payload xml.TokenReader) xml.TokenReader {
	return Presence{To: to, Type: typ}.Wrap(payload)
}

// buildAttrs assembles the common id/to/from/xml:lang/type attribute list
// shared by IQ, Message, and Presence start elements, omitting an empty id,
// to, from, or xml:lang.
func buildAttrs(id string, to, from jid.JID, lang, typ string) []xml.Attr {
	var attrs []xml.Attr
	if id != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "id"}, Value: id})
	}
	if to != (jid.JID{}) {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "to"}, Value: to.String()})
	}
	if from != (jid.JID{}) {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "from"}, Value: from.String()})
	}
	if lang != "" {
		attrs = append(attrs, xml.Attr{
			Name:  xml.Name{Space: ns.XML, Local: "lang"},
			Value: lang,
		})
	}
	// Unlike id/to/from, the type attribute is always written, even when
	// empty, since IQ, message, and presence stanzas all key their routing
	// on it.
	attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "type"}, Value: typ})
	return attrs
}

// parseCommonAttrs extracts id, to, from, and xml:lang from a start
// element's attribute list, ignoring attributes in other namespaces (other
// than xml:lang).
func parseCommonAttrs(attrs []xml.Attr) (id string, to, from jid.JID, lang string, err error) {
	for _, a := range attrs {
		switch {
		case a.Name.Space == "" && a.Name.Local == "id":
			id = a.Value
		case a.Name.Space == "" && a.Name.Local == "to":
			if to, err = jid.Parse(a.Value); err != nil {
				return "", jid.JID{}, jid.JID{}, "", err
			}
		case a.Name.Space == "" && a.Name.Local == "from":
			if from, err = jid.Parse(a.Value); err != nil {
				return "", jid.JID{}, jid.JID{}, "", err
			}
		case a.Name.Space == ns.XML && a.Name.Local == "lang":
			lang = a.Value
		}
	}
	return id, to, from, lang, nil
}

func getTypeAttr(attrs []xml.Attr) string {
	for _, a := range attrs {
		if a.Name.Space == "" && a.Name.Local == "type" {
			return a.Value
		}
	}
	return ""
}
