// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"github.com/confocus/focus/xmpp/jid"
)

// Message is an XMPP stanza that is used as an asynchronous, "fire-and
// forget" mechanism for one entity to communicate with another, for example
// to send a chat message.
type Message struct {
	XMLName xml.Name    `xml:"message"`
	ID      string      `xml:"id,attr"`
	To      jid.JID     `xml:"to,attr"`
	From    jid.JID     `xml:"from,attr"`
	Lang    string      `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    MessageType `xml:"type,attr,omitempty"`
}

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a standalone message sent outside the context of a
	// one-to-one conversation or groupchat.
	NormalMessage MessageType = "normal"

	// ChatMessage is sent in the context of a one-to-one chat session.
	ChatMessage MessageType = "chat"

	// GroupChatMessage is sent in the context of a multi-user chat.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage provides an alert, a notification, or other
	// transient information to which no reply is expected.
	HeadlineMessage MessageType = "headline"

	// ErrorMessage indicates that an error has occurred regarding
	// processing of a previously sent message.
	ErrorMessage MessageType = "error"
)

// StartElement returns an XML start element that can be used to encode msg,
// or to compare against an incoming start element. The namespace of the
// returned element is taken from msg.XMLName; its local name is always
// "message".
func (msg Message) StartElement() xml.StartElement {
	return xml.StartElement{
		Name: xml.Name{Space: msg.XMLName.Space, Local: "message"},
		Attr: buildAttrs(msg.ID, msg.To, msg.From, msg.Lang, string(msg.Type)),
	}
}

// Wrap wraps payload in the message, returning a TokenReader that outputs
// the full message stanza.
func (msg Message) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, msg.StartElement())
}

// NewMessage builds a Message by extracting the id, to, from, xml:lang, and
// type attributes from start. It returns an error if start is not a
// "message" element.
func NewMessage(start xml.StartElement) (Message, error) {
	if start.Name.Local != "message" {
		return Message{}, fmt.Errorf("stanza: expected message start element, got %+v", start.Name)
	}
	id, to, from, lang, err := parseCommonAttrs(start.Attr)
	if err != nil {
		return Message{}, fmt.Errorf("stanza: invalid message: %w", err)
	}
	return Message{
		XMLName: start.Name,
		ID:      id,
		To:      to,
		From:    from,
		Lang:    lang,
		Type:    MessageType(getTypeAttr(start.Attr)),
	}, nil
}
