// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"github.com/confocus/focus/xmpp/jid"
)

// IQ ("Information Query") is used as a general request response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	To      jid.JID  `xml:"to,attr"`
	From    jid.JID  `xml:"from,attr"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    IQType   `xml:"type,attr"`
}

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface for IQType.
// An empty type is marshaled as "get", the default meaning of a type-less
// IQ.
func (t IQType) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	s := string(t)
	if s == "" {
		s = string(GetIQ)
	}
	return xml.Attr{Name: name, Value: s}, nil
}

// MarshalText satisfies the encoding.TextMarshaler interface for IQType.
// An empty type is marshaled as "get".
func (t IQType) MarshalText() ([]byte, error) {
	if t == "" {
		return []byte(GetIQ), nil
	}
	return []byte(t), nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface for IQType.
func (t *IQType) UnmarshalXMLAttr(attr xml.Attr) error {
	*t = IQType(attr.Value)
	return nil
}

// StartElement returns an XML start element that can be used to encode iq,
// or to compare against an incoming start element. The namespace of the
// returned element is taken from iq.XMLName; its local name is always "iq".
func (iq IQ) StartElement() xml.StartElement {
	return xml.StartElement{
		Name: xml.Name{Space: iq.XMLName.Space, Local: "iq"},
		Attr: buildAttrs(iq.ID, iq.To, iq.From, iq.Lang, string(iq.Type)),
	}
}

// Wrap wraps payload in the IQ, returning a TokenReader that outputs the
// full IQ stanza.
func (iq IQ) Wrap(payload xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(payload, iq.StartElement())
}

// Result returns a TokenReader that wraps payload in a result IQ in reply to
// iq: the to and from addresses are swapped, and the same ID is reused.
func (iq IQ) Result(payload xml.TokenReader) xml.TokenReader {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "type"}, Value: string(ResultIQ)},
	}
	if iq.From != (jid.JID{}) {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "to"}, Value: iq.From.String()})
	}
	if iq.To != (jid.JID{}) {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "from"}, Value: iq.To.String()})
	}
	if iq.ID != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	}
	return xmlstream.Wrap(payload, xml.StartElement{Name: xml.Name{Local: "iq"}, Attr: attrs})
}

// NewIQ builds an IQ by extracting the id, to, from, xml:lang, and type
// attributes from start. The element's name (including namespace) is
// preserved as-is; it is not validated to be "iq".
func NewIQ(start xml.StartElement) (IQ, error) {
	id, to, from, lang, err := parseCommonAttrs(start.Attr)
	if err != nil {
		return IQ{}, fmt.Errorf("stanza: invalid iq: %w", err)
	}
	return IQ{
		XMLName: start.Name,
		ID:      id,
		To:      to,
		From:    from,
		Lang:    lang,
		Type:    IQType(getTypeAttr(start.Attr)),
	}, nil
}
