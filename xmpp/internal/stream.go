// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package internal

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/confocus/focus/xmpp/errors"
	"github.com/confocus/focus/xmpp/internal/ns"
	"github.com/confocus/focus/xmpp/jid"
)

const (
	XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>`
)

// StreamInfo holds the attributes of a negotiated <stream:stream/> header.
type StreamInfo struct {
	To      *jid.JID
	From    *jid.JID
	ID      string
	Version Version
	XMLNS   string
	Lang    string
}

// This MUST only return stream errors.
func streamFromStartElement(s xml.StartElement) (StreamInfo, error) {
	streamData := StreamInfo{}
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			streamData.To = &jid.JID{}
			if err := streamData.To.UnmarshalXMLAttr(attr); err != nil {
				return streamData, &errors.ImproperAddressing
			}
		case xml.Name{Space: "", Local: "from"}:
			streamData.From = &jid.JID{}
			if err := streamData.From.UnmarshalXMLAttr(attr); err != nil {
				return streamData, &errors.ImproperAddressing
			}
		case xml.Name{Space: "", Local: "id"}:
			streamData.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			(&streamData.Version).UnmarshalXMLAttr(attr)
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return streamData, &errors.InvalidNamespace
			}
			streamData.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return streamData, &errors.InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}:
			streamData.Lang = attr.Value
		}
	}
	return streamData, nil
}

// SendNewStream writes an XML declaration and opening <stream:stream/> tag to
// rw. A raw Fprintf is used instead of an xml.Encoder both because the
// standard library encoder cannot emit the namespaced stream:stream start
// tag XMPP requires, and because the fixed, small attribute set here is easy
// to keep well-formed by hand.
func SendNewStream(rw io.Writer, s2s bool, version Version, lang string, location, origin, id string) (StreamInfo, error) {
	streamData := StreamInfo{}
	if s2s {
		streamData.XMLNS = ns.Server
	} else {
		streamData.XMLNS = ns.Client
	}

	streamData.ID = id
	var idAttr string
	if id != "" {
		idAttr = ` id='` + id + `' `
	} else {
		idAttr = " "
	}

	_, err := fmt.Fprintf(rw,
		XMLHeader+`<stream:stream%sto='%s' from='%s' version='%s' xml:lang='`,
		idAttr,
		location,
		origin,
		version,
	)
	if err != nil {
		return streamData, err
	}

	err = xml.EscapeText(rw, []byte(lang))
	if err != nil {
		return streamData, err
	}

	_, err = fmt.Fprintf(rw, `' xmlns='%s' xmlns:stream='%s'>`,
		streamData.XMLNS,
		ns.Stream,
	)
	if err != nil {
		return streamData, err
	}

	return streamData, nil
}

// ExpectNewStream reads and validates an opening <stream:stream/> tag (and
// the optional XML declaration that precedes it) from d. recv is true if we
// are the receiving entity, false if we are the initiating entity (expecting
// the peer to have chosen a stream id).
func ExpectNewStream(ctx context.Context, d xml.TokenReader, recv bool) (streamData StreamInfo, err error) {
	var foundHeader bool

	for {
		select {
		case <-ctx.Done():
			return streamData, ctx.Err()
		default:
		}
		t, err := d.Token()
		if err != nil {
			return streamData, err
		}
		switch tok := t.(type) {
		case xml.StartElement:
			switch {
			case tok.Name.Local == "error" && tok.Name.Space == ns.Stream:
				se := errors.StreamError{}
				if err := xml.NewTokenDecoder(d).DecodeElement(&se, &tok); err != nil {
					return streamData, err
				}
				return streamData, &se
			case tok.Name.Local != "stream":
				return streamData, &errors.BadFormat
			case tok.Name.Space != ns.Stream:
				return streamData, &errors.InvalidNamespace
			}

			streamData, err = streamFromStartElement(tok)
			switch {
			case err != nil:
				return streamData, err
			case streamData.Version != DefaultVersion:
				return streamData, &errors.UnsupportedVersion
			}

			if !recv && streamData.ID == "" {
				// if we are the initiating entity and there is no stream ID…
				return streamData, &errors.BadFormat
			}
			return streamData, nil
		case xml.ProcInst:
			if !foundHeader && tok.Target == "xml" {
				foundHeader = true
				continue
			}
			return streamData, &errors.RestrictedXML
		case xml.EndElement:
			return streamData, &errors.NotWellFormed
		default:
			return streamData, &errors.RestrictedXML
		}
	}
}
