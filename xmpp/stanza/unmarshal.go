// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"fmt"
	"io"
)

// UnmarshalIQError checks whether start represents an error-type IQ and, if
// so, decodes the wrapped <error/> payload from r and returns it (as both
// the *Error value and the error interface; *Error implements error). If
// start is not an error-type IQ, UnmarshalIQError returns a nil *Error and a
// nil error without consuming r.
func UnmarshalIQError(r xml.TokenReader, start xml.StartElement) (*Error, error) {
	iq, err := NewIQ(start)
	if err != nil {
		return nil, err
	}
	if iq.Type != ErrorIQ {
		return nil, nil
	}

	d := xml.NewTokenDecoder(r)
	tok, err := d.Token()
	if err != nil {
		return nil, err
	}
	errStart, ok := tok.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("stanza: expected error start element, got %T", tok)
	}
	se := &Error{}
	if err := d.DecodeElement(se, &errStart); err != nil {
		return nil, err
	}
	return se, se
}

// UnmarshalError checks whether start represents an error-type stanza (a
// message or presence with type="error") and, if so, scans the children in r
// for an <error/> payload, decodes it, and returns it (as both the *Error
// value and the error interface; *Error implements error). If start is not
// an error-type stanza, or no <error/> child is found, UnmarshalError
// returns a nil *Error and a nil error. Unlike UnmarshalIQError it does not
// restrict start to any particular stanza name and does not assume the
// <error/> element is the first child, since message and presence payloads
// may carry other extension elements (eg. MUC status codes) alongside it.
func UnmarshalError(r xml.TokenReader, start xml.StartElement) (*Error, error) {
	if getTypeAttr(start.Attr) != "error" {
		return nil, nil
	}

	d := xml.NewTokenDecoder(r)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		errStart, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if errStart.Name.Local != "error" {
			if err := d.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		se := &Error{}
		if err := d.DecodeElement(se, &errStart); err != nil {
			return nil, err
		}
		return se, se
	}
}
