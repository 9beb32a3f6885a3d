// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"github.com/confocus/focus/xmpp/stanza"
)

// isIQEmptySpace reports whether name is an "iq" element in the empty,
// client, or server namespace.
func isIQEmptySpace(name xml.Name) bool {
	return name.Local == "iq" && (name.Space == "" || name.Space == stanza.NSClient || name.Space == stanza.NSServer)
}

// getIDTyp scans attrs for "id" and "type" attributes, returning their
// indices in attrs (or -1 if absent) along with their values.
func getIDTyp(attrs []xml.Attr) (idx, typIdx int, id, typ string) {
	idx, typIdx = -1, -1
	for i, a := range attrs {
		switch {
		case a.Name.Space == "" && a.Name.Local == "id":
			idx = i
			id = a.Value
		case a.Name.Space == "" && a.Name.Local == "type":
			typIdx = i
			typ = a.Value
		}
	}
	return idx, typIdx, id, typ
}

// Send transmits the first element read from r, copying the rest of the
// token stream through verbatim.
// Send does not wait for a response; for that use SendIQ.
//
// Send is safe for concurrent use by multiple goroutines.
func (s *Session) Send(ctx context.Context, r xml.TokenReader) error {
	tok, err := r.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("xmpp: expected start element, got %T", tok)
	}
	return s.SendElement(ctx, xmlstream.Inner(r), start)
}

// SendElement is like Send except that it uses start as the outermost
// element of the stanza instead of reading it from the stream.
//
// SendElement is safe for concurrent use by multiple goroutines.
func (s *Session) SendElement(ctx context.Context, payload xml.TokenReader, start xml.StartElement) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	w := xmlstream.Wrap(payload, start)
	_, err := xmlstream.Copy(s.out, w)
	if err != nil {
		return err
	}
	return s.out.Flush()
}

// sendResp writes start (wrapping payload) to the stream, registers id as a
// pending response, and blocks until a stanza carrying that id arrives on
// the read loop (see Serve), the context is canceled, or the session closes.
func (s *Session) sendResp(ctx context.Context, id string, payload xml.TokenReader, start xml.StartElement) (xmlstream.TokenReadCloser, error) {
	rc := make(chan xmlstream.TokenReadCloser, 1)
	s.pendingMu.Lock()
	s.pending[id] = rc
	s.pendingMu.Unlock()

	cleanup := func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	if err := s.SendElement(ctx, payload, start); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-s.closed:
		cleanup()
		return nil, fmt.Errorf("xmpp: session closed while awaiting response to %q", id)
	case resp := <-rc:
		return resp, nil
	}
}
