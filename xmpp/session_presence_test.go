// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp_test

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"mellium.im/xmlstream"
	"github.com/confocus/focus/xmpp/internal/xmpptest"
	"github.com/confocus/focus/xmpp/stanza"
)

func TestSendPresenceTimesOutWithoutResponse(t *testing.T) {
	cs := xmpptest.NewClientServer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cs.Client.SendPresenceElement(ctx, nil, stanza.Presence{
		ID: "123",
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected a deadline exceeded error, got %v", err)
	}
}

func TestSendPresenceErrorDoesNotBlock(t *testing.T) {
	cs := xmpptest.NewClientServer()

	resp, err := cs.Client.SendPresenceElement(context.Background(), nil, stanza.Presence{
		ID:   "123",
		Type: stanza.ErrorPresence,
	})
	if err != nil {
		t.Fatalf("unexpected error sending error presence: %v", err)
	}
	if resp != nil {
		t.Errorf("expected no response for an error presence, got %v", resp)
	}
}

func TestSendPresenceRejectsNonPresence(t *testing.T) {
	cs := xmpptest.NewClientServer()

	_, err := cs.Client.SendPresence(context.Background(), xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "iq"},
	}))
	if err == nil {
		t.Fatal("expected an error when sending a non-presence element through SendPresence")
	}
}

func TestSendPresenceReceivesMatchingReply(t *testing.T) {
	cs := xmpptest.NewClientServer(
		xmpptest.ServerHandlerFunc(func(rw xmlstream.TokenReadEncoder, start *xml.StartElement) error {
			p, err := stanza.NewPresence(*start)
			if err != nil {
				return err
			}
			p.To, p.From = p.From, p.To
			_, err = xmlstream.Copy(rw, p.Wrap(nil))
			return err
		}),
	)

	resp, err := cs.Client.SendPresenceElement(context.Background(), nil, stanza.Presence{
		ID: "abc",
	})
	if err != nil {
		t.Fatalf("unexpected error sending presence: %v", err)
	}
	respPresence := stanza.Presence{}
	if err := xml.NewTokenDecoder(resp).Decode(&respPresence); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if err := resp.Close(); err != nil {
		t.Fatalf("error closing response: %v", err)
	}
	if respPresence.ID != "abc" {
		t.Errorf("wrong response id: want=abc, got=%s", respPresence.ID)
	}
}
