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

func TestSendMessageTimesOutWithoutResponse(t *testing.T) {
	cs := xmpptest.NewClientServer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cs.Client.SendMessageElement(ctx, nil, stanza.Message{
		ID:   "123",
		Type: stanza.ChatMessage,
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected a deadline exceeded error, got %v", err)
	}
}

func TestSendMessageErrorDoesNotBlock(t *testing.T) {
	cs := xmpptest.NewClientServer()

	resp, err := cs.Client.SendMessageElement(context.Background(), nil, stanza.Message{
		ID:   "123",
		Type: stanza.ErrorMessage,
	})
	if err != nil {
		t.Fatalf("unexpected error sending error message: %v", err)
	}
	if resp != nil {
		t.Errorf("expected no response for an error message, got %v", resp)
	}
}

func TestSendMessageRejectsNonMessage(t *testing.T) {
	cs := xmpptest.NewClientServer()

	_, err := cs.Client.SendMessage(context.Background(), xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "iq"},
	}))
	if err == nil {
		t.Fatal("expected an error when sending a non-message element through SendMessage")
	}
}

func TestSendMessageReceivesMatchingReply(t *testing.T) {
	cs := xmpptest.NewClientServer(
		xmpptest.ServerHandlerFunc(func(rw xmlstream.TokenReadEncoder, start *xml.StartElement) error {
			msg, err := stanza.NewMessage(*start)
			if err != nil {
				return err
			}
			msg.To, msg.From = msg.From, msg.To
			msg.Type = stanza.ChatMessage
			_, err = xmlstream.Copy(rw, msg.Wrap(nil))
			return err
		}),
	)

	resp, err := cs.Client.SendMessageElement(context.Background(), nil, stanza.Message{
		ID:   "abc",
		Type: stanza.ChatMessage,
	})
	if err != nil {
		t.Fatalf("unexpected error sending message: %v", err)
	}
	respMsg := stanza.Message{}
	if err := xml.NewTokenDecoder(resp).Decode(&respMsg); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if err := resp.Close(); err != nil {
		t.Fatalf("error closing response: %v", err)
	}
	if respMsg.ID != "abc" {
		t.Errorf("wrong response id: want=abc, got=%s", respMsg.ID)
	}
}
