package xmppio

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/confocus/focus/internal/bridgesession"
	"github.com/confocus/focus/internal/signaling"
	"github.com/confocus/focus/internal/sourcemap"
	"github.com/confocus/focus/xmpp/jid"
	"github.com/confocus/focus/xmpp/stanza"
)

// ParticipantTransport drives the session-negotiation namespace toward a
// conference's participants, satisfying conference.Transport.
type ParticipantTransport struct {
	adapter *signaling.Adapter
}

// NewParticipantTransport returns a ParticipantTransport that sends via
// adapter.
func NewParticipantTransport(adapter *signaling.Adapter) *ParticipantTransport {
	return &ParticipantTransport{adapter: adapter}
}

type sessionInitiate struct {
	XMLName         xml.Name      `xml:"urn:confocus:focus:session session-initiate"`
	AudioMuted      bool          `xml:"audio-muted,attr,omitempty"`
	VideoMuted      bool          `xml:"video-muted,attr,omitempty"`
	BridgeSessionID string        `xml:"bridge-session-id,attr"`
	Transport       wireTransport `xml:"transport"`
	Sources         wireSourceSet `xml:"sources"`
}

// Offer sends a session-initiate carrying alloc's transport and any
// bridge-contributed feedback sources, to the participant at id.
func (t *ParticipantTransport) Offer(ctx context.Context, id string, alloc bridgesession.Allocation, startAudioMuted, startVideoMuted bool) error {
	to, err := jid.Parse(id)
	if err != nil {
		return fmt.Errorf("xmppio: bad participant address %q: %w", id, err)
	}
	return t.adapter.SendElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, sessionInitiate{
		AudioMuted:      startAudioMuted,
		VideoMuted:      startVideoMuted,
		BridgeSessionID: alloc.SessionID,
		Transport:       toWireTransport(alloc.Transport),
		Sources:         toWireSourceSet(alloc.FeedbackSources),
	})
}

type sourceAdd struct {
	XMLName xml.Name      `xml:"urn:confocus:focus:session source-add"`
	Sources wireSourceSet `xml:"sources"`
}

// SourceAdd notifies the participant at id of newly available sources from
// the rest of the conference.
func (t *ParticipantTransport) SourceAdd(ctx context.Context, id string, set sourcemap.EndpointSourceSet) error {
	to, err := jid.Parse(id)
	if err != nil {
		return fmt.Errorf("xmppio: bad participant address %q: %w", id, err)
	}
	return t.adapter.SendElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, sourceAdd{Sources: toWireSourceSet(set)})
}

type sourceRemove struct {
	XMLName xml.Name      `xml:"urn:confocus:focus:session source-remove"`
	Sources wireSourceSet `xml:"sources"`
}

// SourceRemove notifies the participant at id that sources have gone away.
func (t *ParticipantTransport) SourceRemove(ctx context.Context, id string, set sourcemap.EndpointSourceSet) error {
	to, err := jid.Parse(id)
	if err != nil {
		return fmt.Errorf("xmppio: bad participant address %q: %w", id, err)
	}
	return t.adapter.SendElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, sourceRemove{Sources: toWireSourceSet(set)})
}

type sessionTerminate struct {
	XMLName xml.Name `xml:"urn:confocus:focus:session session-terminate"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

// Terminate notifies the participant at id that their session has ended,
// with reason.
func (t *ParticipantTransport) Terminate(ctx context.Context, id, reason string) error {
	to, err := jid.Parse(id)
	if err != nil {
		return fmt.Errorf("xmppio: bad participant address %q: %w", id, err)
	}
	return t.adapter.SendElement(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, sessionTerminate{Reason: reason})
}
