// Package xmppio implements the wire format for the two outbound
// namespaces §6 names as load-bearing for the core: the bridge-control
// namespace (BridgeRPC, satisfying bridgesession.RPC) and the
// session-negotiation namespace (ParticipantTransport, satisfying
// conference.Transport). Both drive a *signaling.Adapter; neither package
// upstream of this one knows an XML tag exists.
package xmppio

import (
	"github.com/confocus/focus/internal/bridgesession"
	"github.com/confocus/focus/internal/sourcemap"
)

// NSBridge is the bridge-control namespace of §6.
const NSBridge = "urn:confocus:focus:bridge"

// NSSession is the session-negotiation namespace of §6.
const NSSession = "urn:confocus:focus:session"

// wireAttr is one opaque (name, value) pair from sourcemap.Source.Attrs,
// carried as a child element since encoding/xml cannot marshal a map
// directly.
type wireAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type wireSource struct {
	SSRC  uint32     `xml:"ssrc,attr"`
	Type  string     `xml:"type,attr"`
	Group string     `xml:"group,attr,omitempty"`
	Attrs []wireAttr `xml:"attr,omitempty"`
}

type wireGroup struct {
	Semantics string   `xml:"semantics,attr"`
	Type      string   `xml:"type,attr"`
	SSRCs     []uint32 `xml:"ssrc"`
}

type wireSourceSet struct {
	Sources []wireSource `xml:"source,omitempty"`
	Groups  []wireGroup  `xml:"group,omitempty"`
}

func toWireSourceSet(set sourcemap.EndpointSourceSet) wireSourceSet {
	out := wireSourceSet{
		Sources: make([]wireSource, len(set.Sources)),
		Groups:  make([]wireGroup, len(set.Groups)),
	}
	for i, s := range set.Sources {
		ws := wireSource{SSRC: s.SSRC, Type: string(s.Type), Group: s.Group}
		for name, value := range s.Attrs {
			ws.Attrs = append(ws.Attrs, wireAttr{Name: name, Value: value})
		}
		out.Sources[i] = ws
	}
	for i, g := range set.Groups {
		out.Groups[i] = wireGroup{Semantics: string(g.Semantics), Type: string(g.Type), SSRCs: g.SSRCs}
	}
	return out
}

func fromWireSourceSet(w wireSourceSet) sourcemap.EndpointSourceSet {
	out := sourcemap.EndpointSourceSet{
		Sources: make([]sourcemap.Source, len(w.Sources)),
		Groups:  make([]sourcemap.SourceGroup, len(w.Groups)),
	}
	for i, ws := range w.Sources {
		s := sourcemap.Source{SSRC: ws.SSRC, Type: sourcemap.MediaType(ws.Type), Group: ws.Group}
		if len(ws.Attrs) > 0 {
			s.Attrs = make(map[string]string, len(ws.Attrs))
			for _, a := range ws.Attrs {
				s.Attrs[a.Name] = a.Value
			}
		}
		out.Sources[i] = s
	}
	for i, wg := range w.Groups {
		out.Groups[i] = sourcemap.SourceGroup{Semantics: sourcemap.Semantics(wg.Semantics), Type: sourcemap.MediaType(wg.Type), SSRCs: wg.SSRCs}
	}
	return out
}

type wireCandidate struct {
	Foundation string `xml:"foundation,attr"`
	Component  int    `xml:"component,attr"`
	Protocol   string `xml:"protocol,attr"`
	Priority   uint32 `xml:"priority,attr"`
	IP         string `xml:"ip,attr"`
	Port       int    `xml:"port,attr"`
	Type       string `xml:"type,attr"`
}

type wireTransport struct {
	Fingerprint string          `xml:"fingerprint,attr,omitempty"`
	UFrag       string          `xml:"ufrag,attr,omitempty"`
	Pwd         string          `xml:"pwd,attr,omitempty"`
	SCTPPort    int             `xml:"sctp-port,attr,omitempty"`
	Candidates  []wireCandidate `xml:"candidate,omitempty"`
}

func toWireTransport(t bridgesession.Transport) wireTransport {
	w := wireTransport{Fingerprint: t.Fingerprint, UFrag: t.UFrag, Pwd: t.Pwd, SCTPPort: t.SCTPPort}
	w.Candidates = make([]wireCandidate, len(t.Candidates))
	for i, c := range t.Candidates {
		w.Candidates[i] = wireCandidate{
			Foundation: c.Foundation,
			Component:  c.Component,
			Protocol:   c.Protocol,
			Priority:   c.Priority,
			IP:         c.IP,
			Port:       c.Port,
			Type:       c.Type,
		}
	}
	return w
}

func fromWireTransport(w wireTransport) bridgesession.Transport {
	t := bridgesession.Transport{Fingerprint: w.Fingerprint, UFrag: w.UFrag, Pwd: w.Pwd, SCTPPort: w.SCTPPort}
	t.Candidates = make([]bridgesession.TransportCandidate, len(w.Candidates))
	for i, c := range w.Candidates {
		t.Candidates[i] = bridgesession.TransportCandidate{
			Foundation: c.Foundation,
			Component:  c.Component,
			Protocol:   c.Protocol,
			Priority:   c.Priority,
			IP:         c.IP,
			Port:       c.Port,
			Type:       c.Type,
		}
	}
	return t
}
