package xmppio

import (
	"encoding/xml"

	"github.com/confocus/focus/internal/participant"
	"github.com/confocus/focus/xmpp/muc"
)

// occupantExtension is the presence extension a conference-room occupant
// carries alongside the standard muc#user item: the region it dialed in
// from, and (for a non-human occupant) which worker kind it is.
type occupantExtension struct {
	Region string `xml:"region"`
	Kind   string `xml:"kind"`
}

func decodeOccupantExtension(raw []byte) occupantExtension {
	var ext occupantExtension
	wrapped := append([]byte("<extension>"), raw...)
	wrapped = append(wrapped, []byte("</extension>")...)
	_ = xml.Unmarshal(wrapped, &ext)
	return ext
}

// ParticipantRoleAndRegion derives the participant.Role and region Join
// expects from an occupant's standard MUC role (moderator/participant/
// visitor) and its presence extension: a recorder/transcriber/gateway
// worker announces its kind there since those are not standard MUC roles.
func ParticipantRoleAndRegion(mucRole muc.Role, raw []byte) (participant.Role, string) {
	ext := decodeOccupantExtension(raw)

	switch ext.Kind {
	case "recorder":
		return participant.RoleRecorder, ext.Region
	case "transcriber":
		return participant.RoleTranscriber, ext.Region
	case "gateway":
		return participant.RoleGateway, ext.Region
	}

	switch mucRole {
	case muc.RoleModerator:
		return participant.RoleModerator, ext.Region
	case muc.RoleVisitor:
		return participant.RoleVisitor, ext.Region
	default:
		return participant.RoleParticipant, ext.Region
	}
}
