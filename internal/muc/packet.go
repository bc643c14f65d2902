package muc

import (
	"time"

	"mucd/internal/xmpp"
)

// Presence/message status codes. These are part of the groupchat protocol
// contract and must be reproduced exactly.
const (
	// StatusNonAnonymous (100) tells the receiver the room exposes full
	// JIDs to everyone.
	StatusNonAnonymous = 100
	// StatusSelfPresence (110) marks a presence as describing its receiver.
	StatusSelfPresence = 110
	// StatusRoomCreated (201) marks the first presence of a freshly created,
	// still-unconfigured room.
	StatusRoomCreated = 201
	// StatusBanned (301) accompanies the eviction presence of an occupant
	// who was made outcast.
	StatusBanned = 301
	// StatusNewNickname (303) accompanies a nickname change and carries the
	// new nickname.
	StatusNewNickname = 303
	// StatusKicked (307) accompanies the eviction presence of a kicked
	// occupant.
	StatusKicked = 307
	// StatusAffiliationRemoved (321) accompanies the eviction of an
	// occupant who lost membership in a now members-only room.
	StatusAffiliationRemoved = 321
)

// PrivateMessagePolicy controls who may exchange private messages through
// the room.
type PrivateMessagePolicy string

const (
	PMAnyone       PrivateMessagePolicy = "anyone"
	PMParticipants PrivateMessagePolicy = "participants"
	PMModerators   PrivateMessagePolicy = "moderators"
	PMNone         PrivateMessagePolicy = "none"
)

// Presence is the abstract presence stanza exchanged inside a room. It is
// rendered per receiver: the occupant's real full JID is only disclosed when
// the room is non-anonymous or the receiver is a moderator.
type Presence struct {
	// From is the occupant JID (room@domain/nickname).
	From xmpp.JID `json:"from"`
	// Unavailable marks a departure presence.
	Unavailable bool `json:"unavailable,omitempty"`
	// Show and Status carry the user-supplied availability payload.
	Show   string `json:"show,omitempty"`
	Status string `json:"status,omitempty"`
	// Role and Affiliation describe the occupant at send time.
	Role        Role        `json:"role"`
	Affiliation Affiliation `json:"affiliation"`
	// RealJID is the occupant's user full JID. Blanked before delivery to
	// receivers who may not see it.
	RealJID xmpp.JID `json:"real_jid,omitempty"`
	// NewNickname is set on 303 nickname-change presences.
	NewNickname string `json:"new_nickname,omitempty"`
	// Reason is the optional kick/ban/destroy reason.
	Reason string `json:"reason,omitempty"`
	// StatusCodes carries the protocol status codes (100/110/201/...).
	StatusCodes []int `json:"status_codes,omitempty"`
}

// WithCodes returns a copy of p with the given status codes appended.
func (p Presence) WithCodes(codes ...int) Presence {
	out := p
	out.StatusCodes = append(append([]int(nil), p.StatusCodes...), codes...)
	return out
}

// HasCode reports whether the presence carries the given status code.
func (p Presence) HasCode(code int) bool {
	for _, c := range p.StatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Message is the abstract groupchat message stanza.
type Message struct {
	// From is the sender's occupant JID (room@domain/nickname).
	From xmpp.JID `json:"from"`
	// Body is the message text.
	Body string `json:"body,omitempty"`
	// Subject, when set, makes this a subject-change message.
	Subject string `json:"subject,omitempty"`
	// Stamp is the send time; replayed history keeps the original stamp.
	Stamp time.Time `json:"stamp"`
	// Delayed marks a history replay copy.
	Delayed bool `json:"delayed,omitempty"`
}

// IsSubjectChange reports whether the message sets the room subject.
func (m Message) IsSubjectChange() bool { return m.Subject != "" && m.Body == "" }

// Invitation asks a user to join a room, or reports a declined invitation
// back to the inviter.
type Invitation struct {
	Room     xmpp.JID `json:"room"`
	From     xmpp.JID `json:"from"`
	To       xmpp.JID `json:"to"`
	Reason   string   `json:"reason,omitempty"`
	Password string   `json:"password,omitempty"`
	Declined bool     `json:"declined,omitempty"`
}

// Packet is the union delivered to an occupant's session. Exactly one of
// the payload fields is set.
type Packet struct {
	// To is the receiving user's full JID.
	To         xmpp.JID    `json:"to"`
	Presence   *Presence   `json:"presence,omitempty"`
	Message    *Message    `json:"message,omitempty"`
	Invitation *Invitation `json:"invitation,omitempty"`
}

// PacketSender delivers packets to one connected session. The stanza
// routing layer provides the real implementation; tests inject a recorder.
type PacketSender interface {
	SendPacket(Packet) error
}

// renderPresenceFor prepares a copy of p for delivery to a receiver with
// the given role. The occupant's real JID is hidden from non-moderators in
// semi-anonymous rooms. Self-only status codes are appended by the caller,
// never carried in the shared copy.
func renderPresenceFor(p Presence, receiverRole Role, anyoneCanDiscoverJID bool) Presence {
	out := p
	out.StatusCodes = append([]int(nil), p.StatusCodes...)
	if !anyoneCanDiscoverJID && receiverRole != RoleModerator {
		out.RealJID = xmpp.JID{}
	}
	return out
}
