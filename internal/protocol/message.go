package protocol

import "mucd/internal/muc"

// Message types used by the websocket protocol.
const (
	// Session control.
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"

	// Client commands.
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSend        = "send"
	TypePrivate     = "private"
	TypeSubject     = "subject"
	TypeNick        = "nick"
	TypePresence    = "presence"
	TypeKick        = "kick"
	TypeAffiliation = "affiliation"
	TypeRole        = "role"
	TypeInvite      = "invite"
	TypeDecline     = "decline"
	TypeUnlock      = "unlock"
	TypeDestroy     = "destroy"

	// Server pushes.
	TypeJoined = "joined"
	TypeStanza = "stanza"
)

// Message is the JSON envelope exchanged over websocket. Client commands
// name rooms by node name. Target carries a nickname for kick/role/private
// and a bare JID for affiliation/invite.
type Message struct {
	Type        string `json:"type"`
	JID         string `json:"jid,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Room        string `json:"room,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	Password    string `json:"password,omitempty"`
	Body        string `json:"body,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Show        string `json:"show,omitempty"`
	Status      string `json:"status,omitempty"`
	Target      string `json:"target,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
	Role        string `json:"role,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Alternate   string `json:"alternate,omitempty"`
	MaxHistory  *int   `json:"max_history,omitempty"`
	TS          int64  `json:"ts,omitempty"`
	Error       string `json:"error,omitempty"`

	// Server push payloads.
	Stanza    *muc.Packet            `json:"stanza,omitempty"`
	Occupant  *muc.OccupantSnapshot  `json:"occupant,omitempty"`
	Occupants []muc.OccupantSnapshot `json:"occupants,omitempty"`
}
