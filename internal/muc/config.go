package muc

import "time"

// RoomConfig is the durable configuration of one room. It round-trips
// through the persistence gateway unchanged.
type RoomConfig struct {
	// Name is the room's node name, unique within the service.
	Name string `json:"name"`
	// NaturalName is the human-readable room name.
	NaturalName string `json:"natural_name,omitempty"`
	Description string `json:"description,omitempty"`
	Subject     string `json:"subject,omitempty"`

	// MaxOccupants caps room occupancy. 0 = unlimited; owners and admins
	// are admitted past the cap.
	MaxOccupants int `json:"max_occupants,omitempty"`

	PublicRoom                bool `json:"public_room"`
	Persistent                bool `json:"persistent"`
	Moderated                 bool `json:"moderated"`
	MembersOnly               bool `json:"members_only"`
	OccupantsCanInvite        bool `json:"occupants_can_invite"`
	OccupantsCanChangeSubject bool `json:"occupants_can_change_subject"`
	AnyoneCanDiscoverJID      bool `json:"anyone_can_discover_jid"`
	LoggingEnabled            bool `json:"logging_enabled"`
	NicknameLoginRestricted   bool `json:"nickname_login_restricted"`
	ChangeNicknameAllowed     bool `json:"change_nickname_allowed"`
	RegistrationEnabled       bool `json:"registration_enabled"`

	// Password gates joins when non-empty.
	Password string `json:"password,omitempty"`

	// RolesToBroadcastPresence lists the roles whose presence changes are
	// announced room-wide. Presence of occupants outside this set is only
	// echoed to their own sessions.
	RolesToBroadcastPresence []Role `json:"roles_to_broadcast_presence"`

	PrivateMessagePolicy PrivateMessagePolicy `json:"private_message_policy,omitempty"`
}

// DefaultRoomConfig returns the configuration applied to brand-new rooms.
func DefaultRoomConfig(name string) RoomConfig {
	return RoomConfig{
		Name:                      name,
		PublicRoom:                true,
		OccupantsCanChangeSubject: false,
		ChangeNicknameAllowed:     true,
		RegistrationEnabled:       true,
		RolesToBroadcastPresence:  []Role{RoleModerator, RoleParticipant, RoleVisitor},
		PrivateMessagePolicy:      PMAnyone,
	}
}

// broadcastsRole reports whether presence of the given role is announced
// room-wide under this configuration.
func (c RoomConfig) broadcastsRole(r Role) bool {
	for _, br := range c.RolesToBroadcastPresence {
		if br == r {
			return true
		}
	}
	return false
}

// AffiliationEntry is one persisted affiliation row.
type AffiliationEntry struct {
	BareJID     string      `json:"bare_jid"`
	Affiliation Affiliation `json:"affiliation"`
	// Nickname is the reserved nickname for members, "" otherwise.
	Nickname string `json:"nickname,omitempty"`
}

// Persister is the abstract load/save contract of the SQL-backed
// persistence manager. Every call except the initial loads is
// fire-and-forget from the engine's perspective: failures are logged and
// in-memory state stays authoritative.
type Persister interface {
	// LoadRoomConfig returns the stored configuration of a room, or
	// ErrRoomNotFound for a brand-new room.
	LoadRoomConfig(name string) (RoomConfig, error)
	// LoadAffiliations returns every stored affiliation row of a room.
	LoadAffiliations(name string) ([]AffiliationEntry, error)
	// LoadHistory returns logged messages newer than since, oldest first.
	LoadHistory(name string, since time.Time) ([]HistoryEntry, error)

	SaveRoomConfig(cfg RoomConfig) error
	SaveAffiliation(room, bareJID, nickname string, newAff, oldAff Affiliation) error
	RemoveAffiliation(room, bareJID string, oldAff Affiliation) error
	DeleteRoom(name string) error
	// AppendHistory queues one history row for asynchronous persistence.
	AppendHistory(room string, e HistoryEntry)
}

