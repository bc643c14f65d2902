package muc

import (
	"mucd/internal/xmpp"
)

// Occupant is one connected session inside a room. Local occupants wrap a
// live session on this node; remote occupants (implemented by the cluster
// package) proxy a session on another node. The engine owns every occupant
// exclusively and only hands out read-only snapshots.
type Occupant interface {
	// Nickname returns the occupant's current nickname (case-preserved).
	Nickname() string
	// UserJID returns the full JID of the owning session.
	UserJID() xmpp.JID
	// OccupantJID returns room@domain/nickname.
	OccupantJID() xmpp.JID
	// Presence returns the last presence payload.
	Presence() Presence
	// Role returns the derived role.
	Role() Role
	// Affiliation returns the derived affiliation.
	Affiliation() Affiliation
	// IsLocal reports whether the session is connected to this node.
	IsLocal() bool
	// NodeID returns the hosting cluster node id.
	NodeID() string

	// SetRole changes the role. For remote occupants this is a synchronous
	// cluster call and may fail with ErrNotAllowed.
	SetRole(Role) error
	// SetAffiliation changes the derived affiliation, same remote semantics
	// as SetRole.
	SetAffiliation(Affiliation) error
	// SetPresence replaces the presence payload.
	SetPresence(Presence)
	// SetNickname renames the occupant. Registry index maintenance is the
	// room's job; this only mutates the occupant itself.
	SetNickname(string)
	// Send delivers a packet to the occupant's session.
	Send(Packet) error
}

// OccupantSnapshot is the read-only view handed to callers outside the
// engine.
type OccupantSnapshot struct {
	Nickname    string      `json:"nickname"`
	UserJID     xmpp.JID    `json:"user_jid"`
	OccupantJID xmpp.JID    `json:"occupant_jid"`
	Role        Role        `json:"role"`
	Affiliation Affiliation `json:"affiliation"`
	Local       bool        `json:"local"`
	NodeID      string      `json:"node_id,omitempty"`
}

func snapshotOf(o Occupant) OccupantSnapshot {
	return OccupantSnapshot{
		Nickname:    o.Nickname(),
		UserJID:     o.UserJID(),
		OccupantJID: o.OccupantJID(),
		Role:        o.Role(),
		Affiliation: o.Affiliation(),
		Local:       o.IsLocal(),
		NodeID:      o.NodeID(),
	}
}

// localOccupant is the in-process Occupant implementation. All fields are
// guarded by the owning room's lock; the occupant has no locking of its own.
type localOccupant struct {
	nickname    string
	userJID     xmpp.JID
	roomJID     xmpp.JID
	presence    Presence
	role        Role
	affiliation Affiliation
	nodeID      string
	sender      PacketSender
}

func newLocalOccupant(roomJID, userJID xmpp.JID, nickname string, role Role, aff Affiliation, nodeID string, sender PacketSender) *localOccupant {
	return &localOccupant{
		nickname:    nickname,
		userJID:     userJID,
		roomJID:     roomJID,
		role:        role,
		affiliation: aff,
		nodeID:      nodeID,
		sender:      sender,
	}
}

func (o *localOccupant) Nickname() string { return o.nickname }

func (o *localOccupant) UserJID() xmpp.JID { return o.userJID }

func (o *localOccupant) OccupantJID() xmpp.JID {
	return xmpp.New(o.roomJID.Local, o.roomJID.Domain, o.nickname)
}

func (o *localOccupant) Presence() Presence { return o.presence }

func (o *localOccupant) Role() Role { return o.role }

func (o *localOccupant) Affiliation() Affiliation { return o.affiliation }

func (o *localOccupant) IsLocal() bool { return true }

func (o *localOccupant) NodeID() string { return o.nodeID }

func (o *localOccupant) SetRole(r Role) error {
	o.role = r
	return nil
}

func (o *localOccupant) SetAffiliation(a Affiliation) error {
	o.affiliation = a
	return nil
}

func (o *localOccupant) SetPresence(p Presence) { o.presence = p }

func (o *localOccupant) SetNickname(nick string) { o.nickname = nick }

func (o *localOccupant) Send(pkt Packet) error {
	if o.sender == nil {
		return nil
	}
	pkt.To = o.userJID
	return o.sender.SendPacket(pkt)
}
