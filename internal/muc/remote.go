package muc

import (
	"fmt"
	"log/slog"

	"mucd/internal/xmpp"
)

// remoteOccupant stands in for an occupant whose session lives on another
// node. Reads return the last-replicated snapshot; mutating calls are
// forwarded as a synchronous cluster request to the hosting node and fail
// with ErrNotAllowed when the node is unreachable, times out, or rejects.
//
// Snapshot fields are guarded by the owning room's lock like any local
// occupant. The blocking SetRole/SetAffiliation/Send calls are only issued
// outside that lock (see Room.ChangeRole).
type remoteOccupant struct {
	nickname    string
	userJID     xmpp.JID
	roomJID     xmpp.JID
	roomName    string
	presence    Presence
	role        Role
	affiliation Affiliation
	nodeID      string
	caller      SyncCaller
}

func newRemoteOccupant(roomJID xmpp.JID, ev Event, caller SyncCaller) (*remoteOccupant, error) {
	userJID, err := xmpp.Parse(ev.UserJID)
	if err != nil {
		return nil, fmt.Errorf("remote occupant jid: %w", err)
	}
	o := &remoteOccupant{
		nickname:    ev.Nickname,
		userJID:     userJID,
		roomJID:     roomJID,
		roomName:    ev.Room,
		role:        ev.Role,
		affiliation: ev.Affiliation,
		nodeID:      ev.Origin,
		caller:      caller,
	}
	if ev.Presence != nil {
		o.presence = *ev.Presence
	}
	return o, nil
}

func (o *remoteOccupant) Nickname() string { return o.nickname }

func (o *remoteOccupant) UserJID() xmpp.JID { return o.userJID }

func (o *remoteOccupant) OccupantJID() xmpp.JID {
	return xmpp.New(o.roomJID.Local, o.roomJID.Domain, o.nickname)
}

func (o *remoteOccupant) Presence() Presence { return o.presence }

func (o *remoteOccupant) Role() Role { return o.role }

func (o *remoteOccupant) Affiliation() Affiliation { return o.affiliation }

func (o *remoteOccupant) IsLocal() bool { return false }

func (o *remoteOccupant) NodeID() string { return o.nodeID }

// SetRole forwards the role change to the hosting node and blocks for the
// outcome. The snapshot is only updated on success.
func (o *remoteOccupant) SetRole(r Role) error {
	if err := o.call(NodeRequest{Op: "set_role", Role: r}); err != nil {
		return err
	}
	o.role = r
	return nil
}

// SetAffiliation forwards the affiliation change to the hosting node.
func (o *remoteOccupant) SetAffiliation(a Affiliation) error {
	if err := o.call(NodeRequest{Op: "set_affiliation", Affiliation: a}); err != nil {
		return err
	}
	o.affiliation = a
	return nil
}

// SetPresence mirrors a replicated presence update.
func (o *remoteOccupant) SetPresence(p Presence) { o.presence = p }

// SetNickname mirrors a replicated nickname change.
func (o *remoteOccupant) SetNickname(nick string) { o.nickname = nick }

// Send routes a directed packet through the hosting node.
func (o *remoteOccupant) Send(pkt Packet) error {
	pkt.To = o.userJID
	return o.call(NodeRequest{Op: "send", Packet: &pkt})
}

// mirrorRole updates the snapshot without a cluster round-trip; used when
// applying replicated events.
func (o *remoteOccupant) mirrorRole(r Role) { o.role = r }

// mirrorAffiliation updates the snapshot without a cluster round-trip.
func (o *remoteOccupant) mirrorAffiliation(a Affiliation) { o.affiliation = a }

// call issues the request and folds every failure mode (transport error,
// timeout, nil reply, rejection) into ErrNotAllowed.
func (o *remoteOccupant) call(req NodeRequest) error {
	if o.caller == nil {
		return ErrNotAllowed
	}
	req.Room = o.roomName
	req.UserJID = o.userJID.String()

	reply, err := o.caller.CallNode(o.nodeID, req)
	if err != nil {
		slog.Warn("remote occupant call failed", "room", o.roomName, "node", o.nodeID, "op", req.Op, "err", err)
		return fmt.Errorf("%w: node %s: %v", ErrNotAllowed, o.nodeID, err)
	}
	if reply == nil || !reply.OK {
		reason := "rejected"
		if reply != nil && reply.Error != "" {
			reason = reply.Error
		}
		return fmt.Errorf("%w: node %s: %s", ErrNotAllowed, o.nodeID, reason)
	}
	return nil
}
