// Package muc implements the room engine of a multi-user chat service:
// live membership, the affiliation/role permission model, bounded history,
// and protocol-correct presence/message fan-out, replicated across cluster
// nodes through serializable room events.
package muc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mucd/internal/xmpp"
)

// Room is one live chat room replica. All mutable state is guarded by mu;
// any operation that mutates the registry, affiliation lists, or
// configuration holds the write lock for the full mutation. The lock is
// never held across a synchronous cross-node call.
type Room struct {
	service *Service
	name    string // immutable, readable without the lock

	mu          sync.RWMutex
	cfg         RoomConfig
	subject     string
	createdAt   time.Time
	modifiedAt  time.Time
	emptiedAt   time.Time
	lockedSince time.Time
	destroyed   bool
	occupied    bool

	lists     *affiliationLists
	occupants *occupantRegistry
	history   *roomHistory
}

func newRoom(svc *Service, cfg RoomConfig, locked bool) *Room {
	now := time.Now()
	r := &Room{
		service:   svc,
		name:      cfg.Name,
		cfg:       cfg,
		subject:   cfg.Subject,
		createdAt: now,
		lists:     newAffiliationLists(),
		occupants: newOccupantRegistry(),
		history:   newRoomHistory(svc.cfg.HistorySize, svc.cfg.HistoryMaxAge),
	}
	if locked {
		r.lockedSince = now
	}
	return r
}

// Name returns the room's node name.
func (r *Room) Name() string { return r.name }

// JID returns the room's addressable JID (name@service-domain).
func (r *Room) JID() xmpp.JID {
	return xmpp.New(r.name, r.service.Domain(), "")
}

// Config returns a copy of the current configuration.
func (r *Room) Config() RoomConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.cfg
	cfg.RolesToBroadcastPresence = append([]Role(nil), r.cfg.RolesToBroadcastPresence...)
	return cfg
}

// Subject returns the current room subject.
func (r *Room) Subject() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subject
}

// Locked reports whether the room still awaits its first configuration.
func (r *Room) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.lockedSince.IsZero()
}

// Destroyed reports whether the room has been torn down.
func (r *Room) Destroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}

// OccupantCount returns the number of live occupants (local and remote).
func (r *Room) OccupantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.occupants.count()
}

// OccupantSnapshots returns a read-only view of every occupant.
func (r *Room) OccupantSnapshots() []OccupantSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OccupantSnapshot, 0, r.occupants.count())
	for _, o := range r.occupants.all() {
		out = append(out, snapshotOf(o))
	}
	return out
}

// Occupant returns the snapshot of the occupant with the given full user
// JID.
func (r *Room) Occupant(userJID xmpp.JID) (OccupantSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.occupants.byFull(userJID)
	if !ok {
		return OccupantSnapshot{}, false
	}
	return snapshotOf(o), true
}

// Affiliations returns every current affiliation entry.
func (r *Room) Affiliations() []AffiliationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AffiliationEntry
	for bare := range r.lists.owners {
		out = append(out, AffiliationEntry{BareJID: bare, Affiliation: AffiliationOwner})
	}
	for bare := range r.lists.admins {
		out = append(out, AffiliationEntry{BareJID: bare, Affiliation: AffiliationAdmin})
	}
	for bare, nick := range r.lists.members {
		out = append(out, AffiliationEntry{BareJID: bare, Affiliation: AffiliationMember, Nickname: nick})
	}
	for bare := range r.lists.outcasts {
		out = append(out, AffiliationEntry{BareJID: bare, Affiliation: AffiliationOutcast})
	}
	return out
}

// HistoryTail returns up to n retained messages, oldest first.
func (r *Room) HistoryTail(n int) []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.replay(HistoryRequest{MaxStanzas: n})
}

// ---------------------------------------------------------------------------
// Join / leave
// ---------------------------------------------------------------------------

// Join admits a user session into the room under the given nickname. On
// success the new occupant receives every visible occupant's presence, the
// requested slice of history, and the last subject, and the join presence
// is announced room-wide.
func (r *Room) Join(nickname, password string, hist HistoryRequest, userJID xmpp.JID, presence Presence, sender PacketSender) (OccupantSnapshot, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || len(nickname) > maxNicknameLength {
		return OccupantSnapshot{}, fmt.Errorf("%w: invalid nickname", ErrNotAcceptable)
	}
	if !userJID.IsFull() {
		return OccupantSnapshot{}, fmt.Errorf("join requires a full user JID, got %q", userJID)
	}
	bare := userJID.Bare()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return OccupantSnapshot{}, ErrRoomDestroyed
	}

	isOwner := r.lists.contains(r.lists.owners, r.service.resolver, bare) || r.service.IsSysadmin(bare)
	isAdmin := r.lists.contains(r.lists.admins, r.service.resolver, bare)

	// Occupancy cap, waived for owners and admins.
	if r.cfg.MaxOccupants > 0 && r.occupants.count() >= r.cfg.MaxOccupants && !isOwner && !isAdmin {
		return OccupantSnapshot{}, ErrServiceUnavailable
	}
	if !r.lockedSince.IsZero() && !isOwner {
		return OccupantSnapshot{}, ErrRoomLocked
	}

	if existing, ok := r.occupants.byFull(userJID); ok {
		if !strings.EqualFold(existing.Nickname(), nickname) {
			return OccupantSnapshot{}, fmt.Errorf("%w: already joined as %q", ErrNotAcceptable, existing.Nickname())
		}
		// Client-only rejoin: same session, same nickname. Replay room
		// state without touching the registry or the cluster.
		r.sendRoomStateLocked(existing, hist)
		return snapshotOf(existing), nil
	}

	for _, other := range r.occupants.byNick(nickname) {
		if !other.UserJID().EqualBare(userJID) {
			return OccupantSnapshot{}, fmt.Errorf("%w: nickname %q is taken", ErrConflict, nickname)
		}
	}
	if r.cfg.Password != "" && password != r.cfg.Password {
		return OccupantSnapshot{}, ErrUnauthorized
	}
	if by := r.lists.nicknameReservedBy(nickname); by != "" && by != bare.String() {
		return OccupantSnapshot{}, fmt.Errorf("%w: nickname %q is reserved", ErrConflict, nickname)
	}
	if r.cfg.NicknameLoginRestricted {
		if reserved := r.lists.reservedNickname(bare.String()); reserved != "" && !strings.EqualFold(reserved, nickname) {
			return OccupantSnapshot{}, fmt.Errorf("%w: must join as %q", ErrNotAcceptable, reserved)
		}
	}

	aff, role, err := derive(r.lists, r.service.resolver, r.service.IsSysadmin, bare, r.cfg.MembersOnly, r.cfg.Moderated)
	if err != nil {
		return OccupantSnapshot{}, err
	}

	o := newLocalOccupant(r.JID(), userJID, nickname, role, aff, r.service.NodeID(), sender)
	o.SetPresence(presence)
	if err := r.occupants.insert(o); err != nil {
		return OccupantSnapshot{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	r.occupied = true
	r.emptiedAt = time.Time{}
	r.service.joins.Add(1)

	// Roster first, then the join broadcast, then history and subject.
	join := r.presenceOfLocked(o)
	r.sendRosterLocked(o)
	r.announcePresenceLocked(o, join, true)
	r.sendHistoryLocked(o, hist)

	slog.Info("occupant joined", "room", r.cfg.Name, "nick", nickname, "jid", userJID.String(), "role", role, "affiliation", aff, "occupants", r.occupants.count())

	r.service.publish(Event{
		Type:        EventJoin,
		Room:        r.cfg.Name,
		Origin:      r.service.NodeID(),
		Stamp:       time.Now(),
		UserJID:     userJID.String(),
		Nickname:    nickname,
		Role:        role,
		Affiliation: aff,
		Presence:    &join,
	})
	return snapshotOf(o), nil
}

// Leave removes the session with the given full user JID from the room.
func (r *Room) Leave(userJID xmpp.JID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupants.byFull(userJID)
	if !ok {
		return fmt.Errorf("occupant %s is not in room %s", userJID, r.cfg.Name)
	}
	r.removeOccupantLocked(o, nil, "")
	r.service.leaves.Add(1)

	r.service.publish(Event{
		Type:     EventLeave,
		Room:     r.cfg.Name,
		Origin:   r.service.NodeID(),
		Stamp:    time.Now(),
		UserJID:  userJID.String(),
		Nickname: o.Nickname(),
	})
	r.maybeDestroyEmptyLocked()
	return nil
}

// removeOccupantLocked takes an occupant out of every index and announces
// the departure. A nil statusCodes slice marks a plain leave; kicks and
// bans pass their protocol code.
func (r *Room) removeOccupantLocked(o Occupant, statusCodes []int, reason string) {
	nick := o.Nickname()
	r.occupants.remove(o)

	dep := Presence{
		From:        o.OccupantJID(),
		Unavailable: true,
		Role:        RoleNone,
		Affiliation: o.Affiliation(),
		RealJID:     o.UserJID(),
		Reason:      reason,
		StatusCodes: statusCodes,
	}

	// Only echo to the leaving session when another session is still
	// online under this nickname, or when the role was never broadcast.
	if statusCodes == nil && (len(r.occupants.byNick(nick)) > 0 || !r.cfg.broadcastsRole(o.Role())) {
		if o.IsLocal() {
			self := dep.WithCodes(StatusSelfPresence)
			if err := o.Send(Packet{Presence: &self}); err != nil {
				slog.Debug("departure echo dropped", "room", r.cfg.Name, "nick", nick, "err", err)
			}
		}
		return
	}
	r.deliverPresenceLocked(o, dep)

	slog.Info("occupant left", "room", r.cfg.Name, "nick", nick, "jid", o.UserJID().String(), "codes", statusCodes, "occupants", r.occupants.count())
}

// maybeDestroyEmptyLocked applies the empty-room lifecycle rule on the
// originating node: a non-persistent room dies with its last occupant.
func (r *Room) maybeDestroyEmptyLocked() {
	if !r.occupied || r.occupants.count() > 0 || r.destroyed {
		return
	}
	if r.cfg.Persistent {
		r.emptiedAt = time.Now()
		return
	}
	r.destroyed = true
	r.service.removeRoom(r.cfg.Name)
	r.service.publish(Event{
		Type:   EventDestroy,
		Room:   r.cfg.Name,
		Origin: r.service.NodeID(),
		Stamp:  time.Now(),
	})
	slog.Info("empty room destroyed", "room", r.cfg.Name)
}

// sendRoomStateLocked replays the room to one occupant: every visible
// occupant's presence, then history, then the last subject.
func (r *Room) sendRoomStateLocked(to Occupant, hist HistoryRequest) {
	r.sendRosterLocked(to)
	r.sendHistoryLocked(to, hist)
}

// sendRosterLocked replays every visible occupant's presence to one
// occupant.
func (r *Room) sendRosterLocked(to Occupant) {
	if !to.IsLocal() {
		return
	}
	moderator := to.Role() == RoleModerator
	for _, other := range r.occupants.all() {
		if other == to {
			continue
		}
		if !r.cfg.broadcastsRole(other.Role()) {
			continue
		}
		p := r.presenceOfLocked(other)
		if !r.cfg.AnyoneCanDiscoverJID && !moderator {
			p.RealJID = xmpp.JID{}
		}
		if r.cfg.AnyoneCanDiscoverJID {
			p = p.WithCodes(StatusNonAnonymous)
		}
		if err := to.Send(Packet{Presence: &p}); err != nil {
			slog.Debug("presence replay dropped", "room", r.cfg.Name, "nick", to.Nickname(), "err", err)
		}
	}
}

// sendHistoryLocked replays the requested history slice and the last
// subject to one occupant.
func (r *Room) sendHistoryLocked(to Occupant, hist HistoryRequest) {
	if !to.IsLocal() {
		return
	}
	roomJID := r.JID()
	for _, e := range r.history.replay(hist) {
		msg := Message{
			From:    xmpp.New(roomJID.Local, roomJID.Domain, e.Nickname),
			Body:    e.Body,
			Stamp:   e.Stamp,
			Delayed: true,
		}
		if err := to.Send(Packet{Message: &msg}); err != nil {
			slog.Debug("history replay dropped", "room", r.cfg.Name, "nick", to.Nickname(), "err", err)
		}
	}
	if sub, ok := r.history.lastSubject(); ok {
		msg := Message{
			From:    xmpp.New(roomJID.Local, roomJID.Domain, sub.Nickname),
			Subject: sub.Subject,
			Stamp:   sub.Stamp,
			Delayed: true,
		}
		_ = to.Send(Packet{Message: &msg})
	}
}

// presenceOfLocked builds the current broadcast presence of an occupant.
func (r *Room) presenceOfLocked(o Occupant) Presence {
	p := o.Presence()
	p.From = o.OccupantJID()
	p.Unavailable = false
	p.Role = o.Role()
	p.Affiliation = o.Affiliation()
	p.RealJID = o.UserJID()
	p.StatusCodes = nil
	p.NewNickname = ""
	p.Reason = ""
	return p
}

// announcePresenceLocked broadcasts an occupant's presence to every local
// occupant, applying JID visibility per receiver and self-only status codes
// on the sender's own copy. When the occupant's role is outside the
// broadcast set, only the occupant's own sessions see the presence.
func (r *Room) announcePresenceLocked(from Occupant, p Presence, isJoin bool) {
	selfCodes := []int{StatusSelfPresence}
	if r.cfg.AnyoneCanDiscoverJID {
		selfCodes = append(selfCodes, StatusNonAnonymous)
	}
	if isJoin && !r.lockedSince.IsZero() {
		selfCodes = append(selfCodes, StatusRoomCreated)
	}

	if !r.cfg.broadcastsRole(from.Role()) {
		for _, o := range r.occupants.byBare(from.UserJID().Bare()) {
			if !o.IsLocal() {
				continue
			}
			cp := p.WithCodes(selfCodes...)
			if err := o.Send(Packet{Presence: &cp}); err != nil {
				slog.Debug("self presence dropped", "room", r.cfg.Name, "nick", from.Nickname(), "err", err)
			}
		}
		return
	}

	fromBare := from.UserJID().Bare()
	for _, o := range r.occupants.all() {
		if !o.IsLocal() {
			continue
		}
		cp := renderPresenceFor(p, o.Role(), r.cfg.AnyoneCanDiscoverJID)
		if o.UserJID().EqualBare(fromBare) {
			cp = cp.WithCodes(selfCodes...)
			cp.RealJID = from.UserJID()
		}
		if err := o.Send(Packet{Presence: &cp}); err != nil {
			slog.Debug("presence broadcast dropped", "room", r.cfg.Name, "to", o.Nickname(), "err", err)
		}
	}
}

// deliverPresenceLocked sends a departure/eviction presence to every local
// occupant, including the subject when still registered, with per-receiver
// JID visibility. The evicted occupant's own copy carries code 110.
func (r *Room) deliverPresenceLocked(subject Occupant, p Presence) {
	targets := r.occupants.all()
	if _, stillThere := r.occupants.byFull(subject.UserJID()); !stillThere && subject.IsLocal() {
		targets = append(targets, subject)
	}
	for _, o := range targets {
		if !o.IsLocal() {
			continue
		}
		cp := renderPresenceFor(p, o.Role(), r.cfg.AnyoneCanDiscoverJID)
		if o.UserJID().EqualBare(subject.UserJID().Bare()) {
			cp = cp.WithCodes(StatusSelfPresence)
			cp.RealJID = subject.UserJID()
		}
		if err := o.Send(Packet{Presence: &cp}); err != nil {
			slog.Debug("presence delivery dropped", "room", r.cfg.Name, "to", o.Nickname(), "err", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Presence, nickname, messages, subject
// ---------------------------------------------------------------------------

// BroadcastPresence records a new presence payload for the sending session
// and announces it per the room's broadcast rules.
func (r *Room) BroadcastPresence(userJID xmpp.JID, presence Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupants.byFull(userJID)
	if !ok {
		return fmt.Errorf("occupant %s is not in room %s", userJID, r.cfg.Name)
	}
	o.SetPresence(presence)
	p := r.presenceOfLocked(o)
	r.announcePresenceLocked(o, p, false)

	r.service.publish(Event{
		Type:     EventPresence,
		Room:     r.cfg.Name,
		Origin:   r.service.NodeID(),
		Stamp:    time.Now(),
		UserJID:  userJID.String(),
		Nickname: o.Nickname(),
		Presence: &p,
	})
	return nil
}

// ChangeNickname renames an occupant. The old nickname's departure presence
// carries status 303 and the new nickname; the occupant object keeps its
// identity so the full-JID index is untouched.
func (r *Room) ChangeNickname(userJID xmpp.JID, newNick string) error {
	newNick = strings.TrimSpace(newNick)
	if newNick == "" || len(newNick) > maxNicknameLength {
		return fmt.Errorf("%w: invalid nickname", ErrNotAcceptable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupants.byFull(userJID)
	if !ok {
		return fmt.Errorf("occupant %s is not in room %s", userJID, r.cfg.Name)
	}
	if !r.cfg.ChangeNicknameAllowed {
		return fmt.Errorf("%w: nickname changes are disabled", ErrNotAllowed)
	}
	// A case-only change of one's own nickname needs no conflict check.
	if !strings.EqualFold(o.Nickname(), newNick) {
		for _, other := range r.occupants.byNick(newNick) {
			if !other.UserJID().EqualBare(userJID) {
				return fmt.Errorf("%w: nickname %q is taken", ErrConflict, newNick)
			}
		}
		if by := r.lists.nicknameReservedBy(newNick); by != "" && by != userJID.BareString() {
			return fmt.Errorf("%w: nickname %q is reserved", ErrConflict, newNick)
		}
	}

	oldNick := o.Nickname()
	r.applyNicknameLocked(o, oldNick, newNick)

	r.service.publish(Event{
		Type:        EventNickname,
		Room:        r.cfg.Name,
		Origin:      r.service.NodeID(),
		Stamp:       time.Now(),
		UserJID:     userJID.String(),
		Nickname:    oldNick,
		NewNickname: newNick,
	})
	return nil
}

// applyNicknameLocked performs the rename and its two presences (303 under
// the old nickname, then availability under the new one).
func (r *Room) applyNicknameLocked(o Occupant, oldNick, newNick string) {
	gone := Presence{
		From:        xmpp.New(r.cfg.Name, r.service.Domain(), oldNick),
		Unavailable: true,
		Role:        o.Role(),
		Affiliation: o.Affiliation(),
		RealJID:     o.UserJID(),
		NewNickname: newNick,
		StatusCodes: []int{StatusNewNickname},
	}
	r.occupants.rename(o, newNick)
	r.deliverPresenceLocked(o, gone)
	r.announcePresenceLocked(o, r.presenceOfLocked(o), false)
	slog.Info("nickname changed", "room", r.cfg.Name, "old", oldNick, "new", newNick, "jid", o.UserJID().String())
}

// BroadcastMessage fans a groupchat message out to every local occupant,
// appends it to history, and (on the originating node, when logging is
// enabled) queues it for persistence.
func (r *Room) BroadcastMessage(senderJID xmpp.JID, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupants.byFull(senderJID)
	if !ok {
		return fmt.Errorf("%w: sender is not an occupant", ErrForbidden)
	}
	if r.cfg.Moderated && !o.Role().AtLeast(RoleParticipant) {
		return fmt.Errorf("%w: visitors cannot talk in a moderated room", ErrForbidden)
	}
	if len(body) > maxMessageLength {
		return fmt.Errorf("%w: message too long", ErrNotAcceptable)
	}

	msg := Message{
		From:  o.OccupantJID(),
		Body:  body,
		Stamp: time.Now(),
	}
	r.applyMessageLocked(msg, true)
	r.service.messages.Add(1)

	r.service.publish(Event{
		Type:     EventMessage,
		Room:     r.cfg.Name,
		Origin:   r.service.NodeID(),
		Stamp:    msg.Stamp,
		UserJID:  senderJID.String(),
		Nickname: o.Nickname(),
		Message:  &msg,
	})
	return nil
}

// SendPrivateMessage delivers a direct message from one occupant to every
// session joined under the target nickname. Delivery is routed through the
// hosting node for remote sessions and is never replicated or logged.
func (r *Room) SendPrivateMessage(senderJID xmpp.JID, targetNick, body string) error {
	r.mu.Lock()
	o, ok := r.occupants.byFull(senderJID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: sender is not an occupant", ErrForbidden)
	}
	if len(body) > maxMessageLength {
		r.mu.Unlock()
		return fmt.Errorf("%w: message too long", ErrNotAcceptable)
	}

	switch r.cfg.PrivateMessagePolicy {
	case PMNone:
		r.mu.Unlock()
		return fmt.Errorf("%w: private messages are disabled", ErrServiceUnavailable)
	case PMModerators:
		if o.Role() != RoleModerator {
			r.mu.Unlock()
			return fmt.Errorf("%w: only moderators may send private messages", ErrForbidden)
		}
	case PMParticipants:
		if !o.Role().AtLeast(RoleParticipant) {
			r.mu.Unlock()
			return fmt.Errorf("%w: visitors cannot send private messages", ErrForbidden)
		}
	}

	targets := append([]Occupant(nil), r.occupants.byNick(targetNick)...)
	if len(targets) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: no occupant named %q", ErrNotAcceptable, targetNick)
	}
	msg := Message{From: o.OccupantJID(), Body: body, Stamp: time.Now()}
	r.mu.Unlock()

	// Remote sessions block on a cluster call, so deliver unlocked.
	for _, t := range targets {
		m := msg
		if err := t.Send(Packet{Message: &m}); err != nil {
			slog.Debug("private message dropped", "room", r.name, "to", targetNick, "err", err)
		}
	}
	return nil
}

// applyMessageLocked appends to history, delivers to local occupants, and
// queues the history row on the originating node only.
func (r *Room) applyMessageLocked(msg Message, originator bool) {
	entry := HistoryEntry{
		Nickname: msg.From.Resource,
		Body:     msg.Body,
		Stamp:    msg.Stamp,
	}
	r.history.add(entry)

	for _, o := range r.occupants.all() {
		if !o.IsLocal() {
			continue
		}
		m := msg
		if err := o.Send(Packet{Message: &m}); err != nil {
			slog.Debug("message delivery dropped", "room", r.cfg.Name, "to", o.Nickname(), "err", err)
		}
	}

	if originator && r.cfg.LoggingEnabled && r.service.persist != nil {
		r.service.persist.AppendHistory(r.cfg.Name, entry)
	}
}

// ChangeSubject sets the room subject. Moderators may always change it;
// other occupants need the occupants-can-change-subject flag and at least
// participant role.
func (r *Room) ChangeSubject(senderJID xmpp.JID, subject string) error {
	if len(subject) > maxSubjectLength {
		return fmt.Errorf("%w: subject too long", ErrNotAcceptable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.occupants.byFull(senderJID)
	if !ok {
		return fmt.Errorf("%w: sender is not an occupant", ErrForbidden)
	}
	allowed := o.Role() == RoleModerator ||
		(r.cfg.OccupantsCanChangeSubject && o.Role().AtLeast(RoleParticipant))
	if !allowed {
		return fmt.Errorf("%w: subject changes are restricted", ErrForbidden)
	}

	msg := Message{From: o.OccupantJID(), Subject: subject, Stamp: time.Now()}
	r.applySubjectLocked(msg, true)

	r.service.publish(Event{
		Type:     EventSubject,
		Room:     r.cfg.Name,
		Origin:   r.service.NodeID(),
		Stamp:    msg.Stamp,
		UserJID:  senderJID.String(),
		Nickname: o.Nickname(),
		Subject:  subject,
		Message:  &msg,
	})
	return nil
}

func (r *Room) applySubjectLocked(msg Message, originator bool) {
	r.subject = msg.Subject
	r.modifiedAt = time.Now()
	r.history.add(HistoryEntry{Nickname: msg.From.Resource, Subject: msg.Subject, Stamp: msg.Stamp})

	for _, o := range r.occupants.all() {
		if !o.IsLocal() {
			continue
		}
		m := msg
		if err := o.Send(Packet{Message: &m}); err != nil {
			slog.Debug("subject delivery dropped", "room", r.cfg.Name, "to", o.Nickname(), "err", err)
		}
	}

	if originator && r.cfg.Persistent && r.service.persist != nil {
		cfg := r.cfg
		cfg.Subject = msg.Subject
		if err := r.service.persist.SaveRoomConfig(cfg); err != nil {
			slog.Error("persist subject", "room", r.cfg.Name, "err", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Affiliation and role changes
// ---------------------------------------------------------------------------

// ChangeAffiliation grants target the given affiliation, enforcing the
// actor's authority and the persistent-room owner invariant, then
// reconciles every present occupant the entry concerns (directly or through
// group membership). reservedNick only applies when granting membership.
func (r *Room) ChangeAffiliation(actorJID, target xmpp.JID, newAff Affiliation, reservedNick, reason string) error {
	target = target.Bare()

	r.mu.Lock()
	defer r.mu.Unlock()

	actorAff := r.actorAffiliationLocked(actorJID)
	oldAff := r.lists.get(target.String())

	needsOwner := newAff == AffiliationOwner || oldAff == AffiliationOwner ||
		newAff == AffiliationAdmin || oldAff == AffiliationAdmin
	if needsOwner {
		if actorAff != AffiliationOwner {
			return fmt.Errorf("%w: only owners may administer owners and admins", ErrForbidden)
		}
	} else if actorAff != AffiliationOwner && actorAff != AffiliationAdmin {
		return fmt.Errorf("%w: admin privileges required", ErrForbidden)
	}

	if oldAff == AffiliationOwner && newAff != AffiliationOwner &&
		r.cfg.Persistent && len(r.lists.owners) == 1 {
		return fmt.Errorf("%w: a persistent room keeps at least one owner", ErrConflict)
	}
	if oldAff == newAff && newAff != AffiliationMember {
		return nil // no-op change
	}

	r.applyAffiliationLocked(target, newAff, oldAff, reservedNick, reason, true)

	r.service.publish(Event{
		Type:         EventAffiliation,
		Room:         r.cfg.Name,
		Origin:       r.service.NodeID(),
		Stamp:        time.Now(),
		BareJID:      target.String(),
		Affiliation:  newAff,
		ReservedNick: reservedNick,
		Reason:       reason,
	})
	r.maybeDestroyEmptyLocked()
	return nil
}

// actorAffiliationLocked resolves an actor's standing: their occupant's
// affiliation when present, otherwise their derived standing from the
// lists. Sysadmins count as owners either way.
func (r *Room) actorAffiliationLocked(actorJID xmpp.JID) Affiliation {
	if o, ok := r.occupants.byFull(actorJID); ok {
		return o.Affiliation()
	}
	aff, _, err := derive(r.lists, r.service.resolver, r.service.IsSysadmin, actorJID.Bare(), false, false)
	if err != nil {
		return AffiliationNone
	}
	return aff
}

// applyAffiliationLocked mutates the lists, persists on the originator, and
// reconciles affected occupants.
func (r *Room) applyAffiliationLocked(target xmpp.JID, newAff, oldAff Affiliation, reservedNick, reason string, originator bool) {
	r.lists.set(target.String(), newAff, reservedNick)
	r.modifiedAt = time.Now()

	if originator && r.service.persist != nil && r.cfg.Persistent {
		var err error
		if newAff == AffiliationNone {
			err = r.service.persist.RemoveAffiliation(r.cfg.Name, target.String(), oldAff)
		} else {
			err = r.service.persist.SaveAffiliation(r.cfg.Name, target.String(), reservedNick, newAff, oldAff)
		}
		if err != nil {
			slog.Error("persist affiliation", "room", r.cfg.Name, "jid", target.String(), "err", err)
		}
	}

	r.reconcileLocked(target, reason)
	slog.Info("affiliation changed", "room", r.cfg.Name, "jid", target.String(), "from", oldAff, "to", newAff)
}

// reconcileLocked recomputes role and affiliation for every occupant the
// changed entry concerns and broadcasts the resulting presence updates.
// Occupants who lose the right to stay are evicted: outcasts with 301,
// now-unqualified occupants of a members-only room with 321.
func (r *Room) reconcileLocked(changed xmpp.JID, reason string) {
	for _, o := range r.occupants.all() {
		if !affectedBy(r.service.resolver, changed, o.UserJID().Bare()) {
			continue
		}
		aff, role, err := derive(r.lists, r.service.resolver, r.service.IsSysadmin, o.UserJID().Bare(), r.cfg.MembersOnly, r.cfg.Moderated)
		switch {
		case errors.Is(err, ErrForbidden):
			r.mirrorOccupantLocked(o, AffiliationOutcast, RoleNone)
			r.removeOccupantLocked(o, []int{StatusBanned}, reason)
		case errors.Is(err, ErrRegistrationRequired):
			r.mirrorOccupantLocked(o, aff, RoleNone)
			r.removeOccupantLocked(o, []int{StatusAffiliationRemoved}, reason)
		default:
			if o.Affiliation() == aff && o.Role() == role {
				continue
			}
			r.mirrorOccupantLocked(o, aff, role)
			r.announcePresenceLocked(o, r.presenceOfLocked(o), false)
		}
	}
}

// mirrorOccupantLocked updates role and affiliation without any cluster
// round-trip, for both local occupants and remote snapshots.
func (r *Room) mirrorOccupantLocked(o Occupant, aff Affiliation, role Role) {
	if ro, ok := o.(*remoteOccupant); ok {
		ro.mirrorAffiliation(aff)
		ro.mirrorRole(role)
		return
	}
	_ = o.SetAffiliation(aff)
	_ = o.SetRole(role)
}

// ChangeRole grants or revokes voice or moderator privileges, or kicks when
// newRole is RoleNone (status 307). Moderator-only; seniority rules protect
// owners and admins from lesser actors. For a remote occupant the change is
// a synchronous cluster call issued outside the room lock.
func (r *Room) ChangeRole(actorJID, targetUserJID xmpp.JID, newRole Role, reason string) error {
	r.mu.Lock()

	actor, ok := r.occupants.byFull(actorJID)
	if !ok || actor.Role() != RoleModerator {
		r.mu.Unlock()
		return fmt.Errorf("%w: moderator privileges required", ErrForbidden)
	}
	target, ok := r.occupants.byFull(targetUserJID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: target is not in the room", ErrNotAllowed)
	}
	if seniority(target.Affiliation()) > seniority(actor.Affiliation()) {
		r.mu.Unlock()
		return fmt.Errorf("%w: target outranks actor", ErrNotAllowed)
	}
	if newRole == RoleNone && target.Affiliation() == AffiliationOwner {
		r.mu.Unlock()
		return fmt.Errorf("%w: owners cannot be kicked", ErrNotAllowed)
	}

	if !target.IsLocal() {
		// Forward to the hosting node outside the lock; a timeout or
		// rejection aborts the whole operation.
		r.mu.Unlock()
		if err := target.SetRole(newRole); err != nil {
			return err
		}
		r.mu.Lock()
		if _, still := r.occupants.byFull(targetUserJID); !still {
			r.mu.Unlock()
			return nil
		}
	} else if err := target.SetRole(newRole); err != nil {
		r.mu.Unlock()
		return err
	}

	r.finishRoleChangeLocked(target, newRole, reason)

	r.service.publish(Event{
		Type:     EventRole,
		Room:     r.cfg.Name,
		Origin:   r.service.NodeID(),
		Stamp:    time.Now(),
		UserJID:  targetUserJID.String(),
		Nickname: target.Nickname(),
		Role:     newRole,
		Reason:   reason,
	})
	r.maybeDestroyEmptyLocked()
	r.mu.Unlock()
	return nil
}

// finishRoleChangeLocked announces the outcome of a role change: a kick
// eviction for RoleNone, a presence update otherwise.
func (r *Room) finishRoleChangeLocked(target Occupant, newRole Role, reason string) {
	if newRole == RoleNone {
		r.removeOccupantLocked(target, []int{StatusKicked}, reason)
		return
	}
	r.announcePresenceLocked(target, r.presenceOfLocked(target), false)
	slog.Info("role changed", "room", r.cfg.Name, "nick", target.Nickname(), "role", newRole)
}

// seniority orders affiliations for the may-not-outrank checks.
func seniority(a Affiliation) int {
	switch a {
	case AffiliationOwner:
		return 3
	case AffiliationAdmin:
		return 2
	case AffiliationMember:
		return 1
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// Configuration, lock state, invitations, destruction
// ---------------------------------------------------------------------------

// SetConfig replaces the room configuration. Owner-only. Applying a first
// configuration unlocks the room; enabling members-only evicts every
// occupant without membership (status 321).
func (r *Room) SetConfig(actorJID xmpp.JID, cfg RoomConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.actorAffiliationLocked(actorJID) != AffiliationOwner {
		return fmt.Errorf("%w: only owners may configure the room", ErrForbidden)
	}
	cfg.Name = r.cfg.Name
	r.applyConfigLocked(cfg, true)

	evCfg := cfg
	r.service.publish(Event{
		Type:   EventConfig,
		Room:   r.cfg.Name,
		Origin: r.service.NodeID(),
		Stamp:  time.Now(),
		Config: &evCfg,
	})
	r.maybeDestroyEmptyLocked()
	return nil
}

// SetMembersOnly flips the members-only flag, keeping the rest of the
// configuration. Turning it on kicks non-member occupants.
func (r *Room) SetMembersOnly(actorJID xmpp.JID, membersOnly bool) error {
	cfg := r.Config()
	cfg.MembersOnly = membersOnly
	return r.SetConfig(actorJID, cfg)
}

// Unlock marks the room configured without changing anything else.
// Owner-only; unlocking an unlocked room is a no-op.
func (r *Room) Unlock(actorJID xmpp.JID) error {
	return r.SetConfig(actorJID, r.Config())
}

func (r *Room) applyConfigLocked(cfg RoomConfig, originator bool) {
	becameMembersOnly := cfg.MembersOnly && !r.cfg.MembersOnly
	r.cfg = cfg
	r.modifiedAt = time.Now()
	if !r.lockedSince.IsZero() {
		r.lockedSince = time.Time{}
		slog.Info("room unlocked", "room", r.cfg.Name)
	}

	if becameMembersOnly {
		for _, o := range r.occupants.all() {
			_, _, err := derive(r.lists, r.service.resolver, r.service.IsSysadmin, o.UserJID().Bare(), true, r.cfg.Moderated)
			if errors.Is(err, ErrRegistrationRequired) {
				r.mirrorOccupantLocked(o, AffiliationNone, RoleNone)
				r.removeOccupantLocked(o, []int{StatusAffiliationRemoved}, "")
			}
		}
	}

	if originator && r.cfg.Persistent && r.service.persist != nil {
		if err := r.service.persist.SaveRoomConfig(r.cfg); err != nil {
			slog.Error("persist room config", "room", r.cfg.Name, "err", err)
		}
	}
}

// SendInvitation asks invitee to join. In members-only rooms only admins
// and owners may invite unless occupants-can-invite is set, and a
// successful invitation grants the invitee membership so they can actually
// join.
func (r *Room) SendInvitation(senderJID, invitee xmpp.JID, reason string) error {
	r.mu.Lock()

	var senderAff Affiliation
	var senderRole Role
	if o, ok := r.occupants.byFull(senderJID); ok {
		senderAff, senderRole = o.Affiliation(), o.Role()
	} else {
		senderAff = r.actorAffiliationLocked(senderJID)
		senderRole = RoleNone
	}

	privileged := senderAff == AffiliationOwner || senderAff == AffiliationAdmin
	if r.cfg.MembersOnly && !privileged && !r.cfg.OccupantsCanInvite {
		r.mu.Unlock()
		return fmt.Errorf("%w: invitations are restricted in this room", ErrForbidden)
	}
	if !r.cfg.MembersOnly && !privileged && !r.cfg.OccupantsCanInvite && senderRole == RoleNone {
		r.mu.Unlock()
		return fmt.Errorf("%w: sender is not an occupant", ErrForbidden)
	}
	membersOnly := r.cfg.MembersOnly
	password := r.cfg.Password
	r.mu.Unlock()

	// Delegate veto runs outside the lock: it may consult external systems.
	if r.service.inviter != nil && !r.service.inviter.CanBeInvited(r.JID(), invitee, senderJID) {
		return ErrCannotBeInvited
	}

	if membersOnly {
		// The gate above already authorized the sender, so the membership
		// grant skips the actor check a direct affiliation change makes.
		// Occupants-can-invite lets plain members invite.
		bare := invitee.Bare()
		r.mu.Lock()
		if r.lists.get(bare.String()) == AffiliationNone {
			r.applyAffiliationLocked(bare, AffiliationMember, AffiliationNone, "", "", true)
			r.service.publish(Event{
				Type:        EventAffiliation,
				Room:        r.name,
				Origin:      r.service.NodeID(),
				Stamp:       time.Now(),
				BareJID:     bare.String(),
				Affiliation: AffiliationMember,
			})
		}
		r.mu.Unlock()
	}

	inv := Invitation{
		Room:     r.JID(),
		From:     senderJID,
		To:       invitee,
		Reason:   reason,
		Password: password,
	}
	if r.service.inviter != nil {
		if err := r.service.inviter.Deliver(inv); err != nil {
			slog.Error("deliver invitation", "room", r.name, "to", invitee.String(), "err", err)
		}
	}
	slog.Info("invitation sent", "room", r.name, "from", senderJID.BareString(), "to", invitee.BareString())
	return nil
}

// SendInvitationRejection reports a declined invitation back to the
// inviter.
func (r *Room) SendInvitationRejection(invitee, inviter xmpp.JID, reason string) {
	inv := Invitation{
		Room:     r.JID(),
		From:     invitee,
		To:       inviter,
		Reason:   reason,
		Declined: true,
	}
	if r.service.inviter != nil {
		if err := r.service.inviter.Deliver(inv); err != nil {
			slog.Error("deliver invitation rejection", "room", r.name, "to", inviter.String(), "err", err)
		}
	}
}

// Destroy tears the room down: every occupant is evicted with an
// unavailable presence carrying the reason and optional alternate room,
// then the room is removed from the service and, when persistent, from
// storage. Owner-only.
func (r *Room) Destroy(actorJID xmpp.JID, alternate xmpp.JID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrRoomDestroyed
	}
	if r.actorAffiliationLocked(actorJID) != AffiliationOwner {
		return fmt.Errorf("%w: only owners may destroy the room", ErrForbidden)
	}

	r.applyDestroyLocked(alternate.String(), reason, true)

	r.service.publish(Event{
		Type:         EventDestroy,
		Room:         r.cfg.Name,
		Origin:       r.service.NodeID(),
		Stamp:        time.Now(),
		Reason:       reason,
		AlternateJID: alternate.String(),
	})
	return nil
}

func (r *Room) applyDestroyLocked(alternate, reason string, originator bool) {
	for _, o := range r.occupants.all() {
		dep := Presence{
			From:        o.OccupantJID(),
			Unavailable: true,
			Role:        RoleNone,
			Affiliation: AffiliationNone,
			Reason:      reason,
		}
		r.occupants.remove(o)
		if !o.IsLocal() {
			continue
		}
		cp := dep.WithCodes(StatusSelfPresence)
		if err := o.Send(Packet{Presence: &cp}); err != nil {
			slog.Debug("destroy eviction dropped", "room", r.cfg.Name, "to", o.Nickname(), "err", err)
		}
	}
	r.destroyed = true
	r.service.removeRoom(r.cfg.Name)

	if originator && r.cfg.Persistent && r.service.persist != nil {
		if err := r.service.persist.DeleteRoom(r.cfg.Name); err != nil {
			slog.Error("delete room", "room", r.cfg.Name, "err", err)
		}
	}
	slog.Info("room destroyed", "room", r.cfg.Name, "alternate", alternate, "reason", reason)
}

// ---------------------------------------------------------------------------
// Cluster follower application
// ---------------------------------------------------------------------------

// Apply mirrors a replicated event from another node. Permissions were
// validated on the originating node; application here is idempotent and
// performs no durable side effects.
func (r *Room) Apply(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed && ev.Type != EventDestroy {
		return
	}

	switch ev.Type {
	case EventJoin:
		userJID, err := xmpp.Parse(ev.UserJID)
		if err != nil {
			slog.Warn("join event with bad jid", "room", r.cfg.Name, "jid", ev.UserJID, "err", err)
			return
		}
		if _, exists := r.occupants.byFull(userJID); exists {
			return // duplicate delivery
		}
		o, err := newRemoteOccupant(r.JID(), ev, r.service.caller)
		if err != nil {
			slog.Warn("remote occupant rejected", "room", r.cfg.Name, "err", err)
			return
		}
		if err := r.occupants.insert(o); err != nil {
			slog.Warn("remote occupant conflicts", "room", r.cfg.Name, "nick", ev.Nickname, "err", err)
			return
		}
		r.occupied = true
		r.emptiedAt = time.Time{}
		r.announcePresenceLocked(o, r.presenceOfLocked(o), false)

	case EventLeave:
		if o := r.occupantForEventLocked(ev); o != nil {
			r.removeOccupantLocked(o, nil, "")
		}

	case EventKick:
		if o := r.occupantForEventLocked(ev); o != nil {
			r.removeOccupantLocked(o, ev.StatusCodes, ev.Reason)
		}

	case EventRole:
		o := r.occupantForEventLocked(ev)
		if o == nil {
			return
		}
		r.mirrorOccupantLocked(o, o.Affiliation(), ev.Role)
		r.finishRoleChangeLocked(o, ev.Role, ev.Reason)

	case EventAffiliation:
		target, err := xmpp.Parse(ev.BareJID)
		if err != nil {
			return
		}
		oldAff := r.lists.get(target.BareString())
		if oldAff == ev.Affiliation && ev.Affiliation != AffiliationMember {
			// Duplicate delivery; reconciliation already ran.
			return
		}
		r.applyAffiliationLocked(target.Bare(), ev.Affiliation, oldAff, ev.ReservedNick, ev.Reason, false)

	case EventPresence:
		o := r.occupantForEventLocked(ev)
		if o == nil || ev.Presence == nil {
			return
		}
		o.SetPresence(*ev.Presence)
		r.announcePresenceLocked(o, r.presenceOfLocked(o), false)

	case EventNickname:
		o := r.occupantForEventLocked(ev)
		if o == nil || ev.NewNickname == "" {
			return
		}
		if strings.EqualFold(o.Nickname(), ev.NewNickname) {
			return // duplicate delivery
		}
		r.applyNicknameLocked(o, o.Nickname(), ev.NewNickname)

	case EventMessage:
		if ev.Message != nil {
			r.applyMessageLocked(*ev.Message, false)
		}

	case EventSubject:
		if ev.Message != nil {
			r.applySubjectLocked(*ev.Message, false)
		} else {
			r.subject = ev.Subject
		}

	case EventConfig:
		if ev.Config != nil {
			cfg := *ev.Config
			cfg.Name = r.cfg.Name
			r.applyConfigLocked(cfg, false)
		}

	case EventDestroy:
		if !r.destroyed {
			r.applyDestroyLocked(ev.AlternateJID, ev.Reason, false)
		}

	default:
		slog.Warn("unknown room event", "room", r.cfg.Name, "type", ev.Type)
	}
}

func (r *Room) occupantForEventLocked(ev Event) Occupant {
	userJID, err := xmpp.Parse(ev.UserJID)
	if err != nil {
		return nil
	}
	o, ok := r.occupants.byFull(userJID)
	if !ok {
		return nil
	}
	return o
}

// handleNodeRequest serves the hosting-node side of a remote occupant
// mutation. State mirroring and presence fan-out arrive separately through
// the replicated event; this only touches the targeted occupant.
func (r *Room) handleNodeRequest(req NodeRequest) NodeReply {
	userJID, err := xmpp.Parse(req.UserJID)
	if err != nil {
		return NodeReply{Error: fmt.Sprintf("bad jid: %v", err)}
	}

	r.mu.Lock()
	o, ok := r.occupants.byFull(userJID)
	if !ok || !o.IsLocal() {
		r.mu.Unlock()
		return NodeReply{Error: "occupant not hosted here"}
	}

	switch req.Op {
	case "set_role":
		err = o.SetRole(req.Role)
	case "set_affiliation":
		err = o.SetAffiliation(req.Affiliation)
	case "send":
		r.mu.Unlock()
		if req.Packet == nil {
			return NodeReply{Error: "missing packet"}
		}
		if err := o.Send(*req.Packet); err != nil {
			return NodeReply{Error: err.Error()}
		}
		return NodeReply{OK: true}
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	r.mu.Unlock()

	if err != nil {
		return NodeReply{Error: err.Error()}
	}
	return NodeReply{OK: true}
}
