package muc

import (
	"strings"

	"mucd/internal/xmpp"
)

// Affiliation is the long-lived standing of a bare JID in a room. It is
// independent of presence: an owner keeps the affiliation whether or not
// they are currently joined.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// Role is the session-scoped permission level of a present occupant,
// derived from affiliation and room mode.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// roleLevel returns a numeric level for comparison. Higher = more permissions.
func roleLevel(r Role) int {
	switch r {
	case RoleModerator:
		return 3
	case RoleParticipant:
		return 2
	case RoleVisitor:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r carries at least the permissions of other.
func (r Role) AtLeast(other Role) bool { return roleLevel(r) >= roleLevel(other) }

// GroupResolver expands shared-group identifiers found in affiliation lists.
// An affiliation entry may name a group rather than an individual; every
// user belonging to that group then inherits the entry's affiliation. A nil
// resolver disables group-derived affiliations.
type GroupResolver interface {
	// IsGroup reports whether the bare JID names a group.
	IsGroup(jid xmpp.JID) bool
	// Contains reports whether member belongs to the named group.
	Contains(group, member xmpp.JID) bool
}

// affiliationLists holds the four disjoint-by-construction lists, keyed by
// bare JID string. Mutated only under the owning room's write lock.
type affiliationLists struct {
	owners   map[string]struct{}
	admins   map[string]struct{}
	members  map[string]string // bare JID → reserved nickname ("" = none)
	outcasts map[string]struct{}
}

func newAffiliationLists() *affiliationLists {
	return &affiliationLists{
		owners:   make(map[string]struct{}),
		admins:   make(map[string]struct{}),
		members:  make(map[string]string),
		outcasts: make(map[string]struct{}),
	}
}

// set places bare in exactly one list (or none for AffiliationNone),
// removing it from the others first, and returns its previous affiliation.
func (l *affiliationLists) set(bare string, aff Affiliation, reservedNick string) Affiliation {
	old := l.get(bare)
	delete(l.owners, bare)
	delete(l.admins, bare)
	delete(l.members, bare)
	delete(l.outcasts, bare)

	switch aff {
	case AffiliationOwner:
		l.owners[bare] = struct{}{}
	case AffiliationAdmin:
		l.admins[bare] = struct{}{}
	case AffiliationMember:
		l.members[bare] = reservedNick
	case AffiliationOutcast:
		l.outcasts[bare] = struct{}{}
	}
	return old
}

// get returns the direct affiliation of bare, without group expansion.
func (l *affiliationLists) get(bare string) Affiliation {
	if _, ok := l.owners[bare]; ok {
		return AffiliationOwner
	}
	if _, ok := l.admins[bare]; ok {
		return AffiliationAdmin
	}
	if _, ok := l.members[bare]; ok {
		return AffiliationMember
	}
	if _, ok := l.outcasts[bare]; ok {
		return AffiliationOutcast
	}
	return AffiliationNone
}

// reservedNickname returns the nickname reserved for bare, if any.
func (l *affiliationLists) reservedNickname(bare string) string {
	return l.members[bare]
}

// nicknameReservedBy returns the bare JID that reserved nick, or "".
// Comparison is case-insensitive like the occupant registry.
func (l *affiliationLists) nicknameReservedBy(nick string) string {
	for bare, reserved := range l.members {
		if reserved != "" && strings.EqualFold(reserved, nick) {
			return bare
		}
	}
	return ""
}

// contains reports whether member is in the given list, either directly or
// through a group entry expanded by resolver.
func (l *affiliationLists) contains(list map[string]struct{}, resolver GroupResolver, member xmpp.JID) bool {
	bare := member.BareString()
	if _, ok := list[bare]; ok {
		return true
	}
	if resolver == nil {
		return false
	}
	for entry := range list {
		j, err := xmpp.Parse(entry)
		if err != nil {
			continue
		}
		if resolver.IsGroup(j) && resolver.Contains(j, member) {
			return true
		}
	}
	return false
}

// containsMember is contains for the members map (different value type).
func (l *affiliationLists) containsMember(resolver GroupResolver, member xmpp.JID) bool {
	bare := member.BareString()
	if _, ok := l.members[bare]; ok {
		return true
	}
	if resolver == nil {
		return false
	}
	for entry := range l.members {
		j, err := xmpp.Parse(entry)
		if err != nil {
			continue
		}
		if resolver.IsGroup(j) && resolver.Contains(j, member) {
			return true
		}
	}
	return false
}

// affectedBy reports whether a change to the affiliation entry for changed
// (which may be a group) concerns the occupant with bare JID member.
func affectedBy(resolver GroupResolver, changed, member xmpp.JID) bool {
	if changed.EqualBare(member) {
		return true
	}
	if resolver == nil || !resolver.IsGroup(changed) {
		return false
	}
	return resolver.Contains(changed, member)
}

// derive computes the effective affiliation and role of a bare JID against
// the room's lists and mode flags. Outcast status, explicit or
// group-derived, always takes precedence over membership.
func derive(lists *affiliationLists, resolver GroupResolver, isSysadmin func(xmpp.JID) bool, bare xmpp.JID, membersOnly, moderated bool) (Affiliation, Role, error) {
	if lists.contains(lists.owners, resolver, bare) {
		return AffiliationOwner, RoleModerator, nil
	}
	// Service sysadmins are implicit owners; they never appear in the list.
	if isSysadmin != nil && isSysadmin(bare) {
		return AffiliationOwner, RoleModerator, nil
	}
	if lists.contains(lists.admins, resolver, bare) {
		return AffiliationAdmin, RoleModerator, nil
	}
	if lists.contains(lists.outcasts, resolver, bare) {
		return AffiliationOutcast, RoleNone, ErrForbidden
	}
	if lists.containsMember(resolver, bare) {
		return AffiliationMember, RoleParticipant, nil
	}
	if membersOnly {
		return AffiliationNone, RoleNone, ErrRegistrationRequired
	}
	if moderated {
		return AffiliationNone, RoleVisitor, nil
	}
	return AffiliationNone, RoleParticipant, nil
}
