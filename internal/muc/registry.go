package muc

import (
	"fmt"
	"strings"

	"mucd/internal/xmpp"
)

// occupantRegistry maintains three indices over one occupant set: by
// lowercase nickname, by bare user JID, and by full user JID. It has no
// locking of its own; every method runs under the owning room's write (or,
// for lookups, read) lock. The three indices are always updated together so
// an occupant is reachable from exactly one entry per index while live.
type occupantRegistry struct {
	byNickname map[string][]Occupant
	byBareJID  map[string][]Occupant
	byFullJID  map[string]Occupant
}

func newOccupantRegistry() *occupantRegistry {
	return &occupantRegistry{
		byNickname: make(map[string][]Occupant),
		byBareJID:  make(map[string][]Occupant),
		byFullJID:  make(map[string]Occupant),
	}
}

func nickKey(nickname string) string { return strings.ToLower(nickname) }

// insert adds o to all three indices. It refuses a full JID that is already
// registered and a nickname held by sessions of a different bare JID; both
// invariants are the engine's to pre-validate, so violations are reported as
// plain errors, not typed rejections.
func (reg *occupantRegistry) insert(o Occupant) error {
	full := o.UserJID().String()
	if _, exists := reg.byFullJID[full]; exists {
		return fmt.Errorf("occupant %s is already registered", full)
	}
	nk := nickKey(o.Nickname())
	bare := o.UserJID().BareString()
	for _, other := range reg.byNickname[nk] {
		if other.UserJID().BareString() != bare {
			return fmt.Errorf("nickname %q is held by %s", o.Nickname(), other.UserJID().BareString())
		}
	}

	reg.byNickname[nk] = append(reg.byNickname[nk], o)
	reg.byBareJID[bare] = append(reg.byBareJID[bare], o)
	reg.byFullJID[full] = o
	return nil
}

// remove deletes o from all three indices. Reports whether it was present.
func (reg *occupantRegistry) remove(o Occupant) bool {
	full := o.UserJID().String()
	if _, ok := reg.byFullJID[full]; !ok {
		return false
	}
	delete(reg.byFullJID, full)
	reg.byNickname[nickKey(o.Nickname())] = withoutOccupant(reg.byNickname[nickKey(o.Nickname())], o)
	if len(reg.byNickname[nickKey(o.Nickname())]) == 0 {
		delete(reg.byNickname, nickKey(o.Nickname()))
	}
	bare := o.UserJID().BareString()
	reg.byBareJID[bare] = withoutOccupant(reg.byBareJID[bare], o)
	if len(reg.byBareJID[bare]) == 0 {
		delete(reg.byBareJID, bare)
	}
	return true
}

// rename moves o from its current nickname key to newNick in one step. The
// occupant object keeps its identity so the full-JID index stays intact.
func (reg *occupantRegistry) rename(o Occupant, newNick string) {
	oldKey := nickKey(o.Nickname())
	reg.byNickname[oldKey] = withoutOccupant(reg.byNickname[oldKey], o)
	if len(reg.byNickname[oldKey]) == 0 {
		delete(reg.byNickname, oldKey)
	}
	o.SetNickname(newNick)
	reg.byNickname[nickKey(newNick)] = append(reg.byNickname[nickKey(newNick)], o)
}

// byNick returns every session joined under nickname (case-insensitive).
func (reg *occupantRegistry) byNick(nickname string) []Occupant {
	return reg.byNickname[nickKey(nickname)]
}

// byBare returns every session of the user with the given bare JID.
func (reg *occupantRegistry) byBare(bare xmpp.JID) []Occupant {
	return reg.byBareJID[bare.BareString()]
}

// byFull returns the single occupant with the given full user JID.
func (reg *occupantRegistry) byFull(full xmpp.JID) (Occupant, bool) {
	o, ok := reg.byFullJID[full.String()]
	return o, ok
}

// all returns every live occupant.
func (reg *occupantRegistry) all() []Occupant {
	out := make([]Occupant, 0, len(reg.byFullJID))
	for _, o := range reg.byFullJID {
		out = append(out, o)
	}
	return out
}

func (reg *occupantRegistry) count() int { return len(reg.byFullJID) }

func withoutOccupant(list []Occupant, o Occupant) []Occupant {
	for i, cand := range list {
		if cand == o {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
