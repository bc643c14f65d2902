package muc

import (
	"testing"

	"mucd/internal/xmpp"
)

func newTestOccupant(t *testing.T, full, nick string) *localOccupant {
	t.Helper()
	roomJID := xmpp.New("garden", "conference.example.org", "")
	return newLocalOccupant(roomJID, jid(t, full), nick, RoleParticipant, AffiliationNone, "node-1", nil)
}

func TestRegistryIndexesAgree(t *testing.T) {
	reg := newOccupantRegistry()
	phone := newTestOccupant(t, "bob@example.org/phone", "Bob")
	laptop := newTestOccupant(t, "bob@example.org/laptop", "Bob")
	alice := newTestOccupant(t, "alice@example.org/desktop", "Alice")

	for _, o := range []*localOccupant{phone, laptop, alice} {
		if err := reg.insert(o); err != nil {
			t.Fatalf("insert %s: %v", o.UserJID(), err)
		}
	}
	if reg.count() != 3 {
		t.Fatalf("count = %d, want 3", reg.count())
	}
	if got := reg.byNick("bob"); len(got) != 2 {
		t.Fatalf("byNick(bob) = %d sessions, want 2 (case-insensitive)", len(got))
	}
	if got := reg.byBare(jid(t, "bob@example.org")); len(got) != 2 {
		t.Fatalf("byBare = %d sessions, want 2", len(got))
	}
	if o, ok := reg.byFull(jid(t, "bob@example.org/phone")); !ok || o != Occupant(phone) {
		t.Fatal("byFull lookup failed")
	}
}

func TestRegistryRejectsConflicts(t *testing.T) {
	reg := newOccupantRegistry()
	if err := reg.insert(newTestOccupant(t, "bob@example.org/phone", "Bob")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same full JID twice.
	if err := reg.insert(newTestOccupant(t, "bob@example.org/phone", "Bobby")); err == nil {
		t.Fatal("duplicate full JID accepted")
	}
	// Same nickname held by a different account.
	if err := reg.insert(newTestOccupant(t, "alice@example.org/web", "bob")); err == nil {
		t.Fatal("nickname squatting accepted")
	}
	if reg.count() != 1 {
		t.Fatalf("failed inserts changed the registry: count = %d", reg.count())
	}
}

func TestRegistryRemoveCleansAllIndexes(t *testing.T) {
	reg := newOccupantRegistry()
	phone := newTestOccupant(t, "bob@example.org/phone", "Bob")
	laptop := newTestOccupant(t, "bob@example.org/laptop", "Bob")
	if err := reg.insert(phone); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reg.insert(laptop); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reg.remove(phone)
	if reg.count() != 1 {
		t.Fatalf("count = %d, want 1", reg.count())
	}
	if _, ok := reg.byFull(jid(t, "bob@example.org/phone")); ok {
		t.Fatal("removed session still reachable by full JID")
	}
	if got := reg.byNick("Bob"); len(got) != 1 {
		t.Fatalf("byNick = %d, want the surviving session", len(got))
	}

	reg.remove(laptop)
	if reg.count() != 0 || len(reg.byNick("Bob")) != 0 || len(reg.byBare(jid(t, "bob@example.org"))) != 0 {
		t.Fatal("empty registry still holds index entries")
	}
}

func TestRegistryRename(t *testing.T) {
	reg := newOccupantRegistry()
	bob := newTestOccupant(t, "bob@example.org/phone", "Bob")
	if err := reg.insert(bob); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reg.rename(bob, "Robert")
	if len(reg.byNick("Bob")) != 0 {
		t.Fatal("old nickname still indexed")
	}
	got := reg.byNick("robert")
	if len(got) != 1 || got[0].Nickname() != "Robert" {
		t.Fatalf("new nickname not indexed: %v", got)
	}
	// The full-JID index must survive the rename untouched.
	if o, ok := reg.byFull(jid(t, "bob@example.org/phone")); !ok || o != Occupant(bob) {
		t.Fatal("rename broke the full JID index")
	}
}
