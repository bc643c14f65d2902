package muc

import (
	"testing"
	"time"
)

func TestCreateRoomIsIdempotent(t *testing.T) {
	svc := testService(t, &captureBus{}, nil)
	alice := jid(t, "alice@example.org/desktop")

	r1 := mustCreate(t, svc, "Garden", alice)
	r2 := mustCreate(t, svc, "garden", jid(t, "bob@example.org/phone"))
	if r1 != r2 {
		t.Fatal("room names must be case-insensitive and creation idempotent")
	}
	if svc.RoomCount() != 1 {
		t.Fatalf("room count = %d, want 1", svc.RoomCount())
	}
	if _, err := svc.CreateRoom("  ", alice); err == nil {
		t.Fatal("blank room name accepted")
	}
}

func TestServiceDomain(t *testing.T) {
	svc := testService(t, &captureBus{}, nil)
	if got := svc.Domain(); got != "conference.example.org" {
		t.Fatalf("domain = %q", got)
	}
	if got := mustCreate(t, svc, "garden", jid(t, "a@example.org/x")).JID().String(); got != "garden@conference.example.org" {
		t.Fatalf("room JID = %q", got)
	}
}

func TestRestoreRoomFromPersistence(t *testing.T) {
	persist := newMemPersister()
	cfg := DefaultRoomConfig("garden")
	cfg.Persistent = true
	cfg.LoggingEnabled = true
	cfg.Subject = "greenhouse plans"
	if err := persist.SaveRoomConfig(cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := persist.SaveAffiliation("garden", "alice@example.org", "", AffiliationOwner, AffiliationNone); err != nil {
		t.Fatalf("seed affiliation: %v", err)
	}
	if err := persist.SaveAffiliation("garden", "bob@example.org", "Bobby", AffiliationMember, AffiliationNone); err != nil {
		t.Fatalf("seed affiliation: %v", err)
	}
	persist.AppendHistory("garden", HistoryEntry{Nickname: "Alice", Body: "remember the seeds", Stamp: time.Now().Add(-time.Minute)})

	svc := testService(t, &captureBus{}, persist)
	room := mustCreate(t, svc, "garden", jid(t, "whoever@example.org/x"))

	if room.Locked() {
		t.Fatal("restored room must not be locked")
	}
	if room.Subject() != "greenhouse plans" {
		t.Fatalf("subject = %q", room.Subject())
	}
	if got := len(room.HistoryTail(10)); got != 1 {
		t.Fatalf("restored history holds %d entries", got)
	}

	// The restored owner list is live: Alice joins as owner, the
	// would-be creator does not.
	rec := mustJoin(t, room, "Alice", jid(t, "alice@example.org/desktop"))
	if p := rec.lastPresence(t); p.Affiliation != AffiliationOwner {
		t.Fatalf("restored owner joined as %s", p.Affiliation)
	}
	rec = mustJoin(t, room, "Bobby", jid(t, "bob@example.org/phone"))
	if p := rec.lastPresence(t); p.Affiliation != AffiliationMember {
		t.Fatalf("restored member joined as %s", p.Affiliation)
	}
}

func TestPersistentAffiliationWrites(t *testing.T) {
	persist := newMemPersister()
	svc := testService(t, &captureBus{}, persist)
	alice := jid(t, "alice@example.org/desktop")
	room := mustCreate(t, svc, "garden", alice)
	mustJoin(t, room, "Alice", alice)
	cfg := room.Config()
	cfg.Persistent = true
	if err := room.SetConfig(alice, cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}

	bob := jid(t, "bob@example.org/phone")
	if err := room.ChangeAffiliation(alice, bob.Bare(), AffiliationMember, "Bobby", ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	rows, err := persist.LoadAffiliations("garden")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 1 || rows[0].Affiliation != AffiliationMember || rows[0].Nickname != "Bobby" {
		t.Fatalf("persisted rows: %+v", rows)
	}

	if err := room.ChangeAffiliation(alice, bob.Bare(), AffiliationNone, "", ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if rows, _ = persist.LoadAffiliations("garden"); len(rows) != 0 {
		t.Fatalf("revoked row survived: %+v", rows)
	}
}

func TestLoggedMessagesQueuedForPersistence(t *testing.T) {
	persist := newMemPersister()
	svc := testService(t, &captureBus{}, persist)
	alice := jid(t, "alice@example.org/desktop")
	room := mustCreate(t, svc, "garden", alice)
	mustJoin(t, room, "Alice", alice)
	cfg := room.Config()
	cfg.LoggingEnabled = true
	if err := room.SetConfig(alice, cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if err := room.BroadcastMessage(alice, "for the record"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	rows, err := persist.LoadHistory("garden", time.Time{})
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(rows) != 1 || rows[0].Body != "for the record" {
		t.Fatalf("logged rows: %+v", rows)
	}
}
