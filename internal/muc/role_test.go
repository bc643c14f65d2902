package muc

import (
	"errors"
	"testing"

	"mucd/internal/xmpp"
)

func bare(t *testing.T, s string) xmpp.JID {
	t.Helper()
	return jid(t, s).Bare()
}

func TestDerivePrecedence(t *testing.T) {
	groups := &staticGroups{members: map[string][]string{
		"staff@example.org":  {"bob@example.org", "carol@example.org"},
		"banned@example.org": {"carol@example.org"},
	}}
	lists := newAffiliationLists()
	lists.set("alice@example.org", AffiliationOwner, "")
	lists.set("admin@example.org", AffiliationAdmin, "")
	lists.set("staff@example.org", AffiliationMember, "")
	lists.set("banned@example.org", AffiliationOutcast, "")
	lists.set("mallory@example.org", AffiliationOutcast, "")

	isSysadmin := func(j xmpp.JID) bool { return j.BareString() == "root@example.org" }

	tests := []struct {
		name        string
		jid         string
		membersOnly bool
		moderated   bool
		wantAff     Affiliation
		wantRole    Role
		wantErr     error
	}{
		{"owner", "alice@example.org", false, false, AffiliationOwner, RoleModerator, nil},
		{"sysadmin is implicit owner", "root@example.org", true, true, AffiliationOwner, RoleModerator, nil},
		{"admin", "admin@example.org", false, false, AffiliationAdmin, RoleModerator, nil},
		{"explicit outcast", "mallory@example.org", false, false, AffiliationOutcast, RoleNone, ErrForbidden},
		{"group member", "bob@example.org", true, false, AffiliationMember, RoleParticipant, nil},
		{"outcast beats group membership", "carol@example.org", false, false, AffiliationOutcast, RoleNone, ErrForbidden},
		{"stranger in open room", "dave@example.org", false, false, AffiliationNone, RoleParticipant, nil},
		{"stranger in moderated room", "dave@example.org", false, true, AffiliationNone, RoleVisitor, nil},
		{"stranger in members-only room", "dave@example.org", true, false, AffiliationNone, RoleNone, ErrRegistrationRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			aff, role, err := derive(lists, groups, isSysadmin, bare(t, tc.jid), tc.membersOnly, tc.moderated)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if aff != tc.wantAff || role != tc.wantRole {
				t.Fatalf("derive = %s/%s, want %s/%s", aff, role, tc.wantAff, tc.wantRole)
			}
		})
	}
}

func TestAffiliationListsSetIsExclusive(t *testing.T) {
	lists := newAffiliationLists()
	lists.set("bob@example.org", AffiliationMember, "Bobby")

	if old := lists.set("bob@example.org", AffiliationAdmin, ""); old != AffiliationMember {
		t.Fatalf("set returned old affiliation %s, want member", old)
	}
	if lists.get("bob@example.org") != AffiliationAdmin {
		t.Fatal("promotion did not stick")
	}
	if _, stillMember := lists.members["bob@example.org"]; stillMember {
		t.Fatal("promotion left the member entry behind")
	}

	lists.set("bob@example.org", AffiliationNone, "")
	if lists.get("bob@example.org") != AffiliationNone {
		t.Fatal("clearing the affiliation failed")
	}
}

func TestReservedNicknames(t *testing.T) {
	lists := newAffiliationLists()
	lists.set("bob@example.org", AffiliationMember, "Bobby")

	if got := lists.reservedNickname("bob@example.org"); got != "Bobby" {
		t.Fatalf("reservedNickname = %q, want Bobby", got)
	}
	if got := lists.nicknameReservedBy("bobby"); got != "bob@example.org" {
		t.Fatalf("nicknameReservedBy is not case-insensitive: %q", got)
	}
	if got := lists.nicknameReservedBy("Alice"); got != "" {
		t.Fatalf("unreserved nickname reported as %q", got)
	}
}

func TestAffectedBy(t *testing.T) {
	groups := &staticGroups{members: map[string][]string{
		"staff@example.org": {"bob@example.org"},
	}}
	if !affectedBy(groups, bare(t, "bob@example.org"), bare(t, "bob@example.org")) {
		t.Error("direct match should affect")
	}
	if !affectedBy(groups, bare(t, "staff@example.org"), bare(t, "bob@example.org")) {
		t.Error("group change should affect its members")
	}
	if affectedBy(groups, bare(t, "staff@example.org"), bare(t, "dave@example.org")) {
		t.Error("group change should not affect outsiders")
	}
	if affectedBy(nil, bare(t, "staff@example.org"), bare(t, "bob@example.org")) {
		t.Error("without a resolver only direct matches affect")
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleModerator.AtLeast(RoleParticipant) || !RoleParticipant.AtLeast(RoleParticipant) {
		t.Error("ordering broken above participant")
	}
	if RoleVisitor.AtLeast(RoleParticipant) || RoleNone.AtLeast(RoleVisitor) {
		t.Error("ordering broken below participant")
	}
}
