package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"mucd/internal/muc"
	"mucd/internal/xmpp"
)

func testMucService(t *testing.T, nodeID string) *muc.Service {
	t.Helper()
	return muc.NewService(muc.ServiceConfig{
		Subdomain: "conference",
		Domain:    "example.org",
		NodeID:    nodeID,
	}, nil, nil)
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleEventDropsOwnOrigin(t *testing.T) {
	svc := testMucService(t, "node-1")
	n := NewNode(nil, "node-1", time.Second)

	n.handleEvent(svc, encode(t, muc.Event{
		Type:   muc.EventJoin,
		Room:   "garden",
		Origin: "node-1",
		Stamp:  time.Now(),
	}))
	if _, ok := svc.Room("garden"); ok {
		t.Fatal("self-originated event must not be applied")
	}

	n.handleEvent(svc, encode(t, muc.Event{
		Type:     muc.EventJoin,
		Room:     "garden",
		Origin:   "node-2",
		Stamp:    time.Now(),
		UserJID:  "alice@example.org/desktop",
		Nickname: "Alice",
		Role:     muc.RoleParticipant,
	}))
	room, ok := svc.Room("garden")
	if !ok {
		t.Fatal("foreign event not applied")
	}
	if room.OccupantCount() != 1 {
		t.Fatalf("occupants = %d, want 1", room.OccupantCount())
	}
}

func TestHandleEventIgnoresGarbage(t *testing.T) {
	svc := testMucService(t, "node-1")
	n := NewNode(nil, "node-1", time.Second)

	n.handleEvent(svc, []byte("{not json"))
	if svc.RoomCount() != 0 {
		t.Fatal("garbage created a room")
	}
}

func TestHandleNodeRequestRoundTrip(t *testing.T) {
	svc := testMucService(t, "node-1")
	n := NewNode(nil, "node-1", time.Second)

	alice := xmpp.New("alice", "example.org", "desktop")
	room, err := svc.CreateRoom("garden", alice)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := room.Join("Alice", "", muc.HistoryRequest{MaxStanzas: -1}, alice, muc.Presence{}, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	out := n.handleNodeRequest(svc, encode(t, muc.NodeRequest{
		Op:      "set_role",
		Room:    "garden",
		UserJID: "alice@example.org/desktop",
		Role:    muc.RoleVisitor,
	}))
	var reply muc.NodeReply
	if err := json.Unmarshal(out, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("reply: %+v", reply)
	}
	if snap, _ := room.Occupant(alice); snap.Role != muc.RoleVisitor {
		t.Fatalf("role not applied: %+v", snap)
	}

	// Bad JSON still yields a well-formed error reply.
	out = n.handleNodeRequest(svc, []byte("nope"))
	if err := json.Unmarshal(out, &reply); err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if reply.OK || reply.Error == "" {
		t.Fatalf("error reply: %+v", reply)
	}
}

func TestRoomFromSubject(t *testing.T) {
	if got := RoomFromSubject("muc.room.garden"); got != "garden" {
		t.Fatalf("RoomFromSubject = %q", got)
	}
}
