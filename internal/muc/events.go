package muc

import (
	"time"
)

// EventType names one state-changing room operation.
type EventType string

const (
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventKick        EventType = "kick"
	EventAffiliation EventType = "affiliation"
	EventRole        EventType = "role"
	EventPresence    EventType = "presence"
	EventNickname    EventType = "nickname"
	EventMessage     EventType = "message"
	EventSubject     EventType = "subject"
	EventConfig      EventType = "config"
	EventDestroy     EventType = "destroy"
)

// Event is the serializable description of one room mutation, carrying
// enough data to reapply the effect on another node without re-validating
// permissions. Origin identifies the node that accepted and validated the
// operation; only that node performs durable side effects (persistence,
// history logging, lifecycle decisions). Follower application must be
// idempotent.
type Event struct {
	Type   EventType `json:"type"`
	Room   string    `json:"room"`
	Origin string    `json:"origin"`
	Stamp  time.Time `json:"stamp"`

	// Occupant identity.
	UserJID  string `json:"user_jid,omitempty"` // full user JID
	Nickname string `json:"nickname,omitempty"`

	// Operation payloads; which are set depends on Type.
	NewNickname  string      `json:"new_nickname,omitempty"`
	BareJID      string      `json:"bare_jid,omitempty"` // affiliation target (user or group)
	Role         Role        `json:"role,omitempty"`
	Affiliation  Affiliation `json:"affiliation,omitempty"`
	ReservedNick string      `json:"reserved_nick,omitempty"`
	Presence     *Presence   `json:"presence,omitempty"`
	Message      *Message    `json:"message,omitempty"`
	Subject      string      `json:"subject,omitempty"`
	Config       *RoomConfig `json:"config,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	AlternateJID string      `json:"alternate_jid,omitempty"`
	StatusCodes  []int       `json:"status_codes,omitempty"`
}

// EventBus publishes room events to every other node hosting a replica of
// the room. Publishing is fire-and-forget; delivery between two nodes is
// FIFO per room but no global order is guaranteed.
type EventBus interface {
	Publish(Event) error
}

// NodeRequest is a synchronous operation routed to the node hosting a
// remote occupant. Unlike Event replication it blocks for a reply.
type NodeRequest struct {
	Op          string      `json:"op"` // "set_role", "set_affiliation", "send"
	Room        string      `json:"room"`
	UserJID     string      `json:"user_jid"`
	Role        Role        `json:"role,omitempty"`
	Affiliation Affiliation `json:"affiliation,omitempty"`
	Packet      *Packet     `json:"packet,omitempty"`
}

// NodeReply is the response to a NodeRequest. A nil reply is interpreted as
// rejection by the caller, never as success.
type NodeReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SyncCaller issues NodeRequests to a specific node and blocks until the
// reply arrives or a timeout fires. Implementations fail closed: a timeout
// or transport failure is reported as an error, not retried.
type SyncCaller interface {
	CallNode(nodeID string, req NodeRequest) (*NodeReply, error)
}

// nopBus is used when a room runs without a cluster.
type nopBus struct{}

func (nopBus) Publish(Event) error { return nil }
