// Package cluster replicates room events between nodes over NATS and
// carries the synchronous calls targeting occupants hosted elsewhere.
//
// Every node publishes its room events on muc.room.<room> and subscribes to
// the wildcard, dropping its own events on receipt. Synchronous occupant
// operations travel as request/reply on muc.node.<node-id>.
package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"mucd/internal/muc"
)

const (
	roomSubjectPrefix = "muc.room."
	nodeSubjectPrefix = "muc.node."

	defaultCallTimeout = 5 * time.Second
)

// Node is one cluster member's connection. It implements muc.EventBus and
// muc.SyncCaller.
type Node struct {
	nc      *nats.Conn
	nodeID  string
	timeout time.Duration
	subs    []*nats.Subscription
}

// Dial connects to NATS with the reconnect behavior a long-running chat
// node wants: unlimited retries with a fixed backoff.
func Dial(url, nodeID string, timeout time.Duration) (*Node, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("cluster node id is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("mucd-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "node", nodeID, "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "node", nodeID, "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %q: %w", url, err)
	}
	return NewNode(nc, nodeID, timeout), nil
}

// NewNode wraps an established NATS connection.
func NewNode(nc *nats.Conn, nodeID string, timeout time.Duration) *Node {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Node{nc: nc, nodeID: nodeID, timeout: timeout}
}

// NodeID returns this member's cluster identity.
func (n *Node) NodeID() string { return n.nodeID }

// Publish sends one room event to the cluster.
func (n *Node) Publish(ev muc.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return n.nc.Publish(roomSubjectPrefix+ev.Room, data)
}

// CallNode performs a synchronous operation against an occupant hosted on
// another node. Timeouts and transport errors surface to the caller, which
// folds them into its own failure mode.
func (n *Node) CallNode(nodeID string, req muc.NodeRequest) (*muc.NodeReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode node request: %w", err)
	}
	msg, err := n.nc.Request(nodeSubjectPrefix+nodeID, data, n.timeout)
	if err != nil {
		return nil, fmt.Errorf("call node %s: %w", nodeID, err)
	}
	var reply muc.NodeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode node reply: %w", err)
	}
	return &reply, nil
}

// Start subscribes to the cluster's room events and to this node's request
// subject, routing both into the service.
func (n *Node) Start(svc *muc.Service) error {
	sub, err := n.nc.Subscribe(roomSubjectPrefix+">", func(msg *nats.Msg) {
		n.handleEvent(svc, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe room events: %w", err)
	}
	n.subs = append(n.subs, sub)

	sub, err = n.nc.Subscribe(nodeSubjectPrefix+n.nodeID, func(msg *nats.Msg) {
		if err := msg.Respond(n.handleNodeRequest(svc, msg.Data)); err != nil {
			slog.Warn("respond node request", "node", n.nodeID, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe node requests: %w", err)
	}
	n.subs = append(n.subs, sub)

	slog.Info("cluster listening", "node", n.nodeID, "events", roomSubjectPrefix+">", "requests", nodeSubjectPrefix+n.nodeID)
	return nil
}

// handleEvent decodes one replicated room event and applies it, dropping
// events this node originated.
func (n *Node) handleEvent(svc *muc.Service, data []byte) {
	var ev muc.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("drop undecodable room event", "node", n.nodeID, "err", err)
		return
	}
	if ev.Origin == n.nodeID {
		return
	}
	svc.ApplyEvent(ev)
}

// handleNodeRequest decodes and serves one synchronous occupant operation,
// always returning an encodable reply.
func (n *Node) handleNodeRequest(svc *muc.Service, data []byte) []byte {
	var req muc.NodeRequest
	reply := muc.NodeReply{}
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = fmt.Sprintf("bad request: %v", err)
	} else {
		reply = svc.HandleNodeRequest(req)
	}
	out, err := json.Marshal(reply)
	if err != nil {
		// NodeReply is a plain struct; this cannot happen in practice.
		out = []byte(`{"ok":false,"error":"encode reply"}`)
	}
	return out
}

// Drain unsubscribes and flushes outstanding messages before closing.
func (n *Node) Drain() {
	for _, sub := range n.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("drain subscription", "subject", sub.Subject, "err", err)
		}
	}
	if err := n.nc.Drain(); err != nil {
		slog.Warn("drain nats connection", "node", n.nodeID, "err", err)
	}
}

// RoomFromSubject extracts the room name from an event subject.
func RoomFromSubject(subject string) string {
	return strings.TrimPrefix(subject, roomSubjectPrefix)
}
