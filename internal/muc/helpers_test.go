package muc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"mucd/internal/xmpp"
)

// recorder captures every packet delivered to one occupant session.
type recorder struct {
	mu      sync.Mutex
	packets []Packet
}

func (r *recorder) SendPacket(pkt Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, pkt)
	return nil
}

func (r *recorder) all() []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Packet(nil), r.packets...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.packets = nil
	r.mu.Unlock()
}

func (r *recorder) presences() []Presence {
	var out []Presence
	for _, pkt := range r.all() {
		if pkt.Presence != nil {
			out = append(out, *pkt.Presence)
		}
	}
	return out
}

func (r *recorder) messages() []Message {
	var out []Message
	for _, pkt := range r.all() {
		if pkt.Message != nil {
			out = append(out, *pkt.Message)
		}
	}
	return out
}

func (r *recorder) lastPresence(t *testing.T) Presence {
	t.Helper()
	ps := r.presences()
	if len(ps) == 0 {
		t.Fatal("expected at least one presence, got none")
	}
	return ps[len(ps)-1]
}

// captureBus records published cluster events.
type captureBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *captureBus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) all() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

func (b *captureBus) last(t *testing.T) Event {
	t.Helper()
	evs := b.all()
	if len(evs) == 0 {
		t.Fatal("expected at least one published event, got none")
	}
	return evs[len(evs)-1]
}

func (b *captureBus) byType(typ EventType) []Event {
	var out []Event
	for _, ev := range b.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// memPersister is an in-memory Persister for room lifecycle tests.
type memPersister struct {
	mu      sync.Mutex
	configs map[string]RoomConfig
	affs    map[string][]AffiliationEntry
	history map[string][]HistoryEntry
	deleted []string
}

func newMemPersister() *memPersister {
	return &memPersister{
		configs: make(map[string]RoomConfig),
		affs:    make(map[string][]AffiliationEntry),
		history: make(map[string][]HistoryEntry),
	}
}

func (p *memPersister) LoadRoomConfig(name string) (RoomConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.configs[name]
	if !ok {
		return RoomConfig{}, ErrRoomNotFound
	}
	return cfg, nil
}

func (p *memPersister) LoadAffiliations(name string) ([]AffiliationEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AffiliationEntry(nil), p.affs[name]...), nil
}

func (p *memPersister) LoadHistory(name string, since time.Time) ([]HistoryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []HistoryEntry
	for _, e := range p.history[name] {
		if since.IsZero() || e.Stamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *memPersister) SaveRoomConfig(cfg RoomConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[cfg.Name] = cfg
	return nil
}

func (p *memPersister) SaveAffiliation(room, bareJID, nickname string, newAff, oldAff Affiliation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := p.affs[room][:0]
	for _, row := range p.affs[room] {
		if row.BareJID != bareJID {
			rows = append(rows, row)
		}
	}
	p.affs[room] = append(rows, AffiliationEntry{BareJID: bareJID, Affiliation: newAff, Nickname: nickname})
	return nil
}

func (p *memPersister) RemoveAffiliation(room, bareJID string, oldAff Affiliation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := p.affs[room][:0]
	for _, row := range p.affs[room] {
		if row.BareJID != bareJID {
			rows = append(rows, row)
		}
	}
	p.affs[room] = rows
	return nil
}

func (p *memPersister) DeleteRoom(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.configs, name)
	delete(p.affs, name)
	delete(p.history, name)
	p.deleted = append(p.deleted, name)
	return nil
}

func (p *memPersister) AppendHistory(room string, e HistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[room] = append(p.history[room], e)
}

// staticGroups resolves group JIDs from a fixed membership table keyed by
// group bare JID.
type staticGroups struct {
	members map[string][]string
}

func (g *staticGroups) IsGroup(j xmpp.JID) bool {
	_, ok := g.members[j.BareString()]
	return ok
}

func (g *staticGroups) Contains(group, member xmpp.JID) bool {
	for _, m := range g.members[group.BareString()] {
		if m == member.BareString() {
			return true
		}
	}
	return false
}

// scriptedCaller answers cross-node calls with a canned reply or error.
type scriptedCaller struct {
	mu    sync.Mutex
	calls []NodeRequest
	reply *NodeReply
	err   error
}

func (c *scriptedCaller) CallNode(nodeID string, req NodeRequest) (*NodeReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return nil, c.err
	}
	if c.reply != nil {
		return c.reply, nil
	}
	return &NodeReply{OK: true}, nil
}

func testService(t *testing.T, bus EventBus, persist Persister) *Service {
	t.Helper()
	return NewService(ServiceConfig{
		Subdomain: "conference",
		Domain:    "example.org",
		NodeID:    "node-1",
		Sysadmins: []string{"root@example.org"},
	}, bus, persist)
}

func jid(t *testing.T, s string) xmpp.JID {
	t.Helper()
	j, err := xmpp.Parse(s)
	if err != nil {
		t.Fatalf("parse jid %q: %v", s, err)
	}
	return j
}

func mustCreate(t *testing.T, svc *Service, name string, creator xmpp.JID) *Room {
	t.Helper()
	r, err := svc.CreateRoom(name, creator)
	if err != nil {
		t.Fatalf("create room %q: %v", name, err)
	}
	return r
}

func mustJoin(t *testing.T, r *Room, nick string, userJID xmpp.JID) *recorder {
	t.Helper()
	rec := &recorder{}
	if _, err := r.Join(nick, "", HistoryRequest{MaxStanzas: -1}, userJID, Presence{}, rec); err != nil {
		t.Fatalf("join %s as %q: %v", userJID, nick, err)
	}
	return rec
}

func assertErrIs(t *testing.T, err, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

func assertCount(t *testing.T, r *Room, want int) {
	t.Helper()
	if got := r.OccupantCount(); got != want {
		t.Fatalf("occupant count = %d, want %d", got, want)
	}
}
