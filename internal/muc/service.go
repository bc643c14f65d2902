package muc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mucd/internal/xmpp"
)

// InvitationHandler is the external collaborator consulted for invitations.
// The engine never routes stanzas itself; delivery belongs to the stanza
// routing layer.
type InvitationHandler interface {
	// CanBeInvited may veto an invitation before it is sent.
	CanBeInvited(room xmpp.JID, invitee, inviter xmpp.JID) bool
	// Deliver routes the invitation (or rejection) to its target.
	Deliver(Invitation) error
}

// ServiceConfig configures one groupchat service.
type ServiceConfig struct {
	// Subdomain is the service's node, e.g. "conference".
	Subdomain string
	// Domain is the parent server domain, e.g. "example.com". The service
	// domain becomes subdomain.domain.
	Domain string
	// NodeID identifies this cluster node.
	NodeID string
	// Sysadmins are bare JIDs treated as implicit owners of every room.
	Sysadmins []string
	// HistorySize bounds per-room history; 0 applies the default.
	HistorySize int
	// HistoryMaxAge drops history entries older than this; 0 disables the
	// age bound.
	HistoryMaxAge time.Duration
	// RemoteTimeout bounds synchronous calls to remote occupants' nodes.
	// The cluster layer enforces it; kept here for introspection.
	RemoteTimeout time.Duration
}

// Service owns the live rooms of one groupchat subdomain on this node. The
// surrounding registry and discovery machinery live outside this module;
// Service is only the glue the room engine needs from them.
type Service struct {
	cfg       ServiceConfig
	bus       EventBus
	persist   Persister
	resolver  GroupResolver
	caller    SyncCaller
	inviter   InvitationHandler
	sysadmins map[string]struct{}

	mu    sync.RWMutex
	rooms map[string]*Room

	// Counters, reset on each Stats call.
	joins           atomic.Uint64
	leaves          atomic.Uint64
	messages        atomic.Uint64
	eventsPublished atomic.Uint64
	eventsApplied   atomic.Uint64
}

// NewService builds a service. bus and persist may be nil for single-node
// or in-memory operation.
func NewService(cfg ServiceConfig, bus EventBus, persist Persister) *Service {
	if bus == nil {
		bus = nopBus{}
	}
	sys := make(map[string]struct{}, len(cfg.Sysadmins))
	for _, s := range cfg.Sysadmins {
		if j, err := xmpp.Parse(s); err == nil {
			sys[j.BareString()] = struct{}{}
		}
	}
	return &Service{
		cfg:       cfg,
		bus:       bus,
		persist:   persist,
		sysadmins: sys,
		rooms:     make(map[string]*Room),
	}
}

// SetGroupResolver installs the shared-group expansion hook.
func (s *Service) SetGroupResolver(r GroupResolver) { s.resolver = r }

// SetSyncCaller installs the cluster transport for remote occupant
// mutations.
func (s *Service) SetSyncCaller(c SyncCaller) { s.caller = c }

// SetInvitationHandler installs the invitation delegate.
func (s *Service) SetInvitationHandler(h InvitationHandler) { s.inviter = h }

// Domain returns the service's addressable domain (subdomain.domain).
func (s *Service) Domain() string {
	if s.cfg.Subdomain == "" {
		return s.cfg.Domain
	}
	return s.cfg.Subdomain + "." + s.cfg.Domain
}

// NodeID returns this node's cluster identity.
func (s *Service) NodeID() string { return s.cfg.NodeID }

// IsSysadmin reports whether the bare JID is a service administrator.
func (s *Service) IsSysadmin(j xmpp.JID) bool {
	_, ok := s.sysadmins[j.BareString()]
	return ok
}

// CreateRoom returns the live room with the given name, loading it from
// persistence or creating it fresh. A brand-new room starts locked with
// creator as its sole owner; a reloaded room starts unlocked.
func (s *Service) CreateRoom(name string, creator xmpp.JID) (*Room, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("room name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[name]; ok {
		return r, nil
	}

	if s.persist != nil {
		cfg, err := s.persist.LoadRoomConfig(name)
		switch {
		case err == nil:
			r := s.restoreRoom(cfg)
			s.rooms[name] = r
			slog.Info("room loaded", "room", name, "persistent", cfg.Persistent)
			return r, nil
		case !errors.Is(err, ErrRoomNotFound):
			return nil, fmt.Errorf("load room %q: %w", name, err)
		}
	}

	r := newRoom(s, DefaultRoomConfig(name), true)
	if !creator.IsZero() {
		r.lists.set(creator.BareString(), AffiliationOwner, "")
	}
	s.rooms[name] = r
	slog.Info("room created", "room", name, "creator", creator.BareString(), "locked", true)
	return r, nil
}

// restoreRoom rebuilds a room from its persisted configuration,
// affiliations, and (when logging was enabled) history.
func (s *Service) restoreRoom(cfg RoomConfig) *Room {
	r := newRoom(s, cfg, false)
	if rows, err := s.persist.LoadAffiliations(cfg.Name); err != nil {
		slog.Error("load affiliations", "room", cfg.Name, "err", err)
	} else {
		for _, row := range rows {
			r.lists.set(row.BareJID, row.Affiliation, row.Nickname)
		}
	}
	if cfg.LoggingEnabled {
		since := time.Time{}
		if s.cfg.HistoryMaxAge > 0 {
			since = time.Now().Add(-s.cfg.HistoryMaxAge)
		}
		if rows, err := s.persist.LoadHistory(cfg.Name, since); err != nil {
			slog.Error("load history", "room", cfg.Name, "err", err)
		} else {
			r.history.load(rows)
		}
	}
	if cfg.Subject != "" {
		r.subject = cfg.Subject
	}
	return r
}

// Room returns a live room by name.
func (s *Service) Room(name string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[strings.ToLower(name)]
	return r, ok
}

// roomForEvent returns the replica that should apply a cluster event,
// creating an empty follower replica when this node has not hosted the room
// yet.
func (s *Service) roomForEvent(ev Event) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[ev.Room]; ok {
		return r
	}
	cfg := DefaultRoomConfig(ev.Room)
	if ev.Config != nil {
		cfg = *ev.Config
	}
	r := newRoom(s, cfg, false)
	s.rooms[ev.Room] = r
	slog.Debug("follower replica created", "room", ev.Room, "origin", ev.Origin)
	return r
}

// ApplyEvent routes a replicated cluster event to its room. Events
// originated by this node are dropped by the cluster layer before reaching
// here.
func (s *Service) ApplyEvent(ev Event) {
	if ev.Room == "" {
		return
	}
	s.eventsApplied.Add(1)
	s.roomForEvent(ev).Apply(ev)
}

// HandleNodeRequest serves a synchronous operation targeting an occupant
// hosted on this node.
func (s *Service) HandleNodeRequest(req NodeRequest) NodeReply {
	r, ok := s.Room(req.Room)
	if !ok {
		return NodeReply{Error: "room not found"}
	}
	return r.handleNodeRequest(req)
}

// removeRoom forgets a destroyed room.
func (s *Service) removeRoom(name string) {
	s.mu.Lock()
	delete(s.rooms, name)
	s.mu.Unlock()
}

// Rooms returns a snapshot of all live rooms, for introspection.
func (s *Service) Rooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// RoomCount returns the number of live rooms on this node.
func (s *Service) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// publish hands an event to the cluster bus; failures are logged, never
// surfaced, because local state stays authoritative.
func (s *Service) publish(ev Event) {
	s.eventsPublished.Add(1)
	if err := s.bus.Publish(ev); err != nil {
		slog.Error("publish room event", "room", ev.Room, "type", ev.Type, "err", err)
	}
}

// ServiceStats is one sample of service-wide counters.
type ServiceStats struct {
	Rooms           int
	Occupants       int
	Joins           uint64
	Leaves          uint64
	Messages        uint64
	EventsPublished uint64
	EventsApplied   uint64
}

// Stats returns accumulated counters since the last call and resets them.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	rooms := len(s.rooms)
	occupants := 0
	for _, r := range s.rooms {
		occupants += r.OccupantCount()
	}
	s.mu.RUnlock()

	return ServiceStats{
		Rooms:           rooms,
		Occupants:       occupants,
		Joins:           s.joins.Swap(0),
		Leaves:          s.leaves.Swap(0),
		Messages:        s.messages.Swap(0),
		EventsPublished: s.eventsPublished.Swap(0),
		EventsApplied:   s.eventsApplied.Swap(0),
	}
}
