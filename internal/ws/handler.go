package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"mucd/internal/muc"
	"mucd/internal/protocol"
	"mucd/internal/xmpp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// Handler owns websocket transport for connected chat sessions.
type Handler struct {
	svc      *muc.Service
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the room service.
func NewHandler(svc *muc.Service) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// session is one websocket connection bound to a full user JID. It is the
// PacketSender for every occupant the connection joins as.
type session struct {
	id  string
	jid xmpp.JID

	mu     sync.Mutex
	send   chan protocol.Message
	closed bool
	rooms  map[string]struct{}
}

func newSession(jid xmpp.JID) *session {
	return &session{
		id:    uuid.NewString(),
		jid:   jid,
		send:  make(chan protocol.Message, sendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// SendPacket queues a stanza for the connection. A full buffer drops the
// packet rather than blocking the room.
func (s *session) SendPacket(pkt muc.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s closed", s.id)
	}
	select {
	case s.send <- protocol.Message{Type: protocol.TypeStanza, Stanza: &pkt}:
		return nil
	default:
		return fmt.Errorf("session %s: send buffer full", s.id)
	}
}

func (s *session) push(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- msg:
	default:
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

func (s *session) track(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

func (s *session) untrack(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *session) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		out = append(out, name)
	}
	return out
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	var hello protocol.Message
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if hello.Type != protocol.TypeHello {
		h.writeDirectError(conn, "first message must be hello")
		return
	}
	jid, err := xmpp.Parse(strings.TrimSpace(hello.JID))
	if err != nil || !jid.IsFull() {
		h.writeDirectError(conn, "hello requires a full jid")
		return
	}

	sess := newSession(jid)
	slog.Info("session connected", "session", sess.id, "jid", jid)

	defer func() {
		for _, name := range sess.joinedRooms() {
			if room, ok := h.svc.Room(name); ok {
				if err := room.Leave(jid); err != nil && !errors.Is(err, muc.ErrRoomDestroyed) {
					slog.Debug("leave on disconnect", "room", name, "err", err)
				}
			}
		}
		sess.close()
		slog.Info("session disconnected", "session", sess.id, "jid", jid)
	}()

	go func() {
		for out := range sess.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	sess.push(protocol.Message{Type: protocol.TypeWelcome, SessionID: sess.id, JID: jid.String()})

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(sess, in)
	}
}

func (h *Handler) handleInbound(sess *session, in protocol.Message) {
	switch in.Type {
	case protocol.TypePing:
		sess.push(protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeJoin:
		h.handleJoin(sess, in)

	case protocol.TypeLeave:
		room, ok := h.svc.Room(in.Room)
		if !ok {
			h.sendError(sess, in, muc.ErrRoomNotFound)
			return
		}
		if err := room.Leave(sess.jid); err != nil {
			h.sendError(sess, in, err)
			return
		}
		sess.untrack(room.Name())

	case protocol.TypeSend:
		h.withRoom(sess, in, func(room *muc.Room) error {
			return room.BroadcastMessage(sess.jid, in.Body)
		})

	case protocol.TypePrivate:
		h.withRoom(sess, in, func(room *muc.Room) error {
			return room.SendPrivateMessage(sess.jid, in.Target, in.Body)
		})

	case protocol.TypeSubject:
		h.withRoom(sess, in, func(room *muc.Room) error {
			return room.ChangeSubject(sess.jid, in.Subject)
		})

	case protocol.TypeNick:
		h.withRoom(sess, in, func(room *muc.Room) error {
			return room.ChangeNickname(sess.jid, in.Nickname)
		})

	case protocol.TypePresence:
		h.withRoom(sess, in, func(room *muc.Room) error {
			return room.BroadcastPresence(sess.jid, muc.Presence{Show: in.Show, Status: in.Status})
		})

	case protocol.TypeKick:
		h.withRoom(sess, in, func(room *muc.Room) error {
			target, ok := occupantByNick(room, in.Target)
			if !ok {
				return fmt.Errorf("%w: no occupant named %q", muc.ErrNotAcceptable, in.Target)
			}
			return room.ChangeRole(sess.jid, target, muc.RoleNone, in.Reason)
		})

	case protocol.TypeRole:
		h.withRoom(sess, in, func(room *muc.Room) error {
			target, ok := occupantByNick(room, in.Target)
			if !ok {
				return fmt.Errorf("%w: no occupant named %q", muc.ErrNotAcceptable, in.Target)
			}
			return room.ChangeRole(sess.jid, target, muc.Role(in.Role), in.Reason)
		})

	case protocol.TypeAffiliation:
		h.withRoom(sess, in, func(room *muc.Room) error {
			target, err := xmpp.Parse(in.Target)
			if err != nil {
				return fmt.Errorf("%w: invalid target jid", muc.ErrNotAcceptable)
			}
			return room.ChangeAffiliation(sess.jid, target, muc.Affiliation(in.Affiliation), in.Nickname, in.Reason)
		})

	case protocol.TypeInvite:
		h.withRoom(sess, in, func(room *muc.Room) error {
			invitee, err := xmpp.Parse(in.Target)
			if err != nil {
				return fmt.Errorf("%w: invalid invitee jid", muc.ErrNotAcceptable)
			}
			return room.SendInvitation(sess.jid, invitee, in.Reason)
		})

	case protocol.TypeDecline:
		h.withRoom(sess, in, func(room *muc.Room) error {
			inviter, err := xmpp.Parse(in.Target)
			if err != nil {
				return fmt.Errorf("%w: invalid inviter jid", muc.ErrNotAcceptable)
			}
			room.SendInvitationRejection(sess.jid, inviter, in.Reason)
			return nil
		})

	case protocol.TypeUnlock:
		// Accepting the default configuration opens a freshly created
		// room to other users.
		h.withRoom(sess, in, func(room *muc.Room) error {
			return room.Unlock(sess.jid)
		})

	case protocol.TypeDestroy:
		h.withRoom(sess, in, func(room *muc.Room) error {
			var alternate xmpp.JID
			if in.Alternate != "" {
				var err error
				if alternate, err = xmpp.Parse(in.Alternate); err != nil {
					return fmt.Errorf("%w: invalid alternate jid", muc.ErrNotAcceptable)
				}
			}
			return room.Destroy(sess.jid, alternate, in.Reason)
		})

	default:
		sess.push(protocol.Message{Type: protocol.TypeError, Error: "unsupported message type"})
	}
}

// handleJoin joins the room, creating it on first join with the joiner as
// owner, and answers with the occupant snapshot plus the current roster.
func (h *Handler) handleJoin(sess *session, in protocol.Message) {
	room, ok := h.svc.Room(in.Room)
	if !ok {
		var err error
		if room, err = h.svc.CreateRoom(in.Room, sess.jid); err != nil {
			h.sendError(sess, in, err)
			return
		}
	}

	hist := muc.HistoryRequest{}
	if in.MaxHistory != nil {
		hist.MaxStanzas = *in.MaxHistory
	}
	self, err := room.Join(in.Nickname, in.Password, hist, sess.jid,
		muc.Presence{Show: in.Show, Status: in.Status}, sess)
	if err != nil {
		h.sendError(sess, in, err)
		return
	}
	sess.track(room.Name())

	sess.push(protocol.Message{
		Type:      protocol.TypeJoined,
		Room:      room.Name(),
		Occupant:  &self,
		Occupants: room.OccupantSnapshots(),
	})
}

// withRoom resolves the named room and reports operation failures back on
// the session.
func (h *Handler) withRoom(sess *session, in protocol.Message, op func(*muc.Room) error) {
	room, ok := h.svc.Room(in.Room)
	if !ok {
		h.sendError(sess, in, muc.ErrRoomNotFound)
		return
	}
	if err := op(room); err != nil {
		h.sendError(sess, in, err)
	}
}

func occupantByNick(room *muc.Room, nick string) (xmpp.JID, bool) {
	for _, o := range room.OccupantSnapshots() {
		if strings.EqualFold(o.Nickname, nick) {
			return o.UserJID, true
		}
	}
	return xmpp.JID{}, false
}

func (h *Handler) sendError(sess *session, in protocol.Message, err error) {
	sess.push(protocol.Message{
		Type:  protocol.TypeError,
		Room:  in.Room,
		Error: condition(err),
	})
}

func (h *Handler) writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeError, Error: errMsg})
}

// condition maps engine errors to the protocol error conditions clients
// branch on.
func condition(err error) string {
	switch {
	case errors.Is(err, muc.ErrForbidden):
		return "forbidden"
	case errors.Is(err, muc.ErrConflict):
		return "conflict"
	case errors.Is(err, muc.ErrNotAllowed):
		return "not-allowed"
	case errors.Is(err, muc.ErrNotAcceptable), errors.Is(err, muc.ErrCannotBeInvited):
		return "not-acceptable"
	case errors.Is(err, muc.ErrRegistrationRequired):
		return "registration-required"
	case errors.Is(err, muc.ErrRoomLocked):
		return "item-not-found"
	case errors.Is(err, muc.ErrUnauthorized):
		return "not-authorized"
	case errors.Is(err, muc.ErrServiceUnavailable):
		return "service-unavailable"
	case errors.Is(err, muc.ErrRoomDestroyed), errors.Is(err, muc.ErrRoomNotFound):
		return "gone"
	default:
		return "internal-server-error"
	}
}
