package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"mucd/internal/muc"
	"mucd/internal/xmpp"
	"mucd/store"
)

// APIServer provides HTTP REST endpoints for health checking and room
// administration. Occupant traffic does not flow through here; this surface
// is for operators and the surrounding server.
type APIServer struct {
	svc   *muc.Service
	store *store.Store
	echo  *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(svc *muc.Service, st *store.Store) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &APIServer{svc: svc, store: st, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/settings", s.handleGetSettings)
	s.echo.PUT("/api/settings", s.handlePutSettings)
	s.echo.GET("/api/rooms", s.handleListRooms)
	s.echo.POST("/api/rooms", s.handleCreateRoom)
	s.echo.GET("/api/rooms/:name", s.handleGetRoom)
	s.echo.PUT("/api/rooms/:name/config", s.handleSetRoomConfig)
	s.echo.GET("/api/rooms/:name/history", s.handleRoomHistory)
	s.echo.DELETE("/api/rooms/:name", s.handleDestroyRoom)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is
// cancelled. A non-nil tlsConf serves HTTPS.
func (s *APIServer) Run(ctx context.Context, addr string, tlsConf *tls.Config) {
	go func() {
		var err error
		if tlsConf != nil {
			s.echo.TLSServer = &http.Server{Addr: addr, TLSConfig: tlsConf}
			err = s.echo.StartServer(s.echo.TLSServer)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Rooms     int    `json:"rooms"`
	Occupants int    `json:"occupants"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	occupants := 0
	for _, r := range s.svc.Rooms() {
		occupants += r.OccupantCount()
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Rooms:     s.svc.RoomCount(),
		Occupants: occupants,
	})
}

// SettingsResponse is the payload for GET /api/settings.
type SettingsResponse struct {
	ServiceName string `json:"service_name"`
	Domain      string `json:"domain"`
}

// SettingsRequest is the body for PUT /api/settings.
type SettingsRequest struct {
	ServiceName string `json:"service_name"`
}

func (s *APIServer) handleGetSettings(c echo.Context) error {
	name, _, err := s.store.GetSetting("service_name")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SettingsResponse{ServiceName: name, Domain: s.svc.Domain()})
}

func (s *APIServer) handlePutSettings(c echo.Context) error {
	var req SettingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	name := strings.TrimSpace(req.ServiceName)
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "service_name must not be empty")
	}
	if len(name) > maxServiceNameLength {
		return echo.NewHTTPError(http.StatusBadRequest, "service_name too long")
	}
	if err := s.store.SetSetting("service_name", name); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// RoomSummary is an element in the GET /api/rooms array.
type RoomSummary struct {
	Name       string `json:"name"`
	JID        string `json:"jid"`
	Occupants  int    `json:"occupants"`
	Subject    string `json:"subject,omitempty"`
	Persistent bool   `json:"persistent"`
	Public     bool   `json:"public"`
	Locked     bool   `json:"locked"`
}

func (s *APIServer) handleListRooms(c echo.Context) error {
	rooms := s.svc.Rooms()
	resp := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		cfg := r.Config()
		// Private rooms stay off the public listing.
		if !cfg.PublicRoom {
			continue
		}
		resp = append(resp, RoomSummary{
			Name:       r.Name(),
			JID:        r.JID().String(),
			Occupants:  r.OccupantCount(),
			Subject:    r.Subject(),
			Persistent: cfg.Persistent,
			Public:     cfg.PublicRoom,
			Locked:     r.Locked(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// CreateRoomRequest is the body for POST /api/rooms.
type CreateRoomRequest struct {
	Name       string `json:"name"`
	CreatorJID string `json:"creator_jid"`
}

func (s *APIServer) handleCreateRoom(c echo.Context) error {
	var req CreateRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name must not be empty")
	}
	if len(name) > maxRoomNameLength {
		return echo.NewHTTPError(http.StatusBadRequest, "name too long")
	}
	creator := xmpp.JID{}
	if req.CreatorJID != "" {
		j, err := xmpp.Parse(req.CreatorJID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid creator_jid")
		}
		creator = j
	}
	room, err := s.svc.CreateRoom(name, creator)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, RoomSummary{
		Name:      room.Name(),
		JID:       room.JID().String(),
		Occupants: room.OccupantCount(),
		Locked:    room.Locked(),
	})
}

// RoomDetail is the payload for GET /api/rooms/:name.
type RoomDetail struct {
	RoomSummary
	Config    muc.RoomConfig         `json:"config"`
	Occupants []muc.OccupantSnapshot `json:"occupants"`
}

func (s *APIServer) handleGetRoom(c echo.Context) error {
	room, ok := s.svc.Room(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	cfg := room.Config()
	occupants := room.OccupantSnapshots()
	if occupants == nil {
		occupants = []muc.OccupantSnapshot{}
	}
	return c.JSON(http.StatusOK, RoomDetail{
		RoomSummary: RoomSummary{
			Name:       room.Name(),
			JID:        room.JID().String(),
			Occupants:  room.OccupantCount(),
			Subject:    room.Subject(),
			Persistent: cfg.Persistent,
			Public:     cfg.PublicRoom,
			Locked:     room.Locked(),
		},
		Config:    cfg,
		Occupants: occupants,
	})
}

// RoomConfigRequest is the body for PUT /api/rooms/:name/config. The actor
// must hold owner affiliation in the room.
type RoomConfigRequest struct {
	ActorJID string         `json:"actor_jid"`
	Config   muc.RoomConfig `json:"config"`
}

func (s *APIServer) handleSetRoomConfig(c echo.Context) error {
	room, ok := s.svc.Room(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	var req RoomConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, err := xmpp.Parse(req.ActorJID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid actor_jid")
	}
	if err := room.SetConfig(actor, req.Config); err != nil {
		if errors.Is(err, muc.ErrForbidden) {
			return echo.NewHTTPError(http.StatusForbidden, "owner affiliation required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// HistoryItem is an element in the GET /api/rooms/:name/history array.
type HistoryItem struct {
	Nickname string    `json:"nickname"`
	Body     string    `json:"body"`
	Stamp    time.Time `json:"stamp"`
}

func (s *APIServer) handleRoomHistory(c echo.Context) error {
	room, ok := s.svc.Room(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	entries := room.HistoryTail(limit)
	resp := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, HistoryItem{Nickname: e.Nickname, Body: e.Body, Stamp: e.Stamp})
	}
	return c.JSON(http.StatusOK, resp)
}

// DestroyRoomRequest is the body for DELETE /api/rooms/:name. The actor must
// hold owner affiliation in the room; the engine enforces it.
type DestroyRoomRequest struct {
	ActorJID     string `json:"actor_jid"`
	Reason       string `json:"reason,omitempty"`
	AlternateJID string `json:"alternate_jid,omitempty"`
}

func (s *APIServer) handleDestroyRoom(c echo.Context) error {
	room, ok := s.svc.Room(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	var req DestroyRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, err := xmpp.Parse(req.ActorJID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid actor_jid")
	}
	alternate := xmpp.JID{}
	if req.AlternateJID != "" {
		if alternate, err = xmpp.Parse(req.AlternateJID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid alternate_jid")
		}
	}
	if err := room.Destroy(actor, alternate, req.Reason); err != nil {
		if errors.Is(err, muc.ErrForbidden) {
			return echo.NewHTTPError(http.StatusForbidden, "owner affiliation required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
