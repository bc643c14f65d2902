package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"mucd/internal/muc"
	"mucd/internal/xmpp"
)

// noopSender discards packets delivered to the virtual occupant.
type noopSender struct{}

func (noopSender) SendPacket(muc.Packet) error { return nil }

// RunTestBot joins the named room as a virtual occupant and posts a line of
// traffic every interval until the context is canceled. Useful for soak
// testing delivery and replication without real clients.
func RunTestBot(ctx context.Context, svc *muc.Service, roomName, nick, domain string, interval time.Duration) {
	botJID := xmpp.JID{Local: "testbot", Domain: domain, Resource: "bot"}

	room, ok := svc.Room(roomName)
	if !ok {
		var err error
		if room, err = svc.CreateRoom(roomName, botJID); err != nil {
			log.Printf("[testbot] create room %q: %v", roomName, err)
			return
		}
	}

	if _, err := room.Join(nick, "", muc.HistoryRequest{MaxStanzas: -1}, botJID,
		muc.Presence{Status: "load test"}, noopSender{}); err != nil {
		log.Printf("[testbot] join %q as %q: %v", roomName, nick, err)
		return
	}
	log.Printf("[testbot] %q joined %q", nick, roomName)

	defer func() {
		if err := room.Leave(botJID); err != nil {
			log.Printf("[testbot] leave %q: %v", roomName, err)
		}
		log.Printf("[testbot] %q disconnected", nick)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq++
		if err := room.BroadcastMessage(botJID, fmt.Sprintf("tick %d", seq)); err != nil {
			log.Printf("[testbot] send: %v", err)
			return
		}
	}
}
