package relay

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

// peer is one registered connection and its metadata. Normal controller
// connections belong to a single room; subordinate-relay connections
// multiplex many rooms over one link and claim them explicitly.
type peer struct {
	conn    transport.Conn
	relay   bool
	roomID  string
	roomIDs map[string]struct{}
}

// HandleConnect records a new peer connection, joins it to its declared
// room, and recomputes the display mode.
func (s *Session) HandleConnect(conn transport.Conn) {
	hs := conn.Handshake()
	p := &peer{conn: conn, relay: hs.Relay}

	s.mu.Lock()
	if _, ok := s.peers[conn.ID()]; ok {
		s.mu.Unlock()
		return
	}
	s.peers[conn.ID()] = p
	if len(s.peers) > s.maxPeers {
		s.maxPeers = len(s.peers)
		s.maxPeersAt = time.Now()
	}
	if hs.Relay {
		p.roomIDs = make(map[string]struct{})
		s.relays[conn.ID()] = p
		if len(s.relays) > s.maxRelays {
			s.maxRelays = len(s.relays)
			s.maxRelaysAt = time.Now()
		}
	} else {
		p.roomID = hs.RoomID
	}
	hub := s.hub
	changed, mode := s.recomputeDisplayModeLocked()
	s.mu.Unlock()

	if !hs.Relay && hs.RoomID != "" && hub != nil {
		hub.JoinRoom(conn.ID(), hs.RoomID)
	}
	if changed {
		s.announceDisplayMode(mode)
	}
}

// HandleDisconnect drops a peer connection. Subordinate-relay
// connections announce "matching" to every room they serviced, telling
// members their target is gone. Double-disconnect is a no-op.
func (s *Session) HandleDisconnect(conn transport.Conn) {
	s.mu.Lock()
	p, ok := s.peers[conn.ID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, conn.ID())

	var lostRooms []string
	if p.relay {
		delete(s.relays, conn.ID())
		for r := range p.roomIDs {
			lostRooms = append(lostRooms, r)
			if s.targets[r] == conn.ID() {
				delete(s.targets, r)
			}
		}
	}
	hub := s.hub
	room := p.roomID
	changed, mode := s.recomputeDisplayModeLocked()
	s.mu.Unlock()

	if hub != nil {
		if p.relay {
			for _, r := range lostRooms {
				hub.EmitToRoom(r, model.Message{
					"action": model.ActionMatching,
					"roomId": r,
				})
			}
		} else if room != "" {
			hub.LeaveRoom(conn.ID(), room)
		}
	}
	if changed {
		s.announceDisplayMode(mode)
	}
	s.status.Info(fmt.Sprintf("connection %s closed", conn.ID()))
}

// HandleMessage dispatches control events and routes everything else.
func (s *Session) HandleMessage(conn transport.Conn, msg model.Message) {
	switch msg.Action() {
	case model.ActionClaimTarget:
		s.onClaimTarget(conn, msg.RoomID())
	case model.ActionStats:
		s.onStats(conn, msg)
	default:
		s.Route(conn, msg, nil)
	}
}

// onClaimTarget records that a subordinate-relay connection now services
// roomID and announces "matched" to that room. Later claims overwrite
// earlier ones.
func (s *Session) onClaimTarget(conn transport.Conn, roomID string) {
	if roomID == "" {
		return
	}

	s.mu.Lock()
	p, ok := s.peers[conn.ID()]
	if !ok || !p.relay {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"conn":   conn.ID(),
			"roomId": roomID,
		}).Warn("Ignoring claim from non-relay connection")
		return
	}
	p.roomIDs[roomID] = struct{}{}
	s.targets[roomID] = conn.ID()
	hub := s.hub
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"conn":   conn.ID(),
		"roomId": roomID,
	}).Info("Room claimed by subordinate")
	if hub != nil {
		hub.EmitToRoom(roomID, model.Message{
			"action": model.ActionMatched,
			"roomId": roomID,
		})
	}
}

// recomputeDisplayModeLocked derives the display mode from the live
// subordinate-relay count. Callers hold s.mu; the returned mode is only
// announced when it changed, so no routing decision ever observes a
// half-updated count.
func (s *Session) recomputeDisplayModeLocked() (bool, DisplayMode) {
	mode := DisplayModeSingle
	if len(s.relays) > 0 {
		mode = DisplayModeMulti
	}
	if mode == s.mode {
		return false, mode
	}
	s.mode = mode
	return true, mode
}

// announceDisplayMode pushes a mode change to the local controller and
// every peer.
func (s *Session) announceDisplayMode(mode DisplayMode) {
	s.controller.NotifyDisplayMode(mode)

	msg := model.Message{
		"action": model.ActionDisplayMode,
		"mode":   string(mode),
	}
	s.mu.Lock()
	conns := make([]transport.Conn, 0, len(s.peers))
	for _, p := range s.peers {
		conns = append(conns, p.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			s.log.WithError(err).WithField("conn", c.ID()).Debug("Cannot announce display mode")
		}
	}
}
