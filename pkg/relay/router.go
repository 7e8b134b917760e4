// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

// Route is the single per-message decision point for inbound application
// messages. Given the current role, registry, and room ownership tables,
// it dispatches locally, fans out to the rooms a subordinate services,
// forwards to the subordinate that claimed the originating room, or
// drops the message when no route exists.
//
// The decision is a pure function of registry state at call time and
// never blocks on network I/O; module fetches triggered by "init" run on
// their own goroutine. If ack is non-nil it is invoked with the
// message's key once the decision (not delivery) is made.
func (s *Session) Route(conn transport.Conn, msg model.Message, ack func(key interface{})) {
	if ack != nil {
		defer func() { ack(msg.Key()) }()
	}

	if msg.Action() == model.ActionInit {
		s.startFetch(msg)
	}

	s.mu.Lock()
	room := msg.RoomID()
	var isRelay bool
	var fanout []string
	if p, ok := s.peers[conn.ID()]; ok {
		isRelay = p.relay
		if !p.relay && p.roomID != "" {
			room = p.roomID
		}
		if p.relay {
			for r := range p.roomIDs {
				fanout = append(fanout, r)
			}
		}
	}
	_, authoritative := s.masterRooms[room]
	local := msg.Mode() == model.ModeSingle || authoritative

	var target transport.Conn
	if !local && !isRelay {
		if id, ok := s.targets[room]; ok {
			if tp, live := s.relays[id]; live {
				target = tp.conn
			}
		}
	}
	hub := s.hub

	switch {
	case local:
		s.routedLocal++
	case isRelay && len(fanout) > 0, target != nil:
		s.forwarded++
	default:
		s.dropped++
	}
	s.mu.Unlock()

	switch {
	case local:
		s.controller.HandleServerData(msg)
	case isRelay && len(fanout) > 0:
		// Fan out to whichever room(s) this subordinate services.
		if hub != nil {
			for _, r := range fanout {
				hub.EmitToRoom(r, msg, conn.ID())
			}
		}
	case target != nil:
		if err := target.Send(msg); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"conn":   conn.ID(),
				"roomId": room,
			}).Warn("Cannot forward to subordinate")
		}
	default:
		// No route available. Not an error.
		s.log.WithFields(logrus.Fields{
			"conn":   conn.ID(),
			"roomId": room,
			"mode":   msg.Mode(),
		}).Debug("No route for message; dropping")
	}
}

// startFetch kicks off module initialization for an "init" message.
// Routing continues independent of the fetch outcome.
func (s *Session) startFetch(msg model.Message) {
	name := msg.Data().Str("module")
	fetcher := s.Fetcher
	if fetcher == nil {
		s.log.WithField("module", name).Warn("No module fetcher configured; ignoring init")
		return
	}
	go func() {
		if err := fetcher.Fetch(context.Background(), name); err != nil {
			s.log.WithError(err).WithField("module", name).Error("Module fetch failed")
			s.status.Error("module initialization failed: " + err.Error())
		}
	}()
}
