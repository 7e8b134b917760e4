// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"sort"
	"time"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

// Stats contains summary information about a running relay session.
type Stats struct {
	Uptime      time.Duration `json:"uptime"`
	Role        Role          `json:"role"`
	DisplayMode DisplayMode   `json:"display_mode"`
	NumConns    int           `json:"num_conns"`
	MaxConns    int           `json:"max_conns"`
	MaxConnsAt  time.Time     `json:"max_conns_at"`
	NumRelays   int           `json:"num_relays"`
	MaxRelays   int           `json:"max_relays"`
	MaxRelaysAt time.Time     `json:"max_relays_at"`
	MasterRooms []string      `json:"master_rooms"`
	RoutedLocal uint64        `json:"routed_local"`
	Forwarded   uint64        `json:"forwarded"`
	Dropped     uint64        `json:"dropped"`
}

// Stats gets stats for this session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.masterRooms))
	for r := range s.masterRooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)

	return Stats{
		Uptime:      time.Since(s.startedAt),
		Role:        s.role,
		DisplayMode: s.mode,
		NumConns:    len(s.peers),
		MaxConns:    s.maxPeers,
		MaxConnsAt:  s.maxPeersAt,
		NumRelays:   len(s.relays),
		MaxRelays:   s.maxRelays,
		MaxRelaysAt: s.maxRelaysAt,
		MasterRooms: rooms,
		RoutedLocal: s.routedLocal,
		Forwarded:   s.forwarded,
		Dropped:     s.dropped,
	}
}

// onStats answers a stats control message. The requesting peer is
// disconnected once the request completes, whichever way it goes.
func (s *Session) onStats(conn transport.Conn, msg model.Message) {
	if s.StatsPassword == "" {
		conn.Send(model.ErrorMessage("stats are disabled"))
		conn.Close()
		return
	}
	if msg.Str("password") != s.StatsPassword {
		time.Sleep(5 * time.Second) // Slow down brute forcing
		conn.Send(model.ErrorMessage("wrong password"))
		conn.Close()
		return
	}

	conn.Send(model.Message{
		"action": model.ActionStats,
		"stats":  s.Stats(),
	})
	conn.Close()
}
