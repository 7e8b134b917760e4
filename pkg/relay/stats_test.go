package relay

import (
	"testing"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

func TestStatsDisabledWithoutPassword(t *testing.T) {
	s := newHubSession(nil, newFakeHub())

	conn := &fakeConn{id: "stats-1"}
	s.HandleConnect(conn)
	s.HandleMessage(conn, model.Message{"action": model.ActionStats})

	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Action() != model.ActionError {
		t.Fatalf("stats reply = %v, want a single error", msgs)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("stats connection left open")
	}
}

func TestStatsReportsSessionState(t *testing.T) {
	s := newHubSession(nil, newFakeHub(), "r1", "r2")
	s.StatsPassword = "hunter2"

	sub := &fakeConn{id: "sub-1", hs: model.Handshake{Relay: true}}
	s.HandleConnect(sub)
	s.HandleMessage(sub, claimMessage("r3"))

	conn := &fakeConn{id: "stats-1"}
	s.HandleConnect(conn)
	s.HandleMessage(conn, model.Message{
		"action":   model.ActionStats,
		"password": "hunter2",
	})

	msgs := conn.messages()
	var reply model.Message
	for _, m := range msgs {
		if m.Action() == model.ActionStats {
			reply = m
		}
	}
	if reply == nil {
		t.Fatalf("no stats reply in %v", msgs)
	}
	stats, ok := reply["stats"].(Stats)
	if !ok {
		t.Fatalf("stats payload has type %T", reply["stats"])
	}
	if stats.Role != RoleHub {
		t.Errorf("role = %q, want hub", stats.Role)
	}
	if stats.NumRelays != 1 {
		t.Errorf("relays = %d, want 1", stats.NumRelays)
	}
	if stats.NumConns != 2 {
		t.Errorf("conns = %d, want 2", stats.NumConns)
	}
	want := []string{"r1", "r2"}
	if len(stats.MasterRooms) != len(want) || stats.MasterRooms[0] != "r1" || stats.MasterRooms[1] != "r2" {
		t.Errorf("master rooms = %v, want %v", stats.MasterRooms, want)
	}
}
