package relay

import (
	"reflect"
	"testing"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

func TestSetStateUpdatesPacket(t *testing.T) {
	cases := []struct {
		state string
		want  [4]byte
	}{
		{StateConnecting, [4]byte{0x01, 0x00, 0x00, 0x01}},
		{StateConnected, [4]byte{0x01, 0x00, 0x00, 0x02}},
		{StateLost, [4]byte{0x01, 0x00, 0x00, 0x03}},
		{StateDisconnected, [4]byte{0x01, 0x00, 0x00, 0x04}},
	}

	s := newHubSession(nil, newFakeHub())
	for _, c := range cases {
		if err := s.SetState(c.state); err != nil {
			t.Fatalf("SetState(%q): %v", c.state, err)
		}
		if got := s.StatePacket(); got != c.want {
			t.Errorf("SetState(%q): packet = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestSetStateUnknownName(t *testing.T) {
	s := newHubSession(nil, newFakeHub())
	if err := s.SetState("rebooting"); err == nil {
		t.Error("unknown state accepted")
	}
}

func TestSetStateSkipsSendWithoutPeers(t *testing.T) {
	hub := newFakeHub()
	s := newHubSession(nil, hub, "r1")

	if err := s.SetState(StateConnected); err != nil {
		t.Fatal(err)
	}

	hub.mu.Lock()
	sent := len(hub.roomMsgs["r1"]) + len(hub.broadcasts)
	hub.mu.Unlock()
	if sent != 0 {
		t.Errorf("state pushed with no peers connected (%d messages)", sent)
	}
}

func TestSendDirectWithoutRelays(t *testing.T) {
	hub := newFakeHub()
	s := newHubSession(nil, hub, "r1")

	a := &fakeConn{id: "ctl-1", hs: model.Handshake{RoomID: "r1"}}
	b := &fakeConn{id: "ctl-2", hs: model.Handshake{RoomID: "r2"}}
	s.HandleConnect(a)
	s.HandleConnect(b)

	if err := s.SetState(StateLost); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*fakeConn{a, b} {
		if !hasStatePacket(c.messages(), [4]byte{0x01, 0x00, 0x00, 0x03}) {
			t.Errorf("conn %s never received the state packet: %v", c.id, c.messages())
		}
	}
	hub.mu.Lock()
	viaRooms := len(hub.roomMsgs["r1"])
	hub.mu.Unlock()
	if viaRooms != 0 {
		t.Error("hub without subordinates must deliver directly, not per room")
	}
}

func TestSendFansOutPerMasterRoomWithRelays(t *testing.T) {
	hub := newFakeHub()
	s := newHubSession(nil, hub, "r1", "r4")

	sub := &fakeConn{id: "sub-1", hs: model.Handshake{Relay: true}}
	s.HandleConnect(sub)

	if err := s.SetState(StateConnected); err != nil {
		t.Fatal(err)
	}

	for _, room := range []string{"r1", "r4"} {
		msgs := hub.roomMessages(room)
		var seen bool
		for _, m := range msgs {
			if m.Action() == model.ActionState {
				seen = true
			}
		}
		if !seen {
			t.Errorf("room %s never received the state packet", room)
		}
	}
	// Display-mode announcements still reach the relay directly, but the
	// state packet itself must not.
	if hasStatePacket(sub.messages(), [4]byte{0x01, 0x00, 0x00, 0x02}) {
		t.Error("hub with subordinates must fan out per room, not per connection")
	}
}

func hasStatePacket(msgs []model.Message, want [4]byte) bool {
	for _, m := range msgs {
		if m.Action() != model.ActionState {
			continue
		}
		if data, ok := m["data"].([]byte); ok && reflect.DeepEqual(data, want[:]) {
			return true
		}
	}
	return false
}
