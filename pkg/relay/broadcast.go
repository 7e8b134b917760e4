package relay

import (
	"github.com/pkg/errors"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

// statePacketMagic is the constant first byte of the 4-byte status
// envelope; the second and third bytes are always zero and only the
// fourth carries the state code.
const statePacketMagic = 0x01

// Hardware connection lifecycle states and their packet codes.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateLost         = "lost"
	StateDisconnected = "disconnected"
)

var stateCodes = map[string]byte{
	StateConnecting:   0x01,
	StateConnected:    0x02,
	StateLost:         0x03,
	StateDisconnected: 0x04,
}

// StatePacket returns the current 4-byte status envelope.
func (s *Session) StatePacket() [4]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState updates the status envelope for the given hardware connection
// lifecycle state and, if at least one peer is connected, pushes the
// packet to all relevant peers.
func (s *Session) SetState(name string) error {
	code, ok := stateCodes[name]
	if !ok {
		return errors.Errorf("unknown state: %q", name)
	}

	s.mu.Lock()
	s.state[3] = code
	packet := s.state
	active := len(s.peers)
	s.mu.Unlock()

	if active == 0 {
		return nil
	}
	s.Send(model.Message{
		"action": model.ActionState,
		"data":   packet[:],
	})
	return nil
}

// Send delivers msg per the current role. A lone subordinate has no room
// concept, only its uplink, and a hub without subordinates talks to its
// connections directly; in both cases every directly held connection
// gets the payload. A hub managing subordinates instead fans out to
// every room it is authoritative for.
func (s *Session) Send(msg model.Message) {
	s.mu.Lock()
	direct := s.role == RoleSubordinate || len(s.relays) == 0
	hub := s.hub
	var conns []transport.Conn
	var rooms []string
	if direct {
		for _, p := range s.peers {
			conns = append(conns, p.conn)
		}
	} else {
		for r := range s.masterRooms {
			rooms = append(rooms, r)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			s.log.WithError(err).WithField("conn", c.ID()).Debug("Cannot deliver payload")
		}
	}
	if hub != nil {
		for _, r := range rooms {
			hub.EmitToRoom(r, msg)
		}
	}
}
