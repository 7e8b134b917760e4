// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package model defines the wire envelope exchanged between relay peers.
package model

// Message is the JSON envelope passed between relay instances and
// controller front-ends. Payloads are opaque to the relay; only the
// control fields below are interpreted.
type Message map[string]interface{}

// Control actions carried in the envelope's "action" field.
// These are distinct named events on the same channel as data messages.
const (
	ActionClaimTarget = "claim_target"
	ActionMatched     = "matched"
	ActionMatching    = "matching"
	ActionDisplayMode = "display_mode"
	ActionInit        = "init"
	ActionState       = "state"
	ActionStats       = "stats"
	ActionError       = "error"
)

// Display modes carried in the envelope's "mode" field.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Str returns the value for key if it is a string, or "".
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Action returns the message's control action, or "" for plain data.
func (m Message) Action() string {
	return m.Str("action")
}

// Mode returns the display mode declared by the sender.
func (m Message) Mode() string {
	return m.Str("mode")
}

// RoomID returns the room the message is addressed to or originates from.
func (m Message) RoomID() string {
	return m.Str("roomId")
}

// Data returns the nested payload object, or nil if absent.
func (m Message) Data() Message {
	switch d := m["data"].(type) {
	case Message:
		return d
	case map[string]interface{}:
		return Message(d)
	}
	return nil
}

// Key returns the message's acknowledgment key. Messages without a key
// acknowledge with true.
func (m Message) Key() interface{} {
	if k, ok := m["key"]; ok {
		return k
	}
	return true
}

// ErrorMessage creates a message of type error with the given reason.
func ErrorMessage(reason string) Message {
	return Message{
		"action": ActionError,
		"reason": reason,
	}
}

// Handshake is the metadata a peer declares when its connection is
// established. Subordinate relays set Relay and claim their rooms
// afterwards; normal controller connections join exactly one room.
type Handshake struct {
	RoomID string `json:"roomId,omitempty"`
	Relay  bool   `json:"relay,omitempty"`
}
