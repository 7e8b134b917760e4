// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package transport implements the relay's pub/sub substrate: a
// room-capable WebSocket server bound to the shared relay port, and an
// uplink dialer used by subordinate instances to reach the hub.
//
// One HTTP server owns the port, so plain HTTP(S) requests and the relay
// protocol share the same well-known endpoint.
package transport

import (
	"github.com/pkg/errors"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

// ErrConnClosed is returned when sending on a connection that has
// already been torn down.
var ErrConnClosed = errors.New("connection closed")

// ErrSlowConsumer is returned when a connection's send queue is full.
// The message is dropped rather than blocking the caller.
var ErrSlowConsumer = errors.New("send queue full")

// Conn is a single peer connection held by the substrate.
type Conn interface {
	// ID is the connection's opaque identity, unique per process.
	ID() string
	// Handshake returns the metadata the peer declared on connect.
	Handshake() model.Handshake
	// Send queues a message for delivery to the peer.
	Send(msg model.Message) error
	// Close tears the connection down. Close is idempotent.
	Close() error
}

// Handler receives substrate events. Events for a single connection are
// delivered in arrival order from that connection's read loop; no
// ordering holds across connections.
type Handler interface {
	HandleConnect(conn Conn)
	HandleMessage(conn Conn, msg model.Message)
	HandleDisconnect(conn Conn)
}
