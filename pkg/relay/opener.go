// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

// ErrHubRunning is returned by an Opener when the relay port is already
// owned by another instance. It is not a failure; it drives the
// subordinate transition.
var ErrHubRunning = errors.New("another relay instance owns the port")

// Hub is the room-capable broadcast side held by a promoted session.
// *transport.Server is the production implementation.
type Hub interface {
	JoinRoom(connID, room string)
	LeaveRoom(connID, room string)
	EmitToRoom(room string, msg model.Message, exclude ...string)
	EmitToConn(connID string, msg model.Message) error
	Broadcast(msg model.Message, exclude ...string)
	Close() error
}

// Link is a subordinate's uplink to the hub. *transport.Uplink is the
// production implementation.
type Link interface {
	Send(msg model.Message) error
	Recv() <-chan model.Message
	// Dropped reports whether the hub deliberately closed the link.
	Dropped() bool
	Close() error
}

// Opener decides which side of the startup race this process lands on.
// Open binding the port means promotion; ErrHubRunning means an existing
// hub owns it and Link reaches that hub instead. Tests inject either
// outcome without opening real sockets.
type Opener interface {
	Open(h transport.Handler) (Hub, error)
	Link(hs model.Handshake) (Link, error)
}

// PortOpener is the production Opener: it races for the fixed relay
// port and treats any bind failure as evidence of an existing hub. The
// bind error's reason is deliberately not inspected.
type PortOpener struct {
	// Port is the well-known relay port shared by every instance.
	Port int

	// TLSConfig optionally enables TLS on the shared port. When set,
	// uplinks dial wss and skip verification, since a LAN hub runs a
	// self-issued bundle.
	TLSConfig *tls.Config

	Log *logrus.Logger
}

// Open attempts to bind the relay port and, on success, starts serving
// peers into h.
func (o *PortOpener) Open(h transport.Handler) (Hub, error) {
	l, err := transport.Listen(fmt.Sprintf(":%d", o.Port), o.TLSConfig)
	if err != nil {
		o.Log.WithError(err).Debug("Bind failed; assuming a hub is already running")
		return nil, ErrHubRunning
	}

	srv := transport.NewServer(o.Log, h)
	go func() {
		if err := srv.Serve(l); err != nil {
			o.Log.WithError(err).Error("Relay endpoint stopped")
		}
	}()

	o.Log.WithFields(logrus.Fields{
		"port":        o.Port,
		"tls_enabled": o.TLSConfig != nil,
	}).Info("Listening for incoming connections")
	return srv, nil
}

// Link connects to the hub at the well-known local address.
func (o *PortOpener) Link(hs model.Handshake) (Link, error) {
	scheme := "ws"
	var tlsConfig *tls.Config
	if o.TLSConfig != nil {
		scheme = "wss"
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	urlStr := fmt.Sprintf("%s://127.0.0.1:%d%s", scheme, o.Port, transport.RelayPath)
	return transport.DialUplink(context.Background(), urlStr, hs, tlsConfig, o.Log)
}
