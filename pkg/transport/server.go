// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

const (
	// RelayPath is the WebSocket endpoint on the shared port.
	RelayPath = "/relay"

	sendBuffSize     = 64 // per-connection send queue
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Listen binds the shared relay port. When tlsConfig is non-nil the
// listener speaks TLS, otherwise plaintext. A bind error usually means
// another relay instance already owns the port; the caller decides what
// to make of it.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		l, err := tls.Listen("tcp", addr, tlsConfig)
		return l, errors.Wrap(err, "listen tls")
	}
	l, err := net.Listen("tcp", addr)
	return l, errors.Wrap(err, "listen")
}

// Server accepts peer connections on the relay endpoint and tracks room
// membership. It is the hub-side broadcaster: messages can be emitted to
// a single connection, to every member of a room, or to all peers.
type Server struct {
	log     *logrus.Logger
	handler Handler

	mu     sync.RWMutex
	conns  map[string]*serverConn
	rooms  map[string]map[string]*serverConn
	closed bool

	httpSrv *http.Server
}

// NewServer creates a Server delivering substrate events to handler.
func NewServer(log *logrus.Logger, handler Handler) *Server {
	return &Server{
		log:     log,
		handler: handler,
		conns:   make(map[string]*serverConn),
		rooms:   make(map[string]map[string]*serverConn),
	}
}

// Serve accepts connections on l until the server is closed. Non-relay
// HTTP requests on the shared port get a plain 404.
func (s *Server) Serve(l net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(RelayPath, s.serveRelay)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnClosed
	}
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	err := s.httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "serve relay endpoint")
}

// Close stops accepting connections and tears down every peer.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	httpSrv := s.httpSrv
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if httpSrv != nil {
		return httpSrv.Close()
	}
	return nil
}

func (s *Server) serveRelay(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Controller front-ends connect from LAN devices, not browsers
		// with a shared origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.WithError(err).Error("Error accepting connection")
		return
	}

	ctx := r.Context()

	// The first frame a peer sends declares its handshake metadata.
	var hs model.Handshake
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err = wsjson.Read(hsCtx, ws, &hs)
	cancel()
	if err != nil {
		s.log.WithError(err).Warn("Peer never completed handshake")
		ws.Close(websocket.StatusProtocolError, "handshake required")
		return
	}

	conn := &serverConn{
		id:   uuid.NewString(),
		hs:   hs,
		ws:   ws,
		send: make(chan model.Message, sendBuffSize),
		done: make(chan struct{}),
	}

	if !s.addConn(conn) {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.log.WithFields(logrus.Fields{
		"conn":   conn.id,
		"relay":  hs.Relay,
		"roomId": hs.RoomID,
	}).Info("Peer connected")
	s.handler.HandleConnect(conn)

	// Both pumps live and die together; when either exits the group
	// context cancels the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.writePump(gctx, s.log) })
	g.Go(func() error { return s.readLoop(gctx, conn) })
	g.Wait()

	s.removeConn(conn)
	conn.Close()
	s.handler.HandleDisconnect(conn)
	s.log.WithField("conn", conn.id).Info("Peer disconnected")
}

// readLoop delivers inbound messages in arrival order, one connection
// per goroutine.
func (s *Server) readLoop(ctx context.Context, conn *serverConn) error {
	for {
		var msg model.Message
		if err := wsjson.Read(ctx, conn.ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !conn.isClosed() {
				s.log.WithError(err).WithField("conn", conn.id).Debug("Read error")
			}
			return err
		}
		if msg == nil {
			continue
		}
		s.handler.HandleMessage(conn, msg)
	}
}

func (s *Server) addConn(conn *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn.id] = conn
	return true
}

func (s *Server) removeConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.id)
	for name, members := range s.rooms {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(s.rooms, name)
		}
	}
}

// JoinRoom adds a connection to a room, creating the room if needed.
func (s *Server) JoinRoom(connID, room string) {
	if room == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connID]
	if !ok {
		return
	}
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]*serverConn)
		s.rooms[room] = members
	}
	members[connID] = conn
}

// LeaveRoom removes a connection from a room, destroying the room when
// it empties.
func (s *Server) LeaveRoom(connID, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

// EmitToRoom delivers msg to every member of room, skipping the
// connection IDs in exclude.
func (s *Server) EmitToRoom(room string, msg model.Message, exclude ...string) {
	s.mu.RLock()
	targets := make([]*serverConn, 0, len(s.rooms[room]))
	for id, conn := range s.rooms[room] {
		if contains(exclude, id) {
			continue
		}
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			s.log.WithError(err).WithField("conn", conn.id).Warn("Dropping room message")
		}
	}
}

// EmitToConn delivers msg to a single connection.
func (s *Server) EmitToConn(connID string, msg model.Message) error {
	s.mu.RLock()
	conn, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return errors.Errorf("no such connection: %s", connID)
	}
	return conn.Send(msg)
}

// Broadcast delivers msg to every directly held connection, skipping
// the connection IDs in exclude.
func (s *Server) Broadcast(msg model.Message, exclude ...string) {
	s.mu.RLock()
	targets := make([]*serverConn, 0, len(s.conns))
	for id, conn := range s.conns {
		if contains(exclude, id) {
			continue
		}
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			s.log.WithError(err).WithField("conn", conn.id).Warn("Dropping broadcast message")
		}
	}
}

// NumConns returns the number of live connections.
func (s *Server) NumConns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// serverConn is one accepted peer. Writes go through a buffered queue
// drained by writePump so no caller ever blocks on peer I/O.
type serverConn struct {
	id   string
	hs   model.Handshake
	ws   *websocket.Conn
	send chan model.Message

	done      chan struct{}
	closeOnce sync.Once
}

func (c *serverConn) ID() string                 { return c.id }
func (c *serverConn) Handshake() model.Handshake { return c.hs }

func (c *serverConn) Send(msg model.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *serverConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *serverConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *serverConn) writePump(ctx context.Context, log *logrus.Logger) error {
	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, msg)
			cancel()
			if err != nil {
				log.WithError(err).WithField("conn", c.id).Debug("Write error")
				c.Close()
				return err
			}
		}
	}
}
