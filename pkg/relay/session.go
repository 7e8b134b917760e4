// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package relay implements the connection/role manager at the heart of
// hwrelayd: the startup race that decides whether this process becomes
// the hub or a subordinate of an existing one, the failover that
// re-promotes a subordinate when its hub disappears, and the per-message
// routing between local controller sessions, peer rooms, and downstream
// subordinates.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

// Role is this process's position in the relay topology. It stays
// undetermined until the first transport-opening attempt completes.
type Role string

const (
	RoleUndetermined Role = ""
	RoleHub          Role = "hub"
	RoleSubordinate  Role = "subordinate"
)

// DisplayMode is the derived Single/Multi indicator upstream consumers
// use to tell whether any subordinate relay is attached.
type DisplayMode string

const (
	DisplayModeSingle DisplayMode = model.ModeSingle
	DisplayModeMulti  DisplayMode = model.ModeMulti
)

// DefaultReconnectBudget is the number of consecutive failed uplink
// (re)connects a subordinate tolerates before demoting itself.
const DefaultReconnectBudget = 3

// Session owns the relay's connection registry, room ownership tables,
// and role state for one process lifetime. All three are mutated only
// behind one mutex, so the routing decision always sees a consistent
// snapshot.
type Session struct {
	log        *logrus.Logger
	controller Controller
	opener     Opener
	status     StatusSink

	// Fetcher services "init" messages. Leaving it nil disables module
	// initialization.
	Fetcher ModuleFetcher

	// ReconnectBudget overrides DefaultReconnectBudget when positive.
	ReconnectBudget int

	// StatsPassword guards the stats control message. Empty disables stats.
	StatsPassword string

	mu          sync.Mutex
	role        Role
	mode        DisplayMode
	hub         Hub
	link        Link
	linkConn    *linkConn
	peers       map[string]*peer
	relays      map[string]*peer
	masterRooms map[string]struct{}
	targets     map[string]string // roomID -> subordinate-relay connection ID
	state       [4]byte

	startedAt   time.Time
	maxPeers    int
	maxPeersAt  time.Time
	maxRelays   int
	maxRelaysAt time.Time
	routedLocal uint64
	forwarded   uint64
	dropped     uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a relay session. The status sink may be nil, in
// which case notifications go to log.
func NewSession(log *logrus.Logger, controller Controller, opener Opener, status StatusSink) *Session {
	if status == nil {
		status = NewLogSink(log)
	}
	now := time.Now()
	return &Session{
		log:         log,
		controller:  controller,
		opener:      opener,
		status:      status,
		mode:        DisplayModeSingle,
		peers:       make(map[string]*peer),
		relays:      make(map[string]*peer),
		masterRooms: make(map[string]struct{}),
		targets:     make(map[string]string),
		state:       [4]byte{statePacketMagic, 0x00, 0x00, 0x00},
		startedAt:   now,
		maxPeersAt:  now,
		maxRelaysAt: now,
		done:        make(chan struct{}),
	}
}

// Role returns the session's current role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// DisplayMode returns the current derived display mode.
func (s *Session) DisplayMode() DisplayMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run owns the process's role for the session's lifetime: it races for
// the relay port, serves as hub on success, and otherwise runs as a
// subordinate of the existing hub until that hub disappears, at which
// point it demotes and races again. The rebind loop backs off
// exponentially so two demoted instances don't livelock fighting over
// the port. Run returns when ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	rebind := backoff.NewExponentialBackOff()
	rebind.InitialInterval = 500 * time.Millisecond
	rebind.MaxInterval = 30 * time.Second
	rebind.MaxElapsedTime = 0 // keep racing for the port for as long as we live

	for {
		hub, err := s.opener.Open(s)
		if err == nil {
			rebind.Reset()
			s.promote(hub)
			select {
			case <-ctx.Done():
				s.teardown()
				return ctx.Err()
			case <-s.done:
				return nil
			}
		}
		if !errors.Is(err, ErrHubRunning) {
			// Any bind failure means an existing hub; openers are expected
			// to map other failures too.
			s.log.WithError(err).Warn("Unexpected open error; treating as existing hub")
		}

		s.runSubordinate(ctx)

		if ctx.Err() != nil {
			s.teardown()
			return ctx.Err()
		}
		if s.isClosed() {
			return nil
		}

		wait := rebind.NextBackOff()
		s.log.WithField("wait", wait).Info("Retrying relay port ownership")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

// Close tears the session down: whichever transport handle is active is
// released and Run returns. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.teardown()
	})
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// promote makes this process the hub: it becomes authoritative for every
// locally known room and serves peers through hub.
func (s *Session) promote(hub Hub) {
	rooms := s.controller.RoomIDs()

	s.mu.Lock()
	s.role = RoleHub
	s.hub = hub
	for _, r := range rooms {
		if r != "" {
			s.masterRooms[r] = struct{}{}
		}
	}
	changed, mode := s.recomputeDisplayModeLocked()
	s.mu.Unlock()

	if changed {
		s.announceDisplayMode(mode)
	}
	s.log.WithField("rooms", rooms).Info("Promoted to hub")
	s.status.Info("relay is now the hub")
}

// runSubordinate links to the existing hub and relays for it until the
// link is deliberately dropped or the reconnect budget is exhausted,
// then demotes.
func (s *Session) runSubordinate(ctx context.Context) {
	s.mu.Lock()
	s.role = RoleSubordinate
	s.mu.Unlock()
	s.log.Info("Another hub owns the relay port; running as subordinate")

	budget := s.ReconnectBudget
	if budget <= 0 {
		budget = DefaultReconnectBudget
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		link, err := s.opener.Link(model.Handshake{Relay: true})
		if err != nil {
			attempts++
			s.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempts,
				"budget":  budget,
			}).Warn("Cannot reach hub")
			if attempts >= budget {
				s.demote()
				return
			}
			select {
			case <-time.After(retry.NextBackOff()):
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
			continue
		}

		attempts = 0
		retry.Reset()
		s.attachLink(link)
		dropped := s.serveLink(ctx, link)
		s.detachLink()

		if ctx.Err() != nil || s.isClosed() {
			return
		}
		if dropped {
			s.log.Info("Hub dropped the uplink")
			s.demote()
			return
		}
		// Link lost; reconnect attempts count against the budget.
	}
}

// attachLink registers the uplink in the connection list as a
// subordinate-relay connection and claims every locally known room with
// the hub. The subordinate stays authoritative for its own rooms.
func (s *Session) attachLink(link Link) {
	lc := &linkConn{id: uuid.NewString(), link: link}
	rooms := s.controller.RoomIDs()

	s.mu.Lock()
	s.link = link
	s.linkConn = lc
	for _, r := range rooms {
		if r != "" {
			s.masterRooms[r] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.HandleConnect(lc)

	for _, r := range rooms {
		if r == "" {
			continue
		}
		err := link.Send(model.Message{
			"action": model.ActionClaimTarget,
			"roomId": r,
		})
		if err != nil {
			s.log.WithError(err).WithField("roomId", r).Warn("Cannot claim room with hub")
		}
	}

	s.log.WithField("rooms", rooms).Info("Linked to hub")
	s.status.Info("relay linked to the hub")
}

// serveLink pumps hub messages into the router until the link goes down,
// reporting whether the hub dropped it deliberately.
func (s *Session) serveLink(ctx context.Context, link Link) bool {
	s.mu.Lock()
	lc := s.linkConn
	s.mu.Unlock()

	for {
		select {
		case msg, ok := <-link.Recv():
			if !ok {
				return link.Dropped()
			}
			s.HandleMessage(lc, msg)
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		}
	}
}

func (s *Session) detachLink() {
	s.mu.Lock()
	lc := s.linkConn
	link := s.link
	s.linkConn = nil
	s.link = nil
	s.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if lc != nil {
		s.HandleDisconnect(lc)
	}
}

// demote gives up the subordinate role so the caller can race for the
// port again. The display mode falls back to Single as the uplink leaves
// the registry.
func (s *Session) demote() {
	s.detachLink()

	s.mu.Lock()
	s.role = RoleUndetermined
	s.mu.Unlock()

	s.log.Info("Demoted")
	s.status.Warn("lost the hub; attempting to take over the relay port")
}

// teardown releases whichever transport handle is active.
func (s *Session) teardown() {
	s.detachLink()

	s.mu.Lock()
	hub := s.hub
	s.hub = nil
	s.role = RoleUndetermined
	s.mu.Unlock()

	if hub != nil {
		hub.Close()
	}
}

// linkConn adapts the uplink to the substrate's Conn, so the registry
// and router treat the hub link as one more subordinate-relay
// connection.
type linkConn struct {
	id   string
	link Link
}

func (c *linkConn) ID() string                 { return c.id }
func (c *linkConn) Handshake() model.Handshake { return model.Handshake{Relay: true} }
func (c *linkConn) Send(msg model.Message) error {
	return c.link.Send(msg)
}
func (c *linkConn) Close() error { return c.link.Close() }

var _ transport.Conn = (*linkConn)(nil)
