package relay

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

// recordingController records every call the relay makes upward.
type recordingController struct {
	mu         sync.Mutex
	rooms      []string
	serverData []model.Message
	modes      []DisplayMode
	states     []string
	scans      []model.Message
}

func (c *recordingController) HandleServerData(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverData = append(c.serverData, msg)
}

func (c *recordingController) NotifyDisplayMode(mode DisplayMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes = append(c.modes, mode)
}

func (c *recordingController) SendState(kind string, config model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, kind)
}

func (c *recordingController) StartScan(config model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scans = append(c.scans, config)
}

func (c *recordingController) RoomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms
}

func (c *recordingController) numServerData() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.serverData)
}

func (c *recordingController) allModes() []DisplayMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DisplayMode(nil), c.modes...)
}

// fakeConn is an in-memory peer connection.
type fakeConn struct {
	id string
	hs model.Handshake

	mu     sync.Mutex
	sent   []model.Message
	closed bool
}

func (c *fakeConn) ID() string                 { return c.id }
func (c *fakeConn) Handshake() model.Handshake { return c.hs }

func (c *fakeConn) Send(msg model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.sent...)
}

var _ transport.Conn = (*fakeConn)(nil)

// fakeHub records hub-side broadcasts.
type fakeHub struct {
	mu         sync.Mutex
	roomMsgs   map[string][]model.Message
	broadcasts []model.Message
	joined     map[string][]string // connID -> rooms
	closed     bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		roomMsgs: make(map[string][]model.Message),
		joined:   make(map[string][]string),
	}
}

func (h *fakeHub) JoinRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined[connID] = append(h.joined[connID], room)
}

func (h *fakeHub) LeaveRoom(connID, room string) {}

func (h *fakeHub) EmitToRoom(room string, msg model.Message, exclude ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomMsgs[room] = append(h.roomMsgs[room], msg)
}

func (h *fakeHub) EmitToConn(connID string, msg model.Message) error { return nil }

func (h *fakeHub) Broadcast(msg model.Message, exclude ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, msg)
}

func (h *fakeHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHub) roomMessages(room string) []model.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Message(nil), h.roomMsgs[room]...)
}

var _ Hub = (*fakeHub)(nil)

// fakeLink is an in-memory uplink.
type fakeLink struct {
	recv chan model.Message

	mu      sync.Mutex
	sent    []model.Message
	dropped bool

	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{recv: make(chan model.Message, 16)}
}

func (l *fakeLink) Send(msg model.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) Recv() <-chan model.Message { return l.recv }

func (l *fakeLink) Dropped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.recv) })
	return nil
}

// drop simulates the hub deliberately closing the link.
func (l *fakeLink) drop() {
	l.mu.Lock()
	l.dropped = true
	l.mu.Unlock()
	l.Close()
}

// lose simulates the link failing.
func (l *fakeLink) lose() {
	l.Close()
}

func (l *fakeLink) messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Message(nil), l.sent...)
}

var _ Link = (*fakeLink)(nil)

// scriptedOpener scripts the outcome of each open/link attempt by call
// number, starting at 1.
type scriptedOpener struct {
	mu        sync.Mutex
	openCalls int
	linkCalls int
	open      func(call int) (Hub, error)
	link      func(call int) (Link, error)
}

func (o *scriptedOpener) Open(h transport.Handler) (Hub, error) {
	o.mu.Lock()
	o.openCalls++
	n := o.openCalls
	o.mu.Unlock()
	return o.open(n)
}

func (o *scriptedOpener) Link(hs model.Handshake) (Link, error) {
	o.mu.Lock()
	o.linkCalls++
	n := o.linkCalls
	o.mu.Unlock()
	return o.link(n)
}

func (o *scriptedOpener) numLinkCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.linkCalls
}

var _ Opener = (*scriptedOpener)(nil)

// newHubSession returns a session already promoted to hub, bypassing the
// opener, so registry and routing behavior can be exercised directly.
func newHubSession(controller Controller, hub Hub, masterRooms ...string) *Session {
	if controller == nil {
		controller = &recordingController{}
	}
	s := NewSession(testLogger(), controller, nil, nil)
	s.mu.Lock()
	s.role = RoleHub
	s.hub = hub
	for _, r := range masterRooms {
		s.masterRooms[r] = struct{}{}
	}
	s.mu.Unlock()
	return s
}
