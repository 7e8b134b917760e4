package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hwrelayd/hwrelayd/pkg/model"
)

const dialTimeout = 10 * time.Second

// Uplink is a subordinate instance's single link to the hub that owns
// the relay port. All of the subordinate's rooms are multiplexed over it.
type Uplink struct {
	log  *logrus.Logger
	ws   *websocket.Conn
	recv chan model.Message

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dropped bool
}

// DialUplink connects to the hub at urlStr, declares hs as the link's
// handshake metadata, and starts receiving. When tlsConfig is non-nil
// the dial uses it; the hub on a LAN typically runs a self-issued
// certificate, so callers set InsecureSkipVerify as policy dictates.
func DialUplink(ctx context.Context, urlStr string, hs model.Handshake, tlsConfig *tls.Config, log *logrus.Logger) (*Uplink, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var opts *websocket.DialOptions
	if tlsConfig != nil {
		opts = &websocket.DialOptions{
			HTTPClient: &http.Client{
				Transport: &http.Transport{TLSClientConfig: tlsConfig},
				Timeout:   dialTimeout,
			},
		}
	}
	ws, _, err := websocket.Dial(dctx, urlStr, opts)
	if err != nil {
		return nil, errors.Wrap(err, "dial hub")
	}
	if err := wsjson.Write(dctx, ws, hs); err != nil {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, errors.Wrap(err, "send handshake")
	}

	u := &Uplink{
		log:  log,
		ws:   ws,
		recv: make(chan model.Message),
		done: make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

// Send delivers msg to the hub.
func (u *Uplink) Send(msg model.Message) error {
	select {
	case <-u.done:
		return ErrConnClosed
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return errors.Wrap(wsjson.Write(ctx, u.ws, msg), "send to hub")
}

// Recv returns the channel of messages arriving from the hub. It is
// closed when the link goes down.
func (u *Uplink) Recv() <-chan model.Message {
	return u.recv
}

// Dropped reports whether the hub deliberately closed the link, as
// opposed to the link failing. A deliberate drop demotes the
// subordinate immediately instead of burning reconnect attempts.
func (u *Uplink) Dropped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dropped
}

// Close tears the link down. Close is idempotent.
func (u *Uplink) Close() error {
	u.closeOnce.Do(func() {
		close(u.done)
		u.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (u *Uplink) readLoop() {
	defer close(u.recv)
	for {
		var msg model.Message
		if err := wsjson.Read(context.Background(), u.ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				u.mu.Lock()
				u.dropped = true
				u.mu.Unlock()
			} else if !u.isClosed() {
				u.log.WithError(err).Debug("Uplink read error")
			}
			u.Close()
			return
		}
		if msg == nil {
			continue
		}
		select {
		case u.recv <- msg:
		case <-u.done:
			return
		}
	}
}

func (u *Uplink) isClosed() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}
