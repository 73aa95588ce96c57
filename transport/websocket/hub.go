package websocket

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/wricardo/collab-relay/collab/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer     = 256
	defaultMaxMessageSize = 64 * 1024
)

var (
	ErrConnClosed       = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	errRelayUnavailable = errors.New("relay unavailable")
)

// Relay receives connection lifecycle events and inbound frames.
type Relay interface {
	Connect(conn session.Conn) error
	Receive(conn session.Conn, raw []byte) error
	Disconnect(conn session.Conn) error
}

// Options configures a Hub.
type Options struct {
	// SendBuffer is the number of outbound frames queued per connection
	// before Send starts failing.
	SendBuffer int
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize int64
	// AllowedOrigins lists the Origin values accepted on upgrade. Empty or
	// "*" allows every origin.
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

// Hub upgrades HTTP requests to WebSocket connections and bridges them to
// the relay.
type Hub struct {
	relay    Relay
	upgrader websocket.Upgrader
	opts     Options
	log      logrus.FieldLogger
	wg       sync.WaitGroup
}

// NewHub creates a Hub that feeds relay.
func NewHub(relay Relay, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	h := &Hub{
		relay: relay,
		opts:  opts,
		log:   opts.Logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// originChecker accepts requests without an Origin header and those whose
// origin (or host) is listed.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(strings.TrimSuffix(o, "/"))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = true
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && set[strings.ToLower(u.Host)]
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	client.log = h.log.WithFields(logrus.Fields{
		"conn":   client.id,
		"remote": r.RemoteAddr,
	})

	if err := h.relay.Connect(client); err != nil {
		client.log.WithError(err).Warn("Relay refused connection")
		client.Close(websocket.CloseGoingAway, errRelayUnavailable.Error())
		client.writeClose()
		return
	}
	client.log.Debug("WebSocket connection opened")

	h.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// Wait blocks until every connection served by h has finished.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Client is one WebSocket connection. It implements session.Conn.
type Client struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan []byte
	log  logrus.FieldLogger

	closed    atomic.Bool
	closeOnce sync.Once
	closeMsg  []byte
	done      chan struct{}
}

var _ session.Conn = (*Client)(nil)

func (c *Client) ID() string { return c.id }

// Send queues payload for the write pump. It never blocks. A client that
// falls a full buffer behind is closed: it has missed frames and must rejoin
// to get a fresh roster.
func (c *Client) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("Send buffer full, closing slow client")
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame with code and reason and
// then drop the connection.
func (c *Client) Close(code int, reason string) error {
	c.shutdown(websocket.FormatCloseMessage(code, reason))
	return nil
}

func (c *Client) Closed() bool { return c.closed.Load() }

func (c *Client) shutdown(closeMsg []byte) {
	c.closeOnce.Do(func() {
		c.closeMsg = closeMsg
		c.closed.Store(true)
		close(c.done)
	})
}

// writeClose sends the pending close frame, if any, and closes the socket.
func (c *Client) writeClose() {
	if c.closeMsg != nil {
		deadline := time.Now().Add(writeWait)
		if err := c.conn.WriteControl(websocket.CloseMessage, c.closeMsg, deadline); err != nil {
			c.log.WithError(err).Debug("Failed to write close frame")
		}
	}
	c.conn.Close()
}

// readPump pumps frames from the WebSocket connection to the relay.
func (c *Client) readPump() {
	defer func() {
		c.shutdown(nil)
		if err := c.hub.relay.Disconnect(c); err != nil {
			c.log.WithError(err).Debug("Relay did not take disconnect")
		}
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithError(err).Warn("WebSocket error")
			} else {
				c.log.WithError(err).Debug("WebSocket connection closed")
			}
			return
		}
		if kind != websocket.TextMessage {
			c.log.WithField("type", kind).Warn("Ignoring non-text frame")
			continue
		}
		if err := c.hub.relay.Receive(c, message); err != nil {
			c.log.WithError(err).Warn("Relay did not take frame")
			return
		}
	}
}

// writePump pumps frames from the relay to the WebSocket connection. Each
// frame is written as its own text message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.wg.Done()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Debug("Write failed")
				c.shutdown(nil)
				c.conn.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(nil)
				c.conn.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.writeClose()
			return
		}
	}
}

// flush writes frames queued before the connection was closed.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
