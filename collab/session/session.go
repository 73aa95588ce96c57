package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/wricardo/collab-relay/collab/protocol"
)

var (
	ErrClosed            = errors.New("session is closed")
	ErrAlreadySubscribed = errors.New("session is already subscribed")
	ErrAuthPending       = errors.New("session already has a pending authentication")
	ErrNotSubscribed     = errors.New("session is not subscribed")
	ErrStaleAttempt      = errors.New("authentication attempt is no longer current")
	ErrAlreadyLocked     = errors.New("element is already locked by this session")
	ErrNotLocked         = errors.New("element is not locked by this session")
)

// State is the lifecycle state of a Session.
type State int

const (
	Unsubscribed State = iota
	AuthPending
	Subscribed
	Closed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case AuthPending:
		return "auth_pending"
	case Subscribed:
		return "subscribed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the transport connection behind a Session.
type Conn interface {
	// ID uniquely identifies the connection for the life of the process.
	ID() string
	// Send queues a text frame for delivery.
	Send(payload []byte) error
	// Close terminates the connection with a close code.
	Close(code int, reason string) error
	// Closed reports whether the transport has already gone away.
	Closed() bool
}

// Client is the view of a subscribed session shared with the other members of
// its room.
type Client struct {
	Username       string   `json:"username"`
	WindowID       string   `json:"windowId"`
	Room           string   `json:"room"`
	LockedElements []string `json:"lockedElements"`
}

func (c *Client) clone() Client {
	out := *c
	out.LockedElements = append(make([]string, 0, len(c.LockedElements)), c.LockedElements...)
	return out
}

// PendingAuth correlates an outstanding token check with the subscribe frame
// that triggered it.
type PendingAuth struct {
	Attempt uint64
	Request *protocol.SubscribeRequest
	Frame   *protocol.Frame
	Started time.Time
}

// Session is the server-side state of one client connection.
type Session struct {
	conn     Conn
	state    State
	client   *Client
	pending  *PendingAuth
	attempts uint64

	OpenedAt   time.Time
	JoinedAt   time.Time
	LastActive time.Time
}

// New creates an Unsubscribed session for conn.
func New(conn Conn) *Session {
	now := time.Now()
	return &Session{
		conn:       conn,
		state:      Unsubscribed,
		OpenedAt:   now,
		LastActive: now,
	}
}

// Conn returns the transport connection.
func (s *Session) Conn() Conn { return s.conn }

// ID returns the connection id.
func (s *Session) ID() string { return s.conn.ID() }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Room returns the room the session belongs to, or "" when not subscribed.
func (s *Session) Room() string {
	if s.state != Subscribed || s.client == nil {
		return ""
	}
	return s.client.Room
}

// Client returns a copy of the shared view of the session. ok is false unless
// the session is subscribed.
func (s *Session) Client() (client Client, ok bool) {
	if s.state != Subscribed || s.client == nil {
		return Client{}, false
	}
	return s.client.clone(), true
}

// Pending returns the outstanding authentication for attempt, if it is still
// the current one.
func (s *Session) Pending(attempt uint64) (*PendingAuth, bool) {
	if s.state != AuthPending || s.pending == nil || s.pending.Attempt != attempt {
		return nil, false
	}
	return s.pending, true
}

// BeginAuth moves an Unsubscribed session to AuthPending and returns the
// pending record to resolve later.
func (s *Session) BeginAuth(req *protocol.SubscribeRequest, frame *protocol.Frame) (*PendingAuth, error) {
	switch s.state {
	case Closed:
		return nil, ErrClosed
	case AuthPending:
		return nil, ErrAuthPending
	case Subscribed:
		return nil, ErrAlreadySubscribed
	}

	s.attempts++
	s.pending = &PendingAuth{
		Attempt: s.attempts,
		Request: req,
		Frame:   frame,
		Started: time.Now(),
	}
	s.state = AuthPending
	return s.pending, nil
}

// Admit completes a successful authentication and returns the new Client with
// no locked elements.
func (s *Session) Admit(attempt uint64) (Client, error) {
	p, ok := s.Pending(attempt)
	if !ok {
		return Client{}, s.staleErr()
	}

	s.client = &Client{
		Username:       p.Request.User.Username,
		WindowID:       p.Request.WindowID,
		Room:           p.Request.Room,
		LockedElements: []string{},
	}
	s.pending = nil
	s.state = Subscribed
	s.JoinedAt = time.Now()
	return s.client.clone(), nil
}

// Reject abandons a failed authentication and returns the session to
// Unsubscribed.
func (s *Session) Reject(attempt uint64) error {
	if _, ok := s.Pending(attempt); !ok {
		return s.staleErr()
	}
	s.pending = nil
	s.state = Unsubscribed
	return nil
}

// CancelAuth drops any outstanding authentication. It reports whether there was
// one.
func (s *Session) CancelAuth() bool {
	if s.state != AuthPending {
		return false
	}
	s.pending = nil
	s.state = Unsubscribed
	return true
}

// Lock records that the session is editing key.
func (s *Session) Lock(key string) error {
	if s.state != Subscribed {
		return ErrNotSubscribed
	}
	for _, k := range s.client.LockedElements {
		if k == key {
			return fmt.Errorf("%w: %q", ErrAlreadyLocked, key)
		}
	}
	s.client.LockedElements = append(s.client.LockedElements, key)
	return nil
}

// Release removes the first occurrence of key from the locked elements.
func (s *Session) Release(key string) error {
	if s.state != Subscribed {
		return ErrNotSubscribed
	}
	locked := s.client.LockedElements
	for i, k := range locked {
		if k == key {
			s.client.LockedElements = append(locked[:i], locked[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotLocked, key)
}

// Leave takes a Subscribed session out of its room. The departing Client is
// returned so peers can be told which locks went with it.
func (s *Session) Leave() (Client, error) {
	if s.state != Subscribed || s.client == nil {
		return Client{}, ErrNotSubscribed
	}
	departing := s.client.clone()
	s.client = nil
	s.state = Unsubscribed
	return departing, nil
}

// MarkClosed moves the session to the terminal Closed state.
func (s *Session) MarkClosed() {
	s.pending = nil
	s.client = nil
	s.state = Closed
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.LastActive = time.Now()
}

func (s *Session) staleErr() error {
	if s.state == Closed {
		return ErrClosed
	}
	return ErrStaleAttempt
}
