package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wricardo/collab-relay/collab/auth"
	"github.com/wricardo/collab-relay/collab/metrics"
	"github.com/wricardo/collab-relay/collab/registry"
	"github.com/wricardo/collab-relay/collab/session"
)

const (
	defaultAuthTimeout  = 5 * time.Second
	defaultReapInterval = 20 * time.Second
	defaultQueueSize    = 1024
)

var (
	ErrStopped      = errors.New("relay is not running")
	ErrRoomNotFound = errors.New("room not found")
)

// Options configures a Relay. Only Gate is required.
type Options struct {
	Gate         auth.Gate
	Registry     *registry.Registry
	Metrics      *metrics.Metrics
	Logger       logrus.FieldLogger
	AuthTimeout  time.Duration
	ReapInterval time.Duration
	QueueSize    int
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventFrame
	eventDisconnect
	eventQuery
)

type event struct {
	kind  eventKind
	conn  session.Conn
	raw   []byte
	query func()
}

type authResult struct {
	session   *session.Session
	attempt   uint64
	validated bool
	err       error
	elapsed   time.Duration
}

// Relay is the room membership and broadcast engine.
type Relay struct {
	gate     auth.Gate
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      logrus.FieldLogger

	authTimeout  time.Duration
	reapInterval time.Duration

	// Owned by Run.
	sessions map[string]*session.Session

	inbox   chan event
	results chan authResult
	done    chan struct{}
	runOnce sync.Once
	authWG  sync.WaitGroup
}

// New creates a Relay. Call Run to start processing events.
func New(opts Options) *Relay {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New("", nil)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	return &Relay{
		gate:         opts.Gate,
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		authTimeout:  opts.AuthTimeout,
		reapInterval: opts.ReapInterval,
		sessions:     make(map[string]*session.Session),
		inbox:        make(chan event, opts.QueueSize),
		results:      make(chan authResult, opts.QueueSize),
		done:         make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (r *Relay) Run(ctx context.Context) error {
	err := ErrStopped
	r.runOnce.Do(func() {
		err = r.run(ctx)
	})
	return err
}

func (r *Relay) run(ctx context.Context) error {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"auth_timeout":  r.authTimeout,
		"reap_interval": r.reapInterval,
	}).Info("Relay started")

	for {
		select {
		case ev := <-r.inbox:
			r.handle(ctx, ev)

		case res := <-r.results:
			r.resolveAuth(res)

		case <-ticker.C:
			r.reap()

		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventConnect:
		r.connect(ev.conn)
	case eventFrame:
		r.dispatch(ctx, ev.conn, ev.raw)
	case eventDisconnect:
		r.disconnect(ev.conn)
	case eventQuery:
		ev.query()
	}
}

// shutdown closes every connection and waits for outstanding token checks.
func (r *Relay) shutdown() {
	close(r.done)

	for id, sess := range r.sessions {
		sess.MarkClosed()
		if err := sess.Conn().Close(closeGoingAway, "server shutting down"); err != nil {
			r.log.WithField("conn", id).WithError(err).Debug("Failed to close connection on shutdown")
		}
		delete(r.sessions, id)
	}
	for _, info := range r.registry.Rooms() {
		for _, sess := range r.registry.Members(info.ID) {
			r.registry.Remove(info.ID, sess)
		}
	}
	r.updateGauges()

	r.authWG.Wait()
	r.log.Info("Relay stopped")
}

func (r *Relay) enqueue(ctx context.Context, ev event) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	select {
	case r.inbox <- ev:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers a newly opened connection.
func (r *Relay) Connect(conn session.Conn) error {
	return r.enqueue(context.Background(), event{kind: eventConnect, conn: conn})
}

// Receive hands an inbound text frame from conn to the relay.
func (r *Relay) Receive(conn session.Conn, raw []byte) error {
	return r.enqueue(context.Background(), event{kind: eventFrame, conn: conn, raw: raw})
}

// Disconnect reports that conn has gone away.
func (r *Relay) Disconnect(conn session.Conn) error {
	return r.enqueue(context.Background(), event{kind: eventDisconnect, conn: conn})
}

func (r *Relay) connect(conn session.Conn) {
	if _, exists := r.sessions[conn.ID()]; exists {
		r.log.WithField("conn", conn.ID()).Warn("Connection registered twice")
		return
	}
	r.sessions[conn.ID()] = session.New(conn)
	r.metrics.Connections.Set(float64(len(r.sessions)))
	r.log.WithField("conn", conn.ID()).Debug("Connection opened")
}

func (r *Relay) updateGauges() {
	rooms := r.registry.Rooms()
	members := 0
	for _, info := range rooms {
		members += info.Members
	}
	r.metrics.Rooms.Set(float64(len(rooms)))
	r.metrics.Members.Set(float64(members))
	r.metrics.Connections.Set(float64(len(r.sessions)))
}

func sessionFields(sess *session.Session) logrus.Fields {
	fields := logrus.Fields{
		"conn":  sess.ID(),
		"state": sess.State().String(),
	}
	if client, ok := sess.Client(); ok {
		fields["room"] = client.Room
		fields["user"] = client.Username
		fields["window"] = client.WindowID
	}
	return fields
}
