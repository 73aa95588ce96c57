package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wricardo/collab-relay/collab/auth"
	"github.com/wricardo/collab-relay/collab/metrics"
	"github.com/wricardo/collab-relay/collab/protocol"
	"github.com/wricardo/collab-relay/collab/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	room42    = "superposter-edit-42"
	waitLimit = 2 * time.Second
)

var errSendFailed = errors.New("send buffer full")

// fakeConn records what the relay sends to a client.
type fakeConn struct {
	id       string
	frames   chan []byte
	closed   atomic.Bool
	failSend atomic.Bool

	mu        sync.Mutex
	closeCode int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	if c.failSend.Load() {
		return errSendFailed
	}
	select {
	case c.frames <- payload:
		return nil
	default:
		return errSendFailed
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) Closed() bool { return c.closed.Load() }

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeGate answers by token: "bad" is rejected, "boom" fails, "slow" waits
// for release, anything else is accepted.
type fakeGate struct {
	mu      sync.Mutex
	tokens  []string
	release chan struct{}
}

func newFakeGate() *fakeGate {
	return &fakeGate{release: make(chan struct{})}
}

func (g *fakeGate) Verify(ctx context.Context, token string) (bool, error) {
	g.mu.Lock()
	g.tokens = append(g.tokens, token)
	g.mu.Unlock()

	switch token {
	case "bad":
		return false, nil
	case "boom":
		return false, fmt.Errorf("%w: connection refused", auth.ErrUnavailable)
	case "slow":
		select {
		case <-g.release:
			return true, nil
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", auth.ErrUnavailable, ctx.Err())
		}
	}
	return true, nil
}

func (g *fakeGate) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tokens)
}

type harness struct {
	relay   *Relay
	gate    *fakeGate
	metrics *metrics.Metrics
	logs    *logtest.Hook
}

func startRelay(t *testing.T, opts Options) *harness {
	t.Helper()

	gate := newFakeGate()
	if opts.Gate == nil {
		opts.Gate = gate
	}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts.Logger = logger
	opts.Metrics = metrics.New("", nil)

	r := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(waitLimit):
			t.Error("relay did not stop")
		}
	})

	return &harness{relay: r, gate: gate, metrics: opts.Metrics, logs: hook}
}

func subFrame(room, user, window, token string) []byte {
	return []byte(fmt.Sprintf(`{"action":"sub","data":{"room":%q,"user":{"username":%q},"windowId":%q,"authToken":%q}}`,
		room, user, window, token))
}

func elementFrame(typ, key string) []byte {
	return []byte(fmt.Sprintf(`{"action":"message","data":{"data":{"type":%q,"elKey":%q}}}`, typ, key))
}

func (h *harness) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	require.NoError(t, h.relay.Connect(conn))
	return conn
}

func (h *harness) send(t *testing.T, conn *fakeConn, raw []byte) {
	t.Helper()
	require.NoError(t, h.relay.Receive(conn, raw))
}

// settle waits until every event enqueued so far has been processed.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	_, err := h.relay.Stats(context.Background())
	require.NoError(t, err)
}

// join subscribes conn and returns the acknowledgement it received.
func (h *harness) join(t *testing.T, conn *fakeConn, room, user string) ackFrame {
	t.Helper()
	h.send(t, conn, subFrame(room, user, "win-"+user, "valid"))
	var ack ackFrame
	require.NoError(t, json.Unmarshal(expectFrame(t, conn), &ack))
	require.Equal(t, protocol.ActionSubscribe, ack.Action)
	return ack
}

func (h *harness) members(t *testing.T, room string) []session.Client {
	t.Helper()
	detail, err := h.relay.Room(context.Background(), room)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	require.NoError(t, err)
	return detail.Members
}

type ackFrame struct {
	Action string `json:"action"`
	Data   struct {
		Room  string           `json:"room"`
		Users []session.Client `json:"users"`
	} `json:"data"`
}

type presenceFrame struct {
	Action string `json:"action"`
	Data   struct {
		Type string         `json:"type"`
		User session.Client `json:"user"`
	} `json:"data"`
}

func expectFrame(t *testing.T, conn *fakeConn) []byte {
	t.Helper()
	select {
	case f := <-conn.frames:
		return f
	case <-time.After(waitLimit):
		t.Fatalf("connection %s received no frame", conn.id)
		return nil
	}
}

func expectPresence(t *testing.T, conn *fakeConn, typ, user string) presenceFrame {
	t.Helper()
	var ev presenceFrame
	require.NoError(t, json.Unmarshal(expectFrame(t, conn), &ev))
	assert.Equal(t, protocol.ActionMessage, ev.Action)
	assert.Equal(t, typ, ev.Data.Type)
	assert.Equal(t, user, ev.Data.User.Username)
	return ev
}

func expectNoFrame(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case f := <-conn.frames:
		t.Fatalf("connection %s received unexpected frame %s", conn.id, f)
	default:
	}
}

func expectClose(t *testing.T, conn *fakeConn, code int) {
	t.Helper()
	require.Eventually(t, conn.Closed, waitLimit, 5*time.Millisecond)
	assert.Equal(t, code, conn.code())
}

func TestTwoEditorsScenario(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")
	b := h.connect(t, "b")

	ackA := h.join(t, a, room42, "ana")
	assert.Empty(t, ackA.Data.Users)
	assert.NotNil(t, ackA.Data.Users, "roster is an empty array, not null")
	expectPresence(t, a, protocol.TypeUserJoin, "ana")
	assert.Len(t, h.members(t, room42), 1)

	ackB := h.join(t, b, room42, "bo")
	require.Len(t, ackB.Data.Users, 1)
	assert.Equal(t, session.Client{Username: "ana", WindowID: "win-ana", Room: room42, LockedElements: []string{}}, ackB.Data.Users[0])
	expectPresence(t, a, protocol.TypeUserJoin, "bo")
	expectPresence(t, b, protocol.TypeUserJoin, "bo")

	lock := elementFrame(protocol.TypeLockElement, "title")
	h.send(t, a, lock)
	assert.Equal(t, lock, expectFrame(t, a))
	assert.Equal(t, lock, expectFrame(t, b))

	members := h.members(t, room42)
	require.Len(t, members, 2)
	assert.Equal(t, []string{"title"}, members[0].LockedElements)

	require.NoError(t, h.relay.Disconnect(a))
	leave := expectPresence(t, b, protocol.TypeUserLeave, "ana")
	assert.Equal(t, []string{"title"}, leave.Data.User.LockedElements, "peers learn which locks left with the user")
	assert.Len(t, h.members(t, room42), 1)

	require.NoError(t, h.relay.Disconnect(b))
	h.settle(t)
	rooms, err := h.relay.Rooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
	expectNoFrame(t, a)
	expectNoFrame(t, b)
}

func TestRosterExcludesJoiner(t *testing.T) {
	h := startRelay(t, Options{})
	conns := make([]*fakeConn, 4)
	for i := range conns {
		conns[i] = h.connect(t, fmt.Sprintf("c%d", i))
		ack := h.join(t, conns[i], room42, fmt.Sprintf("user%d", i))

		require.Len(t, ack.Data.Users, i)
		for j, u := range ack.Data.Users {
			assert.Equal(t, fmt.Sprintf("user%d", j), u.Username, "roster is in join order")
			assert.NotEqual(t, fmt.Sprintf("user%d", i), u.Username)
		}
		assert.Equal(t, room42, ack.Data.Room, "acknowledgement echoes the subscribe frame")
	}
}

func TestMembershipCounts(t *testing.T) {
	h := startRelay(t, Options{})
	const n = 5
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = h.connect(t, fmt.Sprintf("c%d", i))
		h.join(t, conns[i], room42, fmt.Sprintf("u%d", i))
		assert.Len(t, h.members(t, room42), i+1)
	}

	// Alternate between unsubscribing and disconnecting.
	for i, conn := range conns {
		if i%2 == 0 {
			h.send(t, conn, []byte(`{"action":"unsub","data":{}}`))
		} else {
			require.NoError(t, h.relay.Disconnect(conn))
		}
		h.settle(t)
		assert.Len(t, h.members(t, room42), n-i-1)
	}

	stats, err := h.relay.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rooms)
	assert.Equal(t, 0, stats.Members)
	assert.Equal(t, 3, stats.Connections, "unsubscribed connections stay open")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Rooms))
}

func TestPresenceRecipients(t *testing.T) {
	h := startRelay(t, Options{})
	a, b, c := h.connect(t, "a"), h.connect(t, "b"), h.connect(t, "c")
	other := h.connect(t, "other")

	h.join(t, a, room42, "ana")
	expectPresence(t, a, protocol.TypeUserJoin, "ana")
	h.join(t, other, "superposter-edit-7", "oz")
	expectPresence(t, other, protocol.TypeUserJoin, "oz")
	h.join(t, b, room42, "bo")
	expectPresence(t, a, protocol.TypeUserJoin, "bo")
	expectPresence(t, b, protocol.TypeUserJoin, "bo")

	h.send(t, c, subFrame(room42, "cy", "w", "valid"))
	expectFrame(t, c) // ack
	for _, conn := range []*fakeConn{a, b, c} {
		expectPresence(t, conn, protocol.TypeUserJoin, "cy")
	}

	require.NoError(t, h.relay.Disconnect(b))
	expectPresence(t, a, protocol.TypeUserLeave, "bo")
	expectPresence(t, c, protocol.TypeUserLeave, "bo")

	h.settle(t)
	expectNoFrame(t, b)
	expectNoFrame(t, other)
}

func TestLockReleaseRoundTrip(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")
	h.join(t, a, room42, "ana")
	expectFrame(t, a) // userjoin

	for _, key := range []string{"title", "body"} {
		h.send(t, a, elementFrame(protocol.TypeLockElement, key))
		expectFrame(t, a)
	}
	before := h.members(t, room42)[0].LockedElements
	assert.Equal(t, []string{"title", "body"}, before)

	h.send(t, a, elementFrame(protocol.TypeLockElement, "footer"))
	expectFrame(t, a)
	h.send(t, a, elementFrame(protocol.TypeReleaseElement, "footer"))
	expectFrame(t, a)
	assert.Equal(t, before, h.members(t, room42)[0].LockedElements)

	legacy := []byte(`{"action":"message","data":{"data":{"type":"superposter:release:element","el_key":"title"}}}`)
	h.send(t, a, legacy)
	assert.Equal(t, legacy, expectFrame(t, a), "the raw frame is relayed untouched")
	assert.Equal(t, []string{"body"}, h.members(t, room42)[0].LockedElements)
}

func TestReleaseOfUnlockedElementIsDropped(t *testing.T) {
	h := startRelay(t, Options{})
	a, b := h.connect(t, "a"), h.connect(t, "b")
	h.join(t, a, room42, "ana")
	expectFrame(t, a)
	h.join(t, b, room42, "bo")
	expectFrame(t, a)
	expectFrame(t, b)

	h.send(t, a, elementFrame(protocol.TypeReleaseElement, "never-locked"))
	h.send(t, a, elementFrame(protocol.TypeLockElement, "title"))
	expectFrame(t, a)
	expectFrame(t, b)
	h.send(t, a, elementFrame(protocol.TypeLockElement, "title"))
	h.settle(t)

	expectNoFrame(t, a)
	expectNoFrame(t, b)
	assert.Equal(t, []string{"title"}, h.members(t, room42)[0].LockedElements)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonNotLocked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonLockConflict)))
	assert.False(t, a.Closed())
}

func TestDoubleSubscription(t *testing.T) {
	t.Run("while authenticating", func(t *testing.T) {
		h := startRelay(t, Options{})
		a := h.connect(t, "a")

		h.send(t, a, subFrame(room42, "ana", "w", "slow"))
		h.send(t, a, subFrame(room42, "ana", "w", "valid"))
		h.settle(t)
		close(h.gate.release)

		expectFrame(t, a) // ack
		expectPresence(t, a, protocol.TypeUserJoin, "ana")
		h.settle(t)
		expectNoFrame(t, a)
		assert.Len(t, h.members(t, room42), 1)
		assert.Equal(t, 1, h.gate.calls(), "the duplicate never reaches the authority")
	})

	t.Run("after joining", func(t *testing.T) {
		h := startRelay(t, Options{})
		a := h.connect(t, "a")
		h.join(t, a, room42, "ana")
		expectFrame(t, a)

		h.send(t, a, subFrame(room42, "ana", "w", "valid"))
		h.send(t, a, subFrame("superposter-edit-9", "ana", "w", "valid"))
		h.settle(t)

		expectNoFrame(t, a)
		assert.Len(t, h.members(t, room42), 1)
		assert.Nil(t, h.members(t, "superposter-edit-9"))
		assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonDoubleSub)))
	})
}

func TestIgnoredRoomNeverAuthenticates(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")

	h.send(t, a, subFrame("general-chat", "ana", "w", "valid"))
	h.send(t, a, subFrame("superposter-edit-0", "ana", "w", "valid"))
	h.settle(t)

	rooms, err := h.relay.Rooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
	assert.Equal(t, 0, h.gate.calls())
	expectNoFrame(t, a)
	assert.False(t, a.Closed())
}

func TestAuthenticationFailures(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		code    int
		outcome string
	}{
		{name: "rejected token", token: "bad", code: protocol.CloseInvalidToken, outcome: metrics.AuthRejected},
		{name: "authority error", token: "boom", code: protocol.CloseServerError, outcome: metrics.AuthError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startRelay(t, Options{})
			a := h.connect(t, "a")
			b := h.connect(t, "b")

			h.send(t, a, subFrame(room42, "ana", "w", tt.token))
			expectClose(t, a, tt.code)

			// Other sessions are unaffected.
			h.join(t, b, room42, "bo")
			assert.Len(t, h.members(t, room42), 1)
			expectNoFrame(t, a)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuthResults.WithLabelValues(tt.outcome)))

			require.NoError(t, h.relay.Disconnect(a))
			h.settle(t)
			assert.Len(t, h.members(t, room42), 1)
		})
	}
}

func TestAuthTimeoutIsServerError(t *testing.T) {
	h := startRelay(t, Options{AuthTimeout: 20 * time.Millisecond})
	a := h.connect(t, "a")

	h.send(t, a, subFrame(room42, "ana", "w", "slow"))
	expectClose(t, a, protocol.CloseServerError)
	assert.Nil(t, h.members(t, room42))
}

func TestCloseWhileAuthenticating(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")

	h.send(t, a, subFrame(room42, "ana", "w", "slow"))
	require.NoError(t, h.relay.Disconnect(a))
	h.settle(t)
	close(h.gate.release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.AuthResults.WithLabelValues(metrics.AuthStale)) == 1
	}, waitLimit, 5*time.Millisecond)

	assert.Nil(t, h.members(t, room42))
	expectNoFrame(t, a)
}

func TestUnsubscribeWhileAuthenticating(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")

	h.send(t, a, subFrame(room42, "ana", "w", "slow"))
	h.send(t, a, []byte(`{"action":"unsub","data":{}}`))
	h.settle(t)
	close(h.gate.release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.AuthResults.WithLabelValues(metrics.AuthStale)) == 1
	}, waitLimit, 5*time.Millisecond)
	assert.Nil(t, h.members(t, room42))

	// The connection can subscribe again.
	h.join(t, a, room42, "ana")
	assert.Len(t, h.members(t, room42), 1)
}

func TestOtherSessionsProceedDuringAuthentication(t *testing.T) {
	h := startRelay(t, Options{})
	slow := h.connect(t, "slow")
	a := h.connect(t, "a")

	h.send(t, slow, subFrame(room42, "sam", "w", "slow"))
	h.join(t, a, room42, "ana")
	expectFrame(t, a)
	h.send(t, a, elementFrame(protocol.TypeLockElement, "title"))
	expectFrame(t, a)

	close(h.gate.release)
	ack := expectFrame(t, slow)
	var parsed ackFrame
	require.NoError(t, json.Unmarshal(ack, &parsed))
	require.Len(t, parsed.Data.Users, 1)
	assert.Equal(t, []string{"title"}, parsed.Data.Users[0].LockedElements)
	expectPresence(t, a, protocol.TypeUserJoin, "sam")
}

func TestUnsubscribe(t *testing.T) {
	h := startRelay(t, Options{})
	a, b := h.connect(t, "a"), h.connect(t, "b")
	h.join(t, a, room42, "ana")
	expectFrame(t, a)
	h.join(t, b, room42, "bo")
	expectFrame(t, a)
	expectFrame(t, b)

	h.send(t, a, []byte(`{"action":"unsub","data":{}}`))
	expectPresence(t, b, protocol.TypeUserLeave, "ana")
	h.settle(t)
	expectNoFrame(t, a)
	assert.False(t, a.Closed())

	// Unsubscribing twice or before subscribing is a logged no-op.
	h.send(t, a, []byte(`{"action":"unsub","data":{}}`))
	h.settle(t)
	expectNoFrame(t, b)

	// Messages after leaving are dropped.
	h.send(t, a, elementFrame(protocol.TypeLockElement, "title"))
	h.settle(t)
	expectNoFrame(t, b)

	ack := h.join(t, a, room42, "ana")
	require.Len(t, ack.Data.Users, 1)
	assert.Equal(t, "bo", ack.Data.Users[0].Username)
}

func TestUnsubscribeIgnoresDataShape(t *testing.T) {
	h := startRelay(t, Options{})
	a, b := h.connect(t, "a"), h.connect(t, "b")
	h.join(t, a, room42, "ana")
	expectFrame(t, a)
	h.join(t, b, room42, "bo")
	expectFrame(t, a)
	expectFrame(t, b)

	h.send(t, a, []byte(`{"action":"unsub","data":[]}`))
	expectPresence(t, b, protocol.TypeUserLeave, "ana")
	h.settle(t)

	members := h.members(t, room42)
	require.Len(t, members, 1)
	assert.Equal(t, "bo", members[0].Username)
}

func TestEmptyUsernameJoins(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")

	h.send(t, a, subFrame(room42, "", "w", "valid"))
	var ack ackFrame
	require.NoError(t, json.Unmarshal(expectFrame(t, a), &ack))
	assert.Equal(t, protocol.ActionSubscribe, ack.Action)
	expectPresence(t, a, protocol.TypeUserJoin, "")

	assert.Equal(t, 1, h.gate.calls())
	assert.Len(t, h.members(t, room42), 1)
}

func TestMessageBeforeSubscribe(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")

	h.send(t, a, elementFrame(protocol.TypeLockElement, "title"))
	h.settle(t)

	expectNoFrame(t, a)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonNotSubscribed)))
}

func TestProtocolErrorsAreDropped(t *testing.T) {
	h := startRelay(t, Options{})
	a, b := h.connect(t, "a"), h.connect(t, "b")
	h.join(t, a, room42, "ana")
	expectFrame(t, a)
	h.join(t, b, room42, "bo")
	expectFrame(t, a)
	expectFrame(t, b)

	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{"data":{}}`),
		[]byte(`{"action":"sub"}`),
		[]byte(`{"action":"dance","data":{}}`),
		[]byte(`{"action":"message","data":{}}`),
		[]byte(`{"action":"message","data":[1]}`),
		[]byte(`{"action":"message","data":{"data":{"type":"lock:element"}}}`),
		[]byte(`{"action":"message","data":{"data":{"type":"cursor","elKey":"x"}}}`),
		[]byte(`{"action":"sub","data":{"room":"superposter-edit-1"}}`),
	}
	for _, f := range frames {
		h.send(t, a, f)
	}
	h.settle(t)

	expectNoFrame(t, a)
	expectNoFrame(t, b)
	assert.False(t, a.Closed())
	assert.Len(t, h.members(t, room42), 2)
	assert.Empty(t, h.members(t, room42)[0].LockedElements)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonUnknownAction)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Dropped.WithLabelValues(metrics.ReasonUnknownType)))
}

func TestBroadcastIsBestEffort(t *testing.T) {
	h := startRelay(t, Options{})
	a, b, c := h.connect(t, "a"), h.connect(t, "b"), h.connect(t, "c")
	for _, conn := range []*fakeConn{a, b, c} {
		h.join(t, conn, room42, conn.id)
	}
	h.settle(t)
	for len(a.frames) > 0 || len(b.frames) > 0 || len(c.frames) > 0 {
		select {
		case <-a.frames:
		case <-b.frames:
		case <-c.frames:
		}
	}

	b.failSend.Store(true)
	lock := elementFrame(protocol.TypeLockElement, "title")
	h.send(t, a, lock)

	assert.Equal(t, lock, expectFrame(t, a))
	assert.Equal(t, lock, expectFrame(t, c))
	h.settle(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SendFailures))
	assert.Len(t, h.members(t, room42), 3, "a failed delivery does not evict the member")
}

func TestReaperClosesStaleMembers(t *testing.T) {
	h := startRelay(t, Options{ReapInterval: 10 * time.Millisecond})
	a, b := h.connect(t, "a"), h.connect(t, "b")
	idle := h.connect(t, "idle")
	h.join(t, a, room42, "ana")
	expectFrame(t, a)
	h.join(t, b, room42, "bo")
	expectFrame(t, a)
	expectFrame(t, b)

	// The transport went away without telling the relay.
	a.closed.Store(true)
	idle.closed.Store(true)

	expectPresence(t, b, protocol.TypeUserLeave, "ana")
	require.Eventually(t, func() bool {
		stats, err := h.relay.Stats(context.Background())
		return err == nil && stats.Connections == 1 && stats.Members == 1
	}, waitLimit, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Reaped))

	// A late disconnect for a reaped connection is harmless.
	require.NoError(t, h.relay.Disconnect(a))
	h.settle(t)
	assert.Len(t, h.members(t, room42), 1)
}

func TestQueries(t *testing.T) {
	h := startRelay(t, Options{})
	a := h.connect(t, "a")
	h.join(t, a, room42, "ana")

	rooms, err := h.relay.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, room42, rooms[0].ID)
	assert.Equal(t, 1, rooms[0].Members)

	_, err = h.relay.Room(context.Background(), "superposter-edit-1")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	stats, err := h.relay.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 1, Rooms: 1, Members: 1}, stats)
}

func TestStoppedRelay(t *testing.T) {
	r := New(Options{Gate: newFakeGate(), Logger: logrus.New()})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	slow := newFakeConn("slow")
	require.NoError(t, r.Connect(slow))
	require.NoError(t, r.Receive(slow, subFrame(room42, "sam", "w", "slow")))
	_, err := r.Stats(context.Background())
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.True(t, slow.Closed(), "open connections are closed on shutdown")

	assert.ErrorIs(t, r.Connect(newFakeConn("late")), ErrStopped)
	_, err = r.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, r.Run(context.Background()), ErrStopped)
}
