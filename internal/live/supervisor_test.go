package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibechat/internal/domain"
	"vibechat/internal/logging"
)

// testServer is a minimal live endpoint recording the frames it receives.
type testServer struct {
	*httptest.Server
	token   string
	dials   atomic.Int32
	frames  chan domain.Envelope
	mu      sync.Mutex
	current *websocket.Conn
}

func newTestServer(t *testing.T, token string) *testServer {
	ts := &testServer{token: token, frames: make(chan domain.Envelope, 64)}
	up := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.dials.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+ts.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.current = conn
		ts.mu.Unlock()
		env, _ := domain.NewEnvelope(domain.EventConnected, domain.ConnectedPayload{UserID: "me"})
		conn.WriteJSON(env)
		for {
			var in domain.Envelope
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			ts.frames <- in
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NoError(t, ts.current.WriteJSON(env))
}

func (ts *testServer) drop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.current != nil {
		ts.current.Close()
	}
}

func (ts *testServer) expectFrame(t *testing.T, eventType string) domain.RoomPayload {
	t.Helper()
	select {
	case env := <-ts.frames:
		require.Equal(t, eventType, env.Type)
		var p domain.RoomPayload
		_ = json.Unmarshal(env.Data, &p)
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s frame", eventType)
		return domain.RoomPayload{}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func waitState(t *testing.T, s *Supervisor, want domain.ConnectionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event stream closed")
			if sc, ok := ev.(StateChanged); ok && sc.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached, current %s", want, s.State())
		}
	}
}

func TestConnectAndSubscribe(t *testing.T) {
	ts := newTestServer(t, "tok")
	s := New(testConfig(ts.wsURL()), logging.Discard())
	defer s.Close()

	require.ErrorIs(t, s.Send(domain.EventSendMessage, nil), domain.ErrNotConnected)

	require.NoError(t, s.Connect(context.Background(), "tok"))
	waitState(t, s, domain.ConnectionState{Phase: domain.Connected})

	require.NoError(t, s.Subscribe("c1"))
	assert.Equal(t, "c1", ts.expectFrame(t, domain.EventJoinConversation).ConversationID)
	assert.Equal(t, domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"}, s.State())

	require.NoError(t, s.Subscribe("c2"))
	assert.Equal(t, "c1", ts.expectFrame(t, domain.EventLeaveConversation).ConversationID)
	assert.Equal(t, "c2", ts.expectFrame(t, domain.EventJoinConversation).ConversationID)

	require.NoError(t, s.Unsubscribe("c2"))
	assert.Equal(t, "c2", ts.expectFrame(t, domain.EventLeaveConversation).ConversationID)
	assert.Equal(t, domain.Connected, s.State().Phase)
}

func TestMessageDelivery(t *testing.T) {
	ts := newTestServer(t, "tok")
	s := New(testConfig(ts.wsURL()), logging.Discard())
	defer s.Close()
	require.NoError(t, s.Connect(context.Background(), "tok"))
	waitState(t, s, domain.ConnectionState{Phase: domain.Connected})

	ts.push(t, domain.EventError, domain.ErrorPayload{Code: domain.CodeRateLimited, Message: "slow down"})
	ts.push(t, domain.EventNewMessage, domain.Message{ID: "m1", ConversationID: "c1", Content: "hi"})

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-s.Events():
			if _, ok := ev.(StateChanged); !ok {
				got = append(got, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("events not delivered")
		}
	}
	assert.Equal(t, ServerError{Code: domain.CodeRateLimited, Message: "slow down"}, got[0])
	mr, ok := got[1].(MessageReceived)
	require.True(t, ok)
	assert.Equal(t, "m1", mr.Message.ID)
}

func TestReconnectResubscribes(t *testing.T) {
	ts := newTestServer(t, "tok")
	s := New(testConfig(ts.wsURL()), logging.Discard())
	defer s.Close()

	// subscribing before the channel is up defers the join
	require.NoError(t, s.Subscribe("c1"))
	require.NoError(t, s.Connect(context.Background(), "tok"))
	ts.expectFrame(t, domain.EventJoinConversation)
	waitState(t, s, domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"})

	ts.drop()
	waitState(t, s, domain.ConnectionState{Phase: domain.Disconnected})
	assert.ErrorIs(t, s.Send(domain.EventSendMessage, nil), domain.ErrNotConnected)

	assert.Equal(t, "c1", ts.expectFrame(t, domain.EventJoinConversation).ConversationID)
	waitState(t, s, domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"})
	assert.GreaterOrEqual(t, ts.dials.Load(), int32(2))
	assert.NoError(t, s.Err())
}

func TestRoomChangeWhileRejoining(t *testing.T) {
	ts := newTestServer(t, "tok")
	cfg := testConfig(ts.wsURL())
	cfg.EventBuffer = 1
	s := New(cfg, logging.Discard())
	defer s.Close()

	// nobody drains events until the room has moved on
	require.NoError(t, s.Subscribe("x"))
	require.NoError(t, s.Connect(context.Background(), "tok"))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Unsubscribe("x"))
	require.NoError(t, s.Subscribe("y"))

	for joined := ""; joined != "y"; {
		select {
		case env := <-ts.frames:
			if env.Type == domain.EventJoinConversation {
				var p domain.RoomPayload
				require.NoError(t, json.Unmarshal(env.Data, &p))
				joined = p.ConversationID
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no join for y")
		}
	}
	select {
	case env := <-ts.frames:
		t.Fatalf("unexpected %s frame after joining y", env.Type)
	case <-time.After(100 * time.Millisecond):
	}

	want := domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "y"}
	assert.Equal(t, want, s.State())
	waitState(t, s, want)
}

func TestStateChangesSurviveFullStream(t *testing.T) {
	ts := newTestServer(t, "tok")
	cfg := testConfig(ts.wsURL())
	cfg.EventBuffer = 1
	s := New(cfg, logging.Discard())
	defer s.Close()

	require.NoError(t, s.Subscribe("c1"))
	require.NoError(t, s.Connect(context.Background(), "tok"))
	ts.expectFrame(t, domain.EventJoinConversation)

	ts.drop()
	assert.Equal(t, "c1", ts.expectFrame(t, domain.EventJoinConversation).ConversationID)
	subscribed := domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"}
	require.Eventually(t, func() bool { return s.State() == subscribed }, 2*time.Second, 5*time.Millisecond)

	// the stream held one event throughout; every transition arrives in order
	var got []domain.ConnectionState
	for len(got) == 0 || got[len(got)-1] != subscribed || len(got) < 4 {
		select {
		case ev := <-s.Events():
			if sc, ok := ev.(StateChanged); ok {
				got = append(got, sc.State)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("state stream stalled after %v", got)
		}
	}
	assert.Equal(t, []domain.ConnectionState{
		{Phase: domain.Connecting},
		{Phase: domain.Connected},
		subscribed,
		{Phase: domain.Disconnected},
		{Phase: domain.Connecting},
		{Phase: domain.Connected},
		subscribed,
	}, got)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	ts := newTestServer(t, "tok")
	s := New(testConfig(ts.wsURL()), logging.Discard())
	defer s.Close()
	require.NoError(t, s.Connect(context.Background(), "wrong"))

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-s.Events():
			if af, ok := ev.(AuthFailed); ok {
				assert.ErrorIs(t, af.Err, domain.ErrAuthFailed)
				done = true
			}
		case <-deadline:
			t.Fatal("no AuthFailed event")
		}
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.dials.Load(), "no reconnect after auth failure")
	assert.ErrorIs(t, s.Err(), domain.ErrAuthFailed)
	assert.Equal(t, domain.Disconnected, s.State().Phase)
}

func TestCloseEndsStream(t *testing.T) {
	ts := newTestServer(t, "tok")
	s := New(testConfig(ts.wsURL()), logging.Discard())
	require.NoError(t, s.Connect(context.Background(), "tok"))
	waitState(t, s, domain.ConnectionState{Phase: domain.Connected})
	s.Close()

	for range s.Events() {
	}
	assert.Equal(t, domain.Disconnected, s.State().Phase)
}

func TestBackoffDelay(t *testing.T) {
	min, max := 100*time.Millisecond, time.Second
	for n := 0; n < 40; n++ {
		d := backoffDelay(n, min, max)
		assert.GreaterOrEqual(t, d, min/2)
		assert.LessOrEqual(t, d, max)
	}
	assert.LessOrEqual(t, backoffDelay(0, min, max), min)
	assert.GreaterOrEqual(t, backoffDelay(10, min, max), max/2)
}
