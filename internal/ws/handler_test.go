package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibechat/internal/domain"
	"vibechat/internal/logging"
	"vibechat/internal/metrics"
	"vibechat/internal/service"
)

type fakeAuth map[string]*domain.User

func (f fakeAuth) Authenticate(_ context.Context, token string) (*domain.User, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return nil, domain.ErrUnauthorized
}

type fakeMessenger struct {
	mu      sync.Mutex
	members map[string][]string
	sent    []service.SendInput
}

func (f *fakeMessenger) CanJoin(_ context.Context, convID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[convID] {
		if id == userID {
			return nil
		}
	}
	return domain.ErrForbidden
}

func (f *fakeMessenger) Send(ctx context.Context, in service.SendInput) (*domain.Message, error) {
	if err := f.CanJoin(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &domain.Message{
		ID:             "srv-" + in.ClientTempID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           domain.MessageTypeText,
		CreatedAt:      time.Now().UTC(),
		ClientTempID:   in.ClientTempID,
		DeliveryState:  domain.DeliveryConfirmed,
	}, nil
}

type wsFixture struct {
	srv *httptest.Server
	hub *Hub
	url string
}

func newFixture(t *testing.T, cfg HandlerConfig) *wsFixture {
	t.Helper()
	auth := fakeAuth{
		"tok-alice": {ID: "alice", Username: "alice", IsActive: true},
		"tok-bob":   {ID: "bob", Username: "bob", IsActive: true},
		"tok-eve":   {ID: "eve", Username: "eve", IsActive: true},
	}
	msgs := &fakeMessenger{members: map[string][]string{"c1": {"alice", "bob"}}}
	hub := NewHub()
	h := NewHandler(hub, auth, msgs, metrics.New(), cfg, logging.Discard())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readFrame(t, conn)
	require.Equal(t, domain.EventConnected, env.Type)
	return conn
}

func (f *wsFixture) roomSize(room string) int {
	f.hub.mu.RLock()
	defer f.hub.mu.RUnlock()
	return len(f.hub.rooms[room])
}

func readFrame(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func writeFrame(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newFixture(t, HandlerConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.url, http.Header{"Authorization": []string{"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectedCarriesUserID(t *testing.T) {
	f := newFixture(t, HandlerConfig{})
	header := http.Header{"Authorization": []string{"Bearer tok-alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	defer conn.Close()

	env := readFrame(t, conn)
	assert.Equal(t, domain.EventConnected, env.Type)
	assert.JSONEq(t, `{"userId":"alice"}`, string(env.Data))
}

func TestSendBroadcastsToRoom(t *testing.T) {
	f := newFixture(t, HandlerConfig{})
	alice := f.dial(t, "tok-alice")
	bob := f.dial(t, "tok-bob")

	writeFrame(t, alice, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})
	writeFrame(t, bob, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})
	require.Eventually(t, func() bool { return f.roomSize("c1") == 2 }, time.Second, 10*time.Millisecond)

	writeFrame(t, alice, domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: "c1",
		Content:        "hi bob",
		ClientTempID:   "tmp-1",
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readFrame(t, conn)
		require.Equal(t, domain.EventNewMessage, env.Type)
		assert.Contains(t, string(env.Data), `"clientTempId":"tmp-1"`)
		assert.Contains(t, string(env.Data), `"content":"hi bob"`)
	}
}

func TestSenderOutsideRoomStillGetsEcho(t *testing.T) {
	f := newFixture(t, HandlerConfig{})
	alice := f.dial(t, "tok-alice")

	writeFrame(t, alice, domain.EventSendMessage, domain.SendMessagePayload{
		ConversationID: "c1",
		Content:        "anyone?",
		ClientTempID:   "tmp-2",
	})

	env := readFrame(t, alice)
	require.Equal(t, domain.EventNewMessage, env.Type)
	assert.Contains(t, string(env.Data), `"id":"srv-tmp-2"`)
}

func TestJoinForbiddenForOutsider(t *testing.T) {
	f := newFixture(t, HandlerConfig{})
	eve := f.dial(t, "tok-eve")

	writeFrame(t, eve, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})

	env := readFrame(t, eve)
	require.Equal(t, domain.EventError, env.Type)
	assert.Contains(t, string(env.Data), `"code":"forbidden"`)
	assert.Equal(t, 0, f.roomSize("c1"))
}

func TestLeaveStopsDelivery(t *testing.T) {
	f := newFixture(t, HandlerConfig{})
	alice := f.dial(t, "tok-alice")
	bob := f.dial(t, "tok-bob")

	writeFrame(t, alice, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})
	writeFrame(t, bob, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})
	require.Eventually(t, func() bool { return f.roomSize("c1") == 2 }, time.Second, 10*time.Millisecond)

	writeFrame(t, bob, domain.EventLeaveConversation, domain.RoomPayload{ConversationID: "c1"})
	require.Eventually(t, func() bool { return f.roomSize("c1") == 1 }, time.Second, 10*time.Millisecond)

	writeFrame(t, alice, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: "c1", Content: "gone?"})
	env := readFrame(t, alice)
	assert.Equal(t, domain.EventNewMessage, env.Type)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var none domain.Envelope
	assert.Error(t, bob.ReadJSON(&none))
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t, HandlerConfig{SendRate: 0.001, SendBurst: 1})
	alice := f.dial(t, "tok-alice")
	writeFrame(t, alice, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})

	writeFrame(t, alice, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: "c1", Content: "one"})
	writeFrame(t, alice, domain.EventSendMessage, domain.SendMessagePayload{ConversationID: "c1", Content: "two"})

	first := readFrame(t, alice)
	assert.Equal(t, domain.EventNewMessage, first.Type)
	second := readFrame(t, alice)
	require.Equal(t, domain.EventError, second.Type)
	assert.Contains(t, string(second.Data), `"code":"rate_limited"`)
}

func TestDisconnectUnregisters(t *testing.T) {
	f := newFixture(t, HandlerConfig{})
	alice := f.dial(t, "tok-alice")
	writeFrame(t, alice, domain.EventJoinConversation, domain.RoomPayload{ConversationID: "c1"})
	require.Eventually(t, func() bool { return f.roomSize("c1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool { return f.hub.Count() == 0 && f.roomSize("c1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	check := makeCheckOrigin([]string{"http://localhost:5173"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r), "non-browser clients send no Origin")

	r.Header.Set("Origin", "http://LOCALHOST:5173")
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(r))
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := extractTokenFromWSRequest(r)
	assert.Error(t, err)

	r.Header.Set("Sec-WebSocket-Protocol", "bearer, abc")
	tok, err := extractTokenFromWSRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	r.Header.Set("Authorization", "Bearer xyz")
	tok, err = extractTokenFromWSRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)
}
