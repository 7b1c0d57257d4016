package session

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
	"vibechat/internal/live"
	"vibechat/internal/logging"
)

// liveServer accepts live connections and lets a test sever the current one.
type liveServer struct {
	*httptest.Server
	mu      sync.Mutex
	current *websocket.Conn
}

func newLiveServer(t *testing.T) *liveServer {
	ls := &liveServer{}
	up := websocket.Upgrader{}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ls.mu.Lock()
		ls.current = conn
		ls.mu.Unlock()
		env, _ := domain.NewEnvelope(domain.EventConnected, domain.ConnectedPayload{UserID: "me"})
		conn.WriteJSON(env)
		for {
			var in domain.Envelope
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ls.Close)
	return ls
}

func (ls *liveServer) drop() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.current != nil {
		ls.current.Close()
	}
}

func TestResyncWithSaturatedEventStream(t *testing.T) {
	ls := newLiveServer(t)
	cfg := live.DefaultConfig("ws" + strings.TrimPrefix(ls.URL, "http"))
	cfg.EventBuffer = 1
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	sup := live.New(cfg, logging.Discard())
	defer sup.Close()

	// the channel comes up before anyone reads, so the stream is full
	require.NoError(t, sup.Connect(context.Background(), "tok"))
	require.Eventually(t, func() bool { return sup.State().Up() }, 2*time.Second, 5*time.Millisecond)

	opts := DefaultOptions("me")
	opts.PageSize = 3
	opts.ReadBatchWindow = 5 * time.Millisecond
	api := newFakeAPI()
	h := &harness{s: New(opts, sup, api, logging.Discard()), api: api}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	h.open(t, "c1")
	h.api.nextCall(t).respond(incoming("m1", 10))
	subscribed := domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"}
	h.waitFor(t, func(s Snapshot) bool { return s.HistoryLoaded && s.Connection == subscribed })

	ls.drop()
	call := h.api.nextCall(t)
	assert.Equal(t, "c1", call.conversationID)
	assert.Zero(t, call.offset)
	call.respond(incoming("m2", 20), incoming("m1", 10))

	snap := h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 2 })
	assert.Equal(t, []string{"m1", "m2"}, ids(snap.Messages))
	h.waitFor(t, func(s Snapshot) bool { return s.Connection == subscribed })
}
