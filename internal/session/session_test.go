package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibechat/internal/domain"
	"vibechat/internal/live"
	"vibechat/internal/logging"
)

type fakeConn struct {
	mu      sync.Mutex
	events  chan live.Event
	ops     []string
	sent    []domain.SendMessagePayload
	sendErr error
	state   domain.ConnectionState
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan live.Event, 32),
		state:  domain.ConnectionState{Phase: domain.Connected},
	}
}

func (f *fakeConn) Subscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "sub:"+id)
	return nil
}

func (f *fakeConn) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "unsub:"+id)
	return nil
}

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload.(domain.SendMessagePayload))
	return nil
}

func (f *fakeConn) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Events() <-chan live.Event { return f.events }

func (f *fakeConn) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeConn) lastSent(t *testing.T) domain.SendMessagePayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type historyCall struct {
	ctx            context.Context
	conversationID string
	offset         int
	reply          chan historyReply
}

type historyReply struct {
	h   *domain.History
	err error
}

func (c historyCall) respond(msgs ...domain.Message) {
	c.reply <- historyReply{h: &domain.History{
		Messages:    msgs,
		Participant: &domain.Participant{ID: "them", Username: "bob"},
		Vibe:        &domain.Vibe{ID: "v1", Title: "bike"},
	}}
}

type fakeAPI struct {
	calls chan historyCall

	mu     sync.Mutex
	acks   map[string]int
	ackErr map[string]int // remaining failures per id
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls:  make(chan historyCall, 8),
		acks:   make(map[string]int),
		ackErr: make(map[string]int),
	}
}

func (f *fakeAPI) LoadHistory(ctx context.Context, id string, limit, offset int) (*domain.History, error) {
	c := historyCall{ctx: ctx, conversationID: id, offset: offset, reply: make(chan historyReply, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.h, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAPI) AckRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[id]++
	if f.ackErr[id] > 0 {
		f.ackErr[id]--
		return domain.ErrAckFailed
	}
	return nil
}

func (f *fakeAPI) ackCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[id]
}

func (f *fakeAPI) nextCall(t *testing.T) historyCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no history request")
		return historyCall{}
	}
}

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func incoming(id string, sec int) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "them",
		Content:        "msg " + id,
		Type:           domain.MessageTypeText,
		CreatedAt:      base.Add(time.Duration(sec) * time.Second),
	}
}

type harness struct {
	s    *Session
	conn *fakeConn
	api  *fakeAPI
}

func start(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	opts := DefaultOptions("me")
	opts.PageSize = 3
	opts.ReadBatchWindow = 5 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	h := &harness{conn: newFakeConn(), api: newFakeAPI()}
	h.s = New(opts, h.conn, h.api, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return h
}

func (h *harness) open(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.s.Open(context.Background(), id))
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.s.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return h.s.Snapshot()
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestLiveBufferedUntilHistory(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	call := h.api.nextCall(t)
	assert.Equal(t, "c1", call.conversationID)

	h.conn.events <- live.MessageReceived{Message: incoming("m3", 15)}
	h.conn.events <- live.MessageReceived{Message: incoming("m2", 20)}

	// nothing is rendered before history resolves
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.s.Snapshot().Messages)

	call.respond(incoming("m2", 20), incoming("m1", 10))

	snap := h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 3 })
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(snap.Messages))
	assert.True(t, snap.HistoryLoaded)
	assert.Equal(t, "them", snap.Conversation.ParticipantID)
	assert.Equal(t, "v1", snap.Conversation.AssociatedItemID)
	assert.Equal(t, "m2", snap.Conversation.LastMessage.ID)

	h.waitFor(t, func(s Snapshot) bool { return s.Conversation.UnreadCount == 0 })
	require.Eventually(t, func() bool {
		return h.api.ackCount("m1") == 1 && h.api.ackCount("m2") == 1 && h.api.ackCount("m3") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHistoryFailureStillReplaysLive(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	call := h.api.nextCall(t)
	h.conn.events <- live.MessageReceived{Message: incoming("m1", 10)}
	call.reply <- historyReply{err: domain.ErrHistoryLoadFailed}

	snap := h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.ErrorIs(t, snap.LastError, domain.ErrHistoryLoadFailed)
	assert.False(t, snap.HistoryLoaded)
}

func TestSwitchConversation(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	first := h.api.nextCall(t)

	h.open(t, "c2")
	second := h.api.nextCall(t)
	assert.Equal(t, []string{"sub:c1", "unsub:c1", "sub:c2"}, h.conn.opsSnapshot())

	require.Eventually(t, func() bool { return first.ctx.Err() != nil }, time.Second, 5*time.Millisecond)
	first.respond(incoming("stale", 1))

	other := incoming("x1", 5)
	other.ConversationID = "c2"
	second.respond(other)
	h.conn.events <- live.MessageReceived{Message: incoming("late-c1", 6)}

	snap := h.waitFor(t, func(s Snapshot) bool { return s.HistoryLoaded })
	time.Sleep(20 * time.Millisecond)
	snap = h.s.Snapshot()
	assert.Equal(t, "c2", snap.Conversation.ID)
	assert.Equal(t, []string{"x1"}, ids(snap.Messages))
}

func TestEchoPromotesPending(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	h.api.nextCall(t).respond()
	h.waitFor(t, func(s Snapshot) bool { return s.HistoryLoaded })

	_, err := h.s.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyContent)

	tempID, err := h.s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	snap := h.s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, domain.DeliveryPending, snap.Messages[0].DeliveryState)

	sent := h.conn.lastSent(t)
	assert.Equal(t, tempID, sent.ClientTempID)
	h.conn.events <- live.MessageReceived{Message: domain.Message{
		ID: "s1", ConversationID: "c1", SenderID: "me", Content: "hello",
		Type: domain.MessageTypeText, CreatedAt: time.Now().UTC(), ClientTempID: tempID,
	}}

	snap = h.waitFor(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].DeliveryState == domain.DeliveryConfirmed
	})
	assert.Equal(t, "s1", snap.Messages[0].ID)
	assert.Zero(t, h.api.ackCount("s1"), "own messages are never acknowledged")
}

func TestSendTimeoutAndRetry(t *testing.T) {
	h := start(t, func(o *Options) { o.SendTimeout = 20 * time.Millisecond })
	h.open(t, "c1")
	h.api.nextCall(t).respond()

	first, err := h.s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	snap := h.waitFor(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].DeliveryState == domain.DeliveryFailed
	})
	assert.ErrorIs(t, snap.LastError, domain.ErrSendTimeout)

	second, err := h.s.Retry(context.Background(), first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	snap = h.s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, second, snap.Messages[0].ClientTempID)

	h.conn.events <- live.MessageReceived{Message: domain.Message{
		ID: "s1", ConversationID: "c1", SenderID: "me", Content: "hello",
		CreatedAt: time.Now().UTC(), ClientTempID: second,
	}}
	h.waitFor(t, func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "s1"
	})
}

func TestSubmitWhileDisconnected(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	h.api.nextCall(t).respond()
	h.conn.setSendErr(domain.ErrNotConnected)

	_, err := h.s.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	snap := h.s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, domain.DeliveryFailed, snap.Messages[0].DeliveryState)
}

func TestFailedAckRetriedOnNextPass(t *testing.T) {
	h := start(t, nil)
	h.api.ackErr["m1"] = 1
	h.open(t, "c1")
	h.api.nextCall(t).respond(incoming("m1", 10))

	require.Eventually(t, func() bool { return h.api.ackCount("m1") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// a later visibility pass retries the failed acknowledgment once
	h.conn.events <- live.MessageReceived{Message: incoming("m2", 20)}
	require.Eventually(t, func() bool {
		return h.api.ackCount("m1") == 2 && h.api.ackCount("m2") == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.conn.events <- live.MessageReceived{Message: incoming("m3", 30)}
	require.Eventually(t, func() bool { return h.api.ackCount("m3") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.api.ackCount("m1"))
}

func TestResyncAfterReconnect(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	h.api.nextCall(t).respond(incoming("m1", 10))
	h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	h.conn.events <- live.StateChanged{State: domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"}}
	h.conn.events <- live.StateChanged{State: domain.ConnectionState{Phase: domain.Disconnected}}
	h.conn.events <- live.StateChanged{State: domain.ConnectionState{Phase: domain.Connecting}}
	h.conn.events <- live.StateChanged{State: domain.ConnectionState{Phase: domain.Connected}}
	h.conn.events <- live.StateChanged{State: domain.ConnectionState{Phase: domain.Subscribed, ConversationID: "c1"}}

	call := h.api.nextCall(t)
	assert.Zero(t, call.offset)
	call.respond(incoming("m2", 20), incoming("m1", 10))

	snap := h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 2 })
	assert.Equal(t, []string{"m1", "m2"}, ids(snap.Messages))
	assert.Equal(t, domain.Subscribed, snap.Connection.Phase)
}

func TestLoadOlder(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	h.api.nextCall(t).respond(incoming("m4", 40), incoming("m5", 50), incoming("m6", 60))
	h.waitFor(t, func(s Snapshot) bool { return s.HasMore })

	require.NoError(t, h.s.LoadOlder(context.Background()))
	call := h.api.nextCall(t)
	assert.Equal(t, 3, call.offset)
	call.respond(incoming("m1", 10), incoming("m4", 40))

	snap := h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 4 && !s.LoadingOlder })
	assert.Equal(t, []string{"m1", "m4", "m5", "m6"}, ids(snap.Messages))
	assert.False(t, snap.HasMore)

	require.NoError(t, h.s.LoadOlder(context.Background()))
	select {
	case <-h.api.calls:
		t.Fatal("no request expected without more history")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeConflates(t *testing.T) {
	h := start(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.s.Subscribe(ctx)

	h.open(t, "c1")
	h.api.nextCall(t).respond(incoming("m1", 10))
	h.waitFor(t, func(s Snapshot) bool { return len(s.Messages) == 1 })

	var last Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-ch:
		default:
		}
		return len(last.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCloseUnsubscribes(t *testing.T) {
	h := start(t, nil)
	h.open(t, "c1")
	h.api.nextCall(t)

	require.NoError(t, h.s.Close(context.Background()))
	assert.Equal(t, []string{"sub:c1", "unsub:c1"}, h.conn.opsSnapshot())
	snap := h.s.Snapshot()
	assert.Empty(t, snap.Conversation.ID)

	_, err := h.s.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
