// Package session runs the single event loop that keeps one conversation's
// message log consistent across history loads, live events, sends and read
// acknowledgments.
//
// All mutable state is owned by the goroutine running Run. Public methods
// post typed commands to it; slow work (history fetches, acknowledgments,
// send timers) runs elsewhere and posts its result back tagged with the
// generation it was started under, so results for a conversation that has
// since been closed or switched are dropped.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vibechat/internal/domain"
	"vibechat/internal/live"
	"vibechat/internal/msgstore"
	"vibechat/internal/readtracker"
	"vibechat/internal/sender"
)

// Connection is the live channel as used by the session.
type Connection interface {
	Subscribe(conversationID string) error
	Unsubscribe(conversationID string) error
	Send(event string, payload any) error
	State() domain.ConnectionState
	Events() <-chan live.Event
}

// API is the REST collaborator.
type API interface {
	LoadHistory(ctx context.Context, conversationID string, limit, offset int) (*domain.History, error)
	AckRead(ctx context.Context, messageID string) error
}

// Options tunes a Session.
type Options struct {
	SelfID            string
	PageSize          int
	SendTimeout       time.Duration
	EchoMatchWindow   time.Duration
	ReadBatchWindow   time.Duration
	AckConcurrency    int
	AckMaxAttempts    int
	ResyncOnReconnect bool
}

// DefaultOptions returns the stock options for user selfID.
func DefaultOptions(selfID string) Options {
	return Options{
		SelfID:            selfID,
		PageSize:          50,
		SendTimeout:       10 * time.Second,
		EchoMatchWindow:   2 * time.Minute,
		ReadBatchWindow:   300 * time.Millisecond,
		AckConcurrency:    4,
		AckMaxAttempts:    3,
		ResyncOnReconnect: true,
	}
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Conversation  domain.Conversation
	Participant   *domain.Participant
	Vibe          *domain.Vibe
	Messages      []domain.Message
	Connection    domain.ConnectionState
	HistoryLoaded bool
	LoadingOlder  bool
	HasMore       bool
	LastError     error
	Version       uint64
}

// ErrClosed is returned by calls made after Run has returned.
var ErrClosed = errors.New("session closed")

// Session keeps the message log of the open conversation in sync.
type Session struct {
	opts   Options
	conn   Connection
	api    API
	logger *slog.Logger

	inbox chan any
	done  chan struct{}

	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int

	// owned by the loop
	store        *msgstore.Store
	tracker      *readtracker.Tracker
	coord        *sender.Coordinator
	gen          uint64
	convID       string
	ctx          context.Context
	cancel       context.CancelFunc
	loading      bool
	buffer       []domain.Message
	participant  *domain.Participant
	vibe         *domain.Vibe
	state        domain.ConnectionState
	needResync   bool
	loadingOlder bool
	hasMore      bool
	lastErr      error
	flushTimer   *time.Timer
	version      uint64
}

// New returns a session bound to conn and api. Nothing happens until Run.
func New(opts Options, conn Connection, api API, logger *slog.Logger) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Session{
		opts:    opts,
		conn:    conn,
		api:     api,
		logger:  logger.With("component", "session"),
		inbox:   make(chan any, 64),
		done:    make(chan struct{}),
		subs:    make(map[int]chan Snapshot),
		store:   msgstore.New(opts.SelfID, opts.EchoMatchWindow),
		tracker: readtracker.New(opts.SelfID, opts.AckMaxAttempts),
	}
}

type (
	openCmd struct {
		conversationID string
		reply          chan error
	}
	closeCmd struct {
		reply chan error
	}
	submitCmd struct {
		content string
		typ     domain.MessageType
		payload json.RawMessage
		reply   chan submitReply
	}
	retryCmd struct {
		tempID string
		reply  chan submitReply
	}
	loadOlderCmd struct {
		reply chan error
	}
	submitReply struct {
		tempID string
		err    error
	}

	historyKind   int
	historyResult struct {
		gen     uint64
		kind    historyKind
		history *domain.History
		err     error
	}
	ackResult struct {
		gen     uint64
		results map[string]error
	}
	sendExpired struct {
		gen    uint64
		tempID string
	}
	flushReads struct {
		gen uint64
	}
)

const (
	historyInitial historyKind = iota
	historyResync
	historyOlder
)

// Run processes commands and live events until ctx is cancelled or the
// live event stream closes.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()
	s.state = s.conn.State()
	s.publish()

	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		case msg := <-s.inbox:
			s.handle(msg)
		}
	}
}

// Open switches the session to conversationID. History loads in the
// background; the call returns once the switch is applied.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("open: %w", domain.ErrInvalidInput)
	}
	reply := make(chan error, 1)
	if err := s.post(ctx, openCmd{conversationID: conversationID, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Close tears down the active conversation.
func (s *Session) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, closeCmd{reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Submit sends a text message and returns its client temp id.
func (s *Session) Submit(ctx context.Context, content string) (string, error) {
	return s.submit(ctx, submitCmd{content: content, typ: domain.MessageTypeText})
}

// SubmitOffer sends a structured offer.
func (s *Session) SubmitOffer(ctx context.Context, content string, payload json.RawMessage) (string, error) {
	return s.submit(ctx, submitCmd{content: content, typ: domain.MessageTypeOffer, payload: payload})
}

func (s *Session) submit(ctx context.Context, cmd submitCmd) (string, error) {
	cmd.reply = make(chan submitReply, 1)
	if err := s.post(ctx, cmd); err != nil {
		return "", err
	}
	select {
	case r := <-cmd.reply:
		return r.tempID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrClosed
	}
}

// Retry resubmits a failed message under a fresh temp id.
func (s *Session) Retry(ctx context.Context, tempID string) (string, error) {
	reply := make(chan submitReply, 1)
	if err := s.post(ctx, retryCmd{tempID: tempID, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.tempID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrClosed
	}
}

// LoadOlder fetches the page before the oldest loaded message. It is a
// no-op while a load is running or when no older messages exist.
func (s *Session) LoadOlder(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, loadOlderCmd{reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Intermediate snapshots may be skipped. The channel closes when ctx is
// done or the session stops.
func (s *Session) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch
	default:
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}()
	return ch
}

func (s *Session) post(ctx context.Context, msg any) error {
	select {
	case s.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// deliver posts an internal result; dropped once the loop has stopped.
func (s *Session) deliver(msg any) {
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *Session) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case openCmd:
		s.open(m.conversationID)
		m.reply <- nil
	case closeCmd:
		s.teardown()
		s.store.Reset("")
		s.publish()
		m.reply <- nil
	case submitCmd:
		if s.convID == "" {
			m.reply <- submitReply{err: fmt.Errorf("submit: no open conversation: %w", domain.ErrInvalidInput)}
			return
		}
		var id string
		var err error
		if m.typ == domain.MessageTypeOffer {
			id, err = s.coord.SubmitOffer(s.convID, m.content, m.payload)
		} else {
			id, err = s.coord.Submit(s.convID, m.content)
		}
		s.noteSendError(err)
		m.reply <- submitReply{tempID: id, err: err}
	case retryCmd:
		if s.coord == nil {
			m.reply <- submitReply{err: fmt.Errorf("retry: %w", domain.ErrNotFound)}
			return
		}
		id, err := s.coord.Retry(m.tempID)
		s.noteSendError(err)
		m.reply <- submitReply{tempID: id, err: err}
	case loadOlderCmd:
		s.loadOlder()
		m.reply <- nil
	case historyResult:
		if m.gen == s.gen {
			s.applyHistory(m)
		}
	case ackResult:
		if m.gen == s.gen {
			s.applyAcks(m.results)
		}
	case sendExpired:
		if m.gen == s.gen && s.coord.Expire(m.tempID) {
			s.lastErr = fmt.Errorf("%w: %s", domain.ErrSendTimeout, m.tempID)
			s.publish()
		}
	case flushReads:
		if m.gen == s.gen {
			s.flushTimer = nil
			s.dispatchReads()
		}
	}
}

func (s *Session) noteSendError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEmptyContent), errors.Is(err, domain.ErrNotFound):
		return
	default:
		s.lastErr = err
	}
	s.publish()
}

func (s *Session) open(conversationID string) {
	s.teardown()

	s.gen++
	gen := s.gen
	s.convID = conversationID
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.store.Reset(conversationID)
	s.tracker.Reset()
	s.coord = sender.New(s.opts.SelfID, s.conn, s.store, s.opts.SendTimeout, func(tempID string) {
		s.deliver(sendExpired{gen: gen, tempID: tempID})
	}, s.logger)
	s.loading = true
	s.buffer = nil
	s.participant, s.vibe = nil, nil
	s.hasMore = false
	s.needResync = false
	s.lastErr = nil

	if err := s.conn.Subscribe(conversationID); err != nil {
		s.logger.Warn("subscribe failed, will rejoin on reconnect", "conversation", conversationID, "error", err)
	}
	s.fetch(historyInitial, 0)
	s.logger.Info("conversation opened", "conversation", conversationID)
	s.publish()
}

// teardown leaves the active conversation and abandons its pending work.
func (s *Session) teardown() {
	if s.convID == "" {
		return
	}
	if err := s.conn.Unsubscribe(s.convID); err != nil {
		s.logger.Warn("unsubscribe failed", "conversation", s.convID, "error", err)
	}
	s.cancel()
	s.coord.Stop()
	s.coord = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.tracker.Abandon()
	s.gen++
	s.convID = ""
	s.loading = false
	s.loadingOlder = false
	s.buffer = nil
}

func (s *Session) fetch(kind historyKind, offset int) {
	gen, ctx, id, limit := s.gen, s.ctx, s.convID, s.opts.PageSize
	go func() {
		h, err := s.api.LoadHistory(ctx, id, limit, offset)
		s.deliver(historyResult{gen: gen, kind: kind, history: h, err: err})
	}()
}

func (s *Session) loadOlder() {
	if s.convID == "" || s.loading || s.loadingOlder || !s.hasMore {
		return
	}
	s.loadingOlder = true
	s.fetch(historyOlder, s.store.ConfirmedLen())
	s.publish()
}

func (s *Session) applyHistory(r historyResult) {
	switch r.kind {
	case historyInitial:
		s.loading = false
		if r.err != nil {
			s.lastErr = r.err
			s.logger.Error("history load failed", "conversation", s.convID, "error", r.err)
		} else {
			s.participant = r.history.Participant
			s.vibe = r.history.Vibe
			s.hasMore = len(r.history.Messages) >= s.opts.PageSize
			if _, err := s.store.IngestHistory(r.history.Messages); err != nil {
				s.logger.Error("history ingest rejected", "error", err)
			}
		}
		buffered := s.buffer
		s.buffer = nil
		for _, m := range buffered {
			s.ingestLive(m)
		}
	case historyResync:
		if r.err != nil {
			s.logger.Warn("resync failed", "conversation", s.convID, "error", r.err)
			return
		}
		n := s.store.MergeHistory(r.history.Messages)
		s.logger.Debug("resynced after reconnect", "added", n)
	case historyOlder:
		s.loadingOlder = false
		if r.err != nil {
			s.lastErr = r.err
		} else {
			s.store.MergeHistory(r.history.Messages)
			s.hasMore = len(r.history.Messages) >= s.opts.PageSize
		}
	}
	s.collectReads()
	s.publish()
}

func (s *Session) handleEvent(ev live.Event) {
	switch e := ev.(type) {
	case live.StateChanged:
		prev := s.state
		s.state = e.State
		if prev.Up() && !e.State.Up() && s.convID != "" && !s.loading {
			s.needResync = true
		}
		if e.State.Phase == domain.Subscribed && e.State.ConversationID == s.convID && s.needResync {
			s.needResync = false
			if s.opts.ResyncOnReconnect {
				s.fetch(historyResync, 0)
			}
		}
		s.publish()
	case live.MessageReceived:
		m := e.Message
		if s.convID == "" || (m.ConversationID != "" && m.ConversationID != s.convID) {
			return
		}
		if s.loading {
			s.buffer = append(s.buffer, m)
			return
		}
		if s.ingestLive(m) {
			s.collectReads()
			s.publish()
		}
	case live.AuthFailed:
		s.lastErr = e.Err
		s.publish()
	case live.ServerError:
		s.lastErr = fmt.Errorf("server error %s: %s", e.Code, e.Message)
		s.logger.Warn("server error", "code", e.Code, "message", e.Message)
		s.publish()
	}
}

// ingestLive reports whether the log changed.
func (s *Session) ingestLive(m domain.Message) bool {
	out, tempID := s.store.IngestLive(m)
	switch out {
	case msgstore.Promoted:
		s.coord.Resolve(tempID)
		return true
	case msgstore.Inserted:
		return true
	}
	return false
}

func (s *Session) collectReads() {
	ids := s.tracker.Collect(s.store.Snapshot())
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		s.store.MarkRead(id)
	}
	if s.opts.ReadBatchWindow <= 0 {
		s.dispatchReads()
		return
	}
	if s.flushTimer == nil {
		gen := s.gen
		s.flushTimer = time.AfterFunc(s.opts.ReadBatchWindow, func() {
			s.deliver(flushReads{gen: gen})
		})
	}
}

func (s *Session) dispatchReads() {
	ids := s.tracker.TakeBatch()
	if len(ids) == 0 {
		return
	}
	gen, ctx, limit := s.gen, s.ctx, s.opts.AckConcurrency
	go func() {
		res := readtracker.Dispatch(ctx, s.api, ids, limit)
		s.deliver(ackResult{gen: gen, results: res})
	}()
}

func (s *Session) applyAcks(results map[string]error) {
	for id, err := range results {
		s.tracker.Resolve(id, err)
		if err != nil {
			s.logger.Warn("read acknowledgment failed", "message", id, "attempts", s.tracker.Attempts(id), "error", err)
		}
	}
}

func (s *Session) publish() {
	s.version++
	unread, last := s.store.Summary()
	snap := Snapshot{
		Conversation: domain.Conversation{
			ID:          s.convID,
			UnreadCount: unread,
			LastMessage: last,
		},
		Participant:   s.participant,
		Vibe:          s.vibe,
		Messages:      s.store.Snapshot(),
		Connection:    s.state,
		HistoryLoaded: s.store.HistoryLoaded(),
		LoadingOlder:  s.loadingOlder,
		HasMore:       s.hasMore,
		LastError:     s.lastErr,
		Version:       s.version,
	}
	if s.participant != nil {
		snap.Conversation.ParticipantID = s.participant.ID
	}
	if s.vibe != nil {
		snap.Conversation.AssociatedItemID = s.vibe.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Session) shutdown() {
	s.teardown()
	s.store.Reset("")
	s.publish()
	s.mu.Lock()
	close(s.done)
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
}
