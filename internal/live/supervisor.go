// Package live maintains the authenticated live event channel: dialing,
// handshake, keepalive, reconnect with backoff and room membership.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vibechat/internal/domain"
)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	EventBuffer      int
	MaxMessageSize   int64
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     54 * time.Second,
		BackoffMin:       500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		EventBuffer:      64,
		MaxMessageSize:   64 << 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 10 / 9
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = def.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// Supervisor owns one live connection for the process lifetime and
// reconnects it until Close or an authentication failure.
type Supervisor struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
	events chan Event

	mu     sync.Mutex
	state  domain.ConnectionState
	conn   *websocket.Conn
	room   string
	err    error
	cancel context.CancelFunc
	done   chan struct{}

	// roomMu serializes room changes; joined is the room joined on conn.
	roomMu sync.Mutex
	joined string

	// state changes are queued in order and never dropped
	qmu     sync.Mutex
	pending []StateChanged
	wake    chan struct{}
	quit    chan struct{}
	pumped  chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func New(cfg Config, logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "live"),
		events: make(chan Event, cfg.EventBuffer),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		pumped: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the typed event stream. It is closed by Close.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State returns the current connection state.
func (s *Supervisor) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error after an authentication failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect starts the connection loop in the background. The token is sent
// as a bearer credential on every upgrade request.
func (s *Supervisor) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("live: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx, token)
	return nil
}

// Close stops the loop, closes the socket and the event stream. The
// supervisor cannot be reused.
func (s *Supervisor) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.pumped
		close(s.events)
	})
}

// Subscribe joins conversationID, leaving any other room first. While the
// channel is down the room is remembered and joined on the next connect.
func (s *Supervisor) Subscribe(conversationID string) error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	s.room = conversationID
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.syncRoom(conn)
}

// Unsubscribe leaves conversationID if it is the current room.
func (s *Supervisor) Unsubscribe(conversationID string) error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	s.mu.Lock()
	if s.room != conversationID {
		s.mu.Unlock()
		return nil
	}
	s.room = ""
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.syncRoom(conn)
}

// Send writes one event. It fails fast with ErrNotConnected while the
// channel is down.
func (s *Supervisor) Send(event string, payload any) error {
	s.mu.Lock()
	conn, up := s.conn, s.state.Up()
	s.mu.Unlock()
	if conn == nil || !up {
		return domain.ErrNotConnected
	}
	if err := s.write(conn, event, payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context, token string) {
	defer close(s.done)
	defer s.setState(domain.ConnectionState{Phase: domain.Disconnected}, nil)

	for attempt := 0; ; attempt++ {
		s.setState(domain.ConnectionState{Phase: domain.Connecting}, nil)
		conn, err := s.dial(ctx, token)
		if err == nil {
			attempt = 0
			err = s.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrAuthFailed) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.logger.Error("authentication failed, giving up", "error", err)
			s.setState(domain.ConnectionState{Phase: domain.Disconnected}, err)
			s.emit(ctx, AuthFailed{Err: err})
			return
		}

		s.setState(domain.ConnectionState{Phase: domain.Disconnected}, err)
		delay := backoffDelay(attempt, s.cfg.BackoffMin, s.cfg.BackoffMax)
		s.logger.Warn("live channel down, reconnecting", "error", err, "attempt", attempt+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade rejected with %s", domain.ErrAuthFailed, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	switch env.Type {
	case domain.EventConnected:
	case domain.EventError:
		conn.Close()
		var p domain.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		if p.Code == domain.CodeUnauthorized || p.Code == domain.CodeForbidden {
			return nil, fmt.Errorf("%w: %s", domain.ErrAuthFailed, p.Message)
		}
		return nil, fmt.Errorf("handshake rejected: %s: %s", p.Code, p.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("handshake: unexpected %q frame", env.Type)
	}
	return conn, nil
}

// serve runs the read loop of an established connection until it drops.
func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	go s.keepalive(ctx, conn, stop)

	// the remembered room is rejoined under roomMu so a concurrent
	// Subscribe or Unsubscribe is applied either before or after it
	s.roomMu.Lock()
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.joined = ""
	s.setState(domain.ConnectionState{Phase: domain.Connected}, nil)
	err := s.syncRoom(conn)
	s.roomMu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info("live channel connected")

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if err := s.dispatch(ctx, env); err != nil {
			return err
		}
	}
}

// keepalive pings until stop; it also closes the socket on cancellation so
// the blocked read returns.
func (s *Supervisor) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Debug("ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, env domain.Envelope) error {
	switch env.Type {
	case domain.EventNewMessage:
		var m domain.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			s.logger.Warn("malformed newMessage frame", "error", err)
			return nil
		}
		s.emit(ctx, MessageReceived{Message: m})
	case domain.EventError:
		var p domain.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("malformed error frame", "error", err)
			return nil
		}
		if p.Code == domain.CodeUnauthorized {
			return fmt.Errorf("%w: %s", domain.ErrAuthFailed, p.Message)
		}
		s.emit(ctx, ServerError{Code: p.Code, Message: p.Message})
	case domain.EventConnected:
	default:
		s.logger.Debug("ignoring frame", "type", env.Type)
	}
	return nil
}

// syncRoom leaves and joins on conn until the joined room matches the
// remembered one. The caller holds roomMu.
func (s *Supervisor) syncRoom(conn *websocket.Conn) error {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if s.joined == room {
		return nil
	}

	if s.joined != "" {
		if err := s.write(conn, domain.EventLeaveConversation, domain.RoomPayload{ConversationID: s.joined}); err != nil {
			return fmt.Errorf("leave conversation: %w", err)
		}
		s.joined = ""
		if room == "" {
			s.transition(conn, domain.ConnectionState{Phase: domain.Connected}, nil)
			return nil
		}
	}

	if err := s.write(conn, domain.EventJoinConversation, domain.RoomPayload{ConversationID: room}); err != nil {
		return fmt.Errorf("join conversation: %w", err)
	}
	s.joined = room
	s.transition(conn, domain.ConnectionState{Phase: domain.Subscribed, ConversationID: room}, nil)
	return nil
}

func (s *Supervisor) write(conn *websocket.Conn, event string, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return conn.WriteJSON(env)
}

// transition applies a state change only while conn is still current.
func (s *Supervisor) transition(conn *websocket.Conn, st domain.ConnectionState, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.state == st {
		return
	}
	s.state = st
	s.enqueue(StateChanged{State: st, Err: cause})
}

func (s *Supervisor) setState(st domain.ConnectionState, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.state = st
	s.enqueue(StateChanged{State: st, Err: cause})
}

// enqueue records a state change for the pump. The caller holds mu, which
// keeps the queue in the order the changes were applied. A run of down
// states keeps only its first and latest entries.
func (s *Supervisor) enqueue(ev StateChanged) {
	s.qmu.Lock()
	n := len(s.pending)
	if n >= 2 && !ev.State.Up() && !s.pending[n-1].State.Up() && !s.pending[n-2].State.Up() {
		s.pending[n-1] = ev
	} else {
		s.pending = append(s.pending, ev)
	}
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued state changes to the event stream until Close.
func (s *Supervisor) pump() {
	defer close(s.pumped)
	for {
		s.qmu.Lock()
		if len(s.pending) == 0 {
			s.qmu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.qmu.Unlock()

		select {
		case s.events <- ev:
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
