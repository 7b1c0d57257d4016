package main

import (
	"fmt"
	"io"
	"sync"

	"vibechat/internal/domain"
	"vibechat/internal/session"
)

// renderer prints snapshot changes as an append-only transcript.
type renderer struct {
	mu   sync.Mutex
	out  io.Writer
	self string

	seen      map[string]domain.DeliveryState
	conn      domain.ConnectionState
	lastErr   string
	header    bool
	connShown bool
}

func newRenderer(out io.Writer, selfID string) *renderer {
	return &renderer{out: out, self: selfID, seen: make(map[string]domain.DeliveryState)}
}

func messageKey(m *domain.Message) string {
	if m.ClientTempID != "" {
		return m.ClientTempID
	}
	return m.ID
}

func (r *renderer) render(s session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connShown || s.Connection != r.conn {
		r.conn = s.Connection
		r.connShown = true
		fmt.Fprintf(r.out, "-- %s\n", s.Connection)
	}
	if !r.header && s.HistoryLoaded {
		r.header = true
		with := "?"
		if s.Participant != nil {
			with = s.Participant.Username
		}
		about := ""
		if s.Vibe != nil {
			about = fmt.Sprintf(" about %q", s.Vibe.Title)
		}
		fmt.Fprintf(r.out, "-- conversation %s with %s%s\n", s.Conversation.ID, with, about)
	}

	for i := range s.Messages {
		m := &s.Messages[i]
		key := messageKey(m)
		prev, ok := r.seen[key]
		if ok && prev == m.DeliveryState {
			continue
		}
		r.seen[key] = m.DeliveryState
		switch {
		case !ok:
			fmt.Fprintln(r.out, r.line(m))
		case m.DeliveryState == domain.DeliveryFailed:
			fmt.Fprintf(r.out, "!! not delivered: %q  (/retry %s)\n", m.Content, m.ClientTempID)
		case m.DeliveryState == domain.DeliveryConfirmed && prev != domain.DeliveryConfirmed:
			fmt.Fprintf(r.out, "   delivered: %q\n", m.Content)
		}
	}

	errText := ""
	if s.LastError != nil {
		errText = s.LastError.Error()
	}
	if errText != r.lastErr {
		r.lastErr = errText
		if errText != "" {
			fmt.Fprintf(r.out, "!! %s\n", errText)
		}
	}
}

func (r *renderer) line(m *domain.Message) string {
	who := "them"
	if m.SenderID == r.self || m.Local() {
		who = "me"
	}
	status := ""
	switch m.DeliveryState {
	case domain.DeliveryPending:
		status = " (sending)"
	case domain.DeliveryFailed:
		status = fmt.Sprintf(" (failed, /retry %s)", m.ClientTempID)
	}
	text := m.Content
	if m.Type == domain.MessageTypeOffer {
		text = fmt.Sprintf("[offer %s] %s", string(m.Payload), m.Content)
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, text, status)
}

func (r *renderer) notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "!! "+format+"\n", args...)
}
