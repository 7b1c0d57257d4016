package msgstore

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"vibechat/internal/domain"
)

// Outcome reports what IngestLive did with a message.
type Outcome int

const (
	// Ignored messages belong to another conversation or carry no ID.
	Ignored Outcome = iota
	Inserted
	Duplicate
	// Promoted means a local pending or failed entry was confirmed in place.
	Promoted
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Promoted:
		return "promoted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Store is the authoritative log for one conversation at a time.
type Store struct {
	self        string
	matchWindow time.Duration

	conversationID string
	entries        []*domain.Message
	confirmed      int
	byID           map[string]*domain.Message
	byTemp         map[string]*domain.Message
	historyLoaded  bool
	liveStarted    bool
}

// New creates an empty store. selfID identifies messages sent by this
// client; matchWindow bounds the timestamp distance used to pair an echo
// without a client temp ID with a pending message.
func New(selfID string, matchWindow time.Duration) *Store {
	s := &Store{self: selfID, matchWindow: matchWindow}
	s.Reset("")
	return s
}

// Reset clears all state and scopes the store to conversationID.
func (s *Store) Reset(conversationID string) {
	s.conversationID = conversationID
	s.entries = nil
	s.confirmed = 0
	s.byID = make(map[string]*domain.Message)
	s.byTemp = make(map[string]*domain.Message)
	s.historyLoaded = false
	s.liveStarted = false
}

// ConversationID returns the conversation the store is scoped to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// IngestHistory fills the store with the initial history page. It must be
// the first ingestion after Reset; later pages go through MergeHistory.
// It returns the number of entries added or promoted.
func (s *Store) IngestHistory(msgs []domain.Message) (int, error) {
	if s.liveStarted || s.historyLoaded {
		return 0, domain.ErrHistoryOrder
	}
	s.historyLoaded = true
	return s.merge(msgs), nil
}

// MergeHistory merges an additional history page (older messages or a
// resync after reconnect). Already known IDs are skipped.
func (s *Store) MergeHistory(msgs []domain.Message) int {
	return s.merge(msgs)
}

func (s *Store) merge(msgs []domain.Message) int {
	n := 0
	for i := range msgs {
		m := msgs[i]
		if !s.accept(&m) {
			continue
		}
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		if p := s.matchLocal(&m); p != nil {
			s.promote(p, &m)
		} else {
			s.insertConfirmed(&m)
		}
		n++
	}
	return n
}

// IngestLive applies one live-delivered message. When it promotes a local
// entry the entry's client temp ID is returned.
func (s *Store) IngestLive(m domain.Message) (Outcome, string) {
	if !s.accept(&m) {
		return Ignored, ""
	}
	s.liveStarted = true
	if _, ok := s.byID[m.ID]; ok {
		return Duplicate, ""
	}
	if p := s.matchLocal(&m); p != nil {
		tempID := p.ClientTempID
		s.promote(p, &m)
		return Promoted, tempID
	}
	s.insertConfirmed(&m)
	return Inserted, ""
}

// IngestSent appends a locally originated message as pending.
func (s *Store) IngestSent(m domain.Message) error {
	if m.ClientTempID == "" || m.ID != "" {
		return fmt.Errorf("ingest sent: %w", domain.ErrInvalidInput)
	}
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	if m.ConversationID != s.conversationID {
		return fmt.Errorf("ingest sent: conversation %q is not active: %w", m.ConversationID, domain.ErrInvalidInput)
	}
	if _, ok := s.byTemp[m.ClientTempID]; ok {
		return fmt.Errorf("ingest sent %s: %w", m.ClientTempID, domain.ErrConflict)
	}
	m.DeliveryState = domain.DeliveryPending
	m.IsRead = false
	p := &m
	s.entries = append(s.entries, p)
	s.byTemp[p.ClientTempID] = p
	return nil
}

// MarkFailed flips a pending entry to failed. It reports false when the
// entry is unknown or no longer pending.
func (s *Store) MarkFailed(tempID string) bool {
	p, ok := s.byTemp[tempID]
	if !ok || p.DeliveryState != domain.DeliveryPending {
		return false
	}
	p.DeliveryState = domain.DeliveryFailed
	return true
}

// RemoveFailed drops a failed entry so it can be resubmitted.
func (s *Store) RemoveFailed(tempID string) (domain.Message, bool) {
	p, ok := s.byTemp[tempID]
	if !ok || p.DeliveryState != domain.DeliveryFailed {
		return domain.Message{}, false
	}
	s.removeLocal(p)
	return *p, true
}

// MarkRead sets isRead on a confirmed message from another sender. It never
// clears the flag and never touches own messages.
func (s *Store) MarkRead(id string) bool {
	m, ok := s.byID[id]
	if !ok || m.SenderID == s.self || m.IsRead {
		return false
	}
	m.IsRead = true
	return true
}

// Get returns the confirmed message with the given server ID.
func (s *Store) Get(id string) (domain.Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return *m, true
}

// Local returns the pending or failed entry with the given client temp ID.
func (s *Store) Local(tempID string) (domain.Message, bool) {
	m, ok := s.byTemp[tempID]
	if !ok {
		return domain.Message{}, false
	}
	return *m, true
}

// Snapshot returns a copy of the ordered log.
func (s *Store) Snapshot() []domain.Message {
	out := make([]domain.Message, len(s.entries))
	for i, m := range s.entries {
		out[i] = *m
	}
	return out
}

// Unread returns confirmed messages from other senders not yet read.
func (s *Store) Unread() []domain.Message {
	var out []domain.Message
	for _, m := range s.entries[:s.confirmed] {
		if m.SenderID != s.self && !m.IsRead {
			out = append(out, *m)
		}
	}
	return out
}

// Summary derives the unread count and the latest message.
func (s *Store) Summary() (int, *domain.Message) {
	unread := 0
	var last *domain.Message
	for _, m := range s.entries {
		if !m.Local() && m.SenderID != s.self && !m.IsRead {
			unread++
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) {
			last = m
		}
	}
	if last == nil {
		return unread, nil
	}
	cp := *last
	return unread, &cp
}

// Len returns the number of entries including local ones.
func (s *Store) Len() int {
	return len(s.entries)
}

// ConfirmedLen returns the number of server-confirmed entries.
func (s *Store) ConfirmedLen() int {
	return s.confirmed
}

// HistoryLoaded reports whether IngestHistory ran since the last Reset.
func (s *Store) HistoryLoaded() bool {
	return s.historyLoaded
}

func (s *Store) accept(m *domain.Message) bool {
	if m.ID == "" {
		return false
	}
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	return m.ConversationID == s.conversationID
}

// matchLocal finds the local entry an own message confirms: by client temp
// ID when the echo carries one, otherwise the oldest local entry with the
// same content whose timestamp is within the match window.
func (s *Store) matchLocal(m *domain.Message) *domain.Message {
	if m.SenderID != s.self {
		return nil
	}
	if m.ClientTempID != "" {
		return s.byTemp[m.ClientTempID]
	}
	for _, p := range s.entries[s.confirmed:] {
		if p.Content != m.Content || p.SenderID != m.SenderID {
			continue
		}
		d := m.CreatedAt.Sub(p.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.matchWindow {
			return p
		}
	}
	return nil
}

// promote confirms local entry p with the authoritative fields of m.
func (s *Store) promote(p, m *domain.Message) {
	s.removeLocal(p)
	p.ID = m.ID
	p.ConversationID = m.ConversationID
	p.SenderID = m.SenderID
	p.Content = m.Content
	p.Type = m.Type
	p.Payload = m.Payload
	p.CreatedAt = m.CreatedAt
	p.IsRead = m.IsRead
	s.insertConfirmed(p)
}

func (s *Store) insertConfirmed(m *domain.Message) {
	m.DeliveryState = domain.DeliveryConfirmed
	pos := sort.Search(s.confirmed, func(i int) bool {
		return !s.entries[i].Before(m)
	})
	s.entries = slices.Insert(s.entries, pos, m)
	s.confirmed++
	s.byID[m.ID] = m
}

func (s *Store) removeLocal(p *domain.Message) {
	for i := s.confirmed; i < len(s.entries); i++ {
		if s.entries[i] == p {
			s.entries = slices.Delete(s.entries, i, i+1)
			break
		}
	}
	delete(s.byTemp, p.ClientTempID)
}
