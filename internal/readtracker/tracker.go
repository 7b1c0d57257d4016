// Package readtracker decides which messages need a read acknowledgment and
// keeps each acknowledgment to a single successful dispatch.
package readtracker

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"vibechat/internal/domain"
)

// Acker acknowledges a message as read on the server.
type Acker interface {
	AckRead(ctx context.Context, messageID string) error
}

// Tracker records in-flight, acknowledged and failed acknowledgments. The
// sets are independent of a message's isRead flag, which is flipped
// optimistically before the server confirms. Not safe for concurrent use.
type Tracker struct {
	self        string
	maxAttempts int

	inFlight map[string]struct{}
	acked    map[string]struct{}
	failures map[string]int
	batch    []string
}

func New(selfID string, maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	t := &Tracker{self: selfID, maxAttempts: maxAttempts}
	t.Reset()
	return t
}

// Reset forgets everything, for a new conversation.
func (t *Tracker) Reset() {
	t.inFlight = make(map[string]struct{})
	t.acked = make(map[string]struct{})
	t.failures = make(map[string]int)
	t.batch = nil
}

// Collect marks every eligible message in flight, queues it for the next
// batch and returns the newly collected ids.
func (t *Tracker) Collect(msgs []domain.Message) []string {
	var ids []string
	for i := range msgs {
		m := &msgs[i]
		if !t.eligible(m) {
			continue
		}
		t.inFlight[m.ID] = struct{}{}
		t.batch = append(t.batch, m.ID)
		ids = append(ids, m.ID)
	}
	return ids
}

func (t *Tracker) eligible(m *domain.Message) bool {
	if m.ID == "" || m.SenderID == t.self || m.Local() {
		return false
	}
	if _, ok := t.acked[m.ID]; ok {
		return false
	}
	if _, ok := t.inFlight[m.ID]; ok {
		return false
	}
	n := t.failures[m.ID]
	if n >= t.maxAttempts {
		return false
	}
	// A failed ack leaves isRead set locally; it stays eligible.
	return !m.IsRead || n > 0
}

// TakeBatch returns and clears the queued ids.
func (t *Tracker) TakeBatch() []string {
	b := t.batch
	t.batch = nil
	return b
}

// Queued returns the number of ids waiting for dispatch.
func (t *Tracker) Queued() int {
	return len(t.batch)
}

// Resolve records the outcome of one acknowledgment.
func (t *Tracker) Resolve(id string, err error) {
	if _, ok := t.inFlight[id]; !ok {
		return
	}
	delete(t.inFlight, id)
	if err == nil {
		t.acked[id] = struct{}{}
		delete(t.failures, id)
		return
	}
	t.failures[id]++
}

// Abandon drops in-flight and queued ids whose outcome will never arrive.
// Acknowledged ids are kept.
func (t *Tracker) Abandon() {
	t.inFlight = make(map[string]struct{})
	t.batch = nil
}

func (t *Tracker) Acked(id string) bool {
	_, ok := t.acked[id]
	return ok
}

func (t *Tracker) InFlight(id string) bool {
	_, ok := t.inFlight[id]
	return ok
}

// Attempts returns how many acknowledgments of id have failed.
func (t *Tracker) Attempts(id string) int {
	return t.failures[id]
}

// Dispatch acknowledges ids with at most limit requests in flight and
// returns each id's outcome. A failing id does not cancel the others.
func Dispatch(ctx context.Context, acker Acker, ids []string, limit int) map[string]error {
	if limit <= 0 {
		limit = 1
	}
	results := make(map[string]error, len(ids))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			err := acker.AckRead(ctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
