package remote

import (
	"context"
	"sync"
	"time"

	"github.com/thebtf/solvetrace/pkg/models"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	sessions map[string]*memorySession
	now      func() time.Time
	mu       sync.RWMutex
}

type memorySession struct {
	doc  SessionDocument
	seqs map[int]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// CreateSession stores header unless a session with the same id exists.
func (m *MemoryStore) CreateSession(_ context.Context, header models.SessionHeader) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[header.SessionID]; ok {
		return false, nil
	}
	header.Topics = append([]string(nil), header.Topics...)
	m.sessions[header.SessionID] = &memorySession{
		doc: SessionDocument{
			SessionHeader: header,
			Events:        []models.Event{},
			UpdatedAt:     m.now(),
		},
		seqs: make(map[int]struct{}),
	}
	return true, nil
}

// AppendEvents adds the events whose seq is not yet stored.
func (m *MemoryStore) AppendEvents(_ context.Context, sessionID string, events []models.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	added := 0
	for _, ev := range events {
		if _, dup := sess.seqs[ev.Seq]; dup {
			continue
		}
		sess.seqs[ev.Seq] = struct{}{}
		sess.doc.Events = append(sess.doc.Events, ev)
		added++
	}
	if added > 0 {
		SortEvents(sess.doc.Events)
		sess.doc.UpdatedAt = m.now()
	}
	return added, nil
}

// FinalizeSummary overwrites the stored summary and end time. An interim
// summary (nil endTime) is ignored once the session has an end time.
func (m *MemoryStore) FinalizeSummary(_ context.Context, sessionID string, summary models.Summary, endTime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if endTime == nil && sess.doc.EndTime != nil {
		return nil
	}
	sess.doc.Summary = &summary
	if endTime != nil {
		t := *endTime
		sess.doc.EndTime = &t
	}
	sess.doc.UpdatedAt = m.now()
	return nil
}

// GetSession returns a copy of the stored session.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	doc := sess.doc
	doc.Topics = append([]string(nil), doc.Topics...)
	doc.Events = append([]models.Event(nil), doc.Events...)
	if doc.Summary != nil {
		sum := *doc.Summary
		doc.Summary = &sum
	}
	if doc.EndTime != nil {
		t := *doc.EndTime
		doc.EndTime = &t
	}
	return &doc, nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
