// Package buffer provides the durable local queue of not-yet-delivered sessions.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/internal/db/sqlite"
	"github.com/thebtf/solvetrace/pkg/models"
)

// StorageKey is the fixed namespace key of the buffer document.
const StorageKey = "solvetrace.buffer.v1"

// ErrNotFound is returned by a Storage for a missing key.
var ErrNotFound = sqlite.ErrNotFound

// Storage is a key to JSON document store.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, doc []byte) error
	Delete(ctx context.Context, key string) error
}

// Buffer holds the current session and the queue of finalized sessions of a
// single user, and writes both through to Storage on every change.
type Buffer struct {
	storage  Storage
	identity models.Identity
	current  *models.Session
	buffered []*models.Session
	now      func() time.Time
	mu       sync.Mutex
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock sets the time source used for lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// New creates an empty buffer on top of storage.
func New(storage Storage, opts ...Option) *Buffer {
	b := &Buffer{
		storage: storage,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load restores the buffered sessions of who from storage. A stored document
// belonging to another user is discarded. A current session left behind by a
// process that died is finalized as of its last update and queued.
func (b *Buffer) Load(who models.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.identity = who
	b.current = nil
	b.buffered = nil

	doc, err := b.storage.Get(context.Background(), StorageKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read buffer: %w", err)
	}

	var state models.BufferState
	if err := json.Unmarshal(doc, &state); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable session buffer")
		return b.persistLocked()
	}

	if state.UserID != who.UserID {
		log.Info().
			Str("storedUser", state.UserID).
			Str("userId", who.UserID).
			Int("sessions", len(state.BufferedSessions)).
			Msg("Discarding session buffer of another user")
		return b.persistLocked()
	}

	for _, s := range state.BufferedSessions {
		if s != nil && s.SessionID != "" {
			b.buffered = append(b.buffered, s)
		}
	}
	if cur := state.CurrentSession; cur != nil && cur.SessionID != "" {
		end := state.LastUpdated
		if end.IsZero() || end.Before(cur.SessionStartTime) {
			end = cur.SessionStartTime
		}
		cur.Finalize(end)
		b.buffered = append(b.buffered, cur)
		log.Info().
			Str("sessionId", cur.SessionID).
			Int("editCount", cur.EditCount).
			Msg("Recovered interrupted session")
	}

	log.Debug().
		Str("userId", who.UserID).
		Int("sessions", len(b.buffered)).
		Msg("Session buffer loaded")

	return b.persistLocked()
}

// Identity returns the user the buffer is scoped to.
func (b *Buffer) Identity() models.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// Persist replaces the whole state with current and buffered and writes it
// to storage before returning.
func (b *Buffer) Persist(current *models.Session, buffered []*models.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = current.Clone()
	b.buffered = make([]*models.Session, 0, len(buffered))
	for _, s := range buffered {
		b.buffered = append(b.buffered, s.Clone())
	}
	return b.persistLocked()
}

// Checkpoint records current as the in-progress session and persists the
// state together with the existing queue.
func (b *Buffer) Checkpoint(current *models.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = current.Clone()
	return b.persistLocked()
}

// Enqueue adds a finalized session to the queue. If s is the current
// session, current is cleared.
func (b *Buffer) Enqueue(s *models.Session) error {
	if s == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && b.current.SessionID == s.SessionID {
		b.current = nil
	}
	for i, queued := range b.buffered {
		if queued.SessionID == s.SessionID {
			b.buffered[i] = s.Clone()
			return b.persistLocked()
		}
	}
	b.buffered = append(b.buffered, s.Clone())
	return b.persistLocked()
}

// Drain returns copies of the queued sessions. The queue is left untouched;
// delivered sessions are removed with Remove.
func (b *Buffer) Drain() []*models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*models.Session, 0, len(b.buffered))
	for _, s := range b.buffered {
		out = append(out, s.Clone())
	}
	return out
}

// Snapshot returns a copy of the current session, or nil.
func (b *Buffer) Snapshot() *models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Clone()
}

// Remove drops the given sessions from the queue. Unknown ids are ignored.
func (b *Buffer) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.buffered[:0]
	for _, s := range b.buffered {
		if _, ok := drop[s.SessionID]; !ok {
			kept = append(kept, s)
		}
	}
	// Clear the tail so removed sessions can be collected.
	for i := len(kept); i < len(b.buffered); i++ {
		b.buffered[i] = nil
	}
	b.buffered = kept
	return b.persistLocked()
}

// Len returns the number of queued sessions.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}

func (b *Buffer) persistLocked() error {
	buffered := b.buffered
	if buffered == nil {
		buffered = []*models.Session{}
	}
	state := models.BufferState{
		UserID:           b.identity.UserID,
		UserName:         b.identity.UserName,
		CurrentSession:   b.current,
		BufferedSessions: buffered,
		LastUpdated:      b.now(),
	}
	doc, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal buffer: %w", err)
	}
	if err := b.storage.Put(context.Background(), StorageKey, doc); err != nil {
		return fmt.Errorf("write buffer: %w", err)
	}
	return nil
}

// Peek reads the stored buffer document without taking it over. A missing
// document yields an empty state.
func Peek(ctx context.Context, storage Storage) (*models.BufferState, error) {
	doc, err := storage.Get(ctx, StorageKey)
	if errors.Is(err, ErrNotFound) {
		return &models.BufferState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}
	var state models.BufferState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, fmt.Errorf("decode buffer: %w", err)
	}
	return &state, nil
}
