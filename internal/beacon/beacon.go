// Package beacon hands buffered sessions off when the host is going away.
//
// Send never waits for the network. A durable beacon has taken ownership of
// the batch once Send returns; a non-durable one only tried its best.
package beacon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/pkg/models"
)

// Beacon is a fire-and-forget transport for a batch of sessions.
type Beacon interface {
	Send(batch *models.Batch) error
	Durable() bool
}

// Uploader delivers one session to the remote store.
type Uploader interface {
	Upload(ctx context.Context, s *models.Session) error
}

// DefaultAsyncTimeout bounds the detached upload of an Async beacon.
const DefaultAsyncTimeout = 10 * time.Second

// Async uploads the batch in a detached goroutine and returns at once.
// Nothing is removed from the buffer, so sessions it fails to deliver are
// retried on the next load.
type Async struct {
	uploader Uploader
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewAsync creates an Async beacon. A non-positive timeout selects
// DefaultAsyncTimeout.
func NewAsync(uploader Uploader, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = DefaultAsyncTimeout
	}
	return &Async{uploader: uploader, timeout: timeout}
}

// Send starts the upload and returns without waiting for it.
func (a *Async) Send(batch *models.Batch) error {
	if batch == nil || len(batch.Sessions) == 0 {
		return nil
	}
	sessions := make([]*models.Session, 0, len(batch.Sessions))
	for _, s := range batch.Sessions {
		sessions = append(sessions, s.Clone())
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		for _, s := range sessions {
			if err := a.uploader.Upload(ctx, s); err != nil {
				log.Warn().Err(err).Str("sessionId", s.SessionID).Msg("Unload upload failed")
			}
		}
	}()
	return nil
}

// Durable reports false: the batch is lost if the process exits first.
func (a *Async) Durable() bool { return false }

// Wait blocks until every started upload has returned.
func (a *Async) Wait() { a.wg.Wait() }
