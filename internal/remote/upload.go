package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thebtf/solvetrace/pkg/models"
)

// ErrInvalidSession is returned by Upload for a nil session or one without an id.
var ErrInvalidSession = errors.New("invalid session")

// Uploader delivers whole sessions to a SessionStore.
type Uploader struct {
	store SessionStore
	now   func() time.Time
}

// NewUploader creates an Uploader for store.
func NewUploader(store SessionStore) *Uploader {
	return &Uploader{store: store, now: time.Now}
}

// Upload runs create, append and finalize for s in that order and stops at
// the first error. Every step is idempotent, so a session can be uploaded
// again after a partial failure. A session that is not finalized yet is sent
// with a summary computed as of now and no end time.
func (u *Uploader) Upload(ctx context.Context, s *models.Session) error {
	if s == nil || s.SessionID == "" {
		return ErrInvalidSession
	}
	if _, err := u.store.CreateSession(ctx, s.Header()); err != nil {
		return fmt.Errorf("create session %s: %w", s.SessionID, err)
	}
	if len(s.Events) > 0 {
		if _, err := u.store.AppendEvents(ctx, s.SessionID, s.Events); err != nil {
			return fmt.Errorf("append events %s: %w", s.SessionID, err)
		}
	}
	summary := models.ComputeSummary(s, u.now())
	if s.Summary != nil {
		summary = *s.Summary
	}
	if err := u.store.FinalizeSummary(ctx, s.SessionID, summary, s.EndTime); err != nil {
		return fmt.Errorf("finalize summary %s: %w", s.SessionID, err)
	}
	return nil
}
