// Package remote defines the contract of the remote session store and an
// in-memory implementation of it.
package remote

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/thebtf/solvetrace/pkg/models"
)

// ErrSessionNotFound is returned for operations on a session that was never created.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the remote document store sessions are delivered to.
//
// CreateSession is create-or-ignore. AppendEvents is a union keyed by
// (sessionId, seq) and returns how many events were new. FinalizeSummary is
// last write wins, except that an interim summary (nil endTime) never
// replaces a stored end time.
type SessionStore interface {
	CreateSession(ctx context.Context, header models.SessionHeader) (created bool, err error)
	AppendEvents(ctx context.Context, sessionID string, events []models.Event) (int, error)
	FinalizeSummary(ctx context.Context, sessionID string, summary models.Summary, endTime *time.Time) error
}

// Reader reads sessions back from a store.
type Reader interface {
	GetSession(ctx context.Context, sessionID string) (*SessionDocument, error)
}

// Store is a SessionStore that can also be read.
type Store interface {
	SessionStore
	Reader
}

// SessionDocument is a session as held by the remote store.
type SessionDocument struct {
	models.SessionHeader
	Events    []models.Event  `json:"events"`
	Summary   *models.Summary `json:"summary,omitempty"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SortEvents orders events by their sequence number.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
}
