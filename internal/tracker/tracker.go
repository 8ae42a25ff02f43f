// Package tracker is the entry point hosts use to record a user's
// problem-solving sessions and get them delivered.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/internal/buffer"
	"github.com/thebtf/solvetrace/internal/config"
	"github.com/thebtf/solvetrace/internal/recorder"
	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/internal/scheduler"
	"github.com/thebtf/solvetrace/pkg/models"
)

// Tracker owns the buffer, recorder and scheduler of one user.
type Tracker struct {
	identity  models.Identity
	buffer    *buffer.Buffer
	recorder  *recorder.Recorder
	scheduler *scheduler.Scheduler
	beacon    beacon.Beacon
	closeOnce sync.Once

	mu      sync.Mutex
	cancels []context.CancelFunc
	running sync.WaitGroup
}

// New loads the buffer of who from storage and wires delivery to store.
// With a nil bcn, unload falls back to an Async beacon.
func New(cfg *config.Config, who models.Identity, storage buffer.Storage, store remote.SessionStore, bcn beacon.Beacon) (*Tracker, error) {
	if who.UserID == "" {
		return nil, fmt.Errorf("create tracker: empty user id")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	buf := buffer.New(storage)
	if err := buf.Load(who); err != nil {
		return nil, fmt.Errorf("load buffer: %w", err)
	}

	uploader := remote.NewUploader(store)
	if bcn == nil {
		bcn = beacon.NewAsync(uploader, cfg.RemoteTimeout)
	}

	t := &Tracker{
		identity: who,
		buffer:   buf,
		recorder: recorder.New(who, buf, recorder.WithThrottle(cfg.ThrottleFactor)),
		scheduler: scheduler.New(buf, uploader, bcn,
			scheduler.WithInterval(cfg.FlushInterval),
			scheduler.WithConcurrency(cfg.UploadConcurrency)),
		beacon: bcn,
	}

	log.Info().
		Str("userId", who.UserID).
		Int("buffered", buf.Len()).
		Bool("durableUnload", bcn.Durable()).
		Msg("Tracker ready")
	return t, nil
}

// Identity returns the tracked user.
func (t *Tracker) Identity() models.Identity { return t.identity }

// Start begins a session for problem and returns its id.
func (t *Tracker) Start(problem models.ProblemContext) string {
	return t.recorder.Start(problem)
}

// RecordEdit records an edit of the code buffer.
func (t *Tracker) RecordEdit(content, language string) {
	t.recorder.RecordEdit(content, language)
}

// RecordSubmission records a submission attempt.
func (t *Tracker) RecordSubmission(language string, wasSuccessful bool, metadata map[string]any) {
	t.recorder.RecordSubmission(language, wasSuccessful, metadata)
}

// Finalize ends the current session, if any.
func (t *Tracker) Finalize() *models.Session {
	return t.recorder.Finalize()
}

// Current returns a copy of the current session, or nil.
func (t *Tracker) Current() *models.Session {
	return t.recorder.Current()
}

// Buffered returns copies of the sessions waiting for delivery.
func (t *Tracker) Buffered() []*models.Session {
	return t.buffer.Drain()
}

// OnHidden starts a background flush; false means it was dropped.
func (t *Tracker) OnHidden(ctx context.Context) bool {
	return t.scheduler.OnHidden(ctx)
}

// OnUnload finalizes the current session and hands every buffered session
// to the beacon.
func (t *Tracker) OnUnload() error {
	t.recorder.Finalize()
	return t.scheduler.OnUnload()
}

// Flush delivers the buffered sessions now.
func (t *Tracker) Flush(ctx context.Context) (scheduler.Result, error) {
	return t.scheduler.Flush(ctx, scheduler.TriggerManual)
}

// Run runs the periodic flush until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	return t.scheduler.Run(ctx)
}

// Go runs the periodic flush in a goroutine until ctx is done or the
// tracker is closed.
func (t *Tracker) Go(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	t.running.Add(1)
	go func() {
		defer t.running.Done()
		if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("userId", t.identity.UserID).Msg("Scheduler stopped")
		}
	}()
}

// Close stops loops started with Go and waits for them, for background
// flushes and for detached unload uploads.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		for _, cancel := range t.cancels {
			cancel()
		}
		t.cancels = nil
		t.mu.Unlock()
		t.running.Wait()

		t.scheduler.Wait()
		if async, ok := t.beacon.(*beacon.Async); ok {
			async.Wait()
		}
	})
	return nil
}
