// Package scheduler decides when buffered sessions are delivered and drives
// the delivery.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/pkg/models"
)

const (
	// DefaultInterval is the period of the background flush.
	DefaultInterval = 5 * time.Minute

	// DefaultConcurrency bounds parallel session uploads within one flush.
	DefaultConcurrency = 4
)

// Trigger names what started a flush.
type Trigger string

// Flush triggers.
const (
	TriggerPeriodic Trigger = "periodic"
	TriggerHidden   Trigger = "hidden"
	TriggerManual   Trigger = "manual"
)

// Result describes one flush.
type Result struct {
	Trigger Trigger
	// Skipped is set when another upload was running and the trigger was dropped.
	Skipped   bool
	Attempted int
	Delivered int
	Failed    int
	// Interim is set when the current session was uploaded as a snapshot.
	Interim bool
}

// Queue is the buffer the scheduler delivers from.
type Queue interface {
	Identity() models.Identity
	Drain() []*models.Session
	Snapshot() *models.Session
	Remove(ids []string) error
}

// Uploader delivers one session to the remote store.
type Uploader interface {
	Upload(ctx context.Context, s *models.Session) error
}

// Scheduler delivers buffered sessions on a timer, when the host is hidden
// and when it unloads. At most one upload runs at a time; triggers that
// arrive meanwhile are dropped, the next trigger picks their work up.
type Scheduler struct {
	queue       Queue
	uploader    Uploader
	beacon      beacon.Beacon
	interval    time.Duration
	concurrency int
	now         func() time.Time
	meter       metric.Meter
	metrics     *metrics
	logger      zerolog.Logger
	uploading   atomic.Bool
	wg          sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the periodic flush interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithConcurrency bounds parallel uploads within a flush.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMeter sets the meter instruments are created from.
func WithMeter(m metric.Meter) Option {
	return func(s *Scheduler) { s.meter = m }
}

// New creates a scheduler delivering from queue through uploader, with bcn
// as the unload transport.
func New(queue Queue, uploader Uploader, bcn beacon.Beacon, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:       queue,
		uploader:    uploader,
		beacon:      bcn,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.meter)
	s.logger = log.With().Str("component", "scheduler").Str("userId", queue.Identity().UserID).Logger()
	return s
}

// Run flushes once at start and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.periodic(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.periodic(ctx)
		}
	}
}

func (s *Scheduler) periodic(ctx context.Context) {
	if _, err := s.Flush(ctx, TriggerPeriodic); err != nil {
		s.logger.Error().Err(err).Msg("Periodic flush failed")
	}
}

// OnHidden starts a flush in the background. It returns false when the
// trigger was dropped because an upload is already running.
func (s *Scheduler) OnHidden(ctx context.Context) bool {
	if !s.uploading.CompareAndSwap(false, true) {
		s.metrics.recordSkip(ctx, TriggerHidden)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.uploading.Store(false)
		if _, err := s.flush(ctx, TriggerHidden); err != nil {
			s.logger.Error().Err(err).Msg("Flush on hide failed")
		}
	}()
	return true
}

// Flush delivers the buffered sessions now and waits for the result.
// A periodic flush also uploads a snapshot of the current session.
func (s *Scheduler) Flush(ctx context.Context, trigger Trigger) (Result, error) {
	if !s.uploading.CompareAndSwap(false, true) {
		s.metrics.recordSkip(ctx, trigger)
		s.logger.Debug().Str("trigger", string(trigger)).Msg("Upload in progress, flush skipped")
		return Result{Trigger: trigger, Skipped: true}, nil
	}
	defer s.uploading.Store(false)
	return s.flush(ctx, trigger)
}

// Uploading reports whether an upload is running.
func (s *Scheduler) Uploading() bool {
	return s.uploading.Load()
}

// Wait blocks until background flushes have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) flush(ctx context.Context, trigger Trigger) (Result, error) {
	start := s.now()
	res := Result{Trigger: trigger}

	sessions := s.queue.Drain()
	res.Attempted = len(sessions)

	var (
		mu        sync.Mutex
		delivered = make([]string, 0, len(sessions))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			if err := s.uploader.Upload(gctx, sess); err != nil {
				s.logger.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("Session upload failed, kept in buffer")
				return nil
			}
			mu.Lock()
			delivered = append(delivered, sess.SessionID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = len(delivered)
	res.Failed = res.Attempted - res.Delivered

	var removeErr error
	if err := s.queue.Remove(delivered); err != nil {
		removeErr = fmt.Errorf("remove delivered sessions: %w", err)
	}

	if trigger == TriggerPeriodic {
		if cur := s.queue.Snapshot(); cur != nil {
			if err := s.uploader.Upload(ctx, cur); err != nil {
				s.logger.Warn().Err(err).Str("sessionId", cur.SessionID).Msg("Interim upload failed")
			} else {
				res.Interim = true
			}
		}
	}

	took := s.now().Sub(start)
	s.metrics.recordFlush(ctx, trigger, res, took)
	if res.Attempted > 0 || res.Interim {
		s.logger.Info().
			Str("trigger", string(trigger)).
			Int("attempted", res.Attempted).
			Int("delivered", res.Delivered).
			Int("failed", res.Failed).
			Bool("interim", res.Interim).
			Dur("took", took).
			Msg("Flush finished")
	}
	return res, removeErr
}

// OnUnload hands every buffered session to the beacon without waiting for
// the network. The sessions leave the buffer only when the beacon is
// durable; otherwise they are delivered again on the next load.
// It does not take the upload guard.
func (s *Scheduler) OnUnload() error {
	sessions := s.queue.Drain()
	if len(sessions) == 0 {
		return nil
	}
	batch := &models.Batch{
		UserID:   s.queue.Identity().UserID,
		Sessions: sessions,
		SentAt:   s.now(),
	}
	if err := s.beacon.Send(batch); err != nil {
		return fmt.Errorf("send unload batch: %w", err)
	}
	s.metrics.handoffs.Add(context.Background(), int64(len(sessions)))

	if !s.beacon.Durable() {
		s.logger.Debug().Int("sessions", len(sessions)).Msg("Unload batch sent without hand-off")
		return nil
	}
	if err := s.queue.Remove(batch.SessionIDs()); err != nil {
		return fmt.Errorf("remove handed-off sessions: %w", err)
	}
	s.logger.Info().Int("sessions", len(sessions)).Msg("Unload batch handed off")
	return nil
}
