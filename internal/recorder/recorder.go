// Package recorder turns raw editing activity into session events.
package recorder

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/pkg/models"
)

// DefaultThrottleFactor is how many edits produce one code_changed event.
const DefaultThrottleFactor = 10

// Sink receives the recorder's state after every mutation. The recorder
// calls it synchronously, before the mutating method returns.
type Sink interface {
	Checkpoint(current *models.Session) error
	Enqueue(finalized *models.Session) error
}

// Recorder owns the single current session of one user.
//
// None of its methods fail: without a current session they do nothing, and
// persistence errors are logged while the in-memory state is kept.
type Recorder struct {
	sink     Sink
	identity models.Identity
	current  *models.Session
	now      func() time.Time
	logger   zerolog.Logger
	throttle int
	mu       sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithThrottle sets the code_changed sampling factor. Values below 1 are ignored.
func WithThrottle(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.throttle = n
		}
	}
}

// New creates a recorder for who that writes through to sink.
func New(who models.Identity, sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:     sink,
		identity: who,
		now:      time.Now,
		throttle: DefaultThrottleFactor,
		logger:   log.With().Str("component", "recorder").Str("userId", who.UserID).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins a new session for problem and returns its id. A session that
// is still current is finalized and queued first.
func (r *Recorder) Start(problem models.ProblemContext) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		r.finalizeLocked()
	}

	now := r.now()
	sess := models.NewSession(r.identity, problem, now)
	sess.Append(models.EventSessionStarted, models.EventData{
		ProblemID:  problem.ProblemID,
		Difficulty: problem.Difficulty,
	}, now)
	r.current = sess
	r.checkpointLocked()

	r.logger.Debug().
		Str("sessionId", sess.SessionID).
		Str("problemId", problem.ProblemID).
		Msg("Session started")

	return sess.SessionID
}

// RecordEdit records one edit of the code buffer.
func (r *Recorder) RecordEdit(content, language string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.current
	if sess == nil {
		return
	}

	now := r.now()
	if sess.CodingStartTime == nil && content != "" {
		started := now
		sess.CodingStartTime = &started
		sess.Append(models.EventCodingStarted, models.EventData{
			Language:   language,
			CodeLength: len(content),
		}, now)
	}

	sess.EditCount++
	if sess.EditCount%r.throttle == 0 {
		sess.Append(models.EventCodeChanged, models.EventData{
			Language:   language,
			CodeLength: len(content),
			EditCount:  sess.EditCount,
		}, now)
	}

	r.checkpointLocked()
}

// RecordSubmission records a submission attempt and its outcome.
func (r *Recorder) RecordSubmission(language string, wasSuccessful bool, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.current
	if sess == nil {
		return
	}

	now := r.now()
	sess.SubmissionCount++

	var solvingTime int64
	if sess.CodingStartTime != nil {
		solvingTime = models.SecondsBetween(*sess.CodingStartTime, now)
	}

	var meta map[string]any
	if len(metadata) > 0 {
		meta = make(map[string]any, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}

	sess.Append(models.EventSubmissionAttempt, models.EventData{
		Language:        language,
		Success:         models.BoolPtr(wasSuccessful),
		SolvingTime:     solvingTime,
		SubmissionCount: sess.SubmissionCount,
		Metadata:        meta,
	}, now)

	r.checkpointLocked()
}

// Finalize ends the current session, queues it and returns a copy of it.
// It returns nil when no session is current.
func (r *Recorder) Finalize() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	return r.finalizeLocked()
}

// Current returns a copy of the current session, or nil.
func (r *Recorder) Current() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Identity returns the user the recorder records for.
func (r *Recorder) Identity() models.Identity {
	return r.identity
}

func (r *Recorder) finalizeLocked() *models.Session {
	sess := r.current
	sess.Finalize(r.now())
	r.current = nil

	if err := r.sink.Enqueue(sess); err != nil {
		r.logger.Error().Err(err).Str("sessionId", sess.SessionID).Msg("Failed to queue finalized session")
	}

	r.logger.Debug().
		Str("sessionId", sess.SessionID).
		Int("editCount", sess.EditCount).
		Int("submissionCount", sess.SubmissionCount).
		Int64("totalViewTime", sess.Summary.TotalViewTime).
		Msg("Session finalized")

	return sess.Clone()
}

func (r *Recorder) checkpointLocked() {
	if err := r.sink.Checkpoint(r.current); err != nil {
		r.logger.Error().Err(err).Str("sessionId", r.current.SessionID).Msg("Failed to persist session")
	}
}
