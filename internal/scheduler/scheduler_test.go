package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/internal/buffer"
	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/pkg/models"
)

var (
	alice = models.Identity{UserID: "u-alice", UserName: "alice"}
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

func finalized(problemID string) *models.Session {
	s := models.NewSession(alice, models.ProblemContext{ProblemID: problemID}, t0)
	s.Append(models.EventSessionStarted, models.EventData{ProblemID: problemID}, t0)
	s.EditCount = 3
	s.Finalize(t0.Add(time.Minute))
	return s
}

// blockingUploader holds every upload until release is closed.
type blockingUploader struct {
	inner   Uploader
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	once    sync.Once
}

func (b *blockingUploader) Upload(ctx context.Context, s *models.Session) error {
	b.calls.Add(1)
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.inner.Upload(ctx, s)
}

// selectiveUploader fails the sessions whose problem id is listed.
type selectiveUploader struct {
	inner Uploader
	fail  map[string]bool
}

func (f *selectiveUploader) Upload(ctx context.Context, s *models.Session) error {
	if f.fail[s.ProblemID] {
		return errors.New("503 service unavailable")
	}
	return f.inner.Upload(ctx, s)
}

type stubBeacon struct {
	durable bool
	err     error
	batches []*models.Batch
}

func (b *stubBeacon) Send(batch *models.Batch) error {
	if b.err != nil {
		return b.err
	}
	b.batches = append(b.batches, batch)
	return nil
}

func (b *stubBeacon) Durable() bool { return b.durable }

// SchedulerSuite is a test suite for flush scheduling.
type SchedulerSuite struct {
	suite.Suite
	ctx    context.Context
	buf    *buffer.Buffer
	store  *remote.MemoryStore
	beacon *stubBeacon
}

func (s *SchedulerSuite) SetupTest() {
	s.ctx = context.Background()
	storage, err := buffer.NewFileStorage(s.T().TempDir())
	s.Require().NoError(err)
	s.buf = buffer.New(storage)
	s.Require().NoError(s.buf.Load(alice))
	s.store = remote.NewMemoryStore()
	s.beacon = &stubBeacon{durable: true}
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) enqueue(problems ...string) []*models.Session {
	var out []*models.Session
	for _, p := range problems {
		sess := finalized(p)
		s.Require().NoError(s.buf.Enqueue(sess))
		out = append(out, sess)
	}
	return out
}

func (s *SchedulerSuite) TestFlush_DeliversAndRemoves() {
	sessions := s.enqueue("1", "2", "3", "4", "5")
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon, WithConcurrency(2))

	res, err := sched.Flush(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.False(res.Skipped)
	s.Equal(5, res.Attempted)
	s.Equal(5, res.Delivered)
	s.Zero(res.Failed)
	s.Zero(s.buf.Len())

	for _, sess := range sessions {
		doc, err := s.store.GetSession(s.ctx, sess.SessionID)
		s.Require().NoError(err)
		s.Len(doc.Events, len(sess.Events))
		s.NotNil(doc.EndTime)
	}
}

// TestFlush_PartialFailureKeepsFailed verifies only fully delivered sessions
// leave the buffer.
func (s *SchedulerSuite) TestFlush_PartialFailureKeepsFailed() {
	s.enqueue("ok", "down", "ok2")
	up := &selectiveUploader{inner: remote.NewUploader(s.store), fail: map[string]bool{"down": true}}
	sched := New(s.buf, up, s.beacon)

	res, err := sched.Flush(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Equal(2, res.Delivered)
	s.Equal(1, res.Failed)

	left := s.buf.Drain()
	s.Require().Len(left, 1)
	s.Equal("down", left[0].ProblemID)

	up.fail = nil
	res, err = sched.Flush(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Equal(1, res.Delivered)
	s.Zero(s.buf.Len())
	s.Equal(3, s.store.Len())
}

// TestFlush_Exclusive verifies triggers are dropped while an upload runs.
func (s *SchedulerSuite) TestFlush_Exclusive() {
	s.enqueue("1", "2")
	up := &blockingUploader{
		inner:   remote.NewUploader(s.store),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sched := New(s.buf, up, s.beacon, WithConcurrency(1))

	s.True(sched.OnHidden(s.ctx))
	<-up.started
	s.True(sched.Uploading())

	res, err := sched.Flush(s.ctx, TriggerManual)
	s.NoError(err)
	s.True(res.Skipped)
	s.False(sched.OnHidden(s.ctx))

	close(up.release)
	sched.Wait()

	s.False(sched.Uploading())
	s.Equal(int32(2), up.calls.Load())
	s.Zero(s.buf.Len())
}

func (s *SchedulerSuite) TestFlush_PeriodicUploadsInterimSnapshot() {
	cur := models.NewSession(alice, models.ProblemContext{ProblemID: "live"}, t0)
	cur.Append(models.EventSessionStarted, models.EventData{}, t0)
	cur.EditCount = 4
	s.Require().NoError(s.buf.Checkpoint(cur))
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon)

	res, err := sched.Flush(s.ctx, TriggerPeriodic)
	s.Require().NoError(err)
	s.True(res.Interim)
	s.Zero(res.Attempted)

	s.Require().NotNil(s.buf.Snapshot())
	doc, err := s.store.GetSession(s.ctx, cur.SessionID)
	s.Require().NoError(err)
	s.Nil(doc.EndTime)
	s.Require().NotNil(doc.Summary)
	s.Equal(4, doc.Summary.EditCount)
}

func (s *SchedulerSuite) TestFlush_HiddenSkipsInterim() {
	cur := models.NewSession(alice, models.ProblemContext{ProblemID: "live"}, t0)
	s.Require().NoError(s.buf.Checkpoint(cur))
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon)

	s.True(sched.OnHidden(s.ctx))
	sched.Wait()

	_, err := s.store.GetSession(s.ctx, cur.SessionID)
	s.ErrorIs(err, remote.ErrSessionNotFound)
}

func (s *SchedulerSuite) TestOnUnload_DurableRemoves() {
	sessions := s.enqueue("1", "2")
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon)

	s.Require().NoError(sched.OnUnload())
	s.Require().Len(s.beacon.batches, 1)
	s.Equal(alice.UserID, s.beacon.batches[0].UserID)
	s.ElementsMatch([]string{sessions[0].SessionID, sessions[1].SessionID}, s.beacon.batches[0].SessionIDs())
	s.Zero(s.buf.Len())
	s.Zero(s.store.Len(), "unload must not touch the network")
}

func (s *SchedulerSuite) TestOnUnload_NonDurableKeeps() {
	s.enqueue("1")
	s.beacon.durable = false
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon)

	s.Require().NoError(sched.OnUnload())
	s.Len(s.beacon.batches, 1)
	s.Equal(1, s.buf.Len())
}

func (s *SchedulerSuite) TestOnUnload_SendErrorKeeps() {
	s.enqueue("1")
	s.beacon.err = errors.New("spool full")
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon)

	err := sched.OnUnload()
	s.Require().Error(err)
	s.Contains(err.Error(), "send unload batch")
	s.Equal(1, s.buf.Len())
}

func (s *SchedulerSuite) TestOnUnload_EmptyIsNoop() {
	sched := New(s.buf, remote.NewUploader(s.store), s.beacon)
	s.NoError(sched.OnUnload())
	s.Empty(s.beacon.batches)
}

// TestOnUnload_SpoolHandOff wires the real spool beacon.
func (s *SchedulerSuite) TestOnUnload_SpoolHandOff() {
	s.enqueue("1", "2")
	spool, err := beacon.NewSpool(s.T().TempDir())
	s.Require().NoError(err)
	sched := New(s.buf, remote.NewUploader(s.store), spool)

	s.Require().NoError(sched.OnUnload())
	s.Zero(s.buf.Len())

	files, err := spool.List()
	s.Require().NoError(err)
	s.Require().Len(files, 1)
	batch, err := spool.Read(files[0])
	s.Require().NoError(err)
	s.Len(batch.Sessions, 2)
}

func TestRun_InitialPassAndStop(t *testing.T) {
	storage, err := buffer.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	buf := buffer.New(storage)
	require.NoError(t, buf.Load(alice))
	require.NoError(t, buf.Enqueue(finalized("1")))

	store := remote.NewMemoryStore()
	sched := New(buf, remote.NewUploader(store), &stubBeacon{}, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool { return buf.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 1, store.Len())
}

func TestOptions_IgnoreNonPositive(t *testing.T) {
	storage, err := buffer.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	buf := buffer.New(storage)

	sched := New(buf, nil, &stubBeacon{}, WithInterval(0), WithConcurrency(-1))
	assert.Equal(t, DefaultInterval, sched.interval)
	assert.Equal(t, DefaultConcurrency, sched.concurrency)
}
