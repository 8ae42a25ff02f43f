package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/solvetrace/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSession(edits int) *models.Session {
	s := models.NewSession(models.Identity{UserID: "u1", UserName: "ann"},
		models.ProblemContext{ProblemID: "42", ProblemTitle: "Two Sum", Difficulty: "easy", Topics: []string{"array"}}, t0)
	s.Append(models.EventSessionStarted, models.EventData{ProblemID: "42"}, t0)
	for i := 1; i <= edits; i++ {
		s.EditCount++
		if s.EditCount%10 == 0 {
			s.Append(models.EventCodeChanged, models.EventData{EditCount: s.EditCount}, t0.Add(time.Duration(i)*time.Second))
		}
	}
	return s
}

// MemoryStoreSuite is a test suite for the in-memory remote store.
type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryStore
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) TestCreateSession_Idempotent() {
	sess := newSession(0)

	created, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)
	s.True(created)

	header := sess.Header()
	header.ProblemTitle = "changed"
	created, err = s.store.CreateSession(s.ctx, header)
	s.Require().NoError(err)
	s.False(created)

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Equal("Two Sum", doc.ProblemTitle)
	s.Equal(1, s.store.Len())
}

func (s *MemoryStoreSuite) TestAppendEvents_UnionBySeq() {
	sess := newSession(20)
	_, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)

	n, err := s.store.AppendEvents(s.ctx, sess.SessionID, sess.Events[:2])
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.store.AppendEvents(s.ctx, sess.SessionID, sess.Events)
	s.Require().NoError(err)
	s.Equal(1, n)

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Require().Len(doc.Events, 3)
	for i, ev := range doc.Events {
		s.Equal(i+1, ev.Seq)
	}
}

func (s *MemoryStoreSuite) TestUnknownSession() {
	_, err := s.store.AppendEvents(s.ctx, "missing", nil)
	s.ErrorIs(err, ErrSessionNotFound)

	err = s.store.FinalizeSummary(s.ctx, "missing", models.Summary{}, nil)
	s.ErrorIs(err, ErrSessionNotFound)

	_, err = s.store.GetSession(s.ctx, "missing")
	s.ErrorIs(err, ErrSessionNotFound)
}

func (s *MemoryStoreSuite) TestFinalizeSummary_LastWriteWins() {
	sess := newSession(0)
	_, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)

	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, models.Summary{EditCount: 3}, nil))
	end := t0.Add(time.Hour)
	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, models.Summary{EditCount: 7, Solved: true}, &end))

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Equal(7, doc.Summary.EditCount)
	s.True(doc.Summary.Solved)
	s.Require().NotNil(doc.EndTime)
	s.True(end.Equal(*doc.EndTime))
}

// TestUpload_TwiceYieldsSameDocument verifies delivering a session twice
// leaves the same remote state as delivering it once.
func (s *MemoryStoreSuite) TestUpload_TwiceYieldsSameDocument() {
	sess := newSession(25)
	sess.Finalize(t0.Add(time.Minute))
	up := NewUploader(s.store)

	s.Require().NoError(up.Upload(s.ctx, sess))
	first, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)

	s.Require().NoError(up.Upload(s.ctx, sess))
	second, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)

	s.Equal(first.Events, second.Events)
	s.Equal(first.Summary, second.Summary)
	s.Len(second.Events, len(sess.Events))
}

// TestUpload_InterimThenFinal verifies an interim snapshot is completed by
// the final upload of the same session.
func (s *MemoryStoreSuite) TestUpload_InterimThenFinal() {
	sess := newSession(10)
	up := NewUploader(s.store)
	up.now = func() time.Time { return t0.Add(30 * time.Second) }

	s.Require().NoError(up.Upload(s.ctx, sess))
	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Nil(doc.EndTime)
	s.Equal(int64(30), doc.Summary.TotalViewTime)

	sess.Finalize(t0.Add(time.Minute))
	s.Require().NoError(up.Upload(s.ctx, sess))

	doc, err = s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.NotNil(doc.EndTime)
	s.Equal(int64(60), doc.Summary.TotalViewTime)
	s.Len(doc.Events, 3)
	s.Equal(models.EventSessionEnded, doc.Events[2].EventType)
}

// TestUpload_LateInterimKeepsFinal verifies a snapshot delivered after the
// final upload does not reopen the session.
func (s *MemoryStoreSuite) TestUpload_LateInterimKeepsFinal() {
	sess := newSession(10)
	snapshot := sess.Clone()
	up := NewUploader(s.store)
	up.now = func() time.Time { return t0.Add(30 * time.Second) }

	sess.Finalize(t0.Add(time.Minute))
	s.Require().NoError(up.Upload(s.ctx, sess))
	s.Require().NoError(up.Upload(s.ctx, snapshot))

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Require().NotNil(doc.EndTime)
	s.True(sess.EndTime.Equal(*doc.EndTime))
	s.Equal(int64(60), doc.Summary.TotalViewTime)
	s.Len(doc.Events, 3)
}

func (s *MemoryStoreSuite) TestFinalizeSummary_InterimAfterFinalIgnored() {
	sess := newSession(0)
	_, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)

	end := t0.Add(time.Hour)
	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, models.Summary{EditCount: 7}, &end))
	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, models.Summary{EditCount: 3}, nil))

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Equal(7, doc.Summary.EditCount)
	s.Require().NotNil(doc.EndTime)
	s.True(end.Equal(*doc.EndTime))
}

type failingStore struct {
	SessionStore
	failOn string
}

func (f *failingStore) AppendEvents(ctx context.Context, id string, events []models.Event) (int, error) {
	if f.failOn == "append" {
		return 0, errors.New("unavailable")
	}
	return f.SessionStore.AppendEvents(ctx, id, events)
}

func (f *failingStore) FinalizeSummary(ctx context.Context, id string, sum models.Summary, end *time.Time) error {
	if f.failOn == "finalize" {
		return errors.New("unavailable")
	}
	return f.SessionStore.FinalizeSummary(ctx, id, sum, end)
}

func TestUpload_StopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	sess := newSession(10)

	err := NewUploader(&failingStore{SessionStore: mem, failOn: "append"}).Upload(ctx, sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append events")

	doc, err := mem.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Empty(t, doc.Events)
	assert.Nil(t, doc.Summary)

	err = NewUploader(&failingStore{SessionStore: mem, failOn: "finalize"}).Upload(ctx, sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalize summary")
}

func TestUpload_RejectsInvalidSession(t *testing.T) {
	up := NewUploader(NewMemoryStore())
	assert.ErrorIs(t, up.Upload(context.Background(), nil), ErrInvalidSession)
	assert.ErrorIs(t, up.Upload(context.Background(), &models.Session{}), ErrInvalidSession)
}
