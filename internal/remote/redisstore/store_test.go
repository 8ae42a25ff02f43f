package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/pkg/models"
)

// redisAddrEnv names the server used by the integration suite.
const redisAddrEnv = "SOLVETRACE_TEST_REDIS_ADDR"

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testSession() *models.Session {
	s := models.NewSession(models.Identity{UserID: "u1", UserName: "ann"},
		models.ProblemContext{ProblemID: "42", Topics: []string{"math"}}, t0)
	s.Append(models.EventSessionStarted, models.EventData{ProblemID: "42"}, t0)
	s.EditCount = 10
	s.Append(models.EventCodeChanged, models.EventData{EditCount: 10}, t0.Add(time.Second))
	s.Finalize(t0.Add(time.Minute))
	return s
}

// StoreSuite runs against a real Redis server.
type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func (s *StoreSuite) SetupSuite() {
	addr := os.Getenv(redisAddrEnv)
	if addr == "" {
		s.T().Skipf("%s not set", redisAddrEnv)
	}
	s.ctx = context.Background()
	s.store = New(addr, WithPrefix("solvetrace-test:"+uuid.NewString()+":"))
	s.Require().NoError(s.store.Ping(s.ctx))
}

func (s *StoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) TestDeliverTwice() {
	sess := testSession()
	up := remote.NewUploader(s.store)

	s.Require().NoError(up.Upload(s.ctx, sess))
	s.Require().NoError(up.Upload(s.ctx, sess))

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Len(doc.Events, 3)
	for i, ev := range doc.Events {
		s.Equal(i+1, ev.Seq)
	}
	s.Require().NotNil(doc.EndTime)
	s.Equal(10, doc.Summary.EditCount)
}

func (s *StoreSuite) TestCreateAndAppendCounts() {
	sess := testSession()

	created, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)
	s.True(created)
	created, err = s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)
	s.False(created)

	n, err := s.store.AppendEvents(s.ctx, sess.SessionID, sess.Events[:1])
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.store.AppendEvents(s.ctx, sess.SessionID, sess.Events)
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *StoreSuite) TestInterimAfterFinalIgnored() {
	sess := testSession()
	_, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)

	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, *sess.Summary, sess.EndTime))
	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, models.Summary{EditCount: 1}, nil))

	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Require().NotNil(doc.EndTime)
	s.Equal(sess.Summary.EditCount, doc.Summary.EditCount)
}

func (s *StoreSuite) TestInterimBeforeFinal() {
	sess := testSession()
	_, err := s.store.CreateSession(s.ctx, sess.Header())
	s.Require().NoError(err)

	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, models.Summary{EditCount: 1}, nil))
	doc, err := s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Nil(doc.EndTime)
	s.Equal(1, doc.Summary.EditCount)

	s.Require().NoError(s.store.FinalizeSummary(s.ctx, sess.SessionID, *sess.Summary, sess.EndTime))
	doc, err = s.store.GetSession(s.ctx, sess.SessionID)
	s.Require().NoError(err)
	s.NotNil(doc.EndTime)
}

func (s *StoreSuite) TestUnknownSession() {
	_, err := s.store.AppendEvents(s.ctx, "missing", nil)
	s.ErrorIs(err, remote.ErrSessionNotFound)
	s.ErrorIs(s.store.FinalizeSummary(s.ctx, "missing", models.Summary{}, nil), remote.ErrSessionNotFound)
	_, err = s.store.GetSession(s.ctx, "missing")
	s.ErrorIs(err, remote.ErrSessionNotFound)
}

func TestKeys(t *testing.T) {
	s := New("127.0.0.1:0")
	defer func() { _ = s.Close() }()

	assert.Equal(t, "solvetrace:session:abc", s.sessionKey("abc"))
	assert.Equal(t, "solvetrace:session:abc:events", s.eventsKey("abc"))

	s = New("127.0.0.1:0", WithPrefix("x:"))
	assert.Equal(t, "x:session:abc", s.sessionKey("abc"))
}

func TestDecodeDocument(t *testing.T) {
	_, err := decodeDocument(map[string]string{}, nil)
	require.ErrorIs(t, err, remote.ErrSessionNotFound)

	fields := map[string]string{
		fieldHeader:  `{"sessionId":"s1","userId":"u1","problemId":"7","topics":["dp"],"sessionStartTime":"2026-03-01T10:00:00Z"}`,
		fieldSummary: `{"totalViewTime":60,"codingDuration":30,"editCount":5,"submissionCount":1,"solved":true}`,
		fieldEndTime: "2026-03-01T10:01:00Z",
	}
	events := [][]byte{
		[]byte(`{"seq":2,"eventType":"session_ended","eventData":{},"timestamp":"2026-03-01T10:01:00Z"}`),
		[]byte(`{"seq":1,"eventType":"session_started","eventData":{"problemId":"7"},"timestamp":"2026-03-01T10:00:00Z"}`),
	}

	doc, err := decodeDocument(fields, events)
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.SessionID)
	assert.Equal(t, []string{"dp"}, doc.Topics)
	require.NotNil(t, doc.Summary)
	assert.True(t, doc.Summary.Solved)
	require.NotNil(t, doc.EndTime)
	require.Len(t, doc.Events, 2)
	assert.Equal(t, 1, doc.Events[0].Seq)
	assert.Equal(t, "7", doc.Events[0].EventData.ProblemID)

	_, err = decodeDocument(map[string]string{fieldHeader: "{bad"}, nil)
	assert.Error(t, err)
}
