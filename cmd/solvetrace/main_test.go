package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/solvetrace/internal/buffer"
	"github.com/thebtf/solvetrace/internal/collector"
	"github.com/thebtf/solvetrace/internal/config"
	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/internal/tracker"
	"github.com/thebtf/solvetrace/pkg/models"
)

// CLISuite runs the commands against a temporary home directory.
type CLISuite struct {
	suite.Suite
	home string
}

func (s *CLISuite) SetupTest() {
	s.home = s.T().TempDir()
	s.T().Setenv("HOME", s.home)
	s.T().Setenv("SOLVETRACE_BUFFER_BACKEND", config.BufferBackendFile)
	s.T().Setenv("SOLVETRACE_REMOTE_URL", "http://127.0.0.1:1")
	s.T().Setenv("SOLVETRACE_REMOTE_TIMEOUT", "1s")
	config.Reset()
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) run(stdin string, args ...string) (string, error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (s *CLISuite) loadConfig() *config.Config {
	cfg, err := config.Load()
	s.Require().NoError(err)
	return cfg
}

// TestRecordSpoolsOnEndOfInput records a session with the collector down and
// checks end of input hands it to the spool.
func (s *CLISuite) TestRecordSpoolsOnEndOfInput() {
	var in strings.Builder
	in.WriteString(`{"op":"start","problem":{"problemId":"42","problemTitle":"Two Sum","difficulty":"easy","topics":["array"]}}` + "\n")
	for i := 0; i < 12; i++ {
		in.WriteString(`{"op":"edit","content":"x","language":"python"}` + "\n")
	}
	in.WriteString(`{"op":"submit","language":"python","success":true}` + "\n")
	in.WriteString(`{"op":"finalize"}` + "\n")

	out, err := s.run(in.String(), "record", "--user", "u-alice", "--name", "alice")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 2)
	var started reply
	s.Require().NoError(json.Unmarshal([]byte(lines[0]), &started))
	s.Equal(opStart, started.Op)
	s.NotEmpty(started.SessionID)

	var finalized reply
	s.Require().NoError(json.Unmarshal([]byte(lines[1]), &finalized))
	s.Equal(started.SessionID, finalized.SessionID)

	status, err := s.run("", "status")
	s.Require().NoError(err)
	s.Contains(status, "buffer: user u-alice")
	s.NotContains(status, "queued")
	s.Contains(status, "spool: 1 pending batches")
}

func (s *CLISuite) TestRecordReportsBadLines() {
	out, err := s.run("not json\n"+`{"op":"jump"}`+"\n"+`{"op":"unload"}`+"\n", "record", "--user", "u-alice")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 3)
	s.Contains(lines[0], "decode activity")
	s.Contains(lines[1], `unknown op \"jump\"`)
	s.Contains(lines[2], `"op":"unload"`)
}

func (s *CLISuite) TestRecordRequiresUser() {
	_, err := s.run("", "record")
	s.Error(err)
}

func (s *CLISuite) TestFlushDeliversBufferedSessions() {
	store := remote.NewMemoryStore()
	srv := httptest.NewServer(collector.New("test", store).Handler())
	defer srv.Close()
	s.T().Setenv("SOLVETRACE_REMOTE_URL", srv.URL)

	who := models.Identity{UserID: "u-alice"}
	s.Require().NoError(config.EnsureAll())
	storage, closer, err := tracker.OpenStorage(s.loadConfig())
	s.Require().NoError(err)
	buf := buffer.New(storage)
	s.Require().NoError(buf.Load(who))
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := models.NewSession(who, models.ProblemContext{ProblemID: "7"}, t0)
	sess.Append(models.EventSessionStarted, models.EventData{ProblemID: "7"}, t0)
	sess.Finalize(t0.Add(time.Minute))
	s.Require().NoError(buf.Enqueue(sess))
	s.Require().NoError(closer.Close())

	out, err := s.run("", "flush", "--user", "u-alice")
	s.Require().NoError(err)
	s.Contains(out, "delivered 1 of 1 sessions")

	doc, err := store.GetSession(context.Background(), sess.SessionID)
	s.Require().NoError(err)
	s.Len(doc.Events, 2)

	status, err := s.run("", "status")
	s.Require().NoError(err)
	s.NotContains(status, "queued")
}

func (s *CLISuite) TestStatusEmpty() {
	out, err := s.run("", "status")
	s.Require().NoError(err)
	s.Contains(out, "buffer: empty")
	s.Contains(out, "spool: 0 pending batches")
}

func (s *CLISuite) TestCollectorUnknownBackend() {
	_, err := s.run("", "collector", "--backend", "cassandra")
	s.ErrorContains(err, `unknown collector backend "cassandra"`)
}
