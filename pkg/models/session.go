// Package models contains domain models for solvetrace.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ProblemContext is the immutable problem information captured when a session starts.
type ProblemContext struct {
	ProblemID    string   `json:"problemId"`
	ProblemTitle string   `json:"problemTitle"`
	Difficulty   string   `json:"difficulty"`
	Topics       []string `json:"topics"`
}

// Identity is the actor a recorder and its buffer are scoped to.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Session is one problem-solving session of one user.
type Session struct {
	SessionID        string     `json:"sessionId"`
	UserID           string     `json:"userId"`
	UserName         string     `json:"userName"`
	ProblemID        string     `json:"problemId"`
	ProblemTitle     string     `json:"problemTitle"`
	Difficulty       string     `json:"difficulty"`
	Topics           []string   `json:"topics"`
	SessionStartTime time.Time  `json:"sessionStartTime"`
	CodingStartTime  *time.Time `json:"codingStartTime,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	EditCount        int        `json:"editCount"`
	SubmissionCount  int        `json:"submissionCount"`
	Events           []Event    `json:"events"`
	Summary          *Summary   `json:"summary,omitempty"`
}

// NewSessionID returns a fresh time-ordered session identifier.
func NewSessionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// NewSession creates a session for the given actor and problem.
// The session_started event is appended by the caller.
func NewSession(who Identity, problem ProblemContext, now time.Time) *Session {
	topics := make([]string, len(problem.Topics))
	copy(topics, problem.Topics)
	return &Session{
		SessionID:        NewSessionID(),
		UserID:           who.UserID,
		UserName:         who.UserName,
		ProblemID:        problem.ProblemID,
		ProblemTitle:     problem.ProblemTitle,
		Difficulty:       problem.Difficulty,
		Topics:           topics,
		SessionStartTime: now,
		Events:           make([]Event, 0, 8),
	}
}

// IsFinalized reports whether the session has been ended.
func (s *Session) IsFinalized() bool {
	return s.EndTime != nil
}

// Append adds an event to the log. The event gets the next ordinal and its
// timestamp is clamped so the log never goes back in time.
func (s *Session) Append(eventType EventType, data EventData, at time.Time) Event {
	if n := len(s.Events); n > 0 && at.Before(s.Events[n-1].Timestamp) {
		at = s.Events[n-1].Timestamp
	}
	ev := Event{
		Seq:       len(s.Events) + 1,
		EventType: eventType,
		EventData: data,
		Timestamp: at,
	}
	s.Events = append(s.Events, ev)
	return ev
}

// CountEvents returns how many events of the given type are in the log.
func (s *Session) CountEvents(eventType EventType) int {
	n := 0
	for _, ev := range s.Events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// Finalize computes the summary, sets the end time and appends session_ended.
// Finalizing an already finalized session is a no-op.
func (s *Session) Finalize(end time.Time) {
	if s.IsFinalized() {
		return
	}
	summary := ComputeSummary(s, end)
	s.Summary = &summary
	endCopy := end
	s.EndTime = &endCopy
	s.Append(EventSessionEnded, EventData{
		TotalViewTime:  summary.TotalViewTime,
		CodingDuration: summary.CodingDuration,
		EditCount:      s.EditCount,
		Solved:         &summary.Solved,
	}, end)
}

// Header returns the immutable part of the session sent on remote create.
func (s *Session) Header() SessionHeader {
	return SessionHeader{
		SessionID:        s.SessionID,
		UserID:           s.UserID,
		UserName:         s.UserName,
		ProblemID:        s.ProblemID,
		ProblemTitle:     s.ProblemTitle,
		Difficulty:       s.Difficulty,
		Topics:           s.Topics,
		SessionStartTime: s.SessionStartTime,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Topics = append([]string(nil), s.Topics...)
	c.Events = make([]Event, len(s.Events))
	for i, ev := range s.Events {
		c.Events[i] = ev.clone()
	}
	if s.CodingStartTime != nil {
		t := *s.CodingStartTime
		c.CodingStartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Summary != nil {
		sum := *s.Summary
		c.Summary = &sum
	}
	return &c
}

// SessionHeader is the create-session payload of the remote store.
type SessionHeader struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	UserName         string    `json:"userName"`
	ProblemID        string    `json:"problemId"`
	ProblemTitle     string    `json:"problemTitle"`
	Difficulty       string    `json:"difficulty"`
	Topics           []string  `json:"topics"`
	SessionStartTime time.Time `json:"sessionStartTime"`
}

// BufferState is the durable document kept in the local buffer.
type BufferState struct {
	UserID           string     `json:"userId"`
	UserName         string     `json:"userName"`
	CurrentSession   *Session   `json:"currentSession"`
	BufferedSessions []*Session `json:"bufferedSessions"`
	LastUpdated      time.Time  `json:"lastUpdated"`
}

// Batch is a set of sessions handed to an unload transport.
type Batch struct {
	UserID   string     `json:"userId"`
	Sessions []*Session `json:"sessions"`
	SentAt   time.Time  `json:"sentAt"`
}

// SessionIDs returns the identifiers of the batch's sessions.
func (b *Batch) SessionIDs() []string {
	ids := make([]string, 0, len(b.Sessions))
	for _, s := range b.Sessions {
		ids = append(ids, s.SessionID)
	}
	return ids
}
