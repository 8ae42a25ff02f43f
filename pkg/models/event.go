package models

import "time"

// EventType identifies the kind of activity event.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventCodingStarted     EventType = "coding_started"
	EventCodeChanged       EventType = "code_changed"
	EventSubmissionAttempt EventType = "submission_attempt"
	EventSessionEnded      EventType = "session_ended"
)

// EventTypes lists every known event type in lifecycle order.
var EventTypes = []EventType{
	EventSessionStarted,
	EventCodingStarted,
	EventCodeChanged,
	EventSubmissionAttempt,
	EventSessionEnded,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a single entry of a session's event log.
type Event struct {
	Seq       int       `json:"seq"`
	EventType EventType `json:"eventType"`
	EventData EventData `json:"eventData"`
	Timestamp time.Time `json:"timestamp"`
}

// EventData is the typed payload of an event. Which fields are set depends on
// the event type:
//
//	session_started:    ProblemID, Difficulty
//	coding_started:     Language, CodeLength
//	code_changed:       Language, CodeLength, EditCount
//	submission_attempt: Language, Success, SolvingTime, SubmissionCount, Metadata
//	session_ended:      TotalViewTime, CodingDuration, EditCount, Solved
type EventData struct {
	ProblemID       string         `json:"problemId,omitempty"`
	Difficulty      string         `json:"difficulty,omitempty"`
	Language        string         `json:"language,omitempty"`
	CodeLength      int            `json:"codeLength,omitempty"`
	EditCount       int            `json:"editCount,omitempty"`
	SubmissionCount int            `json:"submissionCount,omitempty"`
	Success         *bool          `json:"success,omitempty"`
	SolvingTime     int64          `json:"solvingTime,omitempty"`
	TotalViewTime   int64          `json:"totalViewTime,omitempty"`
	CodingDuration  int64          `json:"codingDuration,omitempty"`
	Solved          *bool          `json:"solved,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (e Event) clone() Event {
	c := e
	if e.EventData.Success != nil {
		v := *e.EventData.Success
		c.EventData.Success = &v
	}
	if e.EventData.Solved != nil {
		v := *e.EventData.Solved
		c.EventData.Solved = &v
	}
	if e.EventData.Metadata != nil {
		c.EventData.Metadata = make(map[string]any, len(e.EventData.Metadata))
		for k, v := range e.EventData.Metadata {
			c.EventData.Metadata[k] = v
		}
	}
	return c
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
