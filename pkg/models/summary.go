package models

import "time"

// Summary is the derived aggregate of a session. It is recomputed on
// finalize and on each periodic flush and is never authoritative.
type Summary struct {
	TotalViewTime   int64 `json:"totalViewTime"`
	CodingDuration  int64 `json:"codingDuration"`
	EditCount       int   `json:"editCount"`
	SubmissionCount int   `json:"submissionCount"`
	// Solved only means "at least one submission was made"; the judge
	// verdict is not consulted.
	Solved bool `json:"solved"`
}

// ComputeSummary derives the summary of s as of the given time.
// Durations are whole seconds and never negative, even if the clock moved
// backward since the session started.
func ComputeSummary(s *Session, at time.Time) Summary {
	sum := Summary{
		TotalViewTime:   SecondsBetween(s.SessionStartTime, at),
		EditCount:       s.EditCount,
		SubmissionCount: s.SubmissionCount,
		Solved:          s.SubmissionCount > 0,
	}
	if s.CodingStartTime != nil {
		sum.CodingDuration = SecondsBetween(*s.CodingStartTime, at)
	}
	return sum
}

// SecondsBetween returns the whole seconds from start to end, clamped to zero.
func SecondsBetween(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
