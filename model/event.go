package model

import "time"

// ActivityEvent is a single timestamped action by a subject (user or IP).
// Events are immutable once created and only ever live inside an ActivityLog.
type ActivityEvent struct {
	SubjectID string    `json:"subjectID"`
	ChapterID string    `json:"chapterID,omitempty"` // Chapter being read (user events)
	TitleID   string    `json:"titleID,omitempty"`   // Title the chapter belongs to (user events)
	Endpoint  string    `json:"endpoint,omitempty"`  // Request path (IP events)
	Method    string    `json:"method,omitempty"`    // HTTP method (IP events)
	Timestamp time.Time `json:"timestamp"`
}

// ScoreEvent is an audit entry recorded whenever a heuristic evaluation
// flagged a subject. It carries the score and the reasons that triggered it.
type ScoreEvent struct {
	ID        string    `json:"id"`
	BotScore  int       `json:"botScore"`
	Reasons   []string  `json:"reasons"`
	ChapterID string    `json:"chapterID,omitempty"`
	TitleID   string    `json:"titleID,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
