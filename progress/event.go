package progress

import (
	"time"
)

// EventType discriminates progress feed entries.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Snapshot is a point-in-time view of tracked work. It is derived on read
// and never persisted on its own; the copy embedded in the latest event is
// enough to reconstruct it.
type Snapshot struct {
	Completed int      `json:"completed"`
	Total     *int     `json:"total,omitempty"`
	Elapsed   float64  `json:"elapsed"`
	Speed     float64  `json:"speed"`
	ETA       *float64 `json:"eta,omitempty"`
}

// Event is one entry of a job's progress feed. Only the latest event is
// retained for persistence and late subscribers; live subscribers see every
// event in emission order.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Snapshot  *Snapshot         `json:"snapshot,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Terminal reports whether the event closes the feed.
func (e *Event) Terminal() bool {
	return e != nil && (e.Type == EventComplete || e.Type == EventError)
}
