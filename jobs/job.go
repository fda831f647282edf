package jobs

import (
	"time"

	"github.com/bookwave/convcore/access"
	"github.com/bookwave/convcore/progress"
)

// Job is the in-memory aggregate for one submitted conversion. It is owned
// exclusively by the Manager: all mutation happens under the registry lock,
// and callers only ever see Metadata snapshots.
type Job struct {
	ID            string
	Type          string
	Status        Status
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
	LastEvent     *progress.Event
	Result        map[string]any
	Request       *Request
	ResumeContext *ResumeContext
	UserID        string
	UserRole      string
	Access        *access.Policy

	RetryCounts    map[string]int
	GeneratedFiles []string

	// Transient, never persisted. Replaced on resume.
	attempt int
	stop    *StopSignal
	tracker *progress.Tracker
}

func newJob(id string, req *Request, userID, userRole string) *Job {
	start := req.StartUnit
	if start < 1 {
		start = 1
		req.StartUnit = 1
	}
	tracker := progress.NewTrackerAt(start - 1)
	if req.TotalUnits > 0 {
		tracker.SetTotal(req.TotalUnits)
	}
	return &Job{
		ID:        id,
		Type:      req.Type,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Request:   req,
		UserID:    userID,
		UserRole:  userRole,
		Access:    access.DefaultPolicy(userID),
		attempt:   1,
		stop:      NewStopSignal(),
		tracker:   tracker,
	}
}

// syncFromTracker pulls the live tracker's side channels into the
// persisted fields. Caller holds the manager lock.
func (j *Job) syncFromTracker() {
	if j.tracker == nil {
		return
	}
	if ev := j.tracker.LastEvent(); ev != nil {
		j.LastEvent = ev
	}
	if rc := j.tracker.RetryCounts(); len(rc) > 0 {
		j.RetryCounts = rc
	}
	if files := j.tracker.GeneratedFiles(); len(files) > 0 {
		j.GeneratedFiles = files
	}
}
