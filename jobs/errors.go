package jobs

import (
	"errors"
	"fmt"

	"github.com/bookwave/convcore/ecode"
)

var (
	// ErrNotFound indicates an unknown job id.
	ErrNotFound = errors.New(ecode.NotExist("job"))

	// ErrPermissionDenied indicates the access policy rejected the requester.
	ErrPermissionDenied = errors.New(ecode.AccessDenied("job"))
)

// TransitionError reports a control action that is invalid for the job's
// current state. It carries the unchanged job so callers can render a soft
// failure instead of an HTTP error.
type TransitionError struct {
	Job    *Metadata
	Action string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s: %s", e.Action, e.Job.ID, e.Reason)
}

func newTransitionError(j *Job, action, reason string) *TransitionError {
	return &TransitionError{Job: j.metadata(), Action: action, Reason: reason}
}

// PersistenceError reports a failed write or read against the job store. A
// job whose state cannot be durably recorded is not considered
// transitioned, so these propagate to the caller.
type PersistenceError struct {
	Op    string
	JobID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting job %s (%s): %v", e.JobID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
