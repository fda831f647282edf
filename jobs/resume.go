package jobs

import (
	"time"
)

// ResumeContext is the patch describing where re-execution should restart
// after a pause. Present only while the job is paused.
type ResumeContext struct {
	// Start is the first unit the resumed execution must produce.
	Start int `json:"start"`

	// LastCompleted is the highest fully-committed unit at pause time.
	LastCompleted int `json:"last_completed"`

	// BatchSize echoes the request's batching at pause time.
	BatchSize int `json:"batch_size,omitempty"`

	// OutputName echoes the request's artifact naming for display.
	OutputName string `json:"output_name,omitempty"`

	PausedAt time.Time `json:"paused_at"`
}

// resumePoint computes the unit index at which re-execution restarts.
// Output artifacts materialize atomically per batch, so the unit of
// durability is the whole batch: with batchSize > 1 the resume point snaps
// back to the start of the batch containing lastCompleted+1, discarding any
// partial work inside it. With batchSize <= 1 every unit commits
// individually and execution simply continues.
func resumePoint(lastCompleted, batchSize int) int {
	if lastCompleted < 0 {
		lastCompleted = 0
	}
	if batchSize <= 1 {
		return lastCompleted + 1
	}
	return (lastCompleted/batchSize)*batchSize + 1
}

// buildResumeContext derives the resume patch for a job whose execution
// has stopped. lastCompleted comes from the tracker's contiguous
// high-water mark when an execution ran, or from the request's start unit
// when the job never started.
func buildResumeContext(j *Job, now time.Time) *ResumeContext {
	lastCompleted := 0
	if j.Request != nil && j.Request.StartUnit > 1 {
		lastCompleted = j.Request.StartUnit - 1
	}
	if j.tracker != nil {
		if hw := j.tracker.LastContiguous(); hw > lastCompleted {
			lastCompleted = hw
		}
	}

	batchSize := 0
	outputName := ""
	if j.Request != nil {
		batchSize = j.Request.BatchSize
		outputName = j.Request.OutputName
	}

	return &ResumeContext{
		Start:         resumePoint(lastCompleted, batchSize),
		LastCompleted: lastCompleted,
		BatchSize:     batchSize,
		OutputName:    outputName,
		PausedAt:      now,
	}
}
