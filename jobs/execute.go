package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Process implements worker.Processor. Each task is one execution attempt
// of one job.
func (m *Manager) Process(task any) error {
	t, ok := task.(execTask)
	if !ok {
		return fmt.Errorf("unexpected task type %T", task)
	}
	return m.execute(t)
}

// execute runs one job attempt on a worker goroutine. The registry lock is
// held only around the start and exit transitions, never across the
// pipeline call itself.
func (m *Manager) execute(t execTask) error {
	m.mu.Lock()
	job, ok := m.jobs[t.jobID]
	if !ok || job.attempt != t.attempt || job.Status != StatusPending {
		// The job was paused, cancelled or deleted while queued.
		m.mu.Unlock()
		return nil
	}

	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now

	runner := m.runners[job.Type]
	req := job.Request.clone()
	tracker := job.tracker
	stop := job.stop

	if err := m.persistLocked(job, "start"); err != nil {
		job.Status = StatusFailed
		job.ErrorMessage = err.Error()
		job.CompletedAt = &now
		m.mu.Unlock()
		m.log.Errorf(m.ctx, "job %s failed to start: %v", t.jobID, err)
		return err
	}
	m.mu.Unlock()

	m.log.Infof(m.ctx, "job %s running (attempt %d)", t.jobID, t.attempt)

	var result map[string]any
	runErr := fmt.Errorf("no runner registered for job type %q", job.Type)
	if runner != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					runErr = fmt.Errorf("pipeline panic: %v", r)
				}
			}()
			result, runErr = runner.Run(m.ctx, req, tracker, stop)
		}()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A different attempt may own the job by now (cancel bumps the token).
	if job.attempt != t.attempt {
		return nil
	}

	done := time.Now()
	switch {
	case job.Status == StatusCancelled:
		// Terminal state already persisted when the cancel was requested;
		// the worker just drops its result.
		return nil

	case runErr == nil:
		tracker.Complete(nil)
		job.Status = StatusCompleted
		job.CompletedAt = &done
		job.Result = result
		if err := m.persistLocked(job, "complete"); err != nil {
			m.log.Errorf(m.ctx, "job %s completed but could not persist: %v", job.ID, err)
			return err
		}
		m.log.Infof(m.ctx, "job %s completed", job.ID)
		return nil

	case errors.Is(runErr, ErrStopped):
		if job.Status == StatusPausing {
			job.Status = StatusPaused
			job.ResumeContext = buildResumeContext(job, done)
			tracker.Close()
			if err := m.persistLocked(job, "paused"); err != nil {
				m.log.Errorf(m.ctx, "job %s paused but could not persist: %v", job.ID, err)
				return err
			}
			m.log.Infof(m.ctx, "job %s paused at unit %d, resumes at %d",
				job.ID, job.ResumeContext.LastCompleted, job.ResumeContext.Start)
			return nil
		}
		// The runner stopped without a pause or cancel request.
		runErr = fmt.Errorf("pipeline stopped unexpectedly: %w", runErr)
		fallthrough

	default:
		tracker.Fail(runErr, nil)
		job.Status = StatusFailed
		job.ErrorMessage = runErr.Error()
		job.CompletedAt = &done
		if err := m.persistLocked(job, "failed"); err != nil {
			m.log.Errorf(m.ctx, "job %s failed and could not persist: %v", job.ID, err)
			return err
		}
		m.log.Warnf(m.ctx, "job %s failed: %v", job.ID, runErr)
		return runErr
	}
}
