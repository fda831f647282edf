package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bookwave/convcore/access"
	"github.com/bookwave/convcore/config"
	"github.com/bookwave/convcore/consts"
	"github.com/bookwave/convcore/jobstore"
	"github.com/bookwave/convcore/logging/logger"
	"github.com/bookwave/convcore/nanoid"
	"github.com/bookwave/convcore/progress"
	"github.com/bookwave/convcore/worker"

	"github.com/go-playground/validator/v10"
)

var newJobID = nanoid.PrimaryKey(consts.PrimaryKeySize)

// execTask is one scheduled execution of a job. The attempt token lets
// workers skip executions that were paused or cancelled while still queued.
type execTask struct {
	jobID   string
	attempt int
}

// Manager orchestrates conversion jobs: it owns the worker pool, the
// in-memory registry and the state machine, and persists every transition
// through the job store. Construct one at process start and tear it down
// with Shutdown.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	store   *jobstore.Store
	pool    *worker.Pool
	runners map[string]Runner

	ctx      context.Context
	cancel   context.CancelFunc
	log      *logger.Logger
	validate *validator.Validate
}

// NewManager builds a manager over the given store, replays every
// persisted job into the registry and starts the worker pool.
//
// Jobs persisted as pending, running or pausing are demoted to paused at
// load: their worker thread died with the previous process, so the
// control-plane state is made consistent and the operator decides whether
// to resume. Their resume context is derived from the last persisted
// progress event.
func NewManager(cfg *config.Jobs, store *jobstore.Store) (*Manager, error) {
	if cfg == nil {
		cfg = &config.Jobs{MaxWorkers: 2, QueueSize: 64}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		jobs:     make(map[string]*Job),
		store:    store,
		runners:  make(map[string]Runner),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.StandardLogger(),
		validate: validator.New(),
	}

	poolCfg := &worker.Config{MaxWorkers: cfg.MaxWorkers, QueueSize: cfg.QueueSize}
	if err := poolCfg.Validate(); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid worker pool config: %w", err)
	}
	m.pool = worker.NewPool(poolCfg, m)

	if err := m.rehydrate(ctx); err != nil {
		cancel()
		return nil, err
	}

	m.pool.Start()
	return m, nil
}

// RegisterRunner binds a pipeline runner to a job type.
func (m *Manager) RegisterRunner(jobType string, r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[jobType] = r
}

// Shutdown drains the worker pool, waiting for in-flight executions until
// ctx expires, then cancels any stragglers' contexts.
func (m *Manager) Shutdown(ctx context.Context) {
	m.pool.Stop(ctx)
	m.cancel()
}

func (m *Manager) rehydrate(ctx context.Context) error {
	docs, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("rehydrating jobs: %w", err)
	}

	for dir, raw := range docs {
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil || meta.ID == "" {
			m.log.Warnf(ctx, "skipping undecodable job record %s", dir)
			continue
		}

		job := fromMetadata(&meta)
		switch job.Status {
		case StatusPending, StatusRunning, StatusPausing:
			job.Status = StatusPaused
			job.ResumeContext = recoveredResumeContext(job)
			if err := m.store.Save(job.ID, job.metadata()); err != nil {
				return &PersistenceError{Op: "recover", JobID: job.ID, Err: err}
			}
			m.log.Infof(ctx, "recovered job %s as paused (was %s)", job.ID, meta.Status)
		}
		m.jobs[job.ID] = job
	}
	return nil
}

// recoveredResumeContext rebuilds a resume patch for a job whose worker
// died with the process, using the last persisted event's snapshot.
func recoveredResumeContext(j *Job) *ResumeContext {
	if j.ResumeContext != nil {
		return j.ResumeContext
	}
	lastCompleted := 0
	if j.Request != nil && j.Request.StartUnit > 1 {
		lastCompleted = j.Request.StartUnit - 1
	}
	if j.LastEvent != nil && j.LastEvent.Snapshot != nil && j.LastEvent.Snapshot.Completed > lastCompleted {
		lastCompleted = j.LastEvent.Snapshot.Completed
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
		PausedAt:      time.Now(),
	}
}

// Submit allocates a job id, persists the pending record and enqueues
// execution. It never blocks on pipeline execution.
func (m *Manager) Submit(req *Request, userID, userRole string) (*Metadata, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runners[req.Type]; !ok {
		return nil, fmt.Errorf("no runner registered for job type %q", req.Type)
	}

	job := newJob(newJobID(), req.clone(), userID, userRole)
	meta := job.metadata()
	if err := m.store.Save(job.ID, meta); err != nil {
		return nil, &PersistenceError{Op: "submit", JobID: job.ID, Err: err}
	}
	m.jobs[job.ID] = job

	if err := m.pool.Submit(execTask{jobID: job.ID, attempt: job.attempt}); err != nil {
		delete(m.jobs, job.ID)
		_ = m.store.Delete(job.ID)
		return nil, fmt.Errorf("scheduling job %s: %w", job.ID, err)
	}

	m.log.Infof(m.ctx, "job %s submitted (type=%s user=%s)", job.ID, job.Type, userID)
	return meta, nil
}

// Get returns the job snapshot if the requester holds the given
// permission (view by default).
func (m *Manager) Get(jobID, userID, userRole string, permission ...access.Permission) (*Metadata, error) {
	perm := access.PermissionView
	if len(permission) > 0 {
		perm = permission[0]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, perm)
	if err != nil {
		return nil, err
	}
	return job.metadata(), nil
}

// ListJobs returns snapshots of every job the requester may view, keyed by
// job id.
func (m *Manager) ListJobs(userID, userRole string) map[string]*Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Metadata)
	for id, job := range m.jobs {
		if access.CanAccess(job.Access, job.UserID, userID, userRole, access.PermissionView) {
			out[id] = job.metadata()
		}
	}
	return out
}

// PauseJob requests a cooperative pause. A running job moves to pausing
// until its worker observes the signal and finalizes paused; a pending job
// that never started moves to paused immediately. Invalid states return a
// TransitionError carrying the unchanged job.
func (m *Manager) PauseJob(jobID, userID, userRole string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, access.PermissionEdit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch job.Status {
	case StatusRunning:
		job.stop.Raise()
		job.Status = StatusPausing
		if err := m.persistLocked(job, "pause"); err != nil {
			return nil, err
		}
		m.log.Infof(m.ctx, "job %s pausing", job.ID)
		return job.metadata(), nil

	case StatusPending:
		// Never started: no worker to wait for.
		job.stop.Raise()
		job.attempt++
		job.Status = StatusPaused
		job.ResumeContext = buildResumeContext(job, now)
		if job.tracker != nil {
			job.tracker.Close()
		}
		if err := m.persistLocked(job, "pause"); err != nil {
			return nil, err
		}
		m.log.Infof(m.ctx, "job %s paused before start", job.ID)
		return job.metadata(), nil

	case StatusPausing:
		return nil, newTransitionError(job, "pause", "job is already pausing")
	case StatusPaused:
		return nil, newTransitionError(job, "pause", "job is already paused")
	default:
		return nil, newTransitionError(job, "pause", fmt.Sprintf("cannot pause a %s job", job.Status))
	}
}

// ResumeJob re-enqueues a paused job with a fresh stop signal and tracker,
// starting from the computed resume point.
func (m *Manager) ResumeJob(jobID, userID, userRole string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, access.PermissionEdit)
	if err != nil {
		return nil, err
	}

	if job.Status != StatusPaused {
		return nil, newTransitionError(job, "resume", fmt.Sprintf("cannot resume a %s job", job.Status))
	}

	req := job.Request.clone()
	start := 1
	if job.ResumeContext != nil {
		start = job.ResumeContext.Start
	}
	req.StartUnit = start

	tracker := progress.NewTrackerAt(start - 1)
	if req.TotalUnits > 0 {
		tracker.SetTotal(req.TotalUnits)
	}

	job.Request = req
	job.Status = StatusPending
	job.ResumeContext = nil
	job.StartedAt = nil
	job.ErrorMessage = ""
	job.stop = NewStopSignal()
	job.tracker = tracker
	job.attempt++

	if err := m.persistLocked(job, "resume"); err != nil {
		return nil, err
	}
	if err := m.pool.Submit(execTask{jobID: job.ID, attempt: job.attempt}); err != nil {
		// Roll the transition back so the job stays resumable.
		job.Status = StatusPaused
		job.ResumeContext = buildResumeContext(job, time.Now())
		_ = m.persistLocked(job, "resume-rollback")
		return nil, fmt.Errorf("scheduling job %s: %w", job.ID, err)
	}

	m.log.Infof(m.ctx, "job %s resumed from unit %d", job.ID, start)
	return job.metadata(), nil
}

// CancelJob cancels any non-terminal job. Cancellation is cooperative: a
// running worker keeps executing until it polls the stop signal, but the
// job is terminal from the caller's perspective immediately.
func (m *Manager) CancelJob(jobID, userID, userRole string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, access.PermissionEdit)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return nil, newTransitionError(job, "cancel", fmt.Sprintf("job is already %s", job.Status))
	}

	if job.stop != nil {
		job.stop.Raise()
	}
	job.attempt++ // invalidate any queued execution
	now := time.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	job.ResumeContext = nil
	if job.tracker != nil {
		job.tracker.Fail(fmt.Errorf("job cancelled"), map[string]string{"reason": "cancelled"})
	}
	if err := m.persistLocked(job, "cancel"); err != nil {
		return nil, err
	}

	m.log.Infof(m.ctx, "job %s cancelled", job.ID)
	return job.metadata(), nil
}

// DeleteJob removes a terminal job's record from the registry and the
// store. Non-terminal jobs return a TransitionError; cancel first.
func (m *Manager) DeleteJob(jobID, userID, userRole string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, access.PermissionEdit)
	if err != nil {
		return nil, err
	}

	if !job.Status.Terminal() {
		return nil, newTransitionError(job, "delete", fmt.Sprintf("cannot delete a %s job", job.Status))
	}

	meta := job.metadata()
	if err := m.store.Delete(job.ID); err != nil && err != jobstore.ErrNotFound {
		return nil, &PersistenceError{Op: "delete", JobID: job.ID, Err: err}
	}
	delete(m.jobs, job.ID)

	m.log.Infof(m.ctx, "job %s deleted", job.ID)
	return meta, nil
}

// UpdateAccess replaces the job's access policy after normalizing it
// against the current one. Requires edit permission.
func (m *Manager) UpdateAccess(jobID, userID, userRole string, policy *access.Policy) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, access.PermissionEdit)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, fmt.Errorf("policy is required")
	}

	job.Access = access.Normalize(policy, job.Access, userID, time.Now())
	if err := m.persistLocked(job, "access"); err != nil {
		return nil, err
	}
	return job.metadata(), nil
}

// Subscribe attaches a live event feed for the job. If the job is already
// terminal the channel replays the last known event and closes; otherwise
// it streams events until a terminal event or ctx cancellation.
func (m *Manager) Subscribe(ctx context.Context, jobID, userID, userRole string) (<-chan *progress.Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.authorized(jobID, userID, userRole, access.PermissionView)
	if err != nil {
		return nil, nil, err
	}

	if job.Status.Terminal() || job.tracker == nil {
		job.syncFromTracker()
		ch := make(chan *progress.Event, 1)
		if job.LastEvent != nil {
			ch <- job.LastEvent
		}
		close(ch)
		return ch, func() {}, nil
	}

	ch, cancel := job.tracker.Subscribe(ctx)
	return ch, cancel, nil
}

// PoolMetrics exposes the worker pool's counters for inspection.
func (m *Manager) PoolMetrics() map[string]int64 {
	return m.pool.GetMetrics()
}

// authorized looks a job up and checks the requester's permission. Caller
// holds the registry lock.
func (m *Manager) authorized(jobID, userID, userRole string, perm access.Permission) (*Job, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if !access.CanAccess(job.Access, job.UserID, userID, userRole, perm) {
		return nil, ErrPermissionDenied
	}
	return job, nil
}

// persistLocked saves the job's current state. Caller holds the registry
// lock, which totally orders transitions per job: persisted state always
// reflects the most recently applied transition.
func (m *Manager) persistLocked(job *Job, op string) error {
	if err := m.store.Save(job.ID, job.metadata()); err != nil {
		return &PersistenceError{Op: op, JobID: job.ID, Err: err}
	}
	return nil
}
