package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bookwave/convcore/access"
	"github.com/bookwave/convcore/config"
	"github.com/bookwave/convcore/jobstore"
	"github.com/bookwave/convcore/progress"
)

func newTestManager(t *testing.T, dir string, workers int) *Manager {
	t.Helper()
	store, err := jobstore.New(dir)
	if err != nil {
		t.Fatalf("jobstore.New: %v", err)
	}
	m, err := NewManager(&config.Jobs{DataDir: dir, MaxWorkers: workers, QueueSize: 16}, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func waitStatus(t *testing.T, m *Manager, jobID, userID string, want Status) *Metadata {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := m.Get(jobID, userID, "")
		if err != nil {
			t.Fatalf("Get(%s): %v", jobID, err)
		}
		if meta.Status == want {
			return meta
		}
		time.Sleep(5 * time.Millisecond)
	}
	meta, _ := m.Get(jobID, userID, "")
	t.Fatalf("job %s never reached %s (currently %s)", jobID, want, meta.Status)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 2)
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		tr.SetTotal(4)
		for u := req.StartUnit; u <= 4; u++ {
			tr.RecordMediaCompletion(u-1, u)
		}
		tr.AddGeneratedFile("out/book.m4b")
		return map[string]any{"output": "out/book.m4b"}, nil
	}))

	meta, err := m.Submit(&Request{Type: "book", TotalUnits: 4}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if meta.Status != StatusPending {
		t.Errorf("submitted status = %s, want pending", meta.Status)
	}
	if meta.CreatedAt.IsZero() || meta.StartedAt != nil || meta.CompletedAt != nil {
		t.Errorf("fresh job has wrong timestamps: %+v", meta)
	}

	done := waitStatus(t, m, meta.ID, "u1", StatusCompleted)
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("completed job must have started_at and completed_at set")
	}
	if done.Result["output"] != "out/book.m4b" {
		t.Errorf("result not retained: %v", done.Result)
	}
	if done.LastEvent == nil || done.LastEvent.Type != progress.EventComplete {
		t.Errorf("last event should be complete, got %+v", done.LastEvent)
	}
	if len(done.GeneratedFiles) != 1 {
		t.Errorf("generated files not retained: %v", done.GeneratedFiles)
	}
}

func TestPipelineFailureMarksJobFailed(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 2)
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		return nil, errors.New("synthesis backend unavailable")
	}))

	meta, err := m.Submit(&Request{Type: "book"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitStatus(t, m, meta.ID, "u1", StatusFailed)
	if failed.ErrorMessage == "" {
		t.Error("failed job must carry an error message")
	}
	if failed.LastEvent == nil || failed.LastEvent.Type != progress.EventError {
		t.Errorf("last event should be error, got %+v", failed.LastEvent)
	}
}

func TestSubmitValidation(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)

	if _, err := m.Submit(&Request{}, "u1", ""); err == nil {
		t.Error("expected validation error for missing job type")
	}
	if _, err := m.Submit(&Request{Type: "unregistered"}, "u1", ""); err == nil {
		t.Error("expected error for unregistered job type")
	}
}

func TestPauseResumeRollsBackToBatchStart(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 2)

	var mu sync.Mutex
	var starts []int
	firstPassDone := make(chan struct{})

	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		mu.Lock()
		starts = append(starts, req.StartUnit)
		invocation := len(starts)
		mu.Unlock()

		tr.SetTotal(40)
		if invocation == 1 {
			for u := req.StartUnit; u <= 25; u++ {
				tr.RecordMediaCompletion(u-1, u)
			}
			close(firstPassDone)
			select {
			case <-stop.Done():
				return nil, ErrStopped
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		for u := req.StartUnit; u <= 40; u++ {
			if stop.Stopped() {
				return nil, ErrStopped
			}
			tr.RecordMediaCompletion(u-1, u)
		}
		return map[string]any{"units": 40}, nil
	}))

	meta, err := m.Submit(&Request{Type: "book", BatchSize: 10, TotalUnits: 40}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-firstPassDone

	paused, err := m.PauseJob(meta.ID, "u1", "")
	if err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	if paused.Status != StatusPausing && paused.Status != StatusPaused {
		t.Errorf("pause returned status %s", paused.Status)
	}

	// The stop signal is raised before PauseJob returns.
	m.mu.Lock()
	if !m.jobs[meta.ID].stop.Stopped() {
		t.Error("stop signal not raised by PauseJob")
	}
	m.mu.Unlock()

	pausedMeta := waitStatus(t, m, meta.ID, "u1", StatusPaused)
	rc := pausedMeta.ResumeContext
	if rc == nil {
		t.Fatal("paused job must carry a resume context")
	}
	if rc.LastCompleted != 25 {
		t.Errorf("last completed = %d, want 25", rc.LastCompleted)
	}
	if rc.Start != 21 {
		t.Errorf("resume start = %d, want 21 (work inside the unfinished batch is discarded)", rc.Start)
	}
	if rc.Start > rc.LastCompleted+1 {
		t.Errorf("start %d must never exceed last_completed+1", rc.Start)
	}

	resumed, err := m.ResumeJob(meta.ID, "u1", "")
	if err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	if resumed.Status != StatusPending {
		t.Errorf("resumed status = %s, want pending", resumed.Status)
	}
	if resumed.ResumeContext != nil {
		t.Error("resume context must be cleared on resume")
	}

	final := waitStatus(t, m, meta.ID, "u1", StatusCompleted)
	if final.Result["units"] != 40 {
		t.Errorf("unexpected result: %v", final.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("expected exactly 2 pipeline invocations, got %d", len(starts))
	}
	if starts[0] != 1 || starts[1] != 21 {
		t.Errorf("invocation start units = %v, want [1 21]", starts)
	}
}

func TestPausePendingJobNeverStarts(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)

	release := make(chan struct{})
	var ran sync.Map
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		ran.Store(req.OutputName, true)
		select {
		case <-release:
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	blocker, err := m.Submit(&Request{Type: "book", OutputName: "blocker"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	waitStatus(t, m, blocker.ID, "u1", StatusRunning)

	queued, err := m.Submit(&Request{Type: "book", OutputName: "queued"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	paused, err := m.PauseJob(queued.ID, "u1", "")
	if err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Errorf("pausing a pending job should finalize immediately, got %s", paused.Status)
	}
	if paused.ResumeContext == nil || paused.ResumeContext.Start != 1 {
		t.Errorf("never-started job should resume at unit 1, got %+v", paused.ResumeContext)
	}

	close(release)
	waitStatus(t, m, blocker.ID, "u1", StatusCompleted)

	// The queued execution must have been skipped, not run.
	time.Sleep(20 * time.Millisecond)
	if _, ok := ran.Load("queued"); ok {
		t.Error("paused pending job must not execute")
	}
	if got, _ := m.Get(queued.ID, "u1", ""); got.Status != StatusPaused {
		t.Errorf("queued job status = %s, want paused", got.Status)
	}

	// And it can still be resumed normally.
	if _, err := m.ResumeJob(queued.ID, "u1", ""); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	waitStatus(t, m, queued.ID, "u1", StatusCompleted)
}

func TestCancelNonTerminalJob(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)

	started := make(chan struct{})
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		close(started)
		<-stop.Done()
		return nil, ErrStopped
	}))

	meta, err := m.Submit(&Request{Type: "book"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	cancelled, err := m.CancelJob(meta.ID, "u1", "")
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Error("cancelled job must have completed_at set")
	}
	if cancelled.ResumeContext != nil {
		t.Error("cancelled job must not carry a resume context")
	}

	// The state sticks after the worker unwinds.
	time.Sleep(20 * time.Millisecond)
	if got, _ := m.Get(meta.ID, "u1", ""); got.Status != StatusCancelled {
		t.Errorf("status after worker exit = %s, want cancelled", got.Status)
	}
}

func TestTransitionErrorsAreSoft(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		return map[string]any{}, nil
	}))

	meta, err := m.Submit(&Request{Type: "book"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, m, meta.ID, "u1", StatusCompleted)

	for _, op := range []func() (*Metadata, error){
		func() (*Metadata, error) { return m.PauseJob(meta.ID, "u1", "") },
		func() (*Metadata, error) { return m.ResumeJob(meta.ID, "u1", "") },
		func() (*Metadata, error) { return m.CancelJob(meta.ID, "u1", "") },
	} {
		_, err := op()
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransitionError, got %v", err)
		}
		if te.Job == nil || te.Job.ID != meta.ID || te.Job.Status != StatusCompleted {
			t.Errorf("transition error must reference the unchanged job, got %+v", te.Job)
		}
		if te.Reason == "" {
			t.Error("transition error must carry a human-readable reason")
		}
	}
}

func TestAccessEnforcement(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		return map[string]any{}, nil
	}))

	meta, err := m.Submit(&Request{Type: "book"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, m, meta.ID, "u1", StatusCompleted)

	if _, err := m.Get(meta.ID, "u2", ""); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("non-owner view on private job: got %v, want ErrPermissionDenied", err)
	}
	if _, err := m.Get(meta.ID, "u2", access.RoleAdmin); err != nil {
		t.Errorf("admin view: %v", err)
	}
	if _, err := m.Get("missing", "u1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown job: got %v, want ErrNotFound", err)
	}

	// Grant u2 view, then check the viewer role ceiling on control calls.
	if _, err := m.UpdateAccess(meta.ID, "u1", "", &access.Policy{
		Visibility: access.VisibilityPrivate,
		Grants: []access.Grant{
			{SubjectType: access.SubjectUser, Subject: "u2", Permissions: []access.Permission{access.PermissionEdit}},
		},
	}); err != nil {
		t.Fatalf("UpdateAccess: %v", err)
	}

	if _, err := m.Get(meta.ID, "u2", ""); err != nil {
		t.Errorf("granted view: %v", err)
	}
	if _, err := m.PauseJob(meta.ID, "u2", access.RoleViewer); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("viewer role must not edit even with a grant: got %v", err)
	}

	listed := m.ListJobs("u2", "")
	if _, ok := listed[meta.ID]; !ok {
		t.Error("granted user should see the job in listings")
	}
	if len(m.ListJobs("u3", "")) != 0 {
		t.Error("stranger should see no jobs")
	}
}

func TestRestartRecoversPausedJob(t *testing.T) {
	dir := t.TempDir()
	m1 := newTestManager(t, dir, 2)

	firstPassDone := make(chan struct{})
	m1.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		tr.SetTotal(40)
		for u := req.StartUnit; u <= 25; u++ {
			tr.RecordMediaCompletion(u-1, u)
		}
		close(firstPassDone)
		<-stop.Done()
		return nil, ErrStopped
	}))

	meta, err := m1.Submit(&Request{Type: "book", BatchSize: 10, TotalUnits: 40}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-firstPassDone
	if _, err := m1.PauseJob(meta.ID, "u1", ""); err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	before := waitStatus(t, m1, meta.ID, "u1", StatusPaused)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	m1.Shutdown(ctx)
	cancel()

	// A fresh manager over the same store sees the job with the same
	// resume context, and resuming it works.
	m2 := newTestManager(t, dir, 2)
	m2.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		for u := req.StartUnit; u <= 40; u++ {
			tr.RecordMediaCompletion(u-1, u)
		}
		return map[string]any{"units": 40 - req.StartUnit + 1}, nil
	}))

	after, err := m2.Get(meta.ID, "u1", "")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if after.Status != StatusPaused {
		t.Errorf("recovered status = %s, want paused", after.Status)
	}
	if after.ResumeContext == nil || after.ResumeContext.Start != before.ResumeContext.Start {
		t.Errorf("resume context not recovered: %+v vs %+v", after.ResumeContext, before.ResumeContext)
	}

	if _, err := m2.ResumeJob(meta.ID, "u1", ""); err != nil {
		t.Fatalf("ResumeJob after restart: %v", err)
	}
	final := waitStatus(t, m2, meta.ID, "u1", StatusCompleted)
	if final.Result["units"] != 40-before.ResumeContext.Start+1 {
		t.Errorf("resumed execution did not start at the resume point: %v", final.Result)
	}
}

func TestRecoveryDemotesInterruptedRunningJob(t *testing.T) {
	dir := t.TempDir()
	store, err := jobstore.New(dir)
	if err != nil {
		t.Fatalf("jobstore.New: %v", err)
	}

	// Simulate a crash mid-run: a record persisted as running whose last
	// event reports 25 completed units.
	completed := 25
	if err := store.Save("crashed", &Metadata{
		ID:        "crashed",
		Type:      "book",
		Status:    StatusRunning,
		CreatedAt: time.Now(),
		Request:   &Request{Type: "book", BatchSize: 10, StartUnit: 1},
		UserID:    "u1",
		LastEvent: &progress.Event{
			Type:     progress.EventProgress,
			Snapshot: &progress.Snapshot{Completed: completed},
		},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m := newTestManager(t, dir, 1)

	meta, err := m.Get("crashed", "u1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta.Status != StatusPaused {
		t.Errorf("recovered status = %s, want paused", meta.Status)
	}
	if meta.ResumeContext == nil || meta.ResumeContext.Start != 21 {
		t.Errorf("recovered resume context = %+v, want start 21", meta.ResumeContext)
	}
}

func TestDeleteJob(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)

	release := make(chan struct{})
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{}, nil
		case <-stop.Done():
			return nil, ErrStopped
		}
	}))

	meta, err := m.Submit(&Request{Type: "book"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStatus(t, m, meta.ID, "u1", StatusRunning)

	if _, err := m.DeleteJob(meta.ID, "u1", ""); err == nil {
		t.Error("deleting a running job should be refused")
	}

	close(release)
	waitStatus(t, m, meta.ID, "u1", StatusCompleted)

	if _, err := m.DeleteJob(meta.ID, "u1", ""); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := m.Get(meta.ID, "u1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted job should be gone: %v", err)
	}
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 1)

	proceed := make(chan struct{})
	m.RegisterRunner("book", RunnerFunc(func(ctx context.Context, req *Request, tr *progress.Tracker, stop *StopSignal) (map[string]any, error) {
		<-proceed
		tr.RecordMediaCompletion(0, 1)
		tr.RecordMediaCompletion(1, 2)
		return map[string]any{}, nil
	}))

	meta, err := m.Submit(&Request{Type: "book"}, "u1", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ch, cancel, err := m.Subscribe(context.Background(), meta.ID, "u1", "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	close(proceed)

	var events []*progress.Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if !events[len(events)-1].Terminal() {
		t.Error("feed must end with a terminal event")
	}

	// A late subscriber on the terminal job replays the last event.
	ch2, cancel2, err := m.Subscribe(context.Background(), meta.ID, "u1", "")
	if err != nil {
		t.Fatalf("Subscribe (late): %v", err)
	}
	defer cancel2()
	ev, ok := <-ch2
	if !ok || !ev.Terminal() {
		t.Errorf("late subscriber should replay the terminal event, got %+v", ev)
	}
}
