package progress

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriber channels are buffered; when a slow consumer falls this far
// behind, the oldest buffered event is dropped to keep emission from ever
// blocking the pipeline thread.
const subscriberBuffer = 64

// Tracker counts completed work units for one job execution and fans the
// resulting events out to live subscribers.
//
// Unit numbers are absolute across attempts: a tracker for a resumed
// execution is created with the number of units already committed by the
// previous attempt as its base, so snapshots and resume arithmetic keep a
// single numbering scheme.
type Tracker struct {
	mu      sync.Mutex
	started time.Time

	base       int
	completed  int
	contiguous int
	pending    map[int]bool // units done above the contiguous high-water mark

	total    int
	hasTotal bool

	lastEvent *Event
	subs      map[int]chan *Event
	nextSub   int
	closed    bool

	retryCounts map[string]int
	files       []string
}

// NewTracker creates a tracker with no previously committed work.
func NewTracker() *Tracker {
	return NewTrackerAt(0)
}

// NewTrackerAt creates a tracker for an execution resuming after the given
// number of already-committed units.
func NewTrackerAt(base int) *Tracker {
	if base < 0 {
		base = 0
	}
	return &Tracker{
		started:     time.Now(),
		base:        base,
		completed:   base,
		contiguous:  base,
		pending:     make(map[int]bool),
		subs:        make(map[int]chan *Event),
		retryCounts: make(map[string]int),
	}
}

// SetTotal declares the expected total number of work units. It is
// idempotent and may be called once the total becomes known mid-run.
func (t *Tracker) SetTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n >= 0 {
		t.total = n
		t.hasTotal = true
	}
}

// RecordMediaCompletion marks one unit of work done and emits a progress
// event. Duplicate completions of the same unit are ignored.
func (t *Tracker) RecordMediaCompletion(sequenceIndex, unitNumber int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if unitNumber <= t.contiguous || t.pending[unitNumber] {
		return
	}

	t.pending[unitNumber] = true
	t.completed++
	for t.pending[t.contiguous+1] {
		t.contiguous++
		delete(t.pending, t.contiguous)
	}

	t.emit(&Event{
		ID:        uuid.NewString(),
		Type:      EventProgress,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"sequence_index": strconv.Itoa(sequenceIndex),
			"unit":           strconv.Itoa(unitNumber),
		},
		Snapshot: t.snapshotLocked(),
	})
}

// Complete emits the terminal complete event and closes the feed.
func (t *Tracker) Complete(metadata map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.emit(&Event{
		ID:        uuid.NewString(),
		Type:      EventComplete,
		Timestamp: time.Now(),
		Metadata:  metadata,
		Snapshot:  t.snapshotLocked(),
	})
	t.closeLocked()
}

// Fail emits the terminal error event and closes the feed.
func (t *Tracker) Fail(err error, metadata map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.emit(&Event{
		ID:        uuid.NewString(),
		Type:      EventError,
		Timestamp: time.Now(),
		Metadata:  metadata,
		Snapshot:  t.snapshotLocked(),
		Error:     msg,
	})
	t.closeLocked()
}

// Close releases all subscribers without emitting a terminal event. Used
// when an execution is suspended and the tracker will be replaced.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

// Snapshot returns a point-in-time view; completed is monotonic
// non-decreasing across calls.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.snapshotLocked()
}

// LastContiguous returns the highest unit index n such that every unit up
// to and including n has completed. Resume arithmetic only trusts this
// value, never the raw completion count.
func (t *Tracker) LastContiguous() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contiguous
}

// LastEvent returns the most recent event, or nil before any was emitted.
func (t *Tracker) LastEvent() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEvent
}

// Subscribe attaches a live consumer to the feed. The channel closes after
// a terminal event, when the tracker is closed, or when ctx is cancelled;
// the returned func releases the subscription early.
func (t *Tracker) Subscribe(ctx context.Context) (<-chan *Event, func()) {
	t.mu.Lock()

	ch := make(chan *Event, subscriberBuffer)
	if t.closed {
		if t.lastEvent != nil {
			ch <- t.lastEvent
		}
		close(ch)
		t.mu.Unlock()
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() { t.unsubscribe(id) }
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

func (t *Tracker) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// AddRetry increments the retry counter for a pipeline stage. Populated by
// the pipeline as a side channel; surfaced for persistence and inspection.
func (t *Tracker) AddRetry(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCounts[stage]++
}

// RetryCounts returns a copy of the per-stage retry counters.
func (t *Tracker) RetryCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.retryCounts))
	for k, v := range t.retryCounts {
		out[k] = v
	}
	return out
}

// AddGeneratedFile records an output artifact produced by the pipeline.
func (t *Tracker) AddGeneratedFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, path)
}

// GeneratedFiles returns a copy of the recorded output artifacts.
func (t *Tracker) GeneratedFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.files))
	copy(out, t.files)
	return out
}

func (t *Tracker) snapshotLocked() *Snapshot {
	elapsed := time.Since(t.started).Seconds()
	s := &Snapshot{
		Completed: t.completed,
		Elapsed:   elapsed,
	}
	if t.hasTotal {
		total := t.total
		s.Total = &total
	}
	if done := t.completed - t.base; done > 0 && elapsed > 0 {
		s.Speed = float64(done) / elapsed
		if t.hasTotal && t.total > t.completed {
			eta := float64(t.total-t.completed) / s.Speed
			s.ETA = &eta
		}
	}
	return s
}

// emit stores the event as latest and delivers it to every subscriber.
// Caller holds t.mu. Sends never block: a full subscriber buffer loses its
// oldest entry first.
func (t *Tracker) emit(ev *Event) {
	t.lastEvent = ev
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (t *Tracker) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
