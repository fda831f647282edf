package jobs

import (
	"errors"
	"sync"
)

// ErrStopped is returned by a Runner that exited at a safe checkpoint
// because its stop signal was raised.
var ErrStopped = errors.New("pipeline stopped by request")

// StopSignal is the cooperative pause/cancel flag handed to a pipeline
// invocation. Raising it is idempotent; there is no way to lower it. A
// resumed execution gets a fresh signal.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal creates an unraised signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Raise sets the signal.
func (s *StopSignal) Raise() {
	s.once.Do(func() { close(s.ch) })
}

// Stopped polls the signal.
func (s *StopSignal) Stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done exposes the signal as a channel for select loops.
func (s *StopSignal) Done() <-chan struct{} {
	return s.ch
}
