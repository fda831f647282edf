package jobs

import (
	"context"

	"github.com/bookwave/convcore/progress"
)

// Request is a conversion submission. The engine itself reads only the
// routing and batching fields; everything pipeline-specific rides along in
// Params untouched.
type Request struct {
	// Type routes the request to a registered Runner
	// (pipeline, book, subtitle, dub).
	Type string `json:"job_type" validate:"required"`

	// BatchSize is the number of input items committed per output unit.
	// Work inside an unfinished batch is discarded on resume; zero or one
	// means every item commits individually.
	BatchSize int `json:"batch_size,omitempty" validate:"gte=0"`

	// TotalUnits is the expected unit count when known at submission.
	TotalUnits int `json:"total_units,omitempty" validate:"gte=0"`

	// StartUnit is the first unit this execution should produce. It is 1
	// for fresh submissions and set from the resume context on resume.
	StartUnit int `json:"start_unit,omitempty" validate:"gte=0"`

	// OutputName names the output artifact set.
	OutputName string `json:"output_name,omitempty"`

	// Params is opaque pipeline configuration passed through unchanged.
	Params map[string]any `json:"params,omitempty"`
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.Params != nil {
		out.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	return &out
}

// Runner executes one conversion attempt. Implementations must poll the
// stop signal at sub-second intervals and return ErrStopped at the next
// safe checkpoint once it is raised.
//
// Unit completions must be recorded densely and monotonically: unit n may
// only be recorded after every unit below n (within this attempt's range)
// has been recorded. The batch rollback arithmetic depends on this
// ordering; a runner that completes units out of order voids the resume
// guarantees.
type Runner interface {
	Run(ctx context.Context, req *Request, tracker *progress.Tracker, stop *StopSignal) (map[string]any, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *Request, tracker *progress.Tracker, stop *StopSignal) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, req *Request, tracker *progress.Tracker, stop *StopSignal) (map[string]any, error) {
	return f(ctx, req, tracker, stop)
}
