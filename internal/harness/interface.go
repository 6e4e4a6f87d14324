package harness

import (
	"context"
	"time"

	"github.com/shipflow/overlay/internal/stream"
)

// Outcome is the terminal state of one agent run.
type Outcome string

const (
	// OutcomeCompleted indicates the process exited with status 0.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed indicates a spawn failure or non-zero exit.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimedOut indicates the run exceeded its deadline and was terminated.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeAborted indicates the caller canceled the run.
	OutcomeAborted Outcome = "aborted"
)

// RunRequest configures one agent invocation.
type RunRequest struct {
	Binary  ResolvedBinary
	Model   string
	Prompt  string
	Timeout time.Duration
	Dir     string
}

// RunResult describes how a run ended. The terminal event has already been
// emitted by the time Run returns, unless the outcome is OutcomeAborted.
type RunResult struct {
	Outcome  Outcome
	ExitCode *int
	Duration time.Duration
}

// Emitter receives normalized events in stream order.
type Emitter func(stream.Event)

// Bridge runs an external agent and translates its output into stream events.
// Implementations emit exactly one done event per completed, failed, or timed
// out run and never emit after returning.
type Bridge interface {
	Run(ctx context.Context, req RunRequest, emit Emitter) RunResult
}
