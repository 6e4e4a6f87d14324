// Package cursor runs the cursor-agent CLI and translates its stream-json
// output into overlay stream events.
package cursor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/state"
	"github.com/shipflow/overlay/internal/stream"
	"github.com/shipflow/overlay/internal/telemetry"
)

const (
	// DefaultModel is used when a request names no model.
	DefaultModel = "composer-1"
	// DefaultTimeout bounds one agent run.
	DefaultTimeout = 4 * time.Minute
	// DefaultKillGrace is how long a terminated process may linger before SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// CommandFactory builds the process for one run. It mirrors exec.Command.
type CommandFactory func(name string, args ...string) *exec.Cmd

// Option configures Driver construction.
type Option func(*Driver)

// WithLogger routes run diagnostics to logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithStateMachine records run lifecycle transitions on machine.
func WithStateMachine(machine *state.Machine) Option {
	return func(d *Driver) {
		d.machine = machine
	}
}

// WithCommandFactory overrides process construction.
func WithCommandFactory(factory CommandFactory) Option {
	return func(d *Driver) {
		if factory != nil {
			d.command = factory
		}
	}
}

// WithStatusFilter sets the initial status policy.
func WithStatusFilter(filter StatusFilter) Option {
	return func(d *Driver) {
		d.SetStatusFilter(filter)
	}
}

// WithKillGrace sets how long a terminated process may run before SIGKILL.
func WithKillGrace(grace time.Duration) Option {
	return func(d *Driver) {
		if grace > 0 {
			d.killGrace = grace
		}
	}
}

// Driver implements harness.Bridge for the cursor-agent CLI.
type Driver struct {
	command   CommandFactory
	logger    *log.Logger
	killGrace time.Duration
	machine   *state.Machine
	now       func() time.Time
	filter    atomic.Pointer[StatusFilter]
}

// New constructs a driver with the default status filter.
func New(opts ...Option) *Driver {
	d := &Driver{
		command:   exec.Command,
		logger:    log.Default(),
		killGrace: DefaultKillGrace,
		now:       time.Now,
	}
	d.SetStatusFilter(DefaultStatusFilter())
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(d)
	}
	return d
}

// SetStatusFilter swaps the status policy for subsequent lines. Safe to call
// while runs are in flight.
func (d *Driver) SetStatusFilter(filter StatusFilter) {
	copied := filter
	d.filter.Store(&copied)
}

// StatusFilter returns the current status policy.
func (d *Driver) StatusFilter() StatusFilter {
	if current := d.filter.Load(); current != nil {
		return *current
	}
	return DefaultStatusFilter()
}

// BuildArgs returns the non-interactive streaming invocation for prompt.
func BuildArgs(model, prompt string) []string {
	return []string{
		"--print",
		"--force",
		"--output-format",
		"stream-json",
		"--stream-partial-output",
		"--model",
		model,
		prompt,
	}
}

// Run spawns the agent and blocks until the run settles. Completed, failed,
// and timed out runs emit exactly one done event as their final emission.
// Aborted runs emit nothing further once ctx is canceled; the process is
// terminated either way.
func (d *Driver) Run(ctx context.Context, req harness.RunRequest, emit harness.Emitter) harness.RunResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if emit == nil {
		emit = func(stream.Event) {}
	}
	started := d.now()

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dir := req.Dir
	if dir == "" {
		dir, _ = os.Getwd()
	}

	runID := uuid.NewString()
	logger := d.logger.With("run_id", runID, "component", "bridge")

	ctx, tracked := telemetry.StartAgentRun(ctx, telemetry.AgentRunRequest{
		RunID:   runID,
		Model:   model,
		Binary:  req.Binary.Path,
		Prompt:  req.Prompt,
		Timeout: timeout,
	})

	r := &run{
		emit:    emit,
		filter:  d.StatusFilter(),
		logger:  logger,
		tracked: tracked,
	}
	lifecycle := state.RunStarting
	advance := func(to string) {
		if d.machine == nil {
			return
		}
		if err := d.machine.Transition(ctx, state.EntityRun, runID, lifecycle, to, "bridge"); err != nil {
			logger.Warn("run lifecycle transition rejected", "from", lifecycle, "to", to, "err", err)
			return
		}
		lifecycle = to
	}
	finish := func(outcome harness.Outcome, exitCode *int, err error) harness.RunResult {
		if err == nil && outcome != harness.OutcomeCompleted {
			err = errors.New(string(outcome))
		}
		advance(string(outcome))
		tracked.End(string(outcome), exitCode, err)
		return harness.RunResult{Outcome: outcome, ExitCode: exitCode, Duration: d.now().Sub(started)}
	}

	args := BuildArgs(model, req.Prompt)
	cmd := d.command(req.Binary.Path, args...)
	cmd.Dir = dir
	if len(req.Binary.Env) > 0 {
		cmd.Env = req.Binary.Env
	}
	cmd.Stdin = nil

	logger.Info("spawning agent", "command", req.Binary.Path, "args", len(args), "cwd", dir, "model", model)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finish(harness.OutcomeFailed, r.spawnFailed(err), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return finish(harness.OutcomeFailed, r.spawnFailed(err), err)
	}
	if err := cmd.Start(); err != nil {
		tracked.RecordError("spawn_failed", err.Error())
		return finish(harness.OutcomeFailed, r.spawnFailed(err), err)
	}
	advance(state.RunRunning)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		r.consumeStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		r.consumeStderr(stderr)
	}()

	exited := make(chan error, 1)
	go func() {
		readers.Wait()
		exited <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-exited:
		exitCode := exitCodeOf(cmd, waitErr)
		if exitCode != nil && *exitCode == 0 {
			logger.Info("agent exited", "exit_code", 0)
			r.settle(stream.Done(true, r.summary(), exitCode, "", r.stderrText()))
			return finish(harness.OutcomeCompleted, exitCode, nil)
		}
		errText := r.stderrText()
		if errText == "" {
			status := "unknown"
			if exitCode != nil {
				status = fmt.Sprint(*exitCode)
			}
			errText = fmt.Sprintf("Cursor CLI exited with status %s. Check server logs for details.", status)
		}
		logger.Info("agent exited", "exit_code", exitCode, "err", waitErr)
		tracked.RecordError("exit_non_zero", errText)
		r.settle(stream.Done(false, r.summary(), exitCode, errText, r.stderrText()))
		return finish(harness.OutcomeFailed, exitCode, waitErr)

	case <-timer.C:
		ms := timeout.Milliseconds()
		logger.Warn("agent exceeded timeout; terminating process", "timeout_ms", ms)
		r.settleWith(func(send func(stream.Event)) {
			send(stream.Status(fmt.Sprintf("Cursor CLI timed out after %dms; terminating process.", ms)))
			d.terminate(cmd, exited, logger)
			send(stream.Done(false, r.summaryLocked(), nil, fmt.Sprintf("Cursor CLI timed out after %dms.", ms), r.stderrTextLocked()))
		})
		tracked.RecordError("timeout", fmt.Sprintf("exceeded %dms", ms))
		return finish(harness.OutcomeTimedOut, nil, nil)

	case <-ctx.Done():
		logger.Info("run aborted by caller; terminating process", "err", ctx.Err())
		r.abandon()
		d.terminate(cmd, exited, logger)
		return finish(harness.OutcomeAborted, nil, ctx.Err())
	}
}

// terminate sends SIGTERM once and reaps the process in the background,
// escalating to SIGKILL after the grace period.
func (d *Driver) terminate(cmd *exec.Cmd, exited <-chan error, logger *log.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("failed to signal agent; killing", "err", err)
		_ = cmd.Process.Kill()
	}
	grace := d.killGrace
	go func() {
		select {
		case <-exited:
		case <-time.After(grace):
			logger.Warn("agent ignored termination signal; killing", "grace", grace)
			_ = cmd.Process.Kill()
			<-exited
		}
	}()
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) *int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return &code
		}
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return &code
		}
	}
	return nil
}

// run holds the per-invocation emission state. All emissions go through mu so
// stdout and stderr readers interleave line by line and nothing follows the
// terminal event.
type run struct {
	emit    harness.Emitter
	filter  StatusFilter
	logger  *log.Logger
	tracked *telemetry.AgentRun

	mu        sync.Mutex
	settled   bool
	assistant strings.Builder
	stderr    strings.Builder
}

func (r *run) send(event stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.emit(event)
}

func (r *run) settle(done stream.Event) {
	r.settleWith(func(send func(stream.Event)) { send(done) })
}

// settleWith runs fn with exclusive emission rights unless the run has
// already settled.
func (r *run) settleWith(fn func(send func(stream.Event))) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	fn(r.emit)
	r.settled = true
	return true
}

func (r *run) abandon() {
	r.mu.Lock()
	r.settled = true
	r.mu.Unlock()
}

func (r *run) spawnFailed(err error) *int {
	r.logger.Error("agent failed to start", "err", err)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = "Failed to start Cursor CLI."
	}
	r.settle(stream.Done(false, "", nil, message, ""))
	return nil
}

func (r *run) consumeStdout(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.processLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("agent stdout read failed", "err", err)
			}
			return
		}
	}
}

func (r *run) processLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		r.logger.Warn("failed to parse agent stream line", "line", trimmed, "err", err)
		r.send(stream.Status(trimmed))
		return
	}
	event, ok := decoded.(map[string]any)
	if !ok {
		return
	}

	if status := Describe(event); status != "" && r.filter.Allows(status) {
		r.tracked.RecordStatus(status)
		r.send(stream.Status(status))
	}
	if carriesAssistantText(event) {
		r.appendAssistant(ExtractText(event))
	}
}

func (r *run) appendAssistant(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.assistant.WriteString(text)
	r.tracked.RecordAssistant(text)
	r.emit(stream.Assistant(text))
}

func (r *run) consumeStderr(stderr io.Reader) {
	reader := bufio.NewReader(stderr)
	for {
		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			r.logger.Debug("agent stderr", "text", chunk)
			r.mu.Lock()
			r.stderr.WriteString(chunk)
			r.mu.Unlock()
			for _, line := range strings.Split(chunk, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					r.send(stream.Status("[stderr] " + line))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *run) summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *run) summaryLocked() string {
	return strings.TrimSpace(r.assistant.String())
}

func (r *run) stderrText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stderrTextLocked()
}

func (r *run) stderrTextLocked() string {
	return strings.TrimSpace(r.stderr.String())
}

var _ harness.Bridge = (*Driver)(nil)
