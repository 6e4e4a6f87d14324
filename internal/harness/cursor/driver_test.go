package cursor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/state"
	"github.com/shipflow/overlay/internal/stream"
)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) emit(event stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *recorder) statuses() []string {
	var out []string
	for _, event := range r.snapshot() {
		if event.Kind == stream.KindStatus {
			out = append(out, event.Message)
		}
	}
	return out
}

func (r *recorder) doneEvents() []stream.Event {
	var out []stream.Event
	for _, event := range r.snapshot() {
		if event.Kind == stream.KindDone {
			out = append(out, event)
		}
	}
	return out
}

func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursor-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testDriver(opts ...Option) *Driver {
	base := []Option{WithLogger(log.New(io.Discard)), WithKillGrace(2 * time.Second)}
	return New(append(base, opts...)...)
}

func runAgent(t *testing.T, d *Driver, binary string, timeout time.Duration) (*recorder, harness.RunResult) {
	t.Helper()
	rec := &recorder{}
	result := d.Run(context.Background(), harness.RunRequest{
		Binary:  harness.ResolvedBinary{Path: binary},
		Prompt:  "Open app/page.tsx.",
		Timeout: timeout,
		Dir:     t.TempDir(),
	}, rec.emit)
	return rec, result
}

func assertSingleTrailingDone(t *testing.T, rec *recorder) stream.Event {
	t.Helper()
	events := rec.snapshot()
	require.NotEmpty(t, events)
	require.Len(t, rec.doneEvents(), 1)
	last := events[len(events)-1]
	require.Equal(t, stream.KindDone, last.Kind)
	return last
}

func TestRunSuccessfulExit(t *testing.T) {
	binary := fakeAgent(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"tool_call","subtype":"started","tool":{"name":"apply_patch"}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"  Updated the button.  "}]}}'
exit 0`)

	rec, result := runAgent(t, testDriver(), binary, 10*time.Second)

	assert.Equal(t, harness.OutcomeCompleted, result.Outcome)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)

	assert.Equal(t, []string{"Initializing agent…", "Building changes…", "Thinking…"}, rec.statuses())
	done := assertSingleTrailingDone(t, rec)
	assert.True(t, done.Success)
	assert.Equal(t, "Updated the button.", done.Summary)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Empty(t, done.Error)

	events := rec.snapshot()
	assert.Equal(t, stream.KindAssistant, events[3].Kind)
	assert.Equal(t, "  Updated the button.  ", events[3].Text)
}

func TestRunRecordsLifecycleTransitions(t *testing.T) {
	machine := state.NewMachine("bridge")
	binary := fakeAgent(t, `exit 0`)

	_, result := runAgent(t, testDriver(WithStateMachine(machine)), binary, 10*time.Second)
	require.Equal(t, harness.OutcomeCompleted, result.Outcome)

	history := machine.History()
	require.Len(t, history, 2)
	assert.Equal(t, state.EntityRun, history[0].EntityType)
	assert.Equal(t, [2]string{state.RunStarting, state.RunRunning}, [2]string{history[0].FromState, history[0].ToState})
	assert.Equal(t, [2]string{state.RunRunning, state.RunCompleted}, [2]string{history[1].FromState, history[1].ToState})
	assert.Equal(t, history[0].EntityID, history[1].EntityID)
}

func TestRunSpawnFailureRecordsFailedLifecycle(t *testing.T) {
	machine := state.NewMachine("bridge")

	_, result := runAgent(t, testDriver(WithStateMachine(machine)), filepath.Join(t.TempDir(), "missing"), time.Second)
	require.Equal(t, harness.OutcomeFailed, result.Outcome)

	history := machine.History()
	require.Len(t, history, 1)
	assert.Equal(t, state.RunFailed, history[0].ToState)
}

func TestRunTimeoutTerminatesOnce(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "signals")
	binary := fakeAgent(t, `
trap 'echo term >> "`+marker+`"; exit 143' TERM
echo '{"type":"system","subtype":"init"}'
while :; do sleep 0.05; done`)

	rec, result := runAgent(t, testDriver(), binary, 300*time.Millisecond)

	assert.Equal(t, harness.OutcomeTimedOut, result.Outcome)
	assert.Nil(t, result.ExitCode)

	done := assertSingleTrailingDone(t, rec)
	assert.False(t, done.Success)
	assert.Nil(t, done.ExitCode)
	assert.Equal(t, "Cursor CLI timed out after 300ms.", done.Error)
	assert.Contains(t, rec.statuses(), "Cursor CLI timed out after 300ms; terminating process.")

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && strings.Count(string(data), "term") >= 1
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "term"))

	assert.Len(t, rec.doneEvents(), 1, "late output must not follow the terminal event")
}

func TestRunMalformedLineBecomesStatus(t *testing.T) {
	binary := fakeAgent(t, `
echo '{"type":"system","subtype":"init"}'
echo 'not json at all'
echo '{"type":"tool_call","subtype":"started","tool":{"name":"write"}}'
echo '{"type":"result","text":"All set."}'`)

	rec, result := runAgent(t, testDriver(), binary, 10*time.Second)

	assert.Equal(t, harness.OutcomeCompleted, result.Outcome)
	assert.Equal(t, []string{"Initializing agent…", "not json at all", "Building changes…"}, rec.statuses())
	done := assertSingleTrailingDone(t, rec)
	assert.True(t, done.Success)
	assert.Equal(t, "All set.", done.Summary)
}

func TestRunNonZeroExitUsesStderr(t *testing.T) {
	binary := fakeAgent(t, `
echo 'boom happened' >&2
exit 3`)

	rec, result := runAgent(t, testDriver(), binary, 10*time.Second)

	assert.Equal(t, harness.OutcomeFailed, result.Outcome)
	assert.Contains(t, rec.statuses(), "[stderr] boom happened")
	done := assertSingleTrailingDone(t, rec)
	assert.False(t, done.Success)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 3, *done.ExitCode)
	assert.Equal(t, "boom happened", done.Error)
	assert.Equal(t, "boom happened", done.Stderr)
}

func TestRunNonZeroExitWithoutStderr(t *testing.T) {
	binary := fakeAgent(t, `exit 2`)

	rec, _ := runAgent(t, testDriver(), binary, 10*time.Second)

	done := assertSingleTrailingDone(t, rec)
	assert.False(t, done.Success)
	assert.Equal(t, "Cursor CLI exited with status 2. Check server logs for details.", done.Error)
	assert.Empty(t, done.Stderr)
}

func TestRunSpawnFailure(t *testing.T) {
	rec, result := runAgent(t, testDriver(), filepath.Join(t.TempDir(), "missing-agent"), time.Second)

	assert.Equal(t, harness.OutcomeFailed, result.Outcome)
	done := assertSingleTrailingDone(t, rec)
	assert.False(t, done.Success)
	assert.Nil(t, done.ExitCode)
	assert.NotEmpty(t, done.Error)
	assert.Len(t, rec.snapshot(), 1)
}

func TestRunFlushesTrailingPartialLine(t *testing.T) {
	binary := fakeAgent(t, `printf '{"type":"assistant","text":"tail"}'`)

	rec, _ := runAgent(t, testDriver(), binary, 10*time.Second)

	done := assertSingleTrailingDone(t, rec)
	assert.Equal(t, "tail", done.Summary)
}

func TestRunReassemblesSplitLines(t *testing.T) {
	binary := fakeAgent(t, `
printf '{"type":"sys'
sleep 0.05
printf 'tem","subtype":"init"}\n{"type":"assistant",'
sleep 0.05
printf '"text":"split ok"}\n'`)

	rec, _ := runAgent(t, testDriver(), binary, 10*time.Second)

	assert.Equal(t, []string{"Initializing agent…", "Thinking…"}, rec.statuses())
	done := assertSingleTrailingDone(t, rec)
	assert.Equal(t, "split ok", done.Summary)
}

func TestRunPassesArgumentsAndEnvironment(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	binary := fakeAgent(t, `printf '%s\n' "$@" > "$ARGS_FILE"; printf '%s\n' "$SHIPFLOW_MARK" >> "$ARGS_FILE"`)

	rec := &recorder{}
	result := testDriver().Run(context.Background(), harness.RunRequest{
		Binary: harness.ResolvedBinary{
			Path: binary,
			Env:  []string{"PATH=/usr/bin:/bin", "ARGS_FILE=" + argsFile, "SHIPFLOW_MARK=marked"},
		},
		Model:   "sonnet-4.5",
		Prompt:  "multi word prompt",
		Timeout: 10 * time.Second,
	}, rec.emit)
	require.Equal(t, harness.OutcomeCompleted, result.Outcome)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := append(BuildArgs("sonnet-4.5", "multi word prompt"), "marked")
	assert.Equal(t, want, lines)
}

func TestRunDefaultsModel(t *testing.T) {
	args := BuildArgs(DefaultModel, "p")
	assert.Equal(t, []string{"--print", "--force", "--output-format", "stream-json", "--stream-partial-output", "--model", "composer-1", "p"}, args)
}

func TestRunAbortTerminatesWithoutDone(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "signals")
	binary := fakeAgent(t, `
trap 'echo term >> "`+marker+`"; exit 143' TERM
echo '{"type":"system","subtype":"init"}'
while :; do sleep 0.05; done`)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	go func() {
		defer cancel()
		deadline := time.Now().Add(5 * time.Second)
		for len(rec.statuses()) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}()

	result := testDriver().Run(ctx, harness.RunRequest{
		Binary:  harness.ResolvedBinary{Path: binary},
		Timeout: 10 * time.Second,
	}, rec.emit)

	assert.Equal(t, harness.OutcomeAborted, result.Outcome)
	assert.Empty(t, rec.doneEvents())
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && strings.Contains(string(data), "term")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunAppliesStatusFilterUpdates(t *testing.T) {
	binary := fakeAgent(t, `echo '{"type":"tool_call","subtype":"started","tool":{"name":"Read"}}'`)
	d := testDriver()

	rec, _ := runAgent(t, d, binary, 10*time.Second)
	assert.Empty(t, rec.statuses())

	d.SetStatusFilter(StatusFilter{Disabled: true})
	rec, _ = runAgent(t, d, binary, 10*time.Second)
	assert.Equal(t, []string{"Running Read…"}, rec.statuses())
}
