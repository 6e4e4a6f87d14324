package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow/overlay/internal/client"
	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/dom"
	"github.com/shipflow/overlay/internal/geom"
	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/harness/cursor"
	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/selection"
	"github.com/shipflow/overlay/internal/session"
	"github.com/shipflow/overlay/internal/stream"
	"github.com/shipflow/overlay/internal/undo"
)

type fakeResolver struct {
	binary harness.ResolvedBinary
	err    error
}

func (f fakeResolver) Resolve(context.Context, string, ...string) (harness.ResolvedBinary, error) {
	return f.binary, f.err
}

type fakeBridge struct {
	mu       sync.Mutex
	requests []harness.RunRequest
	run      func(ctx context.Context, req harness.RunRequest, emit harness.Emitter) harness.RunResult
}

func (f *fakeBridge) Run(ctx context.Context, req harness.RunRequest, emit harness.Emitter) harness.RunResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		emit(stream.Done(true, "ok", intPtr(0), "", ""))
		return harness.RunResult{Outcome: harness.OutcomeCompleted, ExitCode: intPtr(0)}
	}
	return run(ctx, req, emit)
}

func (f *fakeBridge) lastRequest(t *testing.T) harness.RunRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func intPtr(v int) *int {
	return &v
}

func enabledConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Enabled = true
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.Config, resolver Resolver, bridge harness.Bridge, opts ...Option) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	base := []Option{
		WithLogger(log.New(io.Discard)),
		WithProjectRoot(root),
		WithRequestIDGenerator(func() string { return "req-1" }),
	}
	return New(cfg, resolver, bridge, append(base, opts...)...), root
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeLines(t *testing.T, body []byte) []stream.Event {
	t.Helper()
	var out []stream.Event
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var event stream.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event), scanner.Text())
		out = append(out, event)
	}
	return out
}

func TestEditForbiddenOutsideDevelopment(t *testing.T) {
	cfg := config.Defaults()
	srv, _ := newTestServer(t, &cfg, fakeResolver{}, &fakeBridge{})

	rec := postJSON(t, srv.Handler(), protocol.DefaultEditPath, `{"instruction":"x","filePath":"a.tsx"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Shipflow overlay is only available in development."}`, rec.Body.String())
}

func TestEditDevelopmentEnvironmentEnables(t *testing.T) {
	cfg := config.Defaults()
	cfg.Environment = "development"
	srv, _ := newTestServer(t, &cfg, fakeResolver{binary: harness.ResolvedBinary{Path: "/bin/true"}}, &fakeBridge{})

	rec := postJSON(t, srv.Handler(), protocol.DefaultEditPath, `{"instruction":"x","filePath":"a.tsx"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEditRejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "malformed json", body: `{`, message: protocol.MessageInvalidJSON},
		{name: "missing instruction", body: `{"filePath":"a.tsx"}`, message: protocol.MessageInstruction},
		{name: "unknown model", body: `{"filePath":"a.tsx","instruction":"x","model":"gpt-2"}`, message: `Unsupported model "gpt-2".`},
		{name: "no path anywhere", body: `{"filePath":null,"stackTrace":"at <anonymous>","instruction":"x"}`, message: protocol.MessageUnderivablePath},
		{name: "stack ignored when filePath sent", body: `{"filePath":"./","stackTrace":"at app/page.tsx","instruction":"x"}`, message: protocol.MessageUnderivablePath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := &fakeBridge{}
			srv, _ := newTestServer(t, enabledConfig(), fakeResolver{}, bridge)

			rec := postJSON(t, srv.Handler(), protocol.DefaultEditPath, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body protocol.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.message, body.Error)
			assert.Empty(t, bridge.requests)
		})
	}
}

func TestEditResolverFailureIs500(t *testing.T) {
	srv, _ := newTestServer(t, enabledConfig(), fakeResolver{err: harness.ErrBinaryNotFound}, &fakeBridge{})

	rec := postJSON(t, srv.Handler(), protocol.DefaultEditPath, `{"filePath":"a.tsx","instruction":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, harness.ErrBinaryNotFound.Error(), body.Error)
}

func TestEditStreamsBridgeEvents(t *testing.T) {
	bridge := &fakeBridge{run: func(_ context.Context, _ harness.RunRequest, emit harness.Emitter) harness.RunResult {
		emit(stream.Status("Initializing agent…"))
		emit(stream.Assistant("Updated."))
		emit(stream.Done(true, "Updated.", intPtr(0), "", ""))
		return harness.RunResult{Outcome: harness.OutcomeCompleted, ExitCode: intPtr(0)}
	}}
	cfg := enabledConfig()
	cfg.Timeout = 90 * time.Second
	snapshots := undo.NewStore(t.TempDir(), undo.WithIDGenerator(func() string { return "undo-1" }))
	srv, root := newTestServer(t, cfg, fakeResolver{binary: harness.ResolvedBinary{Path: "/opt/cursor-agent"}}, bridge, WithSnapshots(snapshots))

	body := `{"filePath":null,"htmlFrame":"<button>Buy</button>","stackTrace":"at Button (webpack-internal:///./app/page.tsx:10:3)","instruction":"  make it blue "}`
	rec := postJSON(t, srv.Handler(), protocol.DefaultEditPath, body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stream.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, stream.CacheControl, rec.Header().Get("Cache-Control"))

	events := decodeLines(t, rec.Body.Bytes())
	require.Len(t, events, 5)
	assert.Equal(t, stream.Status(StatusUnderstanding), events[0])
	assert.Equal(t, stream.Session("undo-1"), events[1])
	assert.Equal(t, stream.KindStatus, events[2].Kind)
	assert.Equal(t, stream.KindAssistant, events[3].Kind)
	assert.True(t, events[4].IsTerminal())

	req := bridge.lastRequest(t)
	assert.Equal(t, "/opt/cursor-agent", req.Binary.Path)
	assert.Equal(t, "composer-1", req.Model)
	assert.Equal(t, 90*time.Second, req.Timeout)
	assert.Equal(t, root, req.Dir)
	assert.True(t, strings.HasPrefix(req.Prompt, "Open app/page.tsx.\n"), req.Prompt)
	assert.Contains(t, req.Prompt, "<button>Buy</button>")
	assert.True(t, strings.HasSuffix(req.Prompt, "User request: make it blue"), req.Prompt)
}

func TestSetConfigAppliesToExistingHandler(t *testing.T) {
	srv, _ := newTestServer(t, enabledConfig(), fakeResolver{binary: harness.ResolvedBinary{Path: "/bin/true"}}, &fakeBridge{})
	handler := srv.Handler()

	disabled := config.Defaults()
	srv.SetConfig(&disabled)
	rec := postJSON(t, handler, protocol.DefaultEditPath, `{"filePath":"a.tsx","instruction":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, handler, "/api/other", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditClientDisconnectCancelsBridge(t *testing.T) {
	observed := make(chan error, 1)
	started := make(chan struct{})
	bridge := &fakeBridge{run: func(ctx context.Context, _ harness.RunRequest, emit harness.Emitter) harness.RunResult {
		emit(stream.Status("Thinking…"))
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
		return harness.RunResult{Outcome: harness.OutcomeAborted}
	}}
	srv, _ := newTestServer(t, enabledConfig(), fakeResolver{binary: harness.ResolvedBinary{Path: "/bin/true"}}, bridge)
	httpServer := httptest.NewServer(srv.Handler())
	defer httpServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.New(httpServer.URL+protocol.DefaultEditPath).Stream(ctx, protocol.NewEditRequest("a.tsx", "", "", "x", ""), func(stream.Event) {})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never started")
	}
	cancel()

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge context was not canceled after client disconnect")
	}
	assert.True(t, client.Aborted(<-errCh))
}

func TestUndoRestoresSnapshot(t *testing.T) {
	bridge := &fakeBridge{run: func(_ context.Context, req harness.RunRequest, emit harness.Emitter) harness.RunResult {
		require.NoError(t, os.WriteFile(filepath.Join(req.Dir, "app", "page.tsx"), []byte("edited"), 0o600))
		emit(stream.Done(true, "edited", intPtr(0), "", ""))
		return harness.RunResult{Outcome: harness.OutcomeCompleted, ExitCode: intPtr(0)}
	}}
	srv, root := newTestServer(t, enabledConfig(), fakeResolver{binary: harness.ResolvedBinary{Path: "/bin/true"}}, bridge)
	snapshots := undo.NewStore(root, undo.WithIDGenerator(func() string { return "undo-9" }))
	WithSnapshots(snapshots)(srv)

	target := filepath.Join(root, "app", "page.tsx")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o600))

	handler := srv.Handler()
	rec := postJSON(t, handler, protocol.DefaultEditPath, `{"filePath":"app/page.tsx","instruction":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessionId":"undo-9"`)
	edited, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "edited", string(edited))

	rec = postJSON(t, handler, protocol.DefaultUndoPath, `{"sessionId":"undo-9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.UndoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Reverted 1 file(s).", resp.Message)
	assert.Equal(t, []string{"app/page.tsx"}, resp.Restored)

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(restored))

	rec = postJSON(t, handler, protocol.DefaultUndoPath, `{"sessionId":"undo-9"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"No snapshot found for this session."}`, rec.Body.String())
}

func TestUndoRequiresSessionID(t *testing.T) {
	srv, root := newTestServer(t, enabledConfig(), fakeResolver{}, &fakeBridge{})
	WithSnapshots(undo.NewStore(root))(srv)

	rec := postJSON(t, srv.Handler(), protocol.DefaultUndoPath, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Session ID is required."}`, rec.Body.String())
}

func TestEndToEndSessionReachesSuccess(t *testing.T) {
	agent := filepath.Join(t.TempDir(), "cursor-agent")
	script := `#!/bin/sh
echo '{"type":"system","subtype":"init"}'
echo '{"type":"system","subtype":"progress","message":"Analyzing project structure and components"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"  Made the button blue.  "}]}}'
exit 0
`
	require.NoError(t, os.WriteFile(agent, []byte(script), 0o755))

	driver := cursor.New(cursor.WithLogger(log.New(io.Discard)))
	srv, _ := newTestServer(t, enabledConfig(), fakeResolver{binary: harness.ResolvedBinary{Path: agent}}, driver)
	httpServer := httptest.NewServer(srv.Handler())
	defer httpServer.Close()

	doc := dom.NewDocument(geom.Size{Width: 1280, Height: 800})
	button := doc.CreateElement("button")
	button.SetRect(geom.Rect{Top: 100, Left: 100, Width: 200, Height: 50})
	doc.Body().AppendChild(button)

	manager := session.NewManager(
		client.New(httpServer.URL+protocol.DefaultEditPath, client.WithLogger(log.New(io.Discard))),
		session.WithDocument(doc),
		session.WithLogger(log.New(io.Discard)),
	)
	defer manager.Close()

	capture := selection.NewCapture(doc, selection.WithLogger(log.New(io.Discard)))
	var opened session.Session
	capture.OnOpen(func(sel selection.Selection) {
		opened = manager.Open(context.Background(), sel)
	})
	capture.PointerUp(geom.Point{X: 150, Y: 120})
	_, ok := capture.HandleClipboard(selection.Serialize(selection.Payload{
		HTMLFrame:    "<button>Buy</button>",
		CodeLocation: "in Button (at app/page.tsx:10:3)",
	}))
	require.True(t, ok)
	require.NotEmpty(t, opened.ID)

	require.NoError(t, manager.SetInstruction(context.Background(), "make it blue"))
	require.NoError(t, manager.Submit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, manager.Wait(ctx, opened.ID))

	got, ok := manager.Get(opened.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusSuccess, got.Status, got.Error)
	assert.Equal(t, session.AddonSummary, got.Addon)
	assert.Equal(t, "Made the button blue.", got.Summary)
	assert.Equal(t, 2, got.Phase)
}
