package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/stream"
)

func TestStreamDeliversEventsInOrder(t *testing.T) {
	requests := make(chan protocol.EditRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var received protocol.EditRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		requests <- received
		w.Header().Set("Content-Type", stream.ContentType)
		_, _ = w.Write([]byte("{\"event\":\"status\",\"message\":\"Understanding user intent\"}\n{\"event\":\"sess"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("ion\",\"sessionId\":\"abc\"}\nnot json\n{\"event\":\"done\",\"success\":true,\"summary\":\"ok\",\"exitCode\":0}"))
	}))
	defer server.Close()

	c := New(server.URL + protocol.DefaultEditPath)
	var events []stream.Event
	err := c.Stream(context.Background(), protocol.NewEditRequest("app/page.tsx", "", "", "tweak", "gpt-5"), func(event stream.Event) {
		events = append(events, event)
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, stream.KindStatus, events[0].Kind)
	assert.Equal(t, "abc", events[1].SessionID)
	assert.True(t, events[2].IsTerminal())
	assert.Equal(t, "ok", events[2].Summary)

	received := <-requests
	require.NotNil(t, received.FilePath)
	assert.Equal(t, "app/page.tsx", *received.FilePath)
	assert.Nil(t, received.HTMLFrame)
	assert.Equal(t, "gpt-5", received.Model)
}

func TestStreamReturnsServerErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: protocol.MessageInstruction})
	}))
	defer server.Close()

	err := New(server.URL).Stream(context.Background(), protocol.EditRequest{}, func(stream.Event) {})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, protocol.MessageInstruction, err.Error())
}

func TestStreamFallsBackToStatusCodeMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	err := New(server.URL).Stream(context.Background(), protocol.EditRequest{}, func(stream.Event) {})
	require.Error(t, err)
	assert.Equal(t, "Request failed with status 502", err.Error())
}

func TestStreamCancellationIsAborted(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", stream.ContentType)
		_, _ = w.Write([]byte("{\"event\":\"status\",\"message\":\"Understanding user intent\"}\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- New(server.URL).Stream(ctx, protocol.EditRequest{Instruction: "x"}, func(stream.Event) {
			close(first)
		})
	}()

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first event never arrived")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, Aborted(err), "err = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestUndoSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, protocol.DefaultUndoPath, r.URL.Path)
		var req protocol.UndoRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sess-1", req.SessionID)
		_ = json.NewEncoder(w).Encode(protocol.UndoResponse{Success: true, Message: "Reverted 1 file(s).", Restored: []string{"a.tsx"}})
	}))
	defer server.Close()

	c := New(server.URL + protocol.DefaultEditPath)
	assert.Equal(t, server.URL+protocol.DefaultUndoPath, c.UndoEndpoint())
	resp, err := c.Undo(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tsx"}, resp.Restored)
}

func TestUndoFailureMessages(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "server error text", status: http.StatusNotFound, body: `{"success":false,"error":"No snapshot found for this session."}`, message: "No snapshot found for this session."},
		{name: "unsuccessful without text", status: http.StatusOK, body: `{"success":false}`, message: undoFailedMessage},
		{name: "non json body", status: http.StatusInternalServerError, body: `oops`, message: undoFailedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := New(server.URL+protocol.DefaultEditPath).Undo(context.Background(), "sess")
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr), "err = %v", err)
			assert.Equal(t, tt.message, statusErr.Message)
		})
	}
}
