package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestEventMarshalShapes(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{name: "status", event: Status("Thinking"), want: `{"event":"status","message":"Thinking"}`},
		{name: "assistant", event: Assistant("Hi"), want: `{"event":"assistant","text":"Hi"}`},
		{name: "session", event: Session("abc"), want: `{"event":"session","sessionId":"abc"}`},
		{
			name:  "done success",
			event: Done(true, "Hi", intPtr(0), "", ""),
			want:  `{"event":"done","success":true,"summary":"Hi","exitCode":0}`,
		},
		{
			name:  "done failure without exit code",
			event: Done(false, "", nil, "Cursor CLI timed out after 50ms.", ""),
			want:  `{"event":"done","success":false,"summary":"","exitCode":null,"error":"Cursor CLI timed out after 50ms."}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEventUnmarshalRejectsUnknownKind(t *testing.T) {
	var event Event
	err := json.Unmarshal([]byte(`{"event":"progress"}`), &event)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestEventUnmarshalDone(t *testing.T) {
	var event Event
	require.NoError(t, json.Unmarshal([]byte(`{"event":"done","success":false,"summary":"","exitCode":2,"error":"boom","stderr":"boom"}`), &event))
	assert.Equal(t, KindDone, event.Kind)
	assert.False(t, event.Success)
	require.NotNil(t, event.ExitCode)
	assert.Equal(t, 2, *event.ExitCode)
	assert.Equal(t, "boom", event.Error)
	assert.Equal(t, "boom", event.Stderr)
	assert.True(t, event.IsTerminal())
}

type recordingFlusher struct {
	bytes.Buffer
	flushes int
}

func (r *recordingFlusher) Flush() { r.flushes++ }

func TestWriterFlushesEachEvent(t *testing.T) {
	out := &recordingFlusher{}
	w := NewWriter(out)

	require.True(t, w.Send(Status("Thinking")))
	require.True(t, w.Send(Done(true, "", intPtr(0), "", "")))

	assert.Equal(t, 2, out.flushes)
	assert.Equal(t, 2, w.Sent())
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"event":"status","message":"Thinking"}`, lines[0])
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.calls++
	return 0, io.ErrClosedPipe
}

func TestWriterStopsAfterFailure(t *testing.T) {
	out := &failingWriter{}
	w := NewWriter(out)

	assert.False(t, w.Send(Status("one")))
	assert.True(t, w.Closed())
	assert.False(t, w.Send(Status("two")))
	assert.Equal(t, 1, out.calls)
}

type shortWriter struct{ bytes.Buffer }

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return s.Buffer.Write(p)
}

func TestWriterCompletesShortWrites(t *testing.T) {
	out := &shortWriter{}
	w := NewWriter(out)
	require.True(t, w.Send(Status("partial writes")))
	assert.JSONEq(t, `{"event":"status","message":"partial writes"}`, strings.TrimSpace(out.String()))
}

func TestWriterCloseIsFinal(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	w.Close()
	assert.False(t, w.Send(Status("late")))
	assert.Empty(t, out.String())
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestDecoderChunkingInvariance(t *testing.T) {
	input := "{\"event\":\"status\",\"message\":\"Thinking… ✓\"}\n" +
		"\n" +
		"   {\"event\":\"assistant\",\"text\":\"héllo\"}   \n" +
		"not json\n" +
		"{\"event\":\"done\",\"success\":true,\"summary\":\"héllo\",\"exitCode\":0}"

	collect := func(chunks [][]byte) ([]Event, int) {
		var events []Event
		d := NewDecoder(func(e Event) { events = append(events, e) }, WithDecoderLogger(quietLogger()))
		for _, chunk := range chunks {
			_, _ = d.Write(chunk)
		}
		d.Flush()
		return events, d.Skipped()
	}

	whole, skipped := collect([][]byte{[]byte(input)})
	require.Len(t, whole, 3)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, "Thinking… ✓", whole[0].Message)
	assert.Equal(t, "héllo", whole[1].Text)
	assert.True(t, whole[2].IsTerminal())

	raw := []byte(input)
	for size := 1; size <= 7; size++ {
		var chunks [][]byte
		for i := 0; i < len(raw); i += size {
			end := i + size
			if end > len(raw) {
				end = len(raw)
			}
			chunks = append(chunks, raw[i:end])
		}
		got, gotSkipped := collect(chunks)
		assert.Equal(t, whole, got, "chunk size %d", size)
		assert.Equal(t, skipped, gotSkipped, "chunk size %d", size)
	}
}

func TestDecodeReader(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	w.Send(Status("Understanding user intent"))
	w.Send(Session("s-1"))
	w.Send(Assistant("done it"))
	w.Send(Done(true, "done it", intPtr(0), "", ""))

	var events []Event
	err := Decode(context.Background(), &out, func(e Event) { events = append(events, e) }, WithDecoderLogger(quietLogger()))
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, KindSession, events[1].Kind)
	assert.Equal(t, "s-1", events[1].SessionID)
	assert.Equal(t, "done it", events[3].Summary)
}

func TestDecodeHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Decode(ctx, strings.NewReader(`{"event":"status","message":"x"}`+"\n"), func(Event) {})
	assert.ErrorIs(t, err, context.Canceled)
}
