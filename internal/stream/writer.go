package stream

import (
	"encoding/json"
	"io"
	"sync"
)

type flusher interface {
	Flush()
}

// Writer serializes events as NDJSON onto a response body. It is safe for
// concurrent use. After the first write failure or Close, every later Send
// is a silent no-op so a vanished client never crashes the producer.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	flush  flusher
	closed bool
	sent   int
}

// NewWriter wraps out. If out also implements Flush() (http.ResponseWriter
// usually does), each event is flushed as soon as it is written.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{out: out}
	if f, ok := out.(flusher); ok {
		w.flush = f
	}
	return w
}

// Send writes one event line. It reports whether the event was delivered to
// the underlying writer.
func (w *Writer) Send(event Event) bool {
	if w == nil {
		return false
	}
	line, err := json.Marshal(event)
	if err != nil {
		return false
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.out == nil {
		return false
	}
	if _, err := writeFull(w.out, line); err != nil {
		w.closed = true
		return false
	}
	if w.flush != nil {
		w.flush.Flush()
	}
	w.sent++
	return true
}

// Close stops all further writes.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Closed reports whether the writer has stopped accepting events.
func (w *Writer) Closed() bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Sent returns the number of events delivered so far.
func (w *Writer) Sent() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

// writeFull retries short writes until the whole buffer is consumed.
func writeFull(out io.Writer, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := out.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
