package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/charmbracelet/log"
)

// Decoder reassembles events from arbitrarily chunked input. Lines are split
// on '\n', trimmed, and parsed one at a time; blank lines are ignored and
// malformed lines are logged and skipped.
type Decoder struct {
	buf     []byte
	emit    func(Event)
	logger  *log.Logger
	skipped int
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger routes malformed-line warnings to logger.
func WithDecoderLogger(logger *log.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDecoder returns a decoder that calls emit for every parsed event in
// input order.
func NewDecoder(emit func(Event), opts ...DecoderOption) *Decoder {
	d := &Decoder{emit: emit, logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Write feeds a chunk. It never fails.
func (d *Decoder) Write(chunk []byte) (int, error) {
	d.buf = append(d.buf, chunk...)
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.parse(line)
		d.buf = d.buf[idx+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return len(chunk), nil
}

// Flush parses any trailing partial line left after the last chunk.
func (d *Decoder) Flush() {
	if len(d.buf) == 0 {
		return
	}
	line := d.buf
	d.buf = nil
	d.parse(line)
}

// Skipped returns how many malformed lines were dropped.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) parse(raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		d.skipped++
		d.logger.Warn("skipping malformed stream line", "line", string(line), "err", err)
		return
	}
	if d.emit != nil {
		d.emit(event)
	}
}

// Decode reads r to completion, emitting events as they arrive. Context
// cancellation and read errors are returned after the buffered tail is
// discarded; a clean EOF flushes the tail first.
func Decode(ctx context.Context, r io.Reader, emit func(Event), opts ...DecoderOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	decoder := NewDecoder(emit, opts...)
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			_, _ = decoder.Write(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				decoder.Flush()
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
