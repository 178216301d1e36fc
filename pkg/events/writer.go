package events

import (
	"context"
	"io"
	"sync"
	"time"

	"encoding/json"
)

// Writer emits lifecycle event records.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each call emits a complete record as a single line of JSON followed by a
// newline.
type Writer interface {
	// WriteEvent emits one lifecycle event with optional details.
	WriteEvent(ctx context.Context, event, jobID string, details map[string]any) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w  io.Writer
	mu sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer emitting to w (stdout, a file, etc.).
// The underlying writer is not closed by Close; the caller owns it.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

func (jw *JSONLWriter) WriteEvent(ctx context.Context, event, jobID string, details map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var data json.RawMessage
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return &WriteError{Op: "marshal", Err: err}
		}
		data = b
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := Record{
		Type:  TypeEvent,
		TS:    time.Now().UTC(),
		Event: event,
		JobID: jobID,
		Data:  data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with nil error; loop so JSONL lines are
	// never truncated.
	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Nop is a Writer that discards all events. Useful for tests and for CLI
// paths where no observability collaborator is attached.
type Nop struct{}

func (Nop) WriteEvent(context.Context, string, string, map[string]any) error { return nil }
func (Nop) Close() error                                                     { return nil }

// Compile-time checks.
var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = Nop{}
)
