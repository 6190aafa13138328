package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteProfile(ctx context.Context, p *ProfileRecord) error
	WriteSession(ctx context.Context, s *SessionRecord) error
	WriteRender(ctx context.Context, r *RenderRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w      io.Writer
	source string
	now    func() time.Time
	mu     sync.Mutex

	closed bool
}

// NewJSONLWriter creates a JSONL writer. source is stamped on every record
// (e.g. the manifest path); it may be empty.
func NewJSONLWriter(w io.Writer, source string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (jw *JSONLWriter) WriteProfile(ctx context.Context, p *ProfileRecord) error {
	return jw.writeRecord(ctx, TypeProfile, p)
}

func (jw *JSONLWriter) WriteSession(ctx context.Context, s *SessionRecord) error {
	return jw.writeRecord(ctx, TypeSession, s)
}

func (jw *JSONLWriter) WriteRender(ctx context.Context, r *RenderRecord) error {
	return jw.writeRecord(ctx, TypeRender, r)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:   recordType,
		TS:     jw.now(),
		Source: jw.source,
		Data:   dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

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

var _ Writer = (*JSONLWriter)(nil)
