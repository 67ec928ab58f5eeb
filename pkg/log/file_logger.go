package log

import (
	"io"
	"os"
	"sync"
)

// FileLogger appends CBOR-encoded events to a writer, usually a .rlog file.
// It is safe for concurrent use.
type FileLogger struct {
	w      io.WriteCloser
	mu     sync.Mutex
	closed bool
	errs   int
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewWriterLogger(f), nil
}

// NewWriterLogger writes events to w, for example a rotating file writer.
// Each event is written with a single Write call so rotation never splits
// a record.
func NewWriterLogger(w io.WriteCloser) *FileLogger {
	return &FileLogger{w: w}
}

// Log encodes and writes the event. Failures are counted, not returned.
func (l *FileLogger) Log(event Event) {
	data, err := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err != nil {
		l.errs++
		return
	}
	if _, err := l.w.Write(data); err != nil {
		l.errs++
	}
}

// Errors returns the number of events that could not be written.
func (l *FileLogger) Errors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}

// Close closes the writer. Later Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}

var _ Logger = (*FileLogger)(nil)
