package worker

import (
	"bytes"
	"log/slog"
	"sync"
)

const defaultTailBytes = 16 * 1024

// outputLog forwards worker output to the logger one line at a time and keeps
// the most recent bytes for diagnostics.
type outputLog struct {
	mu      sync.Mutex
	logger  *slog.Logger
	partial []byte
	tail    []byte
	max     int
}

func newOutputLog(logger *slog.Logger, max int) *outputLog {
	if max <= 0 {
		max = defaultTailBytes
	}
	return &outputLog{logger: logger, max: max}
}

func (o *outputLog) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tail = append(o.tail, p...)
	if len(o.tail) > o.max {
		o.tail = o.tail[len(o.tail)-o.max:]
	}

	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.emit(o.partial[:i])
		o.partial = o.partial[i+1:]
	}
	// A worker that never prints a newline must not grow this without bound.
	if len(o.partial) > o.max {
		o.emit(o.partial)
		o.partial = o.partial[:0]
	}
	return len(p), nil
}

// Flush logs a trailing line that had no newline.
func (o *outputLog) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.partial) > 0 {
		o.emit(o.partial)
		o.partial = o.partial[:0]
	}
}

func (o *outputLog) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	o.logger.Info("worker output", "line", string(line))
}

// Tail returns a copy of the retained output.
func (o *outputLog) Tail() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.tail)
}
