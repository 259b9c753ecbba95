package process

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

const maxLine = 16 * 1024

// lineWriter logs everything written to it one line per event
type lineWriter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	stream string
	buf    []byte
}

func newLineWriter(logger zerolog.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs a trailing partial line
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	ev := w.logger.Info()
	if w.stream == "stderr" {
		ev = w.logger.Warn()
	}
	ev.Str("stream", w.stream).Msg(string(line))
}
