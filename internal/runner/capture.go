package runner

import (
	"fmt"
	"sync"
)

// DefaultLogCap bounds the merged stdout+stderr kept per run.
const DefaultLogCap = 256 * 1024

// captureWriter keeps at most cap bytes of child output while continuing
// to drain writes, so a chatty script never blocks on a full pipe. It is
// shared between stdout and stderr and safe for concurrent writes.
type captureWriter struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated bool
}

func newCaptureWriter(max int) *captureWriter {
	if max <= 0 {
		max = DefaultLogCap
	}
	return &captureWriter{cap: max}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.cap - len(w.buf); room > 0 {
		if len(p) <= room {
			w.buf = append(w.buf, p...)
		} else {
			w.buf = append(w.buf, p[:room]...)
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

// String returns the captured log with the truncation marker appended
// when output was dropped.
func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return string(w.buf) + fmt.Sprintf("\n[log truncated at %d bytes]", w.cap)
	}
	return string(w.buf)
}
