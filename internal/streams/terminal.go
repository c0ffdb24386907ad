package streams

import (
	"bytes"
	"io"
	"sync"
)

// TerminalWriter rewrites every bare LF to CRLF for raw terminal display.
// An LF already preceded by CR, even one that ended the previous write, is left alone.
type TerminalWriter struct {
	mu     sync.Mutex
	w      io.Writer
	lastCR bool
}

// NewTerminalWriter wraps w.
func NewTerminalWriter(w io.Writer) *TerminalWriter {
	return &TerminalWriter{w: w}
}

// Write reports len(p) on success so callers see their own byte count.
func (t *TerminalWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prevCR := t.lastCR
	t.lastCR = p[len(p)-1] == '\r'
	if bytes.IndexByte(p, '\n') < 0 {
		return t.w.Write(p)
	}
	out := make([]byte, 0, len(p)+bytes.Count(p, []byte{'\n'}))
	for i, b := range p {
		if b == '\n' {
			cr := prevCR
			if i > 0 {
				cr = p[i-1] == '\r'
			}
			if !cr {
				out = append(out, '\r')
			}
		}
		out = append(out, b)
	}
	if _, err := t.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
