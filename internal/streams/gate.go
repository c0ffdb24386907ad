package streams

import (
	"io"
	"sync"
)

// Gate serializes writes to an underlying writer and drops everything once
// shut. Each session writes its output through its own gate so a cancelled
// process cannot reach the terminal afterwards.
type Gate struct {
	mu   sync.Mutex
	w    io.Writer
	shut bool
}

// NewGate wraps w.
func NewGate(w io.Writer) *Gate {
	return &Gate{w: w}
}

func (g *Gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut || g.w == nil {
		return len(p), nil
	}
	return g.w.Write(p)
}

// Shut stops forwarding. It waits for an in-flight write to finish.
func (g *Gate) Shut() {
	g.mu.Lock()
	g.shut = true
	g.mu.Unlock()
}
