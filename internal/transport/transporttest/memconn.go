// Package transporttest provides an in-memory transport.Conn that records
// the frames sent to it.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/workspace/session-coordinator/internal/transport"
)

// MemConn is an in-memory Conn that records every frame sent to it.
type MemConn struct {
	transport.Attachment

	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
	done   chan struct{}
	fail   bool
}

var _ transport.Conn = (*MemConn)(nil)

// NewMemConn returns an open MemConn.
func NewMemConn(id string) *MemConn {
	return &MemConn{id: id, done: make(chan struct{})}
}

func (c *MemConn) ID() string { return c.id }

func (c *MemConn) Done() <-chan struct{} { return c.done }

func (c *MemConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fail {
		return transport.ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *MemConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.code = code
	c.reason = reason
	close(c.done)
	return nil
}

// FailSends makes every later Send fail as if the socket had dropped.
func (c *MemConn) FailSends(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// Closed reports whether Close was called and with which code.
func (c *MemConn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

// Frames returns a copy of every frame sent so far.
func (c *MemConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// FramesOfType decodes sent frames whose "type" equals typ.
func (c *MemConn) FramesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, raw := range c.Frames() {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Reset discards recorded frames.
func (c *MemConn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
