package cycle

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultConsoleLimit bounds the bytes a Console holds between drains.
const DefaultConsoleLimit = 64 << 10

// Console collects process log output so the driver can publish it under
// the Console output key once per cycle. It is a zapcore.WriteSyncer.
type Console struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped atomic.Uint64
}

// NewConsole returns a Console holding at most limit bytes between drains.
// A limit <= 0 uses DefaultConsoleLimit.
func NewConsole(limit int) *Console {
	if limit <= 0 {
		limit = DefaultConsoleLimit
	}
	return &Console{limit: limit}
}

// Write buffers p. Writes that would exceed the limit are discarded and
// counted; they never fail.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len()+len(p) > c.limit {
		c.dropped.Add(1)
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *Console) Sync() error { return nil }

// Drain returns every complete line written since the last drain. A
// trailing partial line stays buffered until its newline arrives.
func (c *Console) Drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.buf.Bytes()
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return ""
	}
	lines := string(data[:end+1])
	c.buf.Next(end + 1)
	return lines
}

// Dropped returns how many writes were discarded because the buffer was full.
func (c *Console) Dropped() uint64 {
	return c.dropped.Load()
}
