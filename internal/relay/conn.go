package relay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const readBufferSize = 512

// transport is one observer endpoint. Writes are only ever issued from one
// goroutine at a time: the handshake before activation, the broadcast loop
// after it.
type transport interface {
	writeFrames(deadline time.Time, frames [][]byte) (int64, error)
	// readLoop blocks, calling touch whenever bytes arrive, until the
	// endpoint fails or is closed.
	readLoop(touch func()) error
	close() error
	remoteAddr() string
	kind() string
}

// conn is a registered observer. The registry guards active, baseSeq and
// stash; lastAlive is written by the reader goroutine.
type conn struct {
	id          string
	t           transport
	epoch       time.Time
	connectedAt time.Time

	lastAlive atomic.Int64 // nanoseconds since epoch

	active  bool
	baseSeq uint64  // last diff sequence folded into the full snapshot
	stash   []Frame // batches drained while the handshake was in flight

	readDone  chan struct{}
	readErr   error
	closeOnce sync.Once
}

func newConn(id string, t transport, epoch time.Time) *conn {
	c := &conn{
		id:          id,
		t:           t,
		epoch:       epoch,
		connectedAt: time.Now(),
		readDone:    make(chan struct{}),
	}
	c.touch()
	return c
}

// touch marks the connection alive now.
func (c *conn) touch() {
	c.lastAlive.Store(int64(time.Since(c.epoch)))
}

// idle returns how long ago the connection was last seen alive.
func (c *conn) idle(now time.Time) time.Duration {
	return now.Sub(c.epoch) - time.Duration(c.lastAlive.Load())
}

func (c *conn) startReader(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.t.readLoop(c.touch)
		if err == nil {
			err = io.EOF
		}
		c.readErr = err
		close(c.readDone)
	}()
}

// readFailure returns the error that ended the reader, or nil while it runs.
func (c *conn) readFailure() error {
	select {
	case <-c.readDone:
		return c.readErr
	default:
		return nil
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.t.close()
	})
}

// tcpTransport is a raw TCP observer.
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) writeFrames(deadline time.Time, frames [][]byte) (int64, error) {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	bufs := net.Buffers(frames)
	return bufs.WriteTo(t.conn)
}

func (t *tcpTransport) readLoop(touch func()) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			touch()
		}
		if err != nil {
			return err
		}
	}
}

func (t *tcpTransport) close() error { return t.conn.Close() }

func (t *tcpTransport) remoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *tcpTransport) kind() string { return "tcp" }
