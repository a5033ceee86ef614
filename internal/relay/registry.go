package relay

import (
	"fmt"
	"sort"
	"sync"
)

// delivery is what one active connection must receive on a tick, after the
// heartbeat.
type delivery struct {
	conn   *conn
	frames [][]byte
}

// registry is the set of live connections. A connection is pending from
// accept until its full snapshot is on the wire, then active. Entries are
// removed the moment their connection is closed.
type registry struct {
	mu         sync.Mutex
	conns      map[string]*conn
	active     int
	closed     bool
	stashLimit int
	maxConns   int // 0 = unlimited

	readers sync.WaitGroup
}

func newRegistry(stashLimit, maxConns int) *registry {
	return &registry{
		conns:      make(map[string]*conn),
		stashLimit: stashLimit,
		maxConns:   maxConns,
		closed:     true,
	}
}

// open allows insertions again after a drain.
func (r *registry) open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
}

// addPending inserts a newcomer that is not yet eligible for broadcast
// frames. Pending connections count against maxConns.
func (r *registry) addPending(c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrNotRunning
	}
	if r.maxConns > 0 && len(r.conns) >= r.maxConns {
		return ErrTooManyClients
	}
	if _, dup := r.conns[c.id]; dup {
		return fmt.Errorf("duplicate connection id %s", c.id)
	}
	r.conns[c.id] = c
	return nil
}

// activate makes a pending connection eligible for delivery, resets its
// liveness clock and starts its reader. It fails if the entry was removed
// while the handshake was in flight.
func (r *registry) activate(c *conn, baseSeq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.conns[c.id] != c || c.active {
		return false
	}
	c.active = true
	c.baseSeq = baseSeq
	c.touch()
	r.active++
	c.startReader(&r.readers)
	return true
}

// remove deletes c and reports whether it was present and whether it was
// active.
func (r *registry) remove(c *conn) (present, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.id] != c {
		return false, false
	}
	delete(r.conns, c.id)
	if c.active {
		r.active--
	}
	return true, c.active
}

// collect hands batch to every connection. Active connections get their
// stash followed by batch, minus frames already folded into their full
// snapshot. Pending connections stash batch; those whose stash would exceed
// the limit are removed and returned in overflowed.
func (r *registry) collect(batch []Frame) (deliveries []delivery, overflowed []*conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deliveries = make([]delivery, 0, r.active)
	for id, c := range r.conns {
		if !c.active {
			if len(batch) == 0 {
				continue
			}
			if len(c.stash)+len(batch) > r.stashLimit {
				delete(r.conns, id)
				overflowed = append(overflowed, c)
				continue
			}
			c.stash = append(c.stash, batch...)
			continue
		}

		frames := make([][]byte, 0, len(c.stash)+len(batch))
		for _, f := range c.stash {
			if f.Seq > c.baseSeq {
				frames = append(frames, f.Data)
			}
		}
		for _, f := range batch {
			if f.Seq > c.baseSeq {
				frames = append(frames, f.Data)
			}
		}
		c.stash = nil
		deliveries = append(deliveries, delivery{conn: c, frames: frames})
	}
	return deliveries, overflowed
}

// drain removes every connection and refuses further insertions.
func (r *registry) drain() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	out := make([]*conn, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, c)
		delete(r.conns, id)
	}
	r.active = 0
	return out
}

// waitReaders blocks until every reader goroutine has exited. Only valid
// after drain.
func (r *registry) waitReaders() {
	r.readers.Wait()
}

// size counts pending and active connections.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *registry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// snapshot returns the active connections ordered by connect time.
func (r *registry) snapshot() []*conn {
	r.mu.Lock()
	out := make([]*conn, 0, r.active)
	for _, c := range r.conns {
		if c.active {
			out = append(out, c)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}
