package relay

// Frame is an encoded wire frame plus the diff sequence number it carries.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Queue is the bounded delivery queue shared by every connection. Producers
// never block: a frame that does not fit is discarded. DrainAll must only be
// called from one goroutine.
type Queue struct {
	ch chan Frame
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan Frame, capacity)}
}

// TryEnqueue adds f if there is room and reports whether it did.
func (q *Queue) TryEnqueue(f Frame) bool {
	select {
	case q.ch <- f:
		return true
	default:
		return false
	}
}

// DrainAll removes and returns the frames queued at the time of the call,
// oldest first.
func (q *Queue) DrainAll() []Frame {
	n := len(q.ch)
	if n == 0 {
		return nil
	}
	out := make([]Frame, n)
	for i := range out {
		out[i] = <-q.ch
	}
	return out
}

// Remaining returns the free capacity.
func (q *Queue) Remaining() int {
	return cap(q.ch) - len(q.ch)
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }
