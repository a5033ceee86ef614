package replay

import (
	"fmt"
	"sync"
)

// Mode defines how playback handles the end of a recording.
type Mode string

const (
	ModeExhaust  Mode = "exhaust"  // stop at the last record
	ModeRotation Mode = "rotation" // wrap to the first record
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeExhaust, ModeRotation:
		return m, nil
	default:
		return "", fmt.Errorf("unknown replay mode %q (want exhaust or rotation)", s)
	}
}

// cursor tracks the playback position.
type cursor struct {
	mu   sync.Mutex
	idx  int
	laps int
	mode Mode
}

// advance returns the index to play and moves past it. In exhaust mode it
// reports exhausted once length records have been played.
func (c *cursor) advance(length int) (idx, laps int, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx >= length {
		if c.mode == ModeExhaust || length == 0 {
			return c.idx, c.laps, true
		}
		c.idx = 0
		c.laps++
	}

	idx = c.idx
	c.idx++
	return idx, c.laps, false
}

// position returns the next index and completed laps without advancing.
func (c *cursor) position() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx, c.laps
}

func (c *cursor) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx = 0
	c.laps = 0
}
