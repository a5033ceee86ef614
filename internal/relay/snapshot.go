package relay

import (
	"sync"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// SnapshotEncoder turns tables into payloads. EncodeDiff returns the changes
// since the last table it consumed and makes table the new baseline;
// EncodeFull returns the complete baseline without moving it.
type SnapshotEncoder interface {
	EncodeDiff(table *logtable.Table) ([]byte, error)
	EncodeFull() ([]byte, error)
}

// snapshotter is the single exclusive-access boundary around the encoder.
// Both the ingest path and newcomer handshakes go through it, so a full
// snapshot can never interleave with a diff.
type snapshotter struct {
	mu  sync.Mutex
	enc SnapshotEncoder
	seq uint64 // number of diffs produced so far
}

// diff encodes table against the baseline and returns the new sequence
// number. A failed encode leaves the sequence unchanged.
func (s *snapshotter) diff(table *logtable.Table) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.enc.EncodeDiff(table)
	if err != nil {
		return nil, s.seq, err
	}
	s.seq++
	return data, s.seq, nil
}

// full encodes the baseline and returns the sequence number it reflects.
func (s *snapshotter) full() ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.enc.EncodeFull()
	return data, s.seq, err
}

// sequence returns the number of diffs produced so far.
func (s *snapshotter) sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
