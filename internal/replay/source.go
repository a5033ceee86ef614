// Package replay feeds a recorded session back through the cycle driver.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// ErrExhausted is returned by Next once an exhaust-mode source has played
// every record.
var ErrExhausted = errors.New("replay: no more records")

// Source plays records in order. In rotation mode timestamps keep
// increasing across laps.
type Source struct {
	path   string
	mode   Mode
	logger *zap.Logger
	cursor *cursor

	mu      sync.RWMutex
	records []*logtable.Table
	span    time.Duration // timestamp advance per lap
}

// Open loads path into memory.
func Open(path string, mode Mode, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	records, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records found in %s", path)
	}

	s := &Source{
		path:   path,
		mode:   mode,
		logger: logger,
		cursor: &cursor{mode: mode},
	}
	s.setRecords(records)

	logger.Info("loaded replay",
		zap.String("path", path),
		zap.String("mode", string(mode)),
		zap.Int("count", len(records)),
		zap.Duration("span", s.span),
	)
	return s, nil
}

func (s *Source) setRecords(records []*logtable.Table) {
	s.records = records

	first := records[0].Timestamp()
	last := records[len(records)-1].Timestamp()
	step := time.Duration(0)
	if len(records) > 1 {
		step = (last - first) / time.Duration(len(records)-1)
	}
	s.span = last - first + step
}

// Next returns a copy of the next record with its timestamp adjusted for
// completed laps.
func (s *Source) Next() (*logtable.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, laps, exhausted := s.cursor.advance(len(s.records))
	if exhausted {
		return nil, ErrExhausted
	}

	rec := s.records[idx].Clone()
	if laps > 0 {
		rec.SetTimestamp(rec.Timestamp() + time.Duration(laps)*s.span)
	}
	return rec, nil
}

// Update merges the next record into table. It reports false when the
// recording is exhausted.
func (s *Source) Update(_ context.Context, table *logtable.Table) (bool, error) {
	rec, err := s.Next()
	if errors.Is(err, ErrExhausted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	table.Merge(rec)
	table.SetTimestamp(rec.Timestamp())
	return true, nil
}

// Replaying marks tables produced from this source as replayed.
func (s *Source) Replaying() bool { return true }

// Reset rewinds playback to the first record.
func (s *Source) Reset() {
	s.cursor.reset()
	s.logger.Info("replay reset", zap.String("path", s.path))
}

// Reload swaps in the records of path and rewinds. The current records stay
// in place if loading fails.
func (s *Source) Reload(path string) (int, error) {
	records, err := Load(path)
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", path, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("no records found in %s", path)
	}

	s.mu.Lock()
	s.setRecords(records)
	s.path = path
	s.mu.Unlock()

	s.cursor.reset()
	s.logger.Info("replay reloaded", zap.String("path", path), zap.Int("count", len(records)))
	return len(records), nil
}

// Status describes playback progress.
type Status struct {
	Path     string `json:"path"`
	Mode     Mode   `json:"mode"`
	Position int    `json:"position"`
	Length   int    `json:"length"`
	Laps     int    `json:"laps"`
}

func (s *Source) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, laps := s.cursor.position()
	return Status{
		Path:     s.path,
		Mode:     s.mode,
		Position: idx,
		Length:   len(s.records),
		Laps:     laps,
	}
}
