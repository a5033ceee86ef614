// Package record writes each cycle's table to a session file that the
// replay package can play back.
package record

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// Config configures a Recorder.
type Config struct {
	Dir      string // final directory for session files
	Compress bool   // write .jsonl.zst instead of .jsonl
}

// Recorder is a cycle receiver. Records go to a staging file that is renamed
// into Dir on Stop, so Dir only ever holds complete sessions.
type Recorder struct {
	cfg    Config
	logger *zap.Logger
	stage  *stage

	mu        sync.Mutex
	sessionID string
	name      string
	file      *os.File
	bw        *bufio.Writer
	zw        *zstd.Encoder
	records   int
	committed string
}

func New(cfg Config, logger *zap.Logger) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, errors.New("record: dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		stage:  newStage(cfg.Dir),
	}, nil
}

// Start opens a new staged session file.
func (r *Recorder) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return errors.New("record: session already open")
	}
	if err := r.stage.prepare(); err != nil {
		return fmt.Errorf("preparing staging: %w", err)
	}

	r.sessionID = uuid.NewString()
	r.name = fmt.Sprintf("session-%s-%s.jsonl", time.Now().UTC().Format("20060102T150405Z"), r.sessionID[:8])
	if r.cfg.Compress {
		r.name += ".zst"
	}

	f, err := os.Create(r.stage.stagingPath(r.name))
	if err != nil {
		return fmt.Errorf("creating session file: %w", err)
	}

	var w io.Writer = f
	if r.cfg.Compress {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			_ = r.stage.discard(r.name)
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		r.zw = zw
		w = zw
	}

	r.file = f
	r.bw = bufio.NewWriterSize(w, 64*1024)
	r.records = 0
	r.committed = ""

	r.logger.Info("recording session",
		zap.String("sessionID", r.sessionID),
		zap.String("staging", r.stage.stagingPath(r.name)),
	)
	return nil
}

// Receive appends table as one JSON line.
func (r *Recorder) Receive(_ context.Context, table *logtable.Table) error {
	line, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bw == nil {
		return errors.New("record: no open session")
	}
	if _, err := r.bw.Write(line); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	if err := r.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	r.records++
	return nil
}

// Stop flushes and commits the session. A session with no records is
// discarded.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}

	err := r.bw.Flush()
	if r.zw != nil {
		if cerr := r.zw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.file, r.bw, r.zw = nil, nil, nil

	if err != nil {
		_ = r.stage.discard(r.name)
		return fmt.Errorf("closing session file: %w", err)
	}

	if r.records == 0 {
		r.logger.Info("discarding empty session", zap.String("sessionID", r.sessionID))
		return r.stage.discard(r.name)
	}

	dest, err := r.stage.commit(r.name)
	if err != nil {
		return err
	}
	r.committed = dest
	r.logger.Info("session recorded",
		zap.String("sessionID", r.sessionID),
		zap.String("path", dest),
		zap.Int("records", r.records),
	)
	return nil
}

// Path returns the committed file of the last session, or "" if none.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}
