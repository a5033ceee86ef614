// Package cycle drives the producer side: once per interval it lets a
// source fill the log table, stamps timings and hands a copy of the table
// to every receiver.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

var ErrRunning = errors.New("cycle: driver is running")

// Receiver consumes one table per cycle. The relay server and the session
// recorder are receivers.
type Receiver interface {
	Start(ctx context.Context) error
	Receive(ctx context.Context, table *logtable.Table) error
	Stop() error
}

// Source fills the table for a cycle. Returning false ends the run.
type Source interface {
	Update(ctx context.Context, table *logtable.Table) (bool, error)
}

// Replayer is implemented by sources that replay a recorded session. They
// set the table timestamp themselves and their tables use the Replay*
// subtables.
type Replayer interface {
	Replaying() bool
}

// Driver runs the cycle loop.
type Driver struct {
	interval  time.Duration
	source    Source
	logger    *zap.Logger
	receivers []Receiver
	metadata  map[string]string
	logMeta   map[string]string
	console   *Console
	running   atomic.Bool
	cycles    atomic.Uint64
}

func NewDriver(interval time.Duration, source Source, logger *zap.Logger) (*Driver, error) {
	if interval <= 0 {
		return nil, errors.New("cycle: interval must be > 0")
	}
	if source == nil {
		return nil, errors.New("cycle: source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		interval: interval,
		source:   source,
		logger:   logger,
		metadata: make(map[string]string),
		logMeta:  make(map[string]string),
	}, nil
}

// AddReceiver registers r. Receivers can only be added before Run.
func (d *Driver) AddReceiver(r Receiver) error {
	if d.running.Load() {
		return ErrRunning
	}
	d.receivers = append(d.receivers, r)
	return nil
}

// AddMetadata records a key written into the metadata subtable at start.
func (d *Driver) AddMetadata(key, value string) error {
	if d.running.Load() {
		return ErrRunning
	}
	d.metadata[key] = value
	return nil
}

// AddLogMetadata records a key written into the LogMetadata subtable at
// start. LogMetadata describes the log layout rather than the run.
func (d *Driver) AddLogMetadata(key, value string) error {
	if d.running.Load() {
		return ErrRunning
	}
	d.logMeta[key] = value
	return nil
}

// SetConsole makes the driver publish the lines buffered in c under the
// Console output key each cycle.
func (d *Driver) SetConsole(c *Console) error {
	if d.running.Load() {
		return ErrRunning
	}
	d.console = c
	return nil
}

// Cycles returns the number of completed cycles.
func (d *Driver) Cycles() uint64 {
	return d.cycles.Load()
}

func (d *Driver) replaying() bool {
	r, ok := d.source.(Replayer)
	return ok && r.Replaying()
}

// Run starts every receiver, cycles until ctx is done or the source is
// exhausted, then stops the receivers in reverse order.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer d.running.Store(false)

	started := 0
	defer func() {
		for i := started - 1; i >= 0; i-- {
			if err := d.receivers[i].Stop(); err != nil {
				d.logger.Warn("receiver stop failed", zap.Int("receiver", i), zap.Error(err))
			}
		}
	}()
	for i, r := range d.receivers {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("starting receiver %d: %w", i, err)
		}
		started++
	}

	prefix := "Real"
	if d.replaying() {
		prefix = "Replay"
	}

	table := logtable.New()
	meta := table.Subtable(prefix + "Metadata")
	for k, v := range d.metadata {
		if err := meta.Put(k, v); err != nil {
			return err
		}
	}
	logMeta := table.Subtable("LogMetadata")
	for k, v := range d.logMeta {
		if err := logMeta.Put(k, v); err != nil {
			return err
		}
	}
	outputs := table.Subtable(prefix + "Outputs")
	if d.console != nil {
		if err := logMeta.Put("ConsoleKey", "/"+prefix+"Outputs/Console"); err != nil {
			return err
		}
	}
	tables := cycleTables{table: table, outputs: outputs, timings: outputs.Subtable("LoggerTimings")}

	d.logger.Info("cycle driver started",
		zap.Duration("interval", d.interval),
		zap.Int("receivers", len(d.receivers)),
		zap.Bool("replay", prefix == "Replay"),
	)

	start := time.Now()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("cycle driver stopped", zap.Uint64("cycles", d.Cycles()))
			return nil
		case <-ticker.C:
		}

		more, err := d.cycle(ctx, tables, start)
		if err != nil {
			return err
		}
		if !more {
			d.logger.Info("source exhausted", zap.Uint64("cycles", d.Cycles()))
			return nil
		}
	}
}

type cycleTables struct {
	table   *logtable.Table
	outputs *logtable.Table
	timings *logtable.Table
}

func (d *Driver) cycle(ctx context.Context, t cycleTables, start time.Time) (bool, error) {
	cycleStart := time.Now()
	replaying := d.replaying()

	if replaying {
		more, err := d.source.Update(ctx, t.table)
		if err != nil {
			return false, fmt.Errorf("reading replay table: %w", err)
		}
		if !more {
			return false, nil
		}
		d.output(t.timings, "TableReadNS", time.Since(cycleStart).Nanoseconds())
	} else {
		t.table.SetTimestamp(time.Since(start))
	}

	userStart := time.Now()
	if !replaying {
		more, err := d.source.Update(ctx, t.table)
		if err != nil {
			return false, fmt.Errorf("updating table: %w", err)
		}
		if !more {
			return false, nil
		}
	}
	if d.console != nil {
		if lines := d.console.Drain(); strings.TrimSpace(lines) != "" {
			d.output(t.outputs, "Console", lines)
		}
	}
	userTime := time.Since(userStart)
	fullTime := time.Since(cycleStart)
	d.output(t.timings, "UserCodeNS", userTime.Nanoseconds())
	d.output(t.timings, "FullCycleNS", fullTime.Nanoseconds())
	d.output(t.timings, "LoggerCycleNS", (fullTime - userTime).Nanoseconds())

	snapshot := t.table.Clone()
	for i, r := range d.receivers {
		if err := r.Receive(ctx, snapshot); err != nil {
			d.logger.Warn("receiver failed",
				zap.Int("receiver", i),
				zap.Uint64("cycle", d.Cycles()),
				zap.Error(err),
			)
		}
	}
	d.cycles.Add(1)
	return true, nil
}

// output writes a driver-owned value. A failed write is logged and the
// cycle goes on without it.
func (d *Driver) output(table *logtable.Table, key string, value any) {
	if err := table.Put(key, value); err != nil {
		d.logger.Warn("logger output not written",
			zap.String("key", key),
			zap.Uint64("cycle", d.Cycles()),
			zap.Error(err),
		)
	}
}
