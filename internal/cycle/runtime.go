package cycle

import (
	"context"
	"runtime"
	"time"

	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// RuntimeSource publishes Go runtime statistics under RealOutputs/Runtime.
// It never ends.
type RuntimeSource struct {
	started time.Time
	cycle   int64
}

func NewRuntimeSource() *RuntimeSource {
	return &RuntimeSource{started: time.Now()}
}

func (s *RuntimeSource) Update(_ context.Context, table *logtable.Table) (bool, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.cycle++

	rt := table.Subtable("RealOutputs").Subtable("Runtime")
	values := map[string]any{
		"Cycle":          s.cycle,
		"Goroutines":     runtime.NumGoroutine(),
		"HeapAllocBytes": int64(ms.HeapAlloc),
		"HeapObjects":    int64(ms.HeapObjects),
		"NumGC":          int64(ms.NumGC),
		"GCPauseTotalNS": int64(ms.PauseTotalNs),
		"Uptime":         time.Since(s.started),
	}
	for k, v := range values {
		if err := rt.Put(k, v); err != nil {
			return false, err
		}
	}
	return true, nil
}
