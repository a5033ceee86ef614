package admin

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errReloadInProgress = errors.New("reload already in progress")

// replayControl serializes reloads of the replay source. A failed reload
// leaves the previous records playing.
type replayControl struct {
	src    Replay
	logger *zap.Logger
	mu     sync.Mutex
}

func newReplayControl(src Replay, logger *zap.Logger) *replayControl {
	return &replayControl{src: src, logger: logger}
}

func (rc *replayControl) reload(path string) (int, error) {
	if !rc.mu.TryLock() {
		return 0, errReloadInProgress
	}
	defer rc.mu.Unlock()

	previous := rc.src.Status().Path
	rc.logger.Info("starting replay reload",
		zap.String("previous", previous),
		zap.String("path", path),
	)

	start := time.Now()
	n, err := rc.src.Reload(path)
	if err != nil {
		rc.logger.Warn("replay reload failed", zap.String("path", path), zap.Error(err))
		return 0, err
	}

	rc.logger.Info("replay reload complete",
		zap.String("previous", previous),
		zap.String("path", path),
		zap.Int("records", n),
		zap.Duration("duration", time.Since(start)),
	)
	return n, nil
}
