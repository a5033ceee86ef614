package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/frame"
)

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("broadcast loop exiting")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick drains the queue once and services every connection. Registry work
// happens under its lock; all socket I/O happens after it is released.
func (s *Server) tick() {
	start := time.Now()

	s.metrics.queueDepth.Set(float64(s.queue.Len()))
	batch := s.queue.DrainAll()
	s.metrics.framesDrained.Add(float64(len(batch)))

	deliveries, overflowed := s.reg.collect(batch)
	for _, c := range overflowed {
		c.close()
		s.metrics.rejected.WithLabelValues("stash_overflow").Inc()
		s.logger.Warn("newcomer fell behind during handshake",
			zap.String("connID", c.id),
			zap.String("remote", c.t.remoteAddr()),
		)
	}

	for _, d := range deliveries {
		s.deliver(d)
	}

	s.metrics.tickDuration.Observe(time.Since(start).Seconds())
}

// deliver runs the per-connection steps of a tick: liveness, timeout,
// keepalive, payload. A failure only affects d.conn.
func (s *Server) deliver(d delivery) {
	c := d.conn

	if err := c.readFailure(); err != nil {
		s.disconnect(c, ReasonIOError, err)
		return
	}

	now := time.Now()
	if c.idle(now) > s.cfg.HeartbeatTimeout {
		s.disconnect(c, ReasonTimeout, nil)
		return
	}

	bufs := make([][]byte, 0, 1+len(d.frames))
	bufs = append(bufs, frame.Heartbeat())
	bufs = append(bufs, d.frames...)

	n, err := c.t.writeFrames(now.Add(s.cfg.WriteTimeout), bufs)
	s.metrics.bytesSent.Add(float64(n))
	if err != nil {
		s.disconnect(c, ReasonIOError, err)
	}
}

// disconnect closes c and removes it from the registry in one step. Only
// the caller that actually removed the entry reports it.
func (s *Server) disconnect(c *conn, reason Reason, err error) {
	present, active := s.reg.remove(c)
	c.close()
	if present && active {
		s.finish(c, reason, err)
	}
}

func (s *Server) finish(c *conn, reason Reason, err error) {
	s.metrics.disconnects.WithLabelValues(string(reason)).Inc()
	s.metrics.clients.Set(float64(s.reg.activeCount()))

	fields := []zap.Field{
		zap.String("connID", c.id),
		zap.String("remote", c.t.remoteAddr()),
		zap.String("reason", string(reason)),
		zap.Duration("connectedFor", time.Since(c.connectedAt)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Info("observer disconnected", fields...)

	ev := Event{
		Type:       EventDisconnect,
		ConnID:     c.id,
		RemoteAddr: c.t.remoteAddr(),
		Transport:  c.t.kind(),
		Reason:     reason,
		Time:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.emit(ev)
}
