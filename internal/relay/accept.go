package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/frame"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("accept loop exiting")
				return
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.logger.Warn("accept failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.handshakes.Add(1)
		go func() {
			defer s.handshakes.Done()
			if err := s.admit(ctx, &tcpTransport{conn: nc}); err != nil {
				s.logger.Debug("observer not admitted",
					zap.String("remote", nc.RemoteAddr().String()),
					zap.Error(err),
				)
			}
		}()
	}
}

// admit performs the newcomer handshake: the connection is held pending
// while its full snapshot is encoded and written, then activated with the
// diff sequence that snapshot reflects. Any failure closes t.
func (s *Server) admit(ctx context.Context, t transport) error {
	_, span := s.tracer.Start(ctx, "relay.handshake", trace.WithAttributes(
		attribute.String("relay.transport", t.kind()),
		attribute.String("relay.remote", t.remoteAddr()),
	))
	defer span.End()

	fail := func(cause string, err error) error {
		s.metrics.rejected.WithLabelValues(cause).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !s.limiter.Allow() {
		_ = t.close()
		return fail("rate_limited", ErrRateLimited)
	}

	c := newConn(uuid.NewString(), t, s.epoch)
	if err := s.reg.addPending(c); err != nil {
		c.close()
		if errors.Is(err, ErrTooManyClients) {
			s.logger.Warn("observer rejected",
				zap.String("remote", t.remoteAddr()),
				zap.Int("maxClients", s.cfg.MaxClients),
			)
			return fail("max_clients", err)
		}
		return fail("not_running", err)
	}
	span.SetAttributes(attribute.String("relay.conn_id", c.id))

	data, seq, err := s.snap.full()
	if err != nil {
		s.abandon(c)
		s.metrics.encodeErrors.Inc()
		return fail("encode", fmt.Errorf("encoding full snapshot: %w", err))
	}

	full := frame.Encode(data)
	n, err := t.writeFrames(time.Now().Add(s.cfg.HandshakeTimeout), [][]byte{full})
	s.metrics.bytesSent.Add(float64(n))
	if err != nil {
		s.abandon(c)
		return fail("handshake", fmt.Errorf("sending full snapshot: %w", err))
	}
	s.metrics.handshakeBytes.Observe(float64(len(full)))

	if !s.reg.activate(c, seq) {
		c.close()
		return fail("handshake", errors.New("connection closed during handshake"))
	}

	s.metrics.connects.WithLabelValues(t.kind()).Inc()
	s.metrics.clients.Set(float64(s.reg.activeCount()))
	s.logger.Info("observer connected",
		zap.String("connID", c.id),
		zap.String("remote", t.remoteAddr()),
		zap.String("transport", t.kind()),
		zap.Uint64("baseSeq", seq),
	)
	s.emit(Event{
		Type:       EventConnect,
		ConnID:     c.id,
		RemoteAddr: t.remoteAddr(),
		Transport:  t.kind(),
		Time:       time.Now(),
	})
	return nil
}

// abandon removes a pending connection that never became a client.
func (s *Server) abandon(c *conn) {
	s.reg.remove(c)
	c.close()
}
