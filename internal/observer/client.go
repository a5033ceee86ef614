// Package observer is a relay client: it reads the frame stream, keeps a
// mirror of the producer's table and sends the liveness bytes the relay
// needs to keep the connection open.
package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/frame"
	"github.com/dgnsrekt/rlog-relay/internal/rlog"
)

// ErrServerClosed is returned by Run when the relay ends the stream.
var ErrServerClosed = errors.New("observer: relay closed the connection")

// Config configures a Client.
type Config struct {
	Addr string

	// Interval between liveness bytes. Must be well under the relay's
	// heartbeat timeout.
	HeartbeatInterval time.Duration

	DialTimeout time.Duration

	// ReadTimeout bounds the wait for any frame, heartbeats included.
	// Zero disables it.
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:5800",
		HeartbeatInterval: time.Second,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       10 * time.Second,
	}
}

// Handler is called for each payload after it has been applied to state.
// Returning an error ends Run with that error.
type Handler func(p *rlog.Payload, state *rlog.State) error

// Stats counts what a client has received.
type Stats struct {
	Payloads   uint64
	Heartbeats uint64
	Bytes      uint64
}

// Client is a single relay connection. Run may be called again after it
// returns to reconnect with a fresh state.
type Client struct {
	cfg    Config
	logger *zap.Logger

	payloads   atomic.Uint64
	heartbeats atomic.Uint64
	bytes      atomic.Uint64
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("observer: addr is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("observer: heartbeat interval must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Run connects and streams until ctx is cancelled, the relay closes the
// connection or h fails. Cancellation returns nil.
func (c *Client) Run(ctx context.Context, h Handler) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", c.cfg.Addr, err)
	}

	dec, err := rlog.NewDecoder()
	if err != nil {
		conn.Close()
		return err
	}
	defer dec.Close()

	c.logger.Info("connected to relay", zap.String("addr", c.cfg.Addr))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		c.writePump(runCtx, conn)
	}()

	err = c.readPump(conn, dec, h)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readPump decodes frames until the connection fails.
func (c *Client) readPump(conn net.Conn, dec *rlog.Decoder, h Handler) error {
	state := rlog.NewState()
	r := frame.NewReader(conn)

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		p, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrServerClosed
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		c.bytes.Add(uint64(frame.HeaderSize + len(p)))

		if len(p) == 0 {
			c.heartbeats.Add(1)
			continue
		}

		payload, err := dec.Decode(p)
		if err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		if err := state.Apply(payload); err != nil {
			return err
		}
		c.payloads.Add(1)

		if h != nil {
			if err := h(payload, state); err != nil {
				return err
			}
		}
	}
}

// writePump sends one byte per interval. Content is irrelevant to the
// relay; any byte counts as alive.
func (c *Client) writePump(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping := []byte{0}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatInterval))
			if _, err := conn.Write(ping); err != nil {
				c.logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}

// Stats returns counters accumulated across every Run.
func (c *Client) Stats() Stats {
	return Stats{
		Payloads:   c.payloads.Load(),
		Heartbeats: c.heartbeats.Load(),
		Bytes:      c.bytes.Load(),
	}
}
