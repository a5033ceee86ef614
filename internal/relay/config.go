package relay

import (
	"errors"
	"time"
)

// Config holds the relay server's tunables.
type Config struct {
	Addr             string        // listen address, e.g. ":5800"
	QueueCapacity    int           // delivery queue bound
	TickInterval     time.Duration // broadcast loop period
	HeartbeatTimeout time.Duration // close a client silent for longer than this
	WriteTimeout     time.Duration // per-tick write deadline for each client
	HandshakeTimeout time.Duration // deadline for sending the full snapshot
	MaxClients       int           // 0 = unlimited
	AcceptRate       float64       // newcomers per second, 0 = unlimited
	AcceptBurst      int
}

// DefaultConfig returns the reference values: port 5800, 500 queued frames,
// a 20ms tick and a 3s heartbeat timeout.
func DefaultConfig() Config {
	return Config{
		Addr:             ":5800",
		QueueCapacity:    500,
		TickInterval:     20 * time.Millisecond,
		HeartbeatTimeout: 3 * time.Second,
		WriteTimeout:     50 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for values the loops cannot run with.
func (c Config) Validate() error {
	if c.QueueCapacity < 1 {
		return errors.New("queue capacity must be >= 1")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be > 0")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat timeout must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be > 0")
	}
	if c.MaxClients < 0 {
		return errors.New("max clients must be >= 0")
	}
	if c.AcceptRate < 0 {
		return errors.New("accept rate must be >= 0")
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return errors.New("accept burst must be >= 1 when accept rate is set")
	}
	return nil
}
