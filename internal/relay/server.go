package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/rlog-relay/internal/frame"
	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

const tracerName = "github.com/dgnsrekt/rlog-relay/internal/relay"

var (
	ErrAlreadyRunning = errors.New("relay already running")
	ErrNotRunning     = errors.New("relay not running")
	ErrTooManyClients = errors.New("too many clients")
	ErrRateLimited    = errors.New("accept rate exceeded")
)

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Server.
type Option func(*Server)

// WithObserver adds a connection event observer.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithRegisterer registers the server's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		s.registerer = reg
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// Server broadcasts diffs of producer tables to every connected observer.
// Ingest never blocks on observers: when the delivery queue is full the
// table is skipped and folded into the next diff.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	snap       *snapshotter
	queue      *Queue
	reg        *registry
	limiter    *rate.Limiter
	observers  []Observer
	registerer prometheus.Registerer
	metrics    *metrics
	tracer     trace.Tracer
	epoch      time.Time

	ingestMu sync.Mutex

	mu         sync.Mutex // serializes Start and Stop
	state      atomic.Int32
	listener   net.Listener
	cancel     context.CancelFunc
	loops      sync.WaitGroup
	handshakes sync.WaitGroup
	startedAt  time.Time
}

// New creates a stopped server around enc. The encoder is owned by the
// server from here on and must not be used elsewhere.
func New(cfg Config, enc SnapshotEncoder, logger *zap.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if enc == nil {
		return nil, errors.New("snapshot encoder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		snap:    &snapshotter{enc: enc},
		queue:   NewQueue(cfg.QueueCapacity),
		reg:     newRegistry(cfg.QueueCapacity, cfg.MaxClients),
		limiter: rate.NewLimiter(limit, cfg.AcceptBurst),
		epoch:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.metrics = newMetrics(s.registerer)
	return s, nil
}

// Start binds the listener and launches the accept and broadcast loops. The
// loops outlive ctx's cancellation; use Stop to end them.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStopped {
		return ErrAlreadyRunning
	}
	s.state.Store(int32(StateStarting))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("binding %s: %w", s.cfg.Addr, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.listener = ln
	s.cancel = cancel
	s.startedAt = time.Now()
	s.reg.open()

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.acceptLoop(loopCtx, ln)
	}()
	go func() {
		defer s.loops.Done()
		s.broadcastLoop(loopCtx)
	}()

	s.state.Store(int32(StateRunning))
	s.logger.Info("relay started",
		zap.String("addr", ln.Addr().String()),
		zap.Int("queueCapacity", s.cfg.QueueCapacity),
		zap.Duration("tick", s.cfg.TickInterval),
		zap.Duration("heartbeatTimeout", s.cfg.HeartbeatTimeout),
	)
	return nil
}

// Stop ends both loops, closes every connection and returns once all
// goroutines started by the server have exited. Stopping a stopped server
// is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.state.Store(int32(StateStopping))

	s.cancel()
	var closeErr error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = fmt.Errorf("closing listener: %w", err)
	}

	for _, c := range s.reg.drain() {
		c.close()
		if c.active {
			s.finish(c, ReasonShutdown, nil)
		}
	}

	s.loops.Wait()
	s.handshakes.Wait()
	s.reg.waitReaders()
	s.queue.DrainAll()
	s.metrics.clients.Set(0)

	s.listener = nil
	s.cancel = nil
	s.state.Store(int32(StateStopped))
	s.logger.Info("relay stopped")
	return closeErr
}

// Ingest encodes table as a diff and queues it for broadcast. When the
// server is not running or the queue is full it returns nil without
// touching the encoder. Encoder errors are returned; the baseline is left
// where it was.
func (s *Server) Ingest(ctx context.Context, table *logtable.Table) error {
	if s.State() != StateRunning {
		return nil
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if s.queue.Remaining() == 0 {
		s.metrics.ingestSkipped.Inc()
		return nil
	}

	_, span := s.tracer.Start(ctx, "relay.ingest")
	defer span.End()

	data, seq, err := s.snap.diff(table)
	if err != nil {
		s.metrics.encodeErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("encoding diff: %w", err)
	}

	f := Frame{Seq: seq, Data: frame.Encode(data)}
	span.SetAttributes(
		attribute.Int64("relay.seq", int64(seq)),
		attribute.Int("relay.frame_bytes", len(f.Data)),
	)
	if !s.queue.TryEnqueue(f) {
		s.metrics.framesDropped.Inc()
		return nil
	}
	s.metrics.ingestTotal.Inc()
	return nil
}

// Receive is Ingest under the name the cycle driver expects.
func (s *Server) Receive(ctx context.Context, table *logtable.Table) error {
	return s.Ingest(ctx, table)
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound listener address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of observers past the handshake.
func (s *Server) ClientCount() int {
	return s.reg.activeCount()
}

// ClientStatus describes one active observer.
type ClientStatus struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
	IdleMS      int64     `json:"idle_ms"`
}

// Status is a point-in-time view of the server for the admin API.
type Status struct {
	State         string         `json:"state"`
	Addr          string         `json:"addr,omitempty"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	QueueLen      int            `json:"queue_len"`
	QueueCapacity int            `json:"queue_capacity"`
	DiffSeq       uint64         `json:"diff_seq"`
	Clients       []ClientStatus `json:"clients"`
}

func (s *Server) Status() Status {
	st := Status{
		State:         s.State().String(),
		QueueLen:      s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		DiffSeq:       s.snap.sequence(),
		Clients:       []ClientStatus{},
	}

	s.mu.Lock()
	if s.listener != nil {
		st.Addr = s.listener.Addr().String()
		st.StartedAt = s.startedAt
	}
	s.mu.Unlock()

	now := time.Now()
	for _, c := range s.reg.snapshot() {
		st.Clients = append(st.Clients, ClientStatus{
			ID:          c.id,
			RemoteAddr:  c.t.remoteAddr(),
			Transport:   c.t.kind(),
			ConnectedAt: c.connectedAt,
			IdleMS:      c.idle(now).Milliseconds(),
		})
	}
	return st
}

func (s *Server) emit(ev Event) {
	for _, o := range s.observers {
		o(ev)
	}
}
