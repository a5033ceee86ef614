package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/frame"
	"github.com/dgnsrekt/rlog-relay/internal/logtable"
)

// countEncoder is a summable encoder: each table carries a running "count"
// and a diff is the difference from the last consumed count. Skipped tables
// therefore show up as one larger diff.
type countEncoder struct {
	mu    sync.Mutex
	last  int64
	diffs int
	fail  error
}

func (e *countEncoder) EncodeDiff(table *logtable.Table) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return nil, e.fail
	}
	v, _ := table.Get("count")
	n, _ := v.(int64)
	d := n - e.last
	e.last = n
	e.diffs++
	return []byte(fmt.Sprintf("D%d", d)), nil
}

func (e *countEncoder) EncodeFull() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []byte(fmt.Sprintf("F%d", e.last)), nil
}

func (e *countEncoder) diffCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diffs
}

func countTable(t *testing.T, n int64) *logtable.Table {
	t.Helper()
	table := logtable.New()
	if err := table.Put("count", n); err != nil {
		t.Fatal(err)
	}
	return table
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(typ EventType, reason Reason) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ && ev.Reason == reason {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TickInterval = 5 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = 200 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg Config, enc SnapshotEncoder, opts ...Option) *Server {
	t.Helper()
	s, err := New(cfg, enc, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

type client struct {
	conn net.Conn
	r    *frame.Reader
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: frame.NewReader(conn)}
}

// next returns the next frame payload, heartbeats included.
func (c *client) next(t *testing.T) string {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := c.r.Next()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return string(p)
}

// nextPayload skips heartbeats.
func (c *client) nextPayload(t *testing.T) string {
	t.Helper()
	for {
		if p := c.next(t); p != "" {
			return p
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_EndToEnd(t *testing.T) {
	enc := &countEncoder{}
	s := startServer(t, testConfig(), enc)
	ctx := context.Background()

	a := dial(t, s)
	if got := a.next(t); got != "F0" {
		t.Fatalf("client A: expected first frame F0, got %q", got)
	}
	waitFor(t, "client A", func() bool { return s.ClientCount() == 1 })

	if err := s.Ingest(ctx, countTable(t, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := a.nextPayload(t); got != "D1" {
		t.Fatalf("client A: expected D1, got %q", got)
	}

	b := dial(t, s)
	if got := b.next(t); got != "F1" {
		t.Fatalf("client B: expected first frame F1, got %q", got)
	}
	waitFor(t, "client B", func() bool { return s.ClientCount() == 2 })

	for n := int64(3); n <= 7; n += 2 {
		if err := s.Ingest(ctx, countTable(t, n)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	for _, c := range []*client{a, b} {
		for _, want := range []string{"D2", "D2", "D2"} {
			if got := c.nextPayload(t); got != want {
				t.Fatalf("expected %s, got %q", want, got)
			}
		}
	}
}

func TestServer_SkippedIngestDoesNotAdvanceCursor(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.TickInterval = time.Hour
	enc := &countEncoder{}
	s := startServer(t, cfg, enc)
	ctx := context.Background()

	for n := int64(1); n <= 5; n++ {
		if err := s.Ingest(ctx, countTable(t, n)); err != nil {
			t.Fatalf("Ingest(%d): %v", n, err)
		}
	}
	if got := enc.diffCalls(); got != 2 {
		t.Fatalf("expected 2 encoder calls with a full queue, got %d", got)
	}

	batch := s.queue.DrainAll()
	if len(batch) != 2 {
		t.Fatalf("expected 2 queued frames, got %d", len(batch))
	}

	if err := s.Ingest(ctx, countTable(t, 6)); err != nil {
		t.Fatal(err)
	}
	batch = s.queue.DrainAll()
	if len(batch) != 1 {
		t.Fatalf("expected 1 queued frame, got %d", len(batch))
	}
	r := frame.NewReader(bytes.NewReader(batch[0].Data))
	p, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	// Tables 3, 4, 5 were skipped; the next diff spans 2 -> 6.
	if string(p) != "D4" {
		t.Errorf("expected D4, got %q", p)
	}
	if batch[0].Seq != 3 {
		t.Errorf("expected seq 3, got %d", batch[0].Seq)
	}
}

func TestServer_CapacityBurst(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 4
	cfg.TickInterval = time.Hour
	enc := &countEncoder{}
	s := startServer(t, cfg, enc)

	a := dial(t, s)
	a.next(t)
	waitFor(t, "client", func() bool { return s.ClientCount() == 1 })

	for n := int64(1); n <= 5; n++ {
		_ = s.Ingest(context.Background(), countTable(t, n))
	}
	if s.queue.Len() != 4 {
		t.Fatalf("expected queue at capacity 4, got %d", s.queue.Len())
	}

	s.tick()
	if got := a.next(t); got != "" {
		t.Fatalf("expected heartbeat first, got %q", got)
	}
	for i := 0; i < 4; i++ {
		if got := a.next(t); got != "D1" {
			t.Fatalf("frame %d: expected D1, got %q", i, got)
		}
	}

	s.tick()
	if got := a.next(t); got != "" {
		t.Errorf("expected only a heartbeat after the burst, got %q", got)
	}
}

func TestServer_NewcomerGetsFullBeforeQueuedDiffs(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	enc := &countEncoder{}
	s := startServer(t, cfg, enc)
	ctx := context.Background()

	for n := int64(1); n <= 3; n++ {
		if err := s.Ingest(ctx, countTable(t, n)); err != nil {
			t.Fatal(err)
		}
	}

	c := dial(t, s)
	if got := c.next(t); got != "F3" {
		t.Fatalf("expected full snapshot F3 first, got %q", got)
	}
	waitFor(t, "client", func() bool { return s.ClientCount() == 1 })

	// The queued diffs are already in F3 and must not be replayed.
	s.tick()
	if got := c.next(t); got != "" {
		t.Fatalf("expected bare heartbeat, got %q", got)
	}

	if err := s.Ingest(ctx, countTable(t, 4)); err != nil {
		t.Fatal(err)
	}
	s.tick()
	if got := c.nextPayload(t); got != "D1" {
		t.Errorf("expected D1, got %q", got)
	}
}

func TestServer_SilentClientTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	events := &eventLog{}
	s := startServer(t, cfg, &countEncoder{}, WithObserver(events.observe))

	silent := dial(t, s)
	silent.next(t)
	waitFor(t, "client", func() bool { return s.ClientCount() == 1 })

	waitFor(t, "timeout", func() bool { return s.ClientCount() == 0 })
	if got := events.count(EventDisconnect, ReasonTimeout); got != 1 {
		t.Errorf("expected 1 timeout event, got %d", got)
	}
}

func TestServer_ChattyClientStays(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	s := startServer(t, cfg, &countEncoder{})

	c := dial(t, s)
	c.next(t)
	waitFor(t, "client", func() bool { return s.ClientCount() == 1 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 15; i++ {
			if _, err := c.conn.Write([]byte{0}); err != nil {
				return
			}
			time.Sleep(40 * time.Millisecond)
		}
	}()
	go func() {
		for {
			if _, err := c.r.Next(); err != nil {
				return
			}
		}
	}()
	<-done

	if s.ClientCount() != 1 {
		t.Errorf("expected chatty client to stay connected, got %d clients", s.ClientCount())
	}
}

func TestServer_FailingClientIsolated(t *testing.T) {
	events := &eventLog{}
	s := startServer(t, testConfig(), &countEncoder{}, WithObserver(events.observe))
	ctx := context.Background()

	a := dial(t, s)
	a.next(t)
	b := dial(t, s)
	b.next(t)
	waitFor(t, "two clients", func() bool { return s.ClientCount() == 2 })

	a.conn.Close()
	waitFor(t, "failed client removal", func() bool { return s.ClientCount() == 1 })
	if got := events.count(EventDisconnect, ReasonIOError); got != 1 {
		t.Errorf("expected 1 io-error event, got %d", got)
	}

	if err := s.Ingest(ctx, countTable(t, 9)); err != nil {
		t.Fatal(err)
	}
	if got := b.nextPayload(t); got != "D9" {
		t.Errorf("client B: expected D9, got %q", got)
	}
}

func TestServer_WriteFailureIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	events := &eventLog{}
	s := startServer(t, cfg, &countEncoder{}, WithObserver(events.observe))

	bad := newFakeTransport()
	good := newFakeTransport()
	for _, ft := range []*fakeTransport{bad, good} {
		if err := s.admit(context.Background(), ft); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	bad.mu.Lock()
	bad.writeErr = errors.New("broken pipe")
	bad.mu.Unlock()

	if err := s.Ingest(context.Background(), countTable(t, 2)); err != nil {
		t.Fatal(err)
	}
	s.tick()

	if s.ClientCount() != 1 {
		t.Fatalf("expected 1 client after write failure, got %d", s.ClientCount())
	}
	if got := events.count(EventDisconnect, ReasonIOError); got != 1 {
		t.Errorf("expected 1 io-error event, got %d", got)
	}

	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.writes) != 2 {
		t.Fatalf("expected handshake and one tick write, got %d", len(good.writes))
	}
	tick := good.writes[1]
	if len(tick) != 2 || !frame.IsHeartbeat(tick[0]) || string(tick[1][frame.HeaderSize:]) != "D2" {
		t.Errorf("unexpected tick write %q", tick)
	}
}

func TestServer_IngestEncoderError(t *testing.T) {
	enc := &countEncoder{fail: errors.New("boom")}
	s := startServer(t, testConfig(), enc)

	err := s.Ingest(context.Background(), countTable(t, 1))
	if err == nil {
		t.Fatal("expected encoder error")
	}
	if s.Status().DiffSeq != 0 {
		t.Errorf("sequence advanced on failed encode")
	}
	if s.queue.Len() != 0 {
		t.Errorf("expected nothing queued, got %d", s.queue.Len())
	}
}

func TestServer_IngestWhileStopped(t *testing.T) {
	enc := &countEncoder{}
	s, err := New(testConfig(), enc, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest(context.Background(), countTable(t, 1)); err != nil {
		t.Fatal(err)
	}
	if enc.diffCalls() != 0 {
		t.Errorf("encoder called while stopped")
	}
}

func TestServer_Lifecycle(t *testing.T) {
	events := &eventLog{}
	s, err := New(testConfig(), &countEncoder{}, zap.NewNop(), WithObserver(events.observe))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop on stopped server: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("expected running, got %s", s.State())
	}

	c := dial(t, s)
	c.next(t)
	waitFor(t, "client", func() bool { return s.ClientCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateStopped || s.Addr() != nil {
		t.Errorf("expected stopped without listener, state=%s", s.State())
	}
	if s.ClientCount() != 0 {
		t.Errorf("expected no clients after stop, got %d", s.ClientCount())
	}
	if got := events.count(EventDisconnect, ReasonShutdown); got != 1 {
		t.Errorf("expected 1 shutdown event, got %d", got)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c.r.Next(); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				t.Fatal("connection left open after stop")
			}
			break
		}
	}

	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	// Restartable after a stop.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	_ = s.Stop()
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.Addr = ln.Addr().String()
	s, err := New(cfg, &countEncoder{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err == nil {
		_ = s.Stop()
		t.Fatal("expected bind failure")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped after bind failure, got %s", s.State())
	}
}

func TestServer_MaxClients(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	s := startServer(t, cfg, &countEncoder{})

	a := dial(t, s)
	a.next(t)
	waitFor(t, "client", func() bool { return s.ClientCount() == 1 })

	b := dial(t, s)
	_ = b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b.r.Next(); err == nil {
		t.Error("expected second client to be closed without a snapshot")
	}
	if s.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", s.ClientCount())
	}
}

func (l *eventLog) total(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestServer_QueueDepthGauge(t *testing.T) {
	s, err := New(testConfig(), &countEncoder{}, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 3; i++ {
		s.queue.TryEnqueue(Frame{Seq: i, Data: frame.Encode([]byte("d"))})
	}

	s.tick()
	if got := gaugeValue(t, s.metrics.queueDepth); got != 3 {
		t.Errorf("expected queue depth 3 before the drain, got %v", got)
	}
	if got := counterValue(t, s.metrics.framesDrained); got != 3 {
		t.Errorf("expected 3 drained frames, got %v", got)
	}

	s.queue.TryEnqueue(Frame{Seq: 4, Data: frame.Encode([]byte("d"))})
	s.tick()
	s.tick()
	if got := gaugeValue(t, s.metrics.queueDepth); got != 0 {
		t.Errorf("expected empty queue on the last tick, got %v", got)
	}
	if got := counterValue(t, s.metrics.framesDrained); got != 4 {
		t.Errorf("expected 4 drained frames, got %v", got)
	}
}

// bulkEncoder emits large diffs so a client that stops reading fills its
// socket buffers and broadcast writes to it block until their deadline.
type bulkEncoder struct {
	countEncoder
}

func (e *bulkEncoder) EncodeDiff(table *logtable.Table) ([]byte, error) {
	if _, err := e.countEncoder.EncodeDiff(table); err != nil {
		return nil, err
	}
	return bytes.Repeat([]byte("x"), 128<<10), nil
}

func TestServer_StopLatencyWithClients(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 500 * time.Millisecond
	events := &eventLog{}
	s := startServer(t, cfg, &bulkEncoder{}, WithObserver(events.observe))

	const readers = 5
	for i := 0; i < readers; i++ {
		c := dial(t, s)
		go func() { _, _ = io.Copy(io.Discard, c.conn) }()
	}
	stalled := dial(t, s)
	stalled.next(t)
	waitFor(t, "clients", func() bool { return s.ClientCount() == readers+1 })

	stopIngest := make(chan struct{})
	ingested := make(chan struct{})
	go func() {
		defer close(ingested)
		for n := int64(1); ; n++ {
			select {
			case <-stopIngest:
				return
			default:
			}
			table := logtable.New()
			_ = table.Put("count", n)
			_ = s.Ingest(context.Background(), table)
			time.Sleep(2 * time.Millisecond)
		}
	}()
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	elapsed := time.Since(start)
	close(stopIngest)
	<-ingested

	if bound := cfg.TickInterval + cfg.WriteTimeout + 250*time.Millisecond; elapsed > bound {
		t.Errorf("Stop took %v with %d clients, expected under %v", elapsed, readers+1, bound)
	}
	if s.State() != StateStopped || s.ClientCount() != 0 {
		t.Errorf("expected stopped with no clients, state=%s clients=%d", s.State(), s.ClientCount())
	}
	if c, d := events.total(EventConnect), events.total(EventDisconnect); c != readers+1 || d != c {
		t.Errorf("expected %d connects each with one disconnect, got %d connects and %d disconnects", readers+1, c, d)
	}
}

// gatedEncoder holds every full snapshot until release is closed.
type gatedEncoder struct {
	countEncoder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *gatedEncoder) EncodeFull() ([]byte, error) {
	e.once.Do(func() { close(e.entered) })
	<-e.release
	return e.countEncoder.EncodeFull()
}

func TestServer_StopWithHandshakeInFlight(t *testing.T) {
	enc := &gatedEncoder{entered: make(chan struct{}), release: make(chan struct{})}
	events := &eventLog{}
	s := startServer(t, testConfig(), enc, WithObserver(events.observe))
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(enc.release) }) }
	t.Cleanup(release)

	c := dial(t, s)
	select {
	case <-enc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	waitFor(t, "stopping", func() bool { return s.State() != StateRunning })
	release()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the handshake was released")
	}

	if s.State() != StateStopped || s.ClientCount() != 0 {
		t.Errorf("expected stopped with no clients, state=%s clients=%d", s.State(), s.ClientCount())
	}
	if got, want := events.total(EventDisconnect), events.total(EventConnect); got != want {
		t.Errorf("expected one disconnect per connect, got %d connects and %d disconnects", want, got)
	}

	// Whatever the handshake managed to send, the connection must end.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c.r.Next(); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				t.Fatal("connection left open after stop")
			}
			break
		}
	}
}

func TestServer_StopDuringHandshakes(t *testing.T) {
	events := &eventLog{}
	s := startServer(t, testConfig(), &countEncoder{}, WithObserver(events.observe))
	addr := s.Addr().String()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
				if err != nil {
					time.Sleep(time.Millisecond)
					continue
				}
				_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
				_, _ = frame.NewReader(conn).Next()
				conn.Close()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := int64(1); ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			table := logtable.New()
			_ = table.Put("count", n)
			_ = s.Ingest(context.Background(), table)
		}
	}()

	waitFor(t, "handshakes", func() bool { return events.total(EventConnect) >= 10 })

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung with handshakes in flight")
	}
	close(stop)
	wg.Wait()

	if s.State() != StateStopped || s.ClientCount() != 0 {
		t.Errorf("expected stopped with no clients, state=%s clients=%d", s.State(), s.ClientCount())
	}
	if got := gaugeValue(t, s.metrics.clients); got != 0 {
		t.Errorf("expected clients gauge 0 after stop, got %v", got)
	}
	if c, d := events.total(EventConnect), events.total(EventDisconnect); c != d {
		t.Errorf("expected one disconnect per connect, got %d connects and %d disconnects", c, d)
	}
}
