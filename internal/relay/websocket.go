package relay

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Maximum message size accepted from a WebSocket observer. Inbound messages
// are liveness signals only.
const wsReadLimit = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport carries the same frame stream as TCP, one binary message per
// write.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) writeFrames(deadline time.Time, frames [][]byte) (int64, error) {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	w, err := t.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}

	var written int64
	for _, f := range frames {
		n, err := w.Write(f)
		written += int64(n)
		if err != nil {
			_ = w.Close()
			return written, err
		}
	}
	return written, w.Close()
}

func (t *wsTransport) readLoop(touch func()) error {
	for {
		_, r, err := t.conn.NextReader()
		if err != nil {
			return err
		}
		touch()
		if _, err := io.Copy(io.Discard, r); err != nil {
			return err
		}
	}
}

func (t *wsTransport) close() error { return t.conn.Close() }

func (t *wsTransport) remoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *wsTransport) kind() string { return "websocket" }

// ServeWebSocket upgrades an HTTP request and admits it as an observer. The
// handshake runs on the request goroutine; delivery then continues on the
// broadcast loop.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.State() != StateRunning {
		http.Error(w, "relay not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(wsReadLimit)

	if err := s.admit(r.Context(), &wsTransport{conn: ws}); err != nil {
		s.logger.Debug("websocket observer not admitted",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
	}
}
