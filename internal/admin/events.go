package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/relay"
)

// Per-subscriber buffer. A subscriber that falls this far behind loses
// events rather than stalling the relay.
const subscriberBuffer = 32

// EventHub fans relay connect/disconnect events out to SSE subscribers.
type EventHub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool
}

type sseClient struct {
	dataCh chan []byte
	doneCh chan struct{}
}

func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		logger:  logger,
		clients: make(map[*sseClient]bool),
	}
}

// Publish satisfies relay.Observer. It never blocks.
func (h *EventHub) Publish(ev relay.Event) {
	h.mu.Lock()
	h.sequence++
	seq := h.sequence
	clients := make([]*sseClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	data, err := formatEvent(string(ev.Type), seq, ev)
	if err != nil {
		h.logger.Warn("failed to encode relay event", zap.Error(err))
		return
	}

	for _, c := range clients {
		select {
		case c.dataCh <- data:
		default:
			h.logger.Debug("event subscriber full, dropping event",
				zap.String("type", string(ev.Type)),
				zap.String("conn_id", ev.ConnID),
			)
		}
	}
}

// Subscribers returns the number of attached SSE streams.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleSSE streams events until the request ends. The first event is a
// snapshot of the relay status so a subscriber starts from known state.
func (h *EventHub) HandleSSE(status func() relay.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		client := &sseClient{
			dataCh: make(chan []byte, subscriberBuffer),
			doneCh: make(chan struct{}),
		}
		h.addClient(client)
		defer h.removeClient(client)

		h.logger.Debug("event subscriber connected", zap.String("remote_addr", r.RemoteAddr))

		h.mu.RLock()
		seq := h.sequence
		h.mu.RUnlock()
		snapshot, err := formatEvent("snapshot", seq, status())
		if err != nil {
			h.logger.Error("failed to encode snapshot", zap.Error(err))
			return
		}
		if _, err := w.Write(snapshot); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				h.logger.Debug("event subscriber disconnected", zap.String("remote_addr", r.RemoteAddr))
				return
			case <-client.doneCh:
				return
			case data := <-client.dataCh:
				if _, err := w.Write(data); err != nil {
					h.logger.Debug("failed to write to subscriber", zap.Error(err))
					return
				}
				flusher.Flush()
			}
		}
	}
}

// Close ends every attached stream.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.doneCh)
	}
}

func (h *EventHub) addClient(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *EventHub) removeClient(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.doneCh)
	}
}

func formatEvent(eventType string, seq uint64, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, seq, jsonData)), nil
}
