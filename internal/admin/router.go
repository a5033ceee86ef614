package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/relay"
	"github.com/dgnsrekt/rlog-relay/internal/replay"
)

// Relay is the part of the relay server the admin API exposes.
type Relay interface {
	Status() relay.Status
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
}

// Replay is a controllable replay source.
type Replay interface {
	Status() replay.Status
	Reset()
	Reload(path string) (int, error)
}

// Deps wires the router. Gatherer and Replay are optional.
type Deps struct {
	Relay    Relay
	Events   *EventHub
	Gatherer prometheus.Gatherer
	Replay   Replay
}

func NewRouter(deps Deps, logger *zap.Logger) http.Handler {
	h := &handlers{relay: deps.Relay, logger: logger}
	if deps.Replay != nil {
		h.replay = newReplayControl(deps.Replay, logger)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", h.health)
	if deps.Gatherer != nil {
		// promhttp negotiates its own compression.
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Long-lived streams stay out of the compressing group.
	r.Get("/ws", deps.Relay.ServeWebSocket)
	if deps.Events != nil {
		r.Get("/events", deps.Events.HandleSSE(deps.Relay.Status))
	}

	r.Group(func(api chi.Router) {
		api.Use(middleware.Compress(5))

		api.Get("/status", h.status)
		if h.replay != nil {
			api.Route("/replay", func(rr chi.Router) {
				rr.Get("/", h.replayStatus)
				rr.Post("/reset", h.replayReset)
				rr.Post("/reload", h.replayReload)
			})
		}
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}
