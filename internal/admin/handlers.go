package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type handlers struct {
	relay  Relay
	replay *replayControl
	logger *zap.Logger
}

type healthResponse struct {
	Status string `json:"status"`
	Relay  string `json:"relay"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type reloadRequest struct {
	Path string `json:"path"`
}

type reloadResponse struct {
	Status  string `json:"status"`
	Path    string `json:"path"`
	Records int    `json:"records"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.relay.Status()
	resp := healthResponse{Status: "ok", Relay: st.State}
	code := http.StatusOK
	if st.State != "running" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.relay.Status())
}

func (h *handlers) replayStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.replay.src.Status())
}

func (h *handlers) replayReset(w http.ResponseWriter, r *http.Request) {
	h.replay.src.Reset()
	h.writeJSON(w, http.StatusOK, h.replay.src.Status())
}

func (h *handlers) replayReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Path == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path is required"})
		return
	}

	n, err := h.replay.reload(req.Path)
	switch {
	case errors.Is(err, errReloadInProgress):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.writeJSON(w, http.StatusOK, reloadResponse{Status: "success", Path: req.Path, Records: n})
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}
