package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/orchestrator"
	"github.com/genricoloni/solo/internal/protocol"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamBuffer    = 8
	streamWriteWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type errorBody struct {
	Error string `json:"error"`
}

// SpeedRequest is the body of POST /v1/contexts/{id}/speed
type SpeedRequest struct {
	Rate float64 `json:"rate"`
}

// VolumeRequest is the body of POST /v1/contexts/{id}/volume
type VolumeRequest struct {
	Multiplier float64 `json:"multiplier"`
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	logger *zap.Logger
	orch   *orchestrator.Orchestrator

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
}

// NewHandler creates a new HTTP handler
func NewHandler(logger *zap.Logger, orch *orchestrator.Orchestrator) *Handler {
	return &Handler{
		logger:  logger,
		orch:    orch,
		streams: make(map[*websocket.Conn]struct{}),
	}
}

// GetState handles GET /v1/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Query())
}

// StreamState handles GET /v1/state/ws. The current snapshot is sent first,
// then one per registry change. A client that falls behind skips snapshots.
func (h *Handler) StreamState(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("State stream upgrade failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	h.streams[conn] = struct{}{}
	h.mu.Unlock()

	snaps, cancel := h.orch.Subscribe(streamBuffer)
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.streams, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// the reader only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			h.logger.Debug("State stream write failed", zap.Error(err))
			return false
		}
		return true
	}

	if !write(h.orch.Query()) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case snap, ok := <-snaps:
			if !ok || !write(snap) {
				return
			}
		}
	}
}

func (h *Handler) closeStreams() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.streams {
		_ = conn.Close()
	}
}

// PauseContext handles POST /v1/contexts/{id}/pause
func (h *Handler) PauseContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.orch.PauseContext(r.Context(), id); err != nil {
		h.writeError(w, id, err)
		return
	}
	rec, _ := h.orch.Query().Record(id)
	writeJSON(w, http.StatusOK, rec)
}

// SetSpeed handles POST /v1/contexts/{id}/speed
func (h *Handler) SetSpeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Rate <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "rate must be positive"})
		return
	}

	res, err := h.orch.SetSpeed(r.Context(), id, req.Rate)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetVolume handles POST /v1/contexts/{id}/volume
func (h *Handler) SetVolume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req VolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Multiplier < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "multiplier must not be negative"})
		return
	}

	res, err := h.orch.SetVolume(r.Context(), id, req.Multiplier)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeError maps the error taxonomy onto status codes
func (h *Handler) writeError(w http.ResponseWriter, id string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownContext), errors.Is(err, bus.ErrUnknownContext):
		status = http.StatusNotFound
	case errors.Is(err, bus.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, bus.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, protocol.ErrRemote):
		status = http.StatusUnprocessableEntity
	}
	h.logger.Debug("Command failed", zap.String("context", id), zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
