package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/lakesync/internal/gateway"
)

// MaxPushDeltas caps the deltas accepted in one push request.
const MaxPushDeltas = 1000

// Handler serves the gateway's HTTP surface.
type Handler struct {
	gw      *gateway.Gateway
	version string
}

// NewHandler wires the gateway into HTTP handlers.
func NewHandler(gw *gateway.Gateway, version string) *Handler {
	return &Handler{gw: gw, version: version}
}

// Push handles POST /push.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req gateway.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.Deltas) > MaxPushDeltas {
		WriteProblem(w, r, http.StatusBadRequest, "Too many deltas in one push")
		return
	}

	resp, err := h.gw.HandlePush(r.Context(), bearerToken(r), req)
	if err != nil {
		MapGatewayError(w, r, err)
		return
	}

	writeJSON(w, resp)

	slog.Info("push completed",
		"component", "api",
		"action", "push",
		"client_id", req.ClientID,
		"deltas", len(req.Deltas),
		"acked", len(resp.AckedIDs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Pull handles POST /pull.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	var req gateway.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	resp, err := h.gw.HandlePull(r.Context(), bearerToken(r), req)
	if err != nil {
		MapGatewayError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// Flush handles POST /flush.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.gw.Flush(r.Context())
	if err != nil {
		MapGatewayError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.gw.BufferStats())
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Buffer   gateway.Stats `json:"buffer"`
	LastSync string        `json:"lastSync,omitempty"`
}

// Health handles GET /healthz (no auth).
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: h.version,
		Buffer:  h.gw.BufferStats(),
	}
	if last := h.gw.LastSyncTime(); !last.IsZero() {
		resp.LastSync = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
