// Package httpapi exposes the engine's HTTP surface: webhook ingestion into
// the correlation queue, workflow submission, task commands, and history
// inspection.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fluxbpm/engine/internal/msgqueue"
)

// WebhookHandler ingests external messages into the correlation queue.
type WebhookHandler struct {
	queue   *msgqueue.Queue
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWebhookHandler creates the handler. limit is requests per second with
// the given burst; zero disables rate limiting.
func NewWebhookHandler(queue *msgqueue.Queue, limit float64, burst int, logger *zap.Logger) *WebhookHandler {
	var limiter *rate.Limiter
	if limit > 0 {
		limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return &WebhookHandler{queue: queue, limiter: limiter, logger: logger}
}

// Register installs the webhook routes.
func (h *WebhookHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/message", h.handleMessageBody)
	mux.HandleFunc("GET /webhooks/queue/stats", h.handleStats)
	mux.HandleFunc("GET /webhooks/queue/{correlationKey}", h.handleQueueGet)
	mux.HandleFunc("DELETE /webhooks/queue/{correlationKey}", h.handleQueueClear)
	mux.HandleFunc("GET /webhooks/approve/{messageRef}/{correlationKey}", h.handleApprove)
	mux.HandleFunc("GET /webhooks/deny/{messageRef}/{correlationKey}", h.handleDeny)
	mux.HandleFunc("POST /webhooks/{messageRef}/{correlationKey}", h.handleIngest)
}

type ingestResponse struct {
	Status         string `json:"status"`
	Delivered      bool   `json:"delivered"`
	MessageRef     string `json:"messageRef"`
	CorrelationKey string `json:"correlationKey"`
}

func (h *WebhookHandler) allow(w http.ResponseWriter) bool {
	if h.limiter != nil && !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (h *WebhookHandler) ingest(w http.ResponseWriter, messageRef, correlationKey string, payload map[string]any) {
	delivered := h.queue.Deliver(messageRef, correlationKey, payload)
	h.logger.Info("webhook ingested",
		zap.String("message_ref", messageRef),
		zap.String("correlation_key", correlationKey),
		zap.Bool("delivered", delivered))
	writeJSON(w, http.StatusOK, ingestResponse{
		Status:         "received",
		Delivered:      delivered,
		MessageRef:     messageRef,
		CorrelationKey: correlationKey,
	})
}

func (h *WebhookHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}
	payload := map[string]any{}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	h.ingest(w, r.PathValue("messageRef"), r.PathValue("correlationKey"), payload)
}

func (h *WebhookHandler) handleMessageBody(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}
	var req struct {
		MessageRef     string         `json:"messageRef"`
		CorrelationKey string         `json:"correlationKey"`
		Payload        map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.MessageRef == "" || req.CorrelationKey == "" {
		http.Error(w, "messageRef and correlationKey are required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	h.ingest(w, req.MessageRef, req.CorrelationKey, req.Payload)
}

// handleApprove and handleDeny are GET endpoints for email approval links:
// the payload carries the decision so the waiting receive task can branch.
func (h *WebhookHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, "approved")
}

func (h *WebhookHandler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.decision(w, r, "denied")
}

func (h *WebhookHandler) decision(w http.ResponseWriter, r *http.Request, decision string) {
	if !h.allow(w) {
		return
	}
	messageRef := r.PathValue("messageRef")
	correlationKey := r.PathValue("correlationKey")
	delivered := h.queue.Deliver(messageRef, correlationKey, map[string]any{
		"decision": decision,
		"approved": decision == "approved",
	})
	h.logger.Info("approval decision received",
		zap.String("message_ref", messageRef),
		zap.String("correlation_key", correlationKey),
		zap.String("decision", decision),
		zap.Bool("delivered", delivered))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if decision == "approved" {
		io.WriteString(w, "<html><body><h2>Approved</h2><p>Your decision was recorded.</p></body></html>")
	} else {
		io.WriteString(w, "<html><body><h2>Denied</h2><p>Your decision was recorded.</p></body></html>")
	}
}

func (h *WebhookHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *WebhookHandler) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("correlationKey")
	writeJSON(w, http.StatusOK, map[string]any{
		"correlationKey": key,
		"messages":       h.queue.QueuedMessages(key),
	})
}

func (h *WebhookHandler) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("correlationKey")
	removed := h.queue.ClearKey(key)
	writeJSON(w, http.StatusOK, map[string]any{
		"correlationKey": key,
		"removed":        removed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
