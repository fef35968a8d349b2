package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/engine"
	"github.com/fluxbpm/engine/internal/eventstore"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/tasks"
)

// WorkflowHandler exposes workflow submission, task commands, and history.
type WorkflowHandler struct {
	eng    *engine.Engine
	store  *eventstore.Store
	logger *zap.Logger
}

// NewWorkflowHandler creates the handler.
func NewWorkflowHandler(eng *engine.Engine, store *eventstore.Store, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{eng: eng, store: store, logger: logger}
}

// Register installs the workflow routes.
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", h.handleStart)
	mux.HandleFunc("POST /workflows/{instanceId}/cancel", h.handleCancelInstance)
	mux.HandleFunc("POST /tasks/{taskId}/complete", h.handleCompleteTask)
	mux.HandleFunc("POST /tasks/{taskId}/cancel", h.handleCancelTask)
	mux.HandleFunc("GET /history/{elementId}", h.handleHistory)
	mux.HandleFunc("GET /history/{elementId}/events", h.handleEvents)
	mux.HandleFunc("DELETE /history/{elementId}", h.handleClearElement)
	mux.HandleFunc("DELETE /history", h.handleClearAll)
}

func (h *WorkflowHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML    string         `json:"yaml"`
		Context map[string]any `json:"context"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.YAML == "" {
		http.Error(w, "yaml is required", http.StatusBadRequest)
		return
	}

	wf, err := model.ParseYAML([]byte(req.YAML))
	if err != nil {
		http.Error(w, "invalid workflow: "+err.Error(), http.StatusBadRequest)
		return
	}

	in, err := h.eng.StartInstance(r.Context(), wf, req.Context)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("workflow instance started",
		zap.String("instance_id", in.ID()),
		zap.String("process", wf.Process.Name))
	writeJSON(w, http.StatusAccepted, map[string]any{"instanceId": in.ID()})
}

func (h *WorkflowHandler) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("instanceId")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled via API"
	}
	if !h.eng.CancelInstance(id, reason) {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instanceId": id, "status": "cancelling"})
}

func (h *WorkflowHandler) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	var req struct {
		Decision    string `json:"decision"`
		Comments    string `json:"comments"`
		CompletedBy string `json:"completedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ok := h.eng.CompleteUserTask(taskID, tasks.UserDecision{
		Decision:    req.Decision,
		Comments:    req.Comments,
		CompletedBy: req.CompletedBy,
	})
	if !ok {
		http.Error(w, "no pending user task with that id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "status": "completed"})
}

func (h *WorkflowHandler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	if !h.eng.CancelTask(taskID, req.Reason) {
		// Idempotent: an already-finished task is reported, not errored.
		writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "status": "already completed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "status": "cancelling"})
}

func (h *WorkflowHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	elementID := r.PathValue("elementId")
	history, err := h.store.ThreadHistory(elementID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		http.Error(w, "no history for element", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *WorkflowHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	elementID := r.PathValue("elementId")
	events, err := h.store.Events(elementID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"elementId": elementID, "events": events})
}

func (h *WorkflowHandler) handleClearElement(w http.ResponseWriter, r *http.Request) {
	elementID := r.PathValue("elementId")
	if err := h.store.ClearElement(elementID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"elementId": elementID, "status": "cleared"})
}

func (h *WorkflowHandler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}
