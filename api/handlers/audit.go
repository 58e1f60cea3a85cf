package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/db"
)

// AuditHandler serves the prompt and alert readout under /api/v1.
type AuditHandler struct {
	reader *db.Reader
	logger *zap.Logger
}

// NewAuditHandler wires the handler to the audit reader.
func NewAuditHandler(reader *db.Reader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{reader: reader, logger: logger}
}

// Register mounts the audit routes.
func (h *AuditHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/prompts", h.HandleListPrompts)
	mux.HandleFunc("GET /api/v1/prompts/{id}", h.HandleGetPrompt)
	mux.HandleFunc("GET /api/v1/alerts", h.HandleListAlerts)
}

// HandleListPrompts returns recorded prompts newest first. Query
// params: workspace_id, type (chat|fim), limit, offset.
func (h *AuditHandler) HandleListPrompts(w http.ResponseWriter, r *http.Request) {
	q := db.PromptQuery{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		Kind:        r.URL.Query().Get("type"),
		Limit:       queryInt(r, "limit"),
		Offset:      queryInt(r, "offset"),
	}
	prompts, err := h.reader.ListPrompts(r.Context(), q)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, prompts)
}

// HandleGetPrompt returns one prompt with its outputs and alerts.
func (h *AuditHandler) HandleGetPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := h.reader.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, prompt)
}

// HandleListAlerts returns recorded alerts. Query params: workspace_id,
// category, trigger_type, limit.
func (h *AuditHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := db.AlertQuery{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		Category:    r.URL.Query().Get("category"),
		TriggerType: r.URL.Query().Get("trigger_type"),
		Limit:       queryInt(r, "limit"),
	}
	alerts, err := h.reader.ListAlerts(r.Context(), q)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, alerts)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
