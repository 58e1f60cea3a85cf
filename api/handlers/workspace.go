package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/workspaces"
)

// WorkspaceHandler serves the workspace lifecycle under /api/v1.
type WorkspaceHandler struct {
	manager *workspaces.Manager
	logger  *zap.Logger
}

// NewWorkspaceHandler wires the handler to the workspace manager.
func NewWorkspaceHandler(manager *workspaces.Manager, logger *zap.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{manager: manager, logger: logger}
}

// Register mounts the workspace routes.
func (h *WorkspaceHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workspaces", h.HandleList)
	mux.HandleFunc("POST /api/v1/workspaces", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/workspaces/active", h.HandleActive)
	mux.HandleFunc("GET /api/v1/workspaces/archive", h.HandleListArchived)
	mux.HandleFunc("DELETE /api/v1/workspaces/archive/{name}", h.HandleHardDelete)
	mux.HandleFunc("GET /api/v1/workspaces/{name}", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/workspaces/{name}", h.HandleRename)
	mux.HandleFunc("DELETE /api/v1/workspaces/{name}", h.HandleArchive)
	mux.HandleFunc("POST /api/v1/workspaces/{name}/activate", h.HandleActivate)
	mux.HandleFunc("POST /api/v1/workspaces/{name}/recover", h.HandleRecover)
	mux.HandleFunc("GET /api/v1/workspaces/{name}/custom-instructions", h.HandleGetInstructions)
	mux.HandleFunc("PUT /api/v1/workspaces/{name}/custom-instructions", h.HandleSetInstructions)
	mux.HandleFunc("GET /api/v1/workspaces/{name}/muxes", h.HandleGetMuxes)
	mux.HandleFunc("PUT /api/v1/workspaces/{name}/muxes", h.HandleSetMuxes)
}

// CreateWorkspaceRequest names a workspace to create.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

// RenameWorkspaceRequest carries the new name for a workspace.
type RenameWorkspaceRequest struct {
	Name string `json:"name"`
}

// CustomInstructionsBody carries workspace custom instructions.
type CustomInstructionsBody struct {
	Prompt string `json:"prompt"`
}

// HandleList returns live workspaces with their activation flag.
func (h *WorkspaceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	infos, err := h.manager.List(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, infos)
}

// HandleCreate creates a workspace. 201 on success, 409 when the name
// is taken.
func (h *WorkspaceHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ws, err := h.manager.Create(r.Context(), req.Name)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, ws)
}

// HandleActive returns the workspace the session currently points at.
func (h *WorkspaceHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.manager.ActiveWorkspace())
}

// HandleGet returns one live workspace by name.
func (h *WorkspaceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ws, err := h.manager.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ws)
}

// HandleRename renames a workspace. The default workspace is protected.
func (h *WorkspaceHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	var req RenameWorkspaceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ws, err := h.manager.Rename(r.Context(), r.PathValue("name"), req.Name)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ws)
}

// HandleActivate points the session at the named workspace.
func (h *WorkspaceHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Activate(r.Context(), r.PathValue("name")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleArchive soft-deletes a workspace; its audit rows survive and it
// can be recovered.
func (h *WorkspaceHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Archive(r.Context(), r.PathValue("name")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListArchived lists soft-deleted workspaces.
func (h *WorkspaceHandler) HandleListArchived(w http.ResponseWriter, r *http.Request) {
	archived, err := h.manager.ListArchived(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, archived)
}

// HandleRecover brings an archived workspace back.
func (h *WorkspaceHandler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Recover(r.Context(), r.PathValue("name")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHardDelete permanently removes an archived workspace and its
// rule rows.
func (h *WorkspaceHandler) HandleHardDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.HardDelete(r.Context(), r.PathValue("name")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetInstructions returns the workspace's custom instructions.
func (h *WorkspaceHandler) HandleGetInstructions(w http.ResponseWriter, r *http.Request) {
	ws, err := h.manager.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, CustomInstructionsBody{Prompt: ws.CustomInstructions})
}

// HandleSetInstructions replaces the workspace's custom instructions.
func (h *WorkspaceHandler) HandleSetInstructions(w http.ResponseWriter, r *http.Request) {
	var body CustomInstructionsBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	ws, err := h.manager.SetCustomInstructions(r.Context(), r.PathValue("name"), body.Prompt)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ws)
}

// HandleGetMuxes returns the workspace's routing rules in priority
// order.
func (h *WorkspaceHandler) HandleGetMuxes(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manager.Muxes(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, entries)
}

// HandleSetMuxes replaces the workspace's routing rules. List order is
// rule priority.
func (h *WorkspaceHandler) HandleSetMuxes(w http.ResponseWriter, r *http.Request) {
	var entries []workspaces.MuxEntry
	if err := DecodeJSONBody(w, r, &entries, h.logger); err != nil {
		return
	}
	if err := h.manager.SetMuxes(r.Context(), r.PathValue("name"), entries); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
