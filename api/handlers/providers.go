package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/workspaces"
)

// ProviderHandler serves provider endpoint CRUD under /api/v1.
type ProviderHandler struct {
	endpoints *workspaces.Endpoints
	logger    *zap.Logger
}

// NewProviderHandler wires the handler to the endpoint store.
func NewProviderHandler(endpoints *workspaces.Endpoints, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{endpoints: endpoints, logger: logger}
}

// Register mounts the provider endpoint routes.
func (h *ProviderHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/provider-endpoints", h.HandleList)
	mux.HandleFunc("POST /api/v1/provider-endpoints", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/provider-endpoints/models", h.HandleAllModels)
	mux.HandleFunc("GET /api/v1/provider-endpoints/{id}", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/provider-endpoints/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/provider-endpoints/{id}", h.HandleDelete)
	mux.HandleFunc("GET /api/v1/provider-endpoints/{id}/models", h.HandleModels)
	mux.HandleFunc("POST /api/v1/provider-endpoints/{id}/models/refresh", h.HandleRefreshModels)
}

// EndpointRequest is the create/update payload. APIKey is write-only;
// listings never echo credentials.
type EndpointRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        string   `json:"provider_type"`
	BaseURL     string   `json:"endpoint"`
	AuthKind    string   `json:"auth_type,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	Models      []string `json:"models,omitempty"`
}

func (req *EndpointRequest) toRecord(id string) db.ProviderEndpoint {
	authKind := req.AuthKind
	if authKind == "" {
		if req.APIKey != "" {
			authKind = db.AuthAPIKey
		} else {
			authKind = db.AuthNone
		}
	}
	return db.ProviderEndpoint{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Kind:        req.Kind,
		BaseURL:     req.BaseURL,
		AuthKind:    authKind,
		AuthBlob:    req.APIKey,
	}
}

// HandleList returns every configured endpoint.
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	eps, err := h.endpoints.List(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, eps)
}

// HandleCreate registers a new endpoint; its models are discovered when
// none are supplied.
func (h *ProviderHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ep, err := h.endpoints.Create(r.Context(), req.toRecord(""), req.Models)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, ep)
}

// HandleGet returns one endpoint by id.
func (h *ProviderHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ep, err := h.endpoints.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ep)
}

// HandleUpdate replaces an endpoint's settings and model list.
func (h *ProviderHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ep, err := h.endpoints.Update(r.Context(), req.toRecord(r.PathValue("id")), req.Models)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ep)
}

// HandleDelete removes an endpoint. Mux rules referencing it are
// dropped from the registry.
func (h *ProviderHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.endpoints.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleModels returns the models one endpoint serves.
func (h *ProviderHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.endpoints.Models(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, models)
}

// HandleAllModels returns every model across all endpoints, the listing
// the dashboard rule editor feeds on.
func (h *ProviderHandler) HandleAllModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.endpoints.AllModels(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, models)
}

// HandleRefreshModels re-queries the provider and replaces the stored
// model list.
func (h *ProviderHandler) HandleRefreshModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.endpoints.RefreshModels(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, models)
}
