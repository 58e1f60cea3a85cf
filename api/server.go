// Package api assembles the management surface: the /api/v1 JSON API,
// the Prometheus endpoint and the health probes served on the API port.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/api/handlers"
	"github.com/stacklok/codegate/ca"
	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/workspaces"
)

// Deps carries everything the management API serves. Nil fields leave
// their routes unmounted, which keeps tests small.
type Deps struct {
	Workspaces *workspaces.Manager
	Endpoints  *workspaces.Endpoints
	Reader     *db.Reader
	Authority  *ca.Authority
	Feed       *handlers.AlertFeed
	Checks     []handlers.HealthCheck
	Logger     *zap.Logger
}

// NewRouter mounts the full management API onto a fresh mux.
func NewRouter(d Deps) *http.ServeMux {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(logger)
	for _, check := range d.Checks {
		health.RegisterCheck(check)
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)

	mux.Handle("GET /metrics", promhttp.Handler())

	if d.Workspaces != nil {
		handlers.NewWorkspaceHandler(d.Workspaces, logger).Register(mux)
	}
	if d.Endpoints != nil {
		handlers.NewProviderHandler(d.Endpoints, logger).Register(mux)
	}
	if d.Reader != nil {
		handlers.NewAuditHandler(d.Reader, logger).Register(mux)
	}
	if d.Authority != nil {
		handlers.NewCertHandler(d.Authority).Register(mux)
	}
	if d.Feed != nil {
		d.Feed.Register(mux)
	}

	return mux
}
