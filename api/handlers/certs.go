package handlers

import (
	"net/http"

	"github.com/stacklok/codegate/ca"
)

// CertHandler serves the CA certificate so users can download and
// trust it.
type CertHandler struct {
	authority *ca.Authority
}

// NewCertHandler wires the handler to the certificate authority.
func NewCertHandler(authority *ca.Authority) *CertHandler {
	return &CertHandler{authority: authority}
}

// Register mounts the certificate routes.
func (h *CertHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/certificates/ca", h.HandleDownloadCA)
}

// HandleDownloadCA returns the root certificate PEM as a download. Only
// the public half; the key never leaves disk.
func (h *CertHandler) HandleDownloadCA(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="codegate.crt"`)
	_, _ = w.Write(h.authority.CertPEM())
}
