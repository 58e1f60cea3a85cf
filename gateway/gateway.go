// Package gateway serves the clear-HTTP provider proxy. Every provider
// dialect is mounted under its own path prefix, plus a muxed entry
// point that routes by workspace rules instead of by path. Completion
// requests are decoded into the normalized shape, driven through the
// request pipeline, forwarded in the destination's dialect and
// streamed back through the output pipeline in the dialect the client
// spoke.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/internal/metrics"
	"github.com/stacklok/codegate/internal/tlsutil"
	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/pipeline"
	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
	"github.com/stacklok/codegate/workspaces"
)

// maxBodyBytes caps inbound request bodies. Agents ship whole files in
// prompts, so the cap is generous.
const maxBodyBytes = 30 << 20

// Recorder is the audit sink completions are written to. db.Recorder
// satisfies it.
type Recorder interface {
	RecordRequest(prompt db.Prompt, alerts []db.Alert)
	RecordOutput(output db.Output)
}

// ActiveSource yields the workspace snapshot a request runs under.
// workspaces.Manager satisfies it.
type ActiveSource interface {
	ActiveWorkspace() *workspaces.Active
}

// Config wires the proxy.
type Config struct {
	// ProviderURLs maps provider kind to the upstream host root used
	// by the direct (path-prefixed) routes. Dialect API prefixes are
	// appended when the destination URL is formed.
	ProviderURLs map[string]string

	// DashboardURL is linked from redaction notices.
	DashboardURL string

	// Timeout bounds non-streaming upstream calls. Streams only
	// inherit its connection phase and then live until either side
	// closes.
	Timeout time.Duration
}

// Deps are the collaborators the proxy drives. Recorder and Collector
// may be nil.
type Deps struct {
	ChatPipeline *pipeline.Pipeline
	FIMPipeline  *pipeline.Pipeline
	Workspaces   ActiveSource
	Muxes        *muxing.Registry
	Sessions     *session.Manager
	Recorder     Recorder
	Collector    *metrics.Collector
	Client       *http.Client
	Logger       *zap.Logger
}

// Proxy is the provider gateway.
type Proxy struct {
	providerURLs map[string]string
	dashboardURL string
	timeout      time.Duration

	chat     *pipeline.Pipeline
	fim      *pipeline.Pipeline
	active   ActiveSource
	muxes    *muxing.Registry
	sessions *session.Manager
	recorder Recorder

	client    *http.Client
	logger    *zap.Logger
	collector *metrics.Collector
}

// New assembles the proxy. A nil Client gets a hardened transport with
// no global timeout, so long streams are never cut off mid-flight.
func New(cfg Config, deps Deps) *Proxy {
	client := deps.Client
	if client == nil {
		client = &http.Client{Transport: tlsutil.SecureTransport()}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Proxy{
		providerURLs: cfg.ProviderURLs,
		dashboardURL: cfg.DashboardURL,
		timeout:      timeout,
		chat:         deps.ChatPipeline,
		fim:          deps.FIMPipeline,
		active:       deps.Workspaces,
		muxes:        deps.Muxes,
		sessions:     deps.Sessions,
		recorder:     deps.Recorder,
		client:       client,
		logger:       deps.Logger.With(zap.String("component", "gateway")),
		collector:    deps.Collector,
	}
}

// ingressRoute is one mounted completion path. inbound names the
// dialect the client speaks on it and upstream the provider the direct
// route forwards to; the two differ on the OpenAI-compatible aliases
// local servers also expose. rel is the path as the dialect knows it,
// with the mount prefix stripped, and disambiguates chat from
// completion endpoints. native marks llama.cpp's root-level dialect
// and muxed the workspace-routed entry point.
type ingressRoute struct {
	path     string
	rel      string
	inbound  types.ProviderKind
	upstream types.ProviderKind
	native   bool
	muxed    bool
}

// completionRoutes is the ingress table. Each provider keeps the paths
// its own clients are configured with, including the legacy aliases.
var completionRoutes = []ingressRoute{
	{path: "/openai/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderOpenAI, upstream: types.ProviderOpenAI},
	{path: "/openai/completions", rel: "/completions",
		inbound: types.ProviderOpenAI, upstream: types.ProviderOpenAI},

	{path: "/anthropic/messages", rel: "/messages",
		inbound: types.ProviderAnthropic, upstream: types.ProviderAnthropic},
	{path: "/anthropic/v1/messages", rel: "/v1/messages",
		inbound: types.ProviderAnthropic, upstream: types.ProviderAnthropic},

	{path: "/ollama/api/chat", rel: "/api/chat",
		inbound: types.ProviderOllama, upstream: types.ProviderOllama},
	{path: "/ollama/api/generate", rel: "/api/generate",
		inbound: types.ProviderOllama, upstream: types.ProviderOllama},
	// Ollama's own OpenAI-compatible surface.
	{path: "/ollama/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderOpenAI, upstream: types.ProviderOllama},
	{path: "/ollama/completions", rel: "/completions",
		inbound: types.ProviderOpenAI, upstream: types.ProviderOllama},
	{path: "/ollama/v1/chat/completions", rel: "/v1/chat/completions",
		inbound: types.ProviderOpenAI, upstream: types.ProviderOllama},

	{path: "/vllm/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderVLLM, upstream: types.ProviderVLLM},
	{path: "/vllm/completions", rel: "/completions",
		inbound: types.ProviderVLLM, upstream: types.ProviderVLLM},

	{path: "/llamacpp/completion", rel: "/completion",
		inbound: types.ProviderLlamaCpp, upstream: types.ProviderLlamaCpp, native: true},
	{path: "/llamacpp/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderLlamaCpp, upstream: types.ProviderLlamaCpp},
	{path: "/llamacpp/v1/chat/completions", rel: "/v1/chat/completions",
		inbound: types.ProviderLlamaCpp, upstream: types.ProviderLlamaCpp},
	{path: "/llamacpp/v1/completions", rel: "/v1/completions",
		inbound: types.ProviderLlamaCpp, upstream: types.ProviderLlamaCpp},

	{path: "/openrouter/api/v1/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderOpenRouter, upstream: types.ProviderOpenRouter},
	{path: "/openrouter/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderOpenRouter, upstream: types.ProviderOpenRouter},

	{path: "/lm-studio/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	{path: "/lm-studio/completions", rel: "/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	{path: "/lm-studio/v1/chat/completions", rel: "/v1/chat/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	{path: "/lm-studio/v1/completions", rel: "/v1/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	// Underscore aliases: LM Studio configs in the wild use both.
	{path: "/lm_studio/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	{path: "/lm_studio/completions", rel: "/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	{path: "/lm_studio/v1/chat/completions", rel: "/v1/chat/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},
	{path: "/lm_studio/v1/completions", rel: "/v1/completions",
		inbound: types.ProviderLMStudio, upstream: types.ProviderLMStudio},

	{path: "/copilot/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderCopilot, upstream: types.ProviderCopilot},
	{path: "/copilot/v1/chat/completions", rel: "/v1/chat/completions",
		inbound: types.ProviderCopilot, upstream: types.ProviderCopilot},
	{path: "/copilot/v1/engines/copilot-codex/completions", rel: "/v1/engines/copilot-codex/completions",
		inbound: types.ProviderCopilot, upstream: types.ProviderCopilot},

	// Muxed entry point: OpenAI dialect in, destination per workspace
	// rules.
	{path: "/v1/mux/chat/completions", rel: "/chat/completions",
		inbound: types.ProviderOpenAI, muxed: true},
	{path: "/v1/mux/completions", rel: "/completions",
		inbound: types.ProviderOpenAI, muxed: true},
}

// Handler builds the gateway's route table.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range completionRoutes {
		mux.HandleFunc(rt.path, p.handleCompletion(rt))
	}
	for _, rt := range modelsRoutes {
		mux.HandleFunc(rt.path, p.handleModels(rt))
	}
	mux.HandleFunc("/health", p.handleHealth)
	return mux
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// writeError answers with the OpenAI-style error envelope every
// assistant client understands.
func (p *Proxy) writeError(w http.ResponseWriter, err error) {
	status := types.HTTPStatusFor(err)
	msg := err.Error()
	var terr *types.Error
	if errors.As(err, &terr) {
		msg = terr.Message
	}

	if status >= http.StatusInternalServerError {
		p.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		p.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    string(types.CodeFor(err)),
			"code":    status,
		},
	})
}

// inboundAPIKey extracts the client's upstream credential. Bearer and
// token schemes plus the x-api-key header cover every supported
// assistant.
func inboundAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		if tok, ok := strings.CutPrefix(h, "token "); ok {
			return tok
		}
	}
	return r.Header.Get("x-api-key")
}

// keyRequired lists the dialects that refuse anonymous calls outright.
// Local inference servers accept keyless requests.
func keyRequired(kind types.ProviderKind) bool {
	switch kind {
	case types.ProviderOpenAI, types.ProviderAnthropic,
		types.ProviderOpenRouter, types.ProviderCopilot:
		return true
	}
	return false
}
