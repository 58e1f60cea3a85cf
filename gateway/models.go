package gateway

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/providers/registry"
	"github.com/stacklok/codegate/types"
)

// modelsRoute is one mounted model-listing path. Assistants query it
// at configuration time to populate their model pickers; the gateway
// relays the listing from the provider behind the prefix.
type modelsRoute struct {
	path     string
	upstream types.ProviderKind
}

var modelsRoutes = []modelsRoute{
	{path: "/openai/models", upstream: types.ProviderOpenAI},
	{path: "/openai/v1/models", upstream: types.ProviderOpenAI},
	{path: "/anthropic/v1/models", upstream: types.ProviderAnthropic},
	{path: "/ollama/api/tags", upstream: types.ProviderOllama},
	{path: "/vllm/models", upstream: types.ProviderVLLM},
	{path: "/vllm/v1/models", upstream: types.ProviderVLLM},
	{path: "/llamacpp/v1/models", upstream: types.ProviderLlamaCpp},
	{path: "/openrouter/api/v1/models", upstream: types.ProviderOpenRouter},
	{path: "/lm-studio/v1/models", upstream: types.ProviderLMStudio},
	{path: "/lm_studio/v1/models", upstream: types.ProviderLMStudio},
}

// handleModels relays the provider's model listing verbatim. The
// response shape is dialect-native, so clients built against the
// provider keep working unmodified.
func (p *Proxy) handleModels(rt modelsRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		base := p.providerURLs[string(rt.upstream)]
		if base == "" {
			p.writeError(w, types.NewErrorf(types.ErrConfig,
				"no base URL configured for provider %q", rt.upstream).
				WithHTTPStatus(http.StatusBadRequest))
			return
		}

		ep := muxing.Endpoint{Kind: rt.upstream, BaseURL: base, APIKey: inboundAPIKey(r)}
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, registry.ModelsURL(ep), nil)
		if err != nil {
			p.writeError(w, types.NewErrorf(types.ErrInternal, "failed to build models request: %v", err))
			return
		}
		registry.MustForKind(rt.upstream).ApplyAuth(req.Header, ep.APIKey)

		resp, err := p.client.Do(req)
		if err != nil {
			p.writeError(w, types.NewErrorf(types.ErrUpstream, "models query failed: %v", err).
				WithProvider(string(rt.upstream)))
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			p.logger.Debug("models relay interrupted",
				zap.String("provider", string(rt.upstream)), zap.Error(err))
		}
	}
}
